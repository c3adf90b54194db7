package generation

import (
	"fmt"
	"strings"

	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/llm"
)

const enhanceSystem = `You are an expert App Store Optimization copywriter.
Write compelling, accurate store listing copy. Never invent features that
are not in the description. Respond with a single JSON object only.`

const enhanceSingleUser = `App name: %s
Description: %s
Keywords: %s

Return JSON with exactly these keys:
{"title": string (max 30 chars), "subtitle": string (max 30 chars),
 "description": string (max 4000 chars), "keywords": array of strings}`

const enhanceVariantsUser = `App name: %s
Description: %s
Keywords: %s

Write five alternative listings. Return JSON with exactly these keys:
{"titles": array of 5 strings (max 30 chars each),
 "descriptions": array of 5 strings (max 4000 chars each)}`

const translateSystem = `You are a professional app store localizer. Translate
marketing copy into %s, adapting idioms for native speakers while keeping
the app name unchanged. Respond with a single JSON object only.`

const translateUser = `App name: %s
Description: %s
Keywords: %s

Return JSON with exactly these keys:
{"title": string (max 30 chars, in %s), "description": string (in %s)}`

func enhanceMessages(p *domain.Project, shape string) []llm.Message {
	tmpl := enhanceSingleUser
	if shape == ShapeVariants {
		tmpl = enhanceVariantsUser
	}
	return []llm.Message{
		llm.System(enhanceSystem),
		llm.User(fmt.Sprintf(tmpl, p.Name, p.Description, keywordsOrNone(p.Keywords))),
	}
}

func translateMessages(p *domain.Project, lang string) []llm.Message {
	return []llm.Message{
		llm.System(fmt.Sprintf(translateSystem, lang)),
		llm.User(fmt.Sprintf(translateUser, p.Name, p.Description, keywordsOrNone(p.Keywords), lang, lang)),
	}
}

func keywordsOrNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

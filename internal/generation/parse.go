package generation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tbourn/reachmix-backend/internal/domain"
)

// VariantCount is the number of alternatives in the variants shape.
const VariantCount = 5

// keywordList accepts either a JSON array of strings or one comma-separated
// string.
type keywordList []string

func (k *keywordList) UnmarshalJSON(b []byte) error {
	var arr []string
	if err := json.Unmarshal(b, &arr); err == nil {
		*k = cleanList(arr)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("keywords must be an array of strings")
	}
	*k = SplitKeywords(s)
	return nil
}

// SplitKeywords splits a comma-separated keyword string.
func SplitKeywords(s string) []string {
	return cleanList(strings.Split(s, ","))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// decodeObject strictly decodes content as one JSON object. Models
// sometimes wrap JSON in a Markdown fence; that is tolerated.
func decodeObject(content string, dst any) error {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	if content == "" {
		return errors.New("empty content")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("content is not a JSON object: %w", err)
	}
	return nil
}

func parseEnhanceSingle(content string) (*domain.EnhanceResult, error) {
	var raw struct {
		Title       *string      `json:"title"`
		Subtitle    *string      `json:"subtitle"`
		Description *string      `json:"description"`
		Keywords    *keywordList `json:"keywords"`
	}
	if err := decodeObject(content, &raw); err != nil {
		return nil, err
	}
	switch {
	case raw.Title == nil || strings.TrimSpace(*raw.Title) == "":
		return nil, errors.New("missing title")
	case raw.Description == nil || strings.TrimSpace(*raw.Description) == "":
		return nil, errors.New("missing description")
	case raw.Keywords == nil:
		return nil, errors.New("missing keywords")
	}
	out := &domain.EnhanceResult{
		Title:       strings.TrimSpace(*raw.Title),
		Description: strings.TrimSpace(*raw.Description),
		Keywords:    []string(*raw.Keywords),
	}
	if raw.Subtitle != nil {
		out.Subtitle = strings.TrimSpace(*raw.Subtitle)
	}
	return out, nil
}

func parseEnhanceVariants(content string) (*domain.EnhanceVariants, error) {
	var raw struct {
		Titles       []string `json:"titles"`
		Descriptions []string `json:"descriptions"`
	}
	if err := decodeObject(content, &raw); err != nil {
		return nil, err
	}
	titles, descs := cleanList(raw.Titles), cleanList(raw.Descriptions)
	if len(titles) != VariantCount {
		return nil, fmt.Errorf("expected %d titles, got %d", VariantCount, len(titles))
	}
	if len(descs) != VariantCount {
		return nil, fmt.Errorf("expected %d descriptions, got %d", VariantCount, len(descs))
	}
	return &domain.EnhanceVariants{Titles: titles, Descriptions: descs}, nil
}

func parseTranslation(content, lang string) (domain.Translation, error) {
	var raw struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
	}
	if err := decodeObject(content, &raw); err != nil {
		return domain.Translation{}, err
	}
	if raw.Title == nil || strings.TrimSpace(*raw.Title) == "" {
		return domain.Translation{}, errors.New("missing title")
	}
	if raw.Description == nil || strings.TrimSpace(*raw.Description) == "" {
		return domain.Translation{}, errors.New("missing description")
	}
	return domain.Translation{
		Language:    lang,
		Title:       strings.TrimSpace(*raw.Title),
		Description: strings.TrimSpace(*raw.Description),
	}, nil
}

// Package generation turns a project into LLM completions: it builds the
// prompts, calls the model (once per target language for translations),
// validates the structured replies and maps failures to typed errors.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/tbourn/reachmix-backend/internal/apperr"
	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/llm"
)

// Enhance result shapes.
const (
	ShapeSingle   = "single"
	ShapeVariants = "variants"
)

// MsgUpstreamRateLimited is shown when the model endpoint itself throttles.
const MsgUpstreamRateLimited = "OpenAI rate limit exceeded. Please try again later."

// Completer is the model endpoint the pipeline needs.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Pipeline generates results for projects.
type Pipeline struct {
	LLM Completer
	// EnhanceShape selects the enhance result shape (single|variants).
	EnhanceShape string
}

// NewPipeline constructs a Pipeline.
func NewPipeline(c Completer, enhanceShape string) *Pipeline {
	if enhanceShape != ShapeVariants {
		enhanceShape = ShapeSingle
	}
	return &Pipeline{LLM: c, EnhanceShape: enhanceShape}
}

// Generate runs the project through the model and returns the typed result.
// Translations are produced sequentially in input order; any failing
// language fails the whole project and nothing partial is returned.
func (p *Pipeline) Generate(ctx context.Context, proj *domain.Project) (*domain.ResultData, error) {
	ctx, span := otel.Tracer("generation/Pipeline").Start(ctx, "Generate",
		trace.WithAttributes(
			attribute.String("project.id", proj.ID),
			attribute.String("project.type", proj.Type),
		),
	)
	defer span.End()

	var (
		out *domain.ResultData
		err error
	)
	switch proj.Type {
	case domain.ProjectEnhance:
		out, err = p.enhance(ctx, proj)
	case domain.ProjectTranslate:
		out, err = p.translate(ctx, proj)
	default:
		err = apperr.Newf(apperr.InvalidArgument, "unknown project type %q", proj.Type)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// Process is Generate folded into a ProjectResults value: completed with
// data on success, error with a message otherwise.
func (p *Pipeline) Process(ctx context.Context, proj *domain.Project) domain.ProjectResults {
	data, err := p.Generate(ctx, proj)
	if err != nil {
		return domain.ProjectResults{Status: domain.StatusError, Error: apperr.MessageOf(err)}
	}
	res, err := Completed(data)
	if err != nil {
		return domain.ProjectResults{Status: domain.StatusError, Error: apperr.MessageOf(err)}
	}
	return res
}

// Completed wraps data as a completed ProjectResults.
func Completed(data *domain.ResultData) (domain.ProjectResults, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return domain.ProjectResults{}, apperr.Wrap(apperr.Internal, "failed to encode results", err)
	}
	return domain.ProjectResults{Status: domain.StatusCompleted, Data: datatypes.JSON(raw)}, nil
}

func (p *Pipeline) enhance(ctx context.Context, proj *domain.Project) (*domain.ResultData, error) {
	content, err := p.LLM.Complete(ctx, enhanceMessages(proj, p.EnhanceShape))
	if err != nil {
		return nil, mapCallError(err)
	}
	if p.EnhanceShape == ShapeVariants {
		v, err := parseEnhanceVariants(content)
		if err != nil {
			return nil, invalidResponse(err)
		}
		return &domain.ResultData{Kind: domain.KindEnhanceVariants, EnhanceVariants: v}, nil
	}
	r, err := parseEnhanceSingle(content)
	if err != nil {
		return nil, invalidResponse(err)
	}
	return &domain.ResultData{Kind: domain.KindEnhance, EnhanceResult: r}, nil
}

func (p *Pipeline) translate(ctx context.Context, proj *domain.Project) (*domain.ResultData, error) {
	if len(proj.Languages) == 0 {
		return nil, apperr.New(apperr.InvalidArgument, "languages are required for translation")
	}
	translations := make([]domain.Translation, 0, len(proj.Languages))
	for _, lang := range proj.Languages {
		content, err := p.LLM.Complete(ctx, translateMessages(proj, lang))
		if err != nil {
			return nil, mapCallError(err)
		}
		tr, err := parseTranslation(content, lang)
		if err != nil {
			return nil, invalidResponse(fmt.Errorf("%s: %w", lang, err))
		}
		translations = append(translations, tr)
	}
	return &domain.ResultData{
		Kind:            domain.KindTranslate,
		TranslateResult: &domain.TranslateResult{Translations: translations},
	}, nil
}

func mapCallError(err error) error {
	if errors.Is(err, llm.ErrRateLimited) {
		return apperr.Wrap(apperr.ResourceExhausted, MsgUpstreamRateLimited, err)
	}
	if errors.Is(err, llm.ErrEmptyCompletion) {
		return apperr.Wrap(apperr.Internal, "invalid response from the language model: empty content", err)
	}
	return apperr.Wrap(apperr.Internal, "failed to reach the language model", err)
}

func invalidResponse(err error) error {
	return apperr.Wrap(apperr.Internal, "invalid response from the language model: "+err.Error(), err)
}

package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/codescribe/codescribe/internal/conversation"
	"github.com/codescribe/codescribe/internal/llm"
	"github.com/codescribe/codescribe/pkg/models"
)

// ModelClient is the slice of the model layer the orchestrator needs.
type ModelClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Orchestrator builds prompts, invokes the model, and enforces the output
// schema. When the model keeps producing unusable output it degrades to a
// single fallback finding instead of failing the job.
type Orchestrator struct {
	model             ModelClient
	correctiveRetries int
}

func New(model ModelClient, correctiveRetries int) *Orchestrator {
	if correctiveRetries < 0 {
		correctiveRetries = 0
	}
	return &Orchestrator{model: model, correctiveRetries: correctiveRetries}
}

// ReviewChanges produces findings for a change set. The returned bool is true
// when the result is the degraded fallback rather than real model output.
func (o *Orchestrator) ReviewChanges(ctx context.Context, changeSet models.DiffChangeSet, retrieval models.RetrievalResult) ([]models.ReviewFinding, bool, error) {
	prompt := buildReviewPrompt(changeSet, retrieval)

	for attempt := 0; attempt <= o.correctiveRetries; attempt++ {
		response, err := o.model.Generate(ctx, prompt)
		if err != nil {
			// A dead context means the job itself is being torn down or
			// timed out, and surfaces as a retryable job failure. A model
			// that stayed unreachable through its retry budget must not
			// fail the review; the author still gets the fallback comment.
			if ctx.Err() != nil {
				return nil, false, fmt.Errorf("generating review: %w", err)
			}
			log.Error().Err(err).Msg("model unavailable after retries, emitting fallback finding")
			return []models.ReviewFinding{fallbackFinding(changeSet)}, true, nil
		}

		findings, parseErr := llm.ParseFindings(response, changeSet)
		if parseErr == nil {
			return findings, false, nil
		}

		log.Warn().
			Err(parseErr).
			Int("attempt", attempt+1).
			Msg("model output failed schema validation")

		if attempt < o.correctiveRetries {
			prompt = buildCorrectivePrompt(changeSet, retrieval, response)
		}
	}

	log.Error().Msg("model output unusable after corrective retries, emitting fallback finding")
	return []models.ReviewFinding{fallbackFinding(changeSet)}, true, nil
}

// Reply generates a conversational response for a comment thread. The reply
// is free text, so there is no schema to enforce; an empty response gets a
// neutral fallback so the human is never left without an answer.
func (o *Orchestrator) Reply(ctx context.Context, thread conversation.Thread, history []conversation.Message) (string, error) {
	prompt := buildReplyPrompt(thread, history)

	response, err := o.model.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}

	response = strings.TrimSpace(response)
	if response == "" {
		return "I wasn't able to produce a useful answer here. Could you rephrase the question?", nil
	}
	return response, nil
}

func fallbackFinding(changeSet models.DiffChangeSet) models.ReviewFinding {
	file := ""
	line := 1
	if len(changeSet.Files) > 0 {
		file = changeSet.Files[0].Path
		if len(changeSet.Files[0].Hunks) > 0 {
			line = changeSet.Files[0].Hunks[0].NewStartLine
		}
	}
	return models.ReviewFinding{
		RuleReference: "review-unavailable",
		Severity:      models.SeverityInfo,
		File:          file,
		Lines:         models.LineRange{Start: line, End: line},
		Message:       "Automated review could not be completed for this change. A human review is recommended.",
	}
}

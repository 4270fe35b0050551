package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"

	"github.com/codescribe/codescribe/pkg/models"
)

// ErrSchemaInvalid reports that the model's output could not be coerced into
// the expected finding schema even after repair. Callers use it to decide
// between a corrective retry and the fallback comment.
var ErrSchemaInvalid = errors.New("model output does not match finding schema")

// rawFinding is the wire shape the model is asked to produce.
type rawFinding struct {
	Rule           string `json:"rule"`
	Severity       string `json:"severity"`
	File           string `json:"file"`
	StartLine      int    `json:"start_line"`
	EndLine        int    `json:"end_line"`
	Message        string `json:"message"`
	SuggestedPatch string `json:"suggested_patch,omitempty"`
}

type rawReview struct {
	Findings []rawFinding `json:"findings"`
}

// ExtractJSON pulls a JSON document out of a model response. Models wrap
// output in markdown fences or prepend prose more often than not, so we look
// for a fenced block first and fall back to the outermost braces.
func ExtractJSON(response string) string {
	trimmed := strings.TrimSpace(response)

	if idx := strings.Index(trimmed, "```json"); idx != -1 {
		rest := trimmed[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end != -1 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	if idx := strings.Index(trimmed, "```"); idx != -1 {
		rest := trimmed[idx+3:]
		if end := strings.Index(rest, "```"); end != -1 {
			return strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexAny(trimmed, "{[")
	if start == -1 {
		return trimmed
	}
	var endByte byte = '}'
	if trimmed[start] == '[' {
		endByte = ']'
	}
	end := strings.LastIndexByte(trimmed, endByte)
	if end > start {
		return trimmed[start : end+1]
	}
	return trimmed[start:]
}

// ParseFindings validates a model response against the closed review schema
// and the change set it was asked to review. Findings that reference files or
// lines outside the diff are dropped rather than published against code the
// author never touched. A response that cannot be parsed at all, even after
// JSON repair, returns ErrSchemaInvalid.
func ParseFindings(response string, changeSet models.DiffChangeSet) ([]models.ReviewFinding, error) {
	raw := ExtractJSON(response)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty response", ErrSchemaInvalid)
	}

	var review rawReview
	if err := json.Unmarshal([]byte(raw), &review); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
		}
		if err := json.Unmarshal([]byte(repaired), &review); err != nil {
			// Some models emit a bare array of findings.
			var list []rawFinding
			if arrErr := json.Unmarshal([]byte(repaired), &list); arrErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
			}
			review.Findings = list
		}
		log.Debug().Msg("model output required JSON repair")
	}

	findings := make([]models.ReviewFinding, 0, len(review.Findings))
	for _, rf := range review.Findings {
		finding, err := validateFinding(rf, changeSet)
		if err != nil {
			log.Warn().Err(err).Str("file", rf.File).Msg("dropping invalid finding")
			continue
		}
		findings = append(findings, finding)
	}
	// An explicitly empty list is a valid "no issues" verdict, but a response
	// where every finding failed validation is garbage output and should be
	// reprompted, not silently reduced to nothing.
	if len(review.Findings) > 0 && len(findings) == 0 {
		return nil, fmt.Errorf("%w: all %d findings failed validation", ErrSchemaInvalid, len(review.Findings))
	}
	return findings, nil
}

func validateFinding(rf rawFinding, changeSet models.DiffChangeSet) (models.ReviewFinding, error) {
	severity, err := models.ParseSeverity(rf.Severity)
	if err != nil {
		return models.ReviewFinding{}, err
	}
	if rf.Message == "" {
		return models.ReviewFinding{}, fmt.Errorf("finding has empty message")
	}
	if rf.File == "" {
		return models.ReviewFinding{}, fmt.Errorf("finding has empty file")
	}
	if rf.EndLine < rf.StartLine {
		rf.EndLine = rf.StartLine
	}
	if rf.StartLine <= 0 {
		return models.ReviewFinding{}, fmt.Errorf("finding has invalid line %d", rf.StartLine)
	}
	if !changeSet.ContainsLine(rf.File, rf.StartLine) {
		return models.ReviewFinding{}, fmt.Errorf("finding targets %s:%d outside the diff", rf.File, rf.StartLine)
	}

	return models.ReviewFinding{
		RuleReference:  rf.Rule,
		Severity:       severity,
		File:           rf.File,
		Lines:          models.LineRange{Start: rf.StartLine, End: rf.EndLine},
		Message:        rf.Message,
		SuggestedPatch: rf.SuggestedPatch,
	}, nil
}

package models

import (
	"fmt"
	"sort"
	"strings"
)

// DiffHunk is a single contiguous region of change within a file, as parsed
// from a unified diff.
type DiffHunk struct {
	OldStartLine int    `json:"old_start_line"`
	OldLineCount int    `json:"old_line_count"`
	NewStartLine int    `json:"new_start_line"`
	NewLineCount int    `json:"new_line_count"`
	Content      string `json:"content"`
}

// SyntaxNode is a syntactic span (function, type, method) that a hunk
// touches. Downstream prompting references these instead of raw line ranges.
type SyntaxNode struct {
	Kind      string `json:"kind"` // func | method | type
	Name      string `json:"name"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// FileChange is one changed file within a change set. RawOnly marks files
// whose language has no parser; their hunks are kept as raw line ranges.
type FileChange struct {
	Path     string       `json:"path"`
	Language string       `json:"language"`
	Hunks    []DiffHunk   `json:"hunks"`
	Nodes    []SyntaxNode `json:"nodes,omitempty"`
	RawOnly  bool         `json:"raw_only"`
	IsNew    bool         `json:"is_new"`
	IsDelete bool         `json:"is_delete"`
}

// DiffChangeSet is the structured representation of a diff. It is immutable
// once produced and owned exclusively by the job that created it.
type DiffChangeSet struct {
	Files []FileChange `json:"files"`
}

// Summary renders the compact file-path + touched-symbol digest used as the
// retrieval query and as the header of the review prompt.
func (cs DiffChangeSet) Summary() string {
	var b strings.Builder
	for _, f := range cs.Files {
		b.WriteString(f.Path)
		if len(f.Nodes) > 0 {
			names := make([]string, 0, len(f.Nodes))
			for _, n := range f.Nodes {
				names = append(names, n.Name)
			}
			sort.Strings(names)
			b.WriteString(" (" + strings.Join(names, ", ") + ")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ContainsLine reports whether the given new-file line of path falls inside
// any hunk of the change set. Used to validate model output against the diff.
func (cs DiffChangeSet) ContainsLine(path string, line int) bool {
	for _, f := range cs.Files {
		if f.Path != path {
			continue
		}
		for _, h := range f.Hunks {
			if line >= h.NewStartLine && line < h.NewStartLine+h.NewLineCount {
				return true
			}
			if line >= h.OldStartLine && line < h.OldStartLine+h.OldLineCount {
				return true
			}
		}
	}
	return false
}

// Snippet is one retrieved knowledge-base fragment with its relevance score.
type Snippet struct {
	Text  string  `json:"snippet_text"`
	Score float64 `json:"score"`
}

// RetrievalResult is an ordered (descending score) set of snippets, already
// truncated to top-k above the minimum-score threshold. Job-scoped, never
// persisted.
type RetrievalResult struct {
	Snippets []Snippet `json:"snippets"`
}

// Empty reports whether retrieval produced nothing usable (the degraded
// path: reviews still happen without knowledge-base context).
func (r RetrievalResult) Empty() bool { return len(r.Snippets) == 0 }

// Severity of a review finding. Mirrors the severities the prompt asks for.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a model-supplied severity string onto the closed enum.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(s)) {
	case SeverityInfo:
		return SeverityInfo, nil
	case SeverityWarning:
		return SeverityWarning, nil
	case SeverityCritical:
		return SeverityCritical, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// LineRange is an inclusive span of lines in the new version of a file.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ReviewFinding is a single validated model finding. Only model output that
// passes schema validation becomes a finding.
type ReviewFinding struct {
	RuleReference  string    `json:"rule_reference"`
	Severity       Severity  `json:"severity"`
	File           string    `json:"file"`
	Lines          LineRange `json:"line_range"`
	Message        string    `json:"message"`
	SuggestedPatch string    `json:"suggested_patch,omitempty"`
}

// Anchor returns the (file, start line) pair a finding's comment is attached
// to. A finding with no file anchors at PR level.
func (f ReviewFinding) Anchor() (string, int) {
	return f.File, f.Lines.Start
}

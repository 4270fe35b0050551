package diff

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/codescribe/codescribe/pkg/models"
)

var (
	filePathRe   = regexp.MustCompile(`diff --git a/(.*) b/(.*)`)
	hunkHeaderRe = regexp.MustCompile(`@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)
)

// parseUnifiedDiff splits a unified diff into per-file changes with their
// hunks. Syntax annotation happens afterwards in the analyzer.
func parseUnifiedDiff(diffText string) ([]models.FileChange, error) {
	if strings.TrimSpace(diffText) == "" {
		return nil, nil
	}

	fileDiffs := splitDiffByFile(diffText)
	result := make([]models.FileChange, 0, len(fileDiffs))

	for _, fileDiff := range fileDiffs {
		fc, err := parseFileDiff(fileDiff)
		if err != nil {
			return nil, err
		}
		result = append(result, fc)
	}

	return result, nil
}

// splitDiffByFile splits a unified diff into separate file diffs.
func splitDiffByFile(diffText string) []string {
	diffFiles := strings.Split(diffText, "diff --git ")

	result := make([]string, 0, len(diffFiles))
	for i, file := range diffFiles {
		if i == 0 && !strings.HasPrefix(file, "diff --git ") {
			continue
		}
		if i > 0 {
			file = "diff --git " + file
		}
		result = append(result, file)
	}

	return result
}

func parseFileDiff(diffText string) (models.FileChange, error) {
	matches := filePathRe.FindStringSubmatch(diffText)
	if len(matches) < 3 {
		return models.FileChange{}, fmt.Errorf("could not extract file path from diff")
	}
	path := matches[2]

	hunks := extractHunks(diffText)

	return models.FileChange{
		Path:     path,
		Language: languageOf(path),
		Hunks:    hunks,
		IsNew:    strings.Contains(diffText, "new file mode"),
		IsDelete: strings.Contains(diffText, "deleted file mode"),
	}, nil
}

// extractHunks extracts diff hunks from a single file diff.
func extractHunks(diffText string) []models.DiffHunk {
	hunkMatches := hunkHeaderRe.FindAllStringSubmatchIndex(diffText, -1)
	if len(hunkMatches) == 0 {
		return nil
	}

	hunks := make([]models.DiffHunk, 0, len(hunkMatches))

	for i, match := range hunkMatches {
		oldStart := atoiSubmatch(diffText, match, 1, 0)
		oldCount := atoiSubmatch(diffText, match, 2, 1)
		newStart := atoiSubmatch(diffText, match, 3, 0)
		newCount := atoiSubmatch(diffText, match, 4, 1)

		var content string
		if i < len(hunkMatches)-1 {
			content = diffText[match[0]:hunkMatches[i+1][0]]
		} else {
			content = diffText[match[0]:]
		}

		// Drop the @@ header line itself
		contentLines := strings.SplitN(content, "\n", 2)
		if len(contentLines) > 1 {
			content = contentLines[1]
		}

		hunks = append(hunks, models.DiffHunk{
			OldStartLine: oldStart,
			OldLineCount: oldCount,
			NewStartLine: newStart,
			NewLineCount: newCount,
			Content:      strings.TrimRight(content, "\n"),
		})
	}

	return hunks
}

// atoiSubmatch reads submatch group n from an index match, with a default
// for omitted counts (`@@ -1 +1 @@` means a count of 1).
func atoiSubmatch(s string, match []int, n, def int) int {
	lo, hi := match[2*n], match[2*n+1]
	if lo < 0 {
		return def
	}
	v, err := strconv.Atoi(s[lo:hi])
	if err != nil {
		return def
	}
	return v
}

// languageOf determines the language of a file from its extension.
func languageOf(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 || idx == len(path)-1 {
		return ""
	}
	switch path[idx+1:] {
	case "go":
		return "go"
	case "py":
		return "python"
	case "js", "jsx":
		return "javascript"
	case "ts", "tsx":
		return "typescript"
	case "md":
		return "markdown"
	default:
		return path[idx+1:]
	}
}

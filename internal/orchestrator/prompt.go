package orchestrator

import (
	"fmt"
	"strings"

	"github.com/codescribe/codescribe/internal/conversation"
	"github.com/codescribe/codescribe/pkg/models"
)

const reviewSchemaInstructions = `Respond with a JSON object only, no prose before or after:
{
  "findings": [
    {
      "rule": "<short rule identifier>",
      "severity": "info" | "warning" | "critical",
      "file": "<path exactly as it appears in the diff>",
      "start_line": <line number in the new version of the file>,
      "end_line": <line number in the new version of the file>,
      "message": "<what is wrong and why it matters>",
      "suggested_patch": "<replacement code, optional>"
    }
  ]
}
Every finding must point at a line that the diff actually changes.
If the change looks fine, return {"findings": []}.`

func buildReviewPrompt(changeSet models.DiffChangeSet, retrieval models.RetrievalResult) string {
	var b strings.Builder

	b.WriteString("You are an experienced software engineer reviewing a pull request.\n")
	b.WriteString("Focus on correctness, concurrency, error handling, and security. Skip style nits.\n\n")

	if !retrieval.Empty() {
		b.WriteString("## Relevant project context\n\n")
		for _, s := range retrieval.Snippets {
			b.WriteString(s.Text)
			b.WriteString("\n---\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Changed files\n\n")
	b.WriteString(changeSet.Summary())
	b.WriteString("\n\n")

	for _, file := range changeSet.Files {
		fmt.Fprintf(&b, "### %s\n", file.Path)
		if len(file.Nodes) > 0 {
			b.WriteString("Touched declarations: ")
			names := make([]string, 0, len(file.Nodes))
			for _, n := range file.Nodes {
				names = append(names, fmt.Sprintf("%s %s", n.Kind, n.Name))
			}
			b.WriteString(strings.Join(names, ", "))
			b.WriteString("\n")
		}
		for _, hunk := range file.Hunks {
			fmt.Fprintf(&b, "```diff\n@@ -%d,%d +%d,%d @@\n%s\n```\n",
				hunk.OldStartLine, hunk.OldLineCount, hunk.NewStartLine, hunk.NewLineCount,
				strings.TrimRight(hunk.Content, "\n"))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Output format\n\n")
	b.WriteString(reviewSchemaInstructions)
	return b.String()
}

// buildCorrectivePrompt re-asks after a schema failure, quoting the bad
// output so the model can see what it got wrong.
func buildCorrectivePrompt(changeSet models.DiffChangeSet, retrieval models.RetrievalResult, badResponse string) string {
	var b strings.Builder
	b.WriteString("Your previous response did not match the required JSON schema.\n\n")
	b.WriteString("Previous response:\n")
	b.WriteString(truncate(badResponse, 2000))
	b.WriteString("\n\nProduce the review again. ")
	b.WriteString(reviewSchemaInstructions)
	b.WriteString("\n\n")
	b.WriteString(buildReviewPrompt(changeSet, retrieval))
	return b.String()
}

func buildReplyPrompt(thread conversation.Thread, history []conversation.Message) string {
	var b strings.Builder

	b.WriteString("You are a code review assistant continuing a discussion on a pull request comment thread.\n\n")

	fmt.Fprintf(&b, "The thread is anchored at %s line %d.\n", thread.AnchorFile, thread.AnchorLine)
	if thread.Finding.Message != "" {
		fmt.Fprintf(&b, "The original review finding was:\n%s\n", thread.Finding.Message)
		if thread.Finding.SuggestedPatch != "" {
			fmt.Fprintf(&b, "Suggested change:\n%s\n", thread.Finding.SuggestedPatch)
		}
	}
	b.WriteString("\n## Conversation so far\n\n")
	for _, msg := range history {
		fmt.Fprintf(&b, "[%s] %s\n\n", msg.Role, msg.Text)
	}

	b.WriteString("Reply to the latest message. Be concrete and concise. ")
	b.WriteString("If the commenter is right and the finding should be dropped, say so plainly.")
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + " ...(truncated)"
}

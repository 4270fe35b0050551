package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/go-github/v68/github"

	"github.com/codescribe/codescribe/pkg/models"
)

// ErrPullRequestGone reports that the pull request no longer exists on the
// platform. Jobs referencing it should fail permanently rather than retry.
var ErrPullRequestGone = errors.New("pull request no longer exists")

// ChangeSource fetches the raw diff for a pull request.
type ChangeSource interface {
	FetchDiff(ctx context.Context, ref models.PullRequestRef) (string, error)
}

// GitHubClient implements CommentAPI and ChangeSource against the GitHub
// REST API.
type GitHubClient struct {
	client *github.Client
}

// NewGitHubClient wraps an authenticated HTTP client. baseURL overrides the
// API endpoint for GitHub Enterprise installs; leave empty for github.com.
func NewGitHubClient(httpClient *http.Client, baseURL string) (*GitHubClient, error) {
	client := github.NewClient(httpClient)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring enterprise URLs: %w", err)
		}
	}
	return &GitHubClient{client: client}, nil
}

func (g *GitHubClient) FetchDiff(ctx context.Context, ref models.PullRequestRef) (string, error) {
	diff, resp, err := g.client.PullRequests.GetRaw(ctx, ref.Owner, ref.Repo, ref.Number,
		github.RawOptions{Type: github.Diff})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrPullRequestGone, ref)
		}
		return "", fmt.Errorf("fetching diff for %s: %w", ref, err)
	}
	return diff, nil
}

// FetchFile returns a file's contents at the pull request's head revision.
func (g *GitHubClient) FetchFile(ctx context.Context, ref models.PullRequestRef, path string) (string, error) {
	content, _, _, err := g.client.Repositories.GetContents(ctx, ref.Owner, ref.Repo, path,
		&github.RepositoryContentGetOptions{Ref: ref.HeadSHA})
	if err != nil {
		return "", fmt.Errorf("fetching %s@%s: %w", path, ref.HeadSHA, err)
	}
	if content == nil {
		return "", fmt.Errorf("%s is not a file", path)
	}
	decoded, err := content.GetContent()
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", path, err)
	}
	return decoded, nil
}

func (g *GitHubClient) CreateReviewComment(ctx context.Context, ref models.PullRequestRef, finding models.ReviewFinding) (string, error) {
	comment := &github.PullRequestComment{
		Body:     github.Ptr(formatFindingBody(finding)),
		CommitID: github.Ptr(ref.HeadSHA),
		Path:     github.Ptr(finding.File),
		Line:     github.Ptr(finding.Lines.End),
		Side:     github.Ptr("RIGHT"),
	}
	if finding.Lines.End > finding.Lines.Start {
		comment.StartLine = github.Ptr(finding.Lines.Start)
		comment.StartSide = github.Ptr("RIGHT")
	}

	created, _, err := g.client.PullRequests.CreateComment(ctx, ref.Owner, ref.Repo, ref.Number, comment)
	if err != nil {
		return "", fmt.Errorf("creating review comment: %w", err)
	}
	return strconv.FormatInt(created.GetID(), 10), nil
}

func (g *GitHubClient) CreatePRComment(ctx context.Context, ref models.PullRequestRef, body string) error {
	_, _, err := g.client.Issues.CreateComment(ctx, ref.Owner, ref.Repo, ref.Number,
		&github.IssueComment{Body: github.Ptr(body)})
	if err != nil {
		return fmt.Errorf("creating PR comment: %w", err)
	}
	return nil
}

func (g *GitHubClient) ReplyToThread(ctx context.Context, ref models.PullRequestRef, threadID string, body string) (string, error) {
	commentID, err := strconv.ParseInt(threadID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid thread id %q: %w", threadID, err)
	}

	created, _, err := g.client.PullRequests.CreateCommentInReplyTo(ctx, ref.Owner, ref.Repo, ref.Number, body, commentID)
	if err != nil {
		return "", fmt.Errorf("replying to comment %d: %w", commentID, err)
	}
	return strconv.FormatInt(created.GetID(), 10), nil
}

func (g *GitHubClient) ListExistingComments(ctx context.Context, ref models.PullRequestRef) ([]ExistingComment, error) {
	opts := &github.PullRequestListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var comments []ExistingComment
	for {
		page, resp, err := g.client.PullRequests.ListComments(ctx, ref.Owner, ref.Repo, ref.Number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing review comments: %w", err)
		}
		for _, c := range page {
			threadID := c.GetID()
			if c.GetInReplyTo() != 0 {
				threadID = c.GetInReplyTo()
			}
			comments = append(comments, ExistingComment{
				ID:        strconv.FormatInt(c.GetID(), 10),
				ThreadID:  strconv.FormatInt(threadID, 10),
				File:      c.GetPath(),
				Line:      c.GetLine(),
				Author:    c.GetUser().GetLogin(),
				Body:      c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			return comments, nil
		}
		opts.Page = resp.NextPage
	}
}

func formatFindingBody(finding models.ReviewFinding) string {
	var b strings.Builder

	fmt.Fprintf(&b, "**%s**", strings.ToUpper(string(finding.Severity)))
	if finding.RuleReference != "" {
		fmt.Fprintf(&b, " `%s`", finding.RuleReference)
	}
	b.WriteString("\n\n")
	b.WriteString(finding.Message)

	if finding.SuggestedPatch != "" {
		b.WriteString("\n\n```suggestion\n")
		b.WriteString(strings.TrimRight(finding.SuggestedPatch, "\n"))
		b.WriteString("\n```")
	}
	return b.String()
}

package publisher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/codescribe/codescribe/internal/retry"
	"github.com/codescribe/codescribe/pkg/models"
)

type fakeAPI struct {
	existing      []ExistingComment
	created       []models.ReviewFinding
	replies       map[string][]string
	prComments    []string
	failuresLeft  int
	listCalls     int
	nextCommentID int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{replies: make(map[string][]string), nextCommentID: 100}
}

func (f *fakeAPI) CreateReviewComment(ctx context.Context, ref models.PullRequestRef, finding models.ReviewFinding) (string, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return "", errors.New("connection reset by peer")
	}
	f.created = append(f.created, finding)
	f.nextCommentID++
	return fmt.Sprintf("%d", f.nextCommentID), nil
}

func (f *fakeAPI) CreatePRComment(ctx context.Context, ref models.PullRequestRef, body string) error {
	f.prComments = append(f.prComments, body)
	return nil
}

func (f *fakeAPI) ReplyToThread(ctx context.Context, ref models.PullRequestRef, threadID, body string) (string, error) {
	f.replies[threadID] = append(f.replies[threadID], body)
	f.nextCommentID++
	return fmt.Sprintf("%d", f.nextCommentID), nil
}

func (f *fakeAPI) ListExistingComments(ctx context.Context, ref models.PullRequestRef) ([]ExistingComment, error) {
	f.listCalls++
	return f.existing, nil
}

func testRef() models.PullRequestRef {
	return models.PullRequestRef{Owner: "acme", Repo: "widgets", Number: 7, HeadSHA: "abc123"}
}

func testFinding(file string, line int) models.ReviewFinding {
	return models.ReviewFinding{
		RuleReference: "err-check",
		Severity:      models.SeverityWarning,
		File:          file,
		Lines:         models.LineRange{Start: line, End: line},
		Message:       "error return is ignored",
	}
}

func fastRetry() retry.RetryConfig {
	cfg := retry.DefaultRetryConfig()
	cfg.BaseDelay = 0
	cfg.MaxDelay = 0
	return cfg
}

func TestPublishFindingsPostsEach(t *testing.T) {
	api := newFakeAPI()
	pub := New(api, rate.NewLimiter(rate.Inf, 1), fastRetry(), "codescribe[bot]")

	published, err := pub.PublishFindings(context.Background(), testRef(), []models.ReviewFinding{
		testFinding("a.go", 10),
		testFinding("b.go", 20),
	})
	require.NoError(t, err)
	assert.Len(t, published, 2)
	assert.Len(t, api.created, 2)
	assert.NotEmpty(t, published[0].ThreadID)
}

func TestPublishFindingsSkipsExistingAnchors(t *testing.T) {
	api := newFakeAPI()
	api.existing = []ExistingComment{
		{ThreadID: "55", File: "a.go", Line: 10, Author: "codescribe[bot]"},
	}
	pub := New(api, rate.NewLimiter(rate.Inf, 1), fastRetry(), "codescribe[bot]")

	published, err := pub.PublishFindings(context.Background(), testRef(), []models.ReviewFinding{
		testFinding("a.go", 10),
		testFinding("b.go", 20),
	})
	require.NoError(t, err)
	require.Len(t, published, 2, "skipped findings still come back for thread reconciliation")
	assert.Equal(t, "55", published[0].ThreadID, "skip reuses the existing comment's thread")
	assert.Equal(t, "b.go", published[1].Finding.File)

	require.Len(t, api.created, 1, "the covered anchor must not be posted again")
	assert.Equal(t, "b.go", api.created[0].File)
}

func TestPublishFindingsIgnoresHumanCommentsAtAnchor(t *testing.T) {
	api := newFakeAPI()
	api.existing = []ExistingComment{
		{ThreadID: "55", File: "a.go", Line: 10, Author: "some-human"},
	}
	pub := New(api, rate.NewLimiter(rate.Inf, 1), fastRetry(), "codescribe[bot]")

	published, err := pub.PublishFindings(context.Background(), testRef(), []models.ReviewFinding{
		testFinding("a.go", 10),
	})
	require.NoError(t, err)
	assert.Len(t, published, 1)
}

func TestPublishFindingsRetriesTransientFailures(t *testing.T) {
	api := newFakeAPI()
	api.failuresLeft = 2
	pub := New(api, rate.NewLimiter(rate.Inf, 1), fastRetry(), "")

	published, err := pub.PublishFindings(context.Background(), testRef(), []models.ReviewFinding{
		testFinding("a.go", 10),
	})
	require.NoError(t, err)
	assert.Len(t, published, 1)
}

func TestReplyReturnsMessageID(t *testing.T) {
	api := newFakeAPI()
	pub := New(api, rate.NewLimiter(rate.Inf, 1), fastRetry(), "")

	id, err := pub.Reply(context.Background(), testRef(), "55", "good point, fixed")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, []string{"good point, fixed"}, api.replies["55"])
}

func TestReplyPostedSinceFindsBotReply(t *testing.T) {
	now := time.Now()
	api := newFakeAPI()
	api.existing = []ExistingComment{
		{ID: "55", ThreadID: "55", Author: "codescribe[bot]", Body: "error return is ignored", CreatedAt: now.Add(-time.Hour)},
		{ID: "81", ThreadID: "55", Author: "some-human", Body: "why?", CreatedAt: now.Add(-time.Minute)},
		{ID: "82", ThreadID: "55", Author: "codescribe[bot]", Body: "because it hides failures", CreatedAt: now},
	}
	pub := New(api, rate.NewLimiter(rate.Inf, 1), fastRetry(), "codescribe[bot]")

	reply, err := pub.ReplyPostedSince(context.Background(), testRef(), "55", now.Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "82", reply.ID)
	assert.Equal(t, "because it hides failures", reply.Body)
}

func TestReplyPostedSinceIgnoresRootAndHumanComments(t *testing.T) {
	now := time.Now()
	api := newFakeAPI()
	api.existing = []ExistingComment{
		{ID: "55", ThreadID: "55", Author: "codescribe[bot]", Body: "error return is ignored", CreatedAt: now},
		{ID: "81", ThreadID: "55", Author: "some-human", Body: "why?", CreatedAt: now},
	}
	pub := New(api, rate.NewLimiter(rate.Inf, 1), fastRetry(), "codescribe[bot]")

	reply, err := pub.ReplyPostedSince(context.Background(), testRef(), "55", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestReplyPostedSinceSkipsCheckWithoutBotLogin(t *testing.T) {
	api := newFakeAPI()
	api.existing = []ExistingComment{
		{ID: "82", ThreadID: "55", Author: "whoever", CreatedAt: time.Now()},
	}
	pub := New(api, rate.NewLimiter(rate.Inf, 1), fastRetry(), "")

	reply, err := pub.ReplyPostedSince(context.Background(), testRef(), "55", time.Time{})
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Zero(t, api.listCalls, "no login to match against, listing is pointless")
}

func TestPublishSummaryPostsPRComment(t *testing.T) {
	api := newFakeAPI()
	pub := New(api, rate.NewLimiter(rate.Inf, 1), fastRetry(), "codescribe[bot]")

	require.NoError(t, pub.PublishSummary(context.Background(), testRef(), "all clear"))
	assert.Equal(t, []string{"all clear"}, api.prComments)
}

func TestFormatFindingBodyIncludesSuggestion(t *testing.T) {
	finding := testFinding("a.go", 10)
	finding.SuggestedPatch = "if err != nil {\n\treturn err\n}"

	body := formatFindingBody(finding)
	assert.Contains(t, body, "**WARNING**")
	assert.Contains(t, body, "`err-check`")
	assert.Contains(t, body, "```suggestion")
}

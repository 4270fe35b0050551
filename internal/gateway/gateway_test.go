package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codescribe/codescribe/internal/jobqueue"
)

type fakeQueue struct {
	reviews []jobqueue.ReviewJobArgs
	replies []jobqueue.ReplyJobArgs
	closes  []jobqueue.ThreadCloseArgs
}

func (f *fakeQueue) EnqueueReview(ctx context.Context, args jobqueue.ReviewJobArgs) error {
	f.reviews = append(f.reviews, args)
	return nil
}

func (f *fakeQueue) EnqueueReply(ctx context.Context, args jobqueue.ReplyJobArgs) error {
	f.replies = append(f.replies, args)
	return nil
}

func (f *fakeQueue) EnqueueClose(ctx context.Context, args jobqueue.ThreadCloseArgs) error {
	f.closes = append(f.closes, args)
	return nil
}

const testSecret = "webhook-test-secret"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func deliver(t *testing.T, handler http.Handler, event string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

const prOpenedPayload = `{
	"action": "opened",
	"number": 7,
	"pull_request": {"number": 7, "head": {"sha": "abc123"}},
	"repository": {"name": "widgets", "owner": {"login": "acme"}},
	"installation": {"id": 42}
}`

func TestWebhookRejectsBadSignature(t *testing.T) {
	queue := &fakeQueue{}
	server := NewServer(queue, testSecret, "codescribe[bot]")

	rec := deliver(t, server.Handler(), "pull_request", []byte(prOpenedPayload), "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, queue.reviews)
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	queue := &fakeQueue{}
	server := NewServer(queue, testSecret, "codescribe[bot]")

	rec := deliver(t, server.Handler(), "pull_request", []byte(prOpenedPayload), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookOpenedEnqueuesReview(t *testing.T) {
	queue := &fakeQueue{}
	server := NewServer(queue, testSecret, "codescribe[bot]")

	body := []byte(prOpenedPayload)
	rec := deliver(t, server.Handler(), "pull_request", body, sign(body))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, queue.reviews, 1)
	job := queue.reviews[0]
	assert.Equal(t, "acme", job.PullRequest.Owner)
	assert.Equal(t, "widgets", job.PullRequest.Repo)
	assert.Equal(t, 7, job.PullRequest.Number)
	assert.Equal(t, "abc123", job.PullRequest.HeadSHA)
	assert.Equal(t, int64(42), job.InstallationID)
	assert.NotEmpty(t, job.JobID)
	assert.Contains(t, job.IdempotencyKey, "delivery-1")
}

func TestWebhookClosedEnqueuesThreadClose(t *testing.T) {
	queue := &fakeQueue{}
	server := NewServer(queue, testSecret, "codescribe[bot]")

	body := []byte(`{
		"action": "closed",
		"number": 7,
		"pull_request": {"number": 7, "head": {"sha": "abc123"}},
		"repository": {"name": "widgets", "owner": {"login": "acme"}}
	}`)
	rec := deliver(t, server.Handler(), "pull_request", body, sign(body))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, queue.closes, 1)
	assert.Empty(t, queue.reviews)
}

func TestWebhookIgnoredActionsEnqueueNothing(t *testing.T) {
	queue := &fakeQueue{}
	server := NewServer(queue, testSecret, "codescribe[bot]")

	body := []byte(`{"action": "labeled", "number": 7,
		"pull_request": {"number": 7, "head": {"sha": "abc123"}},
		"repository": {"name": "widgets", "owner": {"login": "acme"}}}`)
	rec := deliver(t, server.Handler(), "pull_request", body, sign(body))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, queue.reviews)
	assert.Empty(t, queue.closes)
}

const replyCommentPayload = `{
	"action": "created",
	"comment": {
		"id": 901,
		"in_reply_to_id": 500,
		"body": "why is this a problem?",
		"created_at": "2025-06-01T12:00:00Z",
		"user": {"login": "some-human", "type": "User"}
	},
	"pull_request": {"number": 7, "head": {"sha": "abc123"}},
	"repository": {"name": "widgets", "owner": {"login": "acme"}},
	"installation": {"id": 42}
}`

func TestWebhookThreadReplyEnqueuesReplyJob(t *testing.T) {
	queue := &fakeQueue{}
	server := NewServer(queue, testSecret, "codescribe[bot]")

	body := []byte(replyCommentPayload)
	rec := deliver(t, server.Handler(), "pull_request_review_comment", body, sign(body))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, queue.replies, 1)
	job := queue.replies[0]
	assert.Equal(t, "500", job.ThreadID)
	assert.Equal(t, "901", job.HostMessageID)
	assert.Equal(t, "some-human", job.Author)
	assert.Equal(t, "why is this a problem?", job.Body)
}

func TestWebhookBotCommentIsIgnored(t *testing.T) {
	queue := &fakeQueue{}
	server := NewServer(queue, testSecret, "codescribe[bot]")

	body := []byte(`{
		"action": "created",
		"comment": {
			"id": 902, "in_reply_to_id": 500, "body": "agent reply",
			"user": {"login": "codescribe[bot]", "type": "Bot"}
		},
		"pull_request": {"number": 7, "head": {"sha": "abc123"}},
		"repository": {"name": "widgets", "owner": {"login": "acme"}}
	}`)
	rec := deliver(t, server.Handler(), "pull_request_review_comment", body, sign(body))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, queue.replies)
}

func TestWebhookTopLevelCommentIsIgnored(t *testing.T) {
	queue := &fakeQueue{}
	server := NewServer(queue, testSecret, "codescribe[bot]")

	body := []byte(`{
		"action": "created",
		"comment": {
			"id": 903, "in_reply_to_id": 0, "body": "drive-by comment",
			"user": {"login": "some-human", "type": "User"}
		},
		"pull_request": {"number": 7, "head": {"sha": "abc123"}},
		"repository": {"name": "widgets", "owner": {"login": "acme"}}
	}`)
	rec := deliver(t, server.Handler(), "pull_request_review_comment", body, sign(body))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, queue.replies)
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(&fakeQueue{}, testSecret, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// Package gateway receives webhook deliveries from the hosting platform,
// verifies them, and converts the interesting ones into queued jobs. It does
// no review work itself; everything downstream of the queue is the worker's
// job.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/codescribe/codescribe/internal/jobqueue"
	"github.com/codescribe/codescribe/pkg/models"
)

// Enqueuer is the queue surface the gateway needs.
type Enqueuer interface {
	EnqueueReview(ctx context.Context, args jobqueue.ReviewJobArgs) error
	EnqueueReply(ctx context.Context, args jobqueue.ReplyJobArgs) error
	EnqueueClose(ctx context.Context, args jobqueue.ThreadCloseArgs) error
}

type Server struct {
	echo     *echo.Echo
	queue    Enqueuer
	secret   []byte
	botLogin string
}

func NewServer(queue Enqueuer, secret, botLogin string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{echo: e, queue: queue, secret: []byte(secret), botLogin: botLogin}
	e.POST("/webhook", s.handleWebhook)
	e.GET("/health", s.handleHealth)
	return s
}

func (s *Server) Start(port int) error {
	return s.echo.Start(fmt.Sprintf(":%d", port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	if !s.verifySignature(c.Request().Header.Get("X-Hub-Signature-256"), body) {
		log.Warn().Msg("webhook signature verification failed")
		return c.NoContent(http.StatusUnauthorized)
	}

	event := c.Request().Header.Get("X-GitHub-Event")
	deliveryID := c.Request().Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	switch event {
	case "pull_request":
		return s.handlePullRequestEvent(c, deliveryID, body)
	case "pull_request_review_comment":
		return s.handleReviewCommentEvent(c, deliveryID, body)
	case "ping":
		return c.NoContent(http.StatusOK)
	default:
		log.Debug().Str("event", event).Msg("ignoring webhook event")
		return c.NoContent(http.StatusAccepted)
	}
}

func (s *Server) verifySignature(header string, body []byte) bool {
	if len(s.secret) == 0 {
		return true
	}
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header[len(prefix):]))
}

type repositoryPayload struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type pullRequestEventPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number int `json:"number"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository   repositoryPayload `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

func (s *Server) handlePullRequestEvent(c echo.Context, deliveryID string, body []byte) error {
	var payload pullRequestEventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	number := payload.Number
	if number == 0 {
		number = payload.PullRequest.Number
	}
	ref := models.PullRequestRef{
		Owner:   payload.Repository.Owner.Login,
		Repo:    payload.Repository.Name,
		Number:  number,
		HeadSHA: payload.PullRequest.Head.SHA,
	}

	switch payload.Action {
	case "opened", "synchronize", "reopened":
		if err := ref.Validate(); err != nil {
			log.Warn().Err(err).Msg("ignoring pull_request event with incomplete reference")
			return c.NoContent(http.StatusBadRequest)
		}
		args := jobqueue.ReviewJobArgs{
			JobID:          uuid.NewString(),
			IdempotencyKey: models.IdempotencyKey(models.JobKindReview, ref, deliveryID),
			PullRequest:    ref,
			InstallationID: payload.Installation.ID,
			EventID:        deliveryID,
		}
		if err := s.queue.EnqueueReview(c.Request().Context(), args); err != nil {
			log.Error().Err(err).Msg("enqueueing review job failed")
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.NoContent(http.StatusAccepted)

	case "closed":
		args := jobqueue.ThreadCloseArgs{
			JobID:          uuid.NewString(),
			IdempotencyKey: fmt.Sprintf("close:%s:%d:%s", ref.Owner+"/"+ref.Repo, ref.Number, deliveryID),
			PullRequest:    ref,
		}
		if err := s.queue.EnqueueClose(c.Request().Context(), args); err != nil {
			log.Error().Err(err).Msg("enqueueing close job failed")
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.NoContent(http.StatusAccepted)
	}
	return c.NoContent(http.StatusAccepted)
}

type reviewCommentEventPayload struct {
	Action  string `json:"action"`
	Comment struct {
		ID        int64     `json:"id"`
		InReplyTo int64     `json:"in_reply_to_id"`
		Body      string    `json:"body"`
		CreatedAt time.Time `json:"created_at"`
		User      struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"user"`
	} `json:"comment"`
	PullRequest struct {
		Number int `json:"number"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository   repositoryPayload `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

func (s *Server) handleReviewCommentEvent(c echo.Context, deliveryID string, body []byte) error {
	var payload reviewCommentEventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	if payload.Action != "created" {
		return c.NoContent(http.StatusAccepted)
	}
	// The agent's own comments come back as webhooks too; never respond to
	// ourselves or other bots.
	if payload.Comment.User.Type == "Bot" || payload.Comment.User.Login == s.botLogin {
		return c.NoContent(http.StatusAccepted)
	}
	// Only replies within a thread trigger a response; top-level review
	// comments from humans are not addressed to the agent.
	if payload.Comment.InReplyTo == 0 {
		return c.NoContent(http.StatusAccepted)
	}

	ref := models.PullRequestRef{
		Owner:   payload.Repository.Owner.Login,
		Repo:    payload.Repository.Name,
		Number:  payload.PullRequest.Number,
		HeadSHA: payload.PullRequest.Head.SHA,
	}
	args := jobqueue.ReplyJobArgs{
		JobID:          uuid.NewString(),
		IdempotencyKey: models.IdempotencyKey(models.JobKindReply, ref, deliveryID),
		PullRequest:    ref,
		InstallationID: payload.Installation.ID,
		ThreadID:       fmt.Sprintf("%d", payload.Comment.InReplyTo),
		HostMessageID:  fmt.Sprintf("%d", payload.Comment.ID),
		Author:         payload.Comment.User.Login,
		Body:           payload.Comment.Body,
		PostedAt:       payload.Comment.CreatedAt,
	}
	if err := s.queue.EnqueueReply(c.Request().Context(), args); err != nil {
		log.Error().Err(err).Msg("enqueueing reply job failed")
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusAccepted)
}

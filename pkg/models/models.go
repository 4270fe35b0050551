package models

import (
	"fmt"
	"hash/fnv"
)

// JobKind identifies the type of work a job descriptor carries.
type JobKind string

const (
	JobKindReview JobKind = "review"
	JobKindReply  JobKind = "reply"
)

// PullRequestRef uniquely identifies a pull request at a specific head commit.
type PullRequestRef struct {
	Owner   string `json:"owner"`
	Repo    string `json:"repo"`
	Number  int    `json:"number"`
	HeadSHA string `json:"head_sha"`
}

// String returns the canonical owner/repo#number form used in logs and keys.
func (r PullRequestRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// Validate checks that the reference is complete enough to act on.
func (r PullRequestRef) Validate() error {
	if r.Owner == "" || r.Repo == "" {
		return fmt.Errorf("pull request ref missing owner/repo")
	}
	if r.Number <= 0 {
		return fmt.Errorf("pull request ref has invalid number %d", r.Number)
	}
	return nil
}

// LockKey derives a stable 64-bit key for per-pull-request mutual exclusion.
// The head SHA is deliberately excluded: all jobs for the same PR serialize,
// regardless of which commit triggered them.
func (r PullRequestRef) LockKey() int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%s/%d", r.Owner, r.Repo, r.Number)
	return int64(h.Sum64())
}

// IdempotencyKey derives the deterministic key for a logical unit of work
// from the pull request reference, the job kind, and the triggering event id.
func IdempotencyKey(kind JobKind, ref PullRequestRef, eventID string) string {
	return fmt.Sprintf("%s:%s/%s:%d:%s:%s", kind, ref.Owner, ref.Repo, ref.Number, ref.HeadSHA, eventID)
}

package conversation

import (
	"time"

	"github.com/codescribe/codescribe/pkg/models"
)

// ThreadState tracks where a comment thread sits in its dialogue lifecycle.
type ThreadState string

const (
	// StateOpen means the agent posted a finding and nobody has replied.
	StateOpen ThreadState = "open"
	// StateAwaitingReply means a human replied and the agent owes a response.
	StateAwaitingReply ThreadState = "awaiting_reply"
	// StateReplied means the agent answered the latest human message.
	StateReplied ThreadState = "replied"
	// StateClosed is terminal. Closed threads never reopen.
	StateClosed ThreadState = "closed"
)

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Closed is absorbing.
func (s ThreadState) CanTransitionTo(next ThreadState) bool {
	switch s {
	case StateOpen:
		return next == StateAwaitingReply || next == StateClosed
	case StateAwaitingReply:
		return next == StateReplied || next == StateClosed
	case StateReplied:
		return next == StateAwaitingReply || next == StateClosed
	case StateClosed:
		return false
	}
	return false
}

// Role identifies the author side of a conversation message.
type Role string

const (
	RoleAgent Role = "agent"
	RoleHuman Role = "human"
)

// Thread is one review-comment discussion anchored to a diff location.
type Thread struct {
	ThreadID    string
	PullRequest models.PullRequestRef
	AnchorFile  string
	AnchorLine  int
	State       ThreadState
	Finding     models.ReviewFinding
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is a single utterance in a thread. HostMessageID is the hosting
// platform's comment ID, used to deduplicate appends on redelivery; it is
// empty for agent messages generated locally before posting.
type Message struct {
	ID            int64
	ThreadID      string
	HostMessageID string
	Role          Role
	Text          string
	PostedAt      time.Time
}

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codescribe/codescribe/pkg/models"
)

// ErrThreadNotFound is returned when no thread exists for the given ID.
var ErrThreadNotFound = errors.New("thread not found")

// ErrBadTransition is returned when a state change violates the thread state
// machine, including any attempt to leave the closed state.
var ErrBadTransition = errors.New("invalid thread state transition")

// Store persists threads and their messages in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateThread records a new thread in the open state. Re-creating an
// existing thread ID is a no-op so replayed jobs stay idempotent.
func (s *Store) CreateThread(ctx context.Context, thread Thread) error {
	findingJSON, err := json.Marshal(thread.Finding)
	if err != nil {
		return fmt.Errorf("encoding finding: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO comment_threads
			(thread_id, owner, repo, pr_number, head_sha, anchor_file, anchor_line, state, finding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (thread_id) DO NOTHING`,
		thread.ThreadID,
		thread.PullRequest.Owner,
		thread.PullRequest.Repo,
		thread.PullRequest.Number,
		thread.PullRequest.HeadSHA,
		thread.AnchorFile,
		thread.AnchorLine,
		string(StateOpen),
		findingJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting thread: %w", err)
	}
	return nil
}

// GetThread loads a thread by its host-side identifier.
func (s *Store) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var (
		thread      Thread
		state       string
		findingJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT thread_id, owner, repo, pr_number, head_sha, anchor_file, anchor_line,
		       state, finding, created_at, updated_at
		FROM comment_threads WHERE thread_id = $1`, threadID).Scan(
		&thread.ThreadID,
		&thread.PullRequest.Owner,
		&thread.PullRequest.Repo,
		&thread.PullRequest.Number,
		&thread.PullRequest.HeadSHA,
		&thread.AnchorFile,
		&thread.AnchorLine,
		&state,
		&findingJSON,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Thread{}, ErrThreadNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("loading thread: %w", err)
	}

	thread.State = ThreadState(state)
	if len(findingJSON) > 0 {
		if err := json.Unmarshal(findingJSON, &thread.Finding); err != nil {
			return Thread{}, fmt.Errorf("decoding finding: %w", err)
		}
	}
	return thread, nil
}

// History returns every message in the thread in posting order. Ties on the
// timestamp fall back to insertion order.
func (s *Store) History(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, thread_id, host_message_id, role, body, posted_at
		FROM conversation_messages
		WHERE thread_id = $1
		ORDER BY posted_at, id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var history []Message
	for rows.Next() {
		var msg Message
		var role string
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.HostMessageID, &role, &msg.Text, &msg.PostedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Role = Role(role)
		history = append(history, msg)
	}
	return history, rows.Err()
}

// AppendMessage adds a message to a thread. Messages carrying a host message
// ID are deduplicated on it, so delivering the same webhook twice appends
// once.
func (s *Store) AppendMessage(ctx context.Context, msg Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_messages (thread_id, host_message_id, role, body, posted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (thread_id, host_message_id) WHERE host_message_id <> '' DO NOTHING`,
		msg.ThreadID, msg.HostMessageID, string(msg.Role), msg.Text, msg.PostedAt,
	)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

// TransitionState moves a thread from one state to another, enforcing the
// state machine both in code and with a guarded UPDATE so concurrent writers
// cannot race past it.
func (s *Store) TransitionState(ctx context.Context, threadID string, from, to ThreadState) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE comment_threads
		SET state = $1, updated_at = now()
		WHERE thread_id = $2 AND state = $3`,
		string(to), threadID, string(from),
	)
	if err != nil {
		return fmt.Errorf("updating thread state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: thread %s is not in state %s", ErrBadTransition, threadID, from)
	}
	return nil
}

// CloseThreadsForPR marks every non-closed thread on a pull request closed.
// Used when the pull request itself is closed or merged.
func (s *Store) CloseThreadsForPR(ctx context.Context, ref models.PullRequestRef) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE comment_threads
		SET state = 'closed', updated_at = now()
		WHERE owner = $1 AND repo = $2 AND pr_number = $3 AND state <> 'closed'`,
		ref.Owner, ref.Repo, ref.Number,
	)
	if err != nil {
		return 0, fmt.Errorf("closing threads: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

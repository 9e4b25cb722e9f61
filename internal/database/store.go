package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/edgard/ledgerchat/internal/transcript"
)

// SessionTimestampIndex is the index the ordered history query depends on.
const SessionTimestampIndex = "idx_messages_session_timestamp"

var (
	// ErrIndexUnavailable reports that the store cannot run the ordered
	// history query, typically because its index is missing. The unordered
	// query is still expected to work.
	ErrIndexUnavailable = errors.New("ordered query index unavailable")

	// ErrSave wraps every failure to persist a message.
	ErrSave = errors.New("failed to save message")
)

// OrderBy selects how Query orders its results at the storage layer.
type OrderBy int

const (
	// Unordered returns session messages in whatever order the store yields.
	Unordered OrderBy = iota
	// OrderByTimestamp returns session messages by (timestamp, message order).
	OrderByTimestamp
)

// Query filters messages by session.
type Query struct {
	SessionID string
	OrderBy   OrderBy
}

// Store defines the message persistence operations used by the transcript
// engine. Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the store connection.
	Ping(ctx context.Context) error

	// Append persists msg and returns its ID. A caller-supplied ID is kept;
	// otherwise one is generated. Failures wrap ErrSave.
	Append(ctx context.Context, msg transcript.Message) (string, error)

	// Query returns the messages of a session. An ordered query fails with
	// ErrIndexUnavailable when the store cannot order at the storage layer.
	Query(ctx context.Context, q Query) ([]transcript.Message, error)

	// DeleteSession removes every message of a session and returns the count.
	DeleteSession(ctx context.Context, sessionID string) (int64, error)

	// RunMaintenance performs storage housekeeping such as VACUUM.
	RunMaintenance(ctx context.Context) error
}

// sqlxStore implements Store on SQLite through sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a Store backed by a connected sqlx.DB.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
		now:    time.Now,
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append inserts msg inside a transaction and stamps CreatedAt/UpdatedAt.
func (s *sqlxStore) Append(ctx context.Context, msg transcript.Message) (string, error) {
	if err := ValidateForAppend(msg); err != nil {
		return "", err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	now := s.now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for saving message",
			"session_id", msg.SessionID, "error", err)
		return "", fmt.Errorf("%w: begin transaction: %w", ErrSave, err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	query := `
        INSERT INTO messages (id, session_id, profile_id, text, is_bot, timestamp_ns, message_order,
                              is_receipt, transaction_id, created_at_ns, updated_at_ns)
        VALUES (:id, :session_id, :profile_id, :text, :is_bot, :timestamp_ns, :message_order,
                :is_receipt, :transaction_id, :created_at_ns, :updated_at_ns);
    `

	result, err := tx.NamedExecContext(ctx, query, rowFromMessage(msg))
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving message", "session_id", msg.SessionID, "message_id", msg.ID, "error", err)
		return "", fmt.Errorf("%w (session %s): %w", ErrSave, msg.SessionID, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected != 1 {
		s.logger.WarnContext(ctx, "Unexpected number of rows affected when saving message",
			"session_id", msg.SessionID, "affected", affected)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "session_id", msg.SessionID, "error", err)
		return "", fmt.Errorf("%w: commit transaction: %w", ErrSave, err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Message saved successfully", "session_id", msg.SessionID, "message_id", msg.ID)
	return msg.ID, nil
}

// Query runs the ordered query through the session/timestamp index, or the
// plain session filter for Unordered.
func (s *sqlxStore) Query(ctx context.Context, q Query) ([]transcript.Message, error) {
	if q.SessionID == "" {
		return nil, fmt.Errorf("session_id cannot be empty")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	const columns = `id, session_id, profile_id, text, is_bot, timestamp_ns, message_order,
	                 is_receipt, transaction_id, created_at_ns, updated_at_ns`

	var query string
	switch q.OrderBy {
	case OrderByTimestamp:
		query = `SELECT ` + columns + ` FROM messages INDEXED BY ` + SessionTimestampIndex + `
		         WHERE session_id = ?
		         ORDER BY timestamp_ns ASC, message_order ASC`
	default:
		query = `SELECT ` + columns + ` FROM messages WHERE session_id = ?`
	}

	s.logger.DebugContext(ctx, "Fetching session messages", "session_id", q.SessionID, "ordered", q.OrderBy == OrderByTimestamp)

	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, query, q.SessionID)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Context timeout or cancellation while fetching messages",
			"session_id", q.SessionID, "error", err)
		return nil, err

	case err != nil && isMissingIndex(err):
		s.logger.WarnContext(ctx, "Ordered query index is missing", "session_id", q.SessionID, "index", SessionTimestampIndex)
		return nil, fmt.Errorf("%w: %s: %w", ErrIndexUnavailable, SessionTimestampIndex, err)

	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting session messages", "session_id", q.SessionID, "error", err)
		return nil, fmt.Errorf("failed to get messages for session %s: %w", q.SessionID, err)
	}

	messages := make([]transcript.Message, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, r.toMessage())
	}

	s.logger.DebugContext(ctx, "Fetched session messages successfully", "session_id", q.SessionID, "count", len(messages))
	return messages, nil
}

func (s *sqlxStore) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("session_id cannot be empty")
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting session messages", "session_id", sessionID, "error", err)
		return 0, fmt.Errorf("failed to delete messages for session %s: %w", sessionID, err)
	}

	count, _ := result.RowsAffected()
	s.logger.InfoContext(ctx, "Deleted session messages", "session_id", sessionID, "count", count)
	return count, nil
}

// RunMaintenance executes VACUUM, which SQLite requires outside a transaction.
func (s *sqlxStore) RunMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)

	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	return nil
}

// ValidateForAppend checks the fields every stored message needs. The
// returned error wraps ErrSave.
func ValidateForAppend(msg transcript.Message) error {
	switch {
	case msg.SessionID == "":
		return fmt.Errorf("%w: message must have a session_id", ErrSave)
	case strings.TrimSpace(msg.Text) == "":
		return fmt.Errorf("%w: message must have non-empty text", ErrSave)
	case msg.Timestamp.IsZero():
		return fmt.Errorf("%w: message must have a non-zero timestamp", ErrSave)
	}
	return nil
}

func isMissingIndex(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such index")
}

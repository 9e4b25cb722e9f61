// Package kvstore implements the message store on an embedded Pebble
// key-value database. Messages are written once under a document key and,
// when the timestamp index is enabled, once more under a sortable index key
// so ordered history reads become a single prefix scan.
package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"

	"github.com/edgard/ledgerchat/internal/database"
	"github.com/edgard/ledgerchat/internal/transcript"
)

// Key layout, with sep between segments:
//
//	msg<sep><session><sep><id>                       -> JSON document
//	idx<sep><session><sep><ts:020d><sep><order:010d><sep><id> -> id
const sep = "\x00"

const (
	docPrefix = "msg"
	idxPrefix = "idx"
)

// Options configures Open.
type Options struct {
	// Path is the Pebble directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps all data in memory, for tests and ephemeral runs.
	InMemory bool
	// TimestampIndex maintains the ordered index. Without it ordered queries
	// fail with database.ErrIndexUnavailable.
	TimestampIndex bool
}

// Store is a database.Store backed by Pebble.
type Store struct {
	db      *pebble.DB
	logger  *slog.Logger
	indexed bool
	now     func() time.Time

	// serializes the existence check and the write in Append
	writeMu sync.Mutex
}

var _ database.Store = (*Store)(nil)

type storedMessage struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	ProfileID     string `json:"profile_id,omitempty"`
	Text          string `json:"text"`
	IsBot         bool   `json:"is_bot"`
	TimestampNS   int64  `json:"timestamp_ns"`
	MessageOrder  int    `json:"message_order"`
	IsReceipt     *bool  `json:"is_receipt,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	CreatedAtNS   int64  `json:"created_at_ns"`
	UpdatedAtNS   int64  `json:"updated_at_ns"`
}

// Open opens (or creates) a Pebble database according to opts.
func Open(opts Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "kvstore")

	pebbleOpts := &pebble.Options{}
	path := opts.Path
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
		path = ""
	} else if path == "" {
		return nil, errors.New("kvstore path cannot be empty")
	}

	logger.Info("Opening pebble database", "path", path, "in_memory", opts.InMemory, "timestamp_index", opts.TimestampIndex)
	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		logger.Error("Failed to open pebble database", "path", path, "error", err)
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	return &Store{
		db:      db,
		logger:  logger,
		indexed: opts.TimestampIndex,
		now:     time.Now,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close pebble database: %w", err)
	}
	s.db = nil
	s.logger.Info("Pebble database closed")
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("pebble database is closed")
	}
	return ctx.Err()
}

// Append writes the document and, when enabled, its index entry in one batch.
func (s *Store) Append(ctx context.Context, msg transcript.Message) (string, error) {
	if err := database.ValidateForAppend(msg); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", database.ErrSave, err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := s.now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	data, err := json.Marshal(toStored(msg))
	if err != nil {
		return "", fmt.Errorf("%w: marshal message: %w", database.ErrSave, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key := docKey(msg.SessionID, msg.ID)
	if _, closer, err := s.db.Get(key); err == nil {
		_ = closer.Close()
		return "", fmt.Errorf("%w: message %s already exists", database.ErrSave, msg.ID)
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return "", fmt.Errorf("%w: lookup message: %w", database.ErrSave, err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(key, data, nil); err != nil {
		return "", fmt.Errorf("%w: stage message: %w", database.ErrSave, err)
	}
	if s.indexed {
		if err := batch.Set(indexKey(msg), []byte(msg.ID), nil); err != nil {
			return "", fmt.Errorf("%w: stage index: %w", database.ErrSave, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		s.logger.ErrorContext(ctx, "Error saving message", "session_id", msg.SessionID, "message_id", msg.ID, "error", err)
		return "", fmt.Errorf("%w (session %s): %w", database.ErrSave, msg.SessionID, err)
	}

	s.logger.DebugContext(ctx, "Message saved successfully", "session_id", msg.SessionID, "message_id", msg.ID)
	return msg.ID, nil
}

// Query scans the index prefix for ordered reads and the document prefix
// otherwise. Unordered results come back in ID order.
func (s *Store) Query(ctx context.Context, q database.Query) ([]transcript.Message, error) {
	if q.SessionID == "" {
		return nil, errors.New("session_id cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if q.OrderBy == database.OrderByTimestamp {
		if !s.indexed {
			s.logger.WarnContext(ctx, "Ordered query index is disabled", "session_id", q.SessionID)
			return nil, fmt.Errorf("%w: pebble timestamp index disabled", database.ErrIndexUnavailable)
		}
		return s.queryIndexed(ctx, q.SessionID)
	}
	return s.queryDocs(ctx, q.SessionID)
}

func (s *Store) queryDocs(ctx context.Context, sessionID string) ([]transcript.Message, error) {
	lower, upper := prefixBounds(docPrefix, sessionID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator for session %s: %w", sessionID, err)
	}
	defer iter.Close()

	var messages []transcript.Message
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := decode(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("failed to decode message %q: %w", iter.Key(), err)
		}
		messages = append(messages, m)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate session %s: %w", sessionID, err)
	}
	return messages, nil
}

func (s *Store) queryIndexed(ctx context.Context, sessionID string) ([]transcript.Message, error) {
	lower, upper := prefixBounds(idxPrefix, sessionID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to open index iterator for session %s: %w", sessionID, err)
	}
	defer iter.Close()

	var messages []transcript.Message
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := string(iter.Value())
		value, closer, err := s.db.Get(docKey(sessionID, id))
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: dangling index entry for message %s", database.ErrIndexUnavailable, id)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read message %s: %w", id, err)
		}
		m, decodeErr := decode(value)
		_ = closer.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", id, decodeErr)
		}
		messages = append(messages, m)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate index for session %s: %w", sessionID, err)
	}
	return messages, nil
}

// DeleteSession removes the session's documents and index entries.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, errors.New("session_id cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	docLower, docUpper := prefixBounds(docPrefix, sessionID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: docLower, UpperBound: docUpper})
	if err != nil {
		return 0, fmt.Errorf("failed to open iterator for session %s: %w", sessionID, err)
	}
	var count int64
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to count messages for session %s: %w", sessionID, err)
	}

	idxLower, idxUpper := prefixBounds(idxPrefix, sessionID)
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(docLower, docUpper, nil); err != nil {
		return 0, fmt.Errorf("failed to stage delete for session %s: %w", sessionID, err)
	}
	if err := batch.DeleteRange(idxLower, idxUpper, nil); err != nil {
		return 0, fmt.Errorf("failed to stage index delete for session %s: %w", sessionID, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to delete messages for session %s: %w", sessionID, err)
	}

	s.logger.InfoContext(ctx, "Deleted session messages", "session_id", sessionID, "count", count)
	return count, nil
}

// RunMaintenance compacts the whole keyspace.
func (s *Store) RunMaintenance(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Starting pebble compaction...")
	if err := s.db.Compact([]byte{0x00}, []byte{0xff}, true); err != nil {
		s.logger.ErrorContext(ctx, "Pebble compaction failed", "error", err)
		return fmt.Errorf("failed to compact pebble database: %w", err)
	}
	s.logger.InfoContext(ctx, "Pebble compaction completed successfully")
	return nil
}

func docKey(sessionID, id string) []byte {
	return []byte(strings.Join([]string{docPrefix, sessionID, id}, sep))
}

// indexKey sorts by timestamp, then message order, then ID. Timestamps before
// the Unix epoch are clamped to zero.
func indexKey(m transcript.Message) []byte {
	ts := m.Timestamp.UnixNano()
	if ts < 0 {
		ts = 0
	}
	order := m.MessageOrder
	if order < 0 {
		order = 0
	}
	return []byte(fmt.Sprintf("%s%s%s%s%020d%s%010d%s%s",
		idxPrefix, sep, m.SessionID, sep, ts, sep, order, sep, m.ID))
}

// prefixBounds returns [lower, upper) covering every key of the session
// under prefix.
func prefixBounds(prefix, sessionID string) ([]byte, []byte) {
	lower := []byte(prefix + sep + sessionID + sep)
	upper := bytes.Clone(lower)
	upper[len(upper)-1]++
	return lower, upper
}

func toStored(m transcript.Message) storedMessage {
	return storedMessage{
		ID:            m.ID,
		SessionID:     m.SessionID,
		ProfileID:     m.ProfileID,
		Text:          m.Text,
		IsBot:         m.IsBot,
		TimestampNS:   m.Timestamp.UnixNano(),
		MessageOrder:  m.MessageOrder,
		IsReceipt:     m.IsReceipt,
		TransactionID: m.TransactionID,
		CreatedAtNS:   m.CreatedAt.UnixNano(),
		UpdatedAtNS:   m.UpdatedAt.UnixNano(),
	}
}

func decode(data []byte) (transcript.Message, error) {
	var sm storedMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		return transcript.Message{}, err
	}
	return transcript.Message{
		ID:            sm.ID,
		SessionID:     sm.SessionID,
		ProfileID:     sm.ProfileID,
		Text:          sm.Text,
		IsBot:         sm.IsBot,
		Timestamp:     time.Unix(0, sm.TimestampNS).UTC(),
		MessageOrder:  sm.MessageOrder,
		IsReceipt:     sm.IsReceipt,
		TransactionID: sm.TransactionID,
		CreatedAt:     time.Unix(0, sm.CreatedAtNS).UTC(),
		UpdatedAt:     time.Unix(0, sm.UpdatedAtNS).UTC(),
	}, nil
}

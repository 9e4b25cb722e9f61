// Package history loads a session's stored transcript. The ordered store
// query is tried first; when it cannot run the loader falls back to the
// plain session query and orders the result itself.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/edgard/ledgerchat/internal/database"
	"github.com/edgard/ledgerchat/internal/metrics"
	"github.com/edgard/ledgerchat/internal/transcript"
)

// LoadError reports that neither the ordered nor the fallback query could
// read the session.
type LoadError struct {
	SessionID string
	Primary   error
	Fallback  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load history for session %s: primary: %v; fallback: %v", e.SessionID, e.Primary, e.Fallback)
}

func (e *LoadError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

// Loader reads session history from a store.
type Loader struct {
	store   database.Store
	markers []string
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewLoader creates a Loader. markers are the receipt markers used for
// messages without an explicit receipt flag.
func NewLoader(store database.Store, markers []string, log *slog.Logger, m *metrics.Metrics) *Loader {
	if log == nil {
		log = slog.Default()
	}
	if markers == nil {
		markers = transcript.DefaultReceiptMarkers
	}
	return &Loader{
		store:   store,
		markers: markers,
		log:     log.With("component", "history_loader"),
		metrics: m,
	}
}

// Load returns the session's messages sorted by timestamp, with receipts
// classified. On total failure it returns an empty, non-nil slice and a
// *LoadError.
func (l *Loader) Load(ctx context.Context, sessionID string) ([]transcript.Message, error) {
	msgs, primaryErr := l.store.Query(ctx, database.Query{SessionID: sessionID, OrderBy: database.OrderByTimestamp})
	path := metrics.LoadPrimary

	if primaryErr != nil {
		if errors.Is(primaryErr, context.Canceled) || errors.Is(primaryErr, context.DeadlineExceeded) {
			l.log.WarnContext(ctx, "History load cancelled", "session_id", sessionID, "error", primaryErr)
			l.metrics.RecordHistoryLoad(metrics.LoadFailed)
			return []transcript.Message{}, &LoadError{SessionID: sessionID, Primary: primaryErr, Fallback: primaryErr}
		}

		if errors.Is(primaryErr, database.ErrIndexUnavailable) {
			l.log.InfoContext(ctx, "Ordered history query unavailable, using fallback", "session_id", sessionID)
		} else {
			l.log.WarnContext(ctx, "Ordered history query failed, using fallback", "session_id", sessionID, "error", primaryErr)
		}

		var fallbackErr error
		msgs, fallbackErr = l.store.Query(ctx, database.Query{SessionID: sessionID, OrderBy: database.Unordered})
		if fallbackErr != nil {
			l.log.ErrorContext(ctx, "History load failed", "session_id", sessionID, "primary_error", primaryErr, "fallback_error", fallbackErr)
			l.metrics.RecordHistoryLoad(metrics.LoadFailed)
			return []transcript.Message{}, &LoadError{SessionID: sessionID, Primary: primaryErr, Fallback: fallbackErr}
		}
		path = metrics.LoadFallback
	}

	sorted := transcript.SortByTimestamp(msgs)
	if sorted == nil {
		sorted = []transcript.Message{}
	}
	for i := range sorted {
		sorted[i] = transcript.ClassifyReceipt(sorted[i], l.markers)
	}

	l.metrics.RecordHistoryLoad(path)
	l.log.DebugContext(ctx, "History loaded", "session_id", sessionID, "count", len(sorted), "path", path)
	return sorted, nil
}

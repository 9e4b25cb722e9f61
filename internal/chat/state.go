package chat

import (
	"errors"

	"github.com/edgard/ledgerchat/internal/transcript"
)

var (
	// ErrTurnInFlight is returned by Submit while another turn of the same
	// transcript has not finished. The transcript is left untouched.
	ErrTurnInFlight = errors.New("a turn is already in flight")

	// ErrEmptyText is returned by Submit for blank input.
	ErrEmptyText = errors.New("message text is empty")

	// ErrSessionClosed is returned by operations on a controller that was
	// removed from its Sessions registry.
	ErrSessionClosed = errors.New("session is closed")
)

// State is the per-turn state of a Controller. A turn moves
// Idle → Sending → AwaitingAssistant → Resolved|Failed → Idle.
type State int

const (
	Idle State = iota
	Sending
	AwaitingAssistant
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case AwaitingAssistant:
		return "awaiting_assistant"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// BannerKind identifies a non-blocking notice shown above the transcript.
type BannerKind string

const (
	BannerSaveFailed BannerKind = "save_failed"
	BannerLoadFailed BannerKind = "load_failed"
)

type Banner struct {
	Kind BannerKind
	Text string
}

// View is a consistent snapshot of a controller.
type View struct {
	SessionID string
	State     State
	Loaded    bool
	// Items holds the messages in display order, followed by the pending
	// indicator while an assistant reply is outstanding.
	Items  []transcript.Item
	Banner *Banner
}

// Messages returns the transcript messages of the view, without the pending
// indicator.
func (v View) Messages() []transcript.Message {
	out := make([]transcript.Message, 0, len(v.Items))
	for _, it := range v.Items {
		if m, ok := it.(transcript.Message); ok {
			out = append(out, m)
		}
	}
	return out
}

// Pending reports whether the view carries the pending indicator.
func (v View) Pending() bool {
	for _, it := range v.Items {
		if _, ok := it.(transcript.PendingIndicator); ok {
			return true
		}
	}
	return false
}

// Package transcript holds the chat transcript model and the pure functions
// that order, group and reconcile it: the per-session sequence generator,
// date grouping and the optimistic/confirmed merge.
package transcript

import "time"

// Message is a single transcript entry. It is immutable once created, except
// for CreatedAt/UpdatedAt which the store stamps on persistence.
type Message struct {
	ID        string
	SessionID string
	ProfileID string
	Text      string
	IsBot     bool

	// Timestamp and MessageOrder together define the display order.
	Timestamp    time.Time
	MessageOrder int

	CreatedAt time.Time
	UpdatedAt time.Time

	// IsReceipt is nil when the store carries no explicit flag.
	IsReceipt     *bool
	TransactionID string
}

// Receipt reports whether the message is tagged as a receipt.
func (m Message) Receipt() bool {
	return m.IsReceipt != nil && *m.IsReceipt
}

// Group is the set of messages that share a calendar day.
type Group struct {
	Date      string // YYYY-MM-DD in the grouping location
	DateLabel string
	Messages  []Message
}

// Item is an entry of the rendered conversation: either a Message or the
// PendingIndicator shown while an assistant reply is outstanding.
type Item interface {
	isItem()
}

func (Message) isItem() {}

// PendingIndicator is the transient "typing" placeholder. It is never
// persisted and never enters the message sequence.
type PendingIndicator struct {
	SessionID string
	Since     time.Time
}

func (PendingIndicator) isItem() {}

// Flatten concatenates the messages of groups in order.
func Flatten(groups []Group) []Message {
	n := 0
	for _, g := range groups {
		n += len(g.Messages)
	}
	out := make([]Message, 0, n)
	for _, g := range groups {
		out = append(out, g.Messages...)
	}
	return out
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

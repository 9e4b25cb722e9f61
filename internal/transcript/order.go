package transcript

import (
	"slices"
	"strings"
)

// Compare orders messages by (Timestamp, MessageOrder). ID breaks the
// remaining ties so that sorting is deterministic across sources.
func Compare(a, b Message) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	if a.MessageOrder != b.MessageOrder {
		if a.MessageOrder < b.MessageOrder {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// Sort returns a copy of msgs in display order.
func Sort(msgs []Message) []Message {
	out := slices.Clone(msgs)
	slices.SortStableFunc(out, Compare)
	return out
}

// SortByTimestamp returns a copy of msgs stably sorted by Timestamp only, so
// entries with equal timestamps keep their relative input order.
func SortByTimestamp(msgs []Message) []Message {
	out := slices.Clone(msgs)
	slices.SortStableFunc(out, func(a, b Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

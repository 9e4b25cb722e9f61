package transcript

import "slices"

// Merge reconciles the already-known messages (current) with a freshly loaded
// or received sequence (historical). Messages are keyed by ID; historical is
// applied first and current second, so current wins when both carry the same
// ID. Messages without an ID are transient and always kept.
//
// The result is sorted ascending by timestamp, with MessageOrder breaking ties.
func Merge(current, historical []Message) []Message {
	out := make([]Message, 0, len(current)+len(historical))
	index := make(map[string]int, len(current)+len(historical))

	put := func(m Message) {
		if m.ID == "" {
			out = append(out, m)
			return
		}
		if i, ok := index[m.ID]; ok {
			out[i] = m
			return
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}

	for _, m := range historical {
		put(m)
	}
	for _, m := range current {
		put(m)
	}

	slices.SortStableFunc(out, Compare)
	return out
}

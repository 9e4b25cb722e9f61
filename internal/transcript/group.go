package transcript

import "time"

const (
	dayKeyLayout   = "2006-01-02"
	dayLabelLayout = "Monday, January 2, 2006"

	LabelToday     = "Today"
	LabelYesterday = "Yesterday"
)

// GroupByDate sorts msgs into display order and splits them into one group per
// calendar day, oldest day first.
//
// Days are taken in the location of now: every timestamp is converted to
// now.Location() before its date is read, and "Today"/"Yesterday" are relative
// to now in that same location. Passing now in UTC buckets by UTC midnight.
func GroupByDate(msgs []Message, now time.Time) []Group {
	if len(msgs) == 0 {
		return nil
	}

	loc := now.Location()
	today := now.Format(dayKeyLayout)
	yesterday := now.AddDate(0, 0, -1).Format(dayKeyLayout)

	var groups []Group
	for _, m := range Sort(msgs) {
		local := m.Timestamp.In(loc)
		key := local.Format(dayKeyLayout)

		if n := len(groups); n > 0 && groups[n-1].Date == key {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, Group{
			Date:      key,
			DateLabel: dateLabel(local, key, today, yesterday),
			Messages:  []Message{m},
		})
	}
	return groups
}

func dateLabel(local time.Time, key, today, yesterday string) string {
	switch key {
	case today:
		return LabelToday
	case yesterday:
		return LabelYesterday
	default:
		return local.Format(dayLabelLayout)
	}
}

package database

import (
	"database/sql"
	"time"

	"github.com/edgard/ledgerchat/internal/transcript"
)

// messageRow is the stored shape of a transcript message. Times are kept as
// Unix nanoseconds so that ORDER BY compares integers.
type messageRow struct {
	ID            string       `db:"id"`
	SessionID     string       `db:"session_id"`
	ProfileID     string       `db:"profile_id"`
	Text          string       `db:"text"`
	IsBot         bool         `db:"is_bot"`
	TimestampNS   int64        `db:"timestamp_ns"`
	MessageOrder  int          `db:"message_order"`
	IsReceipt     sql.NullBool `db:"is_receipt"`
	TransactionID string       `db:"transaction_id"`
	CreatedAtNS   int64        `db:"created_at_ns"`
	UpdatedAtNS   int64        `db:"updated_at_ns"`
}

func rowFromMessage(m transcript.Message) messageRow {
	row := messageRow{
		ID:            m.ID,
		SessionID:     m.SessionID,
		ProfileID:     m.ProfileID,
		Text:          m.Text,
		IsBot:         m.IsBot,
		TimestampNS:   m.Timestamp.UnixNano(),
		MessageOrder:  m.MessageOrder,
		TransactionID: m.TransactionID,
		CreatedAtNS:   m.CreatedAt.UnixNano(),
		UpdatedAtNS:   m.UpdatedAt.UnixNano(),
	}
	if m.IsReceipt != nil {
		row.IsReceipt = sql.NullBool{Bool: *m.IsReceipt, Valid: true}
	}
	return row
}

func (r messageRow) toMessage() transcript.Message {
	m := transcript.Message{
		ID:            r.ID,
		SessionID:     r.SessionID,
		ProfileID:     r.ProfileID,
		Text:          r.Text,
		IsBot:         r.IsBot,
		Timestamp:     time.Unix(0, r.TimestampNS).UTC(),
		MessageOrder:  r.MessageOrder,
		TransactionID: r.TransactionID,
		CreatedAt:     time.Unix(0, r.CreatedAtNS).UTC(),
		UpdatedAt:     time.Unix(0, r.UpdatedAtNS).UTC(),
	}
	if r.IsReceipt.Valid {
		m.IsReceipt = transcript.BoolPtr(r.IsReceipt.Bool)
	}
	return m
}

package httpapi

import (
	"time"

	"github.com/edgard/ledgerchat/internal/chat"
	"github.com/edgard/ledgerchat/internal/transcript"
)

type messageResponse struct {
	ID            string    `json:"id"`
	ProfileID     string    `json:"profile_id,omitempty"`
	Text          string    `json:"text"`
	IsBot         bool      `json:"is_bot"`
	Timestamp     time.Time `json:"timestamp"`
	MessageOrder  int       `json:"message_order"`
	IsReceipt     bool      `json:"is_receipt"`
	TransactionID string    `json:"transaction_id,omitempty"`
}

type groupResponse struct {
	Date     string            `json:"date"`
	Label    string            `json:"label"`
	Messages []messageResponse `json:"messages"`
}

type bannerResponse struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type transcriptResponse struct {
	SessionID string          `json:"session_id"`
	State     string          `json:"state"`
	Loaded    bool            `json:"loaded"`
	Pending   bool            `json:"pending"`
	Banner    *bannerResponse `json:"banner"`
	Groups    []groupResponse `json:"groups"`
}

func newTranscriptResponse(c *chat.Controller, loc *time.Location) transcriptResponse {
	if loc == nil {
		loc = time.Local
	}
	view, groups := c.Snapshot()
	resp := transcriptResponse{
		SessionID: view.SessionID,
		State:     view.State.String(),
		Loaded:    view.Loaded,
		Pending:   view.Pending(),
		Groups:    []groupResponse{},
	}
	if view.Banner != nil {
		resp.Banner = &bannerResponse{Kind: string(view.Banner.Kind), Text: view.Banner.Text}
	}
	for _, g := range groups {
		group := groupResponse{Date: g.Date, Label: g.DateLabel, Messages: make([]messageResponse, 0, len(g.Messages))}
		for _, m := range g.Messages {
			group.Messages = append(group.Messages, newMessageResponse(m, loc))
		}
		resp.Groups = append(resp.Groups, group)
	}
	return resp
}

func newMessageResponse(m transcript.Message, loc *time.Location) messageResponse {
	return messageResponse{
		ID:            m.ID,
		ProfileID:     m.ProfileID,
		Text:          m.Text,
		IsBot:         m.IsBot,
		Timestamp:     m.Timestamp.In(loc),
		MessageOrder:  m.MessageOrder,
		IsReceipt:     m.Receipt(),
		TransactionID: m.TransactionID,
	}
}

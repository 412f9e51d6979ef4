package docstore

import (
	"encoding/json"

	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
	"github.com/Mindburn-Labs/syncbridge/pkg/fault"
)

// Comment is a discussion comment attached to a page.
type Comment struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

// Event is a decoded target webhook delivery.
type Event struct {
	Kind    string
	Page    contracts.PageRecord
	Comment *Comment
}

// DecodeWebhook parses a page change delivery from the document store.
// Deliveries without a page object are rejected as invalid.
func DecodeWebhook(raw []byte) (*Event, error) {
	var envelope struct {
		Type    string       `json:"type"`
		Page    *pagePayload `json:"page"`
		Comment *Comment     `json:"comment"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fault.Wrap(fault.KindInvalidPayload, "decode_tgt_webhook", err)
	}
	if envelope.Page == nil || envelope.Page.ID == "" {
		return nil, fault.New(fault.KindInvalidPayload, "decode_tgt_webhook: missing page")
	}
	return &Event{Kind: envelope.Type, Page: envelope.Page.toRecord(), Comment: envelope.Comment}, nil
}

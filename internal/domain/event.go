package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventTypeMessage is the only inbound event type the relay acts on.
const EventTypeMessage = "message"

// MessageKind tags the payload carried by a message event.
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindImage   MessageKind = "image"
	KindAudio   MessageKind = "audio"
	KindSticker MessageKind = "sticker"
)

const (
	unknownUserID          = "unknown"
	defaultStickerResource = "STATIC"
)

// Batch is one webhook delivery. Events are processed in arrival order.
type Batch struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

// IsProbe reports whether the batch is the platform's connectivity check:
// an explicit, empty events array.
func (b Batch) IsProbe() bool {
	return b.Events != nil && len(b.Events) == 0
}

type Source struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type Event struct {
	Type       string  `json:"type"`
	ReplyToken string  `json:"replyToken"`
	Source     Source  `json:"source"`
	Message    Message `json:"message"`
}

// IsMessage reports whether the event should be dispatched.
func (e Event) IsMessage() bool {
	return e.Type == EventTypeMessage
}

// UserID returns the originating user, or "unknown" when the source omits it.
func (e Event) UserID() string {
	return e.Source.UserID
}

// Message is the payload of a message event. Which fields are meaningful
// depends on Kind: Text for text, ID for image/audio content, and the
// sticker fields for stickers.
type Message struct {
	Kind                MessageKind `json:"type"`
	ID                  string      `json:"id"`
	Text                string      `json:"text"`
	StickerID           ID          `json:"stickerId"`
	PackageID           ID          `json:"packageId"`
	StickerResourceType string      `json:"stickerResourceType"`
}

// ID is an identifier the platform may send as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("domain: id must be a string or number: %s", data)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// DecodeBatch parses a webhook body and resolves missing fields to their
// documented defaults.
func DecodeBatch(raw []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return Batch{}, fmt.Errorf("domain: decode batch: %w", err)
	}
	for i := range b.Events {
		ev := &b.Events[i]
		if strings.TrimSpace(ev.Source.UserID) == "" {
			ev.Source.UserID = unknownUserID
		}
		if ev.Message.Kind == KindSticker && ev.Message.StickerResourceType == "" {
			ev.Message.StickerResourceType = defaultStickerResource
		}
	}
	return b, nil
}

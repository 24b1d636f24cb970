// Package webhook turns Messenger and Instagram webhook payloads into
// normalized inbound events for the ingestion pipeline.
package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/Rrens/social-inbox/internal/service"
)

// Payload is the envelope Meta posts for page and instagram subscriptions
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the events of one page or business account
type Entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Messaging []Messaging `json:"messaging"`
}

// Party identifies a sender or recipient
type Party struct {
	ID string `json:"id"`
}

// Messaging is one messaging event; only message events are ingested
type Messaging struct {
	Sender    Party    `json:"sender"`
	Recipient Party    `json:"recipient"`
	Timestamp int64    `json:"timestamp"`
	Message   *Message `json:"message,omitempty"`
}

// Message is the message part of a messaging event
type Message struct {
	Mid         string       `json:"mid"`
	Text        string       `json:"text"`
	IsEcho      bool         `json:"is_echo"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is a platform hosted media reference
type Attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

// Event is a normalized message together with the account that received it
type Event struct {
	Platform  string
	AccountID string
	Raw       service.RawEvent
}

var objects = map[string]string{
	domain.PlatformFacebook:  "page",
	domain.PlatformInstagram: "instagram",
}

// SupportedPlatform reports whether webhooks for the platform are accepted
func SupportedPlatform(platform string) bool {
	_, ok := objects[platform]
	return ok
}

// Parse decodes a webhook body. Echoes of page-sent messages become outgoing
// events whose participant is the recipient; everything else is incoming
// from the sender.
func Parse(platform string, body []byte) ([]Event, error) {
	object, ok := objects[platform]
	if !ok {
		return nil, fmt.Errorf("unsupported platform %q", platform)
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if payload.Object != object {
		return nil, fmt.Errorf("unexpected object %q for %s", payload.Object, platform)
	}

	var events []Event
	for _, entry := range payload.Entry {
		for _, m := range entry.Messaging {
			if m.Message == nil {
				continue
			}

			ev := Event{Platform: platform}
			raw := service.RawEvent{
				ExternalMessageID: m.Message.Mid,
				Body:              m.Message.Text,
				Attachment:        firstAttachment(m.Message.Attachments),
				Timestamp:         timestamp(m.Timestamp, entry.Time),
			}

			if m.Message.IsEcho {
				raw.Direction = domain.DirectionOutgoing
				raw.ExternalParticipantID = m.Recipient.ID
				ev.AccountID = m.Sender.ID
			} else {
				raw.Direction = domain.DirectionIncoming
				raw.ExternalParticipantID = m.Sender.ID
				ev.AccountID = m.Recipient.ID
			}
			if ev.AccountID == "" {
				ev.AccountID = entry.ID
			}

			ev.Raw = raw
			events = append(events, ev)
		}
	}
	return events, nil
}

func firstAttachment(attachments []Attachment) *domain.Attachment {
	for _, a := range attachments {
		if a.Payload.URL == "" {
			continue
		}
		typ := strings.ToLower(a.Type)
		switch typ {
		case domain.AttachmentImage, domain.AttachmentVideo, domain.AttachmentAudio:
		default:
			typ = domain.AttachmentFile
		}
		return &domain.Attachment{Type: typ, URL: a.Payload.URL}
	}
	return nil
}

func timestamp(ms, fallback int64) time.Time {
	if ms <= 0 {
		ms = fallback
	}
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

package ingest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/phnx-im/air-sub001/internal/ear"
)

// Envelope is what the push transport hands to the background context.
type Envelope struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	Data        string `json:"data"`
	Path        string `json:"path"`
	LogFilePath string `json:"logFilePath"`
	Priority    string `json:"priority,omitempty"` // not interpreted
}

// ParseEnvelope decodes the envelope JSON.
func ParseEnvelope(content []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(content, &env); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("envelope: %w", err)}
	}
	return &env, nil
}

// Payload is the decrypted content of a push.
type Payload struct {
	Additions  []Addition `json:"additions"`
	Removals   []string   `json:"removals"`
	BadgeCount *int       `json:"badgeCount,omitempty"`
}

// Addition is one message carried by a push. ChatID is empty for messages
// that do not belong to a chat.
type Addition struct {
	ID     string `json:"id"`
	ChatID string `json:"chatId,omitempty"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	SentAt int64  `json:"sentAt,omitempty"`
}

// Notification is one entry the host should show.
type Notification struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	ChatID     string `json:"chatId,omitempty"`
}

// Batch is the result handed back to the host.
type Batch struct {
	BadgeCount int            `json:"badgeCount"`
	Removals   []string       `json:"removals"`
	Additions  []Notification `json:"additions"`
}

// Contentless is the batch returned when nothing could be read. It carries
// no fragment of the payload.
func Contentless() *Batch {
	return &Batch{Removals: []string{}, Additions: []Notification{}}
}

// Decrypt base64-decodes data and opens it with the push key.
func Decrypt(pushKey []byte, data string) ([]byte, error) {
	key, err := ear.KeyFromBytes(pushKey)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	sealed, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, &DecryptionError{Err: fmt.Errorf("base64: %w", err)}
	}
	plain, err := key.Open(sealed, pushAD)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	return plain, nil
}

// Seal is the inverse of Decrypt. The server side and tests use it.
func Seal(pushKey []byte, p *Payload) (string, error) {
	key, err := ear.KeyFromBytes(pushKey)
	if err != nil {
		return "", err
	}
	plain, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sealed, err := key.Seal(plain, pushAD)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

var pushAD = []byte("air push payload")

// DecodePayload parses decrypted push content.
func DecodePayload(plain []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, &DecodeError{Err: err}
	}
	for i, a := range p.Additions {
		if a.ID == "" {
			return nil, &DecodeError{Err: fmt.Errorf("addition %d: missing id", i)}
		}
	}
	for i, r := range p.Removals {
		if r == "" {
			return nil, &DecodeError{Err: fmt.Errorf("removal %d: empty id", i)}
		}
	}
	return &p, nil
}

// namespace scopes notification identifiers.
var namespace = uuid.MustParse("8e6f4b0e-5d1a-4c62-9a57-3f0c1d2b7e41")

// NotificationID returns the identifier the host shows a message under. It
// depends only on the chat and message, so a redelivered push replaces the
// notification it showed before.
func NotificationID(chatID, messageID string) string {
	return uuid.NewSHA1(namespace, []byte(chatID+"|"+messageID)).String()
}

// PlaceholderID is the identifier of the "data unavailable" notification.
// It never changes, so at most one is visible.
var PlaceholderID = uuid.NewSHA1(namespace, []byte("placeholder")).String()

var errNoPushKey = errors.New("no push key stored")

package dispatcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// ErrMalformedPayload is returned for bodies that can never be processed.
var ErrMalformedPayload = errors.New("malformed payload")

// Payload is the routing envelope carried by every message.
type Payload struct {
	UserID      string
	ChatID      string
	Message     string
	Attachments []json.RawMessage
	Onboarding  json.RawMessage
	Timestamp   time.Time
}

type rawPayload struct {
	UserID      *string         `json:"user_id"`
	ChatID      json.RawMessage `json:"chat_id"`
	Message     *string         `json:"message"`
	Attachments json.RawMessage `json:"attachments"`
	Onboarding  json.RawMessage `json:"onboarding"`
	Timestamp   *string         `json:"timestamp"`
}

// ParsePayload decodes body. Every failure wraps ErrMalformedPayload.
func ParsePayload(body []byte, logger *slog.Logger) (Payload, error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	if raw.UserID == nil || *raw.UserID == "" {
		return Payload{}, fmt.Errorf("%w: user_id is required", ErrMalformedPayload)
	}
	if raw.Message == nil {
		return Payload{}, fmt.Errorf("%w: message is required", ErrMalformedPayload)
	}
	chatID, err := correlationID(raw.ChatID)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: chat_id: %w", ErrMalformedPayload, err)
	}

	p := Payload{UserID: *raw.UserID, ChatID: chatID, Message: *raw.Message}

	if isPresent(raw.Attachments) {
		if err := json.Unmarshal(raw.Attachments, &p.Attachments); err != nil {
			if logger != nil {
				logger.Warn("ignoring non-array attachments", slog.String("user_id", p.UserID))
			}
			p.Attachments = nil
		}
	}
	if isPresent(raw.Onboarding) {
		p.Onboarding = raw.Onboarding
	}
	if raw.Timestamp != nil && *raw.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, *raw.Timestamp)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: timestamp: %w", ErrMalformedPayload, err)
		}
		p.Timestamp = ts
	}
	return p, nil
}

// correlationID accepts a JSON string or integer.
func correlationID(raw json.RawMessage) (string, error) {
	if !isPresent(raw) {
		return "", errors.New("is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", errors.New("is empty")
		}
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", errors.New("must be a string or integer")
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", fmt.Errorf("must be a string or integer, got %s", n)
	}
	return n.String(), nil
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

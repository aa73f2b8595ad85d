// Package notification holds the unit of information pushed by the server
// and its wire decoding.
package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jaytaylor/html2text"
)

// Type determines how a notification is presented.
type Type string

const (
	TypeToast      Type = "toast"
	TypeAlert      Type = "alert"
	TypeBackground Type = "background"
	// TypeOther stands for any type string the client does not recognize.
	TypeOther Type = "other"
)

// Kind folds unrecognized type strings into TypeOther.
func (t Type) Kind() Type {
	switch t {
	case TypeToast, TypeAlert, TypeBackground:
		return t
	default:
		return TypeOther
	}
}

// Notification is a server-pushed message.
type Notification struct {
	ID    string `json:"id"`
	Type  Type   `json:"type"`
	Title string `json:"title"`
	// HTML is produced by the trusted server and rendered as-is by the host.
	HTML  string `json:"html"`
	Sound bool   `json:"sound"`
}

// ErrMalformed is returned for payloads that cannot become a Notification.
var ErrMalformed = errors.New("malformed notification payload")

type wire struct {
	Type    string          `json:"type"`
	ID      json.RawMessage `json:"id"`
	Title   string          `json:"title"`
	HTML    *string         `json:"html"`
	Content *string         `json:"content"`
	Sound   bool            `json:"sound"`
}

// Parse decodes a push payload. The id may be a JSON string or number; html
// falls back to content when absent.
func Parse(data []byte) (Notification, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	id, err := parseID(w.ID)
	if err != nil {
		return Notification{}, err
	}
	if w.Type == "" {
		return Notification{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	n := Notification{
		ID:    id,
		Type:  Type(w.Type),
		Title: w.Title,
		Sound: w.Sound,
	}
	switch {
	case w.HTML != nil:
		n.HTML = *w.HTML
	case w.Content != nil:
		n.HTML = *w.Content
	}
	return n, nil
}

func parseID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: missing id", ErrMalformed)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("%w: empty id", ErrMalformed)
		}
		return s, nil
	}

	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&num); err != nil {
		return "", fmt.Errorf("%w: id must be a string or number", ErrMalformed)
	}
	if i, err := num.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return num.String(), nil
}

// Body renders HTML as plain text for native notification banners. The raw
// markup is returned when conversion fails.
func (n Notification) Body() string {
	if n.HTML == "" {
		return ""
	}
	text, err := html2text.FromString(n.HTML, html2text.Options{OmitLinks: true})
	if err != nil {
		return n.HTML
	}
	return strings.TrimSpace(text)
}

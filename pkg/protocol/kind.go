package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Kind is the closed tag discriminating message payload shapes.
type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media-reference"
	// KindSystem marks server-generated notices, including edit/delete
	// records that reference an earlier message.
	KindSystem Kind = "system"
)

var ErrInvalidPayload = errors.New("invalid message payload")

// ValidateContent checks a message content payload against its kind tag.
// Content is raw JSON: a string for text, an object for the other kinds.
// maxBytes bounds the encoded payload size; it comes from configuration.
func ValidateContent(kind Kind, content []byte, maxBytes int) error {
	if len(content) == 0 {
		return fmt.Errorf("%w: empty content", ErrInvalidPayload)
	}
	if maxBytes > 0 && len(content) > maxBytes {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidPayload, maxBytes)
	}
	if !utf8.Valid(content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidPayload)
	}
	body := gjson.ParseBytes(content)

	switch kind {
	case KindText:
		if body.Type != gjson.String {
			return fmt.Errorf("%w: text content must be a JSON string", ErrInvalidPayload)
		}
		if strings.TrimSpace(body.String()) == "" {
			return fmt.Errorf("%w: text content is blank", ErrInvalidPayload)
		}
	case KindMedia:
		url := body.Get("url")
		if !url.Exists() || url.Type != gjson.String {
			return fmt.Errorf("%w: media-reference content requires a url field", ErrInvalidPayload)
		}
		if !strings.HasPrefix(url.String(), "http://") && !strings.HasPrefix(url.String(), "https://") {
			return fmt.Errorf("%w: media url must be http(s)", ErrInvalidPayload)
		}
	case KindSystem:
		if !body.Get("ref").Exists() {
			return fmt.Errorf("%w: system content requires a ref field", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, kind)
	}
	return nil
}

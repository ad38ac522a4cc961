package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // max message size in bytes
	MaxTextChars    = 2000 // max character count
)

// NormalizeContent trims surrounding whitespace and checks that a message
// meets content requirements. It returns the content to persist.
func NormalizeContent(content string) (string, error) {
	text := strings.TrimSpace(content)
	if len(text) == 0 {
		return "", fmt.Errorf("%w: message text is empty", ErrInvalidContent)
	}
	if len(text) > MaxMessageBytes {
		return "", fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidContent, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidContent)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidContent, MaxTextChars)
	}
	return text, nil
}

// NormalizeType defaults an empty type to text and rejects unknown ones.
func NormalizeType(t MessageType) (MessageType, error) {
	if t == "" {
		return MessageText, nil
	}
	t = MessageType(strings.ToLower(string(t)))
	if !knownMessageTypes[t] {
		return "", fmt.Errorf("%w: unknown message type %q", ErrInvalidContent, t)
	}
	return t, nil
}

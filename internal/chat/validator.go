package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxTextBytes = 16 * 1024
	MaxTextChars = 4000
)

// ErrTextTooLong is returned by ValidateText for oversized message text.
var ErrTextTooLong = errors.New("chat: message text too long")

// ValidateText checks the content limits of a message body. Empty text is
// accepted because file-only messages carry none.
func ValidateText(text string) error {
	if len(text) > MaxTextBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrTextTooLong, MaxTextBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrTextTooLong, MaxTextChars)
	}
	return nil
}

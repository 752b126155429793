package moderation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxErrorMessageLength = 300

var (
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrNotALetter        = errors.New("not a letter")
)

// ProcessingError is a pipeline failure that forces the letter into quarantine.
type ProcessingError struct {
	LetterID int64
	Step     string
	Err      error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("process letter %d: %s: %v", e.LetterID, e.Step, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// SanitizeError strips markup from err's text, collapses whitespace and caps the length.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	text := strings.Join(strings.Fields(PlainText(err.Error())), " ")
	if utf8.RuneCountInString(text) <= maxErrorMessageLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxErrorMessageLength])
}

package chat

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xaenox/mentor-bot/internal/apperr"
	"github.com/xaenox/mentor-bot/internal/models"
)

const maxProfileField = 50

// validateMessage enforces the length bounds and rejects control
// characters other than tab, newline and carriage return.
func validateMessage(text string, maxLen int, hasAttachments bool) error {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		if hasAttachments {
			return nil
		}
		return apperr.Validation("message must not be empty")
	}
	if strings.TrimSpace(text) == "" && !hasAttachments {
		return apperr.Validation("message must not be blank")
	}
	if n > maxLen {
		return apperr.Validation(fmt.Sprintf("message must be between 1 and %d characters", maxLen))
	}
	for _, r := range text {
		if r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		if unicode.IsControl(r) {
			return apperr.Validation("message contains invalid characters")
		}
	}
	return nil
}

func validateProfile(update models.ProfileUpdate) error {
	fields := []struct {
		name  string
		value *string
	}{
		{"first_name", update.FirstName},
		{"last_name", update.LastName},
		{"country", update.Country},
	}

	empty := true
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		empty = false
		if utf8.RuneCountInString(*f.value) > maxProfileField {
			return apperr.Validation(fmt.Sprintf("%s must be at most %d characters", f.name, maxProfileField))
		}
	}
	if empty {
		return apperr.Validation("no profile fields to update")
	}
	return nil
}

func validatePassword(current, next string) error {
	if len(current) < 6 {
		return apperr.Validation("current password must be at least 6 characters")
	}
	if len(next) < 6 {
		return apperr.Validation("new password must be at least 6 characters")
	}

	var lower, upper, digit bool
	for _, r := range next {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !lower || !upper || !digit {
		return apperr.Validation("new password must contain a lowercase letter, an uppercase letter and a digit")
	}
	return nil
}

// fileExtension returns the lower-case extension of name without the dot.
func fileExtension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

func validateUpload(name string, size int64, allowed []string, maxSize int64) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", apperr.Validation("file name is required")
	}
	ext := fileExtension(name)
	ok := false
	for _, a := range allowed {
		if strings.EqualFold(a, ext) {
			ok = true
			break
		}
	}
	if !ok {
		return "", apperr.Validation(fmt.Sprintf("file type not allowed, accepted: %s", strings.Join(allowed, ", ")))
	}
	if size == 0 {
		return "", apperr.Validation("file is empty")
	}
	if size > maxSize {
		return "", apperr.Validation(fmt.Sprintf("file exceeds the %d MB limit", maxSize/(1<<20)))
	}
	return ext, nil
}

package engine

import (
	"regexp"
	"strings"

	"github.com/flowssist/flowssist/internal/models"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// validInput checks raw customer input against a collect_info validation kind.
func validInput(kind models.ValidationKind, raw string) bool {
	text := strings.TrimSpace(raw)
	if text == "" {
		return false
	}
	switch kind {
	case models.ValidationKindEmail:
		return emailPattern.MatchString(text)
	case models.ValidationKindPhone:
		return countDigits(text) >= 6
	default:
		return true
	}
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

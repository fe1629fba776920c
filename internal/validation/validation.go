// Package validation provides input validation for recorder names and
// catalog filters.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/xtxerr/flightrec/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowSpaces  bool
}

// EventTypeRules returns the rules for event type names such as
// "gc.PhasePause".
func EventTypeRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: false,
		AllowUnders:  true,
	}
}

// ThreadNameRules returns the rules for producer thread names.
func ThreadNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowSpaces:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("name cannot start or end with '.'")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("name cannot contain empty segments")
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("name cannot start or end with whitespace")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}
	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case ' ':
		return rules.AllowSpaces
	}
	return false
}

// ValidateEventType validates an event type name.
func ValidateEventType(name string) error {
	if err := ValidateName(name, EventTypeRules()); err != nil {
		return errors.NewValidation("event type "+quote(name), err.Error())
	}
	return nil
}

// ValidateThreadName validates a producer thread name.
func ValidateThreadName(name string) error {
	if err := ValidateName(name, ThreadNameRules()); err != nil {
		return errors.NewValidation("thread name "+quote(name), err.Error())
	}
	return nil
}

func quote(s string) string {
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return fmt.Sprintf("%q", s)
}

// =============================================================================
// LIKE Patterns
// =============================================================================

var sqlLikeMetaChars = regexp.MustCompile(`[%_\[\]\\]`)

// EscapeLikePattern escapes special characters in a LIKE pattern. The
// escape character is a backslash; queries must declare ESCAPE '\'.
func EscapeLikePattern(pattern string) string {
	return sqlLikeMetaChars.ReplaceAllStringFunc(pattern, func(s string) string {
		return "\\" + s
	})
}

// SafeLikePrefix creates a safe LIKE prefix pattern.
func SafeLikePrefix(prefix string) string {
	return EscapeLikePattern(prefix) + "%"
}

// SafeLikeContains creates a safe LIKE contains pattern.
func SafeLikeContains(pattern string) string {
	return "%" + EscapeLikePattern(pattern) + "%"
}

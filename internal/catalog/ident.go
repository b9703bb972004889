package catalog

import (
	"unicode"

	"github.com/sfc-gh-agavic/lifecycle-policy/config"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
)

// ValidateIdentifier validates a table or policy name.
//
// Names are used both as catalog keys and as tier directory names, so
// they follow identifier rules: a leading letter or underscore followed
// by letters, digits, or underscores.
func ValidateIdentifier(name string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidName, "name cannot be empty")
	}
	if len(name) > config.MaxIdentifierLength {
		return errors.Wrapf(ErrInvalidName, "name too long: maximum %d characters allowed", config.MaxIdentifierLength)
	}

	for i, r := range name {
		if i == 0 {
			if !unicode.IsLetter(r) && r != '_' {
				return errors.Wrapf(ErrInvalidName, "name must start with a letter or underscore, got '%c'", r)
			}
			continue
		}
		if !isIdentChar(r) {
			return errors.Wrapf(ErrInvalidName, "invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isIdentChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

package idgen

import (
	"fmt"
	"regexp"
)

var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._:-]*[A-Za-z0-9])?$`)

// ValidateThreadID checks that id is usable as a thread identifier.
// Rules: letters, digits, dots, colons, underscores and dashes; must start and
// end with a letter or digit; max 128 characters.
func ValidateThreadID(id string) error {
	if id == "" {
		return fmt.Errorf("thread id is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("thread id too long (max 128 characters)")
	}
	if !threadIDPattern.MatchString(id) {
		return fmt.Errorf("thread id %q is invalid: must match %s", id, threadIDPattern.String())
	}
	return nil
}

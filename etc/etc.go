package etc

import (
	"regexp"

	"github.com/google/uuid"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NewSessionID returns a fresh identifier that is safe to use as a
// directory name.
func NewSessionID() string {
	return uuid.NewString()
}

func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

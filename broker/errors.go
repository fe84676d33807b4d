package broker

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxIdentityBytes caps identity name length on the wire.
	MaxIdentityBytes = 128
	// MaxTopicBytes caps topic name length on the wire.
	MaxTopicBytes = 256
)

// ErrClosed is returned for operations against a broker that has shut down.
var ErrClosed = errors.New("broker is closed")

// ErrInvalidName is returned when an identity or topic name violates the
// naming constraints (empty, too long, or containing NUL).
type ErrInvalidName struct {
	Kind   string // "identity" or "topic"
	Name   string
	Reason string
}

func (e *ErrInvalidName) Error() string {
	return fmt.Sprintf("invalid %s name %q: %s", e.Kind, e.Name, e.Reason)
}

// ValidateIdentity checks an identity name against the naming constraints.
func ValidateIdentity(name string) error {
	return validateName("identity", name, MaxIdentityBytes)
}

// ValidateTopic checks a topic name against the naming constraints.
func ValidateTopic(name string) error {
	return validateName("topic", name, MaxTopicBytes)
}

func validateName(kind, name string, maxBytes int) error {
	if name == "" {
		return &ErrInvalidName{Kind: kind, Name: name, Reason: "must not be empty"}
	}
	if len(name) > maxBytes {
		return &ErrInvalidName{Kind: kind, Name: name, Reason: fmt.Sprintf("longer than %d bytes", maxBytes)}
	}
	// NUL is the store's topic/timestamp separator and has no business
	// in a user-facing name anyway.
	if strings.ContainsRune(name, 0) {
		return &ErrInvalidName{Kind: kind, Name: name, Reason: "must not contain NUL"}
	}
	return nil
}

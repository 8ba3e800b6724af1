// Package domain contains entities without transport logic, just meta-data
package domain

import (
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrSessionIDEmpty   = errors.New("session id empty")
)

// uuidV4Shape is xxxxxxxx-xxxx-4xxx-[89ab]xxx-xxxxxxxxxxxx, case-insensitive.
var uuidV4Shape = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

type SessionID string

func (s SessionID) String() string { return string(s) }

// NewSessionID returns a random v4 id for a freshly created session.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// ParseSessionID validates a user supplied id. Only the canonical
// 36-character UUID-v4 form is accepted.
func ParseSessionID(raw string) (SessionID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrSessionIDEmpty
	}
	if !uuidV4Shape.MatchString(raw) {
		return "", ErrInvalidSessionID
	}
	id, err := uuid.Parse(raw)
	if err != nil || id.Version() != 4 {
		return "", ErrInvalidSessionID
	}
	return SessionID(strings.ToLower(raw)), nil
}

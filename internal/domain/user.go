// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidName = errors.New("invalid name")
	ErrInvalidRoom = errors.New("invalid room")
)

// ClientID is a relay-assigned, opaque identifier of one joined connection.
type ClientID string

// Peer is the public view of a room member as seen by other clients.
type Peer struct {
	ID   ClientID `json:"id"`
	Name string   `json:"name"`
}

// NewClientID returns a fresh random identifier (uuid v4, 122 random bits).
func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// ParseName trims a client supplied display name and rejects empty ones.
func ParseName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", ErrInvalidName
	}
	return name, nil
}

// Less reports whether a sorts before b. The smaller side of a pair
// initiates negotiation.
func (id ClientID) Less(other ClientID) bool {
	return id < other
}

package domain

import "strings"

type RoomID string

// ParseRoomID trims an externally supplied room identifier.
func ParseRoomID(raw string) (RoomID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrInvalidRoom
	}
	return RoomID(id), nil
}

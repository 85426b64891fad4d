// Package store persists room and user documents. The signaling server reads
// rooms synchronously when validating joins and writes updated documents
// best-effort after membership changes.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Participant is one stay of a user in a room. A user that leaves and joins
// again appears twice, with LeftAt set on the earlier entry.
type Participant struct {
	UserID          string     `json:"userId"`
	ConnectionID    string     `json:"connectionId"`
	Username        string     `json:"username,omitempty"`
	JoinedAt        time.Time  `json:"joinedAt"`
	LeftAt          *time.Time `json:"leftAt,omitempty"`
	DurationSeconds int64      `json:"durationSeconds,omitempty"`
}

type Room struct {
	RoomID          string     `json:"roomId"`
	Name            string     `json:"name,omitempty"`
	MaxParticipants int        `json:"maxParticipants,omitempty"`
	IsActive        bool       `json:"isActive"`
	CreatedAt       time.Time  `json:"createdAt"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
	// CurrentParticipants counts distinct connected users, not connections.
	CurrentParticipants int           `json:"currentParticipants"`
	Participants        []Participant `json:"participants,omitempty"`
}

type User struct {
	UserID     string    `json:"userId"`
	Username   string    `json:"username,omitempty"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Store is the document store behind the signaling server. FindRoom returns
// ErrNotFound for unknown rooms; callers decide what an inactive room means.
type Store interface {
	FindRoom(ctx context.Context, roomID string) (Room, error)
	SaveRoom(ctx context.Context, room Room) error
	FindUser(ctx context.Context, userID string) (User, error)
	SaveUser(ctx context.Context, user User) error
	Ping(ctx context.Context) error
	Close() error
}

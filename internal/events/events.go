// Package events defines the tagged-variant domain events consumed by the
// invalidation bus (C4). Each event is a distinct Go struct implementing
// Event, not a dynamic dispatch over an untyped payload map.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Event is implemented by every domain event the invalidation bus accepts.
// EventType is the discriminator used both to key the rule table and, via
// gjson at the transport boundary, to pick which concrete struct to decode
// a wire payload into.
type Event interface {
	EventType() string

	// PrimaryEntityID identifies the entity a batchable event coalesces on
	// (batchKey = eventType + PrimaryEntityID).
	PrimaryEntityID() string
}

const (
	TypeUserProfileUpdated = "user:profile:updated"
	TypeVoteCast           = "vote:cast"
	TypeClanMemberAdded    = "clan:member:added"
	TypeContentCreated     = "content:created"
	TypeTournamentUpdated  = "tournament:updated"
	TypeLeaderboardRefresh = "leaderboard:refresh"
)

// UserProfileUpdated is emitted when a user edits their profile.
type UserProfileUpdated struct {
	UserID  string
	ClanIDs []string
}

func (e UserProfileUpdated) EventType() string      { return TypeUserProfileUpdated }
func (e UserProfileUpdated) PrimaryEntityID() string { return e.UserID }

// VoteCast is emitted for every recorded vote. High-priority: dispatched
// within InvalidationDelay rather than batched.
type VoteCast struct {
	ContentID string
	UserID    string
	ClanID    string
}

func (e VoteCast) EventType() string      { return TypeVoteCast }
func (e VoteCast) PrimaryEntityID() string { return e.ContentID }

// ClanMemberAdded is emitted when a clan roster changes.
type ClanMemberAdded struct {
	ClanID string
	UserID string
}

func (e ClanMemberAdded) EventType() string      { return TypeClanMemberAdded }
func (e ClanMemberAdded) PrimaryEntityID() string { return e.ClanID }

// ContentCreated is emitted when new content is published.
type ContentCreated struct {
	ContentID string
	Tags      []string
}

func (e ContentCreated) EventType() string      { return TypeContentCreated }
func (e ContentCreated) PrimaryEntityID() string { return e.ContentID }

// TournamentUpdated is emitted on bracket/result changes. High-priority.
type TournamentUpdated struct {
	TournamentID   string
	ParticipantIDs []string
}

func (e TournamentUpdated) EventType() string      { return TypeTournamentUpdated }
func (e TournamentUpdated) PrimaryEntityID() string { return e.TournamentID }

// LeaderboardRefresh is emitted after a leaderboard recompute, either
// event-driven or from the optional cron safety net. High-priority.
type LeaderboardRefresh struct {
	BoardID string
}

func (e LeaderboardRefresh) EventType() string      { return TypeLeaderboardRefresh }
func (e LeaderboardRefresh) PrimaryEntityID() string { return e.BoardID }

// HighPriorityTypes lists the event types dispatched within InvalidationDelay
// rather than coalesced into a batch window (§4.4.3).
var HighPriorityTypes = map[string]bool{
	TypeVoteCast:           true,
	TypeLeaderboardRefresh: true,
	TypeTournamentUpdated:  true,
}

// IsHighPriority reports whether an event type is dispatched immediately.
func IsHighPriority(eventType string) bool {
	return HighPriorityTypes[eventType]
}

// Decode sniffs the eventType discriminator from a raw transport payload
// (e.g. a pkg/pgnotify NOTIFY body) with gjson before committing to a typed
// json.Unmarshal, so an unrecognized event type never reaches a full decode.
func Decode(raw []byte) (Event, error) {
	eventType := gjson.GetBytes(raw, "eventType").String()
	if eventType == "" {
		return nil, fmt.Errorf("events: payload missing eventType discriminator")
	}

	var (
		event Event
		err   error
	)
	switch eventType {
	case TypeUserProfileUpdated:
		var e UserProfileUpdated
		err = json.Unmarshal(raw, &e)
		event = e
	case TypeVoteCast:
		var e VoteCast
		err = json.Unmarshal(raw, &e)
		event = e
	case TypeClanMemberAdded:
		var e ClanMemberAdded
		err = json.Unmarshal(raw, &e)
		event = e
	case TypeContentCreated:
		var e ContentCreated
		err = json.Unmarshal(raw, &e)
		event = e
	case TypeTournamentUpdated:
		var e TournamentUpdated
		err = json.Unmarshal(raw, &e)
		event = e
	case TypeLeaderboardRefresh:
		var e LeaderboardRefresh
		err = json.Unmarshal(raw, &e)
		event = e
	default:
		return nil, fmt.Errorf("events: unknown eventType %q", eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("events: decode %s: %w", eventType, err)
	}
	return event, nil
}

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package event models room events as the state resolver observes them.
package event

import (
	"encoding/json"
)

// ID is a protocol event identifier. IDs are assigned by the origin
// server, totally ordered and cheap to copy.
type ID string

// Type is a room event type tag.
type Type string

const (
	Create           Type = "room.create"
	PowerLevels      Type = "room.power_levels"
	JoinRules        Type = "room.join_rules"
	Member           Type = "room.member"
	ThirdPartyInvite Type = "room.third_party_invite"
	Topic            Type = "room.topic"
	Message          Type = "room.message"
)

// StateKey identifies a single entry of room state. The empty string is
// a valid Key.
type StateKey struct {
	Type Type
	Key  string
}

// StateMap maps state entries to some value, usually an event ID. It
// represents a room's state as visible to one observer.
type StateMap[V any] map[StateKey]V

// Event is the capability set the resolver requires of a room event.
// The transport-level object stays opaque so unknown event types pass
// through unharmed.
type Event interface {
	// ID returns the event identifier.
	ID() ID
	// Type returns the event type tag.
	Type() Type
	// StateKey returns the state key and whether the event is a state
	// event at all.
	StateKey() (string, bool)
	// Sender returns the user identifier that issued the event.
	Sender() string
	// Content returns the raw JSON content blob.
	Content() []byte
	// AuthEvents returns the event IDs this event cites as its
	// authorization context.
	AuthEvents() []ID
	// Timestamp returns the origin server wall clock in unix
	// milliseconds.
	Timestamp() int64
}

// Key returns the state key tuple of ev, and false if ev is not a state
// event.
func Key(ev Event) (StateKey, bool) {
	key, ok := ev.StateKey()
	if !ok {
		return StateKey{}, false
	}
	return StateKey{Type: ev.Type(), Key: key}, true
}

// IsType reports whether ev is a state event of the given type and
// state key.
func IsType(ev Event, t Type, key string) bool {
	if ev.Type() != t {
		return false
	}
	k, ok := ev.StateKey()
	return ok && k == key
}

// Record is the concrete wire form of a room event. It implements
// Event and round-trips through canonical JSON.
type Record struct {
	EventID  ID              `json:"event_id"`
	Kind     Type            `json:"type"`
	Key      *string         `json:"state_key,omitempty"`
	User     string          `json:"sender"`
	Body     json.RawMessage `json:"content"`
	Auth     []ID            `json:"auth_events"`
	OriginTS int64           `json:"origin_server_ts"`
}

func (r *Record) ID() ID         { return r.EventID }
func (r *Record) Type() Type     { return r.Kind }
func (r *Record) Sender() string { return r.User }

func (r *Record) StateKey() (string, bool) {
	if r.Key == nil {
		return "", false
	}
	return *r.Key, true
}

func (r *Record) Content() []byte {
	return r.Body
}

func (r *Record) AuthEvents() []ID {
	return r.Auth
}

func (r *Record) Timestamp() int64 {
	return r.OriginTS
}

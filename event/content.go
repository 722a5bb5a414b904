// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package event

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Membership is the state of a user within a room.
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
	MembershipInvite Membership = "invite"
	MembershipKnock  Membership = "knock"
)

// JoinRule controls how new members may enter a room.
type JoinRule string

const (
	JoinRulePublic          JoinRule = "public"
	JoinRuleInvite          JoinRule = "invite"
	JoinRuleKnock           JoinRule = "knock"
	JoinRulePrivate         JoinRule = "private"
	JoinRuleRestricted      JoinRule = "restricted"
	JoinRuleKnockRestricted JoinRule = "knock_restricted"
)

// CreateContent is the content of a room.create event.
type CreateContent struct {
	Creator  string `json:"creator"`
	Federate *bool  `json:"federate,omitempty"`
	Version  string `json:"room_version,omitempty"`
}

// ParseCreate decodes a room.create content blob.
func ParseCreate(content []byte) (CreateContent, error) {
	var c CreateContent
	if err := json.Unmarshal(content, &c); err != nil {
		return CreateContent{}, fmt.Errorf("parsing create content: %w", err)
	}
	return c, nil
}

// MemberContent is the content of a room.member event.
type MemberContent struct {
	Membership Membership `json:"membership"`

	// AuthorizedVia names the user whose membership authorized a
	// restricted-room join.
	AuthorizedVia string `json:"join_authorised_via_users_server,omitempty"`

	// ThirdPartyInvite carries the signed token of an identity-server
	// mediated invite.
	ThirdPartyInvite *ThirdPartyInviteRef `json:"third_party_invite,omitempty"`
}

// ThirdPartyInviteRef points a member invite back at the
// room.third_party_invite state event that produced it.
type ThirdPartyInviteRef struct {
	Signed struct {
		Token string `json:"token"`
	} `json:"signed"`
}

// ParseMember decodes a room.member content blob.
func ParseMember(content []byte) (MemberContent, error) {
	var c MemberContent
	if err := json.Unmarshal(content, &c); err != nil {
		return MemberContent{}, fmt.Errorf("parsing member content: %w", err)
	}
	return c, nil
}

// JoinRulesContent is the content of a room.join_rules event.
type JoinRulesContent struct {
	JoinRule JoinRule `json:"join_rule"`
}

// ParseJoinRules decodes a room.join_rules content blob.
func ParseJoinRules(content []byte) (JoinRulesContent, error) {
	var c JoinRulesContent
	if err := json.Unmarshal(content, &c); err != nil {
		return JoinRulesContent{}, fmt.Errorf("parsing join rules content: %w", err)
	}
	return c, nil
}

// Default power levels, effective whenever a room.power_levels event
// exists but omits the field.
const (
	DefaultUserLevel   int64 = 0
	DefaultEventLevel  int64 = 0
	DefaultStateLevel  int64 = 50
	DefaultBanLevel    int64 = 50
	DefaultKickLevel   int64 = 50
	DefaultInviteLevel int64 = 50
	DefaultRedactLevel int64 = 50
	CreatorLevel       int64 = 100
)

// PowerLevelsContent is the decoded content of a room.power_levels
// event, with defaults applied.
type PowerLevelsContent struct {
	Users         map[string]int64
	UsersDefault  int64
	Events        map[Type]int64
	EventsDefault int64
	StateDefault  int64
	Ban           int64
	Kick          int64
	Invite        int64
	Redact        int64
}

// UserLevel returns the power level of user, falling back to the users
// default.
func (c *PowerLevelsContent) UserLevel(user string) int64 {
	if level, ok := c.Users[user]; ok {
		return level
	}
	return c.UsersDefault
}

// RequiredLevel returns the level needed to send an event of the given
// type, honoring per-type overrides and the state/message defaults.
func (c *PowerLevelsContent) RequiredLevel(t Type, isState bool) int64 {
	if level, ok := c.Events[t]; ok {
		return level
	}
	if isState {
		return c.StateDefault
	}
	return c.EventsDefault
}

// level tolerates the legacy string encoding of power levels.
type level int64

func (l *level) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*l = level(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("power level is neither integer nor string: %s", data)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing power level %q: %w", s, err)
	}
	*l = level(n)
	return nil
}

type rawPowerLevels struct {
	Users         map[string]level `json:"users"`
	UsersDefault  *level           `json:"users_default"`
	Events        map[Type]level   `json:"events"`
	EventsDefault *level           `json:"events_default"`
	StateDefault  *level           `json:"state_default"`
	Ban           *level           `json:"ban"`
	Kick          *level           `json:"kick"`
	Invite        *level           `json:"invite"`
	Redact        *level           `json:"redact"`
}

type strictPowerLevels struct {
	Users         map[string]int64 `json:"users"`
	UsersDefault  *int64           `json:"users_default"`
	Events        map[Type]int64   `json:"events"`
	EventsDefault *int64           `json:"events_default"`
	StateDefault  *int64           `json:"state_default"`
	Ban           *int64           `json:"ban"`
	Kick          *int64           `json:"kick"`
	Invite        *int64           `json:"invite"`
	Redact        *int64           `json:"redact"`
}

// ParsePowerLevels decodes a room.power_levels content blob. With
// strict set, string-encoded levels are rejected; room versions that
// enforce integer power levels pass strict.
func ParsePowerLevels(content []byte, strict bool) (PowerLevelsContent, error) {
	raw := rawPowerLevels{}
	if strict {
		var st strictPowerLevels
		if err := json.Unmarshal(content, &st); err != nil {
			return PowerLevelsContent{}, fmt.Errorf("parsing power levels content: %w", err)
		}
		raw = st.lenient()
	} else if err := json.Unmarshal(content, &raw); err != nil {
		return PowerLevelsContent{}, fmt.Errorf("parsing power levels content: %w", err)
	}

	c := PowerLevelsContent{
		Users:         make(map[string]int64, len(raw.Users)),
		UsersDefault:  DefaultUserLevel,
		Events:        make(map[Type]int64, len(raw.Events)),
		EventsDefault: DefaultEventLevel,
		StateDefault:  DefaultStateLevel,
		Ban:           DefaultBanLevel,
		Kick:          DefaultKickLevel,
		Invite:        DefaultInviteLevel,
		Redact:        DefaultRedactLevel,
	}
	for user, lvl := range raw.Users {
		c.Users[user] = int64(lvl)
	}
	for t, lvl := range raw.Events {
		c.Events[t] = int64(lvl)
	}
	apply := func(dst *int64, src *level) {
		if src != nil {
			*dst = int64(*src)
		}
	}
	apply(&c.UsersDefault, raw.UsersDefault)
	apply(&c.EventsDefault, raw.EventsDefault)
	apply(&c.StateDefault, raw.StateDefault)
	apply(&c.Ban, raw.Ban)
	apply(&c.Kick, raw.Kick)
	apply(&c.Invite, raw.Invite)
	apply(&c.Redact, raw.Redact)
	return c, nil
}

func (st strictPowerLevels) lenient() rawPowerLevels {
	raw := rawPowerLevels{
		Users:  make(map[string]level, len(st.Users)),
		Events: make(map[Type]level, len(st.Events)),
	}
	for user, lvl := range st.Users {
		raw.Users[user] = level(lvl)
	}
	for t, lvl := range st.Events {
		raw.Events[t] = level(lvl)
	}
	conv := func(p *int64) *level {
		if p == nil {
			return nil
		}
		l := level(*p)
		return &l
	}
	raw.UsersDefault = conv(st.UsersDefault)
	raw.EventsDefault = conv(st.EventsDefault)
	raw.StateDefault = conv(st.StateDefault)
	raw.Ban = conv(st.Ban)
	raw.Kick = conv(st.Kick)
	raw.Invite = conv(st.Invite)
	raw.Redact = conv(st.Redact)
	return raw
}

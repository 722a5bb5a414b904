// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package authrules decides whether a room event is allowed given an
// authorization context. The resolver invokes it as a black box; the
// rules here are the stock implementation.
package authrules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/luxfi/stateres/event"
	"github.com/luxfi/stateres/version"
)

var errNoStateKey = errors.New("member event has no state key")

// Checker implements the stock authorization rules. It is stateless.
type Checker struct{}

// TypesNeededForAuth enumerates the state entries required to
// authorize ev: the create and power levels events and the sender's
// membership for everything but create itself. Member events add the
// target membership, the join rules for joins, invites and knocks, the
// third party invite token of an invite that carries one, and the
// authorizing user's membership of a restricted join.
func (Checker) TypesNeededForAuth(ev event.Event) ([]event.StateKey, error) {
	if ev.Type() == event.Create {
		return nil, nil
	}

	keys := []event.StateKey{
		{Type: event.Create, Key: ""},
		{Type: event.PowerLevels, Key: ""},
		{Type: event.Member, Key: ev.Sender()},
	}

	if ev.Type() == event.Member {
		target, ok := ev.StateKey()
		if !ok {
			return nil, fmt.Errorf("%w: %s", errNoStateKey, ev.ID())
		}
		content, err := event.ParseMember(ev.Content())
		if err != nil {
			return nil, err
		}
		keys = append(keys, event.StateKey{Type: event.Member, Key: target})
		switch content.Membership {
		case event.MembershipJoin, event.MembershipInvite, event.MembershipKnock:
			keys = append(keys, event.StateKey{Type: event.JoinRules, Key: ""})
		}
		if content.Membership == event.MembershipInvite && content.ThirdPartyInvite != nil {
			if token := content.ThirdPartyInvite.Signed.Token; token != "" {
				keys = append(keys, event.StateKey{Type: event.ThirdPartyInvite, Key: token})
			}
		}
		if content.AuthorizedVia != "" {
			keys = append(keys, event.StateKey{Type: event.Member, Key: content.AuthorizedVia})
		}
	}

	seen := make(map[event.StateKey]struct{}, len(keys))
	deduped := keys[:0]
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, key)
	}
	return deduped, nil
}

// Check reports whether ev is allowed by the auth context exposed
// through stateAt. Rejections return false with a nil error; errors
// are reserved for content that cannot be decoded.
func (c Checker) Check(
	v version.RoomVersion,
	ev event.Event,
	thirdPartyInvite event.Event,
	stateAt func(t event.Type, key string) event.Event,
) (bool, error) {
	if ev.Type() == event.Create {
		// The create event opens the room: it may cite no auth parents
		// and carries the empty state key.
		key, ok := ev.StateKey()
		return ok && key == "" && len(ev.AuthEvents()) == 0, nil
	}

	createEvent := stateAt(event.Create, "")
	if createEvent == nil {
		return false, nil
	}
	create, err := event.ParseCreate(createEvent.Content())
	if err != nil {
		return false, err
	}

	s := &authState{
		v:       v,
		stateAt: stateAt,
		creator: create.Creator,
	}
	if powerEvent := stateAt(event.PowerLevels, ""); powerEvent != nil {
		content, err := event.ParsePowerLevels(powerEvent.Content(), v.IntegerPowerLevels)
		if err != nil {
			return false, err
		}
		s.power = &content
	}

	switch ev.Type() {
	case event.Member:
		return c.memberAllowed(s, ev, thirdPartyInvite)
	case event.PowerLevels:
		return c.powerChangeAllowed(s, ev)
	default:
		return c.defaultAllowed(s, ev), nil
	}
}

// authState is the decoded view of one event's auth context.
type authState struct {
	v       version.RoomVersion
	stateAt func(t event.Type, key string) event.Event
	creator string
	power   *event.PowerLevelsContent
}

// userLevel returns the user's power level. Without a power levels
// event the room creator holds an implicit elevated level.
func (s *authState) userLevel(user string) int64 {
	if s.power != nil {
		return s.power.UserLevel(user)
	}
	if user == s.creator {
		return event.CreatorLevel
	}
	return 0
}

func (s *authState) requiredLevel(t event.Type, isState bool) int64 {
	if s.power != nil {
		return s.power.RequiredLevel(t, isState)
	}
	return 0
}

func (s *authState) banLevel() int64 {
	if s.power != nil {
		return s.power.Ban
	}
	return event.DefaultBanLevel
}

func (s *authState) kickLevel() int64 {
	if s.power != nil {
		return s.power.Kick
	}
	return event.DefaultKickLevel
}

func (s *authState) inviteLevel() int64 {
	if s.power != nil {
		return s.power.Invite
	}
	return event.DefaultInviteLevel
}

// membership returns the user's membership, defaulting to leave when
// the context holds no entry or the entry cannot be decoded.
func (s *authState) membership(user string) event.Membership {
	ev := s.stateAt(event.Member, user)
	if ev == nil {
		return event.MembershipLeave
	}
	content, err := event.ParseMember(ev.Content())
	if err != nil {
		return event.MembershipLeave
	}
	return content.Membership
}

func (s *authState) hasMemberEntry(user string) bool {
	return s.stateAt(event.Member, user) != nil
}

func (s *authState) hasJoinRules() bool {
	return s.stateAt(event.JoinRules, "") != nil
}

// joinRule returns the room's join rule, defaulting to invite.
func (s *authState) joinRule() event.JoinRule {
	ev := s.stateAt(event.JoinRules, "")
	if ev == nil {
		return event.JoinRuleInvite
	}
	content, err := event.ParseJoinRules(ev.Content())
	if err != nil {
		return event.JoinRuleInvite
	}
	return content.JoinRule
}

// defaultAllowed is the rule for every event type without special
// handling: the sender must be joined, hold the required send level,
// and may only touch user-keyed state belonging to themselves.
func (c Checker) defaultAllowed(s *authState, ev event.Event) bool {
	if s.membership(ev.Sender()) != event.MembershipJoin {
		return false
	}
	key, isState := ev.StateKey()
	if s.userLevel(ev.Sender()) < s.requiredLevel(ev.Type(), isState) {
		return false
	}
	if isState && strings.HasPrefix(key, "@") && key != ev.Sender() {
		return false
	}
	return true
}

func (c Checker) memberAllowed(s *authState, ev event.Event, thirdPartyInvite event.Event) (bool, error) {
	target, ok := ev.StateKey()
	if !ok || target == "" {
		return false, nil
	}
	content, err := event.ParseMember(ev.Content())
	if err != nil {
		return false, err
	}

	sender := ev.Sender()
	senderMember := s.membership(sender)
	targetMember := s.membership(target)

	switch content.Membership {
	case event.MembershipJoin:
		if sender != target {
			return false, nil
		}
		// Room genesis: the creator's first join happens before any
		// join rules or memberships exist.
		if sender == s.creator && !s.hasJoinRules() && !s.hasMemberEntry(target) {
			return true, nil
		}
		if targetMember == event.MembershipBan {
			return false, nil
		}
		if targetMember == event.MembershipJoin {
			return true, nil
		}
		switch rule := s.joinRule(); rule {
		case event.JoinRulePublic:
			return true, nil
		case event.JoinRuleInvite:
			return targetMember == event.MembershipInvite, nil
		case event.JoinRuleKnock:
			if !s.v.AllowKnocking {
				return false, nil
			}
			return targetMember == event.MembershipInvite, nil
		case event.JoinRuleRestricted, event.JoinRuleKnockRestricted:
			if !s.v.AllowRestrictedJoins {
				return false, nil
			}
			if rule == event.JoinRuleKnockRestricted && !s.v.AllowKnockRestricted {
				return false, nil
			}
			if targetMember == event.MembershipInvite {
				return true, nil
			}
			// A restricted join rides on a member already in the room
			// holding invite power.
			if via := content.AuthorizedVia; via != "" {
				return s.membership(via) == event.MembershipJoin &&
					s.userLevel(via) >= s.inviteLevel(), nil
			}
			return false, nil
		default:
			// Private and unknown rules admit nobody.
			return false, nil
		}

	case event.MembershipInvite:
		if content.ThirdPartyInvite != nil {
			// Identity-server invites carry a signed token pointing at
			// a third party invite state event. Signature validation
			// happens upstream of resolution.
			if thirdPartyInvite == nil {
				return false, nil
			}
			token, _ := thirdPartyInvite.StateKey()
			if token == "" || token != content.ThirdPartyInvite.Signed.Token {
				return false, nil
			}
			return targetMember != event.MembershipBan, nil
		}
		if senderMember != event.MembershipJoin {
			return false, nil
		}
		if targetMember == event.MembershipJoin || targetMember == event.MembershipBan {
			return false, nil
		}
		return s.userLevel(sender) >= s.inviteLevel(), nil

	case event.MembershipLeave:
		if sender == target {
			switch targetMember {
			case event.MembershipJoin, event.MembershipInvite, event.MembershipKnock:
				return true, nil
			}
			return false, nil
		}
		if senderMember != event.MembershipJoin {
			return false, nil
		}
		senderLevel := s.userLevel(sender)
		if targetMember == event.MembershipBan && senderLevel < s.banLevel() {
			return false, nil
		}
		return senderLevel >= s.kickLevel() && s.userLevel(target) < senderLevel, nil

	case event.MembershipBan:
		if senderMember != event.MembershipJoin {
			return false, nil
		}
		senderLevel := s.userLevel(sender)
		return senderLevel >= s.banLevel() && s.userLevel(target) < senderLevel, nil

	case event.MembershipKnock:
		if !s.v.AllowKnocking || sender != target {
			return false, nil
		}
		switch rule := s.joinRule(); rule {
		case event.JoinRuleKnock:
		case event.JoinRuleKnockRestricted:
			if !s.v.AllowKnockRestricted {
				return false, nil
			}
		default:
			return false, nil
		}
		return targetMember != event.MembershipBan && targetMember != event.MembershipJoin, nil
	}
	return false, nil
}

// powerChangeAllowed gates a power levels change: the sender must pass
// the default rule and, entry by entry, dominate both the old and the
// new value of everything they touch. The first power levels event in
// a room is allowed outright.
func (c Checker) powerChangeAllowed(s *authState, ev event.Event) (bool, error) {
	if !c.defaultAllowed(s, ev) {
		return false, nil
	}
	next, err := event.ParsePowerLevels(ev.Content(), s.v.IntegerPowerLevels)
	if err != nil {
		return false, err
	}
	if s.power == nil {
		return true, nil
	}

	prev := s.power
	senderLevel := s.userLevel(ev.Sender())

	for _, pair := range [][2]int64{
		{prev.Ban, next.Ban},
		{prev.Kick, next.Kick},
		{prev.Invite, next.Invite},
		{prev.Redact, next.Redact},
		{prev.EventsDefault, next.EventsDefault},
		{prev.StateDefault, next.StateDefault},
		{prev.UsersDefault, next.UsersDefault},
	} {
		if pair[0] == pair[1] {
			continue
		}
		if senderLevel < pair[0] || senderLevel < pair[1] {
			return false, nil
		}
	}

	eventTypes := make(map[event.Type]struct{}, len(prev.Events)+len(next.Events))
	for t := range prev.Events {
		eventTypes[t] = struct{}{}
	}
	for t := range next.Events {
		eventTypes[t] = struct{}{}
	}
	for t := range eventTypes {
		prevLevel, prevOk := prev.Events[t]
		nextLevel, nextOk := next.Events[t]
		if prevOk == nextOk && prevLevel == nextLevel {
			continue
		}
		if prevOk && senderLevel < prevLevel {
			return false, nil
		}
		if nextOk && senderLevel < nextLevel {
			return false, nil
		}
	}

	users := make(map[string]struct{}, len(prev.Users)+len(next.Users))
	for user := range prev.Users {
		users[user] = struct{}{}
	}
	for user := range next.Users {
		users[user] = struct{}{}
	}
	for user := range users {
		prevLevel, prevOk := prev.Users[user]
		nextLevel, nextOk := next.Users[user]
		if prevOk == nextOk && prevLevel == nextLevel {
			continue
		}
		// A user may always lower their own level, but touching anyone
		// else requires strictly outranking them.
		if user != ev.Sender() && prevOk && prevLevel >= senderLevel {
			return false, nil
		}
		if nextOk && nextLevel > senderLevel {
			return false, nil
		}
	}
	return true, nil
}

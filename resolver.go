// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package stateres resolves divergent views of a room's state into a
// single canonical state map, identical on every honest server given
// the same inputs.
//
// Resolution is a multi-pass procedure: state is partitioned into
// conflicting and non-conflicting parts, the power-relevant control
// events are extracted and sorted reverse-topologically weighted by
// sender power, the controls are re-authorized in order, the remaining
// conflicted events are sorted by mainline depth and re-authorized on
// top, and finally the unconflicted state is merged back in.
package stateres

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/log"
	"github.com/luxfi/stateres/authrules"
	"github.com/luxfi/stateres/event"
	"github.com/luxfi/stateres/utils/bag"
	"github.com/luxfi/stateres/utils/set"
	"github.com/luxfi/stateres/version"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/maps"
)

// Source supplies events to the resolver. It is treated as a pure,
// idempotent read-through function; the resolver may ask for the same
// ID repeatedly and assumes consistent answers within one resolution.
type Source interface {
	// GetEvent returns the event with the given ID, or an error
	// wrapping ErrEventNotFound if the source does not hold it.
	GetEvent(ctx context.Context, id event.ID) (event.Event, error)
	// HasEvent reports whether the source holds the given ID.
	HasEvent(ctx context.Context, id event.ID) (bool, error)
}

// StateAt looks up a state entry inside an assembled auth context. A
// nil result means the entry is absent.
type StateAt = func(t event.Type, key string) event.Event

// Authorizer is the black-box authorization contract: given a candidate
// event and a resolved auth context, accept or reject it.
type Authorizer interface {
	// TypesNeededForAuth enumerates the state entries required to
	// authorize the given event.
	TypesNeededForAuth(ev event.Event) ([]event.StateKey, error)
	// Check reports whether ev is allowed by the auth context. A false
	// return is a rejection, not an error; errors are reserved for
	// malformed content.
	Check(v version.RoomVersion, ev event.Event, thirdPartyInvite event.Event, stateAt StateAt) (bool, error)
}

var (
	errNilLog        = errors.New("log must be set")
	errNilRegisterer = errors.New("registerer must be set")
	errNilAuth       = errors.New("authorizer must be set")
)

// Config carries the resolver's collaborators.
type Config struct {
	Log        log.Logger
	Registerer prometheus.Registerer

	// Auth overrides the stock authorization rules. Nil selects
	// authrules.Checker.
	Auth Authorizer
}

// WithDefaults returns a copy of the config with unset collaborators
// replaced by the stock ones: a no-op logger, a private metrics
// registry and authrules.Checker.
func (c Config) WithDefaults() Config {
	if c.Log == nil {
		c.Log = log.NewNoOpLogger()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	if c.Auth == nil {
		c.Auth = authrules.Checker{}
	}
	return c
}

// Valid validates the configuration
func (c Config) Valid() error {
	switch {
	case c.Log == nil:
		return errNilLog
	case c.Registerer == nil:
		return errNilRegisterer
	case c.Auth == nil:
		return errNilAuth
	}
	return nil
}

// Resolver computes canonical room state from divergent state sets.
// A Resolver is stateless between calls and safe for concurrent use.
type Resolver struct {
	log     log.Logger
	metrics *resolverMetrics
	auth    Authorizer
}

// New creates a Resolver.
func New(cfg Config) (*Resolver, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	metrics, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		log:     cfg.Log,
		metrics: metrics,
		auth:    cfg.Auth,
	}, nil
}

// Resolve reconciles the given state sets into one state map.
//
// Each state set represents one server's view of the room; the
// matching entry of authChainSets must hold the full auth chain of
// that view. All events must belong to the same room; the resolver
// does not revalidate this.
//
// When the state sets have no conflicting entries the merged map is
// returned immediately and src is never consulted.
func (r *Resolver) Resolve(
	ctx context.Context,
	roomVersion string,
	stateSets []event.StateMap[event.ID],
	authChainSets []set.Set[event.ID],
	src Source,
) (event.StateMap[event.ID], error) {
	start := time.Now()
	r.metrics.resolutions.Inc()
	r.log.Debug("state resolution starting",
		zap.Int("stateSets", len(stateSets)),
	)

	clean, conflicted := separate(stateSets)
	if len(conflicted) == 0 {
		r.log.Debug("no conflicting state found")
		return clean, nil
	}
	r.metrics.conflicted.Add(float64(len(conflicted)))
	r.log.Debug("conflicting state found",
		zap.Int("unconflicted", len(clean)),
		zap.Int("conflicted", len(conflicted)),
	)

	v, err := version.New(roomVersion)
	if err != nil {
		return nil, err
	}

	// The full conflicted set is the auth chain difference plus every
	// conflicted value, keeping only events the source can verify.
	diff := authChainDiff(authChainSets)
	for _, ids := range conflicted {
		diff = append(diff, ids...)
	}
	fullConflicted := set.NewSet[event.ID](len(diff))
	for _, id := range diff {
		if fullConflicted.Contains(id) {
			continue
		}
		ok, err := src.HasEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			fullConflicted.Add(id)
		}
	}
	r.log.Debug("full conflicted set",
		zap.Int("count", fullConflicted.Len()),
	)

	var controls []event.ID
	for id := range fullConflicted {
		ev, err := src.GetEvent(ctx, id)
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				continue
			}
			return nil, err
		}
		if isPowerEvent(ev) {
			controls = append(controls, id)
		}
	}

	sortedControls, err := r.sortControlEvents(ctx, controls, fullConflicted, src)
	if err != nil {
		return nil, err
	}
	r.log.Debug("sorted control events",
		zap.Int("count", len(sortedControls)),
	)

	resolved, err := r.iterativeAuthCheck(ctx, v, sortedControls, maps.Clone(clean), src)
	if err != nil {
		return nil, err
	}

	// Subtract the pre-auth control set so that control events
	// rejected above are not re-checked during the mainline pass.
	controlSet := set.Of(sortedControls...)
	var rest []event.ID
	for id := range fullConflicted {
		if !controlSet.Contains(id) {
			rest = append(rest, id)
		}
	}

	powerTip := resolved[event.StateKey{Type: event.PowerLevels, Key: ""}]
	sortedRest, err := r.mainlineSort(ctx, rest, powerTip, src)
	if err != nil {
		return nil, err
	}
	r.log.Debug("sorted remaining events",
		zap.Int("count", len(sortedRest)),
		zap.String("powerTip", string(powerTip)),
	)

	resolved, err = r.iterativeAuthCheck(ctx, v, sortedRest, resolved, src)
	if err != nil {
		return nil, err
	}

	// The unconflicted state wins any tie introduced by the auth
	// passes.
	for key, id := range clean {
		resolved[key] = id
	}

	r.metrics.duration.Observe(time.Since(start).Seconds())
	r.log.Debug("state resolution finished",
		zap.Int("entries", len(resolved)),
	)
	return resolved, nil
}

// separate splits per-key state across the input state maps into
// unconflicted and conflicted halves. A key is unconflicted only when
// every input holds it with the same value; a key missing from some
// input is conflicted even if no two inputs disagree on a concrete ID.
func separate(stateSets []event.StateMap[event.ID]) (event.StateMap[event.ID], event.StateMap[[]event.ID]) {
	keys := set.Set[event.StateKey]{}
	for _, stateSet := range stateSets {
		for key := range stateSet {
			keys.Add(key)
		}
	}

	clean := event.StateMap[event.ID]{}
	conflicted := event.StateMap[[]event.ID]{}
	for key := range keys {
		ids := make([]event.ID, 0, len(stateSets))
		agreed := true
		for _, stateSet := range stateSets {
			id, ok := stateSet[key]
			if !ok {
				agreed = false
				continue
			}
			if len(ids) > 0 && id != ids[0] {
				agreed = false
			}
			ids = append(ids, id)
		}
		if agreed && len(ids) == len(stateSets) {
			clean[key] = ids[0]
		} else {
			conflicted[key] = ids
		}
	}
	return clean, conflicted
}

// authChainDiff returns the IDs present in at least one auth chain but
// not all of them. Emission order is unspecified.
func authChainDiff(authChainSets []set.Set[event.ID]) []event.ID {
	counts := bag.New[event.ID]()
	for _, chain := range authChainSets {
		for id := range chain {
			counts.Add(id)
		}
	}
	return counts.Below(len(authChainSets))
}

// isPowerEvent classifies ev as a control event: power levels, join
// rules or create with an empty state key, or a leave/ban imposed on a
// third party. A self-leave is not a control event.
func isPowerEvent(ev event.Event) bool {
	switch ev.Type() {
	case event.PowerLevels, event.JoinRules, event.Create:
		key, ok := ev.StateKey()
		return ok && key == ""
	case event.Member:
		content, err := event.ParseMember(ev.Content())
		if err != nil {
			return false
		}
		if content.Membership == event.MembershipLeave || content.Membership == event.MembershipBan {
			key, ok := ev.StateKey()
			return !ok || key != ev.Sender()
		}
	}
	return false
}

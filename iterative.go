// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stateres

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/luxfi/stateres/event"
	"github.com/luxfi/stateres/version"
)

// iterativeAuthCheck applies the events in order on top of resolved,
// re-authorizing each against its declared auth parents overlaid with
// the currently resolved state. Accepted events are threaded into the
// map; rejected events are logged and dropped without failing the
// resolution. The resolved map is
// mutated and returned.
func (r *Resolver) iterativeAuthCheck(
	ctx context.Context,
	v version.RoomVersion,
	order []event.ID,
	resolved event.StateMap[event.ID],
	src Source,
) (event.StateMap[event.ID], error) {
	for _, id := range order {
		ev, err := src.GetEvent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", id, err)
		}
		key, ok := event.Key(ev)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no state key", ErrInvalidEvent, id)
		}

		authContext := event.StateMap[event.Event]{}
		for _, aid := range ev.AuthEvents() {
			aev, err := src.GetEvent(ctx, aid)
			if err != nil {
				if errors.Is(err, ErrEventNotFound) {
					r.log.Warn("missing auth event",
						zap.String("eventID", string(aid)),
					)
					continue
				}
				return nil, err
			}
			akey, ok := event.Key(aev)
			if !ok {
				return nil, fmt.Errorf("%w: auth event %s has no state key", ErrInvalidEvent, aid)
			}
			authContext[akey] = aev
		}

		// Overlay the currently resolved state: for every entry the
		// event needs to be authorized, the resolved value takes
		// precedence over the event's declared auth parent.
		needed, err := r.auth.TypesNeededForAuth(ev)
		if err != nil {
			return nil, err
		}
		for _, nk := range needed {
			rid, ok := resolved[nk]
			if !ok {
				continue
			}
			rev, err := src.GetEvent(ctx, rid)
			if err != nil {
				if errors.Is(err, ErrEventNotFound) {
					continue
				}
				return nil, err
			}
			authContext[nk] = rev
		}

		var thirdPartyInvite event.Event
		for _, aev := range authContext {
			if aev.Type() == event.ThirdPartyInvite {
				thirdPartyInvite = aev
				break
			}
		}

		stateAt := func(t event.Type, key string) event.Event {
			if ev, ok := authContext[event.StateKey{Type: t, Key: key}]; ok {
				return ev
			}
			return nil
		}

		allowed, err := r.auth.Check(v, ev, thirdPartyInvite, stateAt)
		if err != nil {
			return nil, err
		}
		if !allowed {
			r.log.Warn("event failed authorization",
				zap.String("eventID", string(id)),
			)
			r.metrics.rejected.Inc()
			continue
		}
		resolved[key] = id
	}
	return resolved, nil
}

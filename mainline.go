// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stateres

import (
	"context"
	"fmt"
	"sort"

	"github.com/luxfi/stateres/event"
)

// mainlineSort orders the remaining conflicted events by the mainline
// depth of their closest power levels ancestor, then timestamp, then
// event ID. powerTip is the resolved power levels event; when empty,
// every event has depth zero and the order collapses to (timestamp,
// id).
func (r *Resolver) mainlineSort(
	ctx context.Context,
	toSort []event.ID,
	powerTip event.ID,
	src Source,
) ([]event.ID, error) {
	if len(toSort) == 0 {
		return nil, nil
	}

	// The mainline is the chain of power levels events reached by
	// following each one's auth parents back from the tip. The oldest
	// link has depth zero.
	var mainline []event.ID
	for at := powerTip; at != ""; {
		mainline = append(mainline, at)
		ev, err := src.GetEvent(ctx, at)
		if err != nil {
			return nil, fmt.Errorf("fetching mainline event %s: %w", at, err)
		}
		at = ""
		for _, aid := range ev.AuthEvents() {
			aev, err := src.GetEvent(ctx, aid)
			if err != nil {
				return nil, fmt.Errorf("fetching mainline parent %s: %w", aid, err)
			}
			if event.IsType(aev, event.PowerLevels, "") {
				at = aid
				break
			}
		}
	}
	depths := make(map[event.ID]int, len(mainline))
	for i, id := range mainline {
		depths[id] = len(mainline) - 1 - i
	}

	type mainlineOrder struct {
		depth     int
		timestamp int64
		id        event.ID
	}
	order := make([]mainlineOrder, 0, len(toSort))
	for _, id := range toSort {
		ev, err := src.GetEvent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", id, err)
		}
		depth, err := r.mainlineDepth(ctx, ev, depths, src)
		if err != nil {
			return nil, err
		}
		order = append(order, mainlineOrder{
			depth:     depth,
			timestamp: ev.Timestamp(),
			id:        id,
		})
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].depth != order[j].depth {
			return order[i].depth < order[j].depth
		}
		if order[i].timestamp != order[j].timestamp {
			return order[i].timestamp < order[j].timestamp
		}
		return order[i].id < order[j].id
	})

	sorted := make([]event.ID, len(order))
	for i, entry := range order {
		sorted[i] = entry.id
	}
	return sorted, nil
}

// mainlineDepth walks the power levels ancestry of ev until it reaches
// an event on the mainline and returns that event's depth. An event
// with no mainline ancestor has depth zero.
func (r *Resolver) mainlineDepth(
	ctx context.Context,
	ev event.Event,
	depths map[event.ID]int,
	src Source,
) (int, error) {
	for ev != nil {
		if depth, ok := depths[ev.ID()]; ok {
			return depth, nil
		}
		var next event.Event
		for _, aid := range ev.AuthEvents() {
			aev, err := src.GetEvent(ctx, aid)
			if err != nil {
				return 0, fmt.Errorf("fetching mainline ancestor %s: %w", aid, err)
			}
			if event.IsType(aev, event.PowerLevels, "") {
				next = aev
				break
			}
		}
		ev = next
	}
	return 0, nil
}

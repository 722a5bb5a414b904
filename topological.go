// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stateres

import (
	"container/heap"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/luxfi/stateres/event"
	"github.com/luxfi/stateres/utils/set"
)

// sortControlEvents orders the control events from earliest to latest:
// a reverse topological sort over the auth DAG restricted to authDiff,
// tie-broken by the sender's power level, the origin timestamp and the
// event ID.
func (r *Resolver) sortControlEvents(
	ctx context.Context,
	controls []event.ID,
	authDiff set.Set[event.ID],
	src Source,
) ([]event.ID, error) {
	graph := make(map[event.ID]set.Set[event.ID], len(controls))
	for _, id := range controls {
		if err := addAuthChainToGraph(ctx, graph, id, authDiff, src); err != nil {
			return nil, err
		}
	}

	levels := make(map[event.ID]int64, len(graph))
	for id := range graph {
		level, err := r.senderPowerLevel(ctx, id, src)
		if err != nil {
			return nil, err
		}
		r.log.Verbo("sender power level",
			zap.String("eventID", string(id)),
			zap.Int64("level", level),
		)
		levels[id] = level
	}

	return LexicographicalTopologicalSort(graph, func(id event.ID) (int64, int64, error) {
		level, ok := levels[id]
		if !ok {
			return 0, 0, fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		ev, err := src.GetEvent(ctx, id)
		if err != nil {
			return 0, 0, fmt.Errorf("fetching %s: %w", id, err)
		}
		return level, ev.Timestamp(), nil
	})
}

// addAuthChainToGraph walks auth parents from seed, following only
// edges whose target lies in authDiff. The seed is always inserted even
// if it has no in-diff parents.
func addAuthChainToGraph(
	ctx context.Context,
	graph map[event.ID]set.Set[event.ID],
	seed event.ID,
	authDiff set.Set[event.ID],
	src Source,
) error {
	frontier := []event.ID{seed}
	for len(frontier) > 0 {
		eid := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if _, ok := graph[eid]; !ok {
			graph[eid] = set.Set[event.ID]{}
		}

		ev, err := src.GetEvent(ctx, eid)
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				continue
			}
			return err
		}
		for _, aid := range ev.AuthEvents() {
			if !authDiff.Contains(aid) {
				continue
			}
			if _, ok := graph[aid]; !ok {
				frontier = append(frontier, aid)
			}
			edges := graph[eid]
			edges.Add(aid)
		}
	}
	return nil
}

// senderPowerLevel finds the power level of the sender of id at that
// event's position: the closest power levels event among its auth
// parents, defaulting to zero when there is none. This level is used
// only for sorting, never for authorization.
func (r *Resolver) senderPowerLevel(ctx context.Context, id event.ID, src Source) (int64, error) {
	ev, err := src.GetEvent(ctx, id)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			return 0, nil
		}
		return 0, err
	}

	var powerEvent event.Event
	for _, aid := range ev.AuthEvents() {
		aev, err := src.GetEvent(ctx, aid)
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				continue
			}
			return 0, err
		}
		if event.IsType(aev, event.PowerLevels, "") {
			powerEvent = aev
			break
		}
	}
	if powerEvent == nil {
		return 0, nil
	}

	content, err := event.ParsePowerLevels(powerEvent.Content(), false)
	if err != nil {
		return 0, err
	}
	return content.UserLevel(ev.Sender()), nil
}

// sortNode is a heap entry ordered by (-power, timestamp, id)
// ascending, so higher power sorts earlier.
type sortNode struct {
	power     int64
	timestamp int64
	id        event.ID
}

type sortHeap []sortNode

func (h sortHeap) Len() int { return len(h) }

func (h sortHeap) Less(i, j int) bool {
	if h[i].power != h[j].power {
		return h[i].power > h[j].power
	}
	if h[i].timestamp != h[j].timestamp {
		return h[i].timestamp < h[j].timestamp
	}
	return h[i].id < h[j].id
}

func (h sortHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *sortHeap) Push(x any) {
	*h = append(*h, x.(sortNode))
}

func (h *sortHeap) Pop() any {
	old := *h
	n := len(old)
	node := old[n-1]
	*h = old[:n-1]
	return node
}

// LexicographicalTopologicalSort returns a total order of graph that
// respects its edges: ancestors precede descendants. The graph maps
// each event to its auth parents; a node with no outgoing edges has no
// older ancestor and is emitted first. Ties are broken by the key
// function's (powerLevel, timestamp) pair - higher power first, then
// older timestamp, then event ID - making the order deterministic.
//
// Kahn's algorithm over outdegree: the DAG's natural direction points
// each event at its auth parents, which puts the oldest events at the
// leaves. Draining zero-outdegree nodes therefore yields a stable
// earliest-first order.
func LexicographicalTopologicalSort(
	graph map[event.ID]set.Set[event.ID],
	key func(event.ID) (powerLevel int64, timestamp int64, err error),
) ([]event.ID, error) {
	outdegree := make(map[event.ID]set.Set[event.ID], len(graph))
	reverse := make(map[event.ID]set.Set[event.ID], len(graph))
	for node, edges := range graph {
		outdegree[node] = edges.Clone()
		if _, ok := reverse[node]; !ok {
			reverse[node] = set.Set[event.ID]{}
		}
		for edge := range edges {
			if _, ok := reverse[edge]; !ok {
				reverse[edge] = set.Set[event.ID]{}
			}
			citers := reverse[edge]
			citers.Add(node)
		}
	}

	h := &sortHeap{}
	heap.Init(h)
	for node, edges := range outdegree {
		if edges.Len() > 0 {
			continue
		}
		power, timestamp, err := key(node)
		if err != nil {
			return nil, err
		}
		heap.Push(h, sortNode{power: power, timestamp: timestamp, id: node})
	}

	sorted := make([]event.ID, 0, len(graph))
	for h.Len() > 0 {
		node := heap.Pop(h).(sortNode)
		sorted = append(sorted, node.id)

		// The popped node no longer blocks the events that cite it;
		// any of them left without unsorted ancestors becomes ready.
		for parent := range reverse[node.id] {
			out := outdegree[parent]
			out.Remove(node.id)
			if out.Len() > 0 {
				continue
			}
			power, timestamp, err := key(parent)
			if err != nil {
				return nil, err
			}
			heap.Push(h, sortNode{power: power, timestamp: timestamp, id: parent})
		}
	}

	if len(sorted) != len(graph) {
		return nil, fmt.Errorf("%w: sorted %d of %d events", ErrMalformedGraph, len(sorted), len(graph))
	}
	return sorted, nil
}

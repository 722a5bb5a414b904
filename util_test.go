// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stateres

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"

	"github.com/luxfi/stateres/authrules"
	"github.com/luxfi/stateres/event"
	"github.com/luxfi/stateres/utils/set"
)

const (
	alice   = "@alice:test"
	bob     = "@bob:test"
	charlie = "@charlie:test"
	ella    = "@ella:test"
	zara    = "@zara:test"
)

func eid(name string) event.ID {
	return event.ID("$" + name + ":test")
}

func joinContent() string  { return `{"membership":"join"}` }
func banContent() string   { return `{"membership":"ban"}` }
func leaveContent() string { return `{"membership":"leave"}` }

func newTestResolver(t *testing.T) *Resolver {
	r, err := New(Config{
		Log:        log.NewNoOpLogger(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return r
}

// eventBuilder stamps events with monotonically increasing timestamps
// so fixtures are deterministic.
type eventBuilder struct {
	ts int64
}

func (b *eventBuilder) next() int64 {
	b.ts++
	return b.ts
}

// state builds a state event named after its short fixture name.
func (b *eventBuilder) state(name, sender string, kind event.Type, stateKey, content string, auth ...string) *event.Record {
	authIDs := make([]event.ID, len(auth))
	for i, a := range auth {
		authIDs[i] = eid(a)
	}
	key := stateKey
	return &event.Record{
		EventID:  eid(name),
		Kind:     kind,
		Key:      &key,
		User:     sender,
		Body:     []byte(content),
		Auth:     authIDs,
		OriginTS: b.next(),
	}
}

// initialEvents is the shared room genesis every scenario builds on:
// creation, the creator joining, initial power levels and join rules,
// two more members, and two topic markers anchoring the fork points.
func initialEvents(b *eventBuilder) []*event.Record {
	return []*event.Record{
		b.state("CREATE", alice, event.Create, "", fmt.Sprintf(`{"creator":%q}`, alice)),
		b.state("IMA", alice, event.Member, alice, joinContent(), "CREATE"),
		b.state("IPOWER", alice, event.PowerLevels, "", fmt.Sprintf(`{"users":{%q:100}}`, alice), "CREATE", "IMA"),
		b.state("IJR", alice, event.JoinRules, "", `{"join_rule":"public"}`, "CREATE", "IMA", "IPOWER"),
		b.state("IMB", bob, event.Member, bob, joinContent(), "CREATE", "IJR", "IPOWER"),
		b.state("IMC", charlie, event.Member, charlie, joinContent(), "CREATE", "IJR", "IPOWER"),
		b.state("START", zara, event.Topic, "", `{}`, "CREATE", "IMA", "IPOWER"),
		b.state("END", zara, event.Topic, "", `{}`, "CREATE", "IMA", "IPOWER"),
	}
}

// initialEdges chains the genesis events; scenario edge lists splice
// their forks in between START and END.
func initialEdges() []string {
	return []string{"START", "IMC", "IMB", "IJR", "IPOWER", "IMA", "CREATE"}
}

// testStore is an in-memory event map mirroring what a server holds
// locally, with an auth chain walker for building resolver inputs.
type testStore struct {
	events map[event.ID]*event.Record
}

func newTestStore(records ...*event.Record) *testStore {
	s := &testStore{events: make(map[event.ID]*event.Record)}
	s.put(records...)
	return s
}

func (s *testStore) put(records ...*event.Record) {
	for _, record := range records {
		s.events[record.EventID] = record
	}
}

func (s *testStore) GetEvent(_ context.Context, id event.ID) (event.Event, error) {
	record, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return record, nil
}

func (s *testStore) HasEvent(_ context.Context, id event.ID) (bool, error) {
	_, ok := s.events[id]
	return ok, nil
}

// authChain returns the IDs transitively reachable through auth events
// from the given state values.
func (s *testStore) authChain(ids []event.ID) set.Set[event.ID] {
	chain := set.Set[event.ID]{}
	frontier := append([]event.ID{}, ids...)
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		record, ok := s.events[id]
		if !ok {
			continue
		}
		for _, aid := range record.Auth {
			if chain.Contains(aid) {
				continue
			}
			chain.Add(aid)
			frontier = append(frontier, aid)
		}
	}
	return chain
}

// stateSetChains builds the per-state-set auth chains the resolver
// expects alongside the state sets themselves.
func (s *testStore) stateSetChains(stateSets []event.StateMap[event.ID]) []set.Set[event.ID] {
	chains := make([]set.Set[event.ID], len(stateSets))
	for i, stateSet := range stateSets {
		chains[i] = s.authChain(maps.Values(stateSet))
	}
	return chains
}

// doCheck replays a scenario: it splices the scenario events into the
// genesis DAG along the given prev-event edges, computes the state and
// auth events of every node in topological order (resolving state
// whenever a node has multiple prev events), then resolves the fork
// state at END and compares the entries touched by the scenario
// against the expected winners.
func doCheck(t *testing.T, scenario []*event.Record, edges [][]string, expected []string) {
	require := require.New(t)
	ctx := context.Background()

	protos := make(map[event.ID]*event.Record)
	genesis := &eventBuilder{}
	for _, ev := range initialEvents(genesis) {
		protos[ev.EventID] = ev
	}
	for _, ev := range scenario {
		protos[ev.EventID] = ev
	}

	graph := map[event.ID]set.Set[event.ID]{}
	addChain := func(chain []string) {
		for i := 0; i+1 < len(chain); i++ {
			node, prev := eid(chain[i]), eid(chain[i+1])
			if _, ok := graph[node]; !ok {
				graph[node] = set.Set[event.ID]{}
			}
			if _, ok := graph[prev]; !ok {
				graph[prev] = set.Set[event.ID]{}
			}
			prevs := graph[node]
			prevs.Add(prev)
		}
	}
	addChain(initialEdges())
	for _, chain := range edges {
		addChain(chain)
	}

	ordered, err := LexicographicalTopologicalSort(graph, func(event.ID) (int64, int64, error) {
		return 0, 0, nil
	})
	require.NoError(err)

	resolver := newTestResolver(t)
	src := newTestStore()
	auth := authrules.Checker{}
	clock := &eventBuilder{}
	stateAfter := make(map[event.ID]event.StateMap[event.ID])
	var endState event.StateMap[event.ID]

	for _, id := range ordered {
		proto, ok := protos[id]
		require.True(ok, "edge references unknown event %s", id)

		prevs := graph[id].List()
		sort.Slice(prevs, func(i, j int) bool { return prevs[i] < prevs[j] })

		var before event.StateMap[event.ID]
		switch len(prevs) {
		case 0:
			before = event.StateMap[event.ID]{}
		case 1:
			before = maps.Clone(stateAfter[prevs[0]])
		default:
			stateSets := make([]event.StateMap[event.ID], len(prevs))
			for i, prev := range prevs {
				stateSets[i] = stateAfter[prev]
			}
			before, err = resolver.Resolve(ctx, "6", stateSets, src.stateSetChains(stateSets), src)
			require.NoError(err)
		}

		record := &event.Record{
			EventID:  proto.EventID,
			Kind:     proto.Kind,
			Key:      proto.Key,
			User:     proto.User,
			Body:     proto.Body,
			OriginTS: clock.next(),
		}
		needed, err := auth.TypesNeededForAuth(record)
		require.NoError(err)
		for _, key := range needed {
			if aid, ok := before[key]; ok {
				record.Auth = append(record.Auth, aid)
			}
		}
		src.put(record)

		after := maps.Clone(before)
		if key, ok := event.Key(record); ok {
			after[key] = record.EventID
		}
		stateAfter[id] = after
		if id == eid("END") {
			endState = before
		}
	}
	require.NotNil(endState, "scenario edges never reached END")

	touched := set.Set[event.StateKey]{}
	for _, proto := range scenario {
		if key, ok := event.Key(proto); ok {
			touched.Add(key)
		}
	}
	actual := event.StateMap[event.ID]{}
	for key, id := range endState {
		if touched.Contains(key) {
			actual[key] = id
		}
	}

	expectedState := event.StateMap[event.ID]{}
	for _, name := range expected {
		proto, ok := protos[eid(name)]
		require.True(ok, "expected event %s not in scenario", name)
		key, ok := event.Key(proto)
		require.True(ok)
		expectedState[key] = proto.EventID
	}
	require.Equal(expectedState, actual)
}

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/stateres"
	"github.com/luxfi/stateres/event"
)

func testRecord(name string) *event.Record {
	key := ""
	return &event.Record{
		EventID:  event.ID("$" + name + ":test"),
		Kind:     event.Topic,
		Key:      &key,
		User:     "@alice:test",
		Body:     []byte(`{}`),
		Auth:     []event.ID{"$CREATE:test"},
		OriginTS: 42,
	}
}

func TestMemory(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	s := NewMemory()
	record := testRecord("T1")
	s.PutEvent(record)
	require.Equal(1, s.Len())

	ev, err := s.GetEvent(ctx, record.EventID)
	require.NoError(err)
	require.Equal(record.EventID, ev.ID())

	ok, err := s.HasEvent(ctx, record.EventID)
	require.NoError(err)
	require.True(ok)

	_, err = s.GetEvent(ctx, "$missing:test")
	require.ErrorIs(err, stateres.ErrEventNotFound)

	ok, err = s.HasEvent(ctx, "$missing:test")
	require.NoError(err)
	require.False(ok)
}

func TestDB(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	room := ids.GenerateTestID()
	s := NewDB(memdb.New(), room, nil)

	record := testRecord("T1")
	require.NoError(s.PutEvent(ctx, record))

	ev, err := s.GetEvent(ctx, record.EventID)
	require.NoError(err)
	require.Equal(record.EventID, ev.ID())
	require.Equal(record.User, ev.Sender())
	require.Equal(record.Auth, ev.AuthEvents())
	require.Equal(record.OriginTS, ev.Timestamp())
	key, ok := ev.StateKey()
	require.True(ok)
	require.Equal("", key)

	ok, err = s.HasEvent(ctx, record.EventID)
	require.NoError(err)
	require.True(ok)

	_, err = s.GetEvent(ctx, "$missing:test")
	require.ErrorIs(err, stateres.ErrEventNotFound)

	ok, err = s.HasEvent(ctx, "$missing:test")
	require.NoError(err)
	require.False(ok)
}

// TestDBRoomNamespacing checks that two rooms sharing one database do
// not see each other's events.
func TestDBRoomNamespacing(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	db := memdb.New()
	a := NewDB(db, ids.GenerateTestID(), nil)
	b := NewDB(db, ids.GenerateTestID(), nil)

	record := testRecord("T1")
	require.NoError(a.PutEvent(ctx, record))

	ok, err := a.HasEvent(ctx, record.EventID)
	require.NoError(err)
	require.True(ok)

	ok, err = b.HasEvent(ctx, record.EventID)
	require.NoError(err)
	require.False(ok)
}

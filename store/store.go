// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store provides event sources backing the resolver: an
// in-memory map for tests and small rooms, and a database-backed store
// for persisted federation history.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/stateres"
	"github.com/luxfi/stateres/event"
)

var (
	_ stateres.Source = (*Memory)(nil)
	_ stateres.Source = (*DB)(nil)
)

// Memory is an in-memory event source.
type Memory struct {
	mu     sync.RWMutex
	events map[event.ID]*event.Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events: make(map[event.ID]*event.Record),
	}
}

// PutEvent stores the given events, overwriting prior versions.
func (s *Memory) PutEvent(records ...*event.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		s.events[record.EventID] = record
	}
}

func (s *Memory) GetEvent(_ context.Context, id event.ID) (event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", stateres.ErrEventNotFound, id)
	}
	return record, nil
}

func (s *Memory) HasEvent(_ context.Context, id event.ID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[id]
	return ok, nil
}

// Len returns the number of stored events.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// DB is a database-backed event source. Events round-trip through
// canonical JSON and are namespaced under the room identifier so one
// database can hold many rooms.
type DB struct {
	db   database.Database
	room ids.ID
	log  log.Logger
}

// NewDB creates a store for one room on top of db.
func NewDB(db database.Database, room ids.ID, logger log.Logger) *DB {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &DB{
		db:   db,
		room: room,
		log:  logger,
	}
}

func (s *DB) key(id event.ID) []byte {
	key := make([]byte, 0, len(s.room)+len(id))
	key = append(key, s.room[:]...)
	return append(key, id...)
}

// PutEvent persists the given event.
func (s *DB) PutEvent(_ context.Context, record *event.Record) error {
	bytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", record.EventID, err)
	}
	if err := s.db.Put(s.key(record.EventID), bytes); err != nil {
		return fmt.Errorf("persisting event %s: %w", record.EventID, err)
	}
	s.log.Verbo("persisted event",
		zap.Stringer("roomID", s.room),
		zap.String("eventID", string(record.EventID)),
	)
	return nil
}

func (s *DB) GetEvent(_ context.Context, id event.ID) (event.Event, error) {
	bytes, err := s.db.Get(s.key(id))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", stateres.ErrEventNotFound, id)
		}
		return nil, err
	}
	record := &event.Record{}
	if err := json.Unmarshal(bytes, record); err != nil {
		return nil, fmt.Errorf("decoding event %s: %w", id, err)
	}
	return record, nil
}

func (s *DB) HasEvent(_ context.Context, id event.ID) (bool, error) {
	return s.db.Has(s.key(id))
}

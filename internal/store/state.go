package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orgdeploy-io/orgdeploy/internal/logging"
	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

// StateFilename is the object key of the persisted package state.
const StateFilename = "state.json"

type stateEntry struct {
	Deployment   model.Key           `json:"Deployment"`
	CurrentState *model.CurrentState `json:"CurrentState"`
}

type stateDocument struct {
	Deployments []stateEntry `json:"Deployments"`
}

// StateStore holds the persisted deployment records of one package and
// writes them back to the object store when they change. Mutations are
// confined to the supervisor; the auto-save goroutine only reads.
type StateStore struct {
	mu        sync.Mutex
	objects   ObjectStore
	data      map[model.Key]*model.CurrentState
	lastSaved []byte
	stop      chan struct{}
	stopOnce  sync.Once
}

// LoadState reads state.json from the object store. An absent object
// yields an empty state.
func LoadState(ctx context.Context, objects ObjectStore) (*StateStore, error) {
	s := &StateStore{
		objects: objects,
		data:    map[model.Key]*model.CurrentState{},
		stop:    make(chan struct{}),
	}
	body, err := objects.Get(ctx, StateFilename)
	if err != nil && !errors.Is(err, ErrNotExist) {
		return nil, fmt.Errorf("failed to load the package state: %w", err)
	}
	if err == nil {
		var doc stateDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("the package state is malformed: %w", err)
		}
		for _, entry := range doc.Deployments {
			s.data[entry.Deployment] = entry.CurrentState
		}
	}
	s.lastSaved = s.serialize()
	return s, nil
}

// Get returns the record for a key. Callers must not mutate it.
func (s *StateStore) Get(key model.Key) (*model.CurrentState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.data[key]
	return cs, ok
}

// Set records the current state of a deployment.
func (s *StateStore) Set(key model.Key, cs *model.CurrentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = cs
}

// Delete removes the record of a destroyed deployment.
func (s *StateStore) Delete(key model.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Keys returns every recorded deployment key, sorted.
func (s *StateStore) Keys() []model.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]model.Key, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Snapshot returns a copy of the state map.
func (s *StateStore) Snapshot() map[model.Key]*model.CurrentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[model.Key]*model.CurrentState, len(s.data))
	for key, cs := range s.data {
		snapshot[key] = cs
	}
	return snapshot
}

// Len returns the number of recorded deployments.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// serialize renders the state document with deterministic ordering so
// that unchanged state compares equal. Callers must hold mu.
func (s *StateStore) serialize() []byte {
	keys := make([]model.Key, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	doc := stateDocument{Deployments: []stateEntry{}}
	for _, key := range keys {
		doc.Deployments = append(doc.Deployments, stateEntry{Deployment: key, CurrentState: s.data[key]})
	}
	body, _ := json.MarshalIndent(doc, "", "    ")
	return body
}

// Save writes the state to the object store if it changed since the
// last save. It reports whether a write happened.
func (s *StateStore) Save(ctx context.Context) (bool, error) {
	s.mu.Lock()
	body := s.serialize()
	if bytes.Equal(body, s.lastSaved) {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	logging.Debug("saving the package state")
	if err := s.objects.Put(ctx, StateFilename, body); err != nil {
		return false, err
	}
	s.mu.Lock()
	s.lastSaved = body
	s.mu.Unlock()
	return true, nil
}

// StartAutoSave checkpoints the state every period until Stop is
// called. Failures are logged and never terminate the loop.
func (s *StateStore) StartAutoSave(ctx context.Context, period time.Duration) {
	if period <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Save(ctx); err != nil {
					logging.Error("failed to checkpoint the package state", "error", err)
				}
			}
		}
	}()
}

// Stop halts the auto-save goroutine.
func (s *StateStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskmanager

import (
	"sort"
	"sync"
)

// InMemoryStore is a simple in-memory history store.
// It implements the Store interface.
type InMemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*TaskInfo
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks: make(map[string]*TaskInfo),
	}
}

// Start fails records that were still active.
func (st *InMemoryStore) Start() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, t := range st.tasks {
		if t.State.IsActive() {
			t.State = Failed
			t.Code = ReasonOthersError
			t.Reason = ReasonOthersError.String()
		}
	}
	return nil
}

// Create adds a new record.
func (st *InMemoryStore) Create(t *TaskInfo) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	c := *t
	st.tasks[t.ID] = &c
	return nil
}

// Update replaces the record.
func (st *InMemoryStore) Update(t *TaskInfo) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.tasks[t.ID]; !found {
		return ErrNotFound
	}
	c := *t
	st.tasks[t.ID] = &c
	return nil
}

// Lookup returns the record with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Lookup(id string) (*TaskInfo, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	t, found := st.tasks[id]
	if !found {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

// List finds matching records.
func (st *InMemoryStore) List(req *ListRequest) (*ListResponse, error) {
	st.mu.Lock()
	var matches []*TaskInfo
	for _, t := range st.tasks {
		if req.Match(t) {
			c := *t
			matches = append(matches, &c)
		}
	}
	st.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Created != matches[j].Created {
			return matches[i].Created > matches[j].Created
		}
		return matches[i].ID < matches[j].ID
	})

	rsp := &ListResponse{Total: len(matches)}
	if req.Offset > 0 {
		if req.Offset >= len(matches) {
			return rsp, nil
		}
		matches = matches[req.Offset:]
	}
	if req.Limit > 0 && len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}
	rsp.Tasks = matches
	return rsp, nil
}

// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package testpostgres provides an in memory rendition of the postgres
// store for testing.  It mirrors the SQL semantics of the real backend,
// most importantly the conditional UPDATE used for state transitions, so
// the transition race can be exercised without a database.
package testpostgres

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/aivouch/aivouch/aivouchd/store"
)

var _ store.Store = (*TestPostgres)(nil)

// TestPostgres provides an implementation of the store interface that keeps
// records in memory and that can be used for testing.
type TestPostgres struct {
	sync.RWMutex

	// in memory data
	records map[string]store.DecisionRecord // [id]DecisionRecord
}

// Create persists a new record.
//
// Create satisfies the store interface.
func (tp *TestPostgres) Create(dr *store.DecisionRecord) error {
	tp.Lock()
	defer tp.Unlock()

	// Duplicate primary key.
	if _, exists := tp.records[dr.ID]; exists {
		return store.ErrExists
	}
	tp.records[dr.ID] = *dr
	return nil
}

// Get returns the record for the given id.
//
// Get satisfies the store interface.
func (tp *TestPostgres) Get(id string) (*store.DecisionRecord, error) {
	tp.RLock()
	defer tp.RUnlock()

	dr, exists := tp.records[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &dr, nil
}

// ConditionalTransition atomically moves the record from expected to next.
// The update applies the same column folding as the real backend's
// conditional UPDATE: linkage fields only land when non empty, the sequence
// lands with the consensus timestamp, and the integrity flag coalesces.
//
// ConditionalTransition satisfies the store interface.
func (tp *TestPostgres) ConditionalTransition(id string, expected, next store.State, extra *store.TransitionData) (bool, error) {
	if extra == nil {
		extra = &store.TransitionData{}
	}

	tp.Lock()
	defer tp.Unlock()

	dr, exists := tp.records[id]
	if !exists {
		return false, store.ErrNotFound
	}
	if dr.State != expected {
		// Lost the race; WHERE clause matched zero rows.
		return false, nil
	}

	dr.State = next
	if extra.TopicID != "" {
		dr.TopicID = extra.TopicID
	}
	if extra.SubmissionID != "" {
		dr.SubmissionID = extra.SubmissionID
	}
	if extra.SubmitError != "" {
		dr.SubmitError = extra.SubmitError
	}
	if extra.ConsensusTimestamp != "" {
		dr.ConsensusTimestamp = extra.ConsensusTimestamp
		dr.Sequence = extra.Sequence
	}
	if extra.HashIntegrityValid != nil {
		v := *extra.HashIntegrityValid
		dr.HashIntegrityValid = &v
	}
	tp.records[id] = dr
	return true, nil
}

// SetVerification records a verification attempt without touching state.
//
// SetVerification satisfies the store interface.
func (tp *TestPostgres) SetVerification(id string, vd store.VerificationData) error {
	if vd.LastVerify.IsZero() {
		vd.LastVerify = time.Now().UTC()
	}

	tp.Lock()
	defer tp.Unlock()

	dr, exists := tp.records[id]
	if !exists {
		return store.ErrNotFound
	}
	dr.LastVerify = vd.LastVerify
	dr.VerifyError = vd.VerifyError
	if vd.HashIntegrityValid != nil {
		v := *vd.HashIntegrityValid
		dr.HashIntegrityValid = &v
	}
	tp.records[id] = dr
	return nil
}

// ListByState returns up to max record ids in the provided state, oldest
// first.
//
// ListByState satisfies the store interface.
func (tp *TestPostgres) ListByState(state store.State, max int) ([]string, error) {
	tp.RLock()
	defer tp.RUnlock()

	var matched []store.DecisionRecord
	for _, dr := range tp.records {
		if dr.State == state {
			matched = append(matched, dr)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	ids := make([]string, 0, len(matched))
	for _, dr := range matched {
		if max > 0 && len(ids) == max {
			break
		}
		ids = append(ids, dr.ID)
	}
	return ids, nil
}

// Dump is a stub to satisfy the store interface.
func (tp *TestPostgres) Dump(*os.File, bool) error { return nil }

// Restore is a stub to satisfy the store interface.
func (tp *TestPostgres) Restore(*os.File, bool, string) error { return nil }

// Fsck is a stub to satisfy the store interface.
func (tp *TestPostgres) Fsck(*store.FsckOptions) error { return nil }

// Close is a stub to satisfy the store interface.
func (tp *TestPostgres) Close() {}

// New returns a new test store context.
func New() *TestPostgres {
	return &TestPostgres{
		records: make(map[string]store.DecisionRecord),
	}
}

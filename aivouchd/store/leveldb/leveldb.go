// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package leveldb

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aivouch/aivouch/aivouchd/store"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
)

const dbDir = "decisions"

var (
	_ store.Store = (*LevelDB)(nil)

	errInvalidDB = errors.New("not a database") // Should not happen
)

// LevelDB is a leveldb implementation of a store.  Records are stored JSON
// encoded under their decision id.  Leveldb takes an exclusive file lock on
// open, so this store is inherently single process; the conditional state
// transition is enforced under the store mutex which therefore covers all
// concurrent callers.
type LevelDB struct {
	sync.Mutex

	root string      // Root directory
	db   *leveldb.DB // Decision database [id]record
}

// encodeRecord encodes a store.DecisionRecord to a []byte.
func encodeRecord(dr store.DecisionRecord) ([]byte, error) {
	return json.Marshal(dr)
}

// decodeRecord decodes a []byte payload to a store.DecisionRecord.
func decodeRecord(payload []byte) (*store.DecisionRecord, error) {
	var dr store.DecisionRecord
	err := json.Unmarshal(payload, &dr)
	if err != nil {
		return nil, err
	}
	return &dr, nil
}

// get returns the decoded record for id.
//
// This function must be called with the lock held.
func (l *LevelDB) get(id string) (*store.DecisionRecord, error) {
	payload, err := l.db.Get([]byte(id), nil)
	if err != nil {
		if errors.Is(err, ldberrors.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return decodeRecord(payload)
}

// put writes the encoded record under its id.
//
// This function must be called with the lock held.
func (l *LevelDB) put(dr *store.DecisionRecord) error {
	payload, err := encodeRecord(*dr)
	if err != nil {
		return err
	}
	return l.db.Put([]byte(dr.ID), payload, nil)
}

// Create persists a new record.
//
// Create satisfies the store interface.
func (l *LevelDB) Create(dr *store.DecisionRecord) error {
	l.Lock()
	defer l.Unlock()

	found, err := l.db.Has([]byte(dr.ID), nil)
	if err != nil {
		return err
	}
	if found {
		return store.ErrExists
	}
	return l.put(dr)
}

// Get returns the record for the given id.
//
// Get satisfies the store interface.
func (l *LevelDB) Get(id string) (*store.DecisionRecord, error) {
	l.Lock()
	defer l.Unlock()

	return l.get(id)
}

// ConditionalTransition atomically moves the record from expected to next.
// The read-compare-write runs under the store mutex; combined with leveldb's
// exclusive file lock this guarantees a single winner per transition.
//
// ConditionalTransition satisfies the store interface.
func (l *LevelDB) ConditionalTransition(id string, expected, next store.State, extra *store.TransitionData) (bool, error) {
	l.Lock()
	defer l.Unlock()

	dr, err := l.get(id)
	if err != nil {
		return false, err
	}
	if dr.State != expected {
		return false, nil
	}

	dr.State = next
	applyTransition(dr, extra)

	if err := l.put(dr); err != nil {
		return false, err
	}
	return true, nil
}

// applyTransition folds the transition extras into the record.
func applyTransition(dr *store.DecisionRecord, extra *store.TransitionData) {
	if extra == nil {
		return
	}
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
		dr.HashIntegrityValid = extra.HashIntegrityValid
	}
}

// SetVerification records a verification attempt without touching state.
//
// SetVerification satisfies the store interface.
func (l *LevelDB) SetVerification(id string, vd store.VerificationData) error {
	l.Lock()
	defer l.Unlock()

	dr, err := l.get(id)
	if err != nil {
		return err
	}
	if !vd.LastVerify.IsZero() {
		dr.LastVerify = vd.LastVerify
	} else {
		dr.LastVerify = time.Now().UTC()
	}
	dr.VerifyError = vd.VerifyError
	if vd.HashIntegrityValid != nil {
		dr.HashIntegrityValid = vd.HashIntegrityValid
	}
	return l.put(dr)
}

// ListByState returns up to max record ids in the provided state.
//
// ListByState satisfies the store interface.
func (l *LevelDB) ListByState(state store.State, max int) ([]string, error) {
	l.Lock()
	defer l.Unlock()

	ids := make([]string, 0, 64)
	iter := l.db.NewIterator(nil, nil)
	for iter.Next() {
		dr, err := decodeRecord(iter.Value())
		if err != nil {
			iter.Release()
			return nil, err
		}
		if dr.State != state {
			continue
		}
		ids = append(ids, dr.ID)
		if max > 0 && len(ids) >= max {
			break
		}
	}
	iter.Release()
	return ids, iter.Error()
}

// Close is a required interface function.  In our case we close the decision
// database.
//
// Close satisfies the store interface.
func (l *LevelDB) Close() {
	// Block until last command is complete.
	l.Lock()
	defer l.Unlock()
	defer log.Infof("Exiting")

	l.db.Close()
}

// internalNew creates the LevelDB context.  This is shared with the test and
// dump/restore paths.
func internalNew(root string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(filepath.Join(root, dbDir), nil)
	if err != nil {
		return nil, err
	}

	return &LevelDB{
		root: root,
		db:   db,
	}, nil
}

// New creates a new store instance.  The caller should issue a Close once
// the LevelDB store is no longer needed.
func New(root string) (*LevelDB, error) {
	log.Tracef("New: %v", root)

	err := os.MkdirAll(root, 0700)
	if err != nil {
		return nil, err
	}

	return internalNew(root)
}

// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package leveldb

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aivouch/aivouch/aivouchd/store"
	"github.com/aivouch/aivouch/canonical"
)

const (
	FsckActionVersion = 1 // All structure versions

	FsckActionHeader       = "header"
	FsckActionHashMismatch = "hashmismatch"
	FsckActionInvalidState = "invalidstate"
)

type FsckAction struct {
	Version   uint64 `json:"version"`   // Version of structure
	Timestamp int64  `json:"timestamp"` // Timestamp of action
	Action    string `json:"action"`    // Following JSON command
}

type FsckHeader struct {
	Version uint64 `json:"version"` // Version of structure
	Start   int64  `json:"start"`   // Start of fsck
}

type FsckHashMismatch struct {
	Version  uint64 `json:"version"`  // Version of structure
	Decision string `json:"decision"` // Decision id
	Stored   string `json:"stored"`   // Stored content hash
	Computed string `json:"computed"` // Recomputed content hash
}

type FsckInvalidState struct {
	Version  uint64 `json:"version"`  // Version of structure
	Decision string `json:"decision"` // Decision id
	State    string `json:"state"`    // Invalid state value
}

// journal records findings to filename, if set.
func journal(filename, action string, payload interface{}) error {
	if filename == "" {
		return nil
	}

	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return err
	}
	defer f.Close()

	e := json.NewEncoder(f)
	rt := FsckAction{
		Version:   FsckActionVersion,
		Timestamp: time.Now().Unix(),
		Action:    action,
	}
	if err := e.Encode(rt); err != nil {
		return err
	}
	return e.Encode(payload)
}

// fsckDecision verifies a single record: the stored content hash must equal
// the recomputation from stored content, and the state must be valid.  A
// mismatch is reported, never corrected.
func (l *LevelDB) fsckDecision(options *store.FsckOptions, dr *store.DecisionRecord) (bool, error) {
	if options.PrintHashes {
		fmt.Printf("Decision %v: %v\n", dr.ID, dr.ContentHash)
	}

	if !dr.State.Valid() {
		err := journal(options.File, FsckActionInvalidState,
			FsckInvalidState{
				Version:  FsckActionVersion,
				Decision: dr.ID,
				State:    string(dr.State),
			})
		if err != nil {
			return false, fmt.Errorf("journal: %v", err)
		}
		log.Errorf("invalid state: decision %v state %v", dr.ID,
			dr.State)
		return false, nil
	}

	ok, err := canonical.Validate(dr.UserID, dr.Query, dr.Response,
		dr.Timestamp, dr.ContentHash)
	if err != nil {
		return false, fmt.Errorf("validate %v: %v", dr.ID, err)
	}
	if !ok {
		computed, _ := canonical.Hash(dr.UserID, dr.Query, dr.Response,
			dr.Timestamp)
		err := journal(options.File, FsckActionHashMismatch,
			FsckHashMismatch{
				Version:  FsckActionVersion,
				Decision: dr.ID,
				Stored:   dr.ContentHash,
				Computed: computed,
			})
		if err != nil {
			return false, fmt.Errorf("journal: %v", err)
		}
		log.Errorf("hash mismatch: decision %v stored %v computed %v",
			dr.ID, dr.ContentHash, computed)
		return false, nil
	}

	return true, nil
}

// Fsck walks all records and verifies content hash integrity.  Integrity
// violations are journaled and counted; they are never silently corrected.
//
// Fsck satisfies the store interface.
func (l *LevelDB) Fsck(options *store.FsckOptions) error {
	l.Lock()
	defer l.Unlock()

	if options == nil {
		options = &store.FsckOptions{}
	}

	err := journal(options.File, FsckActionHeader, FsckHeader{
		Version: FsckActionVersion,
		Start:   time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("journal: %v", err)
	}

	var total, bad int
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		dr, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		total++

		ok, err := l.fsckDecision(options, dr)
		if err != nil {
			return err
		}
		if !ok {
			bad++
		}
		if options.Verbose {
			fmt.Printf("%v: %v\n", dr.ID, okString(ok))
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}

	log.Infof("Fsck: %v records, %v integrity violations", total, bad)
	if bad != 0 {
		return fmt.Errorf("fsck: %v of %v records failed integrity "+
			"verification", bad, total)
	}
	return nil
}

func okString(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAILED"
}

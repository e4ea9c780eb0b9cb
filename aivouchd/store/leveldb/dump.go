// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package leveldb

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aivouch/aivouch/aivouchd/store"
	"github.com/aivouch/aivouch/canonical"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// NewDump opens an existing store read-only for dumping.
func NewDump(root string) (*LevelDB, error) {
	// Stat path first so that we don't create a database for a non
	// existing store.  Leveldb WILL create a directory even if
	// ErrorIfMissing = true.
	path := filepath.Join(root, dbDir)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, os.ErrNotExist
	}
	if !fi.Mode().IsDir() {
		return nil, errInvalidDB
	}
	db, err := leveldb.OpenFile(path, &opt.Options{ErrorIfMissing: true})
	if err != nil {
		return nil, err
	}
	return &LevelDB{root: root, db: db}, nil
}

// NewRestore creates a fresh store for restoring.  It refuses to open an
// existing store.
func NewRestore(root string) (*LevelDB, error) {
	path := filepath.Join(root, dbDir)
	_, err := os.Stat(path)
	if err == nil {
		return nil, os.ErrExist
	}
	err = os.MkdirAll(path, 0700)
	if err != nil {
		return nil, err
	}

	db, err := leveldb.OpenFile(path, &opt.Options{ErrorIfExist: true})
	if err != nil {
		return nil, err
	}
	return &LevelDB{root: root, db: db}, nil
}

func dumpDecision(f *os.File, human bool, dr store.DecisionRecord) error {
	if human {
		fmt.Fprintf(f, "Decision   : %v\n", dr.ID)
		fmt.Fprintf(f, "  User     : %v\n", dr.UserID)
		fmt.Fprintf(f, "  State    : %v\n", dr.State)
		fmt.Fprintf(f, "  Hash     : %v\n", dr.ContentHash)
		fmt.Fprintf(f, "  Created  : %v\n",
			canonical.FormatTimestamp(dr.Timestamp))
		if dr.SubmissionID != "" {
			fmt.Fprintf(f, "  Topic    : %v\n", dr.TopicID)
			fmt.Fprintf(f, "  Submission: %v\n", dr.SubmissionID)
		}
		if dr.ConsensusTimestamp != "" {
			fmt.Fprintf(f, "  Consensus: %v sequence %v\n",
				dr.ConsensusTimestamp, dr.Sequence)
		}
		return nil
	}

	e := json.NewEncoder(f)
	rt := store.RecordType{
		Version: store.RecordTypeVersion,
		Type:    store.RecordTypeDecision,
	}
	if err := e.Encode(rt); err != nil {
		return err
	}
	return e.Encode(dr)
}

// Dump walks all records and writes them to the provided file descriptor.
//
// Dump satisfies the store interface.
func (l *LevelDB) Dump(f *os.File, human bool) error {
	l.Lock()
	defer l.Unlock()

	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		dr, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if err := dumpDecision(f, human, *dr); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Restore replays a dump stream into a fresh store.  The location argument
// is unused for leveldb; the store location is fixed at New time.
//
// Restore satisfies the store interface.
func (l *LevelDB) Restore(f *os.File, verbose bool, location string) error {
	l.Lock()
	defer l.Unlock()

	d := json.NewDecoder(f)
	state := 0
	for {
		switch state {
		case 0:
			// Type
			var rt store.RecordType
			err := d.Decode(&rt)
			if err == io.EOF {
				return nil
			} else if err != nil {
				return err
			}
			if rt.Version != store.RecordTypeVersion {
				return fmt.Errorf("unknown dump version: %v",
					rt.Version)
			}
			if rt.Type != store.RecordTypeDecision {
				return fmt.Errorf("unknown record type: %v",
					rt.Type)
			}
			state = 1
		case 1:
			// Payload
			var dr store.DecisionRecord
			if err := d.Decode(&dr); err != nil {
				return err
			}
			if verbose {
				fmt.Printf("Decision: %v %v\n", dr.ID, dr.State)
			}
			if err := l.put(&dr); err != nil {
				return err
			}
			state = 0
		default:
			return fmt.Errorf("invalid state: %v", state)
		}
	}
}

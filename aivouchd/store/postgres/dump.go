// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aivouch/aivouch/aivouchd/store"
	"github.com/aivouch/aivouch/canonical"
)

// Dump walks all records and writes them to the provided file descriptor.
//
// Dump satisfies the store interface.
func (pg *Postgres) Dump(f *os.File, human bool) error {
	return pg.selectAllDecisions(func(dr *store.DecisionRecord) error {
		if human {
			fmt.Fprintf(f, "Decision   : %v\n", dr.ID)
			fmt.Fprintf(f, "  User     : %v\n", dr.UserID)
			fmt.Fprintf(f, "  State    : %v\n", dr.State)
			fmt.Fprintf(f, "  Hash     : %v\n", dr.ContentHash)
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
		return e.Encode(*dr)
	})
}

// Restore replays a dump stream into the database.
//
// Restore satisfies the store interface.
func (pg *Postgres) Restore(f *os.File, verbose bool, location string) error {
	d := json.NewDecoder(f)
	state := 0
	for {
		switch state {
		case 0:
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
			var dr store.DecisionRecord
			if err := d.Decode(&dr); err != nil {
				return err
			}
			if verbose {
				fmt.Printf("Decision: %v %v\n", dr.ID, dr.State)
			}
			if err := pg.restoreDecision(&dr); err != nil {
				return err
			}
			state = 0
		default:
			return fmt.Errorf("invalid state: %v", state)
		}
	}
}

// restoreDecision inserts a full record including linkage and verification
// metadata, used only when restoring a backup.
func (pg *Postgres) restoreDecision(dr *store.DecisionRecord) error {
	q := `INSERT INTO decisions (id, user_id, query, response, created,
		content_hash, state, topic_id, submission_id,
		consensus_timestamp, sequence, verify_error, submit_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := pg.db.Exec(q, dr.ID, dr.UserID, dr.Query, dr.Response,
		dr.Timestamp, dr.ContentHash, string(dr.State), dr.TopicID,
		dr.SubmissionID, dr.ConsensusTimestamp, dr.Sequence,
		dr.VerifyError, dr.SubmitError)
	if err != nil {
		return err
	}
	if dr.HashIntegrityValid != nil || !dr.LastVerify.IsZero() {
		vd := store.VerificationData{
			LastVerify:         dr.LastVerify,
			VerifyError:        dr.VerifyError,
			HashIntegrityValid: dr.HashIntegrityValid,
		}
		if vd.LastVerify.IsZero() {
			vd.LastVerify = time.Now().UTC()
		}
		return pg.updateVerification(dr.ID, vd)
	}
	return nil
}

// Fsck walks all records and verifies content hash integrity.
//
// Fsck satisfies the store interface.
func (pg *Postgres) Fsck(options *store.FsckOptions) error {
	if options == nil {
		options = &store.FsckOptions{}
	}

	var total, bad int
	err := pg.selectAllDecisions(func(dr *store.DecisionRecord) error {
		total++
		if options.PrintHashes {
			fmt.Printf("Decision %v: %v\n", dr.ID, dr.ContentHash)
		}
		ok, err := canonical.Validate(dr.UserID, dr.Query,
			dr.Response, dr.Timestamp, dr.ContentHash)
		if err != nil {
			return fmt.Errorf("validate %v: %v", dr.ID, err)
		}
		if !ok {
			bad++
			log.Errorf("hash mismatch: decision %v", dr.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Infof("Fsck: %v records, %v integrity violations", total, bad)
	if bad != 0 {
		return fmt.Errorf("fsck: %v of %v records failed integrity "+
			"verification", bad, total)
	}
	return nil
}

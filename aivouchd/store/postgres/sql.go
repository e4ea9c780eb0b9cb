// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"database/sql"
	"errors"

	"github.com/aivouch/aivouch/aivouchd/store"
	"github.com/lib/pq"
)

// uniqueViolation is the postgres error code for duplicate key inserts.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

// createTables creates the decisions table if it does not exist.  The state
// column drives the conditional transitions; everything else is payload.
func (pg *Postgres) createTables() error {
	q := `CREATE TABLE IF NOT EXISTS decisions (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		query               TEXT NOT NULL,
		response            TEXT NOT NULL,
		created             TIMESTAMPTZ NOT NULL,
		content_hash        TEXT NOT NULL,
		state               TEXT NOT NULL,
		topic_id            TEXT NOT NULL DEFAULT '',
		submission_id       TEXT NOT NULL DEFAULT '',
		consensus_timestamp TEXT NOT NULL DEFAULT '',
		sequence            BIGINT NOT NULL DEFAULT 0,
		last_verify         TIMESTAMPTZ,
		verify_error        TEXT NOT NULL DEFAULT '',
		hash_integrity      BOOLEAN,
		submit_error        TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS decisions_state_idx ON decisions (state);`

	_, err := pg.db.Exec(q)
	return err
}

// insertDecision inserts a fresh record.
func (pg *Postgres) insertDecision(dr *store.DecisionRecord) error {
	q := `INSERT INTO decisions (id, user_id, query, response, created,
		content_hash, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := pg.db.Exec(q, dr.ID, dr.UserID, dr.Query, dr.Response,
		dr.Timestamp, dr.ContentHash, string(dr.State))
	return err
}

// selectDecision returns the record for the given id.
func (pg *Postgres) selectDecision(id string) (*store.DecisionRecord, error) {
	q := `SELECT id, user_id, query, response, created, content_hash,
		state, topic_id, submission_id, consensus_timestamp, sequence,
		last_verify, verify_error, hash_integrity, submit_error
		FROM decisions WHERE id = $1`

	var (
		dr         store.DecisionRecord
		state      string
		lastVerify sql.NullTime
		integrity  sql.NullBool
	)
	err := pg.db.QueryRow(q, id).Scan(&dr.ID, &dr.UserID, &dr.Query,
		&dr.Response, &dr.Timestamp, &dr.ContentHash, &state,
		&dr.TopicID, &dr.SubmissionID, &dr.ConsensusTimestamp,
		&dr.Sequence, &lastVerify, &dr.VerifyError, &integrity,
		&dr.SubmitError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	dr.State = store.State(state)
	if lastVerify.Valid {
		dr.LastVerify = lastVerify.Time
	}
	if integrity.Valid {
		v := integrity.Bool
		dr.HashIntegrityValid = &v
	}
	return &dr, nil
}

// updateState performs the conditional transition and returns the number of
// rows that matched, which is 1 iff this caller won the transition.
func (pg *Postgres) updateState(id string, expected, next store.State, extra *store.TransitionData) (int64, error) {
	if extra == nil {
		extra = &store.TransitionData{}
	}

	q := `UPDATE decisions SET
		state = $1,
		topic_id = CASE WHEN $2 <> '' THEN $2 ELSE topic_id END,
		submission_id = CASE WHEN $3 <> '' THEN $3 ELSE submission_id END,
		submit_error = CASE WHEN $4 <> '' THEN $4 ELSE submit_error END,
		consensus_timestamp = CASE WHEN $5 <> '' THEN $5 ELSE consensus_timestamp END,
		sequence = CASE WHEN $5 <> '' THEN $6 ELSE sequence END,
		hash_integrity = COALESCE($7, hash_integrity)
		WHERE id = $8 AND state = $9`

	var integrity sql.NullBool
	if extra.HashIntegrityValid != nil {
		integrity = sql.NullBool{Bool: *extra.HashIntegrityValid,
			Valid: true}
	}

	res, err := pg.db.Exec(q, string(next), extra.TopicID,
		extra.SubmissionID, extra.SubmitError,
		extra.ConsensusTimestamp, extra.Sequence, integrity, id,
		string(expected))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// updateVerification records the verification attempt metadata.
func (pg *Postgres) updateVerification(id string, vd store.VerificationData) error {
	q := `UPDATE decisions SET
		last_verify = $1,
		verify_error = $2,
		hash_integrity = COALESCE($3, hash_integrity)
		WHERE id = $4`

	var integrity sql.NullBool
	if vd.HashIntegrityValid != nil {
		integrity = sql.NullBool{Bool: *vd.HashIntegrityValid,
			Valid: true}
	}

	res, err := pg.db.Exec(q, vd.LastVerify, vd.VerifyError, integrity, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// selectIDsByState returns up to max record ids in the provided state,
// oldest first.
func (pg *Postgres) selectIDsByState(state store.State, max int) ([]string, error) {
	q := `SELECT id FROM decisions WHERE state = $1 ORDER BY created`
	args := []interface{}{string(state)}
	if max > 0 {
		q += ` LIMIT $2`
		args = append(args, max)
	}

	rows, err := pg.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// selectAllDecisions streams every record through fn.
func (pg *Postgres) selectAllDecisions(fn func(*store.DecisionRecord) error) error {
	q := `SELECT id FROM decisions ORDER BY created`

	rows, err := pg.db.Query(q)
	if err != nil {
		return err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		dr, err := pg.selectDecision(id)
		if err != nil {
			return err
		}
		if err := fn(dr); err != nil {
			return err
		}
	}
	return nil
}

// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/aivouch/aivouch/aivouchd/store"
	_ "github.com/lib/pq"
)

var _ store.Store = (*Postgres)(nil)

// Postgres is a postgreSQL implementation of a store.  Unlike the leveldb
// store it supports multiple concurrent service instances: the conditional
// state transition is expressed as a single conditional UPDATE, so the
// database itself arbitrates the transition race.
type Postgres struct {
	db *sql.DB // Postgres database
}

// Create persists a new record.
//
// Create satisfies the store interface.
func (pg *Postgres) Create(dr *store.DecisionRecord) error {
	err := pg.insertDecision(dr)
	if err != nil && isUniqueViolation(err) {
		return store.ErrExists
	}
	return err
}

// Get returns the record for the given id.
//
// Get satisfies the store interface.
func (pg *Postgres) Get(id string) (*store.DecisionRecord, error) {
	return pg.selectDecision(id)
}

// ConditionalTransition atomically moves the record from expected to next.
// The conditional UPDATE's row count tells us whether we won; the database
// enforces atomicity across all service instances sharing it.
//
// ConditionalTransition satisfies the store interface.
func (pg *Postgres) ConditionalTransition(id string, expected, next store.State, extra *store.TransitionData) (bool, error) {
	n, err := pg.updateState(id, expected, next, extra)
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish "lost the race" from "no such record".
		if _, err := pg.selectDecision(id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// SetVerification records a verification attempt without touching state.
//
// SetVerification satisfies the store interface.
func (pg *Postgres) SetVerification(id string, vd store.VerificationData) error {
	if vd.LastVerify.IsZero() {
		vd.LastVerify = time.Now().UTC()
	}
	return pg.updateVerification(id, vd)
}

// ListByState returns up to max record ids in the provided state.
//
// ListByState satisfies the store interface.
func (pg *Postgres) ListByState(state store.State, max int) ([]string, error) {
	return pg.selectIDsByState(state, max)
}

// Close performs cleanup of the store.
//
// Close satisfies the store interface.
func (pg *Postgres) Close() {
	defer log.Infof("Exiting")
	pg.db.Close()
}

func buildQueryString(rootCert, cert, key string) string {
	v := url.Values{}
	v.Set("sslmode", "require")
	v.Set("sslrootcert", filepath.Clean(rootCert))
	v.Set("sslcert", filepath.Join(cert))
	v.Set("sslkey", filepath.Join(key))
	return v.Encode()
}

// internalNew creates the Postgres context.  This is shared with the test
// and dump/restore paths.
func internalNew(user, host, net, rootCert, cert, key string) (*Postgres, error) {
	dbName := net + "_aivouch"
	h := "postgresql://" + user + "@" + host + "/" + dbName
	u, err := url.Parse(h)
	if err != nil {
		return nil, fmt.Errorf("parse url '%v': %v", h, err)
	}

	qs := buildQueryString(rootCert, cert, key)
	addr := u.String() + "?" + qs

	db, err := sql.Open("postgres", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to database '%v': %v", addr, err)
	}

	return &Postgres{db: db}, nil
}

// New creates a new store instance.  The caller should issue a Close once
// the Postgres store is no longer needed.
func New(user, host, net, rootCert, cert, key string) (*Postgres, error) {
	log.Tracef("New: %v %v %v %v %v %v", user, host, net, rootCert, cert,
		key)

	pg, err := internalNew(user, host, net, rootCert, cert, key)
	if err != nil {
		return nil, err
	}

	if err := pg.createTables(); err != nil {
		return nil, err
	}

	return pg, nil
}

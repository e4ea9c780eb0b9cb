// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"errors"
	"os"
	"time"
)

// State describes where a decision record is in the anchoring lifecycle.
type State string

const (
	// StateNotSubmitted is the initial state of every record.
	StateNotSubmitted State = "NOT_SUBMITTED"

	// StateSubmitting marks a record with an in-flight ledger submission.
	// Entering this state is the submission lock; the record always moves
	// on to StateSubmitted or StateFailed before the submit call returns.
	StateSubmitting State = "SUBMITTING"

	// StateSubmitted marks a record accepted by the ledger but not yet
	// confirmed through the read-side mirror.
	StateSubmitted State = "SUBMITTED"

	// StateConfirmed marks a record whose submission was independently
	// observed on the mirror with a matching fingerprint.  Terminal.
	StateConfirmed State = "CONFIRMED"

	// StateFailed marks a failed submission attempt.  Not terminal; a
	// failed record is retry-eligible.
	StateFailed State = "FAILED"
)

// Valid returns true if s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateNotSubmitted, StateSubmitting, StateSubmitted,
		StateConfirmed, StateFailed:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when the requested decision id is unknown.
	ErrNotFound = errors.New("decision not found")

	// ErrExists is returned by Create when the decision id is taken.
	ErrExists = errors.New("decision already exists")
)

// DecisionRecord is the unit of anchoring.  Content fields and Timestamp are
// captured once at creation and never mutated; ContentHash is a pure function
// of them.  Ledger linkage fields are only populated together, by the state
// transition that earns them.
type DecisionRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userid"`
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`

	ContentHash string `json:"contenthash"`
	State       State  `json:"state"`

	// Ledger linkage, populated on SUBMITTING -> SUBMITTED.
	TopicID      string `json:"topicid,omitempty"`
	SubmissionID string `json:"submissionid,omitempty"`

	// Consensus metadata, populated on SUBMITTED -> CONFIRMED.
	ConsensusTimestamp string `json:"consensustimestamp,omitempty"`
	Sequence           int64  `json:"sequence,omitempty"`

	// Verification metadata.
	LastVerify         time.Time `json:"lastverify,omitempty"`
	VerifyError        string    `json:"verifyerror,omitempty"`
	HashIntegrityValid *bool     `json:"hashintegrityvalid,omitempty"`

	// Last submission error, recorded on SUBMITTING -> FAILED.
	SubmitError string `json:"submiterror,omitempty"`
}

// TransitionData carries the fields that must be persisted atomically with a
// state transition.  Only the fields relevant to the transition are set.
type TransitionData struct {
	// SUBMITTING -> SUBMITTED
	TopicID      string
	SubmissionID string

	// SUBMITTING -> FAILED
	SubmitError string

	// SUBMITTED -> CONFIRMED
	ConsensusTimestamp string
	Sequence           int64
	HashIntegrityValid *bool
}

// VerificationData records the outcome of a verification attempt without
// touching the record state.
type VerificationData struct {
	LastVerify         time.Time
	VerifyError        string
	HashIntegrityValid *bool
}

// FsckOptions provides options on how to handle an integrity walk.  Sane
// defaults are used in lieu of options being provided.
type FsckOptions struct {
	Verbose     bool   // Normal verbosity
	PrintHashes bool   // Print every record hash
	File        string // Path for results file
}

// Record types for dump/restore streams.
const (
	RecordTypeDecision = "decision"

	RecordTypeVersion = 1
)

// RecordType indicates what the next record is in a restore stream.  All
// records are dumped prefixed with a RecordType so that they can be simply
// replayed as a journal.
type RecordType struct {
	Version uint   `json:"version"`
	Type    string `json:"type"`
}

// Store is the durable record of decisions and their anchoring state.
// ConditionalTransition is the sole concurrency primitive; implementations
// must enforce it atomically so that exactly one caller wins any given
// transition, even with concurrent callers.
type Store interface {
	// Create persists a new record.  ErrExists if the id is taken.
	Create(*DecisionRecord) error

	// Get returns the record for the given id.  ErrNotFound if unknown.
	Get(id string) (*DecisionRecord, error)

	// ConditionalTransition atomically moves the record from expected to
	// next, applying extra in the same write.  Returns false, without
	// modifying anything, if the current state is not expected.
	ConditionalTransition(id string, expected, next State, extra *TransitionData) (bool, error)

	// SetVerification records a verification attempt.  State unchanged.
	SetVerification(id string, vd VerificationData) error

	// ListByState returns up to max record ids currently in the provided
	// state.  Used by the verification sweep.
	ListByState(state State, max int) ([]string, error)

	// Dump writes the store to the provided file descriptor.  If the
	// human flag is set it pretty prints the content, otherwise it dumps
	// a JSON stream.
	Dump(*os.File, bool) error

	// Restore recreates the store from the provided file descriptor.
	Restore(*os.File, bool, string) error

	// Fsck walks all records and verifies content hash integrity.
	Fsck(*FsckOptions) error

	// Close performs cleanup of the store.
	Close()
}

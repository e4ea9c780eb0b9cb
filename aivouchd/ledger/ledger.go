// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger defines the contract with the external append-only
// consensus log.  The submit side appends a decision fingerprint to a named
// topic; the read side is an independently queryable mirror of that log,
// eventually consistent relative to submission.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// PayloadType and PayloadVersion identify the message envelope on the topic.
const (
	PayloadType    = "AI_DECISION_VERIFICATION"
	PayloadVersion = "1.0"
)

var (
	// ErrNotFound is returned by Query while the submission has not been
	// ordered on the mirror yet.  This is expected and retryable.
	ErrNotFound = errors.New("submission not found on mirror")

	// submissionIDRegexp matches a submission id in either SDK form
	// (0.0.X@sss.nnn) or mirror form (0.0.X-sss-nnn).
	submissionIDRegexp = regexp.MustCompile(
		`^[0-9]+\.[0-9]+\.[0-9]+[@-][0-9]+[.-][0-9]+$`)
)

// ValidSubmissionID returns true if id is a well formed submission id.
func ValidSubmissionID(id string) bool {
	return submissionIDRegexp.MatchString(id)
}

// UnavailableError wraps a transport or service fault talking to the ledger.
// Callers may retry with backoff.
type UnavailableError struct {
	Op  string
	Err error
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("ledger unavailable during %v: %v", e.Op, e.Err)
}

func (e UnavailableError) Unwrap() error {
	return e.Err
}

// Payload is the fixed-shape data that is recorded on the topic.  It holds
// only a fingerprint of the decision, never the raw query or response; the
// ledger is public and the message size is bounded.
type Payload struct {
	Hash           string `json:"hash"`
	UserID         string `json:"userId"`
	Timestamp      string `json:"timestamp"`
	QueryLength    int    `json:"queryLength"`
	ResponseLength int    `json:"responseLength"`
}

// Envelope is the versioned message wrapper, byte compatible with prior
// deployments of the topic.
type Envelope struct {
	Type    string  `json:"type"`
	Version string  `json:"version"`
	Data    Payload `json:"data"`
}

// EncodeEnvelope wraps p in the versioned envelope and marshals it.
func EncodeEnvelope(p Payload) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:    PayloadType,
		Version: PayloadVersion,
		Data:    p,
	})
}

// DecodeEnvelope unmarshals and validates a topic message.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	if e.Type != PayloadType {
		return nil, fmt.Errorf("unexpected message type: %v", e.Type)
	}
	return &e, nil
}

// Receipt is returned by a successful submission.
type Receipt struct {
	TopicID      string // Topic the message was appended to
	SubmissionID string // Ledger handle for the submission
}

// LookupResult is returned by a successful read-side lookup once the
// submission has reached consensus.
type LookupResult struct {
	ConsensusTimestamp string // Consensus timestamp assigned by the ledger
	Sequence           int64  // Sequence number within the topic
	Fingerprint        string // Content hash embedded in the ordered message
}

// Client submits fingerprints to the consensus log and confirms them through
// the read-side mirror.  Implementations must be safe for concurrent use.
type Client interface {
	// Submit appends p to the named topic and returns the receipt.
	Submit(ctx context.Context, topicID string, p Payload) (*Receipt, error)

	// Query looks the submission up on the read-side mirror.  ErrNotFound
	// until the message is ordered; UnavailableError on transport faults.
	Query(ctx context.Context, topicID, submissionID string) (*LookupResult, error)

	// Close releases the client resources.
	Close()
}

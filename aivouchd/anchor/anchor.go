// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package anchor owns the decision anchoring pipeline: the idempotent
// submit-once workflow and the asynchronous read-side verification that
// finalizes a record.  All state transitions go through the store's
// conditional transition primitive, so the pipeline behaves correctly with
// concurrent callers and multiple service instances.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aivouch/aivouch/aivouchd/ledger"
	"github.com/aivouch/aivouch/aivouchd/store"
	"github.com/aivouch/aivouch/canonical"
)

// Cooked result codes.  Transient conditions and integrity violations are
// deliberately distinct; an integrity violation must never be mistaken for
// "not yet confirmed".
const (
	ResultOK                = 0 // Operation completed
	ResultAlreadyAnchored   = 1 // Idempotent no-op, submission exists
	ResultPendingRetry      = 2 // Ledger unavailable, record is retryable
	ResultNotFound          = 3 // Unknown decision id
	ResultMalformed         = 4 // Decision content is malformed
	ResultPendingSubmit     = 5 // Not submitted yet, nothing to verify
	ResultPendingConsensus  = 6 // Submitted, not ordered on mirror yet
	ResultConfirmed         = 7 // Independently confirmed, hash matches
	ResultHashMismatch      = 8 // Integrity violation, needs review
	ResultUnknownSubmission = 9 // Stored submission id is malformed
)

// Result defines legible string messages for each result code.
var Result = map[int]string{
	ResultOK:                "OK",
	ResultAlreadyAnchored:   "Already anchored",
	ResultPendingRetry:      "Pending, retry later",
	ResultNotFound:          "Doesn't exist",
	ResultMalformed:         "Malformed content",
	ResultPendingSubmit:     "Pending submission",
	ResultPendingConsensus:  "Pending consensus",
	ResultConfirmed:         "Confirmed",
	ResultHashMismatch:      "Verification failed - do not trust",
	ResultUnknownSubmission: "Unknown submission",
}

// SubmitResult is the cooked outcome of a Submit call.
type SubmitResult struct {
	DecisionID   string
	Result       int
	State        store.State
	TopicID      string
	SubmissionID string
	Err          string // Legible cause for ResultPendingRetry
}

// VerifyResult is the cooked outcome of a Verify call.
type VerifyResult struct {
	DecisionID         string
	Result             int
	State              store.State
	ConsensusTimestamp string
	Sequence           int64
	HashIntegrityValid *bool
	Err                string
}

// Anchor ties the store, the ledger client and the canonical hasher into
// the anchoring pipeline.  Construct one explicitly and share it; it holds
// no state of its own beyond its collaborators.
type Anchor struct {
	store   store.Store
	ledger  ledger.Client
	topicID string
}

// New returns an anchoring pipeline over the provided collaborators.
func New(st store.Store, lc ledger.Client, topicID string) *Anchor {
	return &Anchor{
		store:   st,
		ledger:  lc,
		topicID: topicID,
	}
}

// TopicID returns the consensus topic this pipeline submits to.
func (a *Anchor) TopicID() string {
	return a.topicID
}

// linkageResult translates an already submitted record into the idempotent
// success reply.  No ledger traffic.
func linkageResult(dr *store.DecisionRecord) SubmitResult {
	return SubmitResult{
		DecisionID:   dr.ID,
		Result:       ResultAlreadyAnchored,
		State:        dr.State,
		TopicID:      dr.TopicID,
		SubmissionID: dr.SubmissionID,
	}
}

// Submit runs the idempotent submit-once workflow for the given decision.
//
// Exactly one ledger submission is issued per successful transition into
// SUBMITTING, and every entry into SUBMITTING completes to SUBMITTED or
// FAILED before Submit returns.  Callers racing on the same record observe
// ResultAlreadyAnchored instead of duplicate submissions; a FAILED record is
// treated as a fresh attempt.
func (a *Anchor) Submit(ctx context.Context, decisionID string) SubmitResult {
	dr, err := a.store.Get(decisionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return SubmitResult{
				DecisionID: decisionID,
				Result:     ResultNotFound,
			}
		}
		return SubmitResult{
			DecisionID: decisionID,
			Result:     ResultPendingRetry,
			Err:        err.Error(),
		}
	}
	if dr.ContentHash == "" {
		return SubmitResult{
			DecisionID: decisionID,
			Result:     ResultMalformed,
			State:      dr.State,
			Err:        "content hash not computed",
		}
	}

	// Take the submission lock.  NOT_SUBMITTED and FAILED are the only
	// entry points; everything else is already in flight or anchored.
	won, err := a.store.ConditionalTransition(decisionID,
		store.StateNotSubmitted, store.StateSubmitting, nil)
	if err != nil {
		return SubmitResult{
			DecisionID: decisionID,
			Result:     ResultPendingRetry,
			Err:        err.Error(),
		}
	}
	if !won {
		retry, err := a.store.ConditionalTransition(decisionID,
			store.StateFailed, store.StateSubmitting, nil)
		if err != nil {
			return SubmitResult{
				DecisionID: decisionID,
				Result:     ResultPendingRetry,
				Err:        err.Error(),
			}
		}
		if !retry {
			// Lost both races: the record is SUBMITTING,
			// SUBMITTED or CONFIRMED.  Idempotent success.
			cur, err := a.store.Get(decisionID)
			if err != nil {
				return SubmitResult{
					DecisionID: decisionID,
					Result:     ResultPendingRetry,
					Err:        err.Error(),
				}
			}
			log.Debugf("Submit %v: already anchored in %v",
				decisionID, cur.State)
			return linkageResult(cur)
		}
	}

	// We own the SUBMITTING state now; complete it no matter what.
	receipt, err := a.ledger.Submit(ctx, a.topicID, buildPayload(dr))
	if err != nil {
		// Release the lock into FAILED before reporting; FAILED is
		// retry-eligible.
		_, terr := a.store.ConditionalTransition(decisionID,
			store.StateSubmitting, store.StateFailed,
			&store.TransitionData{SubmitError: err.Error()})
		if terr != nil {
			log.Errorf("Submit %v: failed transition: %v",
				decisionID, terr)
		}
		log.Warnf("Submit %v: ledger submission failed: %v",
			decisionID, err)
		return SubmitResult{
			DecisionID: decisionID,
			Result:     ResultPendingRetry,
			State:      store.StateFailed,
			Err:        err.Error(),
		}
	}

	won, err = a.store.ConditionalTransition(decisionID,
		store.StateSubmitting, store.StateSubmitted,
		&store.TransitionData{
			TopicID:      receipt.TopicID,
			SubmissionID: receipt.SubmissionID,
		})
	if err != nil || !won {
		// The submission went out but the linkage write failed; this
		// must be surfaced loudly since the record may need manual
		// reconciliation against the topic.
		log.Criticalf("Submit %v: ledger accepted %v but store "+
			"transition failed (won=%v err=%v)", decisionID,
			receipt.SubmissionID, won, err)
		return SubmitResult{
			DecisionID: decisionID,
			Result:     ResultPendingRetry,
			Err:        "submission receipt could not be persisted",
		}
	}

	log.Infof("Anchored %v: topic %v submission %v", decisionID,
		receipt.TopicID, receipt.SubmissionID)

	return SubmitResult{
		DecisionID:   decisionID,
		Result:       ResultOK,
		State:        store.StateSubmitted,
		TopicID:      receipt.TopicID,
		SubmissionID: receipt.SubmissionID,
	}
}

// buildPayload derives the public fingerprint message for a record.  Only
// the hash and bounded metadata leave the store; the raw query and response
// never touch the ledger.
func buildPayload(dr *store.DecisionRecord) ledger.Payload {
	return ledger.Payload{
		Hash:           dr.ContentHash,
		UserID:         dr.UserID,
		Timestamp:      canonical.FormatTimestamp(dr.Timestamp),
		QueryLength:    len(strings.TrimSpace(dr.Query)),
		ResponseLength: len(strings.TrimSpace(dr.Response)),
	}
}

// confirmedResult translates a confirmed record into its stored verification
// reply.
func confirmedResult(dr *store.DecisionRecord) VerifyResult {
	return VerifyResult{
		DecisionID:         dr.ID,
		Result:             ResultConfirmed,
		State:              dr.State,
		ConsensusTimestamp: dr.ConsensusTimestamp,
		Sequence:           dr.Sequence,
		HashIntegrityValid: dr.HashIntegrityValid,
	}
}

// Verify reconciles a submitted record against the read-side mirror and
// revalidates content hash integrity.
//
// A record that has not completed submission yields ResultPendingSubmit
// without any ledger traffic.  A confirmed record re-returns the stored
// result, also without ledger traffic.  A mismatch between stored content,
// stored hash and the ledger's embedded fingerprint is an integrity
// violation: the record stays SUBMITTED, the integrity flag is persisted and
// the violation is surfaced distinctly so operators can treat it as a
// security event.
func (a *Anchor) Verify(ctx context.Context, decisionID string) VerifyResult {
	dr, err := a.store.Get(decisionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return VerifyResult{
				DecisionID: decisionID,
				Result:     ResultNotFound,
			}
		}
		return VerifyResult{
			DecisionID: decisionID,
			Result:     ResultPendingRetry,
			Err:        err.Error(),
		}
	}

	switch dr.State {
	case store.StateNotSubmitted, store.StateSubmitting, store.StateFailed:
		return VerifyResult{
			DecisionID: decisionID,
			Result:     ResultPendingSubmit,
			State:      dr.State,
		}
	case store.StateConfirmed:
		// Safe no-op; no re-query.
		return confirmedResult(dr)
	}

	if !ledger.ValidSubmissionID(dr.SubmissionID) {
		return VerifyResult{
			DecisionID: decisionID,
			Result:     ResultUnknownSubmission,
			State:      dr.State,
			Err: fmt.Sprintf("malformed submission id: %q",
				dr.SubmissionID),
		}
	}

	lookup, err := a.ledger.Query(ctx, dr.TopicID, dr.SubmissionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			// Expected while consensus ordering catches up.
			a.recordAttempt(decisionID, "", nil)
			return VerifyResult{
				DecisionID: decisionID,
				Result:     ResultPendingConsensus,
				State:      dr.State,
			}
		}
		a.recordAttempt(decisionID, err.Error(), nil)
		return VerifyResult{
			DecisionID: decisionID,
			Result:     ResultPendingRetry,
			State:      dr.State,
			Err:        err.Error(),
		}
	}

	// Local tamper check: stored content must still produce the stored
	// hash.
	localOK, err := canonical.Validate(dr.UserID, dr.Query, dr.Response,
		dr.Timestamp, dr.ContentHash)
	if err != nil {
		a.recordAttempt(decisionID, err.Error(), nil)
		return VerifyResult{
			DecisionID: decisionID,
			Result:     ResultMalformed,
			State:      dr.State,
			Err:        err.Error(),
		}
	}

	// Ledger tamper check: the fingerprint the ledger holds must equal
	// the stored hash.
	ledgerOK := lookup.Fingerprint == dr.ContentHash

	if !localOK || !ledgerOK {
		f := false
		cause := "stored content does not match content hash"
		if localOK {
			cause = "ledger fingerprint does not match content hash"
		}
		a.recordAttempt(decisionID, cause, &f)
		log.Errorf("Integrity violation %v: localOK=%v ledgerOK=%v",
			decisionID, localOK, ledgerOK)
		return VerifyResult{
			DecisionID:         decisionID,
			Result:             ResultHashMismatch,
			State:              dr.State,
			HashIntegrityValid: &f,
			Err:                cause,
		}
	}

	// Both checks passed; finalize exactly once.
	tr := true
	won, err := a.store.ConditionalTransition(decisionID,
		store.StateSubmitted, store.StateConfirmed,
		&store.TransitionData{
			ConsensusTimestamp: lookup.ConsensusTimestamp,
			Sequence:           lookup.Sequence,
			HashIntegrityValid: &tr,
		})
	if err != nil {
		return VerifyResult{
			DecisionID: decisionID,
			Result:     ResultPendingRetry,
			State:      dr.State,
			Err:        err.Error(),
		}
	}
	a.recordAttempt(decisionID, "", nil)
	if !won {
		// A concurrent verify confirmed first; return its result.
		cur, err := a.store.Get(decisionID)
		if err != nil {
			return VerifyResult{
				DecisionID: decisionID,
				Result:     ResultPendingRetry,
				Err:        err.Error(),
			}
		}
		return confirmedResult(cur)
	}

	log.Infof("Confirmed %v: consensus %v sequence %v", decisionID,
		lookup.ConsensusTimestamp, lookup.Sequence)

	return VerifyResult{
		DecisionID:         decisionID,
		Result:             ResultConfirmed,
		State:              store.StateConfirmed,
		ConsensusTimestamp: lookup.ConsensusTimestamp,
		Sequence:           lookup.Sequence,
		HashIntegrityValid: &tr,
	}
}

// recordAttempt persists verification attempt metadata; failures to do so
// are logged but never override the verification outcome.
func (a *Anchor) recordAttempt(decisionID, cause string, integrity *bool) {
	err := a.store.SetVerification(decisionID, store.VerificationData{
		LastVerify:         time.Now().UTC(),
		VerifyError:        cause,
		HashIntegrityValid: integrity,
	})
	if err != nil {
		log.Warnf("record verification attempt %v: %v", decisionID, err)
	}
}

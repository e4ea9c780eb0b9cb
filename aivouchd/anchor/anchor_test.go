// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package anchor

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aivouch/aivouch/aivouchd/ledger"
	"github.com/aivouch/aivouch/aivouchd/store"
	"github.com/aivouch/aivouch/canonical"
)

const testSubmissionID = "0.0.1234@1700000000.123456789"

// memStore is an in-memory store with the same conditional transition
// semantics as the real backends.
type memStore struct {
	sync.Mutex
	records map[string]*store.DecisionRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*store.DecisionRecord)}
}

func (m *memStore) Create(dr *store.DecisionRecord) error {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.records[dr.ID]; ok {
		return store.ErrExists
	}
	c := *dr
	m.records[dr.ID] = &c
	return nil
}

func (m *memStore) Get(id string) (*store.DecisionRecord, error) {
	m.Lock()
	defer m.Unlock()
	dr, ok := m.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *dr
	return &c, nil
}

func (m *memStore) ConditionalTransition(id string, expected, next store.State, extra *store.TransitionData) (bool, error) {
	m.Lock()
	defer m.Unlock()
	dr, ok := m.records[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if dr.State != expected {
		return false, nil
	}
	dr.State = next
	if extra != nil {
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
		}
		if extra.Sequence != 0 {
			dr.Sequence = extra.Sequence
		}
		if extra.HashIntegrityValid != nil {
			dr.HashIntegrityValid = extra.HashIntegrityValid
		}
	}
	return true, nil
}

func (m *memStore) SetVerification(id string, vd store.VerificationData) error {
	m.Lock()
	defer m.Unlock()
	dr, ok := m.records[id]
	if !ok {
		return store.ErrNotFound
	}
	dr.LastVerify = vd.LastVerify
	dr.VerifyError = vd.VerifyError
	if vd.HashIntegrityValid != nil {
		dr.HashIntegrityValid = vd.HashIntegrityValid
	}
	return nil
}

func (m *memStore) ListByState(state store.State, max int) ([]string, error) {
	m.Lock()
	defer m.Unlock()
	var ids []string
	for id, dr := range m.records {
		if dr.State == state && len(ids) < max {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// tamper mutates stored content behind the pipeline's back.
func (m *memStore) tamper(id, response string) {
	m.Lock()
	defer m.Unlock()
	m.records[id].Response = response
}

func (m *memStore) Dump(*os.File, bool) error            { return nil }
func (m *memStore) Restore(*os.File, bool, string) error { return nil }
func (m *memStore) Fsck(*store.FsckOptions) error        { return nil }
func (m *memStore) Close()                               {}

// fakeLedger counts calls and returns canned results.
type fakeLedger struct {
	sync.Mutex
	submits   int
	queries   int
	submitErr error
	queryErr  error
	lookup    *ledger.LookupResult
}

func (f *fakeLedger) Submit(ctx context.Context, topicID string, p ledger.Payload) (*ledger.Receipt, error) {
	f.Lock()
	defer f.Unlock()
	f.submits++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &ledger.Receipt{
		TopicID:      topicID,
		SubmissionID: testSubmissionID,
	}, nil
}

func (f *fakeLedger) Query(ctx context.Context, topicID, submissionID string) (*ledger.LookupResult, error) {
	f.Lock()
	defer f.Unlock()
	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.lookup, nil
}

func (f *fakeLedger) Close() {}

func (f *fakeLedger) counts() (int, int) {
	f.Lock()
	defer f.Unlock()
	return f.submits, f.queries
}

func newTestRecord(t *testing.T, id string) *store.DecisionRecord {
	t.Helper()
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	hash, err := canonical.Hash("user-1", "why is the sky blue",
		"rayleigh scattering", ts)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return &store.DecisionRecord{
		ID:          id,
		UserID:      "user-1",
		Query:       "why is the sky blue",
		Response:    "rayleigh scattering",
		Timestamp:   ts,
		ContentHash: hash,
		State:       store.StateNotSubmitted,
	}
}

func newTestAnchor(t *testing.T, fl *fakeLedger) (*Anchor, *memStore) {
	t.Helper()
	ms := newMemStore()
	return New(ms, fl, "0.0.5555"), ms
}

func TestSubmitIdempotent(t *testing.T) {
	fl := &fakeLedger{}
	a, ms := newTestAnchor(t, fl)
	if err := ms.Create(newTestRecord(t, "d1")); err != nil {
		t.Fatal(err)
	}

	sr := a.Submit(context.Background(), "d1")
	if sr.Result != ResultOK {
		t.Fatalf("first submit: want %v got %v", ResultOK, sr.Result)
	}
	if sr.State != store.StateSubmitted {
		t.Fatalf("unexpected state %v", sr.State)
	}
	if sr.TopicID != "0.0.5555" || sr.SubmissionID != testSubmissionID {
		t.Fatalf("missing linkage: %+v", sr)
	}

	sr = a.Submit(context.Background(), "d1")
	if sr.Result != ResultAlreadyAnchored {
		t.Fatalf("second submit: want %v got %v", ResultAlreadyAnchored,
			sr.Result)
	}
	if sr.SubmissionID != testSubmissionID {
		t.Fatalf("idempotent reply lost linkage: %+v", sr)
	}
	if submits, _ := fl.counts(); submits != 1 {
		t.Fatalf("want 1 ledger submission, got %v", submits)
	}
}

func TestSubmitConcurrent(t *testing.T) {
	fl := &fakeLedger{}
	a, ms := newTestAnchor(t, fl)
	if err := ms.Create(newTestRecord(t, "d1")); err != nil {
		t.Fatal(err)
	}

	const n = 16
	results := make(chan SubmitResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- a.Submit(context.Background(), "d1")
		}()
	}
	wg.Wait()
	close(results)

	var ok, anchored int
	for sr := range results {
		switch sr.Result {
		case ResultOK:
			ok++
		case ResultAlreadyAnchored:
			anchored++
		default:
			t.Fatalf("unexpected result %v: %+v", sr.Result, sr)
		}
	}
	if ok != 1 {
		t.Fatalf("want exactly 1 winner, got %v", ok)
	}
	if anchored != n-1 {
		t.Fatalf("want %v idempotent replies, got %v", n-1, anchored)
	}
	if submits, _ := fl.counts(); submits != 1 {
		t.Fatalf("want 1 ledger submission, got %v", submits)
	}
}

func TestSubmitRetryAfterFailure(t *testing.T) {
	fl := &fakeLedger{
		submitErr: ledger.UnavailableError{Op: "submit",
			Err: context.DeadlineExceeded},
	}
	a, ms := newTestAnchor(t, fl)
	if err := ms.Create(newTestRecord(t, "d1")); err != nil {
		t.Fatal(err)
	}

	sr := a.Submit(context.Background(), "d1")
	if sr.Result != ResultPendingRetry {
		t.Fatalf("want %v got %v", ResultPendingRetry, sr.Result)
	}
	dr, err := ms.Get("d1")
	if err != nil {
		t.Fatal(err)
	}
	if dr.State != store.StateFailed {
		t.Fatalf("want FAILED, got %v", dr.State)
	}
	if dr.SubmitError == "" {
		t.Fatal("submit error not recorded")
	}

	// Clear the fault; the record must be retry-eligible.
	fl.Lock()
	fl.submitErr = nil
	fl.Unlock()

	sr = a.Submit(context.Background(), "d1")
	if sr.Result != ResultOK {
		t.Fatalf("retry: want %v got %v", ResultOK, sr.Result)
	}
	if submits, _ := fl.counts(); submits != 2 {
		t.Fatalf("want 2 ledger submissions, got %v", submits)
	}
}

func TestSubmitNotFound(t *testing.T) {
	a, _ := newTestAnchor(t, &fakeLedger{})
	sr := a.Submit(context.Background(), "nope")
	if sr.Result != ResultNotFound {
		t.Fatalf("want %v got %v", ResultNotFound, sr.Result)
	}
}

func TestVerifyPendingSubmission(t *testing.T) {
	fl := &fakeLedger{}
	a, ms := newTestAnchor(t, fl)
	if err := ms.Create(newTestRecord(t, "d1")); err != nil {
		t.Fatal(err)
	}

	vr := a.Verify(context.Background(), "d1")
	if vr.Result != ResultPendingSubmit {
		t.Fatalf("want %v got %v", ResultPendingSubmit, vr.Result)
	}
	if _, queries := fl.counts(); queries != 0 {
		t.Fatalf("unsubmitted record hit the ledger %v times", queries)
	}
}

func TestVerifyPendingConsensus(t *testing.T) {
	fl := &fakeLedger{queryErr: ledger.ErrNotFound}
	a, ms := newTestAnchor(t, fl)
	if err := ms.Create(newTestRecord(t, "d1")); err != nil {
		t.Fatal(err)
	}
	if sr := a.Submit(context.Background(), "d1"); sr.Result != ResultOK {
		t.Fatalf("submit: %+v", sr)
	}

	vr := a.Verify(context.Background(), "d1")
	if vr.Result != ResultPendingConsensus {
		t.Fatalf("want %v got %v", ResultPendingConsensus, vr.Result)
	}
	dr, err := ms.Get("d1")
	if err != nil {
		t.Fatal(err)
	}
	if dr.State != store.StateSubmitted {
		t.Fatalf("pending consensus changed state to %v", dr.State)
	}
	if dr.LastVerify.IsZero() {
		t.Fatal("verification attempt not recorded")
	}
}

func TestVerifyConfirm(t *testing.T) {
	fl := &fakeLedger{}
	a, ms := newTestAnchor(t, fl)
	rec := newTestRecord(t, "d1")
	if err := ms.Create(rec); err != nil {
		t.Fatal(err)
	}
	if sr := a.Submit(context.Background(), "d1"); sr.Result != ResultOK {
		t.Fatalf("submit: %+v", sr)
	}
	fl.Lock()
	fl.lookup = &ledger.LookupResult{
		ConsensusTimestamp: "1700000001.000000001",
		Sequence:           7,
		Fingerprint:        rec.ContentHash,
	}
	fl.Unlock()

	vr := a.Verify(context.Background(), "d1")
	if vr.Result != ResultConfirmed {
		t.Fatalf("want %v got %v (%v)", ResultConfirmed, vr.Result,
			vr.Err)
	}
	if vr.ConsensusTimestamp != "1700000001.000000001" || vr.Sequence != 7 {
		t.Fatalf("consensus metadata not returned: %+v", vr)
	}
	if vr.HashIntegrityValid == nil || !*vr.HashIntegrityValid {
		t.Fatal("integrity flag not set")
	}
	dr, err := ms.Get("d1")
	if err != nil {
		t.Fatal(err)
	}
	if dr.State != store.StateConfirmed {
		t.Fatalf("want CONFIRMED, got %v", dr.State)
	}

	// Confirmed records re-return the stored result without a re-query.
	_, before := fl.counts()
	vr = a.Verify(context.Background(), "d1")
	if vr.Result != ResultConfirmed {
		t.Fatalf("reverify: want %v got %v", ResultConfirmed, vr.Result)
	}
	if _, after := fl.counts(); after != before {
		t.Fatalf("confirmed record re-queried the ledger")
	}
}

func TestVerifyLocalTamper(t *testing.T) {
	fl := &fakeLedger{}
	a, ms := newTestAnchor(t, fl)
	rec := newTestRecord(t, "d1")
	if err := ms.Create(rec); err != nil {
		t.Fatal(err)
	}
	if sr := a.Submit(context.Background(), "d1"); sr.Result != ResultOK {
		t.Fatalf("submit: %+v", sr)
	}
	fl.Lock()
	fl.lookup = &ledger.LookupResult{
		ConsensusTimestamp: "1700000001.000000001",
		Sequence:           7,
		Fingerprint:        rec.ContentHash,
	}
	fl.Unlock()

	ms.tamper("d1", "mie scattering")

	vr := a.Verify(context.Background(), "d1")
	if vr.Result != ResultHashMismatch {
		t.Fatalf("want %v got %v", ResultHashMismatch, vr.Result)
	}
	if vr.HashIntegrityValid == nil || *vr.HashIntegrityValid {
		t.Fatal("integrity flag not cleared")
	}
	dr, err := ms.Get("d1")
	if err != nil {
		t.Fatal(err)
	}
	if dr.State != store.StateSubmitted {
		t.Fatalf("tampered record moved to %v", dr.State)
	}
	if dr.HashIntegrityValid == nil || *dr.HashIntegrityValid {
		t.Fatal("integrity flag not persisted")
	}
}

func TestVerifyLedgerFingerprintMismatch(t *testing.T) {
	fl := &fakeLedger{}
	a, ms := newTestAnchor(t, fl)
	if err := ms.Create(newTestRecord(t, "d1")); err != nil {
		t.Fatal(err)
	}
	if sr := a.Submit(context.Background(), "d1"); sr.Result != ResultOK {
		t.Fatalf("submit: %+v", sr)
	}
	fl.Lock()
	fl.lookup = &ledger.LookupResult{
		ConsensusTimestamp: "1700000001.000000001",
		Sequence:           7,
		Fingerprint:        "deadbeef",
	}
	fl.Unlock()

	vr := a.Verify(context.Background(), "d1")
	if vr.Result != ResultHashMismatch {
		t.Fatalf("want %v got %v", ResultHashMismatch, vr.Result)
	}
	dr, err := ms.Get("d1")
	if err != nil {
		t.Fatal(err)
	}
	if dr.State != store.StateSubmitted {
		t.Fatalf("mismatch moved state to %v", dr.State)
	}
}

func TestVerifyUnknownSubmission(t *testing.T) {
	fl := &fakeLedger{}
	a, ms := newTestAnchor(t, fl)
	rec := newTestRecord(t, "d1")
	rec.State = store.StateSubmitted
	rec.TopicID = "0.0.5555"
	rec.SubmissionID = "not-a-submission-id"
	if err := ms.Create(rec); err != nil {
		t.Fatal(err)
	}

	vr := a.Verify(context.Background(), "d1")
	if vr.Result != ResultUnknownSubmission {
		t.Fatalf("want %v got %v", ResultUnknownSubmission, vr.Result)
	}
	if _, queries := fl.counts(); queries != 0 {
		t.Fatalf("malformed id hit the ledger %v times", queries)
	}
}

func TestAnchorLifecycle(t *testing.T) {
	fl := &fakeLedger{queryErr: ledger.ErrNotFound}
	a, ms := newTestAnchor(t, fl)
	rec := newTestRecord(t, "d1")
	if err := ms.Create(rec); err != nil {
		t.Fatal(err)
	}

	sr := a.Submit(context.Background(), "d1")
	if sr.Result != ResultOK {
		t.Fatalf("submit: %+v", sr)
	}

	// Mirror lag first, then consensus.
	vr := a.Verify(context.Background(), "d1")
	if vr.Result != ResultPendingConsensus {
		t.Fatalf("want %v got %v", ResultPendingConsensus, vr.Result)
	}

	fl.Lock()
	fl.queryErr = nil
	fl.lookup = &ledger.LookupResult{
		ConsensusTimestamp: "1700000042.000000099",
		Sequence:           1,
		Fingerprint:        rec.ContentHash,
	}
	fl.Unlock()

	vr = a.Verify(context.Background(), "d1")
	if vr.Result != ResultConfirmed {
		t.Fatalf("want %v got %v (%v)", ResultConfirmed, vr.Result,
			vr.Err)
	}
	dr, err := ms.Get("d1")
	if err != nil {
		t.Fatal(err)
	}
	if dr.State != store.StateConfirmed {
		t.Fatalf("want CONFIRMED got %v", dr.State)
	}
	if dr.ConsensusTimestamp != "1700000042.000000099" || dr.Sequence != 1 {
		t.Fatalf("consensus metadata not persisted: %+v", dr)
	}
}

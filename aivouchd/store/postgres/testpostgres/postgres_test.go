// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package testpostgres

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/aivouch/aivouch/aivouchd/store"
	"github.com/aivouch/aivouch/canonical"
	"github.com/davecgh/go-spew/spew"
)

func testRecord(t *testing.T, id string, ts time.Time) *store.DecisionRecord {
	t.Helper()

	hash, err := canonical.Hash("user-1", "Q", "R", ts)
	if err != nil {
		t.Fatal(err)
	}
	return &store.DecisionRecord{
		ID:          id,
		UserID:      "user-1",
		Query:       "Q",
		Response:    "R",
		Timestamp:   ts,
		ContentHash: hash,
		State:       store.StateNotSubmitted,
	}
}

var testTime = time.Date(2024, 3, 11, 17, 5, 9, 123000000, time.UTC)

func TestCreateGet(t *testing.T) {
	tp := New()

	dr := testRecord(t, "d-1", testTime)
	if err := tp.Create(dr); err != nil {
		t.Fatal(err)
	}

	// Duplicate primary key is rejected.
	if err := tp.Create(dr); !errors.Is(err, store.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, err := tp.Get("d-1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*dr, *got) {
		t.Fatalf("want %v got %v", spew.Sdump(*dr), spew.Sdump(*got))
	}

	if _, err := tp.Get("nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConditionalTransition(t *testing.T) {
	tp := New()

	dr := testRecord(t, "d-1", testTime)
	if err := tp.Create(dr); err != nil {
		t.Fatal(err)
	}

	// Wrong expected state matches zero rows.
	ok, err := tp.ConditionalTransition("d-1", store.StateSubmitted,
		store.StateConfirmed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("transition from wrong state must fail")
	}

	// A missing record is an error, not merely a lost race.
	_, err = tp.ConditionalTransition("nope", store.StateNotSubmitted,
		store.StateSubmitting, nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Winning transition.
	ok, err = tp.ConditionalTransition("d-1", store.StateNotSubmitted,
		store.StateSubmitting, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected transition to win")
	}

	// Linkage lands atomically with SUBMITTING -> SUBMITTED.
	ok, err = tp.ConditionalTransition("d-1", store.StateSubmitting,
		store.StateSubmitted, &store.TransitionData{
			TopicID:      "0.0.4521890",
			SubmissionID: "0.0.1234-1700000000-123456789",
		})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected transition to win")
	}

	got, err := tp.Get("d-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != store.StateSubmitted {
		t.Fatalf("want %v got %v", store.StateSubmitted, got.State)
	}
	if got.TopicID != "0.0.4521890" ||
		got.SubmissionID != "0.0.1234-1700000000-123456789" {
		t.Fatalf("linkage not persisted: %v", spew.Sdump(got))
	}

	// Consensus metadata and the integrity flag land with
	// SUBMITTED -> CONFIRMED; the sequence only lands alongside a
	// consensus timestamp, mirroring the conditional column folding.
	v := true
	ok, err = tp.ConditionalTransition("d-1", store.StateSubmitted,
		store.StateConfirmed, &store.TransitionData{
			ConsensusTimestamp: "1700000001.000000001",
			Sequence:           7,
			HashIntegrityValid: &v,
		})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected transition to win")
	}

	got, err = tp.Get("d-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ConsensusTimestamp != "1700000001.000000001" ||
		got.Sequence != 7 || got.HashIntegrityValid == nil ||
		!*got.HashIntegrityValid {
		t.Fatalf("consensus metadata not persisted: %v", spew.Sdump(got))
	}
	// Linkage from the earlier transition survives the empty extras.
	if got.TopicID != "0.0.4521890" {
		t.Fatalf("linkage clobbered: %v", spew.Sdump(got))
	}
}

// TestConditionalTransitionRace starts N concurrent transitions out of
// NOT_SUBMITTED and requires exactly one winner, the property multiple
// service instances rely on the database for.
func TestConditionalTransitionRace(t *testing.T) {
	tp := New()

	dr := testRecord(t, "d-1", testTime)
	if err := tp.Create(dr); err != nil {
		t.Fatal(err)
	}

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := tp.ConditionalTransition("d-1",
				store.StateNotSubmitted, store.StateSubmitting,
				nil)
			if err != nil {
				t.Error(err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for ok := range wins {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %v", winners)
	}
}

func TestSetVerification(t *testing.T) {
	tp := New()

	dr := testRecord(t, "d-1", testTime)
	dr.State = store.StateSubmitted
	if err := tp.Create(dr); err != nil {
		t.Fatal(err)
	}

	f := false
	now := time.Now().UTC().Truncate(time.Second)
	err := tp.SetVerification("d-1", store.VerificationData{
		LastVerify:         now,
		VerifyError:        "stored content does not match content hash",
		HashIntegrityValid: &f,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := tp.Get("d-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != store.StateSubmitted {
		t.Fatalf("verification update must not change state: %v",
			got.State)
	}
	if !got.LastVerify.Equal(now) || got.VerifyError == "" ||
		got.HashIntegrityValid == nil || *got.HashIntegrityValid {
		t.Fatalf("verification not persisted: %v", spew.Sdump(got))
	}

	// A nil integrity flag coalesces with the stored value.
	err = tp.SetVerification("d-1", store.VerificationData{
		LastVerify: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err = tp.Get("d-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.HashIntegrityValid == nil || *got.HashIntegrityValid {
		t.Fatalf("integrity flag clobbered: %v", spew.Sdump(got))
	}

	err = tp.SetVerification("nope", store.VerificationData{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListByState(t *testing.T) {
	tp := New()

	states := []store.State{
		store.StateNotSubmitted,
		store.StateSubmitted,
		store.StateSubmitted,
		store.StateConfirmed,
		store.StateFailed,
	}
	for i, s := range states {
		// Stagger creation times so ordering is observable.
		dr := testRecord(t, "d-"+string(rune('a'+i)),
			testTime.Add(time.Duration(i)*time.Second))
		dr.State = s
		if err := tp.Create(dr); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := tp.ListByState(store.StateSubmitted, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"d-b", "d-c"}) {
		t.Fatalf("expected oldest first, got %v", ids)
	}

	ids, err = tp.ListByState(store.StateSubmitted, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"d-b"}) {
		t.Fatalf("expected max to clamp results, got %v", ids)
	}
}

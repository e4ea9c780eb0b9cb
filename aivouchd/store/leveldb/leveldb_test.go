// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package leveldb

import (
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/aivouch/aivouch/aivouchd/store"
	"github.com/aivouch/aivouch/canonical"
	"github.com/davecgh/go-spew/spew"
)

func newTestStore(t *testing.T) *LevelDB {
	t.Helper()

	dir, err := os.MkdirTemp("", "aivouchd.test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	l, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Close)

	return l
}

func testRecord(t *testing.T, id string) *store.DecisionRecord {
	t.Helper()

	ts := time.Date(2024, 3, 11, 17, 5, 9, 123000000, time.UTC)
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

func TestEncodeDecode(t *testing.T) {
	dr := testRecord(t, "d-1")
	dr.State = store.StateSubmitted
	dr.TopicID = "0.0.4521890"
	dr.SubmissionID = "0.0.1234-1700000000-123456789"

	blob, err := encodeRecord(*dr)
	if err != nil {
		t.Fatal(err)
	}
	dr2, err := decodeRecord(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*dr, *dr2) {
		t.Fatalf("want %v got %v", spew.Sdump(*dr), spew.Sdump(*dr2))
	}
}

func TestCreateGet(t *testing.T) {
	l := newTestStore(t)

	dr := testRecord(t, "d-1")
	if err := l.Create(dr); err != nil {
		t.Fatal(err)
	}

	// Duplicate id is rejected.
	if err := l.Create(dr); !errors.Is(err, store.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, err := l.Get("d-1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*dr, *got) {
		t.Fatalf("want %v got %v", spew.Sdump(*dr), spew.Sdump(*got))
	}

	if _, err := l.Get("nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConditionalTransition(t *testing.T) {
	l := newTestStore(t)

	dr := testRecord(t, "d-1")
	if err := l.Create(dr); err != nil {
		t.Fatal(err)
	}

	// Wrong expected state is a no-op.
	ok, err := l.ConditionalTransition("d-1", store.StateSubmitted,
		store.StateConfirmed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("transition from wrong state must fail")
	}

	// Winning transition.
	ok, err = l.ConditionalTransition("d-1", store.StateNotSubmitted,
		store.StateSubmitting, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected transition to win")
	}

	// Linkage lands atomically with SUBMITTING -> SUBMITTED.
	ok, err = l.ConditionalTransition("d-1", store.StateSubmitting,
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

	got, err := l.Get("d-1")
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
}

// TestConditionalTransitionRace starts N concurrent transitions out of
// NOT_SUBMITTED and requires exactly one winner.
func TestConditionalTransitionRace(t *testing.T) {
	l := newTestStore(t)

	dr := testRecord(t, "d-1")
	if err := l.Create(dr); err != nil {
		t.Fatal(err)
	}

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.ConditionalTransition("d-1",
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
	l := newTestStore(t)

	dr := testRecord(t, "d-1")
	dr.State = store.StateSubmitted
	if err := l.Create(dr); err != nil {
		t.Fatal(err)
	}

	f := false
	now := time.Now().UTC().Truncate(time.Second)
	err := l.SetVerification("d-1", store.VerificationData{
		LastVerify:         now,
		VerifyError:        "stored content does not match content hash",
		HashIntegrityValid: &f,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := l.Get("d-1")
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
}

func TestListByState(t *testing.T) {
	l := newTestStore(t)

	states := []store.State{
		store.StateNotSubmitted,
		store.StateSubmitted,
		store.StateSubmitted,
		store.StateConfirmed,
		store.StateFailed,
	}
	for i, s := range states {
		dr := testRecord(t, "d-"+string(rune('a'+i)))
		dr.State = s
		if err := l.Create(dr); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := l.ListByState(store.StateSubmitted, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 submitted records, got %v", len(ids))
	}

	ids, err = l.ListByState(store.StateSubmitted, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected max to clamp results, got %v", len(ids))
	}
}

func TestFsckDetectsTamper(t *testing.T) {
	l := newTestStore(t)

	dr := testRecord(t, "d-1")
	if err := l.Create(dr); err != nil {
		t.Fatal(err)
	}

	// Clean store passes.
	if err := l.Fsck(&store.FsckOptions{}); err != nil {
		t.Fatal(err)
	}

	// Mutate stored content behind the store's back, keeping the stale
	// hash.
	dr.Response = "R2"
	l.Lock()
	err := l.put(dr)
	l.Unlock()
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Fsck(&store.FsckOptions{}); err == nil {
		t.Fatal("expected fsck to report integrity violation")
	}
}

func TestDumpRestore(t *testing.T) {
	l := newTestStore(t)

	for _, id := range []string{"d-1", "d-2", "d-3"} {
		if err := l.Create(testRecord(t, id)); err != nil {
			t.Fatal(err)
		}
	}

	f, err := os.CreateTemp("", "aivouchd.dump")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := l.Dump(f, false); err != nil {
		t.Fatal(err)
	}

	// Restore into a fresh store.
	dir, err := os.MkdirTemp("", "aivouchd.restore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	r, err := NewRestore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := f.Seek(0, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.Restore(f, false, dir); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"d-1", "d-2", "d-3"} {
		want, err := l.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		got, err := r.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(*want, *got) {
			t.Fatalf("want %v got %v", spew.Sdump(*want),
				spew.Sdump(*got))
		}
	}
}

// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package util

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aivouch/aivouch/aivouchd/ledger"
)

const (
	testTopicID      = "0.0.4521890"
	testSubmissionID = "0.0.1234@1700000000.123456789"
	testConsensusTS  = "1700000001.000000001"
	testHash         = "deadbeef"
)

func newMirrorServer(t *testing.T) *httptest.Server {
	t.Helper()

	message, err := ledger.EncodeEnvelope(ledger.Payload{
		Hash:           testHash,
		UserID:         "user-1",
		Timestamp:      "2024-03-11T17:05:09.123Z",
		QueryLength:    1,
		ResponseLength: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/transactions/0.0.1234-1700000000-123456789":
			fmt.Fprintf(w, `{"transactions":[{"consensus_timestamp":"%v","result":"SUCCESS"}]}`,
				testConsensusTS)
		case "/api/v1/topics/" + testTopicID + "/messages":
			fmt.Fprintf(w, `{"messages":[{"consensus_timestamp":"%v","message":"%v","sequence_number":42}]}`,
				testConsensusTS,
				base64.StdEncoding.EncodeToString(message))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestVerifyAnchor(t *testing.T) {
	srv := newMirrorServer(t)
	defer srv.Close()

	err := VerifyAnchor(srv.URL, testTopicID, testSubmissionID, testHash)
	if err != nil {
		t.Fatal(err)
	}

	// External tooling may carry uppercase digests.
	err = VerifyAnchor(srv.URL, testTopicID, testSubmissionID, "DEADBEEF")
	if err != nil {
		t.Fatal(err)
	}
}

func TestVerifyAnchorMismatch(t *testing.T) {
	srv := newMirrorServer(t)
	defer srv.Close()

	err := VerifyAnchor(srv.URL, testTopicID, testSubmissionID, "badc0ffe")
	if err == nil {
		t.Fatal("expected foreign hash to fail verification")
	}
	if errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("mismatch must not look like consensus lag: %v", err)
	}
}

// TestVerifyAnchorNotOrdered requires the expected consensus-lag case, a 404
// from the mirror, to surface as a distinct not-found rather than a generic
// transport error.
func TestVerifyAnchorNotOrdered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	err := VerifyAnchor(srv.URL, testTopicID, testSubmissionID, testHash)
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestVerifyAnchorEmptyTransactions covers mirrors that answer 200 with an
// empty transaction list while the submission propagates.
func TestVerifyAnchorEmptyTransactions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"transactions":[]}`)
	}))
	defer srv.Close()

	err := VerifyAnchor(srv.URL, testTopicID, testSubmissionID, testHash)
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

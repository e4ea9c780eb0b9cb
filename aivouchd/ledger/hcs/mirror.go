// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hcs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aivouch/aivouch/aivouchd/ledger"
)

// mirrorClient reads the mirror node REST API.  The mirror is an
// independent, eventually consistent view of the consensus log; a 404 means
// the submission has not been ordered yet, not that it never will be.
type mirrorClient struct {
	url    string // e.g. https://testnet.mirrornode.hedera.com
	client *http.Client
}

// mirrorTransaction is the subset of the mirror transaction reply we use.
type mirrorTransaction struct {
	ConsensusTimestamp string `json:"consensus_timestamp"`
	Name               string `json:"name"`
	Result             string `json:"result"`
}

type mirrorTransactionsReply struct {
	Transactions []mirrorTransaction `json:"transactions"`
}

// mirrorMessage is the subset of the mirror topic message reply we use.
type mirrorMessage struct {
	ConsensusTimestamp string `json:"consensus_timestamp"`
	Message            string `json:"message"` // base64
	SequenceNumber     int64  `json:"sequence_number"`
}

type mirrorMessagesReply struct {
	Messages []mirrorMessage `json:"messages"`
}

// NormalizeSubmissionID converts an SDK form transaction id (0.0.X@sss.nnn)
// to the mirror REST form (0.0.X-sss-nnn).  Already normalized ids pass
// through unchanged.
func NormalizeSubmissionID(id string) string {
	at := strings.IndexByte(id, '@')
	if at == -1 {
		return id
	}
	return id[:at] + "-" + strings.Replace(id[at+1:], ".", "-", 1)
}

// get issues a GET and decodes the JSON reply into v.  A 404 maps to
// ledger.ErrNotFound; any transport fault maps to UnavailableError.
func (m *mirrorClient) get(ctx context.Context, route string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.url+route, nil)
	if err != nil {
		return err
	}

	r, err := m.client.Do(req)
	if err != nil {
		return ledger.UnavailableError{Op: "mirror", Err: err}
	}
	defer r.Body.Close()

	switch {
	case r.StatusCode == http.StatusNotFound:
		return ledger.ErrNotFound
	case r.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(r.Body, 512))
		return ledger.UnavailableError{
			Op: "mirror",
			Err: fmt.Errorf("unexpected status %v: %s",
				r.StatusCode, body),
		}
	}

	return json.NewDecoder(r.Body).Decode(v)
}

// lookup resolves a submission id to its consensus metadata and embedded
// fingerprint.  It first resolves the transaction to a consensus timestamp,
// then fetches the topic message ordered at that timestamp to recover the
// payload the ledger actually holds.
func (m *mirrorClient) lookup(ctx context.Context, topicID, submissionID string) (*ledger.LookupResult, error) {
	id := NormalizeSubmissionID(submissionID)

	var tr mirrorTransactionsReply
	err := m.get(ctx, "/api/v1/transactions/"+id, &tr)
	if err != nil {
		return nil, err
	}
	if len(tr.Transactions) == 0 {
		return nil, ledger.ErrNotFound
	}
	tx := tr.Transactions[0]
	if tx.Result != "SUCCESS" {
		return nil, fmt.Errorf("transaction %v result %v", id,
			tx.Result)
	}

	var mr mirrorMessagesReply
	route := fmt.Sprintf("/api/v1/topics/%v/messages?timestamp=%v&limit=1",
		topicID, tx.ConsensusTimestamp)
	err = m.get(ctx, route, &mr)
	if err != nil {
		return nil, err
	}
	if len(mr.Messages) == 0 {
		return nil, ledger.ErrNotFound
	}
	msg := mr.Messages[0]

	raw, err := base64.StdEncoding.DecodeString(msg.Message)
	if err != nil {
		return nil, fmt.Errorf("decode message %v: %v", id, err)
	}
	envelope, err := ledger.DecodeEnvelope(raw)
	if err != nil {
		return nil, fmt.Errorf("decode envelope %v: %v", id, err)
	}

	return &ledger.LookupResult{
		ConsensusTimestamp: msg.ConsensusTimestamp,
		Sequence:           msg.SequenceNumber,
		Fingerprint:        envelope.Data.Hash,
	}, nil
}

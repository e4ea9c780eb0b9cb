// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package util

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aivouch/aivouch/aivouchd/ledger"
	"github.com/aivouch/aivouch/aivouchd/ledger/hcs"
)

type mirrorTransaction struct {
	ConsensusTimestamp string `json:"consensus_timestamp"`
	Result             string `json:"result"`
}

type mirrorTransactionsReply struct {
	Transactions []mirrorTransaction `json:"transactions"`
}

type mirrorMessage struct {
	ConsensusTimestamp string `json:"consensus_timestamp"`
	Message            string `json:"message"`
	SequenceNumber     int64  `json:"sequence_number"`
}

type mirrorMessagesReply struct {
	Messages []mirrorMessage `json:"messages"`
}

func mirrorGet(ctx context.Context, u string, reply interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP Get: %v", err)
	}
	defer r.Body.Close()

	switch {
	case r.StatusCode == http.StatusNotFound:
		// The mirror lags consensus; not found is expected until the
		// submission is ordered.
		return ledger.ErrNotFound
	case r.StatusCode != http.StatusOK:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("invalid body: %v %v",
				r.StatusCode, body)
		}
		return fmt.Errorf("invalid mirror answer: %v %s",
			r.StatusCode, body)
	}

	return json.NewDecoder(r.Body).Decode(reply)
}

// VerifyAnchor verifies proof of existence of the supplied content hash on
// the consensus ledger, using only a mirror node.  It resolves the
// submission to its consensus timestamp, fetches the topic message ordered
// at that timestamp and compares the embedded fingerprint against hash.
func VerifyAnchor(mirrorURL, topicID, submissionID, hash string) error {
	ctx := context.Background()
	base := strings.TrimSuffix(mirrorURL, "/")
	id := hcs.NormalizeSubmissionID(submissionID)

	var tr mirrorTransactionsReply
	err := mirrorGet(ctx, base+"/api/v1/transactions/"+id, &tr)
	if err != nil {
		return err
	}
	if len(tr.Transactions) == 0 {
		return fmt.Errorf("submission %v: %w", id, ledger.ErrNotFound)
	}
	tx := tr.Transactions[0]
	if tx.Result != "SUCCESS" {
		return fmt.Errorf("submission %v result: %v", id, tx.Result)
	}

	var mr mirrorMessagesReply
	err = mirrorGet(ctx, base+"/api/v1/topics/"+topicID+"/messages?"+
		url.Values{"timestamp": {tx.ConsensusTimestamp}}.Encode(), &mr)
	if err != nil {
		return err
	}

	var done bool
	for _, m := range mr.Messages {
		if m.ConsensusTimestamp != tx.ConsensusTimestamp {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(m.Message)
		if err != nil {
			return fmt.Errorf("decode message: %v", err)
		}
		e, err := ledger.DecodeEnvelope(raw)
		if err != nil {
			return fmt.Errorf("decode envelope: %v", err)
		}
		if !strings.EqualFold(e.Data.Hash, hash) {
			return fmt.Errorf("hash mismatch: ledger holds %v",
				e.Data.Hash)
		}
		done = true
		break
	}
	if !done {
		return fmt.Errorf("no message ordered at %v on topic %v: %w",
			tx.ConsensusTimestamp, topicID, ledger.ErrNotFound)
	}

	return nil
}

// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package hcs implements the ledger client against the Hedera Consensus
// Service: submissions go through a Hedera node via the SDK, confirmations
// come from a mirror node REST API.
package hcs

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aivouch/aivouch/aivouchd/ledger"
	hedera "github.com/hashgraph/hedera-sdk-go/v2"
)

const (
	// defaultTimeout bounds every outbound ledger call.  The external
	// service applies its own timeouts as well; ours only guarantees we
	// never block a caller indefinitely.
	defaultTimeout = 5 * time.Second

	maxTransactionFee = 1 // hbar
)

var _ ledger.Client = (*HCS)(nil)

// HCS is a Hedera Consensus Service implementation of a ledger client.
type HCS struct {
	client  *hedera.Client
	mirror  *mirrorClient
	timeout time.Duration
}

// Submit appends the payload to the named topic and returns the receipt.
//
// Submit satisfies the ledger.Client interface.
func (h *HCS) Submit(ctx context.Context, topicID string, p ledger.Payload) (*ledger.Receipt, error) {
	topic, err := hedera.TopicIDFromString(topicID)
	if err != nil {
		return nil, fmt.Errorf("invalid topic id %v: %v", topicID, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, ledger.UnavailableError{Op: "submit", Err: err}
	}

	message, err := ledger.EncodeEnvelope(p)
	if err != nil {
		return nil, err
	}

	// The SDK takes its deadline per request rather than from a context.
	deadline := h.timeout
	resp, err := hedera.NewTopicMessageSubmitTransaction().
		SetTopicID(topic).
		SetMessage(message).
		SetMaxTransactionFee(hedera.NewHbar(maxTransactionFee)).
		SetGrpcDeadline(&deadline).
		Execute(h.client)
	if err != nil {
		return nil, ledger.UnavailableError{Op: "submit", Err: err}
	}

	// The receipt proves the network accepted the message.  A rejected
	// transaction is a submission failure, not a transport fault, but it
	// is equally retryable from the caller's point of view.
	receipt, err := resp.GetReceipt(h.client)
	if err != nil {
		return nil, ledger.UnavailableError{Op: "receipt", Err: err}
	}
	if receipt.Status != hedera.StatusSuccess {
		return nil, ledger.UnavailableError{
			Op:  "receipt",
			Err: fmt.Errorf("transaction status %v", receipt.Status),
		}
	}

	submissionID := resp.TransactionID.String()
	log.Debugf("Submit topic %v: %v", topicID, submissionID)

	return &ledger.Receipt{
		TopicID:      topicID,
		SubmissionID: submissionID,
	}, nil
}

// Query looks the submission up on the mirror node.
//
// Query satisfies the ledger.Client interface.
func (h *HCS) Query(ctx context.Context, topicID, submissionID string) (*ledger.LookupResult, error) {
	if !ledger.ValidSubmissionID(submissionID) {
		return nil, fmt.Errorf("invalid submission id: %v",
			submissionID)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	return h.mirror.lookup(ctx, topicID, submissionID)
}

// CreateTopic creates a new consensus topic restricted to the operator's
// submit key and returns its id.  Used by operator tooling, not the
// anchoring pipeline.
func (h *HCS) CreateTopic(ctx context.Context, memo string, submitKey hedera.PublicKey) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", ledger.UnavailableError{Op: "createtopic", Err: err}
	}

	deadline := h.timeout
	resp, err := hedera.NewTopicCreateTransaction().
		SetTopicMemo(memo).
		SetSubmitKey(submitKey).
		SetGrpcDeadline(&deadline).
		Execute(h.client)
	if err != nil {
		return "", ledger.UnavailableError{Op: "createtopic", Err: err}
	}
	receipt, err := resp.GetReceipt(h.client)
	if err != nil {
		return "", ledger.UnavailableError{Op: "createtopic", Err: err}
	}
	if receipt.TopicID == nil {
		return "", fmt.Errorf("no topic id in receipt")
	}

	log.Infof("Created topic: %v", receipt.TopicID.String())
	return receipt.TopicID.String(), nil
}

// OperatorKey returns the operator's public key.
func (h *HCS) OperatorKey() hedera.PublicKey {
	return h.client.GetOperatorPublicKey()
}

// Close shuts down the network connections to the Hedera nodes.
//
// Close satisfies the ledger.Client interface.
func (h *HCS) Close() {
	if err := h.client.Close(); err != nil {
		log.Errorf("close hedera client: %v", err)
	}
}

// New returns an HCS ledger client for the given network.  The operator
// account signs and pays for all submissions.
func New(network, operatorID, operatorKey, mirrorURL string, timeout time.Duration) (*HCS, error) {
	account, err := hedera.AccountIDFromString(operatorID)
	if err != nil {
		return nil, fmt.Errorf("invalid operator account: %v", err)
	}
	key, err := hedera.PrivateKeyFromString(operatorKey)
	if err != nil {
		return nil, fmt.Errorf("invalid operator key: %v", err)
	}

	var client *hedera.Client
	switch network {
	case "mainnet":
		client = hedera.ClientForMainnet()
	case "testnet":
		client = hedera.ClientForTestnet()
	default:
		return nil, fmt.Errorf("unknown network: %v", network)
	}
	client.SetOperator(account, key)

	if timeout <= 0 {
		timeout = defaultTimeout
	}

	log.Infof("Hedera network : %v", network)
	log.Infof("Operator       : %v", operatorID)
	log.Infof("Mirror node    : %v", mirrorURL)

	return &HCS{
		client: client,
		mirror: &mirrorClient{
			url:    mirrorURL,
			client: &http.Client{Timeout: timeout},
		},
		timeout: timeout,
	}, nil
}

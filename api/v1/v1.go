// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package v1

import (
	"fmt"
	"regexp"
)

const (
	// APIVersion defines the version number for this code.
	APIVersion = 1

	// ResultOK indicates the operation completed successfully.
	ResultOK = 0

	// ResultAlreadyAnchored indicates the decision was already submitted;
	// the reply carries the existing ledger linkage.
	ResultAlreadyAnchored = 1

	// ResultPendingRetry indicates a transient fault; the operation may be
	// retried.
	ResultPendingRetry = 2

	// ResultDoesntExistError indicates the decision id is unknown.
	ResultDoesntExistError = 3

	// ResultMalformedError indicates the decision content is malformed.
	ResultMalformedError = 4

	// ResultPendingSubmission indicates the decision has not completed
	// submission yet.
	ResultPendingSubmission = 5

	// ResultPendingConsensus indicates the submission has not been ordered
	// on the mirror yet.
	ResultPendingConsensus = 6

	// ResultConfirmed indicates the decision was independently confirmed
	// with a matching content hash.
	ResultConfirmed = 7

	// ResultHashMismatch indicates an integrity violation.  The decision
	// content, its stored hash and the ledger fingerprint disagree.
	ResultHashMismatch = 8

	// ResultUnknownSubmission indicates the stored submission id is
	// malformed and the decision cannot be verified.
	ResultUnknownSubmission = 9

	// ResultExistsError indicates the decision id is already taken.
	ResultExistsError = 10

	// DefaultMainnetPort indicates the default mainnet daemon port.
	DefaultMainnetPort = "49374"

	// DefaultTestnetPort indicates the default testnet daemon port.
	DefaultTestnetPort = "59374"

	// DefaultTestnetMirror is the default testnet mirror node address.
	DefaultTestnetMirror = "https://testnet.mirrornode.hedera.com"

	// DefaultMainnetMirror is the default mainnet mirror node address.
	DefaultMainnetMirror = "https://mainnet-public.mirrornode.hedera.com"
)

var (
	// RoutePrefix is the route url prefix for this version.
	RoutePrefix = fmt.Sprintf("/v%v", APIVersion)

	// StatusRoute defines the API route for retrieving the server status.
	StatusRoute = RoutePrefix + "/status/"

	// DecisionRoute defines the API route for recording a decision.
	DecisionRoute = RoutePrefix + "/decision/"

	// AnchorRoute defines the API route for submitting a decision hash to
	// the consensus ledger.
	AnchorRoute = RoutePrefix + "/anchor/"

	// VerifyRoute defines the API route for verifying a decision against
	// the ledger mirror.
	VerifyRoute = RoutePrefix + "/verify/"

	// Result defines legible string messages to a result code.
	Result = map[int]string{
		ResultOK:                "OK",
		ResultAlreadyAnchored:   "Already anchored",
		ResultPendingRetry:      "Pending, retry later",
		ResultDoesntExistError:  "Doesn't exist",
		ResultMalformedError:    "Malformed content",
		ResultPendingSubmission: "Pending submission",
		ResultPendingConsensus:  "Pending consensus",
		ResultConfirmed:         "Confirmed",
		ResultHashMismatch:      "Verification failed - do not trust",
		ResultUnknownSubmission: "Unknown submission",
		ResultExistsError:       "Exists",
	}

	// RegexpSHA256 is the valid text representation of a sha256 content
	// hash.
	RegexpSHA256 = regexp.MustCompile("^[A-Fa-f0-9]{64}$")

	// RegexpDecisionID is the valid text representation of a decision id.
	RegexpDecisionID = regexp.MustCompile(
		"^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$")
)

// Status is used to ask the server if everything is running properly.
// ID is user settable and can be used as a unique identifier by the client.
type Status struct {
	ID string `json:"id"`
}

// StatusReply is returned by the server if everything is running properly.
type StatusReply struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Network string `json:"network"`
	TopicID string `json:"topicid"`
}

// Decision is used to record a decision for anchoring.  ID is user settable
// and can be used as a unique identifier by the client.  Response may be
// omitted when the server has a configured responder, in which case the
// response is generated server-side and returned in the reply.
type Decision struct {
	ID       string `json:"id"`
	UserID   string `json:"userid"`
	Query    string `json:"query"`
	Response string `json:"response,omitempty"`
}

// DecisionReply is returned after the decision is recorded and its content
// hash computed.  ID is copied from the originating Decision call.
// DecisionID is the server assigned identifier used in all subsequent calls.
type DecisionReply struct {
	ID          string `json:"id"`
	DecisionID  string `json:"decisionid"`
	ContentHash string `json:"contenthash"`
	Timestamp   string `json:"timestamp"`
	Response    string `json:"response,omitempty"`
	State       string `json:"state"`
	Result      int    `json:"result"`
}

// Anchor is used to submit a recorded decision's hash to the consensus
// ledger.  Anchoring is idempotent; resubmitting an anchored decision
// returns the existing linkage.
type Anchor struct {
	ID         string `json:"id"`
	DecisionID string `json:"decisionid"`
}

// AnchorReply is returned by the anchor call.  TopicID and SubmissionID are
// only set once the ledger accepted the submission.
type AnchorReply struct {
	ID           string `json:"id"`
	DecisionID   string `json:"decisionid"`
	Result       int    `json:"result"`
	State        string `json:"state"`
	TopicID      string `json:"topicid,omitempty"`
	SubmissionID string `json:"submissionid,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Verify is used to confirm a decision against the ledger mirror.  If the
// decision was not submitted yet it is submitted first.
type Verify struct {
	ID         string `json:"id"`
	DecisionID string `json:"decisionid"`
}

// VerifyReply is returned by the verify call.  ConsensusTimestamp and
// Sequence are only set once the submission was independently observed on
// the mirror.  HashIntegrityValid is nil until a verification attempt,
// then true or false; false is an integrity violation and the decision
// must not be trusted.
type VerifyReply struct {
	ID                 string `json:"id"`
	DecisionID         string `json:"decisionid"`
	Result             int    `json:"result"`
	State              string `json:"state"`
	ConsensusTimestamp string `json:"consensustimestamp,omitempty"`
	Sequence           int64  `json:"sequence,omitempty"`
	HashIntegrityValid *bool  `json:"hashintegrityvalid,omitempty"`
	Error              string `json:"error,omitempty"`
}

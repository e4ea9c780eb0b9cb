// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package canonical computes the deterministic content digest of an AI
// decision.  The digest input is the RFC 8785 (JCS) canonical JSON form of
// the decision content, so that two logically identical decisions always
// hash to the same value regardless of incidental field ordering or
// formatting.  The canonical form is part of the wire contract:
//
//	{"query":<trimmed>,"response":<trimmed>,"timestamp":<ISO-8601 UTC,
//	millisecond precision>,"userId":<string>}
//
// hashed with SHA-256 and rendered as lowercase hex.
package canonical

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// TimestampFormat is the fixed timestamp representation that participates in
// the digest.  Millisecond precision, always UTC.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// content is the exact object that is canonicalized and hashed.  Field names
// are part of the contract; do not rename.
type content struct {
	Query     string `json:"query"`
	Response  string `json:"response"`
	Timestamp string `json:"timestamp"`
	UserID    string `json:"userId"`
}

// MalformedContentError is returned when a required content field is missing.
// It indicates a caller bug, not a transient condition.
type MalformedContentError struct {
	Field string
}

func (e MalformedContentError) Error() string {
	return fmt.Sprintf("malformed decision content: missing or invalid %v",
		e.Field)
}

// FormatTimestamp renders ts in the canonical timestamp representation.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampFormat)
}

// Hash returns the canonical SHA-256 digest of the provided decision content
// as a lowercase hex string.  Query and response are whitespace-trimmed
// before hashing.  The same logical input always yields the same digest.
func Hash(userID, query, response string, ts time.Time) (string, error) {
	c, err := validate(userID, query, response, ts)
	if err != nil {
		return "", err
	}

	// Marshal then canonicalize.  jcs.Transform sorts object keys by
	// UTF-8 code points and strips incidental formatting, per RFC 8785.
	blob, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(blob)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(canon)
	return hex.EncodeToString(digest[:]), nil
}

// Validate recomputes the digest of the provided content and compares it
// against expected.  The comparison covers the full digest; a truncated
// expected value never matches.
func Validate(userID, query, response string, ts time.Time, expected string) (bool, error) {
	digest, err := Hash(userID, query, response, ts)
	if err != nil {
		return false, err
	}
	if len(expected) != len(digest) {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(digest),
		[]byte(strings.ToLower(expected))) == 1, nil
}

// validate asserts all required fields are present and returns the content
// object that participates in the digest.
func validate(userID, query, response string, ts time.Time) (*content, error) {
	q := strings.TrimSpace(query)
	r := strings.TrimSpace(response)
	switch {
	case strings.TrimSpace(userID) == "":
		return nil, MalformedContentError{Field: "userId"}
	case q == "":
		return nil, MalformedContentError{Field: "query"}
	case r == "":
		return nil, MalformedContentError{Field: "response"}
	case ts.IsZero():
		return nil, MalformedContentError{Field: "timestamp"}
	}
	return &content{
		Query:     q,
		Response:  r,
		Timestamp: FormatTimestamp(ts),
		UserID:    userID,
	}, nil
}

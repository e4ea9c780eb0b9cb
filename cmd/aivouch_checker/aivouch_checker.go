// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// aivouch_checker verifies a locally held decision record against the
// consensus ledger without involving aivouchd.  It recomputes the content
// hash from the record and proves its existence through a mirror node, so a
// third party can audit a decision with nothing but the record file.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	v1 "github.com/aivouch/aivouch/api/v1"
	"github.com/aivouch/aivouch/aivouchd/ledger"
	"github.com/aivouch/aivouch/aivouchd/store"
	"github.com/aivouch/aivouch/canonical"
	"github.com/aivouch/aivouch/util"
)

var (
	file       = flag.String("f", "", "Decision record file (JSON)")
	mirrorHost = flag.String("h", "", "Mirror node base URL")
	testnet    = flag.Bool("testnet", false, "Use testnet mirror node")
	verbose    = flag.Bool("v", false, "Verbose")
)

func _main() error {
	flag.Parse()

	if *file == "" {
		flag.Usage()
		return fmt.Errorf("-f is required")
	}
	if *mirrorHost == "" {
		if *testnet {
			*mirrorHost = v1.DefaultTestnetMirror
		} else {
			*mirrorHost = v1.DefaultMainnetMirror
		}
	}

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()

	var dr store.DecisionRecord
	decoder := json.NewDecoder(f)
	if err := decoder.Decode(&dr); err != nil {
		return fmt.Errorf("could not decode decision record: %v", err)
	}
	if dr.TopicID == "" || dr.SubmissionID == "" {
		return fmt.Errorf("record carries no ledger linkage; anchor " +
			"it first")
	}

	// Recompute the hash from the record content; the stored hash is not
	// trusted.
	hash, err := canonical.Hash(dr.UserID, dr.Query, dr.Response,
		dr.Timestamp)
	if err != nil {
		return fmt.Errorf("could not hash content: %v", err)
	}
	if !strings.EqualFold(hash, dr.ContentHash) {
		return fmt.Errorf("record hash mismatch: stored %v computed %v",
			dr.ContentHash, hash)
	}
	if *verbose {
		fmt.Printf("%v  Content OK\n", hash)
	}

	// Prove the hash exists on the ledger.
	err = util.VerifyAnchor(*mirrorHost, dr.TopicID, dr.SubmissionID, hash)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("submission %v not ordered yet; the mirror "+
			"lags consensus, retry later", dr.SubmissionID)
	}
	if err != nil {
		return err
	}

	if *verbose {
		fmt.Printf("%v  Anchor  OK\n", hash)
	}

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	v1 "github.com/aivouch/aivouch/api/v1"
	"github.com/aivouch/aivouch/aivouchd/ledger/hcs"
)

const aivouchClientID = "aivouch cli"

var (
	testnet     = flag.Bool("testnet", false, "Use testnet port")
	debug       = flag.Bool("debug", false, "Print JSON that is sent to server")
	printJSON   = flag.Bool("json", false, "Print JSON response from server")
	host        = flag.String("h", "", "aivouchd host")
	skipVerify  = flag.Bool("skipverify", false, "Skip TLS certificate verification")
	verbose     = flag.Bool("v", false, "Verbose")
	user        = flag.String("u", "", "User id the decision belongs to")
	query       = flag.String("q", "", "Query to record; requires -u")
	response    = flag.String("r", "", "Response to record; generated server-side when omitted")
	anchorID    = flag.String("a", "", "Anchor a recorded decision by id")
	verifyID    = flag.String("verify", "", "Verify a decision by id, anchoring it first if needed")
	status      = flag.Bool("status", false, "Query daemon status")
	createTopic = flag.Bool("createtopic", false, "Create a consensus topic; requires -operatorid and -operatorkey")
	operatorID  = flag.String("operatorid", "", "Ledger operator account id")
	operatorKey = flag.String("operatorkey", "", "File containing the operator private key")
	topicMemo   = flag.String("memo", "aivouch decision anchors", "Memo for the created topic")
)

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// getError returns the error that is embedded in a JSON reply.
func getError(r io.Reader) (string, error) {
	var e interface{}
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&e); err != nil {
		return "", err
	}
	m, ok := e.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("could not decode response")
	}
	rError, ok := m["error"]
	if !ok {
		return "", fmt.Errorf("no error response")
	}
	return fmt.Sprintf("%v", rError), nil
}

func newClient() *http.Client {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: *skipVerify,
	}
	tr := &http.Transport{
		TLSClientConfig: tlsConfig,
	}
	return &http.Client{Transport: tr}
}

// post sends the request payload to route and decodes the response into
// reply.
func post(route string, request, reply interface{}) error {
	b, err := json.Marshal(request)
	if err != nil {
		return err
	}
	if *debug {
		fmt.Println(string(b))
	}

	c := newClient()
	r, err := c.Post(*host+route, "application/json",
		bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		e, err := getError(r.Body)
		if err != nil {
			return fmt.Errorf("%v", r.Status)
		}
		return fmt.Errorf("%v: %v", r.Status, e)
	}

	if *printJSON {
		io.Copy(os.Stdout, r.Body)
		fmt.Printf("\n")
		return nil
	}

	decoder := json.NewDecoder(r.Body)
	return decoder.Decode(reply)
}

func decision() error {
	var reply v1.DecisionReply
	err := post(v1.DecisionRoute, v1.Decision{
		ID:       aivouchClientID,
		UserID:   *user,
		Query:    *query,
		Response: *response,
	}, &reply)
	if err != nil {
		return err
	}
	if *printJSON {
		return nil
	}

	fmt.Printf("%v %v\n", reply.DecisionID, v1.Result[reply.Result])
	if *verbose {
		fmt.Printf("  %-15v: %v\n", "Content Hash", reply.ContentHash)
		fmt.Printf("  %-15v: %v\n", "Timestamp", reply.Timestamp)
		fmt.Printf("  %-15v: %v\n", "State", reply.State)
		if reply.Response != "" {
			fmt.Printf("  %-15v: %v\n", "Response",
				reply.Response)
		}
	}
	return nil
}

func anchor() error {
	var reply v1.AnchorReply
	err := post(v1.AnchorRoute, v1.Anchor{
		ID:         aivouchClientID,
		DecisionID: *anchorID,
	}, &reply)
	if err != nil {
		return err
	}
	if *printJSON {
		return nil
	}

	result, ok := v1.Result[reply.Result]
	if !ok {
		return fmt.Errorf("invalid result code %v", reply.Result)
	}
	fmt.Printf("%v %v\n", reply.DecisionID, result)
	if *verbose {
		fmt.Printf("  %-15v: %v\n", "State", reply.State)
		fmt.Printf("  %-15v: %v\n", "Topic", reply.TopicID)
		fmt.Printf("  %-15v: %v\n", "Submission", reply.SubmissionID)
		if reply.Error != "" {
			fmt.Printf("  %-15v: %v\n", "Error", reply.Error)
		}
	}
	return nil
}

func verify() error {
	var reply v1.VerifyReply
	err := post(v1.VerifyRoute, v1.Verify{
		ID:         aivouchClientID,
		DecisionID: *verifyID,
	}, &reply)
	if err != nil {
		return err
	}
	if *printJSON {
		return nil
	}

	result, ok := v1.Result[reply.Result]
	if !ok {
		return fmt.Errorf("invalid result code %v", reply.Result)
	}
	fmt.Printf("%v %v\n", reply.DecisionID, result)
	if reply.HashIntegrityValid != nil && !*reply.HashIntegrityValid {
		fmt.Printf("WARNING: content hash mismatch, do not trust " +
			"this decision\n")
	}
	if *verbose {
		fmt.Printf("  %-15v: %v\n", "State", reply.State)
		if reply.ConsensusTimestamp != "" {
			fmt.Printf("  %-15v: %v\n", "Consensus",
				reply.ConsensusTimestamp)
			fmt.Printf("  %-15v: %v\n", "Sequence",
				reply.Sequence)
		}
		if reply.Error != "" {
			fmt.Printf("  %-15v: %v\n", "Error", reply.Error)
		}
	}
	return nil
}

func daemonStatus() error {
	var reply v1.StatusReply
	err := post(v1.StatusRoute, v1.Status{ID: aivouchClientID}, &reply)
	if err != nil {
		return err
	}
	if *printJSON {
		return nil
	}

	fmt.Printf("Version: %v\n", reply.Version)
	fmt.Printf("Network: %v\n", reply.Network)
	fmt.Printf("Topic  : %v\n", reply.TopicID)
	return nil
}

// newTopic creates a consensus topic directly against the ledger; the daemon
// is not involved.  The printed topic id goes into aivouchd.conf.
func newTopic() error {
	if *operatorID == "" || *operatorKey == "" {
		return fmt.Errorf("-createtopic requires -operatorid and " +
			"-operatorkey")
	}
	keyBytes, err := os.ReadFile(*operatorKey)
	if err != nil {
		return fmt.Errorf("unable to read operator key: %v", err)
	}
	key := strings.TrimSpace(string(keyBytes))

	network := "mainnet"
	mirror := v1.DefaultMainnetMirror
	if *testnet {
		network = "testnet"
		mirror = v1.DefaultTestnetMirror
	}
	lc, err := hcs.New(network, *operatorID, key, mirror, 30*time.Second)
	if err != nil {
		return err
	}
	defer lc.Close()

	ctx, cancel := context.WithTimeout(context.Background(),
		30*time.Second)
	defer cancel()
	topicID, err := lc.CreateTopic(ctx, *topicMemo, lc.OperatorKey())
	if err != nil {
		return err
	}

	fmt.Printf("Topic: %v\n", topicID)
	return nil
}

func _main() error {
	flag.Parse()

	if *host == "" {
		if *testnet {
			*host = normalizeAddress("127.0.0.1",
				v1.DefaultTestnetPort)
		} else {
			*host = normalizeAddress("127.0.0.1",
				v1.DefaultMainnetPort)
		}
	}
	if !strings.HasPrefix(*host, "https://") {
		*host = "https://" + *host
	}

	switch {
	case *createTopic:
		return newTopic()
	case *user != "" && *query != "":
		return decision()
	case *anchorID != "":
		if !v1.RegexpDecisionID.MatchString(*anchorID) {
			return fmt.Errorf("invalid decision id: %v", *anchorID)
		}
		return anchor()
	case *verifyID != "":
		if !v1.RegexpDecisionID.MatchString(*verifyID) {
			return fmt.Errorf("invalid decision id: %v", *verifyID)
		}
		return verify()
	case *status:
		return daemonStatus()
	}

	flag.Usage()
	return fmt.Errorf("no operation specified")
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	v1 "github.com/aivouch/aivouch/api/v1"
	"github.com/aivouch/aivouch/aivouchd/anchor"
	"github.com/aivouch/aivouch/aivouchd/ledger/hcs"
	"github.com/aivouch/aivouch/aivouchd/responder"
	"github.com/aivouch/aivouch/aivouchd/store"
	"github.com/aivouch/aivouch/aivouchd/store/leveldb"
	"github.com/aivouch/aivouch/aivouchd/store/postgres"
	"github.com/aivouch/aivouch/canonical"
	"github.com/aivouch/aivouch/util"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/robfig/cron"
)

const forward = "X-Forwarded-For"

// Aivouchd application context.
type Aivouchd struct {
	cfg       *config
	router    *mux.Router
	store     store.Store
	anchor    *anchor.Anchor
	responder responder.Responder
	cron      *cron.Cron
}

// via returns the client address for audit logging, honoring the forwarding
// header when a proxy sits in front of the daemon.
func via(r *http.Request) string {
	xff := r.Header.Get(forward)
	if xff != "" {
		return fmt.Sprintf("%v via %v", xff, r.RemoteAddr)
	}
	return r.RemoteAddr
}

// resultToV1 translates a pipeline result code to its wire form.
func resultToV1(result int) int {
	switch result {
	case anchor.ResultOK:
		return v1.ResultOK
	case anchor.ResultAlreadyAnchored:
		return v1.ResultAlreadyAnchored
	case anchor.ResultPendingRetry:
		return v1.ResultPendingRetry
	case anchor.ResultNotFound:
		return v1.ResultDoesntExistError
	case anchor.ResultMalformed:
		return v1.ResultMalformedError
	case anchor.ResultPendingSubmit:
		return v1.ResultPendingSubmission
	case anchor.ResultPendingConsensus:
		return v1.ResultPendingConsensus
	case anchor.ResultConfirmed:
		return v1.ResultConfirmed
	case anchor.ResultHashMismatch:
		return v1.ResultHashMismatch
	case anchor.ResultUnknownSubmission:
		return v1.ResultUnknownSubmission
	}
	return v1.ResultPendingRetry
}

func (a *Aivouchd) status(w http.ResponseWriter, r *http.Request) {
	var s v1.Status
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&s); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	util.RespondWithJSON(w, http.StatusOK, v1.StatusReply{
		ID:      s.ID,
		Version: a.cfg.Version,
		Network: a.cfg.network(),
		TopicID: a.anchor.TopicID(),
	})
}

// decision records a new decision: the content is captured once, the content
// hash computed over it, and the record persisted in its initial state.
// When the caller omits the response and a responder is configured, the
// response is generated server-side before the hash is taken.
func (a *Aivouchd) decision(w http.ResponseWriter, r *http.Request) {
	var dec v1.Decision
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&dec); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	userID := strings.TrimSpace(dec.UserID)
	query := strings.TrimSpace(dec.Query)
	if userID == "" || query == "" {
		util.RespondWithError(w, http.StatusBadRequest,
			"userid and query are required")
		return
	}

	response := dec.Response
	generated := false
	if strings.TrimSpace(response) == "" {
		if a.responder == nil {
			util.RespondWithError(w, http.StatusBadRequest,
				"response is required, response generation "+
					"is disabled")
			return
		}
		var err error
		response, err = a.responder.Respond(r.Context(), query)
		if err != nil {
			log.Errorf("%v decision: respond: %v", via(r), err)
			util.RespondWithError(w, http.StatusServiceUnavailable,
				"Could not generate response, please try "+
					"again later.")
			return
		}
		generated = true
	}

	// Capture the timestamp once; it participates in the hash and never
	// changes afterwards.
	ts := time.Now().UTC()
	hash, err := canonical.Hash(userID, query, response, ts)
	if err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			fmt.Sprintf("Malformed content: %v", err))
		return
	}

	dr := &store.DecisionRecord{
		ID:          uuid.New().String(),
		UserID:      userID,
		Query:       query,
		Response:    response,
		Timestamp:   ts,
		ContentHash: hash,
		State:       store.StateNotSubmitted,
	}
	if err := a.store.Create(dr); err != nil {
		errorCode := time.Now().Unix()
		log.Errorf("%v decision error code %v: %v", via(r), errorCode,
			err)
		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not store decision, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}

	log.Infof("Decision %v: %v %v", via(r), dr.ID, hash)

	reply := v1.DecisionReply{
		ID:          dec.ID,
		DecisionID:  dr.ID,
		ContentHash: hash,
		Timestamp:   canonical.FormatTimestamp(ts),
		State:       string(dr.State),
		Result:      v1.ResultOK,
	}
	if generated {
		reply.Response = response
	}
	util.RespondWithJSON(w, http.StatusOK, reply)
}

// anchorDecision submits a recorded decision's hash to the consensus ledger.
func (a *Aivouchd) anchorDecision(w http.ResponseWriter, r *http.Request) {
	var an v1.Anchor
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&an); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	if !v1.RegexpDecisionID.MatchString(an.DecisionID) {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid decision id")
		return
	}

	sr := a.anchor.Submit(r.Context(), an.DecisionID)
	log.Infof("Anchor %v: %v %v", via(r), an.DecisionID,
		anchor.Result[sr.Result])

	util.RespondWithJSON(w, http.StatusOK, v1.AnchorReply{
		ID:           an.ID,
		DecisionID:   sr.DecisionID,
		Result:       resultToV1(sr.Result),
		State:        string(sr.State),
		TopicID:      sr.TopicID,
		SubmissionID: sr.SubmissionID,
		Error:        sr.Err,
	})
}

// verifyDecision confirms a decision against the ledger mirror, anchoring it
// first if it was not submitted yet.
func (a *Aivouchd) verifyDecision(w http.ResponseWriter, r *http.Request) {
	var v v1.Verify
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&v); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	if !v1.RegexpDecisionID.MatchString(v.DecisionID) {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid decision id")
		return
	}

	// Submission is idempotent, so an anchored decision passes straight
	// through to verification.
	sr := a.anchor.Submit(r.Context(), v.DecisionID)
	switch sr.Result {
	case anchor.ResultOK, anchor.ResultAlreadyAnchored:
	default:
		log.Infof("Verify %v: %v %v", via(r), v.DecisionID,
			anchor.Result[sr.Result])
		util.RespondWithJSON(w, http.StatusOK, v1.VerifyReply{
			ID:         v.ID,
			DecisionID: sr.DecisionID,
			Result:     resultToV1(sr.Result),
			State:      string(sr.State),
			Error:      sr.Err,
		})
		return
	}

	vr := a.anchor.Verify(r.Context(), v.DecisionID)
	log.Infof("Verify %v: %v %v", via(r), v.DecisionID,
		anchor.Result[vr.Result])

	util.RespondWithJSON(w, http.StatusOK, v1.VerifyReply{
		ID:                 v.ID,
		DecisionID:         vr.DecisionID,
		Result:             resultToV1(vr.Result),
		State:              string(vr.State),
		ConsensusTimestamp: vr.ConsensusTimestamp,
		Sequence:           vr.Sequence,
		HashIntegrityValid: vr.HashIntegrityValid,
		Error:              vr.Err,
	})
}

// verifySweep walks submitted records and attempts to confirm them.  The
// sweep continues past individual failures; a record that cannot be
// confirmed now is revisited on the next run.
func (a *Aivouchd) verifySweep() {
	ids, err := a.store.ListByState(store.StateSubmitted,
		a.cfg.VerifyBatch)
	if err != nil {
		log.Errorf("verify sweep: list: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	log.Debugf("verify sweep: %v records", len(ids))
	var confirmed, mismatched int
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(),
			a.cfg.LedgerTimeout)
		vr := a.anchor.Verify(ctx, id)
		cancel()

		switch vr.Result {
		case anchor.ResultConfirmed:
			confirmed++
		case anchor.ResultHashMismatch:
			mismatched++
		}
	}
	log.Infof("verify sweep: visited %v confirmed %v mismatched %v",
		len(ids), confirmed, mismatched)
}

func _main() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	loadedCfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version : %v", version())
	log.Infof("Network : %v", loadedCfg.network())
	log.Infof("Home dir: %v", loadedCfg.HomeDir)
	log.Infof("Topic   : %v", loadedCfg.TopicID)

	// Create the data directory in case it does not exist.
	err = os.MkdirAll(loadedCfg.DataDir, 0700)
	if err != nil {
		return err
	}

	// Generate the TLS cert and key file if both don't already exist.
	if !fileExists(loadedCfg.HTTPSKey) &&
		!fileExists(loadedCfg.HTTPSCert) {
		log.Infof("Generating HTTPS keypair...")

		err := util.GenCertPair("aivouchd", loadedCfg.HTTPSCert,
			loadedCfg.HTTPSKey)
		if err != nil {
			return fmt.Errorf("unable to create https keypair: %v",
				err)
		}

		log.Infof("HTTPS keypair created...")
	}

	// Setup application context.
	a := &Aivouchd{
		cfg: loadedCfg,
	}

	// Setup store.
	switch loadedCfg.Backend {
	case "leveldb":
		a.store, err = leveldb.New(loadedCfg.DataDir)
	case "postgres":
		a.store, err = postgres.New("aivouchd",
			loadedCfg.PostgresHost, loadedCfg.network(),
			loadedCfg.PostgresRootCert, loadedCfg.PostgresCert,
			loadedCfg.PostgresKey)
	}
	if err != nil {
		return err
	}
	defer a.store.Close()

	// Setup ledger client.
	operatorKey, err := os.ReadFile(loadedCfg.OperatorKey)
	if err != nil {
		return fmt.Errorf("unable to read operator key: %v", err)
	}
	lc, err := hcs.New(loadedCfg.network(), loadedCfg.OperatorID,
		strings.TrimSpace(string(operatorKey)), loadedCfg.MirrorNode,
		loadedCfg.LedgerTimeout)
	if err != nil {
		return fmt.Errorf("unable to create ledger client: %v", err)
	}
	defer lc.Close()

	a.anchor = anchor.New(a.store, lc, loadedCfg.TopicID)

	// Setup responder, if enabled.
	if loadedCfg.OpenAIKey != "" {
		a.responder, err = responder.NewOpenAI(loadedCfg.OpenAIKey,
			loadedCfg.OpenAIURL, loadedCfg.OpenAIModel)
		if err != nil {
			return fmt.Errorf("unable to create responder: %v", err)
		}
	} else {
		log.Infof("Response generation disabled")
	}

	// Background verification sweep.  The pipeline itself never retries;
	// this is the scheduler that drives submitted records to confirmation.
	a.cron = cron.New()
	err = a.cron.AddFunc(loadedCfg.VerifySchedule, a.verifySweep)
	if err != nil {
		return fmt.Errorf("invalid verify schedule %q: %v",
			loadedCfg.VerifySchedule, err)
	}
	a.cron.Start()
	defer a.cron.Stop()

	// Setup mux.
	a.router = mux.NewRouter()
	a.router.HandleFunc(v1.StatusRoute, a.status).Methods("POST")
	a.router.HandleFunc(v1.DecisionRoute, a.decision).Methods("POST")
	a.router.HandleFunc(v1.AnchorRoute, a.anchorDecision).Methods("POST")
	a.router.HandleFunc(v1.VerifyRoute, a.verifyDecision).Methods("POST")

	h := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(a.router)

	// Bind to a port and pass our router in.
	listenC := make(chan error)
	for _, listener := range loadedCfg.Listeners {
		listen := listener
		go func() {
			log.Infof("Listen: %v", listen)
			listenC <- http.ListenAndServeTLS(listen,
				loadedCfg.HTTPSCert, loadedCfg.HTTPSKey, h)
		}()
	}

	// Tell user we are ready to go.
	log.Infof("Start of day")

	// Setup OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Infof("Terminating with %v", sig)
	case err := <-listenC:
		log.Errorf("%v", err)
	}

	log.Infof("Exiting")

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

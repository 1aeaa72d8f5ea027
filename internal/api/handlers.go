package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/crosslane/router/internal"
)

func caller(r *http.Request) common.Address {
	return common.HexToAddress(r.Header.Get("X-Caller-Address"))
}

func parseTxID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "txID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid transaction id %q", raw)
	}
	return id, nil
}

// transactionView is a record as readers see it: status carries the
// derived EXPIRED where applicable.
type transactionView struct {
	*internal.TransactionRecord
	Status internal.Status `json:"status"`
}

func view(rec *internal.TransactionRecord, now time.Time) transactionView {
	return transactionView{TransactionRecord: rec, Status: rec.DisplayStatus(now)}
}

type requestMessageBody struct {
	TargetChainID uint64                 `json:"targetChainId"`
	OperationType internal.OperationType `json:"operationType"`
	Payload       []byte                 `json:"payload"`
	Requirements  requirementsBody       `json:"requirements"`
}

// requirementsBody is the wire shape of the requirements vector; delays
// are given in seconds and the security level by name.
type requirementsBody struct {
	FastFinality       bool     `json:"fastFinality"`
	GuaranteedDelivery bool     `json:"guaranteedDelivery"`
	CostSensitive      bool     `json:"costSensitive"`
	MultiChain         bool     `json:"multiChain"`
	NativeSecurity     bool     `json:"nativeSecurity"`
	DisputeResolution  bool     `json:"disputeResolution"`
	MaxDelaySeconds    int64    `json:"maxDelaySeconds"`
	Amount             *big.Int `json:"amount,omitempty"`
	SecurityLevel      string   `json:"securityLevel"`
}

func (b requirementsBody) toRequirements() internal.Requirements {
	level := internal.SecurityLow
	switch b.SecurityLevel {
	case "MEDIUM":
		level = internal.SecurityMedium
	case "HIGH":
		level = internal.SecurityHigh
	case "CRITICAL":
		level = internal.SecurityCritical
	}

	return internal.Requirements{
		FastFinality:       b.FastFinality,
		GuaranteedDelivery: b.GuaranteedDelivery,
		CostSensitive:      b.CostSensitive,
		MultiChain:         b.MultiChain,
		NativeSecurity:     b.NativeSecurity,
		DisputeResolution:  b.DisputeResolution,
		MaxDelay:           time.Duration(b.MaxDelaySeconds) * time.Second,
		Amount:             b.Amount,
		SecurityLevel:      level,
	}
}

func (s *Server) handleRequestMessage(w http.ResponseWriter, r *http.Request) {
	var body requestMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, fmt.Errorf("invalid request body: %w", internal.ErrEmptyPayload))
		return
	}

	opType := body.OperationType
	if opType == "" {
		opType = internal.OpMessageDelivery
	}

	rec, err := s.coord.RequestMessage(caller(r), body.TargetChainID, opType, body.Payload, body.Requirements.toRequirements())
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, view(rec, time.Now()))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	txID, err := parseTxID(r)
	if err != nil {
		s.writeError(w, fmt.Errorf("%s: %w", err, internal.ErrNotFound))
		return
	}

	if err := s.coord.Cancel(caller(r), txID); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"txId": txID, "status": internal.StatusCancelled})
}

type approveBody struct {
	MetaTx  *internal.SignedMetaTx `json:"metaTx"`
	Payment *big.Int               `json:"payment"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body approveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.MetaTx == nil {
		s.writeError(w, fmt.Errorf("invalid approval body: %w", internal.ErrInvalidSignature))
		return
	}

	rec, sel, err := s.coord.ApproveAndExecute(r.Context(), caller(r), body.MetaTx, body.Payment)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": view(rec, time.Now()),
		"selection":   sel,
	})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txID, err := parseTxID(r)
	if err != nil {
		s.writeError(w, fmt.Errorf("%s: %w", err, internal.ErrNotFound))
		return
	}

	rec, status, err := s.coord.GetTransaction(caller(r), txID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, transactionView{TransactionRecord: rec, Status: status})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	records, err := s.coord.ListPending(caller(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	views := make([]transactionView, 0, len(records))
	for _, rec := range records {
		views = append(views, view(rec, now))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	from, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	to, _ := strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)

	records, err := s.coord.ListHistory(caller(r), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	views := make([]transactionView, 0, len(records))
	for _, rec := range records {
		views = append(views, view(rec, now))
	}
	writeJSON(w, http.StatusOK, views)
}

type registerChainBody struct {
	ChainID    uint64 `json:"chainId"`
	EndpointID uint32 `json:"endpointId"`
}

func (s *Server) handleRegisterChain(w http.ResponseWriter, r *http.Request) {
	var body registerChainBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, fmt.Errorf("invalid chain body: %w", internal.ErrChainNotRegistered))
		return
	}

	if err := s.coord.RegisterChain(caller(r), body.ChainID, body.EndpointID); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"chainId": body.ChainID, "endpointId": body.EndpointID})
}

type registerNativeBridgeBody struct {
	Inbound  common.Address `json:"inbound"`
	Outbound common.Address `json:"outbound"`
}

func parseChainID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "chainID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chain id %q: %w", raw, internal.ErrChainNotRegistered)
	}
	return id, nil
}

func (s *Server) handleRegisterNativeBridge(w http.ResponseWriter, r *http.Request) {
	chainID, err := parseChainID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body registerNativeBridgeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, fmt.Errorf("invalid native bridge body: %w", internal.ErrZeroAddress))
		return
	}

	if err := s.coord.RegisterNativeBridge(caller(r), chainID, body.Inbound, body.Outbound); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"chainId": chainID})
}

func (s *Server) handleUnregisterNativeBridge(w http.ResponseWriter, r *http.Request) {
	chainID, err := parseChainID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.coord.UnregisterNativeBridge(caller(r), chainID); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"chainId": chainID})
}

type confirmationBody struct {
	MessageID string `json:"messageId"`
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason"`
}

func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	var body confirmationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.MessageID == "" {
		s.writeError(w, fmt.Errorf("invalid confirmation body: %w", internal.ErrNotFound))
		return
	}

	if err := s.coord.Confirm(body.MessageID, body.Delivered, body.Reason); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"messageId": body.MessageID})
}

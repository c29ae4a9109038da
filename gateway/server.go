package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"creditnet/core/events"
	"creditnet/crypto"
	"creditnet/gateway/auth"
	nativecommon "creditnet/native/common"
	"creditnet/native/debt"
	"creditnet/native/intent"
	"creditnet/native/reservation"
	"creditnet/native/settlement"
	"creditnet/native/valuation"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// PauseStore flips the persisted pause switch for a module.
type PauseStore interface {
	SetPaused(module string, paused bool) error
}

// Deps carries everything the HTTP surface exposes.
type Deps struct {
	Auth         *auth.Authenticator
	Engine       *settlement.Engine
	Reservations *reservation.Ledger
	Debts        *debt.Ledger
	Valuations   *valuation.Service
	Access       nativecommon.AccessControl
	Pauses       PauseStore
	EventLog     *events.Log
	Metrics      http.Handler
	Logger       *slog.Logger
}

// Server is the JSON API over the settlement engines. Callers authenticate
// with a bearer token; role checks happen inside the engines through the
// access-control port.
type Server struct {
	deps   Deps
	router chi.Router
}

// NewServer wires the routes.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Middleware)
		}
		r.Route("/v1", func(r chi.Router) {
			r.Post("/reservations", s.handleReserve)
			r.Delete("/reservations/{hash}", s.handleCancel)
			r.Get("/reservations/{hash}", s.handleGetReservation)
			r.Get("/pools/{asset}", s.handleGetPool)

			r.Post("/settlements", s.handleFinalize)
			r.Post("/loans/repay", s.handleRepay)
			r.Post("/loans/default", s.handleDefault)

			r.Get("/debts/system/value", s.handleSystemValue)
			r.Get("/debts/{address}", s.handleGetDebts)

			r.Get("/valuation/{asset}/health", s.handleValuationHealth)
			r.Get("/events", s.handleEvents)

			r.Post("/admin/rates", s.handleSetRate)
			r.Post("/admin/pauses", s.handleSetPause)
		})
	})
	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reserveRequest struct {
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	IntentHash string `json:"intentHash"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.ErrMissingToken)
		return
	}
	var req reserveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	hash, err := parseHash(req.IntentHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Reservations.Reserve(caller, req.Asset, amount, hash); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"intentHash": req.IntentHash})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.ErrMissingToken)
		return
	}
	hash, err := parseHash(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Reservations.Cancel(hash, caller); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, live, err := s.deps.Reservations.Get(hash)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !live {
		writeError(w, http.StatusNotFound, reservation.ErrNoSuchReservation)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"intentHash": hex.EncodeToString(res.IntentHash[:]),
		"owner":      res.Owner.String(),
		"asset":      res.Asset,
		"amount":     res.Amount.String(),
		"createdAt":  res.CreatedAt,
	})
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	custody, reserved, err := s.deps.Reservations.PoolBalances(chi.URLParam(r, "asset"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"custody":  custody.String(),
		"reserved": reserved.String(),
	})
}

type lendLegDTO struct {
	Lender    string `json:"lender"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Expiry    int64  `json:"expiry"`
	Salt      string `json:"salt"`
	Signature string `json:"signature"`
}

type borrowDTO struct {
	Borrower         string `json:"borrower"`
	Asset            string `json:"asset"`
	Amount           string `json:"amount"`
	CollateralAsset  string `json:"collateralAsset"`
	CollateralAmount string `json:"collateralAmount"`
	TermDays         uint32 `json:"termDays"`
	RateBps          uint64 `json:"rateBps"`
	Expiry           int64  `json:"expiry"`
	Salt             string `json:"salt"`
	Signature        string `json:"signature"`
}

type finalizeRequest struct {
	Borrow borrowDTO    `json:"borrow"`
	Lends  []lendLegDTO `json:"lends"`
}

func (d *lendLegDTO) toIntent() (*intent.LendIntent, []byte, error) {
	lender, err := crypto.DecodeAddress(d.Lender)
	if err != nil {
		return nil, nil, fmt.Errorf("lender: %w", err)
	}
	amount, err := parseAmount(d.Amount)
	if err != nil {
		return nil, nil, err
	}
	salt, err := parseHash(d.Salt)
	if err != nil {
		return nil, nil, fmt.Errorf("salt: %w", err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(d.Signature, "0x"))
	if err != nil {
		return nil, nil, fmt.Errorf("signature: %w", err)
	}
	return &intent.LendIntent{
		Lender: lender,
		Asset:  d.Asset,
		Amount: amount,
		Expiry: d.Expiry,
		Salt:   salt,
	}, sig, nil
}

func (d *borrowDTO) toIntent() (*intent.BorrowIntent, []byte, error) {
	borrower, err := crypto.DecodeAddress(d.Borrower)
	if err != nil {
		return nil, nil, fmt.Errorf("borrower: %w", err)
	}
	amount, err := parseAmount(d.Amount)
	if err != nil {
		return nil, nil, err
	}
	salt, err := parseHash(d.Salt)
	if err != nil {
		return nil, nil, fmt.Errorf("salt: %w", err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(d.Signature, "0x"))
	if err != nil {
		return nil, nil, fmt.Errorf("signature: %w", err)
	}
	bi := &intent.BorrowIntent{
		Borrower: borrower,
		Asset:    d.Asset,
		Amount:   amount,
		TermDays: d.TermDays,
		RateBps:  d.RateBps,
		Expiry:   d.Expiry,
		Salt:     salt,
	}
	if strings.TrimSpace(d.CollateralAsset) != "" {
		collateral, err := parseAmount(d.CollateralAmount)
		if err != nil {
			return nil, nil, fmt.Errorf("collateralAmount: %w", err)
		}
		bi.CollateralAsset = d.CollateralAsset
		bi.CollateralAmount = collateral
	}
	return bi, sig, nil
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.ErrMissingToken)
		return
	}
	var req finalizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrow, sigBorrower, err := req.Borrow.toIntent()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lends := make([]*intent.LendIntent, len(req.Lends))
	sigs := make([][]byte, len(req.Lends))
	for i := range req.Lends {
		lends[i], sigs[i], err = req.Lends[i].toIntent()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("lend %d: %w", i, err))
			return
		}
	}
	result, err := s.deps.Engine.FinalizeMatch(caller, borrow, lends, sigBorrower, sigs)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	lendHashes := make([]string, len(result.LendHashes))
	for i := range result.LendHashes {
		lendHashes[i] = hex.EncodeToString(result.LendHashes[i][:])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"borrowHash":   hex.EncodeToString(result.BorrowHash[:]),
		"lendHashes":   lendHashes,
		"total":        result.Total.String(),
		"fee":          result.FeeAmount.String(),
		"net":          result.NetAmount.String(),
		"guaranteeIds": result.GuaranteeIDs,
	})
}

type repayRequest struct {
	Borrower string `json:"borrower"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.ErrMissingToken)
		return
	}
	var req repayRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := crypto.DecodeAddress(req.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.deps.Engine.RepayLoan(caller, borrower, req.Asset, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := map[string]interface{}{"status": "repaid"}
	if result != nil {
		resp["guaranteeSettlement"] = map[string]string{
			"penaltyToLender":    result.PenaltyToLender.String(),
			"refundToBorrower":   result.RefundToBorrower.String(),
			"platformFee":        result.PlatformFee.String(),
			"actualInterestPaid": result.ActualInterestPaid.String(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type defaultRequest struct {
	Borrower string `json:"borrower"`
	Asset    string `json:"asset"`
}

func (s *Server) handleDefault(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.ErrMissingToken)
		return
	}
	var req defaultRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := crypto.DecodeAddress(req.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reduced, forfeited, err := s.deps.Engine.HandleDefault(caller, borrower, req.Asset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"reduced":   reduced.String(),
		"forfeited": forfeited.String(),
	})
}

func (s *Server) handleGetDebts(w http.ResponseWriter, r *http.Request) {
	user, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	assets, err := s.deps.Debts.GetUserDebtAssets(user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	positions := make(map[string]string, len(assets))
	for _, asset := range assets {
		owed, err := s.deps.Debts.GetDebtByAsset(user, asset)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		positions[asset] = owed.String()
	}
	total, err := s.deps.Debts.GetUserTotalDebtValue(user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":    user.String(),
		"assets":     assets,
		"positions":  positions,
		"totalValue": total.String(),
	})
}

func (s *Server) handleSystemValue(w http.ResponseWriter, r *http.Request) {
	total, err := s.deps.Debts.GetSystemTotalDebtValue()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"totalValue": total.String()})
}

func (s *Server) handleValuationHealth(w http.ResponseWriter, r *http.Request) {
	healthy, details := s.deps.Valuations.CheckHealth(chi.URLParam(r, "asset"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy": healthy,
		"details": details,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.EventLog == nil {
		writeJSON(w, http.StatusOK, []events.Record{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.EventLog.Records())
}

type setRateRequest struct {
	Asset string `json:"asset"`
	Bps   uint64 `json:"bps"`
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.ErrMissingToken)
		return
	}
	var req setRateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Engine.SetRateBps(caller, req.Asset, req.Bps); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"asset": req.Asset, "bps": req.Bps})
}

type setPauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

func (s *Server) handleSetPause(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.ErrMissingToken)
		return
	}
	var req setPauseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.deps.Access != nil {
		if err := s.deps.Access.RequireRole(nativecommon.ActionSetPause, caller); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	if s.deps.Pauses == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("pause store not configured"))
		return
	}
	if err := s.deps.Pauses.SetPaused(req.Module, req.Paused); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"module": req.Module, "paused": req.Paused})
}

func decodeBody(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, requestBodyLimit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func parseHash(raw string) ([32]byte, error) {
	var hash [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return hash, fmt.Errorf("invalid hash %q", raw)
	}
	if len(b) != 32 {
		return hash, fmt.Errorf("hash must be 32 bytes, got %d", len(b))
	}
	copy(hash[:], b)
	return hash, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeEngineError maps engine errors onto HTTP statuses: authorization
// failures, recoverable state conflicts and validation errors each get their
// own class so callers can retry intelligently.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, nativecommon.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, intent.ErrAlreadyMatched),
		errors.Is(err, intent.ErrExpired),
		errors.Is(err, reservation.ErrNoSuchReservation),
		errors.Is(err, reservation.ErrOwnerMismatch),
		errors.Is(err, reservation.ErrDuplicateReservation),
		errors.Is(err, reservation.ErrInsufficientUnreserved),
		errors.Is(err, debt.ErrOverpay),
		errors.Is(err, settlement.ErrInsufficientReservedSum),
		errors.Is(err, settlement.ErrInsufficientCollateral),
		errors.Is(err, settlement.ErrAssetMismatch),
		errors.Is(err, settlement.ErrReservationMismatch),
		errors.Is(err, nativecommon.ErrBusy),
		errors.Is(err, nativecommon.ErrModulePaused):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

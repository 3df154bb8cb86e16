package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/gateway"
)

// PaymentsHandler is the JSON surface over PaymentsService. Amounts cross
// this boundary as decimal USD strings and live as int64 minor units
// everywhere behind it.
type PaymentsHandler struct {
	Service       *PaymentsService
	WebhookSecret *auth.WebhookSecret
	Log           zerolog.Logger
	Metrics       *Metrics
}

func NewPaymentsHandler(svc *PaymentsService) *PaymentsHandler {
	return &PaymentsHandler{Service: svc, Log: zerolog.Nop()}
}

func (h *PaymentsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/deposits", h.createDeposit)
	mux.HandleFunc("POST /v1/withdrawals", h.createWithdrawal)
	mux.HandleFunc("GET /v1/balance", h.balance)
	mux.HandleFunc("GET /v1/transactions", h.listTransactions)
	mux.HandleFunc("POST /v1/webhooks/gateway", h.gatewayWebhook)
	mux.HandleFunc("GET /v1/ops/transactions/{trackId}", h.trackStatus)
}

// minorFromUSD parses a decimal USD string into minor units. Two fractional
// digits at most; anything finer would silently lose money.
func minorFromUSD(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has sub-cent precision", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	var f int64
	if frac != "00" {
		f, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
	}
	return w*100 + f, nil
}

func usdFromMinor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

type transactionView struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Network      string `json:"network,omitempty"`
	Address      string `json:"address,omitempty"`
	TrackID      string `json:"trackId,omitempty"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

func viewOf(tx *Transaction) transactionView {
	return transactionView{
		ID:           tx.ID,
		Type:         string(tx.Type),
		Amount:       usdFromMinor(tx.AmountMinor),
		Currency:     tx.Currency,
		Network:      tx.Network,
		Address:      tx.Address,
		TrackID:      tx.GatewayTrackID,
		Status:       string(tx.Status),
		ErrorMessage: tx.ErrorMessage,
		CreatedAt:    tx.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    tx.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *PaymentsHandler) createDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amountMinor, err := minorFromUSD(req.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "amount must be a positive decimal with at most two fractional digits")
		return
	}

	receipt, err := h.Service.CreateDeposit(r.Context(), id.UserID, amountMinor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"transactionId": receipt.TransactionID,
		"trackId":       receipt.TrackID,
		"payUrl":        receipt.PayURL,
		"status":        string(receipt.Status),
	})
}

func (h *PaymentsHandler) createWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req struct {
		Amount  string `json:"amount"`
		Address string `json:"address"`
		Network string `json:"network"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amountMinor, err := minorFromUSD(req.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "amount must be a positive decimal with at most two fractional digits")
		return
	}

	receipt, err := h.Service.CreateWithdrawal(r.Context(), id.UserID, amountMinor, req.Address, req.Network)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"transactionId": receipt.TransactionID,
		"trackId":       receipt.TrackID,
		"status":        string(receipt.Status),
		"balance":       usdFromMinor(receipt.BalanceMinor),
	})
}

func (h *PaymentsHandler) balance(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	bal, err := h.Service.Balance(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":   id.UserID,
		"balance":  usdFromMinor(bal),
		"currency": accountingCurrency,
	})
}

func (h *PaymentsHandler) listTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	limit := intQuery(r, "limit", 50)
	offset := intQuery(r, "offset", 0)

	txs, err := h.Service.Transactions(r.Context(), id.UserID, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	views := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, viewOf(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": views})
}

func (h *PaymentsHandler) trackStatus(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Service.TrackStatus(r.Context(), r.PathValue("trackId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(tx))
}

// gatewayWebhook ingests provider callbacks. The reply is success-shaped on
// every internal failure: a provider that sees an error will retry, and
// retries of a callback the engine already rejected cannot improve. Only a
// bad secret is refused outright.
func (h *PaymentsHandler) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrackID string `json:"trackId"`
		Status  string `json:"status"`
		Amount  any    `json:"amount"`
		Type    string `json:"type"`
		Secret  string `json:"secret"`
	}
	// Providers add fields without notice; the callback decoder takes what it
	// knows and ignores the rest.
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(&req); err != nil {
		h.Metrics.ObserveWebhook("malformed")
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	secret := r.Header.Get("X-Webhook-Secret")
	if secret == "" {
		secret = req.Secret
	}
	if !h.WebhookSecret.Verify(secret) {
		h.Metrics.ObserveWebhook("bad_secret")
		h.Log.Warn().Str("track_id", req.TrackID).Msg("webhook secret mismatch")
		h.writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	// Some providers send the amount as a JSON number, others as a string.
	// A missing or garbled amount stays zero, which always trips the
	// underpayment check for a real transaction.
	var amountMinor int64
	switch v := req.Amount.(type) {
	case string:
		amountMinor, _ = minorFromUSD(v)
	case float64:
		if v > 0 {
			amountMinor = int64(v*100 + 0.5)
		}
	}

	res, err := h.Service.Reconcile(r.Context(), req.TrackID, req.Status, amountMinor, req.Type)
	if err != nil {
		h.Metrics.ObserveWebhook("error")
		h.Log.Error().Err(err).Str("track_id", req.TrackID).Str("status", req.Status).
			Msg("webhook reconcile failed")
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	switch {
	case res.Duplicate:
		h.Metrics.ObserveWebhook("duplicate")
	case res.Anomaly:
		h.Metrics.ObserveWebhook("anomaly")
	default:
		h.Metrics.ObserveWebhook("ok")
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *PaymentsHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *ValidationError
	var gwErr *gateway.Error
	switch {
	case errors.As(err, &vErr):
		h.writeError(w, http.StatusBadRequest, vErr.Field+" "+vErr.Reason)
	case errors.Is(err, ErrInsufficientBalance):
		h.writeError(w, http.StatusBadRequest, "insufficient balance")
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrConsistency):
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg("ledger consistency error")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	case errors.As(err, &gwErr):
		// Provider detail stays in the logs; clients only learn the upstream
		// was unavailable.
		h.Log.Warn().Err(err).Str("path", r.URL.Path).Msg("gateway request failed")
		h.writeError(w, http.StatusBadGateway, "payment provider unavailable")
	default:
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *PaymentsHandler) writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// RateLimiter is a per-source token bucket in front of the user-facing API.
// Entries are pruned lazily once the table grows past maxEntries. Paths under
// a SkipPrefixes entry (webhook ingress, health, metrics) bypass it.
type RateLimiter struct {
	SkipPrefixes []string

	mu         sync.Mutex
	buckets    map[string]*rate.Limiter
	limit      rate.Limit
	burst      int
	maxEntries int
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets:    make(map[string]*rate.Limiter),
		limit:      rate.Limit(perSecond),
		burst:      burst,
		maxEntries: 10_000,
	}
}

func (l *RateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxEntries {
			for k := range l.buckets {
				delete(l.buckets, k)
				break
			}
		}
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b.Allow()
}

func (l *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range l.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err != nil {
			host = strings.TrimSpace(r.RemoteAddr)
		}
		if !l.allow(host) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"success": false, "error": "rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

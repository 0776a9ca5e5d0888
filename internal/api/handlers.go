package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/bitcoinbank/perpengine/internal/apperr"
	"github.com/bitcoinbank/perpengine/internal/config"
	"github.com/bitcoinbank/perpengine/internal/ledger"
	"github.com/bitcoinbank/perpengine/internal/matching"
	"github.com/bitcoinbank/perpengine/internal/model"
	"github.com/bitcoinbank/perpengine/internal/positionview"
	"github.com/bitcoinbank/perpengine/internal/signer"
)

// Handlers holds every dependency the PublicAPI routes need.
type Handlers struct {
	ledger     *ledger.Ledger
	engine     *matching.Engine
	viewer     *positionview.Viewer
	cfg        *config.Config
	challenges *challengeStore
	logger     *slog.Logger
}

func newHandlers(l *ledger.Ledger, e *matching.Engine, v *positionview.Viewer, cfg *config.Config, challenges *challengeStore, logger *slog.Logger) *Handlers {
	return &Handlers{ledger: l, engine: e, viewer: v, cfg: cfg, challenges: challenges, logger: logger.With("component", "api")}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.InsufficientCollateral, apperr.InsufficientSavings, apperr.InsufficientBalance:
		status = http.StatusUnprocessableEntity
	case apperr.Unauthorized:
		status = http.StatusUnauthorized
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.OracleUnavailable:
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(kind)})
}

// --- Read endpoints ---

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleMarkets(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cfg.Markets)
}

func (h *Handlers) handleMarket(w http.ResponseWriter, r *http.Request) {
	sym := chi.URLParam(r, "sym")
	m, ok := h.cfg.MarketBySymbol(sym)
	if !ok {
		h.writeError(w, apperr.New(apperr.NotFound, "unknown market"))
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	sym := chi.URLParam(r, "sym")
	orders, err := h.ledger.GetOpenOrdersForMarket(sym, nil, false)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handlers) handleCollateral(w http.ResponseWriter, r *http.Request) {
	pk := chi.URLParam(r, "pk")
	bal, err := h.ledger.GetCollateralMsats(pk)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"collateral_msats": bal})
}

func (h *Handlers) handleOrders(w http.ResponseWriter, r *http.Request) {
	pk := chi.URLParam(r, "pk")
	var status *model.OrderStatus
	if s := r.URL.Query().Get("status"); s != "" {
		os := model.OrderStatus(s)
		status = &os
	}
	orders, err := h.ledger.GetOrdersForPubkey(pk, status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handlers) handlePositions(w http.ResponseWriter, r *http.Request) {
	pk := chi.URLParam(r, "pk")
	positions, err := h.viewer.GetPositionsForPubkey(r.Context(), pk)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, positions)
}

func (h *Handlers) handleTrades(w http.ResponseWriter, r *http.Request) {
	sym := chi.URLParam(r, "sym")
	trades, err := h.ledger.GetRecentTrades(sym, 100)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, trades)
}

func (h *Handlers) handleFunding(w http.ResponseWriter, r *http.Request) {
	sym := chi.URLParam(r, "sym")
	history, err := h.ledger.GetFundingRateHistory(sym, 100)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, history)
}

func (h *Handlers) handleOHLCV(w http.ResponseWriter, r *http.Request) {
	sym := chi.URLParam(r, "sym")
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	bucket, err := strconv.ParseInt(r.URL.Query().Get("bucket"), 10, 64)
	if err != nil || bucket <= 0 {
		h.writeError(w, apperr.New(apperr.Validation, "bucket query parameter must be a positive integer"))
		return
	}
	buckets, err := h.ledger.GetOHLCV(sym, since, bucket)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buckets)
}

func (h *Handlers) handleBankTransactions(w http.ResponseWriter, r *http.Request) {
	pk := chi.URLParam(r, "pk")
	txns, err := h.ledger.GetRecentTransactions(pk, 100)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txns)
}

// --- Challenge exchange ---

func (h *Handlers) handleChallenge(w http.ResponseWriter, r *http.Request) {
	pubkey := r.URL.Query().Get("pubkey")
	if pubkey == "" || pubkey == "anon" {
		h.writeError(w, apperr.New(apperr.Validation, "pubkey query parameter is required"))
		return
	}
	challenge, expiresAt, err := h.challenges.Issue(pubkey)
	if err != nil {
		h.writeError(w, apperr.Wrap(apperr.Internal, "issue challenge", err))
		return
	}
	h.writeJSON(w, http.StatusOK, ChallengeResponse{Challenge: challenge, ExpiresAt: expiresAt})
}

// --- Write endpoints: each decodes a signed event, verifies it, checks the
// challenge or replay constraint, and routes to the matching engine or
// ledger. ---

// challengeTag extracts the value of a ["challenge", value] tag, or "" if
// absent. The command payload lives in ev.Content; the challenge travels
// alongside it as a tag so the two don't collide.
func challengeTag(tags [][]string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == "challenge" {
			return tag[1]
		}
	}
	return ""
}

// verifyAndConsume validates ev's signature, rejects a replayed event ID,
// and requires ev's challenge tag to match the caller's outstanding
// challenge.
func (h *Handlers) verifyAndConsume(ev *signer.Event) error {
	if err := signer.VerifySignature(ev); err != nil {
		return apperr.Wrap(apperr.Unauthorized, "invalid signature", err)
	}
	if err := h.challenges.CheckAndMarkEvent(ev.ID); err != nil {
		return apperr.Wrap(apperr.Conflict, "event already processed", err)
	}
	challenge := challengeTag(ev.Tags)
	if challenge == "" {
		return apperr.New(apperr.Unauthorized, "missing challenge tag")
	}
	if err := h.challenges.VerifyChallenge(ev.Pubkey, challenge); err != nil {
		return apperr.Wrap(apperr.Unauthorized, "invalid or expired challenge", err)
	}
	return nil
}

func decodeSignedEvent(r *http.Request) (*signer.Event, error) {
	var req SignedEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "invalid request body", err)
	}
	return &signer.Event{
		ID: req.ID, Pubkey: req.Pubkey, CreatedAt: req.CreatedAt,
		Kind: req.Kind, Tags: req.Tags, Content: req.Content, Sig: req.Sig,
	}, nil
}

func (h *Handlers) handleCollateralDeposit(w http.ResponseWriter, r *http.Request) {
	ev, err := decodeSignedEvent(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.verifyAndConsume(ev); err != nil {
		h.writeError(w, err)
		return
	}
	var content collateralMoveContent
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		h.writeError(w, apperr.Wrap(apperr.Validation, "invalid deposit content", err))
		return
	}
	acct, err := h.ledger.DepositCollateral(ev.Pubkey, content.AmountMsats)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

func (h *Handlers) handleCollateralWithdraw(w http.ResponseWriter, r *http.Request) {
	ev, err := decodeSignedEvent(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.verifyAndConsume(ev); err != nil {
		h.writeError(w, err)
		return
	}
	var content collateralMoveContent
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		h.writeError(w, apperr.Wrap(apperr.Validation, "invalid withdrawal content", err))
		return
	}
	acct, err := h.ledger.WithdrawCollateral(ev.Pubkey, content.AmountMsats)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

func (h *Handlers) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	ev, err := decodeSignedEvent(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.verifyAndConsume(ev); err != nil {
		h.writeError(w, err)
		return
	}
	var content orderContent
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		h.writeError(w, apperr.Wrap(apperr.Validation, "invalid order content", err))
		return
	}

	var priceUSD *decimal.Decimal
	if content.PriceUSD != nil {
		p, err := decimal.NewFromString(*content.PriceUSD)
		if err != nil {
			h.writeError(w, apperr.Wrap(apperr.Validation, "invalid price_usd", err))
			return
		}
		priceUSD = &p
	}

	order, err := h.engine.PlaceOrder(r.Context(), matching.PlaceOrderParams{
		Pubkey: ev.Pubkey, Market: content.Market, Side: model.Side(content.Side),
		OrderType: model.OrderType(content.OrderType), SizeSats: content.SizeSats,
		Leverage: content.Leverage, PriceUSD: priceUSD,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ev, err := decodeSignedEvent(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.verifyAndConsume(ev); err != nil {
		h.writeError(w, err)
		return
	}
	var content cancelContent
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		h.writeError(w, apperr.Wrap(apperr.Validation, "invalid cancel content", err))
		return
	}
	if content.OrderID != "" && content.OrderID != orderID {
		h.writeError(w, apperr.New(apperr.Validation, "order_id mismatch between path and signed content"))
		return
	}
	order, err := h.engine.CancelOrder(ev.Pubkey, orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	ev, err := decodeSignedEvent(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.verifyAndConsume(ev); err != nil {
		h.writeError(w, err)
		return
	}
	var content closeContent
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		h.writeError(w, apperr.Wrap(apperr.Validation, "invalid close content", err))
		return
	}
	result, err := h.engine.ClosePosition(r.Context(), ev.Pubkey, content.PositionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

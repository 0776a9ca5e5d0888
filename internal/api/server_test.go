package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bitcoinbank/perpengine/internal/apperr"
	"github.com/bitcoinbank/perpengine/internal/clock"
	"github.com/bitcoinbank/perpengine/internal/config"
	"github.com/bitcoinbank/perpengine/internal/ledger"
	"github.com/bitcoinbank/perpengine/internal/matching"
	"github.com/bitcoinbank/perpengine/internal/positionview"
	"github.com/bitcoinbank/perpengine/internal/signer"
)

type stubOracle struct {
	price decimal.Decimal
	err   error
}

func (s *stubOracle) GetMarkPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	return s.price, s.err
}

func newTestServer(t *testing.T, oracle *stubOracle) (http.Handler, *signer.Signer) {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))

	params := map[string]matching.MarketParams{
		"BTCUSD": {
			MaxLeverage:          20,
			MaintenanceMarginPct: decimal.NewFromFloat(0.005),
			TakerFeePct:          decimal.NewFromFloat(0.0005),
			InsuranceFundFeePct:  decimal.NewFromFloat(0.1),
		},
	}
	engine := matching.New(l, oracle, nil, nil, clk, params)
	viewer := positionview.New(l, oracle)

	cfg := &config.Config{
		Markets: []config.MarketConfig{{Symbol: "BTCUSD", MaxLeverage: 20, MaintenanceMarginPct: 0.005, TakerFeePct: 0.0005, InsuranceFundFeePct: 0.1}},
		API:     config.APIConfig{ListenAddr: ":0", ChallengeTTL: 5 * time.Minute, ShutdownTimeout: 5 * time.Second},
	}

	challenges := newChallengeStore(clk, cfg.API.ChallengeTTL)
	handlers := newHandlers(l, engine, viewer, cfg, challenges, slog.Default())
	router := buildRouter(handlers)

	sgnr, err := signer.Generate(clk)
	require.NoError(t, err)
	_, err = l.CreditCollateral(sgnr.Pubkey(), 1_000_000_000)
	require.NoError(t, err)
	_, err = l.CreditDeposit(sgnr.Pubkey(), 1_000_000_000, "test-deposit", "")
	require.NoError(t, err)

	return router, sgnr
}

func getChallenge(t *testing.T, router http.Handler, pubkey string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/challenge?pubkey="+url.QueryEscape(pubkey), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ChallengeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Challenge
}

// signRequest builds a SignedEventRequest body for a command payload,
// carrying the given challenge in a ["challenge", ...] tag.
func signRequest(t *testing.T, sgnr *signer.Signer, kind int, challenge string, content []byte) []byte {
	t.Helper()
	ev, err := sgnr.Sign(kind, [][]string{{"challenge", challenge}}, string(content))
	require.NoError(t, err)

	req := SignedEventRequest{
		ID: ev.ID, Pubkey: ev.Pubkey, CreatedAt: ev.CreatedAt,
		Kind: ev.Kind, Tags: ev.Tags, Content: ev.Content, Sig: ev.Sig,
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return body
}

func postJSON(router http.Handler, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// TestPlaceOrderReplayRejected covers S5: submitting the same signed order
// event twice yields Conflict on the second call, with no additional
// order recorded.
func TestPlaceOrderReplayRejected(t *testing.T) {
	t.Parallel()
	oracle := &stubOracle{price: decimal.NewFromInt(50000)}
	router, sgnr := newTestServer(t, oracle)

	challenge := getChallenge(t, router, sgnr.Pubkey())
	priceStr := "50000"
	content, err := json.Marshal(orderContent{
		Market: "BTCUSD", Side: "long", OrderType: "limit",
		SizeSats: 100_000, PriceUSD: &priceStr, Leverage: 5,
	})
	require.NoError(t, err)
	body := signRequest(t, sgnr, 30051, challenge, content)

	first := postJSON(router, "/api/futures/order", body)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := postJSON(router, "/api/futures/order", body)
	require.Equal(t, http.StatusConflict, second.Code, second.Body.String())

	var errResp errorResponse
	require.NoError(t, json.NewDecoder(second.Body).Decode(&errResp))
	require.Equal(t, string(apperr.Conflict), errResp.Kind)

	req := httptest.NewRequest(http.MethodGet, "/api/futures/orders/"+sgnr.Pubkey(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var orders []json.RawMessage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&orders))
	require.Len(t, orders, 1, "orders for pubkey after replayed submission")
}

// TestPlaceOrderOracleUnavailableMapsTo503 verifies that an oracle failure
// surfaced from PlaceOrder reaches the HTTP boundary as 503.
func TestPlaceOrderOracleUnavailableMapsTo503(t *testing.T) {
	t.Parallel()
	oracle := &stubOracle{err: apperr.New(apperr.OracleUnavailable, "price feed down")}
	router, sgnr := newTestServer(t, oracle)

	challenge := getChallenge(t, router, sgnr.Pubkey())
	content, err := json.Marshal(orderContent{
		Market: "BTCUSD", Side: "long", OrderType: "market", SizeSats: 100_000, Leverage: 5,
	})
	require.NoError(t, err)
	body := signRequest(t, sgnr, 30051, challenge, content)

	rec := postJSON(router, "/api/futures/order", body)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
}

// TestCollateralDepositRoundTrip exercises the full HTTP challenge-issuance
// and collateral-deposit happy path.
func TestCollateralDepositRoundTrip(t *testing.T) {
	t.Parallel()
	oracle := &stubOracle{price: decimal.NewFromInt(50000)}
	router, sgnr := newTestServer(t, oracle)

	challenge := getChallenge(t, router, sgnr.Pubkey())
	require.True(t, strings.HasPrefix(challenge, "bank:"), "challenge = %q", challenge)

	content, err := json.Marshal(collateralMoveContent{AmountMsats: 500_000})
	require.NoError(t, err)
	body := signRequest(t, sgnr, 0, challenge, content)

	rec := postJSON(router, "/api/futures/collateral/deposit", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestChallengeRejectsMissingPubkey(t *testing.T) {
	t.Parallel()
	oracle := &stubOracle{price: decimal.NewFromInt(50000)}
	router, _ := newTestServer(t, oracle)

	req := httptest.NewRequest(http.MethodGet, "/api/challenge?pubkey=", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	oracle := &stubOracle{price: decimal.NewFromInt(50000)}
	router, _ := newTestServer(t, oracle)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

package oracle

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bitcoinbank/perpengine/internal/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func krakenServer(t *testing.T, price string, fail bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp := krakenTickerResponse{
			Result: map[string]krakenTickerPairData{
				"XXBTZUSD": {C: []string{price, "1.0"}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestGetIndexPriceFetchesAndCaches(t *testing.T) {
	t.Parallel()
	srv := krakenServer(t, "50000.12345678", false)
	defer srv.Close()

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	o := New(srv.URL, 5*time.Second, 30*time.Second, clk, testLogger())

	price, err := o.GetIndexPrice(context.Background(), "BTCUSD")
	if err != nil {
		t.Fatalf("GetIndexPrice: %v", err)
	}
	if price.String() != "50000.12345678" {
		t.Errorf("price = %s, want 50000.12345678", price.String())
	}
}

func TestGetIndexPriceServesStaleOnFailure(t *testing.T) {
	t.Parallel()
	srv := krakenServer(t, "50000", false)
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	o := New(srv.URL, 5*time.Second, 1*time.Second, clk, testLogger())

	_, err := o.GetIndexPrice(context.Background(), "BTCUSD")
	if err != nil {
		t.Fatalf("initial GetIndexPrice: %v", err)
	}
	srv.Close() // upstream now fails

	clk.Advance(2 * time.Second) // cache now stale

	price, err := o.GetIndexPrice(context.Background(), "BTCUSD")
	if err != nil {
		t.Fatalf("GetIndexPrice after upstream failure: %v", err)
	}
	if price.String() != "50000" {
		t.Errorf("stale price = %s, want 50000", price.String())
	}
}

func TestGetIndexPriceUnavailableWithoutCache(t *testing.T) {
	t.Parallel()
	srv := krakenServer(t, "50000", true)
	defer srv.Close()

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	o := New(srv.URL, 5*time.Second, 30*time.Second, clk, testLogger())

	if _, err := o.GetIndexPrice(context.Background(), "BTCUSD"); err == nil {
		t.Error("expected OracleUnavailable with empty cache, got nil")
	}
}

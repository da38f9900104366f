package coingecko

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"coinvault/pkg/metrics"
	"coinvault/pkg/rates"
	"coinvault/pkg/resilience"

	"github.com/shopspring/decimal"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(ClientConfig{BaseURL: server.URL, RateLimitPerMin: 6000})
}

func TestClient_Quote(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		symbol    string
		wantFiat  string
		wantUSD   string
		expectErr bool
	}{
		{
			name:     "naira price preferred",
			body:     `{"bitcoin":{"usd":61290.5,"ngn":95000000}}`,
			symbol:   "btc",
			wantFiat: "95000000",
			wantUSD:  "61290.5",
		},
		{
			name:     "usd converted when ngn missing",
			body:     `{"ethereum":{"usd":3000}}`,
			symbol:   "ETH",
			wantFiat: "4650000",
			wantUSD:  "3000",
		},
		{
			name:     "usd converted when ngn zero",
			body:     `{"tether":{"usd":1.001,"ngn":0}}`,
			symbol:   "usdt",
			wantFiat: "1551.55",
			wantUSD:  "1.001",
		},
		{
			name:      "no positive price",
			body:      `{"bitcoin":{"usd":0,"ngn":0}}`,
			symbol:    "BTC",
			expectErr: true,
		},
		{
			name:      "coin missing from response",
			body:      `{}`,
			symbol:    "BTC",
			expectErr: true,
		},
		{
			name:      "unknown symbol",
			body:      `{}`,
			symbol:    "DOGE",
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			})

			q, err := client.Quote(context.Background(), tt.symbol)
			if tt.expectErr {
				if !errors.Is(err, rates.ErrUnavailable) {
					t.Errorf("Expected ErrUnavailable, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !q.Fiat.Equal(decimal.RequireFromString(tt.wantFiat)) {
				t.Errorf("Expected fiat %s, got %s", tt.wantFiat, q.Fiat)
			}
			if !q.USD.Valid || !q.USD.Decimal.Equal(decimal.RequireFromString(tt.wantUSD)) {
				t.Errorf("Expected usd %s, got %+v", tt.wantUSD, q.USD)
			}
			if q.Symbol != rates.Normalize(tt.symbol) || q.Source != "coingecko" {
				t.Errorf("Unexpected quote metadata: %+v", q)
			}
		})
	}
}

func TestClient_RequestShape(t *testing.T) {
	var gotPath, gotIDs, gotVs, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotIDs = r.URL.Query().Get("ids")
		gotVs = r.URL.Query().Get("vs_currencies")
		gotKey = r.Header.Get("x-cg-pro-api-key")
		w.Write([]byte(`{"ethereum":{"ngn":5000000}}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, APIKey: "secret", RateLimitPerMin: 6000})
	if _, err := client.Quote(context.Background(), "eth"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if gotPath != "/simple/price" || gotIDs != "ethereum" || gotVs != "usd,ngn" {
		t.Errorf("Unexpected request: path=%s ids=%s vs=%s", gotPath, gotIDs, gotVs)
	}
	if gotKey != "secret" {
		t.Errorf("Expected API key header, got %q", gotKey)
	}
}

func TestClient_ServerErrorOpensCircuit(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := client.Quote(ctx, "BTC"); !errors.Is(err, rates.ErrUnavailable) {
			t.Fatalf("Expected ErrUnavailable, got %v", err)
		}
	}

	_, err := client.Quote(ctx, "BTC")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen after repeated failures, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected the open circuit to stop upstream calls, got %d", calls)
	}
	if client.State() != metrics.CircuitOpen {
		t.Errorf("Expected open state, got %s", client.State())
	}
}

func TestClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	client := NewClient(ClientConfig{
		BaseURL:         server.URL,
		RateLimitPerMin: 6000,
		Breaker:         resilience.UpstreamConfig(50 * time.Millisecond),
	})

	start := time.Now()
	_, err := client.Quote(context.Background(), "BTC")
	if !errors.Is(err, resilience.ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Expected the call to be cut off, took %v", elapsed)
	}
}

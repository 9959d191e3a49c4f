package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/fleet/pkg/models"
)

func candles(n int) []models.PriceSample {
	out := make([]models.PriceSample, n)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		price := 1.1000 + float64(i)*0.0001
		out[i] = models.PriceSample{
			Symbol:    "EURUSD",
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
		}
	}
	return out
}

func TestReplayFeedWindowsNeverLookAhead(t *testing.T) {
	feed := NewReplayFeed("EURUSD", candles(10), SymbolSpec{Symbol: "EURUSD"})
	ctx := context.Background()

	history, err := feed.GetHistory(ctx, "EURUSD", "M5", 5)
	require.NoError(t, err)
	require.Len(t, history, 1, "cursor starts on the first candle")

	for i := 0; i < 6; i++ {
		require.True(t, feed.Advance())
	}
	history, err = feed.GetHistory(ctx, "EURUSD", "M5", 5)
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, feed.Current(), history[len(history)-1])

	price, err := feed.GetPrice(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, feed.Current(), price)
}

func TestReplayFeedExhaustsAndRejectsUnknownSymbol(t *testing.T) {
	feed := NewReplayFeed("EURUSD", candles(3), SymbolSpec{})

	require.True(t, feed.Advance())
	require.True(t, feed.Advance())
	assert.False(t, feed.Advance(), "series of 3 allows exactly 2 advances")

	_, err := feed.GetHistory(context.Background(), "GBPUSD", "M5", 5)
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestIsConnectivityClassification(t *testing.T) {
	assert.False(t, IsConnectivity(nil))
	assert.True(t, IsConnectivity(ErrNotConnected))
	assert.True(t, IsConnectivity(fmt.Errorf("wrapped: %w", ErrNotConnected)))
	assert.True(t, IsConnectivity(context.DeadlineExceeded))
	assert.False(t, IsConnectivity(ErrOrderRejected))
	assert.False(t, IsConnectivity(ErrSymbolNotFound))
	assert.False(t, IsConnectivity(errors.New("margin call")))
}

func TestBridgeClientSessionAndErrorMapping(t *testing.T) {
	var sawToken string
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"data":{"token":"tok-1"}}`)
	})
	mux.HandleFunc("/symbols/", func(w http.ResponseWriter, r *http.Request) {
		sawToken = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"ok":false,"code":"symbol_not_found","message":"XXXYYY"}`)
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"code":"order_rejected","message":"market closed"}`)
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	client := NewBridgeClient(ts.URL, "login", "pass")
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	_, err := client.GetSymbolSpec(ctx, "XXXYYY")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	assert.Equal(t, "Bearer tok-1", sawToken, "session token rides on later calls")

	_, err = client.PlaceOrder(ctx, &models.OrderRequest{Symbol: "EURUSD"})
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.False(t, IsConnectivity(err))

	_, err = client.GetAccountSnapshot(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, IsConnectivity(err))
}

func TestBridgeClientUnreachableHostIsConnectivity(t *testing.T) {
	client := NewBridgeClient("http://127.0.0.1:1", "login", "pass")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, IsConnectivity(err))
}

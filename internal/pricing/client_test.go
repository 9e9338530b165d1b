package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"paylink/internal/apperr"
)

func TestGetPriceReturnsQuotedRate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("asset") != "BTC" || r.URL.Query().Get("currency") != "CHF" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header: %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"asset":"BTC","currency":"CHF","price":60000.5,"timestamp":1700000000}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "test-key", Logger: logrus.New()})
	price, err := client.GetPrice(context.Background(), "BTC", "CHF")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price != 60000.5 {
		t.Fatalf("expected price 60000.5, got %f", price)
	}
}

func TestGetPriceRejectsNonPositivePrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"asset":"BTC","currency":"CHF","price":0}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Logger: logrus.New()})
	_, err := client.GetPrice(context.Background(), "BTC", "CHF")
	if !apperr.Is(err, apperr.KindProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestGetPriceWrapsUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Logger: logrus.New()})
	_, err := client.GetPrice(context.Background(), "ETH", "EUR")
	if !apperr.Is(err, apperr.KindProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

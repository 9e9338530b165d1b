package c2b

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"paylink/internal/apperr"
)

func TestSignProducesUppercaseHexHMAC(t *testing.T) {
	client := NewClient(Config{APISecret: "secret", Logger: logrus.New()})
	got := client.sign("1700000000000", "abc123", []byte(`{"a":1}`))

	mac := hmac.New(sha512.New, []byte("secret"))
	mac.Write([]byte("1700000000000\nabc123\n{\"a\":1}\n"))
	want := strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
	if got != want {
		t.Fatalf("signature mismatch:\n got %s\nwant %s", got, want)
	}
	if got != strings.ToUpper(got) {
		t.Fatal("signature must be uppercase hex")
	}
}

func TestCreateOrderSignsAndDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/binancepay/openapi/v3/order" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)

		timestamp := r.Header.Get("BinancePay-Timestamp")
		nonce := r.Header.Get("BinancePay-Nonce")
		signature := r.Header.Get("BinancePay-Signature")
		if timestamp == "" || nonce == "" || signature == "" {
			t.Error("missing signature headers")
		}
		if r.Header.Get("BinancePay-Certificate-SN") != "api-key" {
			t.Errorf("unexpected certificate SN header")
		}

		mac := hmac.New(sha512.New, []byte("api-secret"))
		mac.Write([]byte(timestamp + "\n" + nonce + "\n" + string(body) + "\n"))
		if signature != strings.ToUpper(hex.EncodeToString(mac.Sum(nil))) {
			t.Error("request signature does not verify")
		}

		var req map[string]interface{}
		json.Unmarshal(body, &req)
		if req["subMerchantId"] != "sub-1" {
			t.Errorf("expected subMerchantId, got %v", req["subMerchantId"])
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "SUCCESS",
			"code":   "000000",
			"data": map[string]interface{}{
				"prepayId":   "prepay-1",
				"deeplink":   "bnc://pay/prepay-1",
				"expireTime": 1700000600000,
			},
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "api-key", APISecret: "api-secret", Logger: logrus.New()})
	order, err := client.CreateOrder(context.Background(), OrderRequest{
		MerchantID:      "654321",
		SubMerchantID:   "sub-1",
		MerchantTradeNo: "plp_1-deadbeef",
		Asset:           "USDT",
		Amount:          100.5,
		Description:     "coffee",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.PrepayID != "prepay-1" || order.Deeplink != "bnc://pay/prepay-1" {
		t.Fatalf("unexpected order result: %+v", order)
	}
}

func TestCreateOrderRejectsProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":       "FAIL",
			"code":         "400201",
			"errorMessage": "merchant not found",
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Logger: logrus.New()})
	_, err := client.CreateOrder(context.Background(), OrderRequest{MerchantID: "1", Asset: "USDT", Amount: 1})
	if !apperr.Is(err, apperr.KindProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestEnrollSubMerchantReturnsID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/binancepay/openapi/submerchant/add" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "SUCCESS",
			"code":   "000000",
			"data":   map[string]string{"subMerchantId": "sub-42"},
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Logger: logrus.New()})
	id, err := client.EnrollSubMerchant(context.Background(), EnrollmentRequest{MerchantName: "Cafe", Country: "CH"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "sub-42" {
		t.Fatalf("expected sub-42, got %s", id)
	}
}

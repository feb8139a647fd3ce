package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/"}, testLogger())
}

func TestTransactionsSendsBearerAndDecodesPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/account/transactions/2/" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization=%q", got)
		}
		io.WriteString(w, `{"status":"success","message":"ok","has_next":true,"data":[
			{"id":"1","type":"BUY","price":1000,"closed":false,"meta_data":{"pair":"EURUSD","boughtAt":"1.1","leverage":"10","profitLoss":0}}
		]}`)
	})

	page, err := c.Transactions(context.Background(), "tok", 2)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if !page.HasNext || len(page.Transactions) != 1 {
		t.Fatalf("page=%+v", page)
	}
	tx := page.Transactions[0]
	if !tx.MetaData.Leverage.Decimal.Equal(decimal.NewFromInt(10)) || !tx.Price.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("tx=%+v", tx)
	}
	if !tx.NeedsLivePnL() {
		t.Fatal("zero server P/L should need live updates")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		kind    models.ErrorKind
		message string
		unauth  bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"detail":"expired"}`, models.ErrKindUnauthorized, "Authentication expired. Please log in again.", true},
		{"forbidden", http.StatusForbidden, `{}`, models.ErrKindUnauthorized, "Authentication expired. Please log in again.", true},
		{"upstream message", http.StatusBadRequest, `{"success":false,"message":"Insufficient balance"}`, models.ErrKindUpstream, "Insufficient balance", false},
		{"nested message", http.StatusBadRequest, `{"data":{"message":"Bad pair"}}`, models.ErrKindUpstream, "Bad pair", false},
		{"status error on 200", http.StatusOK, `{"status":"error","message":"Rejected"}`, models.ErrKindUpstream, "Rejected", false},
		{"not json", http.StatusBadGateway, `<html>`, models.ErrKindUpstream, "Request failed", false},
		{"not found", http.StatusNotFound, `{}`, models.ErrKindNotFound, "Not found", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			err := c.CloseTrade(context.Background(), "tok", models.CloseTradeRequest{ID: "1"})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err=%v, want *APIError", err)
			}
			if apiErr.Kind != tt.kind || apiErr.Message != tt.message {
				t.Fatalf("kind=%s message=%q", apiErr.Kind, apiErr.Message)
			}
			if IsUnauthorized(err) != tt.unauth {
				t.Fatalf("IsUnauthorized=%v", IsUnauthorized(err))
			}
		})
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url}, testLogger())
	_, err := c.Profile(context.Background(), "tok")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != models.ErrKindNetwork {
		t.Fatalf("err=%v, want network error", err)
	}
}

func TestLoginStripsAccessToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var creds models.Credentials
		json.NewDecoder(r.Body).Decode(&creds)
		if creds.Email != "a@b.c" || r.Header.Get("Authorization") != "" {
			t.Errorf("creds=%+v auth=%q", creds, r.Header.Get("Authorization"))
		}
		io.WriteString(w, `{"status":"success","data":{"access":"jwt-token","email":"a@b.c"}}`)
	})

	res, err := c.Login(context.Background(), models.Credentials{Email: "a@b.c", Password: "x"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token != "jwt-token" {
		t.Fatalf("token=%q", res.Token)
	}
	if _, ok := res.Data["access"]; ok {
		t.Fatal("access left in login data")
	}
	if res.Data["email"] != "a@b.c" {
		t.Fatalf("data=%v", res.Data)
	}
}

func TestLoginFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"rejected", http.StatusUnauthorized, `{"data":{"message":"Invalid credentials"}}`, "Login failed"},
		{"no token", http.StatusOK, `{"status":"success","data":{}}`, "Invalid authentication response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			_, err := c.Login(context.Background(), models.Credentials{})
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Message != tt.want {
				t.Fatalf("err=%v, want %q", err, tt.want)
			}
			if IsUnauthorized(err) {
				t.Fatal("login failure must not read as an expired session")
			}
		})
	}
}

func TestTradeRoutesBySide(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		io.WriteString(w, `{"status":"success","data":{"id":"9"}}`)
	})
	ctx := context.Background()
	order := models.TradeOrder{Price: decimal.NewFromInt(100), MetaData: models.OrderMeta{Pair: "EURUSD"}}

	if _, err := c.Trade(ctx, "tok", models.SideBuy, order); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Trade(ctx, "tok", models.SideSell, order); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Trade(ctx, "tok", models.Side("HOLD"), order); err == nil {
		t.Fatal("expected error for unknown side")
	}
	if len(paths) != 2 || paths[0] != "/account/trade/buy/" || paths[1] != "/account/trade/sell/" {
		t.Fatalf("paths=%v", paths)
	}
}

func TestEnvelopeOK(t *testing.T) {
	tests := []struct {
		body string
		ok   bool
	}{
		{`{}`, true},
		{`{"status":"success"}`, true},
		{`{"status":"failed"}`, false},
		{`{"status":200}`, true},
		{`{"status":500}`, false},
		{`{"success":true,"status":"error"}`, true},
		{`{"success":false}`, false},
	}
	for _, tt := range tests {
		var env Envelope
		if err := json.Unmarshal([]byte(tt.body), &env); err != nil {
			t.Fatalf("%s: %v", tt.body, err)
		}
		if env.OK() != tt.ok {
			t.Errorf("%s: OK=%v, want %v", tt.body, env.OK(), tt.ok)
		}
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}

	got, ok, err := TokenExpiry(signed)
	if err != nil || !ok || !got.Equal(exp) {
		t.Fatalf("exp=%v ok=%v err=%v, want %v", got, ok, err, exp)
	}
	if Expired(signed, time.Now()) {
		t.Fatal("fresh token reported expired")
	}
	if !Expired(signed, exp.Add(time.Second)) {
		t.Fatal("token past exp not reported expired")
	}
	if Expired("opaque-token", time.Now()) {
		t.Fatal("opaque tokens are left to the backend")
	}
}

func TestSessionBindsToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"status":"success","data":{"email":"a@b.c","balance":"250.5","credit":10}}`)
	})
	acct, err := c.Session("abc").Profile(context.Background())
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if !acct.TotalFunds().Equal(decimal.RequireFromString("260.5")) {
		t.Fatalf("funds=%s", acct.TotalFunds())
	}
}

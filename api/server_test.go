package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/gregtusar/tradedesk/pkg/alltick"
	"github.com/gregtusar/tradedesk/pkg/backend"
	"github.com/gregtusar/tradedesk/pkg/cache"
	"github.com/gregtusar/tradedesk/pkg/marketdata"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/gregtusar/tradedesk/pkg/notify"
	"github.com/gregtusar/tradedesk/pkg/trader"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// fakeBackend answers the account endpoints and counts hits per path.
type fakeBackend struct {
	mu           sync.Mutex
	hits         map[string]int
	token        string
	unauthorized bool
	// hold parks profile requests for a bearer token until closed.
	hold map[string]chan struct{}
}

func (f *fakeBackend) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	unauthorized := f.unauthorized
	hold := f.hold[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	f.mu.Unlock()

	if hold != nil && r.URL.Path == "/account/profile/" {
		<-hold
	}

	if unauthorized && r.URL.Path != "/account/login/" {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"detail":"Given token not valid"}`)
		return
	}

	switch r.URL.Path {
	case "/account/login/":
		io.WriteString(w, `{"status":"success","data":{"access":"`+f.token+`","refresh":"r","email":"a@b.c"}}`)
	case "/account/profile/":
		io.WriteString(w, `{"status":"success","data":{"email":"a@b.c","balance":"1000","credit":"0"}}`)
	case "/account/transactions/1/":
		io.WriteString(w, `{"status":"success","has_next":false,"data":[]}`)
	case "/account/requests/":
		io.WriteString(w, `{"status":"success","data":[{"id":"r1","type":"deposit","amount":"50","approved":false}]}`)
	case "/account/requests/admin_address/":
		io.WriteString(w, `{"status":"success","data":[{"chain":"TRC20","address":"TXYZ"}]}`)
	case "/account/requests/links/":
		io.WriteString(w, `{"status":"success","data":[{"name":"telegram","link":"https://t.me/desk"}]}`)
	case "/account/requests/deposit/", "/account/trade/buy/", "/account/trade/sell/", "/account/trade/close/":
		io.WriteString(w, `{"status":"success","data":{"id":"9"}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"message":"Not found"}`)
	}
}

// vendorServer accepts sockets and ignores every frame.
func vendorServer(t *testing.T) alltick.Endpoints {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	return alltick.Endpoints{StockURL: base + "/stock", IndexURL: base + "/index", Token: "key"}
}

func newTestServer(t *testing.T, be *fakeBackend) *Server {
	t.Helper()
	be.hits = make(map[string]int)
	upstream := httptest.NewServer(be)
	t.Cleanup(upstream.Close)

	kline := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ret":200,"data":{"kline_list":[{"close_price":"64000.5"}]}}`)
	}))
	t.Cleanup(kline.Close)

	wallets, err := cache.New(cache.Config{TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(wallets.Close)

	logger := testLogger()
	s := NewServer(
		backend.NewClient(backend.Config{BaseURL: upstream.URL}, logger),
		alltick.NewKlineClient(kline.URL, "key"),
		wallets,
		notify.Nop{},
		Options{
			Desk: trader.Config{
				PollInterval: time.Hour,
				Market:       marketdata.Config{Endpoints: vendorServer(t)},
			},
		},
		logger,
	)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func do(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: cookieName, Value: token})
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) models.Result[json.RawMessage] {
	t.Helper()
	var res models.Result[json.RawMessage]
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("body %q: %v", rec.Body.String(), err)
	}
	return res
}

func authCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookieName {
			return c
		}
	}
	return nil
}

func TestLoginSetsCookieAndStartsSession(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	be := &fakeBackend{token: token}
	s := newTestServer(t, be)

	rec := do(s, http.MethodPost, "/api/auth/login", "", `{"email":"a@b.c","password":"pw"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	res := decode(t, rec)
	if !res.OK || strings.Contains(string(res.Data), "access") {
		t.Fatalf("result=%s", rec.Body)
	}

	c := authCookie(rec)
	if c == nil {
		t.Fatal("no auth cookie")
	}
	if c.Value != token || !c.HttpOnly || c.SameSite != http.SameSiteStrictMode || c.Path != "/" {
		t.Errorf("cookie=%+v", c)
	}
	if c.MaxAge > 3600 || c.MaxAge < 3500 {
		t.Errorf("max-age=%d, want capped at token expiry", c.MaxAge)
	}

	if _, ok := s.sessions.get(token); !ok {
		t.Fatal("login did not start a session")
	}
	if be.count("/account/profile/") != 1 || be.count("/account/transactions/1/") != 1 {
		t.Errorf("desk start hits: profile=%d transactions=%d", be.count("/account/profile/"), be.count("/account/transactions/1/"))
	}

	rec = do(s, http.MethodPost, "/api/auth/logout", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status=%d", rec.Code)
	}
	if c := authCookie(rec); c == nil || c.MaxAge >= 0 {
		t.Errorf("logout cookie=%+v", c)
	}
	if _, ok := s.sessions.get(token); ok {
		t.Fatal("logout left the session running")
	}
}

func TestLoginValidation(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})

	rec := do(s, http.MethodPost, "/api/auth/login", "", `{"email":"a@b.c"}`)
	if rec.Code != http.StatusBadRequest || decode(t, rec).Code != models.ErrKindValidation {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	if rec := do(s, http.MethodGet, "/api/auth/login", "", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET login status=%d", rec.Code)
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})

	for _, path := range []string{"/api/requests", "/api/user/profile", "/api/transactions", "/api/market/pnl"} {
		rec := do(s, http.MethodGet, path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status=%d", path, rec.Code)
			continue
		}
		if res := decode(t, rec); res.OK || res.Code != models.ErrKindUnauthorized {
			t.Errorf("%s: result=%+v", path, res)
		}
	}
}

func TestExpiredTokenNeverReachesBackend(t *testing.T) {
	be := &fakeBackend{}
	s := newTestServer(t, be)

	rec := do(s, http.MethodGet, "/api/requests", signedToken(t, time.Now().Add(-time.Minute)), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rec.Code)
	}
	if be.count("/account/requests/") != 0 {
		t.Fatal("expired token was relayed")
	}
	if c := authCookie(rec); c == nil || c.MaxAge >= 0 {
		t.Errorf("cookie not cleared: %+v", c)
	}
}

func TestUpstreamUnauthorizedEndsSession(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	be := &fakeBackend{token: token}
	s := newTestServer(t, be)

	if rec := do(s, http.MethodPost, "/api/auth/login", "", `{"email":"a@b.c","password":"pw"}`); rec.Code != http.StatusOK {
		t.Fatalf("login status=%d", rec.Code)
	}

	be.mu.Lock()
	be.unauthorized = true
	be.mu.Unlock()

	rec := do(s, http.MethodGet, "/api/requests", token, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rec.Code)
	}
	res := decode(t, rec)
	if res.Message != msgExpired {
		t.Errorf("message=%q", res.Message)
	}
	if c := authCookie(rec); c == nil || c.MaxAge >= 0 {
		t.Errorf("cookie not cleared: %+v", c)
	}
	if _, ok := s.sessions.get(token); ok {
		t.Fatal("session survived an upstream 401")
	}
}

func TestAmountValidation(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	be := &fakeBackend{}
	s := newTestServer(t, be)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"deposit zero", "/api/deposit", `{"amount":"0","network":"TRC20"}`, http.StatusBadRequest},
		{"deposit negative", "/api/deposit", `{"amount":"-5"}`, http.StatusBadRequest},
		{"deposit ok", "/api/deposit", `{"amount":"25","network":"TRC20"}`, http.StatusOK},
		{"withdraw no wallet", "/api/withdraw", `{"amount":"10"}`, http.StatusBadRequest},
		{"withdraw zero", "/api/withdraw", `{"amount":"0","wallet_address":"T1"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodPost, tt.path, token, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
			}
		})
	}
	if be.count("/account/requests/withdraw/") != 0 {
		t.Error("invalid withdrawal was relayed")
	}
}

func TestWalletAddressesAreCached(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	be := &fakeBackend{}
	s := newTestServer(t, be)

	for i := 0; i < 2; i++ {
		rec := do(s, http.MethodGet, "/api/wallet-address", token, "")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "TXYZ") {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
		}
	}
	if n := be.count("/account/requests/admin_address/"); n != 1 {
		t.Fatalf("backend hit %d times, want 1", n)
	}
}

func TestTradeRouting(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	be := &fakeBackend{}
	s := newTestServer(t, be)

	order := `{"price":"100","meta_data":{"pair":"EURUSD","leverage":"10","margin":"10","order_type":"market"}}`
	if rec := do(s, http.MethodPost, "/api/trade/sell", token, order); rec.Code != http.StatusOK {
		t.Fatalf("sell status=%d body=%s", rec.Code, rec.Body)
	}
	if be.count("/account/trade/sell/") != 1 || be.count("/account/trade/buy/") != 0 {
		t.Fatal("sell routed to the wrong endpoint")
	}

	if rec := do(s, http.MethodPost, "/api/trade/close", token, `{"id":"p1","meta_data":{"closedAt":"1.1"}}`); rec.Code != http.StatusOK {
		t.Fatalf("close status=%d", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/api/trade/close", token, `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("close without id status=%d", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/api/trade/hold", token, order); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown action status=%d", rec.Code)
	}
}

func TestPublicEndpoints(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})

	rec := do(s, http.MethodGet, "/api/social-links", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "t.me/desk") {
		t.Fatalf("social links status=%d body=%s", rec.Code, rec.Body)
	}

	rec = do(s, http.MethodGet, "/api/crypto-price?code=BTC/USDT", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "64000.5") {
		t.Fatalf("crypto price status=%d body=%s", rec.Code, rec.Body)
	}
	if rec := do(s, http.MethodGet, "/api/crypto-price", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing code status=%d", rec.Code)
	}

	rec = do(s, http.MethodGet, "/api/health", "", "")
	if rec.Code != http.StatusOK || !decode(t, rec).OK {
		t.Fatalf("health status=%d", rec.Code)
	}
}

func TestMarketViews(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	s := newTestServer(t, &fakeBackend{})

	if rec := do(s, http.MethodPost, "/api/market/select", token, `{"feed":"bonds"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown feed status=%d", rec.Code)
	}

	rec := do(s, http.MethodPost, "/api/market/select", token, `{"feed":"crypto"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("select status=%d body=%s", rec.Code, rec.Body)
	}
	var snap models.Result[trader.Snapshot]
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Data.Selection.Feed != models.FeedCrypto || snap.Data.Selection.Pair != "BTC/USDT" {
		t.Fatalf("selection=%+v", snap.Data.Selection)
	}

	if rec := do(s, http.MethodGet, "/api/market/pnl", token, ""); rec.Code != http.StatusOK {
		t.Fatalf("pnl status=%d", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/api/market/quotes", token, ""); rec.Code != http.StatusOK {
		t.Fatalf("quotes status=%d", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/api/market/reconnect", token, ""); rec.Code != http.StatusOK {
		t.Fatalf("reconnect status=%d body=%s", rec.Code, rec.Body)
	}
	if s.sessions.len() != 1 {
		t.Fatalf("sessions=%d, want one desk per token", s.sessions.len())
	}
}

func TestCORSOnlyEchoesAllowedOrigins(t *testing.T) {
	s := newTestServer(t, &fakeBackend{})
	s.opts.AllowOrigins = []string{"https://desk.example"}

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "https://desk.example")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://desk.example" || rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("headers=%v", rec.Header())
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unknown origin echoed")
	}
}

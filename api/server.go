package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/tradedesk/pkg/alltick"
	"github.com/gregtusar/tradedesk/pkg/backend"
	"github.com/gregtusar/tradedesk/pkg/cache"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/gregtusar/tradedesk/pkg/pnl"
	"github.com/gregtusar/tradedesk/pkg/trader"
	"github.com/sirupsen/logrus"
)

const (
	cookieName   = "auth_token"
	cookieMaxAge = 30 * 24 * time.Hour

	msgNotAuthenticated = "Not authenticated"
	msgExpired          = "Authentication expired. Please log in again."
)

type Options struct {
	Port         int
	SecureCookie bool
	AllowOrigins []string
	Desk         trader.Config
}

type Server struct {
	backend  *backend.Client
	kline    *alltick.KlineClient
	wallets  *cache.Cache
	sessions *sessions
	logger   *logrus.Logger
	opts     Options
	now      func() time.Time

	cancel     context.CancelFunc
	httpServer *http.Server
}

// NewServer wires the API. kline and wallets may be nil, which disables
// price lookups and wallet caching.
func NewServer(client *backend.Client, kline *alltick.KlineClient, wallets *cache.Cache, notifier pnl.Notifier, opts Options, logger *logrus.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		backend:  client,
		kline:    kline,
		wallets:  wallets,
		sessions: newSessions(ctx, client, notifier, opts.Desk, logger),
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		cancel:   cancel,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)

	// Auth
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/auth/logout", s.handleLogout)

	// Account relays
	mux.HandleFunc("/api/user/profile", s.handleProfile)
	mux.HandleFunc("/api/deposit", s.handleDeposit)
	mux.HandleFunc("/api/withdraw", s.handleWithdraw)
	mux.HandleFunc("/api/requests", s.handleRequests)
	mux.HandleFunc("/api/transactions", s.handleTransactions)
	mux.HandleFunc("/api/wallet-address", s.handleWalletAddress)
	mux.HandleFunc("/api/trade/", s.handleTrade)

	// Public
	mux.HandleFunc("/api/social-links", s.handleSocialLinks)
	mux.HandleFunc("/api/crypto-price", s.handleCryptoPrice)

	// Live session views
	mux.HandleFunc("/api/market/quotes", s.handleQuotes)
	mux.HandleFunc("/api/market/pnl", s.handlePnL)
	mux.HandleFunc("/api/market/select", s.handleSelect)
	mux.HandleFunc("/api/market/reconnect", s.handleReconnect)

	return corsMiddleware(s.opts.AllowOrigins, mux)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on port %d", s.opts.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and every running desk.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.sessions.closeAll()
	s.cancel()
	return err
}

func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Cookies need a concrete origin, never "*".
		if origin := r.Header.Get("Origin"); origin != "" && (allowed[origin] || allowed["*"]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, models.Success(map[string]any{
		"status":    "healthy",
		"sessions":  s.sessions.len(),
		"timestamp": s.now().UTC(),
	}))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var creds models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		s.writeError(w, http.StatusBadRequest, models.ErrKindValidation, "Invalid request body")
		return
	}
	if strings.TrimSpace(creds.Email) == "" || creds.Password == "" {
		s.writeError(w, http.StatusBadRequest, models.ErrKindValidation, "Email and password are required")
		return
	}

	res, err := s.backend.Login(r.Context(), creds)
	if err != nil {
		s.fail(w, "", err)
		return
	}

	s.setCookie(w, res.Token)
	if _, err := s.sessions.ensure(res.Token); err != nil {
		// The relay succeeded; views will retry the desk on demand.
		s.logger.WithError(err).Warn("Failed to start trading session after login")
	}

	s.logger.WithField("email", creds.Email).Info("User logged in")
	s.writeJSON(w, http.StatusOK, models.Success(res.Data))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	if token := tokenFrom(r); token != "" {
		s.sessions.close(token)
		if s.wallets != nil {
			s.wallets.Del(walletKey(token))
		}
	}
	s.clearCookie(w)
	s.writeJSON(w, http.StatusOK, models.Success("Logged out"))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	token, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var (
		acct models.Account
		err  error
	)
	if d, running := s.sessions.get(token); running {
		acct, err = d.RefreshProfile(r.Context())
	} else {
		acct, err = s.backend.Profile(r.Context(), token)
	}
	if err != nil {
		s.fail(w, token, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.Success(acct))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	token, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req models.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, models.ErrKindValidation, "Invalid request body")
		return
	}
	if !req.Amount.IsPositive() {
		s.writeError(w, http.StatusBadRequest, models.ErrKindValidation, "Amount must be greater than 0")
		return
	}

	data, err := s.backend.Deposit(r.Context(), token, req)
	if err != nil {
		s.fail(w, token, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.Success(data))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	token, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req models.WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, models.ErrKindValidation, "Invalid request body")
		return
	}
	if !req.Amount.IsPositive() {
		s.writeError(w, http.StatusBadRequest, models.ErrKindValidation, "Amount must be greater than 0")
		return
	}
	if strings.TrimSpace(req.WalletAddress) == "" {
		s.writeError(w, http.StatusBadRequest, models.ErrKindValidation, "Wallet address is required")
		return
	}

	data, err := s.backend.Withdraw(r.Context(), token, req)
	if err != nil {
		s.fail(w, token, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.Success(data))
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	token, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	reqs, err := s.backend.Requests(r.Context(), token)
	if err != nil {
		s.fail(w, token, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.Success(reqs))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	token, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, models.ErrKindValidation, "page must be a positive integer")
			return
		}
		page = n
	}

	var (
		p   models.TransactionsPage
		err error
	)
	if d, running := s.sessions.get(token); running {
		p, err = d.SetPage(r.Context(), page)
	} else {
		p, err = s.backend.Transactions(r.Context(), token, page)
	}
	if err != nil {
		s.fail(w, token, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.Success(p))
}

func (s *Server) handleWalletAddress(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	token, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	if s.wallets != nil {
		if addrs, hit := cache.Lookup[[]models.WalletAddress](s.wallets, walletKey(token)); hit {
			s.writeJSON(w, http.StatusOK, models.Success(addrs))
			return
		}
	}

	addrs, err := s.backend.WalletAddresses(r.Context(), token)
	if err != nil {
		s.fail(w, token, err)
		return
	}
	if s.wallets != nil {
		s.wallets.Set(walletKey(token), addrs)
	}
	s.writeJSON(w, http.StatusOK, models.Success(addrs))
}

// handleTrade serves /api/trade/buy, /api/trade/sell and /api/trade/close.
func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/trade/"), "/")
	if action != "buy" && action != "sell" && action != "close" {
		s.writeError(w, http.StatusNotFound, models.ErrKindNotFound, "Unknown trade action")
		return
	}
	token, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var (
		data any
		err  error
	)
	if action == "close" {
		var req models.CloseTradeRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil || req.ID == "" {
			s.writeError(w, http.StatusBadRequest, models.ErrKindValidation, "Trade id is required")
			return
		}
		if d, running := s.sessions.get(token); running {
			err = d.CloseTrade(r.Context(), req)
		} else {
			err = s.backend.CloseTrade(r.Context(), token, req)
		}
		data = map[string]string{"id": req.ID}
	} else {
		var order models.TradeOrder
		if derr := json.NewDecoder(r.Body).Decode(&order); derr != nil {
			s.writeError(w, http.StatusBadRequest, models.ErrKindValidation, "Invalid request body")
			return
		}
		if !order.Price.IsPositive() || order.MetaData.Pair == "" {
			s.writeError(w, http.StatusBadRequest, models.ErrKindValidation, "Pair and a positive amount are required")
			return
		}
		side := models.SideBuy
		if action == "sell" {
			side = models.SideSell
		}
		data, err = s.backend.Trade(r.Context(), token, side, order)
	}
	if err != nil {
		s.fail(w, token, err)
		return
	}

	if d, running := s.sessions.get(token); running {
		if rerr := d.Refresh(r.Context()); rerr != nil {
			s.logger.WithError(rerr).Warn("Failed to refresh positions after trade")
		}
	}
	s.writeJSON(w, http.StatusOK, models.Success(data))
}

func (s *Server) handleSocialLinks(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	links, err := s.backend.SocialLinks(r.Context())
	if err != nil {
		s.fail(w, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.Success(links))
}

func (s *Server) handleCryptoPrice(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		s.writeError(w, http.StatusBadRequest, models.ErrKindValidation, "code is required")
		return
	}
	if s.kline == nil {
		s.writeError(w, http.StatusServiceUnavailable, models.ErrKindInternal, "Price lookup is not configured")
		return
	}

	price, err := s.kline.LatestPrice(r.Context(), alltick.VendorCode(code))
	if err != nil {
		s.logger.WithError(err).WithField("code", code).Warn("Price lookup failed")
		s.writeError(w, http.StatusBadGateway, models.ErrKindUpstream, "Failed to fetch price")
		return
	}
	s.writeJSON(w, http.StatusOK, models.Success(map[string]any{"code": code, "price": price}))
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	d, _, ok := s.desk(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, models.Success(d.Quotes()))
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	d, _, ok := s.desk(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, models.Success(d.Snapshot()))
}

type selectRequest struct {
	Feed models.Feed `json:"feed"`
	Pair string      `json:"pair"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, models.ErrKindValidation, "Invalid request body")
		return
	}
	if !req.Feed.Valid() {
		s.writeError(w, http.StatusBadRequest, models.ErrKindValidation, fmt.Sprintf("Unknown feed %q", req.Feed))
		return
	}
	if req.Pair == "" {
		req.Pair = alltick.Pairs(req.Feed)[0]
	}

	d, _, ok := s.desk(w, r)
	if !ok {
		return
	}
	if err := d.Select(r.Context(), req.Feed, req.Pair); err != nil {
		// Sockets keep retrying; report the selection with the current status.
		s.logger.WithError(err).WithField("feed", req.Feed).Warn("Subscription did not connect immediately")
	}
	s.writeJSON(w, http.StatusOK, models.Success(d.Snapshot()))
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	d, _, ok := s.desk(w, r)
	if !ok {
		return
	}
	if err := d.Reconnect(r.Context()); err != nil {
		s.logger.WithError(err).Warn("Manual reconnect failed")
		s.writeError(w, http.StatusBadGateway, models.ErrKindNetwork, "Unable to reconnect to market data")
		return
	}
	s.writeJSON(w, http.StatusOK, models.Success(d.Snapshot().Connection))
}

// desk authenticates the request and returns its running desk, starting
// one when the process has none for the token.
func (s *Server) desk(w http.ResponseWriter, r *http.Request) (*trader.Desk, string, bool) {
	token, ok := s.authenticate(w, r)
	if !ok {
		return nil, "", false
	}
	d, err := s.sessions.ensure(token)
	if err != nil {
		s.fail(w, token, err)
		return nil, "", false
	}
	return d, token, true
}

// authenticate reads the token cookie. Missing and locally expired tokens
// are answered with 401 here.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := tokenFrom(r)
	if token == "" {
		s.writeError(w, http.StatusUnauthorized, models.ErrKindUnauthorized, msgNotAuthenticated)
		return "", false
	}
	if backend.Expired(token, s.now()) {
		s.expire(w, token)
		return "", false
	}
	return token, true
}

func tokenFrom(r *http.Request) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// fail maps a backend error onto a Result. An upstream 401/403 ends the
// session.
func (s *Server) fail(w http.ResponseWriter, token string, err error) {
	if token != "" && backend.IsUnauthorized(err) {
		s.expire(w, token)
		return
	}

	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) {
		s.logger.WithError(err).Error("Request failed")
		s.writeError(w, http.StatusInternalServerError, models.ErrKindInternal, "Internal server error")
		return
	}

	status := http.StatusBadGateway
	switch apiErr.Kind {
	case models.ErrKindValidation:
		status = http.StatusBadRequest
	case models.ErrKindUnauthorized:
		status = http.StatusUnauthorized
	case models.ErrKindNotFound:
		status = http.StatusNotFound
	case models.ErrKindUpstream:
		if apiErr.Status >= 400 && apiErr.Status < 500 {
			status = apiErr.Status
		}
	}
	s.logger.WithError(err).WithField("status", status).Warn("Backend request failed")
	s.writeError(w, status, apiErr.Kind, apiErr.Message)
}

func (s *Server) expire(w http.ResponseWriter, token string) {
	s.sessions.close(token)
	if s.wallets != nil {
		s.wallets.Del(walletKey(token))
	}
	s.clearCookie(w)
	s.writeError(w, http.StatusUnauthorized, models.ErrKindUnauthorized, msgExpired)
}

func (s *Server) setCookie(w http.ResponseWriter, token string) {
	maxAge := cookieMaxAge
	if exp, ok, err := backend.TokenExpiry(token); err == nil && ok {
		if left := exp.Sub(s.now()); left < maxAge {
			maxAge = left
		}
	}
	if maxAge < time.Second {
		maxAge = time.Second
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   s.opts.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func walletKey(token string) string { return "wallets:" + token }

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind models.ErrorKind, message string) {
	s.writeJSON(w, status, models.Failure[any](kind, message))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

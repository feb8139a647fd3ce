package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/tradedesk/pkg/alltick"
	"github.com/gregtusar/tradedesk/pkg/events"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/gregtusar/tradedesk/pkg/store"
	"github.com/gregtusar/tradedesk/pkg/wsconn"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Endpoints         alltick.Endpoints
	HeartbeatInterval time.Duration
	Depth             int
}

// StatusEvent is re-published for consumers that only care about the
// health of the feed, e.g. to clear an error banner after a reconnect.
type StatusEvent struct {
	Status      models.ConnectionStatus
	URL         string
	Reconnected bool
}

// Subscription keeps the vendor sockets subscribed to every code anyone
// asked for and folds incoming ticks into a PriceTable. Subscriptions are
// additive: changing the selected feed adds codes to the existing sockets
// instead of reconnecting.
type Subscription struct {
	pool   *wsconn.Pool
	store  *store.Store
	table  *PriceTable
	cfg    Config
	logger *logrus.Logger
	status *events.Emitter[StatusEvent]

	mu            sync.Mutex
	tracked       map[string][]string
	seen          map[string]map[string]bool
	detach        map[string][]func()
	selectedCode  string
	transitioning bool
	closed        bool
}

func NewSubscription(pool *wsconn.Pool, st *store.Store, cfg Config, logger *logrus.Logger) *Subscription {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.Depth <= 0 {
		cfg.Depth = alltick.DefaultDepth
	}
	return &Subscription{
		pool:    pool,
		store:   st,
		table:   NewPriceTable(),
		cfg:     cfg,
		logger:  logger,
		status:  events.NewEmitter[StatusEvent](),
		tracked: make(map[string][]string),
		seen:    make(map[string]map[string]bool),
		detach:  make(map[string][]func()),
	}
}

func (s *Subscription) Table() *PriceTable { return s.table }

func (s *Subscription) Status() *events.Emitter[StatusEvent] { return s.status }

// Select makes pair of feed the selected instrument and subscribes to the
// feed's full instrument list.
func (s *Subscription) Select(ctx context.Context, feed models.Feed, pair string) error {
	if !feed.Valid() {
		return fmt.Errorf("unknown feed %q", feed)
	}
	code := alltick.VendorCode(pair)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("subscription closed")
	}
	s.transitioning = true
	s.selectedCode = code
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.transitioning = false
		s.mu.Unlock()
	}()

	s.store.SetSelection(store.Selection{Feed: feed, Pair: pair})
	if q, ok := s.table.Get(code); ok {
		s.publishSelected(q)
	}

	codes := alltick.FeedCodes(feed)
	if code != "" {
		codes = append(codes, code)
	}
	return s.Watch(ctx, codes)
}

// Watch adds codes to the subscription set, connecting endpoints that are
// not yet open.
func (s *Subscription) Watch(ctx context.Context, codes []string) error {
	groups := s.cfg.Endpoints.Group(codes)

	var errs []error
	for _, u := range alltick.SortedKeys(groups) {
		m := s.pool.Get(u)
		if err := s.attach(u, m); err != nil {
			return err
		}
		added := s.track(u, groups[u])

		if m.IsOpen() {
			if len(added) > 0 {
				if err := s.subscribe(m, added); err != nil {
					errs = append(errs, err)
				}
			}
			continue
		}

		s.store.SetLoading(true)
		if err := m.Connect(ctx, u); err != nil {
			s.store.SetLoading(false)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Codes returns every tracked vendor code, grouped by endpoint URL.
func (s *Subscription) Codes() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.tracked))
	for u, codes := range s.tracked {
		out[u] = append([]string(nil), codes...)
	}
	return out
}

// ForceReconnect restarts every endpoint with fresh backoff state.
func (s *Subscription) ForceReconnect(ctx context.Context) error {
	s.mu.Lock()
	urls := make([]string, 0, len(s.detach))
	for u := range s.detach {
		urls = append(urls, u)
	}
	s.mu.Unlock()

	var errs []error
	for _, u := range urls {
		if err := s.pool.Get(u).Reconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close detaches from every socket and disconnects them. It is the only
// path that closes sockets on purpose.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	detach := s.detach
	s.detach = make(map[string][]func())
	s.mu.Unlock()

	for _, offs := range detach {
		for _, off := range offs {
			off()
		}
	}
	s.pool.Close()
}

func (s *Subscription) attach(u string, m *wsconn.Manager) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("subscription closed")
	}
	if _, ok := s.detach[u]; ok {
		return nil
	}

	m.SetHeartbeat(s.cfg.HeartbeatInterval, func() ([]byte, error) {
		return alltick.HeartbeatFrame(alltick.Trace("tradedesk-heartbeat"))
	})
	s.detach[u] = []func(){
		m.OnOpen(func() { s.onOpen(u, m) }),
		m.Messages().On(s.handleMessage),
		m.Events().On(s.handleEvent),
	}
	return nil
}

// track records codes for u and returns the ones not seen before.
func (s *Subscription) track(u string, codes []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.seen[u]
	if !ok {
		seen = make(map[string]bool)
		s.seen[u] = seen
	}
	var added []string
	for _, c := range codes {
		if seen[c] {
			continue
		}
		seen[c] = true
		added = append(added, c)
	}
	s.tracked[u] = append(s.tracked[u], added...)
	return added
}

func (s *Subscription) onOpen(u string, m *wsconn.Manager) {
	s.store.SetLoading(false)

	s.mu.Lock()
	codes := append([]string(nil), s.tracked[u]...)
	s.mu.Unlock()

	if len(codes) == 0 {
		return
	}
	if err := s.subscribe(m, codes); err != nil {
		s.logger.WithError(err).Error("Failed to subscribe after open")
	}
}

func (s *Subscription) subscribe(m *wsconn.Manager, codes []string) error {
	frame, err := alltick.SubscribeFrame(alltick.Trace("tradedesk-subscription"), codes, s.cfg.Depth)
	if err != nil {
		return err
	}
	if err := m.SendMessage(frame); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	s.logger.WithField("codes", len(codes)).Debug("Subscribed to instruments")
	return nil
}

func (s *Subscription) handleMessage(raw []byte) {
	tick, ok, err := alltick.DecodeTick(raw)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to parse websocket message")
		return
	}
	if !ok {
		return
	}

	q := tick.Quote(time.Now())
	if s.table.Update(q) {
		s.logger.WithFields(logrus.Fields{
			"code": q.Code,
			"seq":  q.Seq,
		}).Debug("Tick sequence went backwards")
	}

	s.mu.Lock()
	selected := s.selectedCode
	s.mu.Unlock()
	if q.Code == selected {
		s.publishSelected(q)
	}
}

func (s *Subscription) publishSelected(q models.Quote) {
	bid, ask := q.Bid, q.Ask
	if bid.IsNegative() {
		bid = decimal.Zero
	}
	if ask.IsNegative() {
		ask = decimal.Zero
	}
	s.store.SetSelectedPairPrice(models.SelectedPairPrice{Bid: bid, Ask: ask})
}

func (s *Subscription) handleEvent(e wsconn.Event) {
	s.mu.Lock()
	transitioning := s.transitioning
	s.mu.Unlock()

	switch e.Type {
	case wsconn.EventOpen:
		s.store.SetConnection(store.Connection{Status: models.StatusConnected})
		s.status.Emit(StatusEvent{Status: models.StatusConnected, URL: e.URL})
	case wsconn.EventReconnected:
		s.store.SetConnection(store.Connection{Status: models.StatusConnected})
		s.status.Emit(StatusEvent{Status: models.StatusConnected, URL: e.URL, Reconnected: true})
	case wsconn.EventReconnecting:
		if transitioning {
			return
		}
		s.store.SetConnection(store.Connection{Status: models.StatusReconnecting, Error: "Connection error"})
		s.status.Emit(StatusEvent{Status: models.StatusReconnecting, URL: e.URL})
	case wsconn.EventReconnectFailed:
		s.store.SetLoading(false)
		s.store.SetConnection(store.Connection{Status: models.StatusFailed, Error: "Unable to reconnect to market data"})
		s.status.Emit(StatusEvent{Status: models.StatusFailed, URL: e.URL})
	}
}

package api

import (
	"context"
	"sync"

	"github.com/gregtusar/tradedesk/pkg/backend"
	"github.com/gregtusar/tradedesk/pkg/pnl"
	"github.com/gregtusar/tradedesk/pkg/trader"
	"github.com/sirupsen/logrus"
)

// sessions holds one running desk per access token.
type sessions struct {
	ctx      context.Context
	client   *backend.Client
	notifier pnl.Notifier
	cfg      trader.Config
	logger   *logrus.Logger

	mu    sync.Mutex
	desks map[string]*trader.Desk
	// starting serializes desk start-up per token so two requests for the
	// same token never start two desks, while other tokens proceed.
	starting map[string]*startLock
}

type startLock struct {
	sync.Mutex
	waiters int
}

func newSessions(ctx context.Context, client *backend.Client, notifier pnl.Notifier, cfg trader.Config, logger *logrus.Logger) *sessions {
	return &sessions{
		ctx:      ctx,
		client:   client,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		desks:    make(map[string]*trader.Desk),
		starting: make(map[string]*startLock),
	}
}

func (s *sessions) get(token string) (*trader.Desk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.desks[token]
	return d, ok
}

// ensure returns the desk for token, starting one if needed. The desk
// lives on the registry's context, not the request's.
func (s *sessions) ensure(token string) (*trader.Desk, error) {
	if d, ok := s.get(token); ok {
		return d, nil
	}

	unlock := s.lockStart(token)
	defer unlock()
	if d, ok := s.get(token); ok {
		return d, nil
	}

	d := trader.NewDesk(s.client.Session(token), s.notifier, s.cfg, s.logger)
	if err := d.Start(s.ctx); err != nil {
		d.Stop()
		return nil, err
	}
	d.Expired().On(func(err error) {
		s.logger.WithError(err).Info("Dropping expired session")
		go s.close(token)
	})

	s.mu.Lock()
	s.desks[token] = d
	s.mu.Unlock()
	return d, nil
}

func (s *sessions) lockStart(token string) func() {
	s.mu.Lock()
	l, ok := s.starting[token]
	if !ok {
		l = &startLock{}
		s.starting[token] = l
	}
	l.waiters++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.waiters--
		if l.waiters == 0 {
			delete(s.starting, token)
		}
		s.mu.Unlock()
	}
}

func (s *sessions) close(token string) {
	s.mu.Lock()
	d, ok := s.desks[token]
	delete(s.desks, token)
	s.mu.Unlock()
	if ok {
		d.Stop()
	}
}

func (s *sessions) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.desks)
}

func (s *sessions) closeAll() {
	s.mu.Lock()
	desks := s.desks
	s.desks = make(map[string]*trader.Desk)
	s.mu.Unlock()

	for _, d := range desks {
		d.Stop()
	}
}

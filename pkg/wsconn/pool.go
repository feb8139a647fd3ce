package wsconn

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Pool hands out one Manager per endpoint URL. Owners create their own
// pool; nothing here is process-global.
type Pool struct {
	opts     Options
	logger   *logrus.Logger
	mu       sync.Mutex
	managers map[string]*Manager
}

func NewPool(opts Options, logger *logrus.Logger) *Pool {
	return &Pool{
		opts:     opts,
		logger:   logger,
		managers: make(map[string]*Manager),
	}
}

// Get returns the manager for url, creating an unconnected one if needed.
func (p *Pool) Get(url string) *Manager {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.managers[url]; ok {
		return m
	}
	m := NewManager(p.opts, p.logger)
	m.url = url
	p.managers[url] = m
	return m
}

func (p *Pool) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.managers))
	for u := range p.managers {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Close disconnects every manager and empties the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	managers := p.managers
	p.managers = make(map[string]*Manager)
	p.mu.Unlock()

	for _, m := range managers {
		m.Disconnect()
	}
}

package marketdata

import (
	"sync"

	"github.com/gregtusar/tradedesk/pkg/alltick"
	"github.com/gregtusar/tradedesk/pkg/events"
	"github.com/gregtusar/tradedesk/pkg/models"
)

// PriceTable keeps the latest quote per vendor code. Quotes are never
// removed; a newer tick for the same code replaces the old one in place.
type PriceTable struct {
	mu          sync.RWMutex
	quotes      map[string]models.Quote
	regressions map[string]int
	updates     *events.Emitter[models.Quote]
}

func NewPriceTable() *PriceTable {
	return &PriceTable{
		quotes:      make(map[string]models.Quote),
		regressions: make(map[string]int),
		updates:     events.NewEmitter[models.Quote](),
	}
}

// Update stores q under q.Code and notifies subscribers. Last tick wins;
// regressed reports that the vendor seq went backwards, which is counted
// but not acted on.
func (t *PriceTable) Update(q models.Quote) (regressed bool) {
	t.mu.Lock()
	if prev, ok := t.quotes[q.Code]; ok && alltick.SeqBefore(q.Seq, prev.Seq) {
		t.regressions[q.Code]++
		regressed = true
	}
	t.quotes[q.Code] = q
	t.mu.Unlock()

	t.updates.Emit(q)
	return regressed
}

func (t *PriceTable) Get(code string) (models.Quote, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.quotes[code]
	return q, ok
}

// Snapshot copies the whole table.
func (t *PriceTable) Snapshot() map[string]models.Quote {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]models.Quote, len(t.quotes))
	for k, v := range t.quotes {
		out[k] = v
	}
	return out
}

func (t *PriceTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.quotes)
}

func (t *PriceTable) Regressions(code string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.regressions[code]
}

// Updates fires after every stored quote, in delivery order.
func (t *PriceTable) Updates() *events.Emitter[models.Quote] { return t.updates }

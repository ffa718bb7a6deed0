package budget

import "sync"

// Grant holds one admission's token reservation and concurrency slot.
// Exactly one of Commit or Release must be called; extra calls are no-ops.
type Grant struct {
	ledger *Ledger
	slug   string
	tokens int64
	cloud  bool

	once sync.Once
}

// Tokens returns the reserved token estimate.
func (g *Grant) Tokens() int64 {
	return g.tokens
}

// Commit converts the reservation into actual spend and releases the slot.
// The delta between estimate and actual is reconciled against the counters,
// so over- and under-estimates never accumulate.
func (g *Grant) Commit(actualTokens int64) {
	g.once.Do(func() {
		g.settle(actualTokens)
	})
}

// Release drops the reservation without recording spend and releases the
// slot. Used for skipped or cancelled work.
func (g *Grant) Release() {
	g.once.Do(func() {
		g.settle(0)
	})
}

func (g *Grant) settle(actualTokens int64) {
	l := g.ledger
	day := l.currentDay(l.nowFunc())
	src := l.source(g.slug)

	src.mu.Lock()
	l.mu.Lock()

	l.maybeRollLocked(day)
	maybeRollSourceLocked(src, day)

	// The reservation may have been wiped by a day rollover; never let the
	// counters go negative.
	src.reserved -= g.tokens
	if src.reserved < 0 {
		src.reserved = 0
	}
	l.globalReserved -= g.tokens
	if l.globalReserved < 0 {
		l.globalReserved = 0
	}
	if actualTokens > 0 {
		src.used += actualTokens
		l.globalUsed += actualTokens
	}

	l.mu.Unlock()
	src.mu.Unlock()

	if g.cloud {
		l.cloudSlots.Release(1)
	} else {
		l.localSlots.Release(1)
	}
}

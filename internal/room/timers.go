package room

import (
	"context"
	"time"
)

var now = func() time.Time { return time.Now().UTC() }

// schedule replaces the timer stored under key. A fire that already raced
// past Stop is filtered by the generation carried in m.
func (r *Room) schedule(key string, d time.Duration, m Msg) {
	r.cancelTimer(key)
	if d < 0 {
		d = 0
	}
	r.timers[key] = time.AfterFunc(d, func() { r.post(m) })
}

func (r *Room) cancelTimer(key string) {
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
}

// startScorer runs the price lookups outside the room loop so a slow feed
// never delays leave, forfeit or disconnect handling.
func (r *Room) startScorer() {
	ctx, cancel := context.WithCancel(r.ctx)
	r.stopScorer = cancel

	symbols := r.book.Symbols()
	total := r.settings.totalTicks()
	interval := r.settings.TickInterval
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for tick := 1; tick <= total; tick++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			var (
				quotes map[string]float64
				err    error
			)
			if r.feed != nil {
				lctx, lcancel := context.WithTimeout(ctx, r.settings.LookupTimeout)
				quotes, err = r.feed.Lookup(lctx, symbols)
				lcancel()
			}

			select {
			case r.inbox <- priceTick{tick: tick, quotes: quotes, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
}

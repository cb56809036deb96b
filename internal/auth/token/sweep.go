package token

import (
	"context"
	"errors"
	"log"
	"time"
)

// StartSweep runs the periodic maintenance loop: reload the mirror, refresh
// credentials approaching expiry, and keep the identity resolver's version
// cache warm. The loop never dies on a failed cycle and exits promptly when
// ctx is cancelled.
func (p *Pool) StartSweep(ctx context.Context, interval, window time.Duration) {
	go func() {
		log.Printf("🔄 Token maintenance sweep started (interval: %s, window: %s)", interval, window)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Printf("🔄 Token maintenance sweep stopped")
				return
			case <-ticker.C:
				p.sweepOnce(ctx, window)
			}
		}
	}()
}

func (p *Pool) sweepOnce(ctx context.Context, window time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Sweep cycle panicked, continuing: %v", r)
		}
	}()

	if p.resolver != nil {
		p.resolver.Refresh(ctx)
	}

	if err := p.Load(); err != nil {
		log.Printf("⚠️ Sweep failed to reload tokens: %v", err)
		return
	}
	if p.Count() == 0 {
		return
	}

	summary, err := p.RefreshExpiring(ctx, window)
	if err != nil {
		if !errors.Is(err, ErrNoToken) {
			log.Printf("⚠️ Sweep refresh failed: %v", err)
		}
		return
	}

	var succeeded int
	for _, r := range summary.RefreshResults {
		if r.Success {
			succeeded++
		}
	}
	log.Printf("🔄 Sweep refresh complete: %d/%d succeeded, %d remaining",
		succeeded, len(summary.RefreshResults), summary.RemainingTokens)
}

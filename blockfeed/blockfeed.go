// Package blockfeed implements the block-number source the Finalizer
// consumes, §5 ("one global block-event loop"). It is explicitly out
// of the core per spec.md §1: a thin polling adapter over primary and
// fallback chain-head readers, multiplexed the same primary/fallback
// way as the settlement reads (§4.G).
package blockfeed

import (
	"context"
	"time"

	"github.com/eth2030/proofgateway/internal/logging"
)

// HeadReader returns the current chain head's block number.
type HeadReader func(ctx context.Context) (uint64, error)

// Poller polls primary (falling back to fallback on error) on a fixed
// interval and publishes strictly-increasing block numbers to a
// channel, the shape finalizer.Run's consumer loop expects.
type Poller struct {
	primary  HeadReader
	fallback HeadReader
	interval time.Duration
	log      *logging.Logger
}

// New constructs a Poller. fallback may be nil if no secondary chain
// head source is configured.
func New(primary, fallback HeadReader, interval time.Duration) *Poller {
	return &Poller{
		primary:  primary,
		fallback: fallback,
		interval: interval,
		log:      logging.Default().Module("blockfeed"),
	}
}

// Subscribe starts polling in a background goroutine and returns a
// channel of strictly-increasing block numbers; it closes when ctx is
// cancelled.
func (p *Poller) Subscribe(ctx context.Context) (<-chan uint64, error) {
	out := make(chan uint64, 1)
	go p.run(ctx, out)
	return out, nil
}

func (p *Poller) run(ctx context.Context, out chan<- uint64) {
	defer close(out)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last uint64
	var haveLast bool

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			block, err := p.head(ctx)
			if err != nil {
				p.log.Error("poll chain head", "err", err)
				continue
			}
			if haveLast && block <= last {
				continue
			}
			last = block
			haveLast = true
			select {
			case out <- block:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Poller) head(ctx context.Context) (uint64, error) {
	block, err := p.primary(ctx)
	if err == nil {
		return block, nil
	}
	if p.fallback == nil {
		return 0, err
	}
	return p.fallback(ctx)
}

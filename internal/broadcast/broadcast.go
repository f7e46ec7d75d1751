// Package broadcast implements the fan-out delivery engine: one content item,
// every configured destination channel, per-destination failure isolation.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/audit"
	"relaybot/internal/eventbus"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	// Destinations is the fixed, process-lifetime target list. Never mutated
	// at runtime.
	Destinations []kit.ChatTarget

	// RatePerSec paces sends across all destinations. Default 10.
	RatePerSec int
}

type Failure struct {
	Target kit.ChatTarget
	Err    error
}

// Result enumerates per-destination outcomes. Partial (and even total)
// failure is a normal return, never an error.
type Result struct {
	Succeeded []kit.ChatTarget
	Failed    []Failure
}

func (r Result) Total() int      { return len(r.Succeeded) + len(r.Failed) }
func (r Result) AllFailed() bool { return len(r.Succeeded) == 0 && len(r.Failed) > 0 }

type Engine struct {
	cfg     Config
	sink    kit.Sink
	rec     audit.Recorder
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter
}

func New(cfg Config, sink kit.Sink, rec audit.Recorder, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	return &Engine{
		cfg:     cfg,
		sink:    sink,
		rec:     rec,
		log:     log,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Destinations returns a copy of the configured target list.
func (e *Engine) Destinations() []kit.ChatTarget {
	return append([]kit.ChatTarget(nil), e.cfg.Destinations...)
}

// Broadcast delivers c to every configured destination. Deliveries are
// launched in list order but proceed independently: a rate-limited or failing
// destination never delays or aborts the others.
func (e *Engine) Broadcast(ctx context.Context, c kit.Content) Result {
	return e.BroadcastTo(ctx, c, e.cfg.Destinations)
}

// BroadcastTo is Broadcast against an explicit target list (used by the
// scheduler for announcements that go to the audit channel instead of the
// destination set).
func (e *Engine) BroadcastTo(ctx context.Context, c kit.Content, targets []kit.ChatTarget) Result {
	start := time.Now()

	outcomes := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t kit.ChatTarget) {
			defer wg.Done()
			outcomes[i] = e.sendOne(ctx, t, c)
		}(i, t)
	}
	wg.Wait()

	var res Result
	for i, t := range targets {
		if err := outcomes[i]; err != nil {
			res.Failed = append(res.Failed, Failure{Target: t, Err: err})
			continue
		}
		res.Succeeded = append(res.Succeeded, t)
	}

	fields := []logx.Field{
		logx.Int("total", res.Total()),
		logx.Int("failed", len(res.Failed)),
		logx.String("content", c.Summary()),
		logx.Duration("dur", time.Since(start)),
	}
	if len(res.Failed) > 0 {
		e.log.Warn("broadcast finished with failures", fields...)
	} else {
		e.log.Info("broadcast finished", fields...)
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{
			Type: eventbus.TypeBroadcastFinished,
			Data: map[string]any{"total": res.Total(), "failed": len(res.Failed), "content": c.Summary()},
		})
	}
	return res
}

// sendOne attempts delivery to a single destination. A rate-limit response
// suspends only this destination for the platform-mandated wait, then retries
// exactly once; any other error fails immediately.
func (e *Engine) sendOne(ctx context.Context, t kit.ChatTarget, c kit.Content) error {
	err := e.attempt(ctx, t, c)
	if err == nil {
		return nil
	}

	var rl *kit.RateLimitError
	if errors.As(err, &rl) {
		e.log.Debug("destination rate limited; retrying once",
			logx.Int64("chat_id", t.ChatID),
			logx.Duration("wait", rl.RetryAfter),
		)
		if werr := sleepCtx(ctx, rl.RetryAfter); werr != nil {
			err = werr
		} else {
			err = e.attempt(ctx, t, c)
		}
	}

	if err == nil {
		return nil
	}

	// Audit emission is fire-and-forget and cannot abort the broadcast.
	if e.rec != nil {
		e.rec.Record(audit.Entry{
			ChannelID:      t.ChatID,
			Kind:           audit.KindDeliveryFailure,
			Err:            err.Error(),
			ContentSummary: c.Summary(),
		})
	}
	return err
}

func (e *Engine) attempt(ctx context.Context, t kit.ChatTarget, c kit.Content) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := e.sink.SendContent(ctx, t, c, &kit.SendOptions{DisablePreview: true})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

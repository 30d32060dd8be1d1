package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ceremonia/checkin/internal/logging"
)

// Pinger checks that the store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProberConfig holds probe timing.
type ProberConfig struct {
	Interval   time.Duration // spacing while online, and first spacing once offline
	MaxBackoff time.Duration // upper bound of the spacing while offline
	Timeout    time.Duration // per-probe timeout
	Logger     *logging.Logger
}

// DefaultProberConfig returns the default probe timing.
func DefaultProberConfig() *ProberConfig {
	return &ProberConfig{
		Interval:   15 * time.Second,
		MaxBackoff: 2 * time.Minute,
		Timeout:    5 * time.Second,
	}
}

// Prober polls the store and feeds the result into a Monitor. It is the
// connectivity source for stations without a platform reachability signal.
type Prober struct {
	pinger  Pinger
	monitor *Monitor
	cfg     ProberConfig
	backoff *backoff.ExponentialBackOff
}

// NewProber creates a Prober.
func NewProber(pinger Pinger, monitor *Monitor, config *ProberConfig) *Prober {
	if config == nil {
		config = DefaultProberConfig()
	}
	cfg := *config
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Get()
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.Interval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         cfg.MaxBackoff,
		MaxElapsedTime:      0, // never give up
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()

	return &Prober{
		pinger:  pinger,
		monitor: monitor,
		cfg:     cfg,
		backoff: bo,
	}
}

// Probe pings the store once, updates the monitor and returns the result.
func (p *Prober) Probe(ctx context.Context) bool {
	pctx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	err := p.pinger.Ping(pctx)
	online := err == nil
	if p.monitor.Set(online) {
		fields := map[string]interface{}{"online": online}
		if err != nil {
			fields["error"] = err.Error()
		}
		p.cfg.Logger.Info("Store connectivity changed", fields)
	}
	return online
}

// next returns the delay before the following probe.
func (p *Prober) next(online bool) time.Duration {
	if online {
		p.backoff.Reset()
		return p.cfg.Interval
	}
	return p.backoff.NextBackOff()
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			online := p.Probe(ctx)
			if ctx.Err() != nil {
				return
			}
			timer.Reset(p.next(online))
		}
	}
}

// Start runs the prober in its own goroutine. The returned stop cancels it
// and waits for the last probe to finish, so no monitor update happens
// after stop returns.
func (p *Prober) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

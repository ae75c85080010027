package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lessonvoice/log"
)

var (
	ErrFetchFailed  = errors.New("transcription fetch failed")
	ErrNotConverged = errors.New("transcription did not converge")
)

const (
	DefaultInterval    = time.Second
	DefaultMultiplier  = 1.5
	DefaultMaxInterval = 15 * time.Second
	DefaultMaxPolls    = 120
)

// Fetcher returns every transcription record of the lesson in utterance
// order.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Record, error)
}

type FetcherFunc func(ctx context.Context) ([]Record, error)

func (f FetcherFunc) Fetch(ctx context.Context) ([]Record, error) { return f(ctx) }

type Progress struct {
	Poll      int
	Converged int
	Expected  int
	Next      time.Duration
	Err       error
}

type Config struct {
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration
	MaxPolls    int
	// Timeout bounds the whole loop. Zero means only ctx bounds it.
	Timeout time.Duration
	// Retryable reports whether a fetch error should be retried. Nil treats
	// every fetch error as terminal.
	Retryable  func(error) bool
	OnProgress func(Progress)
}

type Reconciler struct {
	cfg     Config
	tl      *Timeline
	fetcher Fetcher
}

func NewReconciler(tl *Timeline, f Fetcher, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = max(DefaultMaxInterval, cfg.Interval)
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = DefaultMaxPolls
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(error) bool { return false }
	}
	return &Reconciler{cfg: cfg, tl: tl, fetcher: f}
}

// Run polls until every voiced slot has converged. A timeline without
// voices completes without fetching. Cancelling ctx stops the loop with
// ctx's error.
func (r *Reconciler) Run(ctx context.Context) error {
	expected := r.tl.Expected()
	if expected == 0 {
		log.Reconciled(0, 0, 0)
		return nil
	}

	parent := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	interval := r.cfg.Interval
	last := r.tl.Converged()
	for poll := 1; ; poll++ {
		records, err := r.fetcher.Fetch(ctx)
		if err != nil && ctx.Err() != nil {
			return r.stopped(parent, ctx, expected)
		}
		if err != nil && !r.cfg.Retryable(err) {
			log.Poll(poll, last, expected, 0, err)
			return fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}

		converged := last
		if err == nil && len(records) > 0 {
			var newly []int
			converged, newly = r.tl.Merge(records)
			for _, idx := range newly {
				if s, ok := r.tl.Slot(idx); ok {
					log.TranscriptText(idx, s.Text)
				}
			}
		}
		if converged >= expected {
			log.Poll(poll, converged, expected, 0, nil)
			log.Reconciled(expected, poll, time.Since(start))
			r.progress(Progress{Poll: poll, Converged: converged, Expected: expected})
			return nil
		}

		if converged > last {
			interval = r.cfg.Interval
		}
		last = converged

		if poll >= r.cfg.MaxPolls {
			log.Poll(poll, converged, expected, 0, err)
			return fmt.Errorf("%w: %d of %d after %d polls", ErrNotConverged, converged, expected, poll)
		}
		log.Poll(poll, converged, expected, interval, err)
		r.progress(Progress{Poll: poll, Converged: converged, Expected: expected, Next: interval, Err: err})

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return r.stopped(parent, ctx, expected)
		}
		interval = min(time.Duration(float64(interval)*r.cfg.Multiplier), r.cfg.MaxInterval)
	}
}

func (r *Reconciler) stopped(parent, ctx context.Context, expected int) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	return fmt.Errorf("%w: %d of %d before timeout: %w", ErrNotConverged, r.tl.Converged(), expected, ctx.Err())
}

func (r *Reconciler) progress(p Progress) {
	if r.cfg.OnProgress != nil {
		r.cfg.OnProgress(p)
	}
}

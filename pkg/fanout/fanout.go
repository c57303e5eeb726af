// Package fanout runs independent endpoint calls concurrently with a bounded
// number of workers. Each call is still a sequential pagination loop; only
// separate calls overlap.
package fanout

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/apifetch/pkg/client"
)

// Config holds fan-out configuration.
type Config struct {
	// MaxConcurrency is the maximum number of calls in flight.
	MaxConcurrency int

	// Timeout bounds each call, all of its pages included. Zero disables it.
	Timeout time.Duration

	// FailFast cancels the remaining calls after the first failure.
	// Otherwise every call runs and failures are reported per result.
	FailFast bool
}

// DefaultConfig returns a conservative configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        5 * time.Minute,
	}
}

// Source produces the items of one call; *client.Handle implements it.
type Source interface {
	Items(ctx context.Context, params client.Params) iter.Seq2[any, error]
}

// Call is one unit of work.
type Call struct {
	// Name labels the call in results and logs.
	Name   string
	Source Source
	Params client.Params
}

// Result holds the items of one call in page order.
type Result struct {
	Name     string
	Items    []any
	Err      error
	Duration time.Duration
}

// Run executes calls and returns one result per call in input order. With
// FailFast the first error is also returned; otherwise the returned error
// summarizes how many calls failed.
func Run(ctx context.Context, cfg Config, calls []Call) ([]Result, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	start := time.Now()
	results := make([]Result, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrency)

	var mu sync.Mutex
	done, failed := 0, 0

	for i, c := range calls {
		g.Go(func() error {
			runCtx := ctx
			if cfg.FailFast {
				runCtx = gctx
			}
			res := collect(runCtx, cfg.Timeout, c)
			results[i] = res

			mu.Lock()
			done++
			if res.Err != nil {
				failed++
			}
			progress := done
			mu.Unlock()

			if res.Err != nil {
				log.Warn().
					Err(res.Err).
					Str("call", c.Name).
					Msg("Call failed")
				if cfg.FailFast {
					return fmt.Errorf("call %q: %w", c.Name, res.Err)
				}
				return nil
			}
			log.Debug().
				Str("call", c.Name).
				Int("items", len(res.Items)).
				Int("done", progress).
				Int("total", len(calls)).
				Dur("duration", res.Duration).
				Msg("Call complete")
			return nil
		})
	}

	err := g.Wait()
	log.Debug().
		Int("calls", len(calls)).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Fan-out complete")

	if err != nil {
		return results, err
	}
	if failed > 0 {
		return results, fmt.Errorf("%d of %d calls failed", failed, len(calls))
	}
	return results, nil
}

func collect(ctx context.Context, timeout time.Duration, c Call) Result {
	start := time.Now()
	res := Result{Name: c.Name}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for item, err := range c.Source.Items(ctx, c.Params) {
		if err != nil {
			res.Err = err
			break
		}
		res.Items = append(res.Items, item)
	}
	res.Duration = time.Since(start)
	return res
}

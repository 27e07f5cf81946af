// Package settlement polls a provider until a transaction settles.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/delipucash/server/internal/apperr"
	"github.com/delipucash/server/internal/model"
	"github.com/delipucash/server/internal/momo"
)

const (
	DefaultMaxAttempts = 10
	DefaultInterval    = 3 * time.Second
)

// StatusChecker is the part of the gateway the poller needs.
type StatusChecker interface {
	CheckStatus(ctx context.Context, provider model.Provider, op model.Operation, reference string) (*momo.StatusResult, error)
}

type Config struct {
	MaxAttempts int
	Interval    time.Duration
}

// Poller repeatedly checks a transaction's status at a fixed interval.
type Poller struct {
	checker StatusChecker
	cfg     Config
	logger  *slog.Logger
}

func NewPoller(checker StatusChecker, cfg Config, logger *slog.Logger) *Poller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Poller{
		checker: checker,
		cfg:     cfg,
		logger:  logger.With("component", "settlement"),
	}
}

var errStillPending = errors.New("transaction still pending")

// PollUntilTerminal checks reference up to MaxAttempts times, Interval apart,
// and returns the first SUCCESSFUL or FAILED result. Transient lookup errors
// count as attempts. It returns an *apperr.TimeoutError when every attempt
// came back PENDING or errored, and ctx.Err() if ctx ends first.
func (p *Poller) PollUntilTerminal(ctx context.Context, provider model.Provider, op model.Operation, reference string) (*momo.StatusResult, error) {
	var (
		result   *momo.StatusResult
		attempts int
		lastErr  error
	)

	backoff := retry.WithMaxRetries(uint64(p.cfg.MaxAttempts-1), retry.NewConstant(p.cfg.Interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		res, err := p.checker.CheckStatus(ctx, provider, op, reference)
		if err != nil {
			var ve *apperr.ValidationError
			if errors.As(err, &ve) {
				return err
			}
			lastErr = err
			p.logger.Warn("status check failed", "reference", reference, "provider", provider, "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}

		p.logger.Debug("status checked", "reference", reference, "provider", provider, "attempt", attempts, "status", res.Status, "raw", res.RawStatus)
		if res.Status.Terminal() {
			result = res
			return nil
		}
		lastErr = nil
		return retry.RetryableError(errStillPending)
	})

	switch {
	case err == nil:
		return result, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("poll %s: %w", reference, ctx.Err())
	case errors.Is(err, errStillPending) || lastErr != nil && errors.Is(err, lastErr):
		return nil, &apperr.TimeoutError{Reference: reference, Attempts: attempts, LastErr: lastErr}
	default:
		return nil, err
	}
}

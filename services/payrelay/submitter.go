package payrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"sponsorpay/observability"
)

// SubmissionStatus is the lifecycle state of a relayed transaction.
type SubmissionStatus string

const (
	StatusSubmitted SubmissionStatus = "submitted"
	StatusPending   SubmissionStatus = "pending"
	StatusRejected  SubmissionStatus = "rejected"
	StatusConfirmed SubmissionStatus = "confirmed"
	StatusFailed    SubmissionStatus = "failed"
	StatusTimedOut  SubmissionStatus = "timed_out"
	StatusCancelled SubmissionStatus = "cancelled"
)

// SubmissionResult is the outcome of Submit.
type SubmissionResult struct {
	Signature solana.Signature
	Status    SubmissionStatus
	Level     ConfirmationLevel
}

// Submitter relays signed transactions and waits for confirmation.
type Submitter struct {
	chain        ChainClient
	maxResends   int
	resendDelay  time.Duration
	pollInterval time.Duration
	timeout      time.Duration
	logger       *slog.Logger
	metrics      *observability.PayRelayMetrics
	nowFn        func() time.Time
}

// SubmitterOption customises a Submitter.
type SubmitterOption func(*Submitter)

// WithConfirmTimeout bounds how long Submit waits for a terminal status.
func WithConfirmTimeout(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithPollInterval(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithResends sets how many times the same bytes are re-sent after transport errors.
func WithResends(n int, delay time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if n >= 0 {
			s.maxResends = n
		}
		if delay > 0 {
			s.resendDelay = delay
		}
	}
}

func WithSubmitterLogger(logger *slog.Logger) SubmitterOption {
	return func(s *Submitter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSubmitterMetrics(m *observability.PayRelayMetrics) SubmitterOption {
	return func(s *Submitter) { s.metrics = m }
}

func NewSubmitter(chain ChainClient, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		chain:        chain,
		maxResends:   3,
		resendDelay:  500 * time.Millisecond,
		pollInterval: time.Second,
		timeout:      45 * time.Second,
		logger:       slog.Default(),
		nowFn:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit sends tx and polls until it is confirmed, fails, or the deadline
// passes. Re-sending identical bytes is safe because the cluster deduplicates by
// signature. A node-level rejection is terminal and never retried.
func (s *Submitter) Submit(ctx context.Context, tx *solana.Transaction, raw []byte) (SubmissionResult, error) {
	if tx == nil || len(tx.Signatures) == 0 {
		return SubmissionResult{}, fmt.Errorf("%w: unsigned transaction", ErrMalformedTransaction)
	}
	sig := tx.Signatures[0]
	start := s.nowFn()
	result := SubmissionResult{Signature: sig, Status: StatusSubmitted}

	if err := s.send(ctx, sig, raw); err != nil {
		var rejection *RejectionError
		if errors.As(err, &rejection) {
			result.Status = StatusRejected
			s.finish(result, start)
			return result, err
		}
		if ctx.Err() != nil {
			result.Status = StatusCancelled
			s.finish(result, start)
			return result, ctx.Err()
		}
		// The bytes may still have reached a node; let polling decide.
		s.logger.Warn("send failed after retries, polling for status",
			slog.String("signature", sig.String()),
			slog.String("error", err.Error()))
	}
	result.Status = StatusPending
	result, err := s.await(ctx, result)
	s.finish(result, start)
	return result, err
}

func (s *Submitter) send(ctx context.Context, sig solana.Signature, raw []byte) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxResends; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, s.resendDelay*time.Duration(attempt)); err != nil {
				return err
			}
		}
		_, err := s.chain.SendRawTransaction(ctx, raw)
		if err == nil {
			return nil
		}
		var rejection *RejectionError
		if errors.As(err, &rejection) {
			s.logger.Warn("transaction rejected at submit",
				slog.String("signature", sig.String()),
				slog.Int("code", rejection.Code),
				slog.String("reason", rejection.Message))
			return err
		}
		lastErr = err
		s.logger.Warn("send transaction failed",
			slog.String("signature", sig.String()),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return lastErr
}

func (s *Submitter) await(ctx context.Context, result SubmissionResult) (SubmissionResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		status, err := s.chain.SignatureStatus(waitCtx, result.Signature)
		switch {
		case err != nil:
			if waitCtx.Err() == nil {
				s.logger.Debug("signature status poll failed",
					slog.String("signature", result.Signature.String()),
					slog.String("error", err.Error()))
			}
		case status == nil:
		case len(status.Err) > 0:
			result.Status = StatusFailed
			result.Level = status.Level
			return result, &OnChainError{Signature: result.Signature, Raw: status.Err}
		case status.Level == LevelConfirmed || status.Level == LevelFinalized:
			result.Status = StatusConfirmed
			result.Level = status.Level
			return result, nil
		default:
			result.Level = status.Level
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				result.Status = StatusCancelled
				return result, ctx.Err()
			}
			result.Status = StatusTimedOut
			return result, &TimeoutError{Signature: result.Signature, Waited: s.timeout.String()}
		case <-ticker.C:
		}
	}
}

func (s *Submitter) finish(result SubmissionResult, start time.Time) {
	s.metrics.RecordSubmission(string(result.Status), s.nowFn().Sub(start))
	s.logger.Info("submission finished",
		slog.String("signature", result.Signature.String()),
		slog.String("status", string(result.Status)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

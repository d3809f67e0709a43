// Package repair re-issues journaled writes until the store confirms them.
package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacktea/xorstore/pkg/journal"
	"github.com/jacktea/xorstore/pkg/store"
	"github.com/jacktea/xorstore/pkg/xerrors"
)

// DefaultMaxAttempts bounds how often a retryable write is re-issued
// before it is dropped from the journal.
const DefaultMaxAttempts = 20

// Options configures a Sweeper.
type Options struct {
	Journal     journal.Journal
	Store       store.Store
	BatchSize   int
	MaxAttempts int
	Logger      logrus.FieldLogger
}

// Result summarises one sweep.
type Result struct {
	Completed int // confirmed by the store or superseded
	Failed    int // still pending
	Dropped   int // abandoned as unrecoverable
}

// Sweeper replays pending writes from a journal.
type Sweeper struct {
	journal     journal.Journal
	store       store.Store
	batchSize   int
	maxAttempts int
	log         logrus.FieldLogger
}

// NewSweeper wires a journal to the store its entries belong to.
func NewSweeper(opts Options) *Sweeper {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 128
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Sweeper{
		journal:     opts.Journal,
		store:       opts.Store,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		log:         log.WithField("component", "repair"),
	}
}

// Sweep performs one best-effort pass. It keeps pulling batches while every
// entry of the previous full batch left the journal.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	if s.journal == nil || s.store == nil {
		return res, fmt.Errorf("repair sweeper missing dependencies")
	}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		entries, err := s.journal.Pending(ctx, s.batchSize)
		if err != nil {
			return res, err
		}
		stuck := 0
		for _, e := range entries {
			done, err := s.replay(ctx, e)
			if err != nil {
				return res, err
			}
			switch done {
			case outcomeCompleted:
				res.Completed++
			case outcomeDropped:
				res.Dropped++
			default:
				res.Failed++
				stuck++
			}
		}
		if len(entries) < s.batchSize || stuck > 0 {
			return res, nil
		}
	}
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeDropped
)

func (s *Sweeper) replay(ctx context.Context, e journal.Entry) (outcome, error) {
	log := s.log.WithFields(logrus.Fields{"address": e.Key.String(), "op": e.Op, "attempt": e.Attempts + 1})
	putErr := s.store.Put(ctx, e.Key, e.Data, e.Receipt)
	if errors.Is(putErr, context.Canceled) || errors.Is(putErr, context.DeadlineExceeded) {
		return outcomeFailed, putErr
	}
	switch {
	case putErr == nil:
		log.Debug("journaled write confirmed")
		return outcomeCompleted, s.journal.Complete(ctx, e.Key)
	case xerrors.Is(putErr, xerrors.KindStaleWrite), xerrors.Is(putErr, xerrors.KindAlreadyExists):
		log.Debug("journaled write superseded")
		return outcomeCompleted, s.journal.Complete(ctx, e.Key)
	case !xerrors.KindOf(putErr).Retryable() || e.Attempts+1 >= s.maxAttempts:
		log.WithError(putErr).Warn("dropping journaled write")
		return outcomeDropped, s.journal.Complete(ctx, e.Key)
	default:
		log.WithError(putErr).Info("journaled write still failing")
		return outcomeFailed, s.journal.Fail(ctx, e.Key, putErr)
	}
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			res, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.WithError(err).Error("repair sweep")
			} else if res.Completed+res.Dropped > 0 {
				s.log.WithFields(logrus.Fields{
					"completed": res.Completed,
					"failed":    res.Failed,
					"dropped":   res.Dropped,
				}).Info("repair sweep finished")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

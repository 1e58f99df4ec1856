package infra

import (
	"context"
	"sync"
	"time"

	"github.com/hyperledger/fabric-protos-go/peer"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type txEvent struct {
	code peer.TxValidationCode
	err  error
}

type registration struct {
	source EventSource
	events chan txEvent
	timer  *time.Timer
}

// CommitWatcher waits for a transaction to be reported committed by every event source
type CommitWatcher struct {
	sources []EventSource
	timeout time.Duration
	logger  *log.Logger
}

func NewCommitWatcher(sources []EventSource, timeout time.Duration, logger *log.Logger) *CommitWatcher {
	if timeout <= 0 {
		timeout = DefaultCommitTimeout
	}
	return &CommitWatcher{sources: sources, timeout: timeout, logger: logger}
}

// Subscription is the pending commit outcome of one transaction across all event sources
type Subscription struct {
	TxID string

	group  *errgroup.Group
	cancel context.CancelFunc

	once sync.Once
	err  error
}

// Watch registers interest in txid on every event source before returning,
// so it must be called before the transaction is submitted. Each source
// expires on its own after the watcher timeout.
func (w *CommitWatcher) Watch(ctx context.Context, txid string) (*Subscription, error) {
	if len(w.sources) == 0 {
		return nil, ErrNoEventSources
	}

	registrations := make([]registration, 0, len(w.sources))
	for _, source := range w.sources {
		events := make(chan txEvent, 1)
		err := source.RegisterTxEvent(txid, func(_ string, code peer.TxValidationCode, err error) {
			// only the first notification matters
			select {
			case events <- txEvent{code: code, err: err}:
			default:
			}
		})
		if err != nil {
			for _, r := range registrations {
				r.timer.Stop()
				r.source.UnregisterTxEvent(txid)
			}
			return nil, err
		}
		registrations = append(registrations, registration{
			source: source,
			events: events,
			timer:  time.NewTimer(w.timeout),
		})
	}

	// a caller deadline shorter than the watcher timeout becomes the bound
	budget := w.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < budget {
			budget = d
		}
	}

	parent := ctx
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	for _, r := range registrations {
		r := r
		group.Go(func() error {
			return w.await(parent, gctx, txid, r, budget)
		})
	}

	return &Subscription{TxID: txid, group: group, cancel: cancel}, nil
}

// await resolves the subscription of one source and releases it. The end of
// the caller's context is an outcome of its own, while a cancellation coming
// from a sibling or from Subscription.Cancel is reported as the bare context
// error.
func (w *CommitWatcher) await(parent, ctx context.Context, txid string, r registration, budget time.Duration) error {
	source := r.source
	defer source.UnregisterTxEvent(txid)
	defer r.timer.Stop()

	entry := w.logger.WithField("txid", txid)
	select {
	case e := <-r.events:
		if e.err != nil {
			entry.Errorf("Event endpoint %s failed: %v", source.Address(), e.err)
			return &ConnectionError{Endpoint: source.Address(), Err: e.err}
		}
		if e.code != peer.TxValidationCode_VALID {
			entry.Errorf("The transaction was invalid on %s, code = %s", source.Address(), e.code)
			return &CommitInvalidError{Endpoint: source.Address(), Code: e.code.String()}
		}
		entry.Infof("The transaction has been committed on peer %s", source.Address())
		return nil
	case <-r.timer.C:
		entry.Errorf("No commit notification from %s within %s", source.Address(), w.timeout)
		return &CommitTimeoutError{Endpoint: source.Address(), Timeout: w.timeout}
	case <-ctx.Done():
		switch parent.Err() {
		case context.DeadlineExceeded:
			entry.Errorf("No commit notification from %s before the caller deadline (%s)", source.Address(), budget)
			return &CommitTimeoutError{Endpoint: source.Address(), Timeout: budget}
		case context.Canceled:
			entry.Warnf("Stopped waiting for %s, cancelled by the caller", source.Address())
			return &CommitCancelledError{Endpoint: source.Address(), Err: parent.Err()}
		}
		return ctx.Err()
	}
}

// Wait blocks until every source is valid or the first one fails; the
// remaining sources are then cancelled. The first failure is the result.
func (s *Subscription) Wait() error {
	s.once.Do(func() {
		s.err = s.group.Wait()
		s.cancel()
	})
	return s.err
}

// Cancel stops waiting and unregisters from every source
func (s *Subscription) Cancel() {
	s.cancel()
	s.Wait()
}

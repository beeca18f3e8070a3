package txdriver

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"levfi/pkg/gateway"
)

// Invalidator receives one-way notifications that dependent read caches
// (balances, positions, liquidity) are stale after a confirmed write
type Invalidator interface {
	Invalidate(scopes ...string)
}

// Request describes one on-chain write for the driver to execute
type Request struct {
	// Key identifies the phase-table entry, usually the target contract
	// address; batched flows use a composite key
	Key string
	// IdempotencyKey suppresses duplicate submissions of the same action
	IdempotencyKey string
	// Call is the contract write to perform
	Call gateway.Call
	// Validate runs before any wallet interaction; a non-nil error moves
	// the record straight to the error phase
	Validate func() error
	// InvalidateScopes are reported to the invalidator after success
	InvalidateScopes []string
	// OnComplete, when set, is invoked exactly once on every exit path
	OnComplete func(err error)
}

// Result reports what a Submit call did. A zero Result with a nil error
// means the request was suppressed by the concurrency guard; Rejected marks
// the user declining the signature instead.
type Result struct {
	Submitted bool
	Rejected  bool
	Hash      common.Hash
	Receipt   *types.Receipt
}

// Driver runs the simulate, sign, broadcast, confirm lifecycle for one
// on-chain call, one phase record per target key
type Driver struct {
	gw         gateway.Gateway
	table      *Table
	invalidate Invalidator
	log        *logrus.Entry

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewDriver creates a driver over the gateway. invalidator may be nil.
func NewDriver(gw gateway.Gateway, invalidator Invalidator, log *logrus.Logger) *Driver {
	return &Driver{
		gw:         gw,
		table:      NewTable(),
		invalidate: invalidator,
		log:        log.WithField("component", "txdriver"),
		inflight:   make(map[string]struct{}),
	}
}

// Table returns the observable phase table
func (d *Driver) Table() *Table {
	return d.table
}

// Reset clears a record back to idle. Busy records cannot be reset.
func (d *Driver) Reset(key string) error {
	if d.table.Get(key).Phase.Busy() {
		return fmt.Errorf("cannot reset '%s' while a transaction is in flight", key)
	}
	d.table.reset(key)
	return nil
}

// Submit drives one request through the phase machine. Duplicate requests
// while the key is busy, or with an idempotency key already in flight, are
// dropped without any state change; no queuing is performed.
func (d *Driver) Submit(ctx context.Context, req Request) (*Result, error) {
	res := &Result{}

	if req.Key == "" {
		return res, gateway.Validationf("request key is required")
	}

	// Sole concurrency guard: a busy phase or an in-flight idempotency key
	// suppresses the submission entirely.
	d.mu.Lock()
	if d.table.Get(req.Key).Phase.Busy() {
		d.mu.Unlock()
		d.log.WithField("key", req.Key).Info("submission dropped, key is busy")
		return res, nil
	}
	if req.IdempotencyKey != "" {
		if _, dup := d.inflight[req.IdempotencyKey]; dup {
			d.mu.Unlock()
			d.log.WithField("key", req.Key).Info("submission dropped, identical request in flight")
			return res, nil
		}
		d.inflight[req.IdempotencyKey] = struct{}{}
	}
	d.mu.Unlock()

	var finalErr error
	defer func() {
		if req.IdempotencyKey != "" {
			d.mu.Lock()
			delete(d.inflight, req.IdempotencyKey)
			d.mu.Unlock()
		}
		if finalErr == nil && res.Submitted && d.invalidate != nil {
			d.invalidate.Invalidate(req.InvalidateScopes...)
		}
		if req.OnComplete != nil {
			req.OnComplete(finalErr)
		}
	}()

	d.table.set(req.Key, Record{Phase: PhaseChecking})

	if req.Validate != nil {
		if err := req.Validate(); err != nil {
			finalErr = gateway.Validationf("%v", err)
			d.table.set(req.Key, Record{Phase: PhaseError, ErrorMessage: err.Error()})
			return res, finalErr
		}
	}

	if _, err := d.gw.Simulate(ctx, req.Call); err != nil {
		finalErr = err
		d.table.set(req.Key, Record{Phase: PhaseError, ErrorMessage: err.Error()})
		return res, finalErr
	}

	d.table.set(req.Key, Record{Phase: PhaseAwaitingSignature})

	hash, err := d.gw.SignAndSend(ctx, req.Call)
	if err != nil {
		if gateway.IsRejected(err) {
			// A rejection is a user decision, not a failure.
			d.log.WithField("key", req.Key).Info("signature rejected, returning to idle")
			res.Rejected = true
			d.table.reset(req.Key)
			return res, nil
		}
		finalErr = err
		d.table.set(req.Key, Record{Phase: PhaseError, ErrorMessage: err.Error()})
		return res, finalErr
	}

	res.Submitted = true
	res.Hash = hash
	d.table.set(req.Key, Record{Phase: PhasePending, Hash: hash})

	receipt, err := d.gw.WaitForReceipt(ctx, hash, func(newHash common.Hash) {
		res.Hash = newHash
		d.table.set(req.Key, Record{Phase: PhaseReplaced, Hash: newHash})
	})
	if err != nil {
		finalErr = err
		d.table.set(req.Key, Record{Phase: PhaseError, Hash: res.Hash, ErrorMessage: err.Error()})
		return res, finalErr
	}

	res.Receipt = receipt
	if receipt.Status != types.ReceiptStatusSuccessful {
		finalErr = gateway.Reverted(fmt.Sprintf("transaction %s reverted on chain", res.Hash.Hex()))
		d.table.set(req.Key, Record{Phase: PhaseError, Hash: res.Hash, ErrorMessage: finalErr.Error()})
		return res, finalErr
	}

	d.table.set(req.Key, Record{Phase: PhaseSuccess, Hash: res.Hash})
	return res, nil
}

// SubmitBatch runs requests with distinct keys concurrently, bounded by
// limit. Requests sharing a key are still serialized by the phase guard.
// One request failing does not cancel the others: a signed and broadcast
// transaction is always waited on to its own conclusion.
func (d *Driver) SubmitBatch(ctx context.Context, reqs []Request, limit int) ([]*Result, error) {
	if limit <= 0 {
		limit = 1
	}

	results := make([]*Result, len(reqs))
	var g errgroup.Group
	g.SetLimit(limit)

	for i, req := range reqs {
		g.Go(func() error {
			res, err := d.Submit(ctx, req)
			results[i] = res
			return err
		})
	}

	return results, g.Wait()
}

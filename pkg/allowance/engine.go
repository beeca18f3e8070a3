package allowance

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"levfi/pkg/gateway"
	"levfi/pkg/txdriver"
)

// ERC20 allowance/approve function ABI
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"},{"name":"_spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_spender","type":"address"},{"name":"_value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// Status classifies one (asset, spender) pair against its required amount
type Status string

const (
	StatusOK           Status = "ok"
	StatusMissing      Status = "missing"
	StatusInsufficient Status = "insufficient"
	StatusUnknown      Status = "unknown"
)

// Requirement is one (asset, spender, amount) tuple to check for an owner
type Requirement struct {
	Asset    common.Address
	Spender  common.Address
	Required *big.Int

	// ResetBeforeApprove marks assets whose approval semantics forbid a
	// non-zero to non-zero change
	ResetBeforeApprove bool
}

// Record is the classified state of one pair. Current is nil when the
// allowance read failed.
type Record struct {
	Requirement
	Current *big.Int
	Status  Status
	// Pending is set while an approval for this pair is in flight
	Pending bool
}

// Classify derives the status of a pair from its current allowance. A failed
// read is unknown, never ok.
func Classify(current, required *big.Int) Status {
	if current == nil {
		return StatusUnknown
	}
	if current.Cmp(required) >= 0 {
		return StatusOK
	}
	if current.Sign() == 0 {
		return StatusMissing
	}
	return StatusInsufficient
}

// Listener observes per-pair record changes, including the pending flag
type Listener func(rec Record)

// Engine checks spender allowances in batch and drains the insufficient
// ones with the minimum number of approval transactions
type Engine struct {
	gw     gateway.Gateway
	driver *txdriver.Driver
	abi    abi.ABI
	log    *logrus.Entry

	mu        sync.Mutex
	listeners []Listener
}

// NewEngine creates an engine that issues approvals through the driver
func NewEngine(gw gateway.Gateway, driver *txdriver.Driver, log *logrus.Logger) (*Engine, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	return &Engine{
		gw:     gw,
		driver: driver,
		abi:    parsed,
		log:    log.WithField("component", "allowance"),
	}, nil
}

// Subscribe registers a listener for record changes
func (e *Engine) Subscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) notify(rec Record) {
	e.mu.Lock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, l := range listeners {
		l(rec)
	}
}

// Check reads the current allowance for every pair in one batched call and
// classifies each against its required amount. The context cancels in-flight
// reads when the caller's inputs change before they resolve.
func (e *Engine) Check(ctx context.Context, owner common.Address, reqs []Requirement) ([]Record, error) {
	calls := make([]gateway.ReadCall, len(reqs))
	for i, req := range reqs {
		data, err := e.abi.Pack("allowance", owner, req.Spender)
		if err != nil {
			return nil, fmt.Errorf("failed to pack allowance call: %w", err)
		}
		calls[i] = gateway.ReadCall{To: req.Asset, Data: data}
	}

	results := e.gw.BatchRead(ctx, calls)

	records := make([]Record, len(reqs))
	for i, req := range reqs {
		rec := Record{Requirement: req}
		if results[i].Err == nil {
			rec.Current = new(big.Int).SetBytes(results[i].Data)
		} else {
			e.log.WithError(results[i].Err).WithField("asset", req.Asset.Hex()).
				Warn("allowance read failed")
		}
		rec.Status = Classify(rec.Current, req.Required)
		records[i] = rec
	}

	return records, nil
}

// ApproveMissing issues an approval for every pair whose status is not ok.
// Approvals run strictly sequentially: allowance state is shared per pair
// and the caller relies on read-after-write once this returns.
func (e *Engine) ApproveMissing(ctx context.Context, owner common.Address, records []Record) ([]Record, error) {
	out := make([]Record, len(records))
	copy(out, records)

	for i := range out {
		rec := &out[i]
		if rec.Status == StatusOK {
			continue
		}

		rec.Pending = true
		e.notify(*rec)

		if err := e.approvePair(ctx, owner, rec); err != nil {
			rec.Pending = false
			e.notify(*rec)
			return out, err
		}

		// Re-query the pair so the caller sees the post-approval state.
		refreshed, err := e.Check(ctx, owner, []Requirement{rec.Requirement})
		if err != nil {
			return out, err
		}
		rec.Current = refreshed[0].Current
		rec.Status = refreshed[0].Status
		rec.Pending = false
		e.notify(*rec)
	}

	return out, nil
}

// approvePair runs the reset-then-approve sequence for one pair, waiting for
// each confirmation before moving on
func (e *Engine) approvePair(ctx context.Context, owner common.Address, rec *Record) error {
	if rec.ResetBeforeApprove && rec.Current != nil && rec.Current.Sign() > 0 {
		if err := e.sendApproval(ctx, owner, rec, new(big.Int), "approve-reset"); err != nil {
			return fmt.Errorf("failed to reset allowance: %w", err)
		}
	}

	if err := e.sendApproval(ctx, owner, rec, rec.Required, "approve"); err != nil {
		return fmt.Errorf("failed to approve: %w", err)
	}

	return nil
}

func (e *Engine) sendApproval(ctx context.Context, owner common.Address, rec *Record, amount *big.Int, action string) error {
	data, err := e.abi.Pack("approve", rec.Spender, amount)
	if err != nil {
		return fmt.Errorf("failed to pack approve call: %w", err)
	}

	key := fmt.Sprintf("%s:%s:%s", action, rec.Asset.Hex(), rec.Spender.Hex())
	res, err := e.driver.Submit(ctx, txdriver.Request{
		Key: key,
		IdempotencyKey: txdriver.IdempotencyKey(e.gw.ChainID(), action,
			[]common.Address{owner, rec.Asset, rec.Spender}, []*big.Int{amount}),
		Call: gateway.Call{To: rec.Asset, Data: data},
	})
	if err != nil {
		return err
	}
	if res.Rejected {
		e.log.WithField("asset", rec.Asset.Hex()).Info("approval declined by user")
		return gateway.Rejected()
	}
	if !res.Submitted {
		return fmt.Errorf("approval for %s already in flight", rec.Asset.Hex())
	}

	e.log.WithFields(logrus.Fields{
		"asset":   rec.Asset.Hex(),
		"spender": rec.Spender.Hex(),
		"hash":    res.Hash.Hex(),
	}).Info("approval confirmed")

	return nil
}

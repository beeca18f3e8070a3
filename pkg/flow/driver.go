package flow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"levfi/pkg/gateway"
	"levfi/pkg/router"
	"levfi/pkg/txdriver"
)

const (
	// DefaultSettlementInterval is how often the completion predicate runs
	DefaultSettlementInterval = 10 * time.Second
	// DefaultSettlementTimeout bounds how long the driver keeps watching;
	// settlement may still complete after the driver gives up
	DefaultSettlementTimeout = 5 * time.Minute
)

// RouteComputer is the slice of the routing client the driver depends on
type RouteComputer interface {
	ComputeRoute(ctx context.Context, idempotencyKey string, req *router.RouteRequest) (*router.RouteResponse, error)
}

// Listener observes stage transitions of a flow
type Listener func(st State)

// SettlementPoll bounds the optional post-settlement watch
type SettlementPoll struct {
	Interval time.Duration
	Timeout  time.Duration
}

// EnterRequest describes one leveraged entry: stage on chain, compute the
// route off chain, settle on chain
type EnterRequest struct {
	Vault           common.Address
	CollateralAsset common.Address
	BorrowedAsset   common.Address
	Collateral      *big.Int
	Borrow          *big.Int
	LeverageBps     int64
	SlippageBps     uint16

	// SettlementDone, when set, is polled after the settlement transaction
	// confirms until it reports true or the watch times out
	SettlementDone func(ctx context.Context) (bool, error)
}

// Driver sequences the heterogeneous steps of a resumable flow, persisting
// progress at every stage transition so a restart can pick up mid-flow
type Driver struct {
	gw      gateway.Gateway
	routes  RouteComputer
	store   Store
	binding Binding
	poll    SettlementPoll
	log     *logrus.Entry

	mu        sync.Mutex
	inflight  map[string]struct{}
	listeners []Listener
}

// NewDriver creates a flow driver. The store is owned exclusively by this
// driver; no other component may write the records it manages.
func NewDriver(gw gateway.Gateway, routes RouteComputer, store Store, binding Binding, log *logrus.Logger) *Driver {
	return &Driver{
		gw:       gw,
		routes:   routes,
		store:    store,
		binding:  binding,
		poll:     SettlementPoll{Interval: DefaultSettlementInterval, Timeout: DefaultSettlementTimeout},
		log:      log.WithField("component", "flow"),
		inflight: make(map[string]struct{}),
	}
}

// SetSettlementPoll overrides the settlement watch bounds
func (d *Driver) SetSettlementPoll(p SettlementPoll) {
	if p.Interval > 0 {
		d.poll.Interval = p.Interval
	}
	if p.Timeout > 0 {
		d.poll.Timeout = p.Timeout
	}
}

// Subscribe registers a listener for stage transitions
func (d *Driver) Subscribe(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

func (d *Driver) notify(st State) {
	d.mu.Lock()
	listeners := make([]Listener, len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()

	for _, l := range listeners {
		l(st)
	}
}

// EnterKey derives the idempotency key of an entry request
func (d *Driver) EnterKey(req *EnterRequest) string {
	return txdriver.IdempotencyKey(d.gw.ChainID(), string(KindEnter),
		[]common.Address{d.gw.From(), req.Vault, req.CollateralAsset, req.BorrowedAsset},
		[]*big.Int{req.Collateral, req.Borrow, big.NewInt(req.LeverageBps)})
}

// Pending returns the persisted record of a flow kind for the connected
// wallet, or nil when there is none
func (d *Driver) Pending(kind Kind) (*State, error) {
	return d.store.Load(StorageKey(kind, d.gw.ChainID().Uint64(), d.gw.From()))
}

// Reset discards the persisted record of a flow kind
func (d *Driver) Reset(kind Kind) error {
	return d.store.Delete(StorageKey(kind, d.gw.ChainID().Uint64(), d.gw.From()))
}

// Enter drives a leveraged entry to completion, resuming from persisted
// progress when the same action was interrupted earlier. A duplicate call
// while the same key is in flight is dropped and returns a nil state.
func (d *Driver) Enter(ctx context.Context, req *EnterRequest) (*State, error) {
	if err := validateEnter(req); err != nil {
		return nil, err
	}

	wallet := d.gw.From()
	chainID := d.gw.ChainID().Uint64()
	key := d.EnterKey(req)
	storageKey := StorageKey(KindEnter, chainID, wallet)

	d.mu.Lock()
	if _, busy := d.inflight[key]; busy {
		d.mu.Unlock()
		d.log.Info("entry dropped, identical flow in flight")
		return nil, nil
	}
	d.inflight[key] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, key)
		d.mu.Unlock()
	}()

	persisted, err := d.store.Load(storageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow state: %w", err)
	}

	var st *State
	if persisted.Matches(key, chainID, req.Vault, wallet) {
		st = persisted
		st.LastError = ""
		d.log.WithFields(logrus.Fields{
			"id":    st.ID,
			"stage": st.Stage,
		}).Info("resuming interrupted flow")
	} else {
		st = &State{
			ID:             uuid.New().String(),
			IdempotencyKey: key,
			Kind:           KindEnter,
			ChainID:        chainID,
			Vault:          req.Vault,
			Wallet:         wallet,
			Stage:          StageChecking,
		}
	}

	return d.finish(st, storageKey, d.runEnter(ctx, st, storageKey, req))
}

// finish maps the outcome of a flow run onto the durable record: a rejection
// rolls back, a hard error is recorded without losing progress
func (d *Driver) finish(st *State, storageKey string, err error) (*State, error) {
	if err == nil {
		return st, nil
	}
	if gateway.IsRejected(err) {
		return d.handleRejection(st, storageKey), nil
	}

	st.LastError = err.Error()
	st.UpdatedAt = time.Now()
	if st.Reached(StageStep1AwaitingSignature) {
		if saveErr := d.store.Save(storageKey, st); saveErr != nil {
			d.log.WithError(saveErr).Error("failed to persist flow state after error")
		}
	}
	d.notify(*st)

	return st, err
}

// runEnter walks the remaining stages in strict order
func (d *Driver) runEnter(ctx context.Context, st *State, storageKey string, req *EnterRequest) error {
	// Step 1: the on-chain staging transaction.
	if !st.Reached(StageStep1Confirmed) {
		build := func() (gateway.Call, error) {
			return d.binding.StageEnterCall(req.Vault, req.Collateral, req.Borrow, req.LeverageBps)
		}

		receipt, err := d.runStep(ctx, st, storageKey, build, StageStep1AwaitingSignature, StageStep1Pending, &st.Step1Hash)
		if err != nil {
			return err
		}

		id, found := d.binding.PositionIDFromReceipt(req.Vault, receipt)
		if !found {
			id, err = d.binding.LookupPositionID(ctx, req.Vault, st.Wallet)
			if err != nil {
				return fmt.Errorf("staging confirmed but position id unresolved: %w", err)
			}
		}
		st.PositionID = id
		d.persist(storageKey, st, StageStep1Confirmed)
	}

	if st.PositionID == 0 {
		id, err := d.binding.LookupPositionID(ctx, req.Vault, st.Wallet)
		if err != nil {
			return fmt.Errorf("position id unresolved: %w", err)
		}
		st.PositionID = id
		d.persist(storageKey, st, st.Stage)
	}

	// Off-chain route computation; never attempted before the staging
	// receipt and position id are in hand.
	if len(st.OffchainPayload) == 0 {
		d.persist(storageKey, st, StageRoute)

		resp, err := d.routes.ComputeRoute(ctx, st.IdempotencyKey, &router.RouteRequest{
			ChainID:         st.ChainID,
			Vault:           req.Vault.Hex(),
			Wallet:          st.Wallet.Hex(),
			PositionID:      st.PositionID,
			CollateralAsset: req.CollateralAsset.Hex(),
			BorrowedAsset:   req.BorrowedAsset.Hex(),
			Amount:          req.Borrow.String(),
			SlippageBps:     req.SlippageBps,
		})
		if err != nil {
			return fmt.Errorf("route computation failed: %w", err)
		}

		st.OffchainPayload = resp.ExecutionData
		d.persist(storageKey, st, StageRoute)
	}

	// Step 2: the on-chain settlement transaction consuming the payload.
	if !st.Reached(StagePendingSettlement) {
		build := func() (gateway.Call, error) {
			return d.binding.SettleEnterCall(req.Vault, st.PositionID, st.OffchainPayload)
		}

		if _, err := d.runStep(ctx, st, storageKey, build, StageStep2AwaitingSignature, StageStep2Pending, &st.Step2Hash); err != nil {
			return err
		}
	}

	// Optional settlement watch. A timeout is not an error: settlement can
	// complete after the watch gives up, so the stage is left for a later
	// resume or a manual re-check.
	if req.SettlementDone != nil {
		d.persist(storageKey, st, StagePendingSettlement)

		done, err := d.waitSettlement(ctx, req.SettlementDone)
		if err != nil {
			return err
		}
		if !done {
			d.log.WithField("id", st.ID).Info("settlement watch timed out, leaving flow resumable")
			return nil
		}
	}

	st.Stage = StageSuccess
	st.UpdatedAt = time.Now()
	if err := d.store.Delete(storageKey); err != nil {
		d.log.WithError(err).Warn("failed to delete completed flow record")
	}
	d.notify(*st)

	return nil
}

// runStep executes one on-chain sub-step, or resumes waiting on a hash that
// was already broadcast before an interruption
func (d *Driver) runStep(ctx context.Context, st *State, storageKey string, build func() (gateway.Call, error), awaiting, pending Stage, hash *common.Hash) (*types.Receipt, error) {
	if st.Stage != pending || *hash == (common.Hash{}) {
		call, err := build()
		if err != nil {
			return nil, err
		}
		if _, err := d.gw.Simulate(ctx, call); err != nil {
			return nil, err
		}

		d.persist(storageKey, st, awaiting)

		sent, err := d.gw.SignAndSend(ctx, call)
		if err != nil {
			return nil, err
		}
		*hash = sent
		d.persist(storageKey, st, pending)
	}

	receipt, err := d.gw.WaitForReceipt(ctx, *hash, func(newHash common.Hash) {
		*hash = newHash
		d.persist(storageKey, st, pending)
	})
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, gateway.Reverted(fmt.Sprintf("transaction %s reverted on chain", hash.Hex()))
	}

	return receipt, nil
}

// waitSettlement polls the completion predicate on a fixed interval until it
// reports true or the timeout elapses
func (d *Driver) waitSettlement(ctx context.Context, done func(ctx context.Context) (bool, error)) (bool, error) {
	deadline := time.Now().Add(d.poll.Timeout)
	ticker := time.NewTicker(d.poll.Interval)
	defer ticker.Stop()

	for {
		settled, err := done(ctx)
		if err != nil {
			return false, fmt.Errorf("settlement check failed: %w", err)
		}
		if settled {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// handleRejection rolls the flow back to its last durable stage after the
// user declined a signature; a rejection is a decision, not a failure
func (d *Driver) handleRejection(st *State, storageKey string) *State {
	d.log.WithField("id", st.ID).Info("signature rejected, flow not advanced")

	if !st.Reached(StageStep1Pending) {
		// Nothing is staged yet; discard the record entirely.
		if err := d.store.Delete(storageKey); err != nil {
			d.log.WithError(err).Warn("failed to delete flow record")
		}
		st.Stage = StageIdle
		d.notify(*st)
		return st
	}

	// Progress up to the route payload survives; the settlement signature
	// can be retried later.
	d.persist(storageKey, st, StageRoute)
	return st
}

// persist rewrites the durable record at a stage transition
func (d *Driver) persist(storageKey string, st *State, stage Stage) {
	st.Stage = stage
	st.UpdatedAt = time.Now()
	if err := d.store.Save(storageKey, st); err != nil {
		d.log.WithError(err).Error("failed to persist flow state")
	}
	d.notify(*st)
}

func validateEnter(req *EnterRequest) error {
	if req.Vault == (common.Address{}) {
		return gateway.Validationf("vault address is required")
	}
	if req.Collateral == nil || req.Collateral.Sign() <= 0 {
		return gateway.Validationf("collateral amount must be greater than 0")
	}
	if req.Borrow == nil || req.Borrow.Sign() <= 0 {
		return gateway.Validationf("borrow amount must be greater than 0")
	}
	if req.LeverageBps <= 0 {
		return gateway.Validationf("leverage must be greater than 0")
	}
	return nil
}

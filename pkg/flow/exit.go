package flow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"levfi/pkg/gateway"
	"levfi/pkg/router"
	"levfi/pkg/txdriver"
)

// ExitRequest describes one leveraged exit: stage the unwind on chain,
// compute the route off chain, settle on chain
type ExitRequest struct {
	Vault           common.Address
	CollateralAsset common.Address
	BorrowedAsset   common.Address
	// PositionID of the position being unwound. May be zero when an exit is
	// already staged on chain; the probe then supplies it.
	PositionID  uint64
	Amount      *big.Int
	SlippageBps uint16

	SettlementDone func(ctx context.Context) (bool, error)
}

// ExitKey derives the idempotency key of an exit for a given position
func (d *Driver) ExitKey(vault common.Address, positionID uint64) string {
	return txdriver.IdempotencyKey(d.gw.ChainID(), string(KindExit),
		[]common.Address{d.gw.From(), vault},
		[]*big.Int{new(big.Int).SetUint64(positionID)})
}

// ProbeExitStage asks the chain whether the connected wallet has an exit
// staged but not yet settled on the vault. The chain's answer, not any cached
// record, decides where an exit resumes.
func (d *Driver) ProbeExitStage(ctx context.Context, vault common.Address) (uint64, Stage, error) {
	id, exists, err := d.binding.UnfinishedSwap(ctx, vault, d.gw.From())
	if err != nil {
		return 0, StageIdle, err
	}
	if !exists {
		return 0, StageIdle, nil
	}

	// Cross-check with a settlement simulation carrying no route data; the
	// vault signals readiness with a dedicated error code.
	call, err := d.binding.SettleExitCall(vault, id, nil)
	if err != nil {
		return 0, StageIdle, err
	}
	if _, simErr := d.gw.Simulate(ctx, call); simErr != nil {
		if gateway.CodeOf(simErr) != missingRouteDataSelector {
			return 0, StageIdle, fmt.Errorf("exit staged for position %d but settlement probe failed: %w", id, simErr)
		}
	}

	return id, StageStep1Confirmed, nil
}

// Exit drives a leveraged exit to completion. The on-chain probe decides
// whether the staging step already happened; the persisted record only
// carries forward the route payload and transaction hashes.
func (d *Driver) Exit(ctx context.Context, req *ExitRequest) (*State, error) {
	if err := validateExit(req); err != nil {
		return nil, err
	}

	wallet := d.gw.From()
	chainID := d.gw.ChainID().Uint64()
	storageKey := StorageKey(KindExit, chainID, wallet)

	probeID, probeStage, err := d.ProbeExitStage(ctx, req.Vault)
	if err != nil {
		return nil, err
	}

	positionID := req.PositionID
	if probeStage == StageStep1Confirmed {
		positionID = probeID
	}
	if positionID == 0 {
		return nil, gateway.Validationf("position id is required, no exit is staged on chain")
	}

	key := d.ExitKey(req.Vault, positionID)

	d.mu.Lock()
	if _, busy := d.inflight[key]; busy {
		d.mu.Unlock()
		d.log.Info("exit dropped, identical flow in flight")
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
		}).Info("resuming interrupted exit")
	} else {
		st = &State{
			ID:             uuid.New().String(),
			IdempotencyKey: key,
			Kind:           KindExit,
			ChainID:        chainID,
			Vault:          req.Vault,
			Wallet:         wallet,
			Stage:          StageChecking,
			PositionID:     positionID,
		}
	}

	d.reconcileExit(st, storageKey, probeStage, positionID)

	return d.finish(st, storageKey, d.runExit(ctx, st, storageKey, req))
}

// reconcileExit aligns the cached record with what the chain reports. A
// record that claims more progress than the chain shows is stale; a record
// that claims less is fast-forwarded.
func (d *Driver) reconcileExit(st *State, storageKey string, probeStage Stage, positionID uint64) {
	switch probeStage {
	case StageStep1Confirmed:
		st.PositionID = positionID
		if !st.Reached(StageStep1Confirmed) {
			st.Stage = StageStep1Confirmed
		}
	case StageIdle:
		if st.Reached(StageStep1Pending) && !st.Reached(StageSuccess) {
			if st.Reached(StageStep2Pending) {
				// The settlement already landed; nothing left to drive.
				st.Stage = StagePendingSettlement
				return
			}
			d.log.WithField("id", st.ID).Warn("cached exit progress not found on chain, restarting")
			st.Stage = StageChecking
			st.Step1Hash = common.Hash{}
			st.Step2Hash = common.Hash{}
			st.OffchainPayload = nil
			if err := d.store.Save(storageKey, st); err != nil {
				d.log.WithError(err).Error("failed to persist flow state")
			}
		}
	}
}

func (d *Driver) runExit(ctx context.Context, st *State, storageKey string, req *ExitRequest) error {
	if !st.Reached(StageStep1Confirmed) {
		build := func() (gateway.Call, error) {
			return d.binding.StageExitCall(req.Vault, st.PositionID)
		}
		if _, err := d.runStep(ctx, st, storageKey, build, StageStep1AwaitingSignature, StageStep1Pending, &st.Step1Hash); err != nil {
			return err
		}
		d.persist(storageKey, st, StageStep1Confirmed)
	}

	if len(st.OffchainPayload) == 0 && !st.Reached(StagePendingSettlement) {
		d.persist(storageKey, st, StageRoute)

		resp, err := d.routes.ComputeRoute(ctx, st.IdempotencyKey, &router.RouteRequest{
			ChainID:         st.ChainID,
			Vault:           req.Vault.Hex(),
			Wallet:          st.Wallet.Hex(),
			PositionID:      st.PositionID,
			CollateralAsset: req.CollateralAsset.Hex(),
			BorrowedAsset:   req.BorrowedAsset.Hex(),
			Amount:          req.Amount.String(),
			SlippageBps:     req.SlippageBps,
		})
		if err != nil {
			return fmt.Errorf("route computation failed: %w", err)
		}

		st.OffchainPayload = resp.ExecutionData
		d.persist(storageKey, st, StageRoute)
	}

	if !st.Reached(StagePendingSettlement) {
		build := func() (gateway.Call, error) {
			return d.binding.SettleExitCall(req.Vault, st.PositionID, st.OffchainPayload)
		}
		if _, err := d.runStep(ctx, st, storageKey, build, StageStep2AwaitingSignature, StageStep2Pending, &st.Step2Hash); err != nil {
			return err
		}
	}

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

func validateExit(req *ExitRequest) error {
	if req.Vault == (common.Address{}) {
		return gateway.Validationf("vault address is required")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return gateway.Validationf("exit amount must be greater than 0")
	}
	return nil
}

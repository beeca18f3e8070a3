package flow

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Stage is the durable position of a multi-step flow
type Stage string

const (
	StageIdle                   Stage = "idle"
	StageChecking               Stage = "checking"
	StageStep1AwaitingSignature Stage = "step1-awaiting-signature"
	StageStep1Pending           Stage = "step1-pending"
	StageStep1Confirmed         Stage = "step1-confirmed"
	StageRoute                  Stage = "api-route"
	StageStep2AwaitingSignature Stage = "step2-awaiting-signature"
	StageStep2Pending           Stage = "step2-pending"
	StagePendingSettlement      Stage = "pending-settlement"
	StageSuccess                Stage = "success"
)

// Kind names a flow type; it is part of the storage namespace so records of
// one flow are never misread as another
type Kind string

const (
	KindEnter Kind = "leverage-enter"
	KindExit  Kind = "leverage-exit"
)

// schemaVersion is part of every storage key so a schema change does not
// misinterpret stale records
const schemaVersion = "v1"

// State is the persisted progress of one multi-step flow. It is created the
// first time the flow leaves idle, rewritten at every stage transition and
// deleted on terminal success or explicit reset.
type State struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Kind           Kind           `json:"kind"`
	ChainID        uint64         `json:"chain_id"`
	Vault          common.Address `json:"vault"`
	Wallet         common.Address `json:"wallet"`
	Stage          Stage          `json:"stage"`

	// PositionID is the staged-position identifier resolved after step 1
	PositionID uint64 `json:"position_id,omitempty"`
	// OffchainPayload is the execution data obtained from the routing service
	OffchainPayload hexutil.Bytes `json:"offchain_payload,omitempty"`

	Step1Hash common.Hash `json:"step1_hash,omitempty"`
	Step2Hash common.Hash `json:"step2_hash,omitempty"`

	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Matches reports whether the persisted record belongs to the requested
// action; a positive match is what allows a resume instead of a fresh start
func (s *State) Matches(idempotencyKey string, chainID uint64, vault, wallet common.Address) bool {
	return s != nil &&
		s.IdempotencyKey == idempotencyKey &&
		s.ChainID == chainID &&
		s.Vault == vault &&
		s.Wallet == wallet
}

// StorageKey builds the namespaced, versioned key a flow's state lives under
func StorageKey(kind Kind, chainID uint64, wallet common.Address) string {
	return fmt.Sprintf("flow.%s.%s.%d.%s", kind, schemaVersion, chainID, wallet.Hex())
}

// stageRank orders the entry-flow stages so a resume knows which sub-steps
// are already behind it
var stageRank = map[Stage]int{
	StageIdle:                   0,
	StageChecking:               0,
	StageStep1AwaitingSignature: 1,
	StageStep1Pending:           2,
	StageStep1Confirmed:         3,
	StageRoute:                  4,
	StageStep2AwaitingSignature: 5,
	StageStep2Pending:           6,
	StagePendingSettlement:      7,
	StageSuccess:                8,
}

// Reached reports whether the state has progressed to at least the given
// stage
func (s *State) Reached(stage Stage) bool {
	return stageRank[s.Stage] >= stageRank[stage]
}

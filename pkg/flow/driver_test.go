package flow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"levfi/pkg/gateway"
	"levfi/pkg/router"
)

var (
	testWallet = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testVault  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testUSDC   = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testWETH   = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

type fakeGateway struct {
	mu    sync.Mutex
	sends []gateway.Call
	waits []common.Hash

	onSimulate func(call gateway.Call) ([]byte, error)
	onSend     func(n int, call gateway.Call) (common.Hash, error)
	onWait     func(n int, hash common.Hash, onReplaced func(common.Hash)) (*types.Receipt, error)
}

func (g *fakeGateway) From() common.Address { return testWallet }
func (g *fakeGateway) ChainID() *big.Int    { return big.NewInt(8453) }

func (g *fakeGateway) Simulate(_ context.Context, call gateway.Call) ([]byte, error) {
	if g.onSimulate != nil {
		return g.onSimulate(call)
	}
	return nil, nil
}

func (g *fakeGateway) SignAndSend(_ context.Context, call gateway.Call) (common.Hash, error) {
	g.mu.Lock()
	n := len(g.sends)
	g.sends = append(g.sends, call)
	g.mu.Unlock()

	if g.onSend != nil {
		return g.onSend(n, call)
	}
	return common.BigToHash(big.NewInt(int64(n + 1))), nil
}

func (g *fakeGateway) WaitForReceipt(_ context.Context, hash common.Hash, onReplaced func(common.Hash)) (*types.Receipt, error) {
	g.mu.Lock()
	n := len(g.waits)
	g.waits = append(g.waits, hash)
	g.mu.Unlock()

	if g.onWait != nil {
		return g.onWait(n, hash, onReplaced)
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
}

func (g *fakeGateway) CallRead(_ context.Context, _ gateway.ReadCall) ([]byte, error) {
	return nil, nil
}

func (g *fakeGateway) BatchRead(_ context.Context, calls []gateway.ReadCall) []gateway.ReadResult {
	return make([]gateway.ReadResult, len(calls))
}

func (g *fakeGateway) sendCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sends)
}

type fakeBinding struct {
	mu               sync.Mutex
	stageEnterCalls  int
	settleEnterCalls int
	stageExitCalls   int
	settleExitCalls  int
	lookupCalls      int

	positionID        uint64
	positionInReceipt bool
	unfinishedID      uint64
	unfinished        bool
}

func (b *fakeBinding) StageEnterCall(vault common.Address, _, _ *big.Int, _ int64) (gateway.Call, error) {
	b.mu.Lock()
	b.stageEnterCalls++
	b.mu.Unlock()
	return gateway.Call{To: vault, Data: []byte("stage-enter")}, nil
}

func (b *fakeBinding) SettleEnterCall(vault common.Address, _ uint64, routeData []byte) (gateway.Call, error) {
	b.mu.Lock()
	b.settleEnterCalls++
	b.mu.Unlock()
	return gateway.Call{To: vault, Data: append([]byte("settle-enter:"), routeData...)}, nil
}

func (b *fakeBinding) StageExitCall(vault common.Address, _ uint64) (gateway.Call, error) {
	b.mu.Lock()
	b.stageExitCalls++
	b.mu.Unlock()
	return gateway.Call{To: vault, Data: []byte("stage-exit")}, nil
}

func (b *fakeBinding) SettleExitCall(vault common.Address, _ uint64, routeData []byte) (gateway.Call, error) {
	b.mu.Lock()
	b.settleExitCalls++
	b.mu.Unlock()
	return gateway.Call{To: vault, Data: append([]byte("settle-exit:"), routeData...)}, nil
}

func (b *fakeBinding) PositionIDFromReceipt(_ common.Address, _ *types.Receipt) (uint64, bool) {
	if b.positionInReceipt {
		return b.positionID, true
	}
	return 0, false
}

func (b *fakeBinding) LookupPositionID(_ context.Context, _, _ common.Address) (uint64, error) {
	b.mu.Lock()
	b.lookupCalls++
	b.mu.Unlock()
	if b.positionID == 0 {
		return 0, fmt.Errorf("no pending position")
	}
	return b.positionID, nil
}

func (b *fakeBinding) UnfinishedSwap(_ context.Context, _, _ common.Address) (uint64, bool, error) {
	return b.unfinishedID, b.unfinished, nil
}

func (b *fakeBinding) IsSettled(_ context.Context, _ common.Address, _ uint64) (bool, error) {
	return true, nil
}

type fakeRoutes struct {
	mu       sync.Mutex
	calls    int
	lastKey  string
	lastReq  *router.RouteRequest
	response *router.RouteResponse
	err      error
}

func (r *fakeRoutes) ComputeRoute(_ context.Context, key string, req *router.RouteRequest) (*router.RouteResponse, error) {
	r.mu.Lock()
	r.calls++
	r.lastKey = key
	r.lastReq = req
	r.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	if r.response != nil {
		return r.response, nil
	}
	return &router.RouteResponse{RouteID: "route-1", ExecutionData: []byte{0xde, 0xad}}, nil
}

type memStore struct {
	mu      sync.Mutex
	records map[string]*State
	saves   int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*State)}
}

func (s *memStore) Load(key string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *memStore) Save(key string, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.records[key] = &cp
	s.saves++
	return nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *memStore) get(key string) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key]
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func enterRequest() *EnterRequest {
	return &EnterRequest{
		Vault:           testVault,
		CollateralAsset: testUSDC,
		BorrowedAsset:   testWETH,
		Collateral:      big.NewInt(1000),
		Borrow:          big.NewInt(3000),
		LeverageBps:     300,
		SlippageBps:     50,
	}
}

func TestEnterRunsBothStepsAndDeletesRecord(t *testing.T) {
	gw := &fakeGateway{}
	binding := &fakeBinding{positionID: 42, positionInReceipt: true}
	routes := &fakeRoutes{}
	store := newMemStore()
	d := NewDriver(gw, routes, store, binding, testLogger())

	var stages []Stage
	d.Subscribe(func(st State) { stages = append(stages, st.Stage) })

	st, err := d.Enter(context.Background(), enterRequest())
	require.NoError(t, err)
	require.NotNil(t, st)

	assert.Equal(t, StageSuccess, st.Stage)
	assert.Equal(t, uint64(42), st.PositionID)
	assert.Equal(t, 2, gw.sendCount())
	assert.Equal(t, 1, routes.calls)
	assert.Equal(t, st.IdempotencyKey, routes.lastKey)
	assert.Equal(t, uint64(42), routes.lastReq.PositionID)

	// Terminal success leaves nothing behind.
	assert.Nil(t, store.get(StorageKey(KindEnter, 8453, testWallet)))

	assert.Equal(t, []Stage{
		StageStep1AwaitingSignature,
		StageStep1Pending,
		StageStep1Confirmed,
		StageRoute,
		StageRoute,
		StageStep2AwaitingSignature,
		StageStep2Pending,
		StageSuccess,
	}, stages)
}

func TestEnterResumesAfterBroadcastStep1(t *testing.T) {
	gw := &fakeGateway{}
	binding := &fakeBinding{positionID: 7}
	routes := &fakeRoutes{}
	store := newMemStore()
	d := NewDriver(gw, routes, store, binding, testLogger())

	req := enterRequest()
	step1 := common.HexToHash("0xaaaa")
	key := StorageKey(KindEnter, 8453, testWallet)
	require.NoError(t, store.Save(key, &State{
		ID:             "resumed",
		IdempotencyKey: d.EnterKey(req),
		Kind:           KindEnter,
		ChainID:        8453,
		Vault:          testVault,
		Wallet:         testWallet,
		Stage:          StageStep1Pending,
		Step1Hash:      step1,
	}))

	st, err := d.Enter(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, st)

	assert.Equal(t, "resumed", st.ID)
	assert.Equal(t, StageSuccess, st.Stage)
	// Step 1 is never re-staged or re-sent; only the settlement broadcasts.
	assert.Equal(t, 0, binding.stageEnterCalls)
	assert.Equal(t, 1, gw.sendCount())
	require.Len(t, gw.waits, 2)
	assert.Equal(t, step1, gw.waits[0])
	// The receipt carried no event, so the fallback lookup resolved the id.
	assert.Equal(t, 1, binding.lookupCalls)
	assert.Equal(t, uint64(7), st.PositionID)
}

func TestEnterDifferentActionDoesNotResume(t *testing.T) {
	gw := &fakeGateway{}
	binding := &fakeBinding{positionID: 7, positionInReceipt: true}
	store := newMemStore()
	d := NewDriver(gw, &fakeRoutes{}, store, binding, testLogger())

	key := StorageKey(KindEnter, 8453, testWallet)
	require.NoError(t, store.Save(key, &State{
		ID:             "other",
		IdempotencyKey: "some-other-action",
		Kind:           KindEnter,
		ChainID:        8453,
		Vault:          testVault,
		Wallet:         testWallet,
		Stage:          StageStep1Pending,
		Step1Hash:      common.HexToHash("0xbbbb"),
	}))

	st, err := d.Enter(context.Background(), enterRequest())
	require.NoError(t, err)
	require.NotNil(t, st)

	assert.NotEqual(t, "other", st.ID)
	assert.Equal(t, 1, binding.stageEnterCalls)
	assert.Equal(t, 2, gw.sendCount())
}

func TestEnterRejectionBeforeBroadcastDiscardsRecord(t *testing.T) {
	gw := &fakeGateway{
		onSend: func(int, gateway.Call) (common.Hash, error) {
			return common.Hash{}, gateway.Rejected()
		},
	}
	store := newMemStore()
	d := NewDriver(gw, &fakeRoutes{}, store, &fakeBinding{positionID: 1}, testLogger())

	st, err := d.Enter(context.Background(), enterRequest())
	require.NoError(t, err)
	require.NotNil(t, st)

	assert.Equal(t, StageIdle, st.Stage)
	assert.Nil(t, store.get(StorageKey(KindEnter, 8453, testWallet)))
}

func TestEnterRejectionAtSettlementKeepsProgress(t *testing.T) {
	gw := &fakeGateway{
		onSend: func(n int, _ gateway.Call) (common.Hash, error) {
			if n == 1 {
				return common.Hash{}, gateway.Rejected()
			}
			return common.BigToHash(big.NewInt(int64(n + 1))), nil
		},
	}
	binding := &fakeBinding{positionID: 9, positionInReceipt: true}
	store := newMemStore()
	d := NewDriver(gw, &fakeRoutes{}, store, binding, testLogger())

	st, err := d.Enter(context.Background(), enterRequest())
	require.NoError(t, err)
	require.NotNil(t, st)

	// Staging and the route survived; only the settlement signature is owed.
	assert.Equal(t, StageRoute, st.Stage)
	kept := store.get(StorageKey(KindEnter, 8453, testWallet))
	require.NotNil(t, kept)
	assert.Equal(t, StageRoute, kept.Stage)
	assert.NotEmpty(t, kept.OffchainPayload)
	assert.Equal(t, uint64(9), kept.PositionID)
}

func TestEnterValidation(t *testing.T) {
	d := NewDriver(&fakeGateway{}, &fakeRoutes{}, newMemStore(), &fakeBinding{}, testLogger())

	req := enterRequest()
	req.Collateral = big.NewInt(0)

	_, err := d.Enter(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))
}

func TestEnterDuplicateInFlightIsDropped(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	gw := &fakeGateway{
		onWait: func(n int, hash common.Hash, _ func(common.Hash)) (*types.Receipt, error) {
			if n == 0 {
				close(entered)
			}
			<-release
			return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
		},
	}
	d := NewDriver(gw, &fakeRoutes{}, newMemStore(), &fakeBinding{positionID: 3, positionInReceipt: true}, testLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = d.Enter(context.Background(), enterRequest())
	}()

	<-entered
	st, err := d.Enter(context.Background(), enterRequest())
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Equal(t, 1, gw.sendCount())

	close(release)
	wg.Wait()
}

func TestEnterRevertedSettlementKeepsRecordWithError(t *testing.T) {
	gw := &fakeGateway{
		onWait: func(n int, hash common.Hash, _ func(common.Hash)) (*types.Receipt, error) {
			status := types.ReceiptStatusSuccessful
			if n == 1 {
				status = types.ReceiptStatusFailed
			}
			return &types.Receipt{Status: status, TxHash: hash}, nil
		},
	}
	store := newMemStore()
	d := NewDriver(gw, &fakeRoutes{}, store, &fakeBinding{positionID: 5, positionInReceipt: true}, testLogger())

	st, err := d.Enter(context.Background(), enterRequest())
	require.Error(t, err)
	require.NotNil(t, st)
	assert.Equal(t, gateway.KindReverted, gateway.KindOf(err))

	kept := store.get(StorageKey(KindEnter, 8453, testWallet))
	require.NotNil(t, kept)
	assert.NotEmpty(t, kept.LastError)
	assert.Equal(t, uint64(5), kept.PositionID)
}

func TestEnterHashReplacementIsPersisted(t *testing.T) {
	replacement := common.HexToHash("0xcccc")
	gw := &fakeGateway{
		onWait: func(n int, hash common.Hash, onReplaced func(common.Hash)) (*types.Receipt, error) {
			if n == 0 {
				onReplaced(replacement)
				hash = replacement
			}
			return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
		},
	}
	store := newMemStore()
	d := NewDriver(gw, &fakeRoutes{}, store, &fakeBinding{positionID: 5, positionInReceipt: true}, testLogger())

	var step1Hashes []common.Hash
	d.Subscribe(func(st State) {
		if st.Stage == StageStep1Pending {
			step1Hashes = append(step1Hashes, st.Step1Hash)
		}
	})

	st, err := d.Enter(context.Background(), enterRequest())
	require.NoError(t, err)
	assert.Equal(t, StageSuccess, st.Stage)
	require.Len(t, step1Hashes, 2)
	assert.Equal(t, replacement, step1Hashes[1])
}

func TestEnterSettlementWatchTimeoutLeavesRecordPending(t *testing.T) {
	gw := &fakeGateway{}
	store := newMemStore()
	d := NewDriver(gw, &fakeRoutes{}, store, &fakeBinding{positionID: 11, positionInReceipt: true}, testLogger())
	d.SetSettlementPoll(SettlementPoll{Interval: time.Millisecond, Timeout: 5 * time.Millisecond})

	var checks int
	req := enterRequest()
	req.SettlementDone = func(context.Context) (bool, error) {
		checks++
		return false, nil
	}

	st, err := d.Enter(context.Background(), req)

	// Running out of watch time is not a failure; the flow stays resumable.
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, StagePendingSettlement, st.Stage)
	assert.GreaterOrEqual(t, checks, 1)

	kept := store.get(StorageKey(KindEnter, 8453, testWallet))
	require.NotNil(t, kept)
	assert.Equal(t, StagePendingSettlement, kept.Stage)
	assert.Empty(t, kept.LastError)
}

func TestEnterSettlementWatchCompletionDeletesRecord(t *testing.T) {
	gw := &fakeGateway{}
	store := newMemStore()
	d := NewDriver(gw, &fakeRoutes{}, store, &fakeBinding{positionID: 11, positionInReceipt: true}, testLogger())
	d.SetSettlementPoll(SettlementPoll{Interval: time.Millisecond, Timeout: time.Second})

	var checks int
	req := enterRequest()
	req.SettlementDone = func(context.Context) (bool, error) {
		checks++
		return checks > 1, nil
	}

	st, err := d.Enter(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, st)

	assert.Equal(t, StageSuccess, st.Stage)
	assert.Equal(t, 2, checks)
	assert.Nil(t, store.get(StorageKey(KindEnter, 8453, testWallet)))
}

func TestExitResumesFromChainProbe(t *testing.T) {
	gw := &fakeGateway{
		onSimulate: func(call gateway.Call) ([]byte, error) {
			if string(call.Data) == "settle-exit:" {
				return nil, gateway.Simulation(missingRouteDataSelector, "missing route data", nil)
			}
			return nil, nil
		},
	}
	binding := &fakeBinding{unfinished: true, unfinishedID: 17}
	routes := &fakeRoutes{}
	store := newMemStore()
	d := NewDriver(gw, routes, store, binding, testLogger())

	st, err := d.Exit(context.Background(), &ExitRequest{
		Vault:           testVault,
		CollateralAsset: testUSDC,
		BorrowedAsset:   testWETH,
		Amount:          big.NewInt(500),
		SlippageBps:     50,
	})
	require.NoError(t, err)
	require.NotNil(t, st)

	assert.Equal(t, StageSuccess, st.Stage)
	assert.Equal(t, uint64(17), st.PositionID)
	// The chain already holds the staged exit; only the settlement runs.
	assert.Equal(t, 0, binding.stageExitCalls)
	assert.Equal(t, 1, gw.sendCount())
	assert.Equal(t, 1, routes.calls)
	assert.Nil(t, store.get(StorageKey(KindExit, 8453, testWallet)))
}

func TestExitFreshRequiresPositionID(t *testing.T) {
	d := NewDriver(&fakeGateway{}, &fakeRoutes{}, newMemStore(), &fakeBinding{}, testLogger())

	_, err := d.Exit(context.Background(), &ExitRequest{
		Vault:  testVault,
		Amount: big.NewInt(100),
	})
	require.Error(t, err)
	assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))
}

func TestExitFullFlow(t *testing.T) {
	gw := &fakeGateway{}
	binding := &fakeBinding{}
	store := newMemStore()
	d := NewDriver(gw, &fakeRoutes{}, store, binding, testLogger())

	st, err := d.Exit(context.Background(), &ExitRequest{
		Vault:           testVault,
		CollateralAsset: testUSDC,
		BorrowedAsset:   testWETH,
		PositionID:      21,
		Amount:          big.NewInt(500),
	})
	require.NoError(t, err)
	require.NotNil(t, st)

	assert.Equal(t, StageSuccess, st.Stage)
	assert.Equal(t, 1, binding.stageExitCalls)
	assert.Equal(t, 1, binding.settleExitCalls)
	assert.Equal(t, 2, gw.sendCount())
}

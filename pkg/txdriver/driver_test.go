package txdriver

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"levfi/pkg/gateway"
)

type fakeGateway struct {
	mu    sync.Mutex
	sends []gateway.Call

	onSimulate func(call gateway.Call) ([]byte, error)
	onSend     func(n int, call gateway.Call) (common.Hash, error)
	onWait     func(hash common.Hash, onReplaced func(common.Hash)) (*types.Receipt, error)
	onWaitCtx  func(ctx context.Context, hash common.Hash, onReplaced func(common.Hash)) (*types.Receipt, error)
}

func (g *fakeGateway) From() common.Address {
	return common.HexToAddress("0x1111111111111111111111111111111111111111")
}

func (g *fakeGateway) ChainID() *big.Int { return big.NewInt(8453) }

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

func (g *fakeGateway) WaitForReceipt(ctx context.Context, hash common.Hash, onReplaced func(common.Hash)) (*types.Receipt, error) {
	if g.onWaitCtx != nil {
		return g.onWaitCtx(ctx, hash, onReplaced)
	}
	if g.onWait != nil {
		return g.onWait(hash, onReplaced)
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

type recordingInvalidator struct {
	mu     sync.Mutex
	scopes []string
}

func (r *recordingInvalidator) Invalidate(scopes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = append(r.scopes, scopes...)
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testCall() gateway.Call {
	return gateway.Call{
		To:   common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Data: []byte{0x01},
	}
}

func TestSubmitHappyPath(t *testing.T) {
	gw := &fakeGateway{}
	inv := &recordingInvalidator{}
	d := NewDriver(gw, inv, testLogger())

	var phases []Phase
	d.Table().Subscribe(func(key string, rec Record) {
		if key == "borrow" {
			phases = append(phases, rec.Phase)
		}
	})

	var completions []error
	res, err := d.Submit(context.Background(), Request{
		Key:              "borrow",
		Call:             testCall(),
		InvalidateScopes: []string{"balances", "positions"},
		OnComplete:       func(err error) { completions = append(completions, err) },
	})
	require.NoError(t, err)

	assert.True(t, res.Submitted)
	assert.NotEqual(t, common.Hash{}, res.Hash)
	require.NotNil(t, res.Receipt)

	assert.Equal(t, []Phase{PhaseChecking, PhaseAwaitingSignature, PhasePending, PhaseSuccess}, phases)
	assert.Equal(t, []string{"balances", "positions"}, inv.scopes)
	require.Len(t, completions, 1)
	assert.NoError(t, completions[0])
}

func TestSubmitBusyKeyIsDropped(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	gw := &fakeGateway{
		onWait: func(hash common.Hash, _ func(common.Hash)) (*types.Receipt, error) {
			once.Do(func() { close(entered) })
			<-release
			return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
		},
	}
	d := NewDriver(gw, nil, testLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = d.Submit(context.Background(), Request{Key: "borrow", Call: testCall()})
	}()

	<-entered
	res, err := d.Submit(context.Background(), Request{Key: "borrow", Call: testCall()})
	require.NoError(t, err)
	assert.False(t, res.Submitted)
	assert.Equal(t, 1, gw.sendCount())

	close(release)
	wg.Wait()
}

func TestSubmitDuplicateIdempotencyKeyIsDropped(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	gw := &fakeGateway{
		onWait: func(hash common.Hash, _ func(common.Hash)) (*types.Receipt, error) {
			once.Do(func() { close(entered) })
			<-release
			return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
		},
	}
	d := NewDriver(gw, nil, testLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = d.Submit(context.Background(), Request{Key: "a", IdempotencyKey: "same", Call: testCall()})
	}()

	// Same action under a different table key must still be suppressed.
	<-entered
	res, err := d.Submit(context.Background(), Request{Key: "b", IdempotencyKey: "same", Call: testCall()})
	require.NoError(t, err)
	assert.False(t, res.Submitted)
	assert.Equal(t, 1, gw.sendCount())

	close(release)
	wg.Wait()
}

func TestSubmitRejectionReturnsToIdle(t *testing.T) {
	gw := &fakeGateway{
		onSend: func(int, gateway.Call) (common.Hash, error) {
			return common.Hash{}, gateway.Rejected()
		},
	}
	d := NewDriver(gw, nil, testLogger())

	var completions []error
	res, err := d.Submit(context.Background(), Request{
		Key:        "borrow",
		Call:       testCall(),
		OnComplete: func(err error) { completions = append(completions, err) },
	})
	require.NoError(t, err)

	assert.False(t, res.Submitted)
	assert.True(t, res.Rejected)
	assert.Equal(t, PhaseIdle, d.Table().Get("borrow").Phase)
	require.Len(t, completions, 1)
	assert.NoError(t, completions[0])
}

func TestSubmitValidationFailure(t *testing.T) {
	gw := &fakeGateway{}
	d := NewDriver(gw, nil, testLogger())

	res, err := d.Submit(context.Background(), Request{
		Key:      "borrow",
		Call:     testCall(),
		Validate: func() error { return fmt.Errorf("amount exceeds balance") },
	})
	require.Error(t, err)

	assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))
	assert.False(t, res.Submitted)
	assert.Equal(t, 0, gw.sendCount())

	rec := d.Table().Get("borrow")
	assert.Equal(t, PhaseError, rec.Phase)
	assert.Equal(t, "amount exceeds balance", rec.ErrorMessage)
}

func TestSubmitSimulationFailure(t *testing.T) {
	gw := &fakeGateway{
		onSimulate: func(gateway.Call) ([]byte, error) {
			return nil, gateway.Simulation("0xdeadbeef", "would revert", nil)
		},
	}
	d := NewDriver(gw, nil, testLogger())

	_, err := d.Submit(context.Background(), Request{Key: "borrow", Call: testCall()})
	require.Error(t, err)

	assert.Equal(t, gateway.KindSimulation, gateway.KindOf(err))
	assert.Equal(t, "0xdeadbeef", gateway.CodeOf(err))
	assert.Equal(t, 0, gw.sendCount())
	assert.Equal(t, PhaseError, d.Table().Get("borrow").Phase)
}

func TestSubmitRevertedReceipt(t *testing.T) {
	gw := &fakeGateway{
		onWait: func(hash common.Hash, _ func(common.Hash)) (*types.Receipt, error) {
			return &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: hash}, nil
		},
	}
	inv := &recordingInvalidator{}
	d := NewDriver(gw, inv, testLogger())

	res, err := d.Submit(context.Background(), Request{
		Key:              "borrow",
		Call:             testCall(),
		InvalidateScopes: []string{"balances"},
	})
	require.Error(t, err)

	assert.Equal(t, gateway.KindReverted, gateway.KindOf(err))
	assert.True(t, res.Submitted)
	assert.Equal(t, PhaseError, d.Table().Get("borrow").Phase)
	// A failed write must not flush the read caches.
	assert.Empty(t, inv.scopes)
}

func TestSubmitReplacementUpdatesHash(t *testing.T) {
	replacement := common.HexToHash("0xcccc")
	gw := &fakeGateway{
		onWait: func(hash common.Hash, onReplaced func(common.Hash)) (*types.Receipt, error) {
			onReplaced(replacement)
			return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: replacement}, nil
		},
	}
	d := NewDriver(gw, nil, testLogger())

	var phases []Phase
	d.Table().Subscribe(func(_ string, rec Record) { phases = append(phases, rec.Phase) })

	res, err := d.Submit(context.Background(), Request{Key: "borrow", Call: testCall()})
	require.NoError(t, err)

	assert.Equal(t, replacement, res.Hash)
	assert.Contains(t, phases, PhaseReplaced)
	assert.Equal(t, replacement, d.Table().Get("borrow").Hash)
	assert.Equal(t, PhaseSuccess, d.Table().Get("borrow").Phase)
}

func TestResetRefusesBusyRecord(t *testing.T) {
	d := NewDriver(&fakeGateway{}, nil, testLogger())
	d.table.set("borrow", Record{Phase: PhasePending, Hash: common.HexToHash("0x01")})

	require.Error(t, d.Reset("borrow"))

	d.table.set("borrow", Record{Phase: PhaseError, ErrorMessage: "boom"})
	require.NoError(t, d.Reset("borrow"))
	assert.Equal(t, PhaseIdle, d.Table().Get("borrow").Phase)
}

func TestSubmitBatchRunsAllRequests(t *testing.T) {
	gw := &fakeGateway{}
	d := NewDriver(gw, nil, testLogger())

	reqs := make([]Request, 4)
	for i := range reqs {
		reqs[i] = Request{Key: fmt.Sprintf("vault-%d", i), Call: testCall()}
	}

	results, err := d.SubmitBatch(context.Background(), reqs, 2)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, res := range results {
		assert.True(t, res.Submitted)
	}
	assert.Equal(t, 4, gw.sendCount())
}

func TestSubmitBatchFailureDoesNotCancelSiblingWait(t *testing.T) {
	siblingFailed := make(chan struct{})
	gw := &fakeGateway{
		onWaitCtx: func(ctx context.Context, hash common.Hash, _ func(common.Hash)) (*types.Receipt, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-siblingFailed:
				return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
			}
		},
	}
	d := NewDriver(gw, nil, testLogger())

	reqs := []Request{
		{
			Key:        "vault-a",
			Call:       testCall(),
			Validate:   func() error { return fmt.Errorf("amount exceeds balance") },
			OnComplete: func(error) { close(siblingFailed) },
		},
		{Key: "vault-b", Call: testCall()},
	}

	results, err := d.SubmitBatch(context.Background(), reqs, 2)
	require.Error(t, err)
	assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))

	// The sibling was already broadcast; its wait must run to completion.
	require.Len(t, results, 2)
	require.NotNil(t, results[1])
	assert.True(t, results[1].Submitted)
	require.NotNil(t, results[1].Receipt)
	assert.Equal(t, PhaseSuccess, d.Table().Get("vault-b").Phase)
	assert.Equal(t, PhaseError, d.Table().Get("vault-a").Phase)
}

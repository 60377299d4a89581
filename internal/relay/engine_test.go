package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LollipopBuilders/sol-bridge-relayer/internal/chain"
	"github.com/LollipopBuilders/sol-bridge-relayer/internal/message"
	"github.com/LollipopBuilders/sol-bridge-relayer/internal/nonce"
	"github.com/LollipopBuilders/sol-bridge-relayer/internal/txbuilder"
)

var (
	testL1Program = solana.MustPublicKeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")
	testL2Program = solana.MustPublicKeyFromBase58("Vote111111111111111111111111111111111111111")
)

// mockChain is an in-memory chain.Client for both sides of the bridge.
type mockChain struct {
	mu            sync.Mutex
	accounts      []chain.ProgramAccount
	sendErr       error
	sendCount     int
	lastTx        *solana.Transaction
	statuses      map[solana.Signature]chain.SignatureStatus
	defaultStatus chain.SignatureStatus
	nextSig       byte
}

var _ chain.Client = (*mockChain)(nil)

func (m *mockChain) GetAccount(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	return nil, chain.ErrAccountNotFound
}

func (m *mockChain) GetProgramAccounts(ctx context.Context, program solana.PublicKey, filter chain.Filter) ([]chain.ProgramAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chain.ProgramAccount(nil), m.accounts...), nil
}

func (m *mockChain) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCount++
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	m.lastTx = tx
	m.nextSig++
	var sig solana.Signature
	sig[0] = m.nextSig
	return sig, nil
}

func (m *mockChain) GetSignatureStatus(ctx context.Context, sig solana.Signature) (chain.SignatureStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.statuses[sig]; ok {
		return status, nil
	}
	return m.defaultStatus, nil
}

func (m *mockChain) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return solana.Hash{1}, nil
}

func (m *mockChain) Health(ctx context.Context) error { return nil }

func (m *mockChain) sends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendCount
}

func (m *mockChain) setSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func testKey(b byte) solana.PublicKey {
	var pk solana.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func encodeRecord(t *testing.T, info *message.Info) []byte {
	t.Helper()
	raw, err := message.Encode(info)
	require.NoError(t, err)
	return raw
}

type testHarness struct {
	engine  *Engine
	tracker *nonce.Tracker
	l1      *mockChain
	l2      *mockChain
}

func newHarness(t *testing.T, maxAttempts uint, cfg Config) *testHarness {
	t.Helper()

	store, err := nonce.OpenInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return newHarnessWithStore(t, store, maxAttempts, cfg)
}

func newHarnessWithStore(t *testing.T, store *nonce.Store, maxAttempts uint, cfg Config) *testHarness {
	t.Helper()

	logger := zap.NewNop()
	tracker := nonce.NewTracker(logger, store, maxAttempts)
	l1 := &mockChain{defaultStatus: chain.StatusConfirmed}
	l2 := &mockChain{defaultStatus: chain.StatusConfirmed}

	cfg.L1ProgramID = testL1Program
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 200 * time.Millisecond
	}
	if cfg.ConfirmPollInterval == 0 {
		cfg.ConfirmPollInterval = time.Millisecond
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = Backoff{Initial: time.Nanosecond, Max: time.Nanosecond, Factor: 1}
	}

	wallet := solana.NewWallet()
	builder := txbuilder.NewBuilder(logger, testL2Program)
	submitter := NewSubmitter(logger, l2, wallet.PrivateKey)
	engine := NewEngine(logger, l1, l2, tracker, builder, submitter, cfg)
	t.Cleanup(engine.Close)

	return &testHarness{engine: engine, tracker: tracker, l1: l1, l2: l2}
}

func TestPollOnceDeliversNativeMessage(t *testing.T) {
	h := newHarness(t, 5, Config{})
	source := testKey(0x10)
	sender := testKey(0xAA)
	recipient := testKey(0xBB)

	raw := encodeRecord(t, &message.Info{
		Type:      message.Native,
		Nonce:     7,
		Sender:    sender,
		Recipient: recipient,
		Amount:    1000,
	})
	h.l1.accounts = []chain.ProgramAccount{{Address: source, Data: raw}}

	require.NoError(t, h.engine.PollOnce(context.Background()))
	require.Equal(t, 1, h.l2.sends())

	res, err := h.tracker.Check(source, 7)
	require.NoError(t, err)
	require.Equal(t, nonce.Confirmed, res)

	rec, err := h.tracker.Get(source, 7)
	require.NoError(t, err)
	require.NotEmpty(t, rec.L2Signature)

	// Inspect the submitted transaction's instruction.
	tx := h.l2.lastTx
	require.NotNil(t, tx)
	require.Len(t, tx.Message.Instructions, 1)

	ix := tx.Message.Instructions[0]
	require.Equal(t, testL2Program, tx.Message.AccountKeys[ix.ProgramIDIndex])

	data := []byte(ix.Data)
	require.Equal(t, txbuilder.DiscriminatorRelayNative[:], data[:8])
	require.Equal(t, []byte{0xE8, 0x03, 0, 0, 0, 0, 0, 0}, data[8:16]) // 1000 LE

	// Account order is the versioned contract: sender, recipient, system.
	var resolved []solana.PublicKey
	for _, idx := range ix.Accounts {
		resolved = append(resolved, tx.Message.AccountKeys[idx])
	}
	require.Equal(t, []solana.PublicKey{sender, recipient, solana.SystemProgramID}, resolved)
}

func TestDuplicateReadSubmitsOnce(t *testing.T) {
	h := newHarness(t, 5, Config{Workers: 4})
	source := testKey(0x11)

	raw := encodeRecord(t, &message.Info{
		Type:      message.Native,
		Nonce:     3,
		Sender:    testKey(1),
		Recipient: testKey(2),
		Amount:    50,
	})
	// The same PDA observed twice in one cycle.
	h.l1.accounts = []chain.ProgramAccount{
		{Address: source, Data: raw},
		{Address: source, Data: raw},
	}

	require.NoError(t, h.engine.PollOnce(context.Background()))
	require.Equal(t, 1, h.l2.sends())
}

func TestConfirmedNonceSkippedNextCycle(t *testing.T) {
	h := newHarness(t, 5, Config{})
	source := testKey(0x12)

	raw := encodeRecord(t, &message.Info{
		Type:      message.Native,
		Nonce:     7,
		Sender:    testKey(1),
		Recipient: testKey(2),
		Amount:    10,
	})
	h.l1.accounts = []chain.ProgramAccount{{Address: source, Data: raw}}

	require.NoError(t, h.engine.PollOnce(context.Background()))
	require.Equal(t, 1, h.l2.sends())

	// Same nonce observed again: check short-circuits, zero new sends.
	require.NoError(t, h.engine.PollOnce(context.Background()))
	require.Equal(t, 1, h.l2.sends())
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, 5, Config{Backoff: Backoff{Initial: 50 * time.Millisecond, Max: time.Second, Factor: 2}})
	source := testKey(0x13)

	raw := encodeRecord(t, &message.Info{
		Type:      message.Native,
		Nonce:     12,
		Sender:    testKey(1),
		Recipient: testKey(2),
		Amount:    10,
	})
	h.l1.accounts = []chain.ProgramAccount{{Address: source, Data: raw}}
	h.l2.setSendErr(errors.New("rpc call failed: timeout awaiting response"))

	require.NoError(t, h.engine.PollOnce(context.Background()))
	require.Equal(t, 1, h.l2.sends())

	rec, err := h.tracker.Get(source, 12)
	require.NoError(t, err)
	require.Equal(t, nonce.StatePending, rec.State)
	require.Equal(t, uint(1), rec.Attempts)

	// Still inside the backoff window: no new attempt.
	require.NoError(t, h.engine.PollOnce(context.Background()))
	require.Equal(t, 1, h.l2.sends())

	// Past the window with a healthy RPC the retry confirms.
	h.l2.setSendErr(nil)
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, h.engine.PollOnce(context.Background()))
	require.Equal(t, 2, h.l2.sends())

	res, err := h.tracker.Check(source, 12)
	require.NoError(t, err)
	require.Equal(t, nonce.Confirmed, res)
}

func TestRetryCeilingFailsPermanently(t *testing.T) {
	const ceiling = 2
	h := newHarness(t, ceiling, Config{})
	source := testKey(0x14)

	raw := encodeRecord(t, &message.Info{
		Type:      message.Native,
		Nonce:     5,
		Sender:    testKey(1),
		Recipient: testKey(2),
		Amount:    10,
	})
	h.l1.accounts = []chain.ProgramAccount{{Address: source, Data: raw}}
	h.l2.setSendErr(errors.New("connection refused"))

	for i := 0; i < ceiling; i++ {
		require.NoError(t, h.engine.PollOnce(context.Background()))
	}
	require.Equal(t, ceiling, h.l2.sends())

	rec, err := h.tracker.Get(source, 5)
	require.NoError(t, err)
	require.Equal(t, nonce.StateFailed, rec.State)
	require.Equal(t, uint(ceiling), rec.Attempts)

	// Failed is terminal: further cycles never submit again.
	require.NoError(t, h.engine.PollOnce(context.Background()))
	require.Equal(t, ceiling, h.l2.sends())
}

func TestStructuralSubmissionRejectionFailsImmediately(t *testing.T) {
	h := newHarness(t, 5, Config{})
	source := testKey(0x15)

	raw := encodeRecord(t, &message.Info{
		Type:      message.Native,
		Nonce:     8,
		Sender:    testKey(1),
		Recipient: testKey(2),
		Amount:    10,
	})
	h.l1.accounts = []chain.ProgramAccount{{Address: source, Data: raw}}
	h.l2.setSendErr(errors.New("custom program error: 0x1771"))

	require.NoError(t, h.engine.PollOnce(context.Background()))
	require.Equal(t, 1, h.l2.sends())

	rec, err := h.tracker.Get(source, 8)
	require.NoError(t, err)
	require.Equal(t, nonce.StateFailed, rec.State)
}

func TestBuildErrorFailsWithoutSubmission(t *testing.T) {
	h := newHarness(t, 5, Config{})
	source := testKey(0x16)

	// Decodes fine but cannot build: native transfer of zero lamports.
	raw := encodeRecord(t, &message.Info{
		Type:      message.Native,
		Nonce:     4,
		Sender:    testKey(1),
		Recipient: testKey(2),
		Amount:    0,
	})
	h.l1.accounts = []chain.ProgramAccount{{Address: source, Data: raw}}

	require.NoError(t, h.engine.PollOnce(context.Background()))
	require.Equal(t, 0, h.l2.sends())

	rec, err := h.tracker.Get(source, 4)
	require.NoError(t, err)
	require.Equal(t, nonce.StateFailed, rec.State)
}

func TestUndecodableAccountIsIsolated(t *testing.T) {
	h := newHarness(t, 5, Config{})
	badSource := testKey(0x17)
	goodSource := testKey(0x18)

	good := encodeRecord(t, &message.Info{
		Type:      message.Native,
		Nonce:     1,
		Sender:    testKey(1),
		Recipient: testKey(2),
		Amount:    10,
	})
	h.l1.accounts = []chain.ProgramAccount{
		{Address: badSource, Data: []byte{1, 2, 3}},
		{Address: goodSource, Data: good},
	}

	// The malformed record is skipped; the healthy one still relays.
	require.NoError(t, h.engine.PollOnce(context.Background()))
	require.Equal(t, 1, h.l2.sends())

	res, err := h.tracker.Check(badSource, 1)
	require.NoError(t, err)
	require.Equal(t, nonce.NotSeen, res)
}

func TestAmbiguousConfirmationLeavesSubmitted(t *testing.T) {
	h := newHarness(t, 5, Config{ConfirmTimeout: 20 * time.Millisecond})
	h.l2.defaultStatus = chain.StatusUnknown
	source := testKey(0x19)

	raw := encodeRecord(t, &message.Info{
		Type:      message.Native,
		Nonce:     6,
		Sender:    testKey(1),
		Recipient: testKey(2),
		Amount:    10,
	})
	h.l1.accounts = []chain.ProgramAccount{{Address: source, Data: raw}}

	require.NoError(t, h.engine.PollOnce(context.Background()))
	require.Equal(t, 1, h.l2.sends())

	// Timed-out confirmation is ambiguous, not failed.
	rec, err := h.tracker.Get(source, 6)
	require.NoError(t, err)
	require.Equal(t, nonce.StateSubmitted, rec.State)
}

func TestReconcileConfirmsAcrossRestart(t *testing.T) {
	store, err := nonce.OpenInMemoryStore()
	require.NoError(t, err)
	defer store.Close()

	source := testKey(0x20)
	var sig solana.Signature
	sig[0] = 0x42

	// First process submitted and crashed before seeing the confirmation.
	before := nonce.NewTracker(zap.NewNop(), store, 5)
	_, err = before.Ensure(source, 7)
	require.NoError(t, err)
	require.NoError(t, before.RecordSubmission(source, 7, sig.String()))

	// Restarted process reconciles against L2 instead of resubmitting.
	h := newHarnessWithStore(t, store, 5, Config{})
	h.l2.statuses = map[solana.Signature]chain.SignatureStatus{sig: chain.StatusConfirmed}

	require.NoError(t, h.engine.Reconcile(context.Background()))

	res, err := h.tracker.Check(source, 7)
	require.NoError(t, err)
	require.Equal(t, nonce.Confirmed, res)

	// The message record still exists on L1; polling must not resubmit.
	raw := encodeRecord(t, &message.Info{
		Type:      message.Native,
		Nonce:     7,
		Sender:    testKey(1),
		Recipient: testKey(2),
		Amount:    10,
	})
	h.l1.accounts = []chain.ProgramAccount{{Address: source, Data: raw}}
	require.NoError(t, h.engine.PollOnce(context.Background()))
	require.Equal(t, 0, h.l2.sends())
}

func TestReconcileDemotesStaleUnknownSubmission(t *testing.T) {
	store, err := nonce.OpenInMemoryStore()
	require.NoError(t, err)
	defer store.Close()

	source := testKey(0x21)
	var sig solana.Signature
	sig[0] = 0x43

	before := nonce.NewTracker(zap.NewNop(), store, 5)
	_, err = before.Ensure(source, 9)
	require.NoError(t, err)
	require.NoError(t, before.RecordSubmission(source, 9, sig.String()))

	h := newHarnessWithStore(t, store, 5, Config{ReconcileAfter: time.Nanosecond})
	h.l2.defaultStatus = chain.StatusUnknown

	time.Sleep(time.Millisecond)
	require.NoError(t, h.engine.Reconcile(context.Background()))

	// Unknown past the reconcile window goes back to pending for a
	// counted retry, never a blind resubmission.
	rec, err := h.tracker.Get(source, 9)
	require.NoError(t, err)
	require.Equal(t, nonce.StatePending, rec.State)
	require.Equal(t, uint(1), rec.Attempts)
}

func TestRunStopsOnShutdownSignal(t *testing.T) {
	h := newHarness(t, 5, Config{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not shut down")
	}
}

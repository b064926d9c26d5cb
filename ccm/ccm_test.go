// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ccm_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/connmgr/ccm"
	"github.com/bufbuild/connmgr/connerr"
	"github.com/bufbuild/connmgr/credential"
	"github.com/bufbuild/connmgr/internal/clocktest"
	"github.com/bufbuild/connmgr/internal/pooltesting"
	"github.com/bufbuild/connmgr/internal/txtesting"
	"github.com/bufbuild/connmgr/pool"
	"github.com/bufbuild/connmgr/tx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pl := pooltesting.NewFakePool(nil)
	cmNoTx := newFakeManager(tx.SupportNone, pl)
	cmXA := newFakeManager(tx.SupportXA, pl)
	mgr := ccm.New(ccm.WithDebug(true), ccm.WithError(true))

	ctx1 := mgr.PushContext(ctx, "ctx1")
	l1, h1 := obtain(t, pl, nil)
	mgr.RegisterConnection(ctx1, cmNoTx, l1, h1)
	require.NoError(t, mgr.UnregisterConnection(ctx1, cmNoTx, l1, h1))
	require.NoError(t, mgr.PopContext(ctx1))
	assert.Zero(t, h1.CloseCount())

	ctx2 := mgr.PushContext(ctx, "ctx2")
	l2, h2 := obtain(t, pl, nil)
	mgr.RegisterConnection(ctx2, cmXA, l2, h2)
	err := mgr.PopContext(ctx2)
	var leakErr *connerr.LeakDetectedError
	require.ErrorAs(t, err, &leakErr)
	assert.Equal(t, "ctx2", leakErr.Context)
	assert.Equal(t, 1, leakErr.Count)
	assert.Equal(t, 1, h2.CloseCount())
	assert.Zero(t, mgr.NumberOfConnections())
}

func TestPopClosesLeakedConnections(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name        string
		debug, err  bool
		expectError bool
		expectWarn  bool
	}{
		{name: "silent"},
		{name: "debug", debug: true, expectWarn: true},
		{name: "error_without_debug", err: true},
		{name: "debug_and_error", debug: true, err: true, expectError: true, expectWarn: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			core, logs := observer.New(zap.DebugLevel)
			pl := pooltesting.NewFakePool(nil)
			cm := newFakeManager(tx.SupportLocal, pl)
			mgr := ccm.New(
				ccm.WithLogger(zap.New(core)),
				ccm.WithDebug(testCase.debug),
				ccm.WithError(testCase.err),
			)

			ctx := mgr.PushContext(context.Background(), testCase.name)
			var handles []*pooltesting.FakeHandle
			for i := 0; i < 3; i++ {
				cl, handle := obtain(t, pl, nil)
				mgr.RegisterConnection(ctx, cm, cl, handle)
				handles = append(handles, handle)
			}
			// Closed by the application.
			require.NoError(t, mgr.UnregisterConnection(ctx, cm, nthListener(t, ctx, cm, 0), handles[0]))

			// Every handle is closed before the error is observed.
			var closedBeforeReturn []int
			for _, handle := range handles {
				handle.OnClose = func(h *pooltesting.FakeHandle) {
					closedBeforeReturn = append(closedBeforeReturn, h.ID)
				}
			}
			err := mgr.PopContext(ctx)
			assert.Equal(t, []int{handles[1].ID, handles[2].ID}, closedBeforeReturn)
			if testCase.expectError {
				var leakErr *connerr.LeakDetectedError
				require.ErrorAs(t, err, &leakErr)
				assert.Equal(t, 2, leakErr.Count)
			} else {
				require.NoError(t, err)
			}
			assert.Zero(t, handles[0].CloseCount())
			assert.Equal(t, 1, handles[1].CloseCount())
			assert.Equal(t, 1, handles[2].CloseCount())

			warnings := logs.FilterLevelExact(zap.WarnLevel).All()
			if testCase.expectWarn {
				require.Len(t, warnings, 2)
				assert.Contains(t, warnings[0].ContextMap()["allocation"], "TestPopClosesLeakedConnections")
			} else {
				assert.Empty(t, warnings)
			}

			// Popping again is a no-op.
			require.NoError(t, mgr.PopContext(ctx))
			assert.Equal(t, 1, handles[1].CloseCount())
		})
	}
}

func TestNestedContexts(t *testing.T) {
	t.Parallel()
	pl := pooltesting.NewFakePool(nil)
	cm := newFakeManager(tx.SupportNone, pl)
	mgr := ccm.New()
	base := context.Background()

	outer := mgr.PushContext(base, "outer")
	l1, h1 := obtain(t, pl, nil)
	mgr.RegisterConnection(outer, cm, l1, h1)

	inner := mgr.PushContext(outer, "inner")
	assert.Equal(t, []any{"inner", "outer"}, ccm.Keys(inner))
	l2, h2 := obtain(t, pl, nil)
	mgr.RegisterConnection(inner, cm, l2, h2)
	assert.Equal(t, []pool.Handle{h2}, ccm.CurrentContext(inner).Handles(cm, l2))
	assert.Empty(t, ccm.CurrentContext(inner).Handles(cm, l1))

	require.NoError(t, mgr.PopContext(inner))
	assert.Equal(t, 1, h2.CloseCount())
	assert.Zero(t, h1.CloseCount())
	// A popped unit of work falls back to its parent.
	assert.Equal(t, "outer", ccm.CurrentContext(inner).Key())
	require.NoError(t, mgr.UnregisterConnection(inner, cm, l1, h1))

	require.NoError(t, mgr.PopContext(outer))
	assert.Zero(t, h1.CloseCount())
	assert.Nil(t, ccm.CurrentContext(outer))
	assert.Empty(t, ccm.Keys(outer))

	// Outside of any unit of work nothing is tracked.
	l3, h3 := obtain(t, pl, nil)
	mgr.RegisterConnection(base, cm, l3, h3)
	require.NoError(t, mgr.UnregisterConnection(base, cm, l3, h3))
	require.NoError(t, mgr.PopContext(base))
}

func TestNoCrossTaskLeakage(t *testing.T) {
	t.Parallel()
	pl := pooltesting.NewFakePool(nil)
	cm := newFakeManager(tx.SupportLocal, pl)
	mgr := ccm.New(ccm.WithDebug(true))
	base := context.Background()

	const tasks = 8
	const perTask = 20
	var wg sync.WaitGroup
	handles := make([][]*pooltesting.FakeHandle, tasks)
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := mgr.PushContext(base, fmt.Sprintf("task-%d", i))
			for j := 0; j < perTask; j++ {
				cl, handle := obtain(t, pl, nil)
				mgr.RegisterConnection(ctx, cm, cl, handle)
				handles[i] = append(handles[i], handle)
				if j%2 == 0 {
					assert.NoError(t, mgr.UnregisterConnection(ctx, cm, cl, handle))
				}
			}
			current := ccm.CurrentContext(ctx)
			assert.Equal(t, fmt.Sprintf("task-%d", i), current.Key())
			assert.Len(t, current.Listeners(cm), perTask/2)
			assert.NoError(t, mgr.PopContext(ctx))
		}()
	}
	wg.Wait()

	assert.Nil(t, ccm.CurrentContext(base))
	for i := range handles {
		for j, handle := range handles[i] {
			if j%2 == 0 {
				assert.Zero(t, handle.CloseCount())
			} else {
				assert.Equal(t, 1, handle.CloseCount())
			}
		}
	}
	assert.Zero(t, mgr.NumberOfConnections())
}

func TestUnregisterUnknownConnection(t *testing.T) {
	t.Parallel()
	pl := pooltesting.NewFakePool(nil)
	cm := newFakeManager(tx.SupportNone, pl)
	mgr := ccm.New()
	ctx := mgr.PushContext(context.Background(), "unknown")
	cl, handle := obtain(t, pl, nil)

	err := mgr.UnregisterConnection(ctx, cm, cl, handle)
	var unknownErr *connerr.UnknownConnectionError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, handle, unknownErr.Handle)

	mgr.SetIgnoreUnknownConnections(true)
	require.NoError(t, mgr.UnregisterConnection(ctx, cm, cl, handle))

	// Unregistering twice is also unknown.
	mgr.SetIgnoreUnknownConnections(false)
	mgr.RegisterConnection(ctx, cm, cl, handle)
	require.NoError(t, mgr.UnregisterConnection(ctx, cm, cl, handle))
	require.ErrorAs(t, mgr.UnregisterConnection(ctx, cm, cl, handle), &unknownErr)
	require.NoError(t, mgr.PopContext(ctx))
}

func TestUserTransactionStartedMerges(t *testing.T) {
	t.Parallel()
	pl := pooltesting.NewFakePool(nil)
	cmXA := newFakeManager(tx.SupportXA, pl)
	cmNoTx := newFakeManager(tx.SupportNone, pl)
	mgr := ccm.New()
	ctx := mgr.PushContext(context.Background(), "merge")

	var alice []*pooltesting.FakeListener
	var aliceHandles []*pooltesting.FakeHandle
	for i := 0; i < 3; i++ {
		// Distinct but equal credentials.
		cl, handle := obtain(t, pl, credential.New("alice", map[string]string{"db": "orders"}))
		mgr.RegisterConnection(ctx, cmXA, cl, handle)
		alice = append(alice, cl)
		aliceHandles = append(aliceHandles, handle)
	}
	// A second handle from the first listener.
	extra, err := alice[0].Connection(context.Background())
	require.NoError(t, err)
	mgr.RegisterConnection(ctx, cmXA, alice[0], extra)
	aliceHandles = append(aliceHandles, extra.(*pooltesting.FakeHandle)) //nolint:forcetypeassert

	bob, bobHandle := obtain(t, pl, credential.New("bob", map[string]string{"db": "orders"}))
	mgr.RegisterConnection(ctx, cmXA, bob, bobHandle)
	noTx1, _ := obtain(t, pl, nil)
	noTx2, _ := obtain(t, pl, nil)
	mgr.RegisterConnection(ctx, cmNoTx, noTx1, &pooltesting.FakeHandle{ID: -1})
	mgr.RegisterConnection(ctx, cmNoTx, noTx2, &pooltesting.FakeHandle{ID: -2})

	require.NoError(t, mgr.UserTransactionStarted(ctx))

	current := ccm.CurrentContext(ctx)
	survivor := alice[0]
	assert.Equal(t, []pool.ConnectionListener{survivor, bob}, current.Listeners(cmXA))
	assert.ElementsMatch(t, toHandles(aliceHandles), current.Handles(cmXA, survivor))
	assert.ElementsMatch(t, toHandles(aliceHandles), survivor.Connections())
	for _, handle := range aliceHandles {
		assert.Same(t, survivor.FakeManagedConnection(), handle.ManagedConnection())
	}
	for _, donor := range alice[1:] {
		assert.Empty(t, donor.Connections())
	}
	assert.Equal(t, []pooltesting.Returned{
		{Listener: alice[1]},
		{Listener: alice[2]},
	}, pl.Returned())
	assert.Equal(t, []pool.ConnectionListener{survivor, bob}, cmXA.startedListeners())
	assert.True(t, survivor.Enlisted())

	// Managers without transaction support are left alone.
	assert.Len(t, current.Listeners(cmNoTx), 2)
	assert.Empty(t, cmNoTx.startedListeners())
}

func TestUserTransactionStartedMovesOuterHandles(t *testing.T) {
	t.Parallel()
	pl := pooltesting.NewFakePool(nil)
	cm := newFakeManager(tx.SupportXA, pl)
	mgr := ccm.New()
	cred := credential.New("alice", "orders")

	outer := mgr.PushContext(context.Background(), "outer")
	donor, h0 := obtain(t, pl, cred)
	mgr.RegisterConnection(outer, cm, donor, h0)
	// Never registered with any unit of work.
	untracked, err := donor.Connection(context.Background())
	require.NoError(t, err)

	inner := mgr.PushContext(outer, "inner")
	survivor, h1 := obtain(t, pl, cred)
	mgr.RegisterConnection(inner, cm, survivor, h1)
	h2, err := donor.Connection(context.Background())
	require.NoError(t, err)
	mgr.RegisterConnection(inner, cm, donor, h2)

	require.NoError(t, mgr.UserTransactionStarted(inner))

	assert.Empty(t, donor.Connections())
	assert.ElementsMatch(t, []pool.Handle{h0, untracked, h1, h2}, survivor.Connections())
	for _, handle := range []pool.Handle{h0, untracked, h1, h2} {
		assert.Same(t, survivor.FakeManagedConnection(), handle.(*pooltesting.FakeHandle).ManagedConnection()) //nolint:forcetypeassert
	}
	assert.Equal(t, []pooltesting.Returned{{Listener: donor}}, pl.Returned())

	innerContext := ccm.CurrentContext(inner)
	assert.Equal(t, []pool.ConnectionListener{survivor}, innerContext.Listeners(cm))
	assert.ElementsMatch(t, []pool.Handle{h1, h2}, innerContext.Handles(cm, survivor))
	outerContext := ccm.CurrentContext(outer)
	assert.Equal(t, []pool.ConnectionListener{survivor}, outerContext.Listeners(cm))
	assert.Equal(t, []pool.Handle{h0}, outerContext.Handles(cm, survivor))

	require.NoError(t, mgr.UnregisterConnection(outer, cm, survivor, h0))
	require.NoError(t, mgr.PopContext(inner))
	require.NoError(t, mgr.PopContext(outer))
}

func TestUserTransactionStartedCollectsErrors(t *testing.T) {
	t.Parallel()
	pl := pooltesting.NewFakePool(nil)
	cm := newFakeManager(tx.SupportLocal, pl)
	errEnlist := errors.New("enlist failed")
	cm.startErr = errEnlist
	mgr := ccm.New()
	ctx := mgr.PushContext(context.Background(), "errors")
	l1, h1 := obtain(t, pl, credential.New("a", nil))
	l2, h2 := obtain(t, pl, credential.New("b", nil))
	mgr.RegisterConnection(ctx, cm, l1, h1)
	mgr.RegisterConnection(ctx, cm, l2, h2)

	err := mgr.UserTransactionStarted(ctx)
	var resourceErr *connerr.ResourceError
	require.ErrorAs(t, err, &resourceErr)
	require.ErrorIs(t, err, errEnlist)
	// Both listeners were still offered.
	assert.Len(t, cm.startedListeners(), 2)

	// Outside of a unit of work there is nothing to do.
	require.NoError(t, mgr.UserTransactionStarted(context.Background()))
}

func TestCloseSynchronization(t *testing.T) {
	t.Parallel()
	integration := txtesting.NewFakeIntegration()
	pl := pooltesting.NewFakePool(nil)
	cm := newFakeManager(tx.SupportXA, pl)
	mgr := ccm.New(
		ccm.WithTransactionIntegration(integration),
		ccm.WithDebug(true),
		ccm.WithError(true),
	)
	base := context.Background()
	txn := integration.Begin()

	var handles []*pooltesting.FakeHandle
	for i := 0; i < 2; i++ {
		ctx := mgr.PushContext(base, i)
		cl, handle := obtain(t, pl, nil)
		mgr.RegisterConnection(ctx, cm, cl, handle)
		// Deferred to the transaction, so not a leak yet.
		require.NoError(t, mgr.PopContext(ctx))
		handles = append(handles, handle)
	}
	require.Len(t, txn.Synchronizations(), 1)
	assert.Zero(t, handles[0].CloseCount())
	assert.Equal(t, 2, mgr.NumberOfConnections())

	// Closed by the application after its unit of work ended.
	require.NoError(t, mgr.UnregisterConnection(base, cm, nil, handles[1]))
	assert.Equal(t, 1, mgr.NumberOfConnections())

	integration.Commit()
	assert.Equal(t, 1, handles[0].CloseCount())
	assert.Zero(t, handles[1].CloseCount())
	assert.Zero(t, mgr.NumberOfConnections())

	// Completion is idempotent.
	txn.Synchronizations()[0].AfterCompletion(tx.StatusCommitted)
	assert.Equal(t, 1, handles[0].CloseCount())
}

func TestCloseSynchronizationRollback(t *testing.T) {
	t.Parallel()
	integration := txtesting.NewFakeIntegration()
	pl := pooltesting.NewFakePool(nil)
	cm := newFakeManager(tx.SupportXA, pl)
	mgr := ccm.New(ccm.WithTransactionIntegration(integration), ccm.WithCloseConcurrency(2))
	base := context.Background()
	txn := integration.Begin()

	ctx := mgr.PushContext(base, "rollback")
	var handles []*pooltesting.FakeHandle
	for i := 0; i < 5; i++ {
		cl, handle := obtain(t, pl, nil)
		mgr.RegisterConnection(ctx, cm, cl, handle)
		handles = append(handles, handle)
	}
	require.NoError(t, mgr.PopContext(ctx))
	require.Len(t, txn.Synchronizations(), 1)

	integration.Rollback()
	for _, handle := range handles {
		assert.Equal(t, 1, handle.CloseCount())
	}

	// Without an active transaction, leaks are closed right away.
	txn = integration.Begin()
	txn.SetStatus(tx.StatusMarkedRollback)
	ctx = mgr.PushContext(base, "marked")
	cl, handle := obtain(t, pl, nil)
	mgr.RegisterConnection(ctx, cm, cl, handle)
	require.NoError(t, mgr.PopContext(ctx))
	assert.Equal(t, 1, handle.CloseCount())
	assert.Empty(t, txn.Synchronizations())
}

func TestCloseSynchronizationClosesListenerHandlesInTurn(t *testing.T) {
	t.Parallel()
	integration := txtesting.NewFakeIntegration()
	pl := pooltesting.NewFakePool(nil)
	cm := newFakeManager(tx.SupportNone, pl)
	mgr := ccm.New(ccm.WithTransactionIntegration(integration))
	integration.Begin()

	var mu sync.Mutex
	inFlight := map[*pooltesting.FakeListener]int{}
	var overlaps int
	var handles []*pooltesting.FakeHandle
	ctx := mgr.PushContext(context.Background(), "shared")
	for i := 0; i < 2; i++ {
		cl, first := obtain(t, pl, nil)
		second, err := cl.Connection(context.Background())
		require.NoError(t, err)
		for _, handle := range []*pooltesting.FakeHandle{first, second.(*pooltesting.FakeHandle)} { //nolint:forcetypeassert
			handle.OnClose = func(*pooltesting.FakeHandle) {
				mu.Lock()
				inFlight[cl]++
				if inFlight[cl] > 1 {
					overlaps++
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				inFlight[cl]--
				mu.Unlock()
			}
			mgr.RegisterConnection(ctx, cm, cl, handle)
			handles = append(handles, handle)
		}
	}
	require.NoError(t, mgr.PopContext(ctx))

	integration.Commit()
	for _, handle := range handles {
		assert.Equal(t, 1, handle.CloseCount())
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, overlaps)
	assert.Len(t, inFlight, 2)
}

func TestCloseSynchronizationUnfinishedStatus(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.WarnLevel)
	integration := txtesting.NewFakeIntegration()
	pl := pooltesting.NewFakePool(nil)
	cm := newFakeManager(tx.SupportXA, pl)
	mgr := ccm.New(ccm.WithTransactionIntegration(integration), ccm.WithLogger(zap.New(core)))
	txn := integration.Begin()

	ctx := mgr.PushContext(context.Background(), "unfinished")
	cl, handle := obtain(t, pl, nil)
	mgr.RegisterConnection(ctx, cm, cl, handle)
	require.NoError(t, mgr.PopContext(ctx))
	require.Len(t, txn.Synchronizations(), 1)

	txn.Synchronizations()[0].AfterCompletion(tx.StatusUnknown)
	assert.Equal(t, 1, handle.CloseCount())
	warnings := logs.FilterMessage("transaction completion reported unfinished status").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, tx.StatusUnknown.String(), warnings[0].ContextMap()["status"])
}

func TestDebugRegistry(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.DebugLevel)
	clock := clocktest.NewFakeClock()
	pl := pooltesting.NewFakePool(nil)
	cm := newFakeManager(tx.SupportNone, pl)
	mgr := ccm.New(ccm.WithLogger(zap.New(core)), ccm.WithClock(clock))
	mgr.Start()

	ctx := mgr.PushContext(context.Background(), "debug")
	l0, h0 := obtain(t, pl, nil)
	mgr.RegisterConnection(ctx, cm, l0, h0)
	assert.Zero(t, mgr.NumberOfConnections())
	assert.Empty(t, mgr.ListConnections())

	mgr.SetDebug(true)
	l1, h1 := obtain(t, pl, nil)
	l2, h2 := obtain(t, pl, nil)
	mgr.RegisterConnection(ctx, cm, l1, h1)
	mgr.RegisterConnection(ctx, cm, l2, h2)
	assert.Equal(t, 2, mgr.NumberOfConnections())
	connections := mgr.ListConnections()
	require.Len(t, connections, 2)
	assert.Contains(t, connections[h1.String()], "TestDebugRegistry")

	clock.Advance(5 * time.Second)
	require.NoError(t, mgr.UnregisterConnection(ctx, cm, l1, h1))
	require.NoError(t, mgr.UnregisterConnection(ctx, cm, l0, h0))
	require.NoError(t, mgr.PopContext(ctx))
	assert.Equal(t, 1, h2.CloseCount())
	assert.Zero(t, mgr.NumberOfConnections())

	leaks := logs.FilterMessage("closing a connection for you, please close them yourself").All()
	require.Len(t, leaks, 1)
	assert.Equal(t, h2.String(), leaks[0].ContextMap()["handle"])
	assert.Equal(t, 5*time.Second, leaks[0].ContextMap()["age"])

	mgr.SetDebug(false)
	assert.Empty(t, mgr.ListConnections())
	mgr.Stop()
}

type fakeManager struct {
	support tx.Support
	pool    *pooltesting.FakePool

	mu       sync.Mutex
	started  []pool.ConnectionListener
	startErr error
}

var _ ccm.ConnectionManager = (*fakeManager)(nil)

func newFakeManager(support tx.Support, pl *pooltesting.FakePool) *fakeManager {
	return &fakeManager{support: support, pool: pl}
}

func (m *fakeManager) TransactionSupport() tx.Support {
	return m.support
}

func (m *fakeManager) TransactionStarted(_ context.Context, cl pool.ConnectionListener) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, cl)
	if m.startErr != nil {
		return m.startErr
	}
	cl.SetEnlisted(true)
	return nil
}

func (m *fakeManager) ReturnConnectionListener(cl pool.ConnectionListener, kill bool) {
	_ = m.pool.ReturnConnectionListener(cl, kill)
}

func (m *fakeManager) startedListeners() []pool.ConnectionListener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pool.ConnectionListener(nil), m.started...)
}

func obtain(t *testing.T, pl *pooltesting.FakePool, cred *credential.Credential) (*pooltesting.FakeListener, *pooltesting.FakeHandle) {
	t.Helper()
	ctx := context.Background()
	cl, err := pl.ConnectionListener(ctx, cred)
	require.NoError(t, err)
	listener := cl.(*pooltesting.FakeListener) //nolint:forcetypeassert
	handle, err := listener.Connection(ctx)
	require.NoError(t, err)
	return listener, handle.(*pooltesting.FakeHandle) //nolint:forcetypeassert
}

func nthListener(t *testing.T, ctx context.Context, cm ccm.ConnectionManager, n int) pool.ConnectionListener {
	t.Helper()
	listeners := ccm.CurrentContext(ctx).Listeners(cm)
	require.Greater(t, len(listeners), n)
	return listeners[n]
}

func toHandles(handles []*pooltesting.FakeHandle) []pool.Handle {
	result := make([]pool.Handle, len(handles))
	for i, handle := range handles {
		result[i] = handle
	}
	return result
}

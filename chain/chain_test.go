// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"math/big"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

var (
	testContract = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testAlice    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testBob      = common.HexToAddress("0x3333333333333333333333333333333333333333")
	errTest      = errors.New("test failure")
)

type testEvent struct{ n int }

func (testEvent) EventName() string { return "Test" }

type loggedEvent struct{ fail bool }

func (loggedEvent) EventName() string { return "Logged" }

func (e loggedEvent) Log() ([]common.Hash, []byte, error) {
	if e.fail {
		return nil, nil, errTest
	}
	return []common.Hash{common.HexToHash("0x01")}, []byte{0x02}, nil
}

func newTestChain() *Chain {
	return New(40217, memdb.New(), log.NewTestLogger(log.InfoLevel))
}

func TestExecuteCommits(t *testing.T) {
	c := newTestChain()
	hookRan := false

	err := c.Execute(func(st *State) error {
		st.Emit(testEvent{n: 1})
		st.AfterCommit(func() { hookRan = true })
		return PutBig(st.Storage(testContract), []byte("k"), big.NewInt(42))
	})
	require.NoError(t, err)
	require.True(t, hookRan)
	require.Equal(t, uint64(1), c.Height())

	require.NoError(t, c.View(func(st *State) error {
		v, err := GetBig(st.Storage(testContract), []byte("k"))
		require.NoError(t, err)
		require.Equal(t, int64(42), v.Int64())
		return nil
	}))

	events := EventsOf[testEvent](c)
	require.Len(t, events, 1)
	require.Equal(t, 1, events[0].n)
}

func TestExecuteAbortsOnError(t *testing.T) {
	c := newTestChain()
	hookRan := false

	err := c.Execute(func(st *State) error {
		st.Emit(testEvent{n: 1})
		st.AfterCommit(func() { hookRan = true })
		if err := PutBig(st.Storage(testContract), []byte("k"), big.NewInt(42)); err != nil {
			return err
		}
		return errTest
	})
	require.ErrorIs(t, err, errTest)
	require.False(t, hookRan)
	require.Zero(t, c.Height())
	require.Empty(t, c.Logs())

	require.NoError(t, c.View(func(st *State) error {
		v, err := GetBig(st.Storage(testContract), []byte("k"))
		require.NoError(t, err)
		require.Zero(t, v.Sign())
		return nil
	}))
}

func TestViewDiscardsWrites(t *testing.T) {
	c := newTestChain()
	require.NoError(t, c.View(func(st *State) error {
		return PutBig(st.Storage(testContract), []byte("k"), big.NewInt(7))
	}))
	require.NoError(t, c.View(func(st *State) error {
		v, err := GetBig(st.Storage(testContract), []byte("k"))
		require.NoError(t, err)
		require.Zero(t, v.Sign())
		return nil
	}))
}

func TestSavepoint(t *testing.T) {
	c := newTestChain()
	outerHook, innerHook := false, false

	err := c.Execute(func(st *State) error {
		db := st.Storage(testContract)
		require.NoError(t, PutBig(db, []byte("outer"), big.NewInt(1)))

		err := st.Savepoint(func(inner *State) error {
			inner.Emit(testEvent{n: 2})
			inner.AfterCommit(func() { innerHook = true })
			require.NoError(t, PutBig(inner.Storage(testContract), []byte("inner"), big.NewInt(2)))
			return errTest
		})
		require.ErrorIs(t, err, errTest)

		return st.Savepoint(func(inner *State) error {
			inner.Emit(testEvent{n: 3})
			inner.AfterCommit(func() { outerHook = true })
			return PutBig(inner.Storage(testContract), []byte("kept"), big.NewInt(3))
		})
	})
	require.NoError(t, err)
	require.True(t, outerHook)
	require.False(t, innerHook)

	events := EventsOf[testEvent](c)
	require.Len(t, events, 1)
	require.Equal(t, 3, events[0].n)

	require.NoError(t, c.View(func(st *State) error {
		db := st.Storage(testContract)
		for key, want := range map[string]int64{"outer": 1, "inner": 0, "kept": 3} {
			v, err := GetBig(db, []byte(key))
			require.NoError(t, err)
			require.Equal(t, want, v.Int64(), key)
		}
		return nil
	}))
}

func TestNativeTransfers(t *testing.T) {
	c := newTestChain()
	require.NoError(t, c.Fund(testAlice, big.NewInt(100)))

	require.NoError(t, c.Execute(func(st *State) error {
		return st.TransferNative(testAlice, testBob, big.NewInt(60))
	}))

	err := c.Execute(func(st *State) error {
		return st.TransferNative(testAlice, testBob, big.NewInt(41))
	})
	require.ErrorIs(t, err, ErrInsufficientNative)

	require.NoError(t, c.View(func(st *State) error {
		a, err := st.NativeBalance(testAlice)
		require.NoError(t, err)
		b, err := st.NativeBalance(testBob)
		require.NoError(t, err)
		require.Equal(t, int64(40), a.Int64())
		require.Equal(t, int64(60), b.Int64())
		return nil
	}))
}

func TestStorageIsolation(t *testing.T) {
	c := newTestChain()
	require.NoError(t, c.Execute(func(st *State) error {
		return PutBig(st.Storage(testAlice), []byte("k"), big.NewInt(5))
	}))
	require.NoError(t, c.View(func(st *State) error {
		v, err := GetBig(st.Storage(testBob), []byte("k"))
		require.NoError(t, err)
		require.Zero(t, v.Sign())
		return nil
	}))
}

func TestNextAddressIsDeterministic(t *testing.T) {
	a := newTestChain()
	b := newTestChain()

	first := a.NextAddress(testAlice)
	require.Equal(t, first, b.NextAddress(testAlice))
	require.NotEqual(t, first, a.NextAddress(testAlice))
	require.NotEqual(t, CreateAddress(testAlice, 1, 0), CreateAddress(testAlice, 2, 0))
}

func TestExecuteReleasesLockAfterPanic(t *testing.T) {
	c := newTestChain()
	require.Panics(t, func() {
		_ = c.Execute(func(st *State) error {
			if err := PutBig(st.Storage(testContract), []byte("k"), big.NewInt(1)); err != nil {
				return err
			}
			panic("boom")
		})
	})
	require.Zero(t, c.Height())

	require.NoError(t, c.Execute(func(st *State) error {
		v, err := GetBig(st.Storage(testContract), []byte("k"))
		require.NoError(t, err)
		require.Zero(t, v.Sign())
		return nil
	}))
	require.Equal(t, uint64(1), c.Height())
}

func TestExecuteEncodesEVMLogs(t *testing.T) {
	c := newTestChain()
	require.NoError(t, c.Execute(func(st *State) error {
		st.Emit(loggedEvent{})
		st.Emit(testEvent{n: 1})
		return nil
	}))
	logs := c.Logs()
	require.Len(t, logs, 2)
	require.Equal(t, []common.Hash{common.HexToHash("0x01")}, logs[0].Topics)
	require.Equal(t, []byte{0x02}, logs[0].Data)
	require.Equal(t, uint64(1), logs[0].Height)
	require.Nil(t, logs[1].Topics)

	err := c.Execute(func(st *State) error {
		st.Emit(loggedEvent{fail: true})
		return nil
	})
	require.ErrorIs(t, err, errTest)
	require.Equal(t, uint64(1), c.Height())
	require.Len(t, c.Logs(), 2)
}

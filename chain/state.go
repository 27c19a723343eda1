// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"fmt"
	"math/big"

	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/geth/common"
)

var nativePrefix = []byte("native")

// State is the exclusive view of a chain handed to a running transaction.
type State struct {
	chain  *Chain
	db     *versiondb.Database
	events []Event
	hooks  []func()
}

func newState(c *Chain, db *versiondb.Database) *State {
	return &State{chain: c, db: db}
}

// EID returns the endpoint identifier of the executing chain.
func (s *State) EID() uint32 {
	return s.chain.eid
}

// Storage returns the key/value namespace owned by the contract at [addr].
func (s *State) Storage(addr common.Address) database.Database {
	return prefixdb.New(addr.Bytes(), s.db)
}

// Emit appends [ev] to the transaction's event log.
func (s *State) Emit(ev Event) {
	s.events = append(s.events, ev)
}

// AfterCommit registers [fn] to run once the enclosing transaction commits.
// It never runs if the transaction, or the savepoint it was registered in,
// is rolled back.
func (s *State) AfterCommit(fn func()) {
	s.hooks = append(s.hooks, fn)
}

// Savepoint runs [fn] against a nested version of the state. Writes, events
// and hooks produced by [fn] are folded into [s] only if [fn] succeeds.
func (s *State) Savepoint(fn func(*State) error) error {
	child := &State{
		chain: s.chain,
		db:    versiondb.New(s.db),
	}
	if err := fn(child); err != nil {
		child.db.Abort()
		return err
	}
	if err := child.db.Commit(); err != nil {
		return err
	}
	s.events = append(s.events, child.events...)
	s.hooks = append(s.hooks, child.hooks...)
	return nil
}

// NativeBalance returns the native currency held by [addr].
func (s *State) NativeBalance(addr common.Address) (*big.Int, error) {
	return GetBig(s.native(), addr.Bytes())
}

// TransferNative moves [amount] of native currency between accounts.
func (s *State) TransferNative(from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	db := s.native()
	bal, err := GetBig(db, from.Bytes())
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientNative, from.Hex(), bal, amount)
	}
	if err := PutBig(db, from.Bytes(), bal.Sub(bal, amount)); err != nil {
		return err
	}
	return AddBig(db, to.Bytes(), amount)
}

func (s *State) creditNative(addr common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	return AddBig(s.native(), addr.Bytes(), amount)
}

func (s *State) native() database.Database {
	return prefixdb.New(nativePrefix, s.db)
}

// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package chain models the state of a single chain taking part in the bridge.
//
// Every chain owns a versioned key/value store. Operations run inside
// Execute, which hands them an exclusive *State and either commits all of
// their writes, events and commit hooks or none of them. Nothing written
// by a failed operation is ever observable.
package chain

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
)

var (
	ErrInsufficientNative = errors.New("insufficient native balance")
	ErrNegativeAmount     = errors.New("negative amount")
)

// Event is an entry in a chain's committed event log.
type Event interface {
	EventName() string
}

// EVMEvent is an event with an EVM log encoding.
type EVMEvent interface {
	Event
	Log() ([]common.Hash, []byte, error)
}

// Log is a committed event together with the height of the transaction that
// emitted it. Topics and Data hold the EVM encoding of events that have one.
type Log struct {
	Height uint64
	Event  Event
	Topics []common.Hash
	Data   []byte
}

// Chain is the execution environment of one chain.
// Transactions are applied strictly one at a time.
type Chain struct {
	eid uint32
	log log.Logger

	mu      sync.Mutex
	db      *versiondb.Database
	height  uint64
	logs    []Log
	deploys map[common.Address]uint64
}

// New creates a chain identified by [eid] on top of [db].
func New(eid uint32, db database.Database, logger log.Logger) *Chain {
	return &Chain{
		eid:     eid,
		log:     logger,
		db:      versiondb.New(db),
		deploys: make(map[common.Address]uint64),
	}
}

// EID returns the endpoint identifier of the chain.
func (c *Chain) EID() uint32 {
	return c.eid
}

// Height returns the number of committed transactions.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// Execute runs [fn] as a single transaction. If [fn] returns an error or
// panics every write it made is discarded; the error is returned unchanged
// and the panic is propagated.
func (c *Chain) Execute(fn func(*State) error) error {
	hooks, err := c.apply(fn)
	if err != nil {
		return err
	}
	// Hooks may hand work to other chains, so they run without the lock.
	for _, hook := range hooks {
		hook()
	}
	return nil
}

func (c *Chain) apply(fn func(*State) error) (hooks []func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	committed := false
	defer func() {
		if !committed {
			c.db.Abort()
		}
	}()

	st := newState(c, c.db)
	if err := fn(st); err != nil {
		return nil, err
	}
	logs := make([]Log, 0, len(st.events))
	for _, ev := range st.events {
		l := Log{Height: c.height + 1, Event: ev}
		if e, ok := ev.(EVMEvent); ok {
			if l.Topics, l.Data, err = e.Log(); err != nil {
				return nil, fmt.Errorf("encoding %s log: %w", ev.EventName(), err)
			}
		}
		logs = append(logs, l)
	}
	if err := c.db.Commit(); err != nil {
		return nil, err
	}
	committed = true

	c.height++
	c.logs = append(c.logs, logs...)
	c.log.Debug("committed transaction",
		"eid", c.eid,
		"height", c.height,
		"events", len(st.events),
	)
	return st.hooks, nil
}

// View runs [fn] against the current state and discards any writes.
func (c *Chain) View(fn func(*State) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.db.Abort()

	return fn(newState(c, c.db))
}

// Fund credits native currency to [addr]. It is used to seed genesis
// balances and executor accounts.
func (c *Chain) Fund(addr common.Address, amount *big.Int) error {
	return c.Execute(func(st *State) error {
		return st.creditNative(addr, amount)
	})
}

// NextAddress returns a fresh contract address for a deployment by [deployer].
func (c *Chain) NextAddress(deployer common.Address) common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce := c.deploys[deployer]
	c.deploys[deployer] = nonce + 1
	return CreateAddress(deployer, c.eid, nonce)
}

// Logs returns a copy of the committed event log.
func (c *Chain) Logs() []Log {
	c.mu.Lock()
	defer c.mu.Unlock()

	logs := make([]Log, len(c.logs))
	copy(logs, c.logs)
	return logs
}

// EventsOf returns the committed events of type T in commit order.
func EventsOf[T Event](c *Chain) []T {
	var out []T
	for _, l := range c.Logs() {
		if ev, ok := l.Event.(T); ok {
			out = append(out, ev)
		}
	}
	return out
}

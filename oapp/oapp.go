// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oapp holds the configuration every cross-chain application shares:
// its owner, the trusted peer on each remote chain and the enforced option
// floor per remote chain and message type.
package oapp

import (
	"errors"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/ovault/chain"
	"github.com/luxfi/ovault/options"
	"github.com/luxfi/ovault/transport"
)

var (
	ErrPeerNotSet      = errors.New("peer not set")
	ErrUntrustedSender = errors.New("untrusted sender")
	ErrNotOwner        = errors.New("caller is not the owner")
)

var (
	ownerKey       = []byte("owner")
	peerPrefix     = []byte("peer")
	enforcedPrefix = []byte("enforced")
)

// EnforcedOptionParam is one entry of SetEnforcedOptions.
type EnforcedOptionParam struct {
	Eid     uint32
	MsgType uint16
	Options []byte
}

// PeerSet is emitted when a peer is registered or cleared.
type PeerSet struct {
	App  common.Address
	Eid  uint32
	Peer common.Hash
}

func (PeerSet) EventName() string { return "PeerSet" }

// EnforcedOptionSet is emitted by SetEnforcedOptions.
type EnforcedOptionSet struct {
	App    common.Address
	Params []EnforcedOptionParam
}

func (EnforcedOptionSet) EventName() string { return "EnforcedOptionSet" }

// OwnershipTransferred is emitted when the owner changes.
type OwnershipTransferred struct {
	App           common.Address
	PreviousOwner common.Address
	NewOwner      common.Address
}

func (OwnershipTransferred) EventName() string { return "OwnershipTransferred" }

// Core is the configuration of one application. The configuration lives in
// the chain state under the application's address; transfer paths only read
// it.
type Core struct {
	Address  common.Address
	Endpoint *transport.Endpoint
	log      log.Logger
}

// NewCore returns the configuration of the application at [addr].
func NewCore(addr common.Address, endpoint *transport.Endpoint, logger log.Logger) *Core {
	return &Core{
		Address:  addr,
		Endpoint: endpoint,
		log:      logger,
	}
}

func (c *Core) db(st *chain.State) database.Database {
	return st.Storage(c.Address)
}

// Initialize records [owner] as the first owner.
func (c *Core) Initialize(st *chain.State, owner common.Address) error {
	if err := c.db(st).Put(ownerKey, owner.Bytes()); err != nil {
		return err
	}
	st.Emit(OwnershipTransferred{App: c.Address, NewOwner: owner})
	return nil
}

// Owner returns the current owner.
func (c *Core) Owner(st *chain.State) (common.Address, error) {
	raw, err := chain.GetBytes(c.db(st), ownerKey)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(raw), nil
}

// OnlyOwner fails with ErrNotOwner unless [caller] is the owner.
func (c *Core) OnlyOwner(st *chain.State, caller common.Address) error {
	owner, err := c.Owner(st)
	if err != nil {
		return err
	}
	if caller != owner || owner == (common.Address{}) {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	return nil
}

// TransferOwnership hands the application to [newOwner].
func (c *Core) TransferOwnership(st *chain.State, caller, newOwner common.Address) error {
	if err := c.OnlyOwner(st, caller); err != nil {
		return err
	}
	if err := c.db(st).Put(ownerKey, newOwner.Bytes()); err != nil {
		return err
	}
	st.Emit(OwnershipTransferred{App: c.Address, PreviousOwner: caller, NewOwner: newOwner})
	return nil
}

// SetPeer trusts [peer] as the counterpart on [eid]. A zero peer clears the
// entry.
func (c *Core) SetPeer(st *chain.State, caller common.Address, eid uint32, peer common.Hash) error {
	if err := c.OnlyOwner(st, caller); err != nil {
		return err
	}
	key := chain.Key(peerPrefix, eidBytes(eid))
	var err error
	if peer == (common.Hash{}) {
		err = c.db(st).Delete(key)
	} else {
		err = c.db(st).Put(key, peer.Bytes())
	}
	if err != nil {
		return err
	}
	st.Emit(PeerSet{App: c.Address, Eid: eid, Peer: peer})
	c.log.Info("peer set",
		"app", c.Address,
		"eid", eid,
		"peer", peer,
	)
	return nil
}

// Peer returns the peer on [eid] and whether one is set.
func (c *Core) Peer(st *chain.State, eid uint32) (common.Hash, bool, error) {
	raw, err := chain.GetBytes(c.db(st), chain.Key(peerPrefix, eidBytes(eid)))
	if err != nil || raw == nil {
		return common.Hash{}, false, err
	}
	return common.BytesToHash(raw), true, nil
}

// PeerOrErr returns the peer on [eid] or ErrPeerNotSet.
func (c *Core) PeerOrErr(st *chain.State, eid uint32) (common.Hash, error) {
	peer, ok, err := c.Peer(st, eid)
	if err != nil {
		return common.Hash{}, err
	}
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: eid %d", ErrPeerNotSet, eid)
	}
	return peer, nil
}

// VerifyOrigin checks that an inbound packet was sent by the peer registered
// for its source chain.
func (c *Core) VerifyOrigin(st *chain.State, origin transport.Origin) error {
	peer, err := c.PeerOrErr(st, origin.SrcEid)
	if err != nil {
		return err
	}
	if peer != origin.Sender {
		return fmt.Errorf("%w: %s from eid %d", ErrUntrustedSender, origin.Sender.Hex(), origin.SrcEid)
	}
	return nil
}

// SetEnforcedOptions overwrites the option floor of every listed key. Each
// blob must be type 3; an empty blob removes the floor.
func (c *Core) SetEnforcedOptions(st *chain.State, caller common.Address, params []EnforcedOptionParam) error {
	if err := c.OnlyOwner(st, caller); err != nil {
		return err
	}
	db := c.db(st)
	for _, p := range params {
		key := enforcedKey(p.Eid, p.MsgType)
		if len(p.Options) == 0 {
			if err := db.Delete(key); err != nil {
				return err
			}
			continue
		}
		if _, err := options.Parse(p.Options); err != nil {
			return fmt.Errorf("enforced options for eid %d type %d: %w", p.Eid, p.MsgType, err)
		}
		if err := db.Put(key, p.Options); err != nil {
			return err
		}
	}
	st.Emit(EnforcedOptionSet{App: c.Address, Params: params})
	c.log.Info("enforced options set",
		"app", c.Address,
		"entries", len(params),
	)
	return nil
}

// EnforcedOptions returns the floor for ([eid], [msgType]). A missing entry
// is empty, meaning no floor.
func (c *Core) EnforcedOptions(st *chain.State, eid uint32, msgType uint16) ([]byte, error) {
	return chain.GetBytes(c.db(st), enforcedKey(eid, msgType))
}

// CombineOptions merges [extra] with the enforced floor for ([eid], [msgType]).
func (c *Core) CombineOptions(st *chain.State, eid uint32, msgType uint16, extra []byte) ([]byte, error) {
	floor, err := c.EnforcedOptions(st, eid, msgType)
	if err != nil {
		return nil, err
	}
	merged, err := options.Merge(floor, extra)
	if err != nil {
		return nil, err
	}
	c.log.Debug("combined options",
		"app", c.Address,
		"eid", eid,
		"msgType", msgType,
		"floor", len(floor),
		"extra", len(extra),
	)
	return merged, nil
}

func enforcedKey(eid uint32, msgType uint16) []byte {
	return chain.Key(enforcedPrefix, eidBytes(eid), []byte{byte(msgType >> 8), byte(msgType)})
}

func eidBytes(eid uint32) []byte {
	return []byte{byte(eid >> 24), byte(eid >> 16), byte(eid >> 8), byte(eid)}
}

// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"bytes"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/ovault/chain"
	"github.com/luxfi/ovault/options"
	"github.com/luxfi/ovault/token"
)

var (
	outboundPrefix = []byte("out")
	inboundPrefix  = []byte("in")
	composePrefix  = []byte("cmp")
)

// Endpoint is the transport entry point on one chain.
type Endpoint struct {
	eid      uint32
	address  common.Address
	owner    common.Address
	treasury common.Address
	chain    *chain.Chain
	network  *Network
	log      log.Logger

	fees atomic.Pointer[FeeModel]

	mu        sync.RWMutex
	lzToken   *token.ERC20
	receivers map[common.Address]Receiver
	composers map[common.Address]Composer
}

// EID returns the endpoint identifier of the chain this endpoint serves.
func (e *Endpoint) EID() uint32 { return e.eid }

// Address returns the endpoint contract address.
func (e *Endpoint) Address() common.Address { return e.address }

// Treasury returns the account collecting fees on this chain.
func (e *Endpoint) Treasury() common.Address { return e.treasury }

// Chain returns the chain this endpoint is deployed on.
func (e *Endpoint) Chain() *chain.Chain { return e.chain }

// Register makes [r] the receiver of packets addressed to [app] and returns
// the only handle that sends as [app]. An address registers once.
func (e *Endpoint) Register(app common.Address, r Receiver) (*Messenger, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.receivers[app]; ok {
		return nil, fmt.Errorf("%w: %s on %d", ErrAlreadyRegistered, app.Hex(), e.eid)
	}
	e.receivers[app] = r
	return &Messenger{endpoint: e, app: app}, nil
}

// RegisterComposer makes [c] the target of compose messages sent to [app].
func (e *Endpoint) RegisterComposer(app common.Address, c Composer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.composers[app]; ok {
		return fmt.Errorf("%w: composer %s on %d", ErrAlreadyRegistered, app.Hex(), e.eid)
	}
	e.composers[app] = c
	return nil
}

// FeeModel returns the current pricing snapshot.
func (e *Endpoint) FeeModel() *FeeModel {
	return e.fees.Load()
}

// SetFeeModel replaces the pricing snapshot. Quotes taken before the change
// are no longer honored by Send if the new model is more expensive.
func (e *Endpoint) SetFeeModel(caller common.Address, m *FeeModel) error {
	if caller != e.owner {
		return ErrNotOwner
	}
	e.fees.Store(m)
	e.log.Info("fee model updated",
		"eid", e.eid,
		"version", m.Version,
	)
	return nil
}

// SetLzToken enables paying the execution fee in [tok].
func (e *Endpoint) SetLzToken(caller common.Address, tok *token.ERC20) error {
	if caller != e.owner {
		return ErrNotOwner
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lzToken = tok
	return nil
}

// Quote prices [params] against the current fee model. It reads no chain
// state and has no side effects.
func (e *Endpoint) Quote(params MessagingParams) (MessagingFee, error) {
	if _, ok := e.network.Endpoint(params.DstEid); !ok {
		return MessagingFee{}, fmt.Errorf("%w: %d", ErrUnknownEndpoint, params.DstEid)
	}
	opts, err := options.Parse(params.Options)
	if err != nil {
		return MessagingFee{}, err
	}
	if params.PayInLzToken {
		e.mu.RLock()
		enabled := e.lzToken != nil
		e.mu.RUnlock()
		if !enabled {
			return MessagingFee{}, ErrLzTokenUnavailable
		}
	}
	return e.FeeModel().Estimate(params.DstEid, len(params.Message), opts, params.PayInLzToken)
}

// send dispatches a message from the application at [sender]. The fee is
// recomputed and [fee] must cover it. The required native fee is taken from
// [payer] and any excess native payment is returned to [refund]. The packet
// reaches the network only if the enclosing transaction commits.
func (e *Endpoint) send(
	st *chain.State,
	sender common.Address,
	params MessagingParams,
	fee MessagingFee,
	payer common.Address,
	refund common.Address,
) (MessagingReceipt, error) {
	required, err := e.Quote(params)
	if err != nil {
		return MessagingReceipt{}, err
	}
	if !fee.Covers(required) {
		return MessagingReceipt{}, fmt.Errorf("%w: paid %s, required %s", ErrInsufficientFee, fee, required)
	}

	// Charge native
	if err := st.TransferNative(payer, e.treasury, required.NativeFee); err != nil {
		return MessagingReceipt{}, err
	}
	excess := new(big.Int).Sub(orZero(fee.NativeFee), required.NativeFee)
	if excess.Sign() > 0 {
		if err := st.TransferNative(payer, refund, excess); err != nil {
			return MessagingReceipt{}, err
		}
	}

	// Charge lz token
	if required.LzTokenFee.Sign() > 0 {
		e.mu.RLock()
		lzToken := e.lzToken
		e.mu.RUnlock()
		if err := lzToken.TransferFrom(st, e.address, payer, e.treasury, required.LzTokenFee); err != nil {
			return MessagingReceipt{}, err
		}
	}

	db := st.Storage(e.address)
	key := chain.Key(outboundPrefix, sender.Bytes(), eidBytes(params.DstEid), params.Receiver.Bytes())
	nonce, err := chain.GetUint64(db, key)
	if err != nil {
		return MessagingReceipt{}, err
	}
	nonce++
	if err := chain.PutUint64(db, key, nonce); err != nil {
		return MessagingReceipt{}, err
	}

	packet := Packet{
		Nonce:    nonce,
		SrcEid:   e.eid,
		Sender:   sender,
		DstEid:   params.DstEid,
		Receiver: params.Receiver,
		GUID:     GUID(nonce, e.eid, sender, params.DstEid, params.Receiver),
		Message:  bytes.Clone(params.Message),
		Options:  bytes.Clone(params.Options),
	}
	st.Emit(PacketSent{
		GUID:    packet.GUID,
		Nonce:   nonce,
		DstEid:  params.DstEid,
		Sender:  sender,
		Options: packet.Options,
		Fee:     required,
	})
	st.AfterCommit(func() {
		e.network.enqueuePacket(packet)
	})

	return MessagingReceipt{GUID: packet.GUID, Nonce: nonce, Fee: required}, nil
}

// OutboundNonce returns the last nonce sent on the path.
func (e *Endpoint) OutboundNonce(st *chain.State, sender common.Address, dstEid uint32, receiver common.Hash) (uint64, error) {
	return chain.GetUint64(st.Storage(e.address), chain.Key(outboundPrefix, sender.Bytes(), eidBytes(dstEid), receiver.Bytes()))
}

// InboundNonce returns the last nonce delivered on the path.
func (e *Endpoint) InboundNonce(st *chain.State, receiver common.Address, srcEid uint32, sender common.Hash) (uint64, error) {
	return chain.GetUint64(st.Storage(e.address), chain.Key(inboundPrefix, receiver.Bytes(), eidBytes(srcEid), sender.Bytes()))
}

// deliver is the receive side entry point. Only the network calls it.
func (e *Endpoint) deliver(executor common.Address, p Packet) error {
	if p.DstEid != e.eid {
		return fmt.Errorf("%w: packet for %d at %d", ErrWrongDestination, p.DstEid, e.eid)
	}
	app := Bytes32ToAddress(p.Receiver)
	e.mu.RLock()
	receiver, ok := e.receivers[app]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s on %d", ErrUnknownReceiver, app.Hex(), e.eid)
	}

	return e.chain.Execute(func(st *chain.State) error {
		origin := p.Origin()
		db := st.Storage(e.address)
		key := chain.Key(inboundPrefix, app.Bytes(), eidBytes(p.SrcEid), origin.Sender.Bytes())
		last, err := chain.GetUint64(db, key)
		if err != nil {
			return err
		}
		switch {
		case p.Nonce <= last:
			return fmt.Errorf("%w: nonce %d, last %d", ErrDuplicatePacket, p.Nonce, last)
		case p.Nonce != last+1:
			return fmt.Errorf("%w: nonce %d, expected %d", ErrNonceGap, p.Nonce, last+1)
		}
		if err := chain.PutUint64(db, key, p.Nonce); err != nil {
			return err
		}

		opts, err := options.Parse(p.Options)
		if err != nil {
			return err
		}
		for _, drop := range opts.NativeDrops {
			if err := st.TransferNative(executor, Bytes32ToAddress(drop.Receiver), drop.Amount.ToBig()); err != nil {
				return err
			}
		}
		value := new(big.Int)
		if opts.LzReceive != nil {
			value = opts.LzReceive.Value.ToBig()
		}
		if err := st.TransferNative(executor, app, value); err != nil {
			return err
		}

		if err := receiver.LzReceive(st, origin, p.GUID, p.Message, executor, value); err != nil {
			return err
		}
		st.Emit(PacketDelivered{GUID: p.GUID, Origin: origin, Receiver: app})
		return nil
	})
}

// sendCompose queues [message] for the composer at [to] on behalf of the
// receiver at [from].
func (e *Endpoint) sendCompose(st *chain.State, from, to common.Address, guid common.Hash, index uint16, message []byte) error {
	db := st.Storage(e.address)
	key := composeKey(from, to, guid, index)
	if existing, err := chain.GetBytes(db, key); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("compose %s/%d already queued", guid.Hex(), index)
	}
	if err := db.Put(key, crypto.Keccak256(message)); err != nil {
		return err
	}

	msg := ComposeMessage{
		Eid:     e.eid,
		From:    from,
		To:      to,
		GUID:    guid,
		Index:   index,
		Message: bytes.Clone(message),
	}
	st.Emit(ComposeSent{From: from, To: to, GUID: guid, Index: index})
	st.AfterCommit(func() {
		e.network.enqueueCompose(msg)
	})
	return nil
}

// deliverCompose executes a queued compose message. Compose messages stay
// executable after delivery, so a composer must make its handling
// idempotent.
func (e *Endpoint) deliverCompose(executor common.Address, m ComposeMessage) error {
	e.mu.RLock()
	composer, ok := e.composers[m.To]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: composer %s on %d", ErrUnknownReceiver, m.To.Hex(), e.eid)
	}

	return e.chain.Execute(func(st *chain.State) error {
		stored, err := chain.GetBytes(st.Storage(e.address), composeKey(m.From, m.To, m.GUID, m.Index))
		if err != nil {
			return err
		}
		if stored == nil || !bytes.Equal(stored, crypto.Keccak256(m.Message)) {
			return fmt.Errorf("%w: %s/%d", ErrComposeNotFound, m.GUID.Hex(), m.Index)
		}

		value := orZero(m.Value)
		if err := st.TransferNative(executor, m.To, value); err != nil {
			return err
		}
		if err := composer.LzCompose(st, m.From, m.GUID, m.Message, executor, value); err != nil {
			return err
		}
		st.Emit(ComposeDelivered{From: m.From, To: m.To, GUID: m.GUID, Index: m.Index})
		return nil
	})
}

// Messenger sends on behalf of one registered application.
type Messenger struct {
	endpoint *Endpoint
	app      common.Address
}

// App returns the address the messenger sends as.
func (m *Messenger) App() common.Address { return m.app }

// Endpoint returns the endpoint the application is registered with.
func (m *Messenger) Endpoint() *Endpoint { return m.endpoint }

// Quote prices [params] on the application's endpoint.
func (m *Messenger) Quote(params MessagingParams) (MessagingFee, error) {
	return m.endpoint.Quote(params)
}

// Send dispatches [params] from the application. The fee is recomputed and
// [fee] must cover it. The required native fee is taken from [payer] and any
// excess native payment is returned to [refund]. The packet reaches the
// network only if the enclosing transaction commits.
func (m *Messenger) Send(st *chain.State, params MessagingParams, fee MessagingFee, payer, refund common.Address) (MessagingReceipt, error) {
	return m.endpoint.send(st, m.app, params, fee, payer, refund)
}

// SendCompose queues [message] for the composer at [to]. The application
// calls it while it handles a packet.
func (m *Messenger) SendCompose(st *chain.State, to common.Address, guid common.Hash, index uint16, message []byte) error {
	return m.endpoint.sendCompose(st, m.app, to, guid, index, message)
}

func composeKey(from, to common.Address, guid common.Hash, index uint16) []byte {
	return chain.Key(composePrefix, from.Bytes(), to.Bytes(), guid.Bytes(), []byte{byte(index >> 8), byte(index)})
}

func eidBytes(eid uint32) []byte {
	return []byte{byte(eid >> 24), byte(eid >> 16), byte(eid >> 8), byte(eid)}
}

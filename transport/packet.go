// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport is the message transport connecting the bridge contracts
// of different chains.
//
// Each chain runs one Endpoint. Applications quote and send through their
// local endpoint; the Network relays committed packets to the destination
// endpoint, which verifies ordering and hands them to the registered
// receiver. Delivery is in order per path and at least once.
package transport

import (
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"

	"github.com/luxfi/ovault/chain"
)

var (
	ErrInsufficientFee    = errors.New("insufficient fee")
	ErrLzTokenUnavailable = errors.New("lz token payment not enabled")
	ErrUnknownEndpoint    = errors.New("unknown endpoint")
	ErrUnknownReceiver    = errors.New("no receiver registered")
	ErrDuplicatePacket    = errors.New("packet already delivered")
	ErrNonceGap           = errors.New("packet delivered out of order")
	ErrComposeNotFound    = errors.New("compose message not found")
	ErrWrongDestination   = errors.New("packet delivered to wrong endpoint")
	ErrNotOwner           = errors.New("caller is not the endpoint owner")
	ErrAlreadyRegistered  = errors.New("application already registered")
)

// Origin identifies where an inbound packet came from.
type Origin struct {
	SrcEid uint32
	Sender common.Hash
	Nonce  uint64
}

// MessagingParams describes an outbound message.
type MessagingParams struct {
	DstEid       uint32
	Receiver     common.Hash
	Message      []byte
	Options      []byte
	PayInLzToken bool
}

// MessagingReceipt is returned by a successful send.
type MessagingReceipt struct {
	GUID  common.Hash
	Nonce uint64
	Fee   MessagingFee
}

// Packet is a message in flight between two endpoints.
type Packet struct {
	Nonce    uint64
	SrcEid   uint32
	Sender   common.Address
	DstEid   uint32
	Receiver common.Hash
	GUID     common.Hash
	Message  []byte
	Options  []byte
}

// Origin returns the origin seen by the receiver of [p].
func (p *Packet) Origin() Origin {
	return Origin{SrcEid: p.SrcEid, Sender: AddressToBytes32(p.Sender), Nonce: p.Nonce}
}

// ComposeMessage is a follow-up call queued by a receiver while handling a
// packet, executed in a separate transaction on the same chain.
type ComposeMessage struct {
	Eid     uint32
	From    common.Address
	To      common.Address
	GUID    common.Hash
	Index   uint16
	Message []byte
	Value   *big.Int // native value the executor attaches
}

// Receiver handles packets delivered to an application.
type Receiver interface {
	LzReceive(st *chain.State, origin Origin, guid common.Hash, message []byte, executor common.Address, value *big.Int) error
}

// Composer handles compose messages queued for an application.
type Composer interface {
	LzCompose(st *chain.State, from common.Address, guid common.Hash, message []byte, executor common.Address, value *big.Int) error
}

// GUID derives the globally unique identifier of a packet.
func GUID(nonce uint64, srcEid uint32, sender common.Address, dstEid uint32, receiver common.Hash) common.Hash {
	hasher := blake3.New()
	hasher.Write([]byte{byte(nonce >> 56), byte(nonce >> 48), byte(nonce >> 40), byte(nonce >> 32),
		byte(nonce >> 24), byte(nonce >> 16), byte(nonce >> 8), byte(nonce)})
	hasher.Write([]byte{byte(srcEid >> 24), byte(srcEid >> 16), byte(srcEid >> 8), byte(srcEid)})
	hasher.Write(AddressToBytes32(sender).Bytes())
	hasher.Write([]byte{byte(dstEid >> 24), byte(dstEid >> 16), byte(dstEid >> 8), byte(dstEid)})
	hasher.Write(receiver[:])

	var id common.Hash
	copy(id[:], hasher.Sum(nil))
	return id
}

// AddressToBytes32 left pads [addr] to the 32 byte form used on the wire.
func AddressToBytes32(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// Bytes32ToAddress takes the low 20 bytes of [b].
func Bytes32ToAddress(b common.Hash) common.Address {
	return common.BytesToAddress(b[12:])
}

// PacketSent is emitted on the source chain when a packet is dispatched.
type PacketSent struct {
	GUID    common.Hash
	Nonce   uint64
	DstEid  uint32
	Sender  common.Address
	Options []byte
	Fee     MessagingFee
}

func (PacketSent) EventName() string { return "PacketSent" }

// PacketDelivered is emitted on the destination chain once the receiver ran.
type PacketDelivered struct {
	GUID     common.Hash
	Origin   Origin
	Receiver common.Address
}

func (PacketDelivered) EventName() string { return "PacketDelivered" }

// ComposeSent is emitted when a receiver queues a compose message.
type ComposeSent struct {
	From  common.Address
	To    common.Address
	GUID  common.Hash
	Index uint16
}

func (ComposeSent) EventName() string { return "ComposeSent" }

// ComposeDelivered is emitted once a compose message was executed.
type ComposeDelivered struct {
	From  common.Address
	To    common.Address
	GUID  common.Hash
	Index uint16
}

func (ComposeDelivered) EventName() string { return "ComposeDelivered" }

// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package oft

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"
)

// Message types used as keys of the enforced options table.
const (
	MsgTypeSend        uint16 = 1
	MsgTypeSendAndCall uint16 = 2
)

const (
	sendToLen      = common.HashLength
	amountSDLen    = 8
	composeFromLen = common.HashLength
	messageLen     = sendToLen + amountSDLen
	composedLen    = messageLen + composeFromLen

	nonceLen         = 8
	srcEidLen        = 4
	amountLDLen      = 32
	composeHeaderLen = nonceLen + srcEidLen + amountLDLen
)

// Message is the payload of a token transfer packet:
//
//	sendTo bytes32 | amountSD uint64 | [composeFrom bytes32 | composeMsg]
type Message struct {
	SendTo      common.Hash
	AmountSD    uint64
	ComposeFrom common.Hash
	ComposeMsg  []byte
}

// IsComposed reports whether the message carries a compose payload.
func (m *Message) IsComposed() bool {
	return len(m.ComposeMsg) > 0
}

// Bytes returns the wire encoding of [m]. The compose sender is only
// encoded together with a compose payload.
func (m *Message) Bytes() []byte {
	size := messageLen
	if m.IsComposed() {
		size = composedLen + len(m.ComposeMsg)
	}
	out := make([]byte, size)
	copy(out, m.SendTo[:])
	binary.BigEndian.PutUint64(out[sendToLen:], m.AmountSD)
	if m.IsComposed() {
		copy(out[messageLen:], m.ComposeFrom[:])
		copy(out[composedLen:], m.ComposeMsg)
	}
	return out
}

// DecodeMessage parses a token transfer payload.
func DecodeMessage(raw []byte) (*Message, error) {
	switch {
	case len(raw) == messageLen:
	case len(raw) > composedLen:
	default:
		return nil, fmt.Errorf("%w: %d byte message", ErrInvalidMessage, len(raw))
	}
	m := &Message{
		SendTo:   common.BytesToHash(raw[:sendToLen]),
		AmountSD: binary.BigEndian.Uint64(raw[sendToLen:messageLen]),
	}
	if len(raw) > messageLen {
		m.ComposeFrom = common.BytesToHash(raw[messageLen:composedLen])
		m.ComposeMsg = append([]byte(nil), raw[composedLen:]...)
	}
	return m, nil
}

// ComposeMessage is what the receiving token hands to a composer:
//
//	nonce uint64 | srcEid uint32 | amountLD uint256 | composeFrom bytes32 | composeMsg
type ComposeMessage struct {
	Nonce       uint64
	SrcEid      uint32
	AmountLD    *big.Int
	ComposeFrom common.Hash
	Message     []byte
}

// Bytes returns the wire encoding of [m].
func (m *ComposeMessage) Bytes() []byte {
	out := make([]byte, composeHeaderLen+composeFromLen+len(m.Message))
	binary.BigEndian.PutUint64(out, m.Nonce)
	binary.BigEndian.PutUint32(out[nonceLen:], m.SrcEid)
	m.AmountLD.FillBytes(out[nonceLen+srcEidLen : composeHeaderLen])
	copy(out[composeHeaderLen:], m.ComposeFrom[:])
	copy(out[composeHeaderLen+composeFromLen:], m.Message)
	return out
}

// DecodeComposeMessage parses the payload handed to a composer.
func DecodeComposeMessage(raw []byte) (*ComposeMessage, error) {
	if len(raw) < composeHeaderLen+composeFromLen {
		return nil, fmt.Errorf("%w: %d byte compose message", ErrInvalidMessage, len(raw))
	}
	return &ComposeMessage{
		Nonce:       binary.BigEndian.Uint64(raw),
		SrcEid:      binary.BigEndian.Uint32(raw[nonceLen:]),
		AmountLD:    new(big.Int).SetBytes(raw[nonceLen+srcEidLen : composeHeaderLen]),
		ComposeFrom: common.BytesToHash(raw[composeHeaderLen : composeHeaderLen+composeFromLen]),
		Message:     append([]byte(nil), raw[composeHeaderLen+composeFromLen:]...),
	}, nil
}

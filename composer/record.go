// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package composer

import (
	"encoding/binary"
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/ovault/chain"
)

// Status is the lifecycle state of a compound operation.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusReceived
	StatusProcessing
	StatusCompleted
	StatusRefunding
	StatusRefunded
)

func (s Status) String() string {
	switch s {
	case StatusReceived:
		return "received"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusRefunding:
		return "refunding"
	case StatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can follow [s].
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// Operation is the vault operation of a compound request.
type Operation uint8

const (
	OperationDeposit Operation = iota + 1
	OperationRedeem
)

func (o Operation) String() string {
	switch o {
	case OperationDeposit:
		return "deposit"
	case OperationRedeem:
		return "redeem"
	default:
		return "unknown"
	}
}

// Record is the durable outcome of a compose message. It is written once the
// operation reaches a terminal state and is what a replay returns.
type Record struct {
	Operation Operation      `serialize:"true"`
	Status    Status         `serialize:"true"`
	GUID      common.Hash    `serialize:"true"`
	SrcEid    uint32         `serialize:"true"`
	Nonce     uint64         `serialize:"true"`
	DstEid    uint32         `serialize:"true"`
	Recipient common.Address `serialize:"true"`
	AmountIn  []byte         `serialize:"true"`
	AmountOut []byte         `serialize:"true"`
	Reason    string         `serialize:"true"`
}

// AmountInLD is the amount credited to the composer by the inbound transfer.
func (r *Record) AmountInLD() *big.Int {
	return new(big.Int).SetBytes(r.AmountIn)
}

// AmountOutLD is the vault output. It is zero when the vault operation
// itself failed.
func (r *Record) AmountOutLD() *big.Int {
	return new(big.Int).SetBytes(r.AmountOut)
}

var recordPrefix = []byte("rec")

func recordKey(app common.Address, srcEid uint32, nonce uint64) []byte {
	key := chain.Key(recordPrefix, app.Bytes())
	key = binary.BigEndian.AppendUint32(key, srcEid)
	return binary.BigEndian.AppendUint64(key, nonce)
}

func (c *Composer) putRecord(st *chain.State, app common.Address, r *Record) error {
	raw, err := Codec.Marshal(CodecVersion, r)
	if err != nil {
		return err
	}
	return st.Storage(c.address).Put(recordKey(app, r.SrcEid, r.Nonce), raw)
}

// Record returns the outcome of the compose message that [app] forwarded for
// inbound nonce [nonce] from [srcEid], if it has been processed.
func (c *Composer) Record(st *chain.State, app common.Address, srcEid uint32, nonce uint64) (*Record, bool, error) {
	raw, err := chain.GetBytes(st.Storage(c.address), recordKey(app, srcEid, nonce))
	if err != nil || raw == nil {
		return nil, false, err
	}
	r := &Record{}
	if _, err := Codec.Unmarshal(raw, r); err != nil {
		return nil, false, err
	}
	return r, true, nil
}

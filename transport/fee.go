// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"fmt"
	"math/big"

	"github.com/luxfi/ovault/options"
)

// Price is the pricing of a single destination.
type Price struct {
	BaseFee    *big.Int // flat fee per message
	PerByteFee *big.Int // fee per payload byte
	GasPrice   *big.Int // price of one unit of destination gas
}

// MessagingFee is the fee for a message, split between the native currency
// and the lz token.
type MessagingFee struct {
	NativeFee  *big.Int
	LzTokenFee *big.Int
}

// NewFee returns a fee paid fully in the native currency.
func NewFee(native *big.Int) MessagingFee {
	return MessagingFee{NativeFee: new(big.Int).Set(native), LzTokenFee: new(big.Int)}
}

// Covers reports whether [f] pays at least [required] in both currencies.
func (f MessagingFee) Covers(required MessagingFee) bool {
	return orZero(f.NativeFee).Cmp(orZero(required.NativeFee)) >= 0 &&
		orZero(f.LzTokenFee).Cmp(orZero(required.LzTokenFee)) >= 0
}

func (f MessagingFee) String() string {
	return fmt.Sprintf("{native: %s, lzToken: %s}", orZero(f.NativeFee), orZero(f.LzTokenFee))
}

// FeeModel is an immutable pricing snapshot. Estimates against the same
// snapshot are deterministic.
type FeeModel struct {
	Version uint64
	Default Price
	Prices  map[uint32]Price

	// LzTokenRate is the lz token charged per unit of native execution cost.
	// A nil or zero rate disables lz token payment.
	LzTokenRate *big.Int
}

// DefaultFeeModel returns the pricing used when nothing else is configured.
func DefaultFeeModel() *FeeModel {
	return &FeeModel{
		Version: 1,
		Default: Price{
			BaseFee:    big.NewInt(10_000_000_000_000), // 1e13
			PerByteFee: big.NewInt(1_000_000_000),      // 1e9
			GasPrice:   big.NewInt(1_000_000),          // 1e6
		},
		Prices: map[uint32]Price{},
	}
}

func (m *FeeModel) price(dstEid uint32) Price {
	if p, ok := m.Prices[dstEid]; ok {
		return p
	}
	return m.Default
}

// Estimate prices a message of [payloadSize] bytes carrying [opts] to
// [dstEid]. The execution part is base + perByte*size + gasPrice*gas. Native
// value requested by the options (receive value, drops, compose value) is
// always paid in the native currency since the executor fronts it.
func (m *FeeModel) Estimate(dstEid uint32, payloadSize int, opts *options.Options, payInLzToken bool) (MessagingFee, error) {
	p := m.price(dstEid)

	exec := new(big.Int).Set(orZero(p.BaseFee))
	exec.Add(exec, new(big.Int).Mul(orZero(p.PerByteFee), big.NewInt(int64(payloadSize))))
	exec.Add(exec, new(big.Int).Mul(orZero(p.GasPrice), opts.TotalGas().ToBig()))

	value := opts.TotalValue().ToBig()

	if !payInLzToken {
		return MessagingFee{NativeFee: exec.Add(exec, value), LzTokenFee: new(big.Int)}, nil
	}
	if m.LzTokenRate == nil || m.LzTokenRate.Sign() == 0 {
		return MessagingFee{}, ErrLzTokenUnavailable
	}
	return MessagingFee{
		NativeFee:  value,
		LzTokenFee: exec.Mul(exec, m.LzTokenRate),
	}, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

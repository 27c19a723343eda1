// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package options implements the type 3 execution options format carried by
// every outbound message, and the rule that merges caller supplied options
// with an enforced floor.
//
// Layout:
//
//	uint16 optionsType (always 3)
//	repeated:
//	  uint8  workerID     (1 = executor)
//	  uint16 size         (len(optionType) + len(data))
//	  uint8  optionType
//	  bytes  data
//
// Executor option data:
//
//	lzReceive   gas u128 [value u128]
//	nativeDrop  amount u128, receiver bytes32
//	lzCompose   index u16, gas u128 [value u128]
//	ordered     (empty)
package options

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

const (
	TypeLegacy1 uint16 = 1
	TypeLegacy2 uint16 = 2
	Type3       uint16 = 3

	WorkerExecutor uint8 = 1
	WorkerDVN      uint8 = 2

	OptionLzReceive  uint8 = 1
	OptionNativeDrop uint8 = 2
	OptionLzCompose  uint8 = 3
	OptionOrdered    uint8 = 4
)

const u128Len = 16

var (
	ErrInvalidOptions    = errors.New("invalid options")
	ErrInvalidOptionType = errors.New("options must be type 3")
	ErrUnsupportedWorker = errors.New("unsupported worker id")
	ErrUnsupportedOption = errors.New("unsupported executor option")
	ErrValueOverflow     = errors.New("option value exceeds 128 bits")
	ErrInvalidOptionSize = errors.New("invalid executor option size")
	ErrTruncatedOptions  = errors.New("truncated options")
)

// LzReceive is the gas (and optional native value) granted to the receiver.
type LzReceive struct {
	Gas   uint256.Int
	Value uint256.Int
}

// NativeDrop is native currency delivered to [Receiver] on the destination.
type NativeDrop struct {
	Amount   uint256.Int
	Receiver common.Hash
}

// LzCompose is the gas and value granted to the compose call at [Index].
type LzCompose struct {
	Index uint16
	Gas   uint256.Int
	Value uint256.Int
}

// Options is the parsed form of a type 3 options blob.
type Options struct {
	LzReceive   *LzReceive
	NativeDrops []NativeDrop
	Composes    []LzCompose
	Ordered     bool
}

// New returns an empty option set for building.
func New() *Options {
	return &Options{}
}

// AddExecutorLzReceiveOption adds receive gas and value. Repeated calls
// accumulate, matching how the executor interprets repeated entries.
func (o *Options) AddExecutorLzReceiveOption(gas, value uint64) *Options {
	o.addLzReceive(uint256.NewInt(gas), uint256.NewInt(value))
	return o
}

// AddExecutorNativeDropOption adds a native drop to [receiver].
func (o *Options) AddExecutorNativeDropOption(amount uint64, receiver common.Hash) *Options {
	o.addNativeDrop(uint256.NewInt(amount), receiver)
	return o
}

// AddExecutorLzComposeOption adds compose gas and value for compose [index].
func (o *Options) AddExecutorLzComposeOption(index uint16, gas, value uint64) *Options {
	o.addCompose(index, uint256.NewInt(gas), uint256.NewInt(value))
	return o
}

// AddExecutorOrderedExecutionOption requests ordered execution.
func (o *Options) AddExecutorOrderedExecutionOption() *Options {
	o.Ordered = true
	return o
}

// IsEmpty reports whether no option is set.
func (o *Options) IsEmpty() bool {
	return o.LzReceive == nil && len(o.NativeDrops) == 0 && len(o.Composes) == 0 && !o.Ordered
}

// TotalGas is the gas the executor must provision on the destination.
func (o *Options) TotalGas() *uint256.Int {
	total := new(uint256.Int)
	if o.LzReceive != nil {
		total.Add(total, &o.LzReceive.Gas)
	}
	for i := range o.Composes {
		total.Add(total, &o.Composes[i].Gas)
	}
	return total
}

// TotalValue is the native value the executor must front on the destination.
func (o *Options) TotalValue() *uint256.Int {
	total := new(uint256.Int)
	if o.LzReceive != nil {
		total.Add(total, &o.LzReceive.Value)
	}
	for i := range o.NativeDrops {
		total.Add(total, &o.NativeDrops[i].Amount)
	}
	for i := range o.Composes {
		total.Add(total, &o.Composes[i].Value)
	}
	return total
}

// Compose returns the compose option for [index], if any.
func (o *Options) Compose(index uint16) (LzCompose, bool) {
	for _, c := range o.Composes {
		if c.Index == index {
			return c, true
		}
	}
	return LzCompose{}, false
}

// Bytes encodes the options in canonical order: receive, drops, composes by
// index, ordered. An empty set encodes to nil.
func (o *Options) Bytes() ([]byte, error) {
	if o.IsEmpty() {
		return nil, nil
	}
	var buf bytes.Buffer
	writeUint16(&buf, Type3)

	if r := o.LzReceive; r != nil {
		data, err := u128(&r.Gas)
		if err != nil {
			return nil, err
		}
		if !r.Value.IsZero() {
			v, err := u128(&r.Value)
			if err != nil {
				return nil, err
			}
			data = append(data, v...)
		}
		writeExecutorOption(&buf, OptionLzReceive, data)
	}
	for i := range o.NativeDrops {
		d := &o.NativeDrops[i]
		data, err := u128(&d.Amount)
		if err != nil {
			return nil, err
		}
		data = append(data, d.Receiver.Bytes()...)
		writeExecutorOption(&buf, OptionNativeDrop, data)
	}

	composes := append([]LzCompose(nil), o.Composes...)
	sort.Slice(composes, func(i, j int) bool { return composes[i].Index < composes[j].Index })
	for i := range composes {
		c := &composes[i]
		data := []byte{byte(c.Index >> 8), byte(c.Index)}
		gas, err := u128(&c.Gas)
		if err != nil {
			return nil, err
		}
		data = append(data, gas...)
		if !c.Value.IsZero() {
			v, err := u128(&c.Value)
			if err != nil {
				return nil, err
			}
			data = append(data, v...)
		}
		writeExecutorOption(&buf, OptionLzCompose, data)
	}
	if o.Ordered {
		writeExecutorOption(&buf, OptionOrdered, nil)
	}
	return buf.Bytes(), nil
}

// Parse decodes a type 3 options blob. An empty blob parses to an empty set.
func Parse(raw []byte) (*Options, error) {
	o := New()
	if len(raw) == 0 {
		return o, nil
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidOptions, len(raw))
	}
	if typ := binary.BigEndian.Uint16(raw); typ != Type3 {
		return nil, fmt.Errorf("%w: got type %d", ErrInvalidOptionType, typ)
	}

	cursor := 2
	for cursor < len(raw) {
		if len(raw)-cursor < 4 {
			return nil, fmt.Errorf("%w: option header at offset %d", ErrTruncatedOptions, cursor)
		}
		worker := raw[cursor]
		size := int(binary.BigEndian.Uint16(raw[cursor+1:]))
		cursor += 3
		if size == 0 || cursor+size > len(raw) {
			return nil, fmt.Errorf("%w: option of size %d at offset %d", ErrTruncatedOptions, size, cursor)
		}
		if worker != WorkerExecutor {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedWorker, worker)
		}
		optType := raw[cursor]
		data := raw[cursor+1 : cursor+size]
		cursor += size

		if err := o.decodeExecutorOption(optType, data); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Options) decodeExecutorOption(optType uint8, data []byte) error {
	switch optType {
	case OptionLzReceive:
		if len(data) != u128Len && len(data) != 2*u128Len {
			return fmt.Errorf("%w: lzReceive with %d bytes", ErrInvalidOptionSize, len(data))
		}
		gas := new(uint256.Int).SetBytes(data[:u128Len])
		value := new(uint256.Int)
		if len(data) == 2*u128Len {
			value.SetBytes(data[u128Len:])
		}
		o.addLzReceive(gas, value)
	case OptionNativeDrop:
		if len(data) != u128Len+common.HashLength {
			return fmt.Errorf("%w: nativeDrop with %d bytes", ErrInvalidOptionSize, len(data))
		}
		o.addNativeDrop(new(uint256.Int).SetBytes(data[:u128Len]), common.BytesToHash(data[u128Len:]))
	case OptionLzCompose:
		if len(data) != 2+u128Len && len(data) != 2+2*u128Len {
			return fmt.Errorf("%w: lzCompose with %d bytes", ErrInvalidOptionSize, len(data))
		}
		index := binary.BigEndian.Uint16(data)
		gas := new(uint256.Int).SetBytes(data[2 : 2+u128Len])
		value := new(uint256.Int)
		if len(data) == 2+2*u128Len {
			value.SetBytes(data[2+u128Len:])
		}
		o.addCompose(index, gas, value)
	case OptionOrdered:
		if len(data) != 0 {
			return fmt.Errorf("%w: ordered with %d bytes", ErrInvalidOptionSize, len(data))
		}
		o.Ordered = true
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedOption, optType)
	}
	return nil
}

func (o *Options) addLzReceive(gas, value *uint256.Int) {
	if o.LzReceive == nil {
		o.LzReceive = &LzReceive{}
	}
	o.LzReceive.Gas.Add(&o.LzReceive.Gas, gas)
	o.LzReceive.Value.Add(&o.LzReceive.Value, value)
}

func (o *Options) addNativeDrop(amount *uint256.Int, receiver common.Hash) {
	for i := range o.NativeDrops {
		if o.NativeDrops[i].Receiver == receiver {
			o.NativeDrops[i].Amount.Add(&o.NativeDrops[i].Amount, amount)
			return
		}
	}
	o.NativeDrops = append(o.NativeDrops, NativeDrop{Amount: *amount, Receiver: receiver})
}

func (o *Options) addCompose(index uint16, gas, value *uint256.Int) {
	for i := range o.Composes {
		if o.Composes[i].Index == index {
			o.Composes[i].Gas.Add(&o.Composes[i].Gas, gas)
			o.Composes[i].Value.Add(&o.Composes[i].Value, value)
			return
		}
	}
	o.Composes = append(o.Composes, LzCompose{Index: index, Gas: *gas, Value: *value})
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func writeExecutorOption(buf *bytes.Buffer, optType uint8, data []byte) {
	buf.WriteByte(WorkerExecutor)
	writeUint16(buf, uint16(len(data)+1))
	buf.WriteByte(optType)
	buf.Write(data)
}

func u128(v *uint256.Int) ([]byte, error) {
	if v.BitLen() > 128 {
		return nil, ErrValueOverflow
	}
	b := v.Bytes32()
	return append([]byte(nil), b[32-u128Len:]...), nil
}

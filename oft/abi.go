// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package oft

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
)

// SendParam describes a token transfer to another chain. The field names
// follow the ABI component names so values convert to and from the decoded
// tuple directly.
type SendParam struct {
	DstEid       uint32
	To           [32]byte
	AmountLD     *big.Int
	MinAmountLD  *big.Int
	ExtraOptions []byte
	ComposeMsg   []byte
	OftCmd       []byte
}

const rawABI = `[
	{"type":"event","name":"OFTSent","anonymous":false,"inputs":[
		{"name":"guid","type":"bytes32","indexed":true},
		{"name":"dstEid","type":"uint32","indexed":false},
		{"name":"fromAddress","type":"address","indexed":true},
		{"name":"amountSentLD","type":"uint256","indexed":false},
		{"name":"amountReceivedLD","type":"uint256","indexed":false}]},
	{"type":"event","name":"OFTReceived","anonymous":false,"inputs":[
		{"name":"guid","type":"bytes32","indexed":true},
		{"name":"srcEid","type":"uint32","indexed":false},
		{"name":"toAddress","type":"address","indexed":true},
		{"name":"amountReceivedLD","type":"uint256","indexed":false}]},
	{"type":"function","name":"compose","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"sendParam","type":"tuple","components":[
			{"name":"dstEid","type":"uint32"},
			{"name":"to","type":"bytes32"},
			{"name":"amountLD","type":"uint256"},
			{"name":"minAmountLD","type":"uint256"},
			{"name":"extraOptions","type":"bytes"},
			{"name":"composeMsg","type":"bytes"},
			{"name":"oftCmd","type":"bytes"}]},
		{"name":"minMsgValue","type":"uint256"}]}
]`

// ABI describes the token events and the compose payload.
var ABI = parseABI(rawABI)

func parseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse ABI: %v", err))
	}
	return parsed
}

// EncodeComposePayload encodes the follow-up transfer a composer performs
// after the vault operation, as abi.encode(SendParam, uint256 minMsgValue).
func EncodeComposePayload(hop SendParam, minMsgValue *big.Int) ([]byte, error) {
	hop = hop.normalized()
	if minMsgValue == nil {
		minMsgValue = new(big.Int)
	}
	return ABI.Methods["compose"].Inputs.Pack(hop, minMsgValue)
}

// DecodeComposePayload is the inverse of EncodeComposePayload.
func DecodeComposePayload(data []byte) (SendParam, *big.Int, error) {
	out, err := ABI.Methods["compose"].Inputs.Unpack(data)
	if err != nil {
		return SendParam{}, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(out) != 2 {
		return SendParam{}, nil, fmt.Errorf("%w: %d values", ErrInvalidMessage, len(out))
	}
	hop, ok := abi.ConvertType(out[0], new(SendParam)).(*SendParam)
	if !ok {
		return SendParam{}, nil, fmt.Errorf("%w: unexpected tuple %T", ErrInvalidMessage, out[0])
	}
	minMsgValue, ok := out[1].(*big.Int)
	if !ok {
		return SendParam{}, nil, fmt.Errorf("%w: unexpected value %T", ErrInvalidMessage, out[1])
	}
	return *hop, minMsgValue, nil
}

// PackEvent returns the EVM log form of a token event: its topics and the
// packed non-indexed arguments.
func PackEvent(name string, args ...interface{}) ([]common.Hash, []byte, error) {
	event, exist := ABI.Events[name]
	if !exist {
		return nil, nil, fmt.Errorf("event '%s' not found", name)
	}
	if len(args) != len(event.Inputs) {
		return nil, nil, fmt.Errorf("event '%s' unexpected number of inputs %d", name, len(args))
	}

	var (
		nonIndexedInputs = make([]interface{}, 0)
		nonIndexedArgs   abi.Arguments
		topics           = []common.Hash{event.ID}
	)
	for i, arg := range event.Inputs {
		if !arg.Indexed {
			nonIndexedArgs = append(nonIndexedArgs, arg)
			nonIndexedInputs = append(nonIndexedInputs, args[i])
			continue
		}
		switch v := args[i].(type) {
		case common.Address:
			topics = append(topics, common.BytesToHash(v.Bytes()))
		case common.Hash:
			topics = append(topics, v)
		default:
			return nil, nil, fmt.Errorf("unsupported indexed type: %T", v)
		}
	}

	data, err := nonIndexedArgs.Pack(nonIndexedInputs...)
	if err != nil {
		return nil, nil, err
	}
	return topics, data, nil
}

// normalized replaces nil big integers so the value can be ABI encoded.
func (p SendParam) normalized() SendParam {
	if p.AmountLD == nil {
		p.AmountLD = new(big.Int)
	}
	if p.MinAmountLD == nil {
		p.MinAmountLD = new(big.Int)
	}
	return p
}

// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oft implements bridgeable tokens. An OFT burns on the source chain
// and mints on the destination; an Adapter locks an existing token instead.
// Both move amounts in shared decimals so every chain agrees on the value
// regardless of its local decimals.
package oft

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/ovault/chain"
	"github.com/luxfi/ovault/metrics"
	"github.com/luxfi/ovault/oapp"
	"github.com/luxfi/ovault/token"
	"github.com/luxfi/ovault/transport"
)

// DefaultSharedDecimals is the precision amounts travel with.
const DefaultSharedDecimals uint8 = 6

// Version reported by OFTVersion.
const (
	InterfaceID uint32 = 0x02e49c2c
	Version     uint64 = 1
)

var (
	ErrSlippageExceeded     = errors.New("slippage exceeded")
	ErrInvalidLocalDecimals = errors.New("local decimals below shared decimals")
	ErrInvalidMessage       = errors.New("invalid token message")
	ErrAmountSDOverflow     = errors.New("amount exceeds shared decimal range")
	ErrNotMintable          = errors.New("token cannot be minted by its owner")
)

// DeadAddress receives credits addressed to the zero address.
var DeadAddress = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

// OFTLimit bounds the amount a single send accepts.
type OFTLimit struct {
	MinAmountLD *big.Int
	MaxAmountLD *big.Int
}

// OFTFeeDetail is a fee charged in the token itself. None are charged.
type OFTFeeDetail struct {
	FeeAmountLD *big.Int
	Description string
}

// OFTReceipt is what a send debits and what the recipient is credited.
type OFTReceipt struct {
	AmountSentLD     *big.Int
	AmountReceivedLD *big.Int
}

// OFTSent is emitted on the source chain by a send.
type OFTSent struct {
	GUID             common.Hash
	DstEid           uint32
	From             common.Address
	AmountSentLD     *big.Int
	AmountReceivedLD *big.Int
}

func (OFTSent) EventName() string { return "OFTSent" }

// Log returns the EVM log topics and data of the event.
func (e OFTSent) Log() ([]common.Hash, []byte, error) {
	return PackEvent("OFTSent", e.GUID, e.DstEid, e.From, e.AmountSentLD, e.AmountReceivedLD)
}

// OFTReceived is emitted on the destination chain once the recipient was
// credited.
type OFTReceived struct {
	GUID             common.Hash
	SrcEid           uint32
	To               common.Address
	AmountReceivedLD *big.Int
}

func (OFTReceived) EventName() string { return "OFTReceived" }

// Log returns the EVM log topics and data of the event.
func (e OFTReceived) Log() ([]common.Hash, []byte, error) {
	return PackEvent("OFTReceived", e.GUID, e.SrcEid, e.To, e.AmountReceivedLD)
}

// ledger moves the underlying token in and out of circulation.
type ledger interface {
	debit(st *chain.State, from common.Address, amount *big.Int) error
	credit(st *chain.State, to common.Address, amount *big.Int) error
	approvalRequired() bool
}

// mintBurn backs an OFT: the token is its own ledger.
type mintBurn struct {
	tok *token.ERC20
}

func (m mintBurn) debit(st *chain.State, from common.Address, amount *big.Int) error {
	return m.tok.Burn(st, from, amount)
}

func (m mintBurn) credit(st *chain.State, to common.Address, amount *big.Int) error {
	return m.tok.Mint(st, to, amount)
}

func (mintBurn) approvalRequired() bool { return false }

// lockBox backs an Adapter: tokens sent away are held by the adapter.
type lockBox struct {
	tok     *token.ERC20
	adapter common.Address
}

func (l lockBox) debit(st *chain.State, from common.Address, amount *big.Int) error {
	return l.tok.TransferFrom(st, l.adapter, from, l.adapter, amount)
}

func (l lockBox) credit(st *chain.State, to common.Address, amount *big.Int) error {
	return l.tok.Transfer(st, l.adapter, to, amount)
}

func (lockBox) approvalRequired() bool { return true }

// OFT is a bridgeable token deployed on one chain.
type OFT struct {
	*oapp.Core

	messenger      *transport.Messenger
	tok            *token.ERC20
	ledger         ledger
	sharedDecimals uint8
	rate           *big.Int
	log            log.Logger
}

// Config holds the constructor parameters shared by both token kinds.
type Config struct {
	Address        common.Address
	Endpoint       *transport.Endpoint
	SharedDecimals uint8 // zero means DefaultSharedDecimals
}

// NewOFT creates a mint/burn token with its own ledger.
func NewOFT(cfg Config, name, symbol string, localDecimals uint8, logger log.Logger) (*OFT, error) {
	tok := token.New(cfg.Address, name, symbol, localDecimals)
	return newOFT(cfg, tok, mintBurn{tok: tok}, logger)
}

// NewAdapter creates a lock/unlock token over the existing [inner] token.
// Senders must approve the adapter for the amount they send.
func NewAdapter(cfg Config, inner *token.ERC20, logger log.Logger) (*OFT, error) {
	return newOFT(cfg, inner, lockBox{tok: inner, adapter: cfg.Address}, logger)
}

func newOFT(cfg Config, tok *token.ERC20, l ledger, logger log.Logger) (*OFT, error) {
	shared := cfg.SharedDecimals
	if shared == 0 {
		shared = DefaultSharedDecimals
	}
	if tok.Decimals < shared {
		return nil, fmt.Errorf("%w: local %d, shared %d", ErrInvalidLocalDecimals, tok.Decimals, shared)
	}
	o := &OFT{
		Core:           oapp.NewCore(cfg.Address, cfg.Endpoint, logger),
		tok:            tok,
		ledger:         l,
		sharedDecimals: shared,
		rate:           new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tok.Decimals-shared)), nil),
		log:            logger,
	}
	m, err := cfg.Endpoint.Register(cfg.Address, o)
	if err != nil {
		return nil, err
	}
	o.messenger = m
	return o, nil
}

// Token returns the ledger holding balances on this chain. For an adapter it
// is the wrapped token.
func (o *OFT) Token() *token.ERC20 { return o.tok }

// ApprovalRequired reports whether senders must approve the token first.
func (o *OFT) ApprovalRequired() bool { return o.ledger.approvalRequired() }

// OFTVersion returns the interface identifier and version of the token.
func (o *OFT) OFTVersion() (uint32, uint64) { return InterfaceID, Version }

// SharedDecimals returns the precision amounts travel with.
func (o *OFT) SharedDecimals() uint8 { return o.sharedDecimals }

// DecimalConversionRate is 10^(localDecimals - sharedDecimals).
func (o *OFT) DecimalConversionRate() *big.Int { return new(big.Int).Set(o.rate) }

// RemoveDust truncates [amountLD] to what shared decimals can represent.
func (o *OFT) RemoveDust(amountLD *big.Int) *big.Int {
	out := new(big.Int).Quo(amountLD, o.rate)
	return out.Mul(out, o.rate)
}

// ToSD converts a local decimal amount to shared decimals.
func (o *OFT) ToSD(amountLD *big.Int) (uint64, error) {
	sd := new(big.Int).Quo(amountLD, o.rate)
	if !sd.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountSDOverflow, amountLD)
	}
	return sd.Uint64(), nil
}

// ToLD converts a shared decimal amount to local decimals.
func (o *OFT) ToLD(amountSD uint64) *big.Int {
	out := new(big.Int).SetUint64(amountSD)
	return out.Mul(out, o.rate)
}

// Mint creates tokens. Only the owner may call it and only on a mint/burn
// token.
func (o *OFT) Mint(st *chain.State, caller, to common.Address, amount *big.Int) error {
	if err := o.OnlyOwner(st, caller); err != nil {
		return err
	}
	if o.ledger.approvalRequired() {
		return ErrNotMintable
	}
	return o.tok.Mint(st, to, amount)
}

// debitView computes what a send of [amountLD] debits and delivers.
func (o *OFT) debitView(amountLD, minAmountLD *big.Int) (OFTReceipt, error) {
	sent := o.RemoveDust(orZero(amountLD))
	if _, err := o.ToSD(sent); err != nil {
		return OFTReceipt{}, err
	}
	received := new(big.Int).Set(sent)
	if received.Cmp(orZero(minAmountLD)) < 0 {
		return OFTReceipt{}, fmt.Errorf("%w: %s < %s", ErrSlippageExceeded, received, orZero(minAmountLD))
	}
	return OFTReceipt{AmountSentLD: sent, AmountReceivedLD: received}, nil
}

// QuoteOFT returns the limits, token fees and receipt of a send without
// touching any state.
func (o *OFT) QuoteOFT(param SendParam) (OFTLimit, []OFTFeeDetail, OFTReceipt, error) {
	limit := OFTLimit{
		MinAmountLD: new(big.Int),
		MaxAmountLD: o.ToLD(math.MaxUint64),
	}
	receipt, err := o.debitView(param.AmountLD, param.MinAmountLD)
	if err != nil {
		return OFTLimit{}, nil, OFTReceipt{}, err
	}
	return limit, nil, receipt, nil
}

// QuoteSend returns the transport fee for [param]. It reads the peer and
// the enforced options but mutates nothing.
func (o *OFT) QuoteSend(st *chain.State, param SendParam, payInLzToken bool) (transport.MessagingFee, error) {
	receipt, err := o.debitView(param.AmountLD, param.MinAmountLD)
	if err != nil {
		return transport.MessagingFee{}, err
	}
	params, err := o.messagingParams(st, common.Address{}, param, receipt.AmountReceivedLD, payInLzToken)
	if err != nil {
		return transport.MessagingFee{}, err
	}
	return o.messenger.Quote(params)
}

// Send debits [param.AmountLD] (less dust) from [sender] and dispatches it to
// the peer on [param.DstEid]. [fee] is taken from the sender's native balance
// and must cover the fee computed now; any excess goes to [refund]. Nothing
// is debited unless every check passes.
func (o *OFT) Send(
	st *chain.State,
	sender common.Address,
	param SendParam,
	fee transport.MessagingFee,
	refund common.Address,
) (transport.MessagingReceipt, OFTReceipt, error) {
	msgReceipt, oftReceipt, err := o.send(st, sender, param, fee, refund)
	if err != nil {
		metrics.RecordSend(o.tok.Symbol, false)
		o.log.Debug("send rejected",
			"token", o.tok.Symbol,
			"dstEid", param.DstEid,
			"err", err,
		)
		return transport.MessagingReceipt{}, OFTReceipt{}, err
	}
	st.AfterCommit(func() {
		metrics.RecordSend(o.tok.Symbol, true)
	})
	return msgReceipt, oftReceipt, nil
}

func (o *OFT) send(
	st *chain.State,
	sender common.Address,
	param SendParam,
	fee transport.MessagingFee,
	refund common.Address,
) (transport.MessagingReceipt, OFTReceipt, error) {
	if _, err := o.PeerOrErr(st, param.DstEid); err != nil {
		return transport.MessagingReceipt{}, OFTReceipt{}, err
	}
	oftReceipt, err := o.debitView(param.AmountLD, param.MinAmountLD)
	if err != nil {
		return transport.MessagingReceipt{}, OFTReceipt{}, err
	}
	if err := o.ledger.debit(st, sender, oftReceipt.AmountSentLD); err != nil {
		return transport.MessagingReceipt{}, OFTReceipt{}, err
	}

	params, err := o.messagingParams(st, sender, param, oftReceipt.AmountReceivedLD, fee.LzTokenFee != nil && fee.LzTokenFee.Sign() > 0)
	if err != nil {
		return transport.MessagingReceipt{}, OFTReceipt{}, err
	}
	msgReceipt, err := o.messenger.Send(st, params, fee, sender, refund)
	if err != nil {
		return transport.MessagingReceipt{}, OFTReceipt{}, err
	}

	st.Emit(OFTSent{
		GUID:             msgReceipt.GUID,
		DstEid:           param.DstEid,
		From:             sender,
		AmountSentLD:     oftReceipt.AmountSentLD,
		AmountReceivedLD: oftReceipt.AmountReceivedLD,
	})
	o.log.Info("sent tokens",
		"token", o.tok.Symbol,
		"dstEid", param.DstEid,
		"from", sender,
		"amount", oftReceipt.AmountSentLD,
		"guid", msgReceipt.GUID,
	)
	return msgReceipt, oftReceipt, nil
}

// messagingParams builds the packet for a send of [amountLD]. The options are
// the caller's extra options merged with the enforced floor of the message
// type.
func (o *OFT) messagingParams(st *chain.State, sender common.Address, param SendParam, amountLD *big.Int, payInLzToken bool) (transport.MessagingParams, error) {
	peer, err := o.PeerOrErr(st, param.DstEid)
	if err != nil {
		return transport.MessagingParams{}, err
	}
	amountSD, err := o.ToSD(amountLD)
	if err != nil {
		return transport.MessagingParams{}, err
	}
	msg := Message{
		SendTo:      param.To,
		AmountSD:    amountSD,
		ComposeFrom: transport.AddressToBytes32(sender),
		ComposeMsg:  param.ComposeMsg,
	}
	msgType := MsgTypeSend
	if msg.IsComposed() {
		msgType = MsgTypeSendAndCall
	}
	opts, err := o.CombineOptions(st, param.DstEid, msgType, param.ExtraOptions)
	if err != nil {
		return transport.MessagingParams{}, err
	}
	return transport.MessagingParams{
		DstEid:       param.DstEid,
		Receiver:     peer,
		Message:      msg.Bytes(),
		Options:      opts,
		PayInLzToken: payInLzToken,
	}, nil
}

// LzReceive credits an inbound transfer. It is invoked by the endpoint only.
// A transfer with a compose payload is forwarded to the recipient as a
// compose message once the recipient has been credited.
func (o *OFT) LzReceive(st *chain.State, origin transport.Origin, guid common.Hash, message []byte, _ common.Address, _ *big.Int) error {
	if err := o.VerifyOrigin(st, origin); err != nil {
		return err
	}
	msg, err := DecodeMessage(message)
	if err != nil {
		return err
	}

	to := transport.Bytes32ToAddress(msg.SendTo)
	if to == (common.Address{}) {
		to = DeadAddress
	}
	amountLD := o.ToLD(msg.AmountSD)
	if err := o.ledger.credit(st, to, amountLD); err != nil {
		return err
	}

	if msg.IsComposed() {
		compose := ComposeMessage{
			Nonce:       origin.Nonce,
			SrcEid:      origin.SrcEid,
			AmountLD:    amountLD,
			ComposeFrom: msg.ComposeFrom,
			Message:     msg.ComposeMsg,
		}
		if err := o.messenger.SendCompose(st, to, guid, 0, compose.Bytes()); err != nil {
			return err
		}
	}

	st.Emit(OFTReceived{
		GUID:             guid,
		SrcEid:           origin.SrcEid,
		To:               to,
		AmountReceivedLD: amountLD,
	})
	o.log.Info("received tokens",
		"token", o.tok.Symbol,
		"srcEid", origin.SrcEid,
		"to", to,
		"amount", amountLD,
		"composed", msg.IsComposed(),
	)
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package composer chains a vault operation on the hub with a cross-chain
// transfer of its output.
//
// An inbound asset transfer that carries a compose payload is deposited into
// the vault and the minted shares are sent on to the payload's destination.
// An inbound share transfer is redeemed and the assets are sent on. The
// inbound leg has already committed when the composer runs, so every failure
// after it is absorbed: the composer credits the funds it holds to the
// recipient on the hub and records the operation as refunded.
package composer

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/ovault/chain"
	"github.com/luxfi/ovault/metrics"
	"github.com/luxfi/ovault/oft"
	"github.com/luxfi/ovault/token"
	"github.com/luxfi/ovault/transport"
	"github.com/luxfi/ovault/vault"
)

var (
	ErrOnlyValidComposeCaller  = errors.New("compose caller is neither the asset nor the share token")
	ErrComposeForwardingFailed = errors.New("compose forwarding failed")
	ErrInsufficientMsgValue    = errors.New("attached value below requested minimum")
	ErrAssetTokenMismatch      = errors.New("asset token does not match the vault asset")
	ErrShareTokenMismatch      = errors.New("share token does not match the vault shares")
	ErrShareNotAdapter         = errors.New("share token on the hub must be an adapter")
)

// StatusChanged is emitted on every lifecycle transition of an operation.
type StatusChanged struct {
	Composer common.Address
	GUID     common.Hash
	SrcEid   uint32
	Nonce    uint64
	Status   Status
	Reason   string
}

func (StatusChanged) EventName() string { return "StatusChanged" }

// Config wires a composer to the hub deployment.
type Config struct {
	Address  common.Address
	Vault    *vault.Vault
	AssetOFT *oft.OFT
	ShareOFT *oft.OFT
}

// Composer runs compound vault operations on the hub.
type Composer struct {
	address  common.Address
	vault    *vault.Vault
	assetOFT *oft.OFT
	shareOFT *oft.OFT
	log      log.Logger
}

// New creates the composer and registers it with the hub endpoint. The asset
// token must be the vault's asset and the share token an adapter over the
// vault's shares.
func New(cfg Config, logger log.Logger) (*Composer, error) {
	if cfg.AssetOFT.Token().Address != cfg.Vault.Asset().Address {
		return nil, fmt.Errorf("%w: %s", ErrAssetTokenMismatch, cfg.AssetOFT.Token().Address.Hex())
	}
	if cfg.ShareOFT.Token().Address != cfg.Vault.Address() {
		return nil, fmt.Errorf("%w: %s", ErrShareTokenMismatch, cfg.ShareOFT.Token().Address.Hex())
	}
	if !cfg.ShareOFT.ApprovalRequired() {
		return nil, ErrShareNotAdapter
	}
	c := &Composer{
		address:  cfg.Address,
		vault:    cfg.Vault,
		assetOFT: cfg.AssetOFT,
		shareOFT: cfg.ShareOFT,
		log:      logger,
	}
	if err := cfg.AssetOFT.Endpoint.RegisterComposer(cfg.Address, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Composer) Address() common.Address { return c.address }

// HubEID is the endpoint identifier of the chain the composer runs on.
func (c *Composer) HubEID() uint32 { return c.assetOFT.Endpoint.EID() }

// Initialize grants the vault and both tokens unlimited allowances over the
// composer's own balances.
func (c *Composer) Initialize(st *chain.State) error {
	asset := c.vault.Asset()
	if err := asset.Approve(st, c.address, c.vault.Address(), token.MaxAllowance); err != nil {
		return err
	}
	if err := asset.Approve(st, c.address, c.assetOFT.Address, token.MaxAllowance); err != nil {
		return err
	}
	return c.vault.Shares().Approve(st, c.address, c.shareOFT.Address, token.MaxAllowance)
}

// LzCompose handles a compose message forwarded by the asset or share token
// after it credited the composer. [value] has already been moved from the
// executor to the composer.
//
// A message whose (source, nonce) already has a record is a replay: the
// attached value goes back to the executor and nothing else changes. Every
// other message ends refunded or completed; an error is returned only for
// messages the composer cannot attribute to a transfer.
func (c *Composer) LzCompose(st *chain.State, from common.Address, guid common.Hash, message []byte, executor common.Address, value *big.Int) error {
	op, err := c.operationFor(from)
	if err != nil {
		return err
	}
	header, err := oft.DecodeComposeMessage(message)
	if err != nil {
		return err
	}

	prev, ok, err := c.Record(st, from, header.SrcEid, header.Nonce)
	if err != nil {
		return err
	}
	if ok {
		if err := st.TransferNative(c.address, executor, value); err != nil {
			return err
		}
		st.AfterCommit(func() {
			metrics.RecordOperation(op.String(), metrics.StatusReplayed)
		})
		c.log.Warn("compose replayed",
			"guid", guid,
			"srcEid", header.SrcEid,
			"nonce", header.Nonce,
			"status", prev.Status,
		)
		return nil
	}

	rec := &Record{
		Operation: op,
		GUID:      guid,
		SrcEid:    header.SrcEid,
		Nonce:     header.Nonce,
		AmountIn:  header.AmountLD.Bytes(),
	}
	c.transition(st, rec, StatusReceived)

	composeFrom := transport.Bytes32ToAddress(header.ComposeFrom)
	hop, minMsgValue, err := oft.DecodeComposePayload(header.Message)
	if err != nil {
		rec.DstEid = c.HubEID()
		return c.refund(st, from, rec, c.input(op), header.AmountLD, value, composeFrom, err)
	}

	rec.DstEid = hop.DstEid
	refundTo := transport.Bytes32ToAddress(hop.To)
	if refundTo == (common.Address{}) {
		refundTo = composeFrom
	}
	if value.Cmp(minMsgValue) < 0 {
		err := fmt.Errorf("%w: %w: got %s, want %s", ErrComposeForwardingFailed, ErrInsufficientMsgValue, value, minMsgValue)
		return c.refund(st, from, rec, c.input(op), header.AmountLD, value, refundTo, err)
	}
	return c.process(st, from, rec, header.AmountLD, hop, value, refundTo)
}

// process runs the two phases of an inbound operation. A failed vault
// operation refunds the input and a failed forward refunds the output.
func (c *Composer) process(
	st *chain.State,
	app common.Address,
	rec *Record,
	amountIn *big.Int,
	hop oft.SendParam,
	value *big.Int,
	refundTo common.Address,
) error {
	c.transition(st, rec, StatusProcessing)

	var out *big.Int
	err := st.Savepoint(func(sp *chain.State) error {
		var err error
		out, err = c.execute(sp, rec.Operation, amountIn, hop.MinAmountLD)
		return err
	})
	if err != nil {
		return c.refund(st, app, rec, c.input(rec.Operation), amountIn, value, refundTo, err)
	}
	rec.AmountOut = out.Bytes()

	hop.AmountLD = out
	err = st.Savepoint(func(sp *chain.State) error {
		return c.forward(sp, rec.Operation, hop, value, refundTo)
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrComposeForwardingFailed, err)
		return c.refund(st, app, rec, c.output(rec.Operation), out, value, refundTo, err)
	}

	rec.Recipient = transport.Bytes32ToAddress(hop.To)
	c.transition(st, rec, StatusCompleted)
	if err := c.putRecord(st, app, rec); err != nil {
		return err
	}
	st.AfterCommit(func() {
		metrics.RecordOperation(rec.Operation.String(), metrics.StatusCompleted)
	})
	c.log.Info("compose completed",
		"operation", rec.Operation,
		"guid", rec.GUID,
		"dstEid", hop.DstEid,
		"amountIn", amountIn,
		"amountOut", out,
	)
	return nil
}

// refund credits [amount] of [tok] and the attached [value] to [to] on the
// hub and closes the operation as refunded.
func (c *Composer) refund(
	st *chain.State,
	app common.Address,
	rec *Record,
	tok *token.ERC20,
	amount *big.Int,
	value *big.Int,
	to common.Address,
	cause error,
) error {
	rec.Reason = cause.Error()
	c.transition(st, rec, StatusRefunding)

	if amount.Sign() > 0 {
		if err := tok.Transfer(st, c.address, to, amount); err != nil {
			return err
		}
	}
	if err := st.TransferNative(c.address, to, value); err != nil {
		return err
	}

	rec.Recipient = to
	c.transition(st, rec, StatusRefunded)
	if err := c.putRecord(st, app, rec); err != nil {
		return err
	}
	st.AfterCommit(func() {
		metrics.RecordOperation(rec.Operation.String(), metrics.StatusRefunded)
	})
	c.log.Warn("compose refunded",
		"operation", rec.Operation,
		"guid", rec.GUID,
		"recipient", to,
		"token", tok.Symbol,
		"amount", amount,
		"err", cause,
	)
	return nil
}

// DepositAndSend deposits [assets] held by [caller] on the hub and sends the
// shares to [hop]. Unlike the inbound path nothing is compensated: any
// failure aborts the caller's transaction. [value] pays the forwarding fee.
func (c *Composer) DepositAndSend(st *chain.State, caller common.Address, assets *big.Int, hop oft.SendParam, value *big.Int) (*big.Int, error) {
	return c.local(st, OperationDeposit, caller, assets, hop, value)
}

// RedeemAndSend redeems [shares] held by [caller] on the hub and sends the
// assets to [hop]. [value] pays the forwarding fee.
func (c *Composer) RedeemAndSend(st *chain.State, caller common.Address, shares *big.Int, hop oft.SendParam, value *big.Int) (*big.Int, error) {
	return c.local(st, OperationRedeem, caller, shares, hop, value)
}

func (c *Composer) local(st *chain.State, op Operation, caller common.Address, amount *big.Int, hop oft.SendParam, value *big.Int) (*big.Int, error) {
	if value == nil {
		value = new(big.Int)
	}
	if err := c.input(op).TransferFrom(st, c.address, caller, c.address, amount); err != nil {
		return nil, err
	}
	if err := st.TransferNative(caller, c.address, value); err != nil {
		return nil, err
	}
	out, err := c.execute(st, op, amount, hop.MinAmountLD)
	if err != nil {
		return nil, err
	}
	hop.AmountLD = out
	if err := c.forward(st, op, hop, value, caller); err != nil {
		return nil, err
	}
	st.AfterCommit(func() {
		metrics.RecordOperation(op.String(), metrics.StatusCompleted)
	})
	return out, nil
}

// execute runs the vault operation for the composer's own balance and checks
// the output against [minAmountLD].
func (c *Composer) execute(st *chain.State, op Operation, amount, minAmountLD *big.Int) (*big.Int, error) {
	var (
		out *big.Int
		err error
	)
	switch op {
	case OperationDeposit:
		out, err = c.vault.Deposit(st, c.address, amount, c.address)
	case OperationRedeem:
		out, err = c.vault.Redeem(st, c.address, amount, c.address, c.address)
	default:
		return nil, fmt.Errorf("unknown operation %d", op)
	}
	if err != nil {
		return nil, err
	}
	if minAmountLD != nil && out.Cmp(minAmountLD) < 0 {
		return nil, fmt.Errorf("%w: %s %s < %s", oft.ErrSlippageExceeded, op, out, minAmountLD)
	}
	return out, nil
}

// forward delivers the vault output. A hop to the hub is a plain transfer;
// any other destination is a send paid for with [value]. The part of the
// output below shared decimal precision stays on the hub and goes to
// [refund].
func (c *Composer) forward(st *chain.State, op Operation, hop oft.SendParam, value *big.Int, refund common.Address) error {
	if hop.DstEid == c.HubEID() {
		to := transport.Bytes32ToAddress(hop.To)
		if err := c.output(op).Transfer(st, c.address, to, hop.AmountLD); err != nil {
			return err
		}
		return st.TransferNative(c.address, refund, value)
	}
	_, receipt, err := c.outputOFT(op).Send(st, c.address, hop, transport.NewFee(value), refund)
	if err != nil {
		return err
	}
	dust := new(big.Int).Sub(hop.AmountLD, receipt.AmountSentLD)
	if dust.Sign() <= 0 {
		return nil
	}
	return c.output(op).Transfer(st, c.address, refund, dust)
}

func (c *Composer) transition(st *chain.State, rec *Record, status Status) {
	rec.Status = status
	st.Emit(StatusChanged{
		Composer: c.address,
		GUID:     rec.GUID,
		SrcEid:   rec.SrcEid,
		Nonce:    rec.Nonce,
		Status:   status,
		Reason:   rec.Reason,
	})
}

func (c *Composer) operationFor(from common.Address) (Operation, error) {
	switch from {
	case c.assetOFT.Address:
		return OperationDeposit, nil
	case c.shareOFT.Address:
		return OperationRedeem, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrOnlyValidComposeCaller, from.Hex())
	}
}

func (c *Composer) input(op Operation) *token.ERC20 {
	if op == OperationDeposit {
		return c.vault.Asset()
	}
	return c.vault.Shares()
}

func (c *Composer) output(op Operation) *token.ERC20 {
	if op == OperationDeposit {
		return c.vault.Shares()
	}
	return c.vault.Asset()
}

func (c *Composer) outputOFT(op Operation) *oft.OFT {
	if op == OperationDeposit {
		return c.shareOFT
	}
	return c.assetOFT
}

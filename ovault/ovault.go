// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ovault deploys and wires a vault bridge: a hub chain holding the
// vault and the composer, and spoke chains holding bridged asset and share
// tokens, all connected through one transport network.
package ovault

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/ovault/chain"
	"github.com/luxfi/ovault/composer"
	"github.com/luxfi/ovault/config"
	"github.com/luxfi/ovault/oapp"
	"github.com/luxfi/ovault/oft"
	"github.com/luxfi/ovault/options"
	"github.com/luxfi/ovault/transport"
	"github.com/luxfi/ovault/vault"
)

var (
	ErrUnknownChain   = errors.New("unknown chain")
	ErrHopFeeTooLarge = errors.New("hop fee does not fit a compose option")
)

// Hub is the chain holding the vault.
type Hub struct {
	Chain        *chain.Chain
	Endpoint     *transport.Endpoint
	AssetOFT     *oft.OFT
	Vault        *vault.Vault
	ShareAdapter *oft.OFT
	Composer     *composer.Composer
}

// Spoke is a chain holding bridged representations of the asset and the
// shares.
type Spoke struct {
	Chain    *chain.Chain
	Endpoint *transport.Endpoint
	AssetOFT *oft.OFT
	ShareOFT *oft.OFT
}

// Deployment is a hub and its spokes.
type Deployment struct {
	Owner   common.Address
	Network *transport.Network
	Hub     *Hub
	Spokes  map[uint32]*Spoke

	cfg config.Config
	log log.Logger
}

// Deploy creates every chain named by [cfg] on in-memory databases and
// deploys the contracts owned by [owner]. Peers and enforced options are not
// set until Wire is called.
func Deploy(cfg config.Config, owner common.Address, logger log.Logger) (*Deployment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Deployment{
		Owner:   owner,
		Network: transport.NewNetwork(logger),
		Spokes:  make(map[uint32]*Spoke, len(cfg.SpokeEIDs)),
		cfg:     cfg,
		log:     logger,
	}

	hub, err := d.deployHub()
	if err != nil {
		return nil, fmt.Errorf("deploying hub %d: %w", cfg.HubEID, err)
	}
	d.Hub = hub
	for _, eid := range cfg.SpokeEIDs {
		spoke, err := d.deploySpoke(eid)
		if err != nil {
			return nil, fmt.Errorf("deploying spoke %d: %w", eid, err)
		}
		d.Spokes[eid] = spoke
	}

	d.log.Info("deployed vault bridge",
		"hub", cfg.HubEID,
		"spokes", len(cfg.SpokeEIDs),
		"vault", hub.Vault.Address(),
		"composer", hub.Composer.Address(),
	)
	return d, nil
}

func (d *Deployment) attach(eid uint32) (*chain.Chain, *transport.Endpoint, error) {
	c := chain.New(eid, memdb.New(), d.log)
	executor := c.NextAddress(d.Owner)
	ep := d.Network.Attach(c, d.Owner, executor)
	if err := ep.SetFeeModel(d.Owner, d.cfg.FeeModel()); err != nil {
		return nil, nil, err
	}
	if err := c.Fund(executor, d.cfg.ExecutorFunding.Int()); err != nil {
		return nil, nil, err
	}
	return c, ep, nil
}

func (d *Deployment) tokenConfig(c *chain.Chain, ep *transport.Endpoint) oft.Config {
	return oft.Config{
		Address:        c.NextAddress(d.Owner),
		Endpoint:       ep,
		SharedDecimals: d.cfg.SharedDecimals,
	}
}

func (d *Deployment) deployHub() (*Hub, error) {
	c, ep, err := d.attach(d.cfg.HubEID)
	if err != nil {
		return nil, err
	}
	assetOFT, err := oft.NewOFT(d.tokenConfig(c, ep), d.cfg.Asset.Name, d.cfg.Asset.Symbol, d.cfg.LocalDecimals, d.log)
	if err != nil {
		return nil, err
	}
	v := vault.New(c.NextAddress(d.Owner), d.cfg.Vault.Name, d.cfg.Vault.Symbol, assetOFT.Token(), d.log)
	adapter, err := oft.NewAdapter(d.tokenConfig(c, ep), v.Shares(), d.log)
	if err != nil {
		return nil, err
	}
	comp, err := composer.New(composer.Config{
		Address:  c.NextAddress(d.Owner),
		Vault:    v,
		AssetOFT: assetOFT,
		ShareOFT: adapter,
	}, d.log)
	if err != nil {
		return nil, err
	}

	err = c.Execute(func(st *chain.State) error {
		if err := assetOFT.Initialize(st, d.Owner); err != nil {
			return err
		}
		if err := adapter.Initialize(st, d.Owner); err != nil {
			return err
		}
		return comp.Initialize(st)
	})
	if err != nil {
		return nil, err
	}
	return &Hub{
		Chain:        c,
		Endpoint:     ep,
		AssetOFT:     assetOFT,
		Vault:        v,
		ShareAdapter: adapter,
		Composer:     comp,
	}, nil
}

func (d *Deployment) deploySpoke(eid uint32) (*Spoke, error) {
	c, ep, err := d.attach(eid)
	if err != nil {
		return nil, err
	}
	assetOFT, err := oft.NewOFT(d.tokenConfig(c, ep), d.cfg.Asset.Name, d.cfg.Asset.Symbol, d.cfg.LocalDecimals, d.log)
	if err != nil {
		return nil, err
	}
	shareOFT, err := oft.NewOFT(d.tokenConfig(c, ep), d.cfg.Share.Name, d.cfg.Share.Symbol, d.cfg.LocalDecimals, d.log)
	if err != nil {
		return nil, err
	}
	err = c.Execute(func(st *chain.State) error {
		if err := assetOFT.Initialize(st, d.Owner); err != nil {
			return err
		}
		return shareOFT.Initialize(st, d.Owner)
	})
	if err != nil {
		return nil, err
	}
	return &Spoke{
		Chain:    c,
		Endpoint: ep,
		AssetOFT: assetOFT,
		ShareOFT: shareOFT,
	}, nil
}

// SpokeEIDs returns the spoke identifiers in ascending order.
func (d *Deployment) SpokeEIDs() []uint32 {
	eids := make([]uint32, 0, len(d.Spokes))
	for eid := range d.Spokes {
		eids = append(eids, eid)
	}
	sort.Slice(eids, func(i, j int) bool { return eids[i] < eids[j] })
	return eids
}

// Chain returns the chain identified by [eid].
func (d *Deployment) Chain(eid uint32) (*chain.Chain, error) {
	if eid == d.Hub.Chain.EID() {
		return d.Hub.Chain, nil
	}
	if s, ok := d.Spokes[eid]; ok {
		return s.Chain, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownChain, eid)
}

// EnforcedOptions returns the configured floor for both message types:
// receive gas for plain sends, receive and compose gas for composed sends.
func (d *Deployment) EnforcedOptions() (send, sendAndCall []byte, err error) {
	send, err = options.New().AddExecutorLzReceiveOption(d.cfg.ReceiveGas, 0).Bytes()
	if err != nil {
		return nil, nil, err
	}
	sendAndCall, err = options.New().
		AddExecutorLzReceiveOption(d.cfg.ReceiveGas, 0).
		AddExecutorLzComposeOption(0, d.cfg.ComposeGas, d.cfg.ComposeValue).
		Bytes()
	if err != nil {
		return nil, nil, err
	}
	return send, sendAndCall, nil
}

// Wire sets the peers of every token pair (hub asset with spoke asset, hub
// share adapter with spoke share token) and their enforced options.
func (d *Deployment) Wire() error {
	for _, eid := range d.SpokeEIDs() {
		spoke := d.Spokes[eid]
		if err := d.link(d.Hub.Chain, d.Hub.AssetOFT, eid, spoke.AssetOFT.Address); err != nil {
			return err
		}
		if err := d.link(d.Hub.Chain, d.Hub.ShareAdapter, eid, spoke.ShareOFT.Address); err != nil {
			return err
		}
		if err := d.link(spoke.Chain, spoke.AssetOFT, d.cfg.HubEID, d.Hub.AssetOFT.Address); err != nil {
			return err
		}
		if err := d.link(spoke.Chain, spoke.ShareOFT, d.cfg.HubEID, d.Hub.ShareAdapter.Address); err != nil {
			return err
		}
	}
	d.log.Info("wired vault bridge", "spokes", len(d.Spokes))
	return nil
}

func (d *Deployment) link(c *chain.Chain, app *oft.OFT, remoteEid uint32, remote common.Address) error {
	send, sendAndCall, err := d.EnforcedOptions()
	if err != nil {
		return err
	}
	return c.Execute(func(st *chain.State) error {
		if err := app.SetPeer(st, d.Owner, remoteEid, transport.AddressToBytes32(remote)); err != nil {
			return err
		}
		return app.SetEnforcedOptions(st, d.Owner, []oapp.EnforcedOptionParam{
			{Eid: remoteEid, MsgType: oft.MsgTypeSend, Options: send},
			{Eid: remoteEid, MsgType: oft.MsgTypeSendAndCall, Options: sendAndCall},
		})
	})
}

// Flush delivers every queued packet and compose message.
func (d *Deployment) Flush() error {
	return d.Network.Flush()
}

// Quote prices [param] on the chain of [app].
func Quote(c *chain.Chain, app *oft.OFT, param oft.SendParam) (transport.MessagingFee, error) {
	var fee transport.MessagingFee
	err := c.View(func(st *chain.State) error {
		var err error
		fee, err = app.QuoteSend(st, param, false)
		return err
	})
	return fee, err
}

// Send quotes [param] and sends it from [sender], paying exactly the quote.
func Send(c *chain.Chain, app *oft.OFT, sender common.Address, param oft.SendParam) (transport.MessagingReceipt, oft.OFTReceipt, error) {
	fee, err := Quote(c, app, param)
	if err != nil {
		return transport.MessagingReceipt{}, oft.OFTReceipt{}, err
	}
	var (
		msgReceipt transport.MessagingReceipt
		oftReceipt oft.OFTReceipt
	)
	err = c.Execute(func(st *chain.State) error {
		var err error
		msgReceipt, oftReceipt, err = app.Send(st, sender, param, fee, sender)
		return err
	})
	return msgReceipt, oftReceipt, err
}

// ComposeOptions requests [gas] and [value] for the compose call of a
// composed send. The value is what the composer has to pay for its own hop.
func ComposeOptions(gas, value uint64) ([]byte, error) {
	return options.New().AddExecutorLzComposeOption(0, gas, value).Bytes()
}

// Forward is the second leg of a compound operation: where the vault output
// goes once the composer has it.
type Forward struct {
	DstEid    uint32
	Recipient common.Address
	// MinAmountLD is the least vault output the sender accepts.
	MinAmountLD *big.Int
}

func (f Forward) sendParam(amountLD *big.Int) oft.SendParam {
	return oft.SendParam{
		DstEid:      f.DstEid,
		To:          transport.AddressToBytes32(f.Recipient),
		AmountLD:    amountLD,
		MinAmountLD: f.MinAmountLD,
	}
}

// QuoteHop prices the composer's forwarding send of [amountLD] for a deposit
// (share output) or redeem (asset output). A hop back to the hub is free.
func (d *Deployment) QuoteHop(op composer.Operation, fwd Forward, amountLD *big.Int) (*big.Int, error) {
	if fwd.DstEid == d.cfg.HubEID {
		return new(big.Int), nil
	}
	app := d.Hub.AssetOFT
	if op == composer.OperationDeposit {
		app = d.Hub.ShareAdapter
	}
	fee, err := Quote(d.Hub.Chain, app, fwd.sendParam(amountLD))
	if err != nil {
		return nil, err
	}
	return fee.NativeFee, nil
}

// BuildDepositAndForward builds the send that moves [assets] from spoke
// [srcEid] to the hub composer, deposits them and forwards the shares as
// [fwd] describes. The hop fee is priced against the vault's current
// preview and attached as compose value.
func (d *Deployment) BuildDepositAndForward(srcEid uint32, assets *big.Int, fwd Forward) (oft.SendParam, error) {
	return d.buildCompound(composer.OperationDeposit, srcEid, assets, fwd)
}

// BuildRedeemAndForward builds the send that moves [shares] from spoke
// [srcEid] to the hub composer, redeems them and forwards the assets as
// [fwd] describes.
func (d *Deployment) BuildRedeemAndForward(srcEid uint32, shares *big.Int, fwd Forward) (oft.SendParam, error) {
	return d.buildCompound(composer.OperationRedeem, srcEid, shares, fwd)
}

func (d *Deployment) buildCompound(op composer.Operation, srcEid uint32, amountLD *big.Int, fwd Forward) (oft.SendParam, error) {
	if _, ok := d.Spokes[srcEid]; !ok {
		return oft.SendParam{}, fmt.Errorf("%w: spoke %d", ErrUnknownChain, srcEid)
	}

	var preview *big.Int
	err := d.Hub.Chain.View(func(st *chain.State) error {
		var err error
		if op == composer.OperationDeposit {
			preview, err = d.Hub.Vault.PreviewDeposit(st, amountLD)
		} else {
			preview, err = d.Hub.Vault.PreviewRedeem(st, amountLD)
		}
		return err
	})
	if err != nil {
		return oft.SendParam{}, err
	}
	hopFee, err := d.QuoteHop(op, fwd, preview)
	if err != nil {
		return oft.SendParam{}, err
	}

	composeMsg, err := oft.EncodeComposePayload(fwd.sendParam(preview), hopFee)
	if err != nil {
		return oft.SendParam{}, err
	}
	if !hopFee.IsUint64() {
		return oft.SendParam{}, fmt.Errorf("%w: %s", ErrHopFeeTooLarge, hopFee)
	}
	extra, err := ComposeOptions(0, hopFee.Uint64())
	if err != nil {
		return oft.SendParam{}, err
	}
	return oft.SendParam{
		DstEid:       d.cfg.HubEID,
		To:           transport.AddressToBytes32(d.Hub.Composer.Address()),
		AmountLD:     new(big.Int).Set(amountLD),
		MinAmountLD:  new(big.Int).Set(amountLD),
		ExtraOptions: extra,
		ComposeMsg:   composeMsg,
	}, nil
}

// AssetSupply is the asset minted across every chain. Bridging moves it
// between chains but never changes the total.
func (d *Deployment) AssetSupply() (*big.Int, error) {
	total, err := supplyOf(d.Hub.Chain, d.Hub.AssetOFT)
	if err != nil {
		return nil, err
	}
	for _, eid := range d.SpokeEIDs() {
		s, err := supplyOf(d.Spokes[eid].Chain, d.Spokes[eid].AssetOFT)
		if err != nil {
			return nil, err
		}
		total.Add(total, s)
	}
	return total, nil
}

// ShareSupply returns the vault's share supply and the shares in
// circulation: unlocked shares on the hub plus bridged shares on every
// spoke. The two are equal whenever nothing is in flight.
func (d *Deployment) ShareSupply() (supply, circulating *big.Int, err error) {
	shares := d.Hub.Vault.Shares()
	err = d.Hub.Chain.View(func(st *chain.State) error {
		var err error
		if supply, err = shares.TotalSupply(st); err != nil {
			return err
		}
		locked, err := shares.BalanceOf(st, d.Hub.ShareAdapter.Address)
		if err != nil {
			return err
		}
		circulating = new(big.Int).Sub(supply, locked)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	for _, eid := range d.SpokeEIDs() {
		s, err := supplyOf(d.Spokes[eid].Chain, d.Spokes[eid].ShareOFT)
		if err != nil {
			return nil, nil, err
		}
		circulating.Add(circulating, s)
	}
	return supply, circulating, nil
}

func supplyOf(c *chain.Chain, app *oft.OFT) (*big.Int, error) {
	var supply *big.Int
	err := c.View(func(st *chain.State) error {
		var err error
		supply, err = app.Token().TotalSupply(st)
		return err
	})
	return supply, err
}

// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vault implements a tokenized vault that issues shares against a
// single asset. The share price is totalAssets / totalSupply, where
// totalAssets is the vault's own asset balance. Every conversion rounds in
// favor of the vault.
package vault

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/ovault/chain"
	"github.com/luxfi/ovault/token"
)

var (
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrZeroShares         = errors.New("deposit too small to mint shares")
	ErrNoAssets           = errors.New("vault holds no assets backing its shares")
)

// priceScale is the fixed point scale of SharePrice.
var priceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type rounding int

const (
	floor rounding = iota
	ceil
)

// Deposit is emitted when assets enter the vault.
type Deposit struct {
	Vault  common.Address
	Sender common.Address
	Owner  common.Address
	Assets *big.Int
	Shares *big.Int
}

func (Deposit) EventName() string { return "Deposit" }

// Withdraw is emitted when assets leave the vault.
type Withdraw struct {
	Vault    common.Address
	Sender   common.Address
	Receiver common.Address
	Owner    common.Address
	Assets   *big.Int
	Shares   *big.Int
}

func (Withdraw) EventName() string { return "Withdraw" }

// Vault is an ERC4626 vault. Its shares are an ERC20 stored at the vault's
// address.
type Vault struct {
	shares *token.ERC20
	asset  *token.ERC20
	log    log.Logger
}

// New creates the vault at [addr] over [asset]. Shares use the asset's
// decimals.
func New(addr common.Address, name, symbol string, asset *token.ERC20, logger log.Logger) *Vault {
	return &Vault{
		shares: token.New(addr, name, symbol, asset.Decimals),
		asset:  asset,
		log:    logger,
	}
}

// Address returns the vault address, which is also the share token address.
func (v *Vault) Address() common.Address { return v.shares.Address }

// Asset returns the underlying token.
func (v *Vault) Asset() *token.ERC20 { return v.asset }

// Shares returns the share token ledger.
func (v *Vault) Shares() *token.ERC20 { return v.shares }

// TotalAssets returns the assets held by the vault.
func (v *Vault) TotalAssets(st *chain.State) (*big.Int, error) {
	return v.asset.BalanceOf(st, v.Address())
}

// TotalSupply returns the outstanding shares.
func (v *Vault) TotalSupply(st *chain.State) (*big.Int, error) {
	return v.shares.TotalSupply(st)
}

func (v *Vault) totals(st *chain.State) (*big.Int, *big.Int, error) {
	assets, err := v.TotalAssets(st)
	if err != nil {
		return nil, nil, err
	}
	supply, err := v.TotalSupply(st)
	if err != nil {
		return nil, nil, err
	}
	return assets, supply, nil
}

// toShares converts assets to shares. An empty vault converts 1:1.
func (v *Vault) toShares(st *chain.State, assets *big.Int, r rounding) (*big.Int, error) {
	totalAssets, supply, err := v.totals(st)
	if err != nil {
		return nil, err
	}
	if supply.Sign() == 0 {
		return new(big.Int).Set(assets), nil
	}
	if totalAssets.Sign() == 0 {
		return nil, ErrNoAssets
	}
	return mulDiv(assets, supply, totalAssets, r), nil
}

// toAssets converts shares to assets. An empty vault converts 1:1.
func (v *Vault) toAssets(st *chain.State, shares *big.Int, r rounding) (*big.Int, error) {
	totalAssets, supply, err := v.totals(st)
	if err != nil {
		return nil, err
	}
	if supply.Sign() == 0 {
		return new(big.Int).Set(shares), nil
	}
	return mulDiv(shares, totalAssets, supply, r), nil
}

// ConvertToShares returns the shares [assets] are worth, rounded down.
func (v *Vault) ConvertToShares(st *chain.State, assets *big.Int) (*big.Int, error) {
	return v.toShares(st, assets, floor)
}

// ConvertToAssets returns the assets [shares] are worth, rounded down.
func (v *Vault) ConvertToAssets(st *chain.State, shares *big.Int) (*big.Int, error) {
	return v.toAssets(st, shares, floor)
}

// PreviewDeposit returns the shares a deposit of [assets] mints:
// floor(assets * totalSupply / totalAssets).
func (v *Vault) PreviewDeposit(st *chain.State, assets *big.Int) (*big.Int, error) {
	return v.toShares(st, assets, floor)
}

// PreviewMint returns the assets needed to mint [shares]:
// ceil(shares * totalAssets / totalSupply).
func (v *Vault) PreviewMint(st *chain.State, shares *big.Int) (*big.Int, error) {
	_, supply, err := v.totals(st)
	if err != nil {
		return nil, err
	}
	assets, err := v.toAssets(st, shares, ceil)
	if err != nil {
		return nil, err
	}
	if supply.Sign() > 0 && assets.Sign() == 0 && shares.Sign() > 0 {
		return nil, ErrNoAssets
	}
	return assets, nil
}

// PreviewWithdraw returns the shares burned to withdraw [assets]:
// ceil(assets * totalSupply / totalAssets).
func (v *Vault) PreviewWithdraw(st *chain.State, assets *big.Int) (*big.Int, error) {
	return v.toShares(st, assets, ceil)
}

// PreviewRedeem returns the assets redeeming [shares] pays out:
// floor(shares * totalAssets / totalSupply).
func (v *Vault) PreviewRedeem(st *chain.State, shares *big.Int) (*big.Int, error) {
	return v.toAssets(st, shares, floor)
}

// MaxDeposit is unbounded.
func (v *Vault) MaxDeposit(common.Address) *big.Int {
	return new(big.Int).Set(token.MaxAllowance)
}

// MaxMint is unbounded.
func (v *Vault) MaxMint(common.Address) *big.Int {
	return new(big.Int).Set(token.MaxAllowance)
}

// MaxWithdraw returns the assets [owner] can withdraw.
func (v *Vault) MaxWithdraw(st *chain.State, owner common.Address) (*big.Int, error) {
	bal, err := v.shares.BalanceOf(st, owner)
	if err != nil {
		return nil, err
	}
	return v.toAssets(st, bal, floor)
}

// MaxRedeem returns the shares [owner] can redeem.
func (v *Vault) MaxRedeem(st *chain.State, owner common.Address) (*big.Int, error) {
	return v.shares.BalanceOf(st, owner)
}

// SharePrice returns the assets one whole share is worth, scaled by 1e18.
func (v *Vault) SharePrice(st *chain.State) (*big.Int, error) {
	totalAssets, supply, err := v.totals(st)
	if err != nil {
		return nil, err
	}
	if supply.Sign() == 0 {
		return new(big.Int).Set(priceScale), nil
	}
	return mulDiv(totalAssets, priceScale, supply, floor), nil
}

// Deposit pulls [assets] from [caller] and mints the resulting shares to
// [receiver]. The caller must have approved the vault.
func (v *Vault) Deposit(st *chain.State, caller common.Address, assets *big.Int, receiver common.Address) (*big.Int, error) {
	if assets.Sign() == 0 {
		return new(big.Int), nil
	}
	shares, err := v.PreviewDeposit(st, assets)
	if err != nil {
		return nil, err
	}
	if shares.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s assets", ErrZeroShares, assets)
	}
	if err := v.deposit(st, caller, receiver, assets, shares); err != nil {
		return nil, err
	}
	return shares, nil
}

// Mint mints exactly [shares] to [receiver], pulling the required assets
// from [caller].
func (v *Vault) Mint(st *chain.State, caller common.Address, shares *big.Int, receiver common.Address) (*big.Int, error) {
	if shares.Sign() == 0 {
		return new(big.Int), nil
	}
	assets, err := v.PreviewMint(st, shares)
	if err != nil {
		return nil, err
	}
	if err := v.deposit(st, caller, receiver, assets, shares); err != nil {
		return nil, err
	}
	return assets, nil
}

// Withdraw burns the shares needed to pay exactly [assets] to [receiver].
// A caller other than [owner] spends the owner's share allowance.
func (v *Vault) Withdraw(st *chain.State, caller common.Address, assets *big.Int, receiver, owner common.Address) (*big.Int, error) {
	if assets.Sign() == 0 {
		return new(big.Int), nil
	}
	shares, err := v.PreviewWithdraw(st, assets)
	if err != nil {
		return nil, err
	}
	if err := v.withdraw(st, caller, receiver, owner, assets, shares); err != nil {
		return nil, err
	}
	return shares, nil
}

// Redeem burns [shares] of [owner] and pays the resulting assets to
// [receiver]. A caller other than [owner] spends the owner's share
// allowance.
func (v *Vault) Redeem(st *chain.State, caller common.Address, shares *big.Int, receiver, owner common.Address) (*big.Int, error) {
	if shares.Sign() == 0 {
		return new(big.Int), nil
	}
	if err := v.checkShares(st, owner, shares); err != nil {
		return nil, err
	}
	assets, err := v.PreviewRedeem(st, shares)
	if err != nil {
		return nil, err
	}
	if err := v.withdraw(st, caller, receiver, owner, assets, shares); err != nil {
		return nil, err
	}
	return assets, nil
}

func (v *Vault) deposit(st *chain.State, caller, receiver common.Address, assets, shares *big.Int) error {
	if err := v.asset.TransferFrom(st, v.Address(), caller, v.Address(), assets); err != nil {
		return err
	}
	if err := v.shares.Mint(st, receiver, shares); err != nil {
		return err
	}
	st.Emit(Deposit{
		Vault:  v.Address(),
		Sender: caller,
		Owner:  receiver,
		Assets: new(big.Int).Set(assets),
		Shares: new(big.Int).Set(shares),
	})
	v.log.Debug("vault deposit",
		"vault", v.Address(),
		"receiver", receiver,
		"assets", assets,
		"shares", shares,
	)
	return nil
}

func (v *Vault) withdraw(st *chain.State, caller, receiver, owner common.Address, assets, shares *big.Int) error {
	if err := v.checkShares(st, owner, shares); err != nil {
		return err
	}
	if caller != owner {
		if err := v.shares.SpendAllowance(st, owner, caller, shares); err != nil {
			return err
		}
	}
	if err := v.shares.Burn(st, owner, shares); err != nil {
		return err
	}
	if err := v.asset.Transfer(st, v.Address(), receiver, assets); err != nil {
		return err
	}
	st.Emit(Withdraw{
		Vault:    v.Address(),
		Sender:   caller,
		Receiver: receiver,
		Owner:    owner,
		Assets:   new(big.Int).Set(assets),
		Shares:   new(big.Int).Set(shares),
	})
	v.log.Debug("vault withdraw",
		"vault", v.Address(),
		"owner", owner,
		"assets", assets,
		"shares", shares,
	)
	return nil
}

func (v *Vault) checkShares(st *chain.State, owner common.Address, shares *big.Int) error {
	bal, err := v.shares.BalanceOf(st, owner)
	if err != nil {
		return err
	}
	if bal.Cmp(shares) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientShares, owner.Hex(), bal, shares)
	}
	return nil
}

// mulDiv returns x*y/d rounded as requested.
func mulDiv(x, y, d *big.Int, r rounding) *big.Int {
	num := new(big.Int).Mul(x, y)
	q, m := new(big.Int).QuoRem(num, d, new(big.Int))
	if r == ceil && m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

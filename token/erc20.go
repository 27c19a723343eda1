// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package token implements the fungible token ledger every bridge contract
// builds on.
package token

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/ovault/chain"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrZeroAddress           = errors.New("zero address")
)

// MaxAllowance is never decreased by transfers.
var MaxAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var (
	balancePrefix   = []byte("bal")
	allowancePrefix = []byte("alw")
	supplyKey       = []byte("supply")
)

// Transfer is emitted on every balance movement, including mints (From is
// zero) and burns (To is zero).
type Transfer struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

func (Transfer) EventName() string { return "Transfer" }

// Approval is emitted when an allowance is set.
type Approval struct {
	Token   common.Address
	Owner   common.Address
	Spender common.Address
	Value   *big.Int
}

func (Approval) EventName() string { return "Approval" }

// ERC20 is a token ledger stored in the state of the chain it is deployed on.
type ERC20 struct {
	Address  common.Address
	Name     string
	Symbol   string
	Decimals uint8
}

// New returns the ledger of the token deployed at [addr].
func New(addr common.Address, name, symbol string, decimals uint8) *ERC20 {
	return &ERC20{
		Address:  addr,
		Name:     name,
		Symbol:   symbol,
		Decimals: decimals,
	}
}

func (t *ERC20) db(st *chain.State) database.Database {
	return st.Storage(t.Address)
}

// BalanceOf returns the balance of [holder].
func (t *ERC20) BalanceOf(st *chain.State, holder common.Address) (*big.Int, error) {
	return chain.GetBig(t.db(st), chain.Key(balancePrefix, holder.Bytes()))
}

// TotalSupply returns the amount in circulation on this chain.
func (t *ERC20) TotalSupply(st *chain.State) (*big.Int, error) {
	return chain.GetBig(t.db(st), supplyKey)
}

// Allowance returns how much [spender] may move on behalf of [owner].
func (t *ERC20) Allowance(st *chain.State, owner, spender common.Address) (*big.Int, error) {
	return chain.GetBig(t.db(st), chain.Key(allowancePrefix, owner.Bytes(), spender.Bytes()))
}

// Approve sets the allowance of [spender] over the tokens of [owner].
func (t *ERC20) Approve(st *chain.State, owner, spender common.Address, amount *big.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := chain.PutBig(t.db(st), chain.Key(allowancePrefix, owner.Bytes(), spender.Bytes()), amount); err != nil {
		return err
	}
	st.Emit(Approval{Token: t.Address, Owner: owner, Spender: spender, Value: new(big.Int).Set(amount)})
	return nil
}

// Transfer moves [amount] from [from] to [to].
func (t *ERC20) Transfer(st *chain.State, from, to common.Address, amount *big.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}
	return t.update(st, from, to, amount)
}

// TransferFrom moves [amount] from [from] to [to], spending the allowance
// [from] granted to [spender].
func (t *ERC20) TransferFrom(st *chain.State, spender, from, to common.Address, amount *big.Int) error {
	if err := t.SpendAllowance(st, from, spender, amount); err != nil {
		return err
	}
	return t.Transfer(st, from, to, amount)
}

// SpendAllowance decreases the allowance [owner] granted to [spender].
func (t *ERC20) SpendAllowance(st *chain.State, owner, spender common.Address, amount *big.Int) error {
	key := chain.Key(allowancePrefix, owner.Bytes(), spender.Bytes())
	allowed, err := chain.GetBig(t.db(st), key)
	if err != nil {
		return err
	}
	if allowed.Cmp(MaxAllowance) == 0 {
		return nil
	}
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s allows %s %s, needs %s",
			ErrInsufficientAllowance, owner.Hex(), spender.Hex(), allowed, amount)
	}
	return chain.PutBig(t.db(st), key, allowed.Sub(allowed, amount))
}

// Mint creates [amount] new tokens owned by [to].
func (t *ERC20) Mint(st *chain.State, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	return t.update(st, common.Address{}, to, amount)
}

// Burn destroys [amount] tokens owned by [from].
func (t *ERC20) Burn(st *chain.State, from common.Address, amount *big.Int) error {
	if from == (common.Address{}) {
		return ErrZeroAddress
	}
	return t.update(st, from, common.Address{}, amount)
}

// update moves value between accounts. The zero address stands for the
// supply: debiting it mints and crediting it burns.
func (t *ERC20) update(st *chain.State, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return chain.ErrNegativeAmount
	}
	db := t.db(st)

	if from == (common.Address{}) {
		if err := chain.AddBig(db, supplyKey, amount); err != nil {
			return err
		}
	} else {
		key := chain.Key(balancePrefix, from.Bytes())
		bal, err := chain.GetBig(db, key)
		if err != nil {
			return err
		}
		if bal.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s holds %s %s, needs %s",
				ErrInsufficientBalance, from.Hex(), bal, t.Symbol, amount)
		}
		if err := chain.PutBig(db, key, bal.Sub(bal, amount)); err != nil {
			return err
		}
	}

	if to == (common.Address{}) {
		supply, err := chain.GetBig(db, supplyKey)
		if err != nil {
			return err
		}
		if err := chain.PutBig(db, supplyKey, supply.Sub(supply, amount)); err != nil {
			return err
		}
	} else {
		if err := chain.AddBig(db, chain.Key(balancePrefix, to.Bytes()), amount); err != nil {
			return err
		}
	}

	st.Emit(Transfer{Token: t.Address, From: from, To: to, Value: new(big.Int).Set(amount)})
	return nil
}

// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vault

import (
	"math/big"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ovault/chain"
	"github.com/luxfi/ovault/token"
)

var (
	deployer = common.HexToAddress("0x0000000000000000000000000000000000000001")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type fixture struct {
	c     *chain.Chain
	asset *token.ERC20
	vault *Vault
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.NewTestLogger(log.InfoLevel)
	c := chain.New(40217, memdb.New(), logger)
	asset := token.New(c.NextAddress(deployer), "Asset", "ASSET", 18)
	f := &fixture{
		c:     c,
		asset: asset,
		vault: New(c.NextAddress(deployer), "Vault Share", "VS", asset, logger),
	}
	require.NoError(t, c.Execute(func(st *chain.State) error {
		for _, holder := range []common.Address{alice, bob} {
			if err := asset.Mint(st, holder, big.NewInt(1_000_000)); err != nil {
				return err
			}
			if err := asset.Approve(st, holder, f.vault.Address(), token.MaxAllowance); err != nil {
				return err
			}
		}
		return nil
	}))
	return f
}

func (f *fixture) deposit(t *testing.T, who common.Address, assets int64) *big.Int {
	t.Helper()
	var shares *big.Int
	require.NoError(t, f.c.Execute(func(st *chain.State) error {
		var err error
		shares, err = f.vault.Deposit(st, who, big.NewInt(assets), who)
		return err
	}))
	return shares
}

// donate raises the share price by sending assets straight to the vault.
func (f *fixture) donate(t *testing.T, assets int64) {
	t.Helper()
	require.NoError(t, f.c.Execute(func(st *chain.State) error {
		return f.asset.Transfer(st, bob, f.vault.Address(), big.NewInt(assets))
	}))
}

func (f *fixture) totals(t *testing.T) (int64, int64) {
	t.Helper()
	var assets, supply *big.Int
	require.NoError(t, f.c.View(func(st *chain.State) error {
		var err error
		assets, supply, err = f.vault.totals(st)
		return err
	}))
	return assets.Int64(), supply.Int64()
}

func (f *fixture) view(t *testing.T, fn func(st *chain.State) (*big.Int, error)) int64 {
	t.Helper()
	var out *big.Int
	require.NoError(t, f.c.View(func(st *chain.State) error {
		var err error
		out, err = fn(st)
		return err
	}))
	return out.Int64()
}

// =========================================================================
// Scenario Tests
// =========================================================================

func TestBootstrapDepositIsOneToOne(t *testing.T) {
	f := newFixture(t)
	shares := f.deposit(t, alice, 100)
	require.Equal(t, int64(100), shares.Int64())

	assets, supply := f.totals(t)
	require.Equal(t, int64(100), assets)
	require.Equal(t, int64(100), supply)

	deposits := chain.EventsOf[Deposit](f.c)
	require.Len(t, deposits, 1)
	require.Equal(t, alice, deposits[0].Owner)
}

func TestPreviewRedeemAtTwoToOne(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 100)
	f.donate(t, 100)

	assets, supply := f.totals(t)
	require.Equal(t, int64(200), assets)
	require.Equal(t, int64(100), supply)

	got := f.view(t, func(st *chain.State) (*big.Int, error) {
		return f.vault.PreviewRedeem(st, big.NewInt(50))
	})
	require.Equal(t, int64(100), got)

	price := f.view(t, func(st *chain.State) (*big.Int, error) {
		return f.vault.SharePrice(st)
	})
	require.Equal(t, int64(2e18), price)
}

func TestPreviewRounding(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 3)
	f.donate(t, 7) // 10 assets, 3 shares

	tests := []struct {
		name string
		fn   func(st *chain.State) (*big.Int, error)
		want int64
	}{
		{"deposit floors", func(st *chain.State) (*big.Int, error) { return f.vault.PreviewDeposit(st, big.NewInt(5)) }, 1},  // 1.5
		{"mint ceils", func(st *chain.State) (*big.Int, error) { return f.vault.PreviewMint(st, big.NewInt(1)) }, 4},         // 3.33
		{"withdraw ceils", func(st *chain.State) (*big.Int, error) { return f.vault.PreviewWithdraw(st, big.NewInt(5)) }, 2}, // 1.5
		{"redeem floors", func(st *chain.State) (*big.Int, error) { return f.vault.PreviewRedeem(st, big.NewInt(1)) }, 3},    // 3.33
		{"convert to shares floors", func(st *chain.State) (*big.Int, error) { return f.vault.ConvertToShares(st, big.NewInt(5)) }, 1},
		{"convert to assets floors", func(st *chain.State) (*big.Int, error) { return f.vault.ConvertToAssets(st, big.NewInt(2)) }, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, f.view(t, tt.fn))
		})
	}
}

func TestRoundTripNeverFavorsUser(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1_000)
	f.donate(t, 333)

	for _, assets := range []int64{0, 1, 2, 3, 7, 10, 99, 1_000, 12_345} {
		require.NoError(t, f.c.View(func(st *chain.State) error {
			shares, err := f.vault.PreviewDeposit(st, big.NewInt(assets))
			require.NoError(t, err)
			back, err := f.vault.PreviewRedeem(st, shares)
			require.NoError(t, err)
			require.LessOrEqual(t, back.Int64(), assets)

			needed, err := f.vault.PreviewMint(st, shares)
			require.NoError(t, err)
			require.LessOrEqual(t, needed.Int64(), assets)
			return nil
		}))
	}
}

func TestRatioNonDecreasingAcrossRoundTrips(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1_000)
	f.donate(t, 501)

	ratio := func() *big.Rat {
		assets, supply := f.totals(t)
		return big.NewRat(assets, supply)
	}
	prev := ratio()
	for i := 0; i < 10; i++ {
		shares := f.deposit(t, alice, 37)
		require.NoError(t, f.c.Execute(func(st *chain.State) error {
			_, err := f.vault.Redeem(st, alice, shares, alice, alice)
			return err
		}))
		next := ratio()
		// assets per share never drops, so holders never lose value to a round trip
		require.GreaterOrEqual(t, next.Cmp(prev), 0)
		prev = next
	}
}

// =========================================================================
// Edge Cases
// =========================================================================

func TestZeroAmountsAreNoOps(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 10)
	height := f.c.Height()

	require.NoError(t, f.c.Execute(func(st *chain.State) error {
		for _, fn := range []func() (*big.Int, error){
			func() (*big.Int, error) { return f.vault.Deposit(st, alice, new(big.Int), alice) },
			func() (*big.Int, error) { return f.vault.Mint(st, alice, new(big.Int), alice) },
			func() (*big.Int, error) { return f.vault.Withdraw(st, alice, new(big.Int), alice, alice) },
			func() (*big.Int, error) { return f.vault.Redeem(st, alice, new(big.Int), alice, alice) },
		} {
			out, err := fn()
			require.NoError(t, err)
			require.Zero(t, out.Sign())
		}
		return nil
	}))
	require.Equal(t, height+1, f.c.Height())
	require.Len(t, chain.EventsOf[Deposit](f.c), 1)
	require.Empty(t, chain.EventsOf[Withdraw](f.c))
}

func TestOverRedeemFailsAtomically(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 100)

	err := f.c.Execute(func(st *chain.State) error {
		_, err := f.vault.Redeem(st, alice, big.NewInt(101), alice, alice)
		return err
	})
	require.ErrorIs(t, err, ErrInsufficientShares)

	err = f.c.Execute(func(st *chain.State) error {
		_, err := f.vault.Withdraw(st, alice, big.NewInt(101), alice, alice)
		return err
	})
	require.ErrorIs(t, err, ErrInsufficientShares)

	assets, supply := f.totals(t)
	require.Equal(t, int64(100), assets)
	require.Equal(t, int64(100), supply)
}

func TestThirdPartyRedeemSpendsAllowance(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 100)

	err := f.c.Execute(func(st *chain.State) error {
		_, err := f.vault.Redeem(st, bob, big.NewInt(10), bob, alice)
		return err
	})
	require.ErrorIs(t, err, token.ErrInsufficientAllowance)

	require.NoError(t, f.c.Execute(func(st *chain.State) error {
		if err := f.vault.Shares().Approve(st, alice, bob, big.NewInt(10)); err != nil {
			return err
		}
		_, err := f.vault.Redeem(st, bob, big.NewInt(10), bob, alice)
		return err
	}))

	require.Equal(t, int64(1_000_010), f.view(t, func(st *chain.State) (*big.Int, error) {
		return f.asset.BalanceOf(st, bob)
	}))
	require.Equal(t, int64(90), f.view(t, func(st *chain.State) (*big.Int, error) {
		return f.vault.MaxRedeem(st, alice)
	}))
}

func TestDepositWithoutApproval(t *testing.T) {
	f := newFixture(t)
	carol := common.HexToAddress("0xca201")
	require.NoError(t, f.c.Execute(func(st *chain.State) error {
		return f.asset.Mint(st, carol, big.NewInt(10))
	}))
	err := f.c.Execute(func(st *chain.State) error {
		_, err := f.vault.Deposit(st, carol, big.NewInt(10), carol)
		return err
	})
	require.ErrorIs(t, err, token.ErrInsufficientAllowance)

	err = f.c.Execute(func(st *chain.State) error {
		_, err := f.vault.Deposit(st, alice, big.NewInt(2_000_000), alice)
		return err
	})
	require.ErrorIs(t, err, token.ErrInsufficientBalance)
}

func TestDepositTooSmallForShares(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1)
	f.donate(t, 99) // 100 assets per share

	err := f.c.Execute(func(st *chain.State) error {
		_, err := f.vault.Deposit(st, alice, big.NewInt(99), alice)
		return err
	})
	require.ErrorIs(t, err, ErrZeroShares)
}

func TestMintAndWithdraw(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 100)
	f.donate(t, 100) // 2 assets per share

	require.NoError(t, f.c.Execute(func(st *chain.State) error {
		assets, err := f.vault.Mint(st, bob, big.NewInt(10), bob)
		require.NoError(t, err)
		require.Equal(t, int64(20), assets.Int64())

		shares, err := f.vault.Withdraw(st, bob, big.NewInt(3), bob, bob)
		require.NoError(t, err)
		require.Equal(t, int64(2), shares.Int64()) // 1.5 rounded up
		return nil
	}))

	require.Equal(t, int64(8), f.view(t, func(st *chain.State) (*big.Int, error) {
		return f.vault.Shares().BalanceOf(st, bob)
	}))
}

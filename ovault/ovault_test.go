// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ovault

import (
	"math/big"
	"testing"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	log "github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ovault/chain"
	"github.com/luxfi/ovault/composer"
	"github.com/luxfi/ovault/config"
	"github.com/luxfi/ovault/metrics"
	"github.com/luxfi/ovault/oapp"
	"github.com/luxfi/ovault/oft"
	"github.com/luxfi/ovault/transport"
)

const (
	hubEid   uint32 = 40217
	spokeEid uint32 = 40267
)

var (
	owner = common.HexToAddress("0x000000000000000000000000000000000000dEaF")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func newDeployment(t *testing.T) *Deployment {
	t.Helper()
	d, err := Deploy(config.Default(), owner, log.NewTestLogger(log.InfoLevel))
	require.NoError(t, err)
	require.NoError(t, d.Wire())

	spoke := d.Spokes[spokeEid]
	require.NoError(t, spoke.Chain.Fund(alice, units(1_000)))
	require.NoError(t, spoke.Chain.Execute(func(st *chain.State) error {
		return spoke.AssetOFT.Mint(st, owner, alice, units(1_000))
	}))
	return d
}

func balance(t *testing.T, c *chain.Chain, app *oft.OFT, holder common.Address) *big.Int {
	t.Helper()
	var bal *big.Int
	require.NoError(t, c.View(func(st *chain.State) error {
		var err error
		bal, err = app.Token().BalanceOf(st, holder)
		return err
	}))
	return bal
}

func native(t *testing.T, c *chain.Chain, holder common.Address) *big.Int {
	t.Helper()
	var bal *big.Int
	require.NoError(t, c.View(func(st *chain.State) error {
		var err error
		bal, err = st.NativeBalance(holder)
		return err
	}))
	return bal
}

func record(t *testing.T, d *Deployment, app common.Address, nonce uint64) *composer.Record {
	t.Helper()
	var (
		rec *composer.Record
		ok  bool
	)
	require.NoError(t, d.Hub.Chain.View(func(st *chain.State) error {
		var err error
		rec, ok, err = d.Hub.Composer.Record(st, app, spokeEid, nonce)
		return err
	}))
	require.True(t, ok)
	return rec
}

func requireConserved(t *testing.T, d *Deployment, assets *big.Int) {
	t.Helper()
	require.Zero(t, d.Network.Pending())
	got, err := d.AssetSupply()
	require.NoError(t, err)
	require.Zero(t, assets.Cmp(got), "asset supply %s, want %s", got, assets)

	supply, circulating, err := d.ShareSupply()
	require.NoError(t, err)
	require.Zero(t, supply.Cmp(circulating), "share supply %s, circulating %s", supply, circulating)
}

func (d *Deployment) depositAndForward(t *testing.T, assets *big.Int, fwd Forward) transport.MessagingReceipt {
	t.Helper()
	spoke := d.Spokes[spokeEid]
	param, err := d.BuildDepositAndForward(spokeEid, assets, fwd)
	require.NoError(t, err)
	receipt, _, err := Send(spoke.Chain, spoke.AssetOFT, alice, param)
	require.NoError(t, err)
	return receipt
}

// =========================================================================
// Bridging
// =========================================================================

func TestSendBeforeWiringFailsWithPeerNotSet(t *testing.T) {
	d, err := Deploy(config.Default(), owner, log.NewTestLogger(log.InfoLevel))
	require.NoError(t, err)
	spoke := d.Spokes[spokeEid]
	require.NoError(t, spoke.Chain.Fund(alice, units(1)))
	require.NoError(t, spoke.Chain.Execute(func(st *chain.State) error {
		return spoke.AssetOFT.Mint(st, owner, alice, units(10))
	}))

	param := oft.SendParam{
		DstEid:      hubEid,
		To:          transport.AddressToBytes32(alice),
		AmountLD:    units(10),
		MinAmountLD: units(10),
	}
	_, _, err = Send(spoke.Chain, spoke.AssetOFT, alice, param)
	require.ErrorIs(t, err, oapp.ErrPeerNotSet)

	require.NoError(t, d.Wire())
	_, _, err = Send(spoke.Chain, spoke.AssetOFT, alice, param)
	require.NoError(t, err)
	require.NoError(t, d.Flush())
	require.Zero(t, units(10).Cmp(balance(t, d.Hub.Chain, d.Hub.AssetOFT, alice)))
}

func TestWireSetsEnforcedOptions(t *testing.T) {
	d := newDeployment(t)
	send, sendAndCall, err := d.EnforcedOptions()
	require.NoError(t, err)
	require.Equal(t, "0x00030100110100000000000000000000000000030d40", hexutil.Encode(send))

	require.NoError(t, d.Hub.Chain.View(func(st *chain.State) error {
		got, err := d.Hub.ShareAdapter.EnforcedOptions(st, spokeEid, oft.MsgTypeSendAndCall)
		require.NoError(t, err)
		require.Equal(t, sendAndCall, got)

		peer, ok, err := d.Hub.ShareAdapter.Peer(st, spokeEid)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, transport.AddressToBytes32(d.Spokes[spokeEid].ShareOFT.Address), peer)
		return nil
	}))
}

func TestAssetRoundTripConservesSupply(t *testing.T) {
	d := newDeployment(t)
	spoke := d.Spokes[spokeEid]

	_, _, err := Send(spoke.Chain, spoke.AssetOFT, alice, oft.SendParam{
		DstEid:      hubEid,
		To:          transport.AddressToBytes32(bob),
		AmountLD:    units(300),
		MinAmountLD: units(300),
	})
	require.NoError(t, err)
	require.NoError(t, d.Flush())
	requireConserved(t, d, units(1_000))

	require.NoError(t, d.Hub.Chain.Fund(bob, units(1)))
	_, _, err = Send(d.Hub.Chain, d.Hub.AssetOFT, bob, oft.SendParam{
		DstEid:      spokeEid,
		To:          transport.AddressToBytes32(bob),
		AmountLD:    units(100),
		MinAmountLD: units(100),
	})
	require.NoError(t, err)
	require.NoError(t, d.Flush())

	require.Zero(t, units(200).Cmp(balance(t, d.Hub.Chain, d.Hub.AssetOFT, bob)))
	require.Zero(t, units(100).Cmp(balance(t, spoke.Chain, spoke.AssetOFT, bob)))
	requireConserved(t, d, units(1_000))
}

// =========================================================================
// Compound operations
// =========================================================================

func TestDepositAndForwardToSpoke(t *testing.T) {
	d := newDeployment(t)
	spoke := d.Spokes[spokeEid]
	before := testutil.ToFloat64(metrics.OperationCounter("deposit", metrics.StatusCompleted))

	receipt := d.depositAndForward(t, units(100), Forward{DstEid: spokeEid, Recipient: alice, MinAmountLD: units(100)})
	require.NoError(t, d.Flush())

	require.Zero(t, units(100).Cmp(balance(t, spoke.Chain, spoke.ShareOFT, alice)))
	require.Zero(t, units(900).Cmp(balance(t, spoke.Chain, spoke.AssetOFT, alice)))
	require.Zero(t, units(100).Cmp(balance(t, d.Hub.Chain, d.Hub.ShareAdapter, d.Hub.ShareAdapter.Address)))

	rec := record(t, d, d.Hub.AssetOFT.Address, receipt.Nonce)
	require.Equal(t, composer.StatusCompleted, rec.Status)
	require.Equal(t, composer.OperationDeposit, rec.Operation)
	require.Zero(t, units(100).Cmp(rec.AmountOutLD()))
	require.Equal(t, alice, rec.Recipient)

	statuses := []composer.Status{}
	for _, ev := range chain.EventsOf[composer.StatusChanged](d.Hub.Chain) {
		statuses = append(statuses, ev.Status)
	}
	require.Equal(t, []composer.Status{composer.StatusReceived, composer.StatusProcessing, composer.StatusCompleted}, statuses)
	require.Equal(t, before+1, testutil.ToFloat64(metrics.OperationCounter("deposit", metrics.StatusCompleted)))

	requireConserved(t, d, units(1_000))
}

func TestDepositAndForwardToHub(t *testing.T) {
	d := newDeployment(t)
	d.depositAndForward(t, units(50), Forward{DstEid: hubEid, Recipient: bob})
	require.NoError(t, d.Flush())

	require.NoError(t, d.Hub.Chain.View(func(st *chain.State) error {
		shares, err := d.Hub.Vault.Shares().BalanceOf(st, bob)
		require.NoError(t, err)
		require.Zero(t, units(50).Cmp(shares))
		return nil
	}))
	requireConserved(t, d, units(1_000))
}

func TestForwardFailureRefundsSharesOnHub(t *testing.T) {
	d := newDeployment(t)
	spoke := d.Spokes[spokeEid]

	receipt := d.depositAndForward(t, units(100), Forward{DstEid: spokeEid, Recipient: alice})

	// The hop was priced before the hub raised its fees.
	pricier := transport.DefaultFeeModel()
	pricier.Version = 2
	pricier.Default.BaseFee = new(big.Int).Mul(pricier.Default.BaseFee, big.NewInt(10))
	require.NoError(t, d.Hub.Endpoint.SetFeeModel(owner, pricier))

	require.NoError(t, d.Flush())

	rec := record(t, d, d.Hub.AssetOFT.Address, receipt.Nonce)
	require.Equal(t, composer.StatusRefunded, rec.Status)
	require.Contains(t, rec.Reason, composer.ErrComposeForwardingFailed.Error())
	require.Contains(t, rec.Reason, transport.ErrInsufficientFee.Error())

	require.NoError(t, d.Hub.Chain.View(func(st *chain.State) error {
		shares, err := d.Hub.Vault.Shares().BalanceOf(st, alice)
		require.NoError(t, err)
		require.Zero(t, units(100).Cmp(shares))

		held, err := d.Hub.Vault.Shares().BalanceOf(st, d.Hub.Composer.Address())
		require.NoError(t, err)
		require.Zero(t, held.Sign())
		return nil
	}))
	require.Positive(t, native(t, d.Hub.Chain, alice).Sign())
	require.Zero(t, balance(t, spoke.Chain, spoke.ShareOFT, alice).Sign())
	requireConserved(t, d, units(1_000))
}

func TestVaultSlippageRefundsAssetsOnHub(t *testing.T) {
	d := newDeployment(t)
	require.NoError(t, d.Hub.Chain.Execute(func(st *chain.State) error {
		return d.Hub.AssetOFT.Mint(st, owner, bob, units(100))
	}))
	d.depositAndForward(t, units(100), Forward{DstEid: hubEid, Recipient: bob})
	require.NoError(t, d.Flush())

	receipt := d.depositAndForward(t, units(100), Forward{DstEid: spokeEid, Recipient: alice, MinAmountLD: units(100)})

	// A donation doubles the share price while the deposit is in flight.
	require.NoError(t, d.Hub.Chain.Execute(func(st *chain.State) error {
		return d.Hub.AssetOFT.Token().Transfer(st, bob, d.Hub.Vault.Address(), units(100))
	}))
	require.NoError(t, d.Flush())

	rec := record(t, d, d.Hub.AssetOFT.Address, receipt.Nonce)
	require.Equal(t, composer.StatusRefunded, rec.Status)
	require.Zero(t, rec.AmountOutLD().Sign())
	require.Contains(t, rec.Reason, oft.ErrSlippageExceeded.Error())
	require.Zero(t, units(100).Cmp(balance(t, d.Hub.Chain, d.Hub.AssetOFT, alice)))
	requireConserved(t, d, units(1_100))
}

func TestComposeReplayIsIdempotent(t *testing.T) {
	d := newDeployment(t)
	spoke := d.Spokes[spokeEid]

	receipt := d.depositAndForward(t, units(100), Forward{DstEid: spokeEid, Recipient: alice})
	require.NoError(t, d.Flush())

	executor := d.Network.Executor(hubEid)
	executorBefore := native(t, d.Hub.Chain, executor)
	sharesBefore := balance(t, spoke.Chain, spoke.ShareOFT, alice)
	replays := testutil.ToFloat64(metrics.OperationCounter("deposit", metrics.StatusReplayed))

	require.NoError(t, d.Network.ReplayCompose(receipt.GUID, 0))
	require.NoError(t, d.Network.Replay(receipt.GUID))
	require.NoError(t, d.Flush())

	require.Zero(t, executorBefore.Cmp(native(t, d.Hub.Chain, executor)))
	require.Zero(t, sharesBefore.Cmp(balance(t, spoke.Chain, spoke.ShareOFT, alice)))
	require.Equal(t, replays+1, testutil.ToFloat64(metrics.OperationCounter("deposit", metrics.StatusReplayed)))
	require.Equal(t, composer.StatusCompleted, record(t, d, d.Hub.AssetOFT.Address, receipt.Nonce).Status)
	requireConserved(t, d, units(1_000))
}

func TestRedeemAndForwardToSpoke(t *testing.T) {
	d := newDeployment(t)
	spoke := d.Spokes[spokeEid]

	d.depositAndForward(t, units(100), Forward{DstEid: spokeEid, Recipient: alice})
	require.NoError(t, d.Flush())

	param, err := d.BuildRedeemAndForward(spokeEid, units(40), Forward{DstEid: spokeEid, Recipient: alice, MinAmountLD: units(40)})
	require.NoError(t, err)
	receipt, _, err := Send(spoke.Chain, spoke.ShareOFT, alice, param)
	require.NoError(t, err)
	require.NoError(t, d.Flush())

	rec := record(t, d, d.Hub.ShareAdapter.Address, receipt.Nonce)
	require.Equal(t, composer.StatusCompleted, rec.Status)
	require.Equal(t, composer.OperationRedeem, rec.Operation)

	require.Zero(t, units(60).Cmp(balance(t, spoke.Chain, spoke.ShareOFT, alice)))
	require.Zero(t, units(940).Cmp(balance(t, spoke.Chain, spoke.AssetOFT, alice)))
	requireConserved(t, d, units(1_000))
}

func TestForwardLeavesNoDustWithComposer(t *testing.T) {
	d := newDeployment(t)
	spoke := d.Spokes[spokeEid]
	require.NoError(t, d.Hub.Chain.Execute(func(st *chain.State) error {
		if err := d.Hub.AssetOFT.Mint(st, owner, bob, units(150)); err != nil {
			return err
		}
		if err := d.Hub.AssetOFT.Token().Approve(st, bob, d.Hub.Vault.Address(), units(100)); err != nil {
			return err
		}
		if _, err := d.Hub.Vault.Deposit(st, bob, units(100), bob); err != nil {
			return err
		}
		// 3 assets per 2 shares
		return d.Hub.AssetOFT.Token().Transfer(st, bob, d.Hub.Vault.Address(), units(50))
	}))

	receipt := d.depositAndForward(t, units(100), Forward{DstEid: spokeEid, Recipient: alice})
	require.NoError(t, d.Flush())

	rec := record(t, d, d.Hub.AssetOFT.Address, receipt.Nonce)
	require.Equal(t, composer.StatusCompleted, rec.Status)

	rate := d.Hub.ShareAdapter.DecimalConversionRate()
	out := rec.AmountOutLD()
	sent := new(big.Int).Mul(new(big.Int).Quo(out, rate), rate)
	dust := new(big.Int).Sub(out, sent)
	require.Positive(t, dust.Sign())

	require.Zero(t, sent.Cmp(balance(t, spoke.Chain, spoke.ShareOFT, alice)))
	require.NoError(t, d.Hub.Chain.View(func(st *chain.State) error {
		held, err := d.Hub.Vault.Shares().BalanceOf(st, d.Hub.Composer.Address())
		require.NoError(t, err)
		require.Zero(t, held.Sign())

		returned, err := d.Hub.Vault.Shares().BalanceOf(st, alice)
		require.NoError(t, err)
		require.Zero(t, dust.Cmp(returned))
		return nil
	}))
	requireConserved(t, d, units(1_150))
}

func TestBuildRejectsHopFeeAboveOptionRange(t *testing.T) {
	d := newDeployment(t)
	huge := transport.DefaultFeeModel()
	huge.Version = 2
	huge.Default.BaseFee = new(big.Int).Lsh(big.NewInt(1), 70)
	require.NoError(t, d.Hub.Endpoint.SetFeeModel(owner, huge))

	_, err := d.BuildDepositAndForward(spokeEid, units(1), Forward{DstEid: spokeEid, Recipient: alice})
	require.ErrorIs(t, err, ErrHopFeeTooLarge)
}

func TestBuildRejectsUnknownSpoke(t *testing.T) {
	d := newDeployment(t)
	_, err := d.BuildDepositAndForward(1, units(1), Forward{DstEid: spokeEid, Recipient: alice})
	require.ErrorIs(t, err, ErrUnknownChain)

	_, err = d.Chain(1)
	require.ErrorIs(t, err, ErrUnknownChain)
}

// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the deployment parameters of a hub and its spokes
// from the environment.
package config

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/kelseyhightower/envconfig"

	"github.com/luxfi/ovault/transport"
)

// Prefix of every environment variable, e.g. OVAULT_HUB_EID.
const Prefix = "ovault"

var (
	ErrNoSpokes        = errors.New("at least one spoke is required")
	ErrHubIsSpoke      = errors.New("hub eid listed as a spoke")
	ErrDuplicateEID    = errors.New("duplicate spoke eid")
	ErrInvalidDecimals = errors.New("local decimals below shared decimals")
	ErrZeroGas         = errors.New("enforced receive gas must be positive")
	ErrInvalidAmount   = errors.New("invalid amount")
)

// Amount is a non-negative integer read from its decimal form.
type Amount big.Int

// Decode implements envconfig.Decoder.
func (a *Amount) Decode(value string) error {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok || v.Sign() < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	(*big.Int)(a).Set(v)
	return nil
}

// Int returns a copy of the amount.
func (a *Amount) Int() *big.Int {
	return new(big.Int).Set((*big.Int)(a))
}

func amount(s string) Amount {
	var a Amount
	if err := a.Decode(s); err != nil {
		panic(err)
	}
	return a
}

// Token names one token of the deployment.
type Token struct {
	Name   string `envconfig:"NAME"`
	Symbol string `envconfig:"SYMBOL"`
}

// Fees are the prices the transport charges for every destination.
type Fees struct {
	BaseFee     Amount `envconfig:"BASE_FEE" default:"10000000000000"`
	PerByteFee  Amount `envconfig:"PER_BYTE_FEE" default:"1000000000"`
	GasPrice    Amount `envconfig:"GAS_PRICE" default:"1000000"`
	LzTokenRate Amount `envconfig:"LZ_TOKEN_RATE" default:"0"`
}

type Config struct {
	HubEID    uint32   `envconfig:"HUB_EID" default:"40217"`
	SpokeEIDs []uint32 `envconfig:"SPOKE_EIDS" default:"40267"`

	Asset Token `envconfig:"ASSET"`
	Vault Token `envconfig:"VAULT"`
	Share Token `envconfig:"SHARE"`

	LocalDecimals  uint8 `envconfig:"LOCAL_DECIMALS" default:"18"`
	SharedDecimals uint8 `envconfig:"SHARED_DECIMALS" default:"6"`

	// Enforced execution floor per message type.
	ReceiveGas   uint64 `envconfig:"RECEIVE_GAS" default:"200000"`
	ComposeGas   uint64 `envconfig:"COMPOSE_GAS" default:"500000"`
	ComposeValue uint64 `envconfig:"COMPOSE_VALUE" default:"0"`

	Fees Fees `envconfig:"FEES"`

	// Native currency credited to each chain's executor at deployment.
	ExecutorFunding Amount `envconfig:"EXECUTOR_FUNDING" default:"1000000000000000000000000"`
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		HubEID:          40217,
		SpokeEIDs:       []uint32{40267},
		Asset:           Token{Name: "Test Asset", Symbol: "TASSET"},
		Vault:           Token{Name: "Test Vault Shares", Symbol: "TVS"},
		Share:           Token{Name: "Test Vault Shares OFT", Symbol: "TVSOFT"},
		LocalDecimals:   18,
		SharedDecimals:  6,
		ReceiveGas:      200_000,
		ComposeGas:      500_000,
		ExecutorFunding: amount("1000000000000000000000000"),
		Fees: Fees{
			BaseFee:     amount("10000000000000"),
			PerByteFee:  amount("1000000000"),
			GasPrice:    amount("1000000"),
			LzTokenRate: amount("0"),
		},
	}
}

// Load reads the configuration from OVAULT_* variables on top of the
// defaults and validates it.
func Load() (Config, error) {
	cfg := Default()
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process env var: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the relations between fields.
func (c Config) Validate() error {
	if len(c.SpokeEIDs) == 0 {
		return ErrNoSpokes
	}
	seen := make(map[uint32]struct{}, len(c.SpokeEIDs))
	for _, eid := range c.SpokeEIDs {
		if eid == c.HubEID {
			return fmt.Errorf("%w: %d", ErrHubIsSpoke, eid)
		}
		if _, ok := seen[eid]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateEID, eid)
		}
		seen[eid] = struct{}{}
	}
	if c.LocalDecimals < c.SharedDecimals {
		return fmt.Errorf("%w: local %d, shared %d", ErrInvalidDecimals, c.LocalDecimals, c.SharedDecimals)
	}
	if c.ReceiveGas == 0 {
		return ErrZeroGas
	}
	return nil
}

// FeeModel builds the transport pricing snapshot.
func (c Config) FeeModel() *transport.FeeModel {
	m := transport.DefaultFeeModel()
	m.Default = transport.Price{
		BaseFee:    c.Fees.BaseFee.Int(),
		PerByteFee: c.Fees.PerByteFee.Int(),
		GasPrice:   c.Fees.GasPrice.Int(),
	}
	if rate := c.Fees.LzTokenRate.Int(); rate.Sign() > 0 {
		m.LzTokenRate = rate
	}
	return m
}

// EIDs returns the hub followed by the spokes.
func (c Config) EIDs() []uint32 {
	return append([]uint32{c.HubEID}, c.SpokeEIDs...)
}

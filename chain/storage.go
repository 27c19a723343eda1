// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"math/big"

	"github.com/luxfi/crypto"
	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
)

// Key joins key parts into a single storage key.
func Key(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	key := make([]byte, 0, n)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}

// GetBig reads an unsigned integer stored under [key]. Missing keys read as zero.
func GetBig(db database.KeyValueReader, key []byte) (*big.Int, error) {
	raw, err := db.Get(key)
	if errors.Is(err, database.ErrNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// PutBig stores [v] under [key]. Zero values delete the key.
func PutBig(db database.KeyValueWriterDeleter, key []byte, v *big.Int) error {
	if v.Sign() == 0 {
		return db.Delete(key)
	}
	if v.Sign() < 0 {
		return ErrNegativeAmount
	}
	return db.Put(key, v.Bytes())
}

// AddBig adds [delta] to the integer stored under [key].
func AddBig(db database.Database, key []byte, delta *big.Int) error {
	v, err := GetBig(db, key)
	if err != nil {
		return err
	}
	return PutBig(db, key, v.Add(v, delta))
}

// GetUint64 reads a counter stored under [key]. Missing keys read as zero.
func GetUint64(db database.KeyValueReader, key []byte) (uint64, error) {
	v, err := database.GetUInt64(db, key)
	if errors.Is(err, database.ErrNotFound) {
		return 0, nil
	}
	return v, err
}

// PutUint64 stores a counter under [key].
func PutUint64(db database.KeyValueWriter, key []byte, v uint64) error {
	return database.PutUInt64(db, key, v)
}

// GetBytes reads raw bytes stored under [key]. Missing keys read as nil.
func GetBytes(db database.KeyValueReader, key []byte) ([]byte, error) {
	raw, err := db.Get(key)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	return raw, err
}

// CreateAddress derives the address of the [nonce]th contract deployed by
// [deployer] on the chain identified by [eid].
func CreateAddress(deployer common.Address, eid uint32, nonce uint64) common.Address {
	buf := make([]byte, 0, common.AddressLength+12)
	buf = append(buf, deployer.Bytes()...)
	buf = append(buf, byte(eid>>24), byte(eid>>16), byte(eid>>8), byte(eid))
	buf = append(buf,
		byte(nonce>>56), byte(nonce>>48), byte(nonce>>40), byte(nonce>>32),
		byte(nonce>>24), byte(nonce>>16), byte(nonce>>8), byte(nonce))
	return common.BytesToAddress(crypto.Keccak256(buf)[12:])
}

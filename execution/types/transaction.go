// Copyright 2016 The go-ethereum Authors
// (original work)
// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package types

import (
	"errors"
	"fmt"
	"io"

	"github.com/holiman/uint256"

	"github.com/AndreaLanfranchi/silkworm/common"
	"github.com/AndreaLanfranchi/silkworm/crypto"
)

const (
	LegacyTxType     byte = 0
	AccessListTxType byte = 1
	DynamicFeeTxType byte = 2
)

var (
	ErrInvalidSig         = errors.New("invalid transaction v, r, s values")
	ErrUnexpectedProtocol = errors.New("transaction type not valid in this context")
)

// Transaction is the subset of a chain transaction the sender recovery
// pipeline needs: signature material and the signing-form encoding.
type Transaction interface {
	Type() byte

	// GetChainID returns the chain id the signature commits to,
	// or nil for a pre-EIP-155 legacy transaction.
	GetChainID() *uint256.Int

	// RawSignatureValues returns the V, R, S signature scalars.
	RawSignatureValues() (v, r, s *uint256.Int)

	// OddYParity extracts the recovery bit from V.
	OddYParity() (bool, error)

	// SigningHash is the Keccak-256 of the transaction's signing-form byte
	// string: the message the ECDSA signature covers. For typed transactions
	// the payload is prefixed with the type byte and NOT wrapped into an RLP
	// string. chainID is ignored by typed transactions (they carry their own)
	// and selects the EIP-155 form for legacy ones when non-nil.
	SigningHash(chainID *uint256.Int) common.Hash

	// MarshalBinary writes the canonical network/database encoding:
	// RLP for legacy transactions, type byte + payload for typed ones.
	MarshalBinary(w io.Writer) error

	// SetSignature fills V, R, S (and the chain id where applicable)
	// from a 65 byte [R || S || parity] signature.
	SetSignature(chainID *uint256.Int, sig []byte) error
}

// DecodeTransaction decodes a transaction from its database representation.
func DecodeTransaction(data []byte) (Transaction, error) {
	if len(data) == 0 {
		return nil, io.EOF
	}
	if data[0] >= 0xc0 {
		// RLP list: legacy transaction
		tx := &LegacyTx{}
		if err := tx.DecodeRLP(data); err != nil {
			return nil, err
		}
		return tx, nil
	}
	switch data[0] {
	case AccessListTxType:
		tx := &AccessListTx{}
		if err := tx.DecodeRLP(data[1:]); err != nil {
			return nil, err
		}
		return tx, nil
	case DynamicFeeTxType:
		tx := &DynamicFeeTx{}
		if err := tx.DecodeRLP(data[1:]); err != nil {
			return nil, err
		}
		return tx, nil
	default:
		return nil, fmt.Errorf("%w: unsupported transaction type %d", ErrUnexpectedProtocol, data[0])
	}
}

// deriveChainID derives the chain id from the given v parameter.
// Returns nil for the pre-EIP-155 27/28 values.
func deriveChainID(v *uint256.Int) *uint256.Int {
	if v.IsZero() {
		return nil
	}
	if v.IsUint64() {
		vn := v.Uint64()
		if vn == 27 || vn == 28 {
			return nil
		}
		return new(uint256.Int).SetUint64((vn - 35) / 2)
	}
	r := new(uint256.Int).SubUint64(v, 35)
	return r.Rsh(r, 1)
}

func hashToWriter(encode func(w io.Writer) error) common.Hash {
	sha := crypto.NewKeccakState()
	if err := encode(sha); err != nil {
		panic(fmt.Errorf("signing-form encoding to hasher can not fail: %w", err))
	}
	var h common.Hash
	sha.Read(h[:]) //nolint:errcheck
	return h
}

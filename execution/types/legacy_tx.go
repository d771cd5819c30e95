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
	"fmt"
	"io"

	"github.com/holiman/uint256"

	"github.com/AndreaLanfranchi/silkworm/common"
	"github.com/AndreaLanfranchi/silkworm/common/length"
	"github.com/AndreaLanfranchi/silkworm/execution/rlp"
)

// LegacyTx is the transaction data of regular Ethereum transactions.
type LegacyTx struct {
	Nonce    uint64
	GasPrice *uint256.Int
	GasLimit uint64
	To       *common.Address // nil means contract creation
	Value    *uint256.Int
	Data     []byte
	V, R, S  uint256.Int
}

func NewLegacyTx(nonce uint64, to common.Address, amount *uint256.Int, gasLimit uint64, gasPrice *uint256.Int, data []byte) *LegacyTx {
	return &LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		GasLimit: gasLimit,
		To:       &to,
		Value:    amount,
		Data:     data,
	}
}

func (tx *LegacyTx) Type() byte { return LegacyTxType }

// Protected says whether the signature commits to a chain id (EIP-155).
func (tx *LegacyTx) Protected() bool {
	if !tx.V.IsUint64() {
		return true
	}
	v := tx.V.Uint64()
	return v != 0 && v != 27 && v != 28
}

func (tx *LegacyTx) GetChainID() *uint256.Int {
	if !tx.Protected() {
		return nil
	}
	return deriveChainID(&tx.V)
}

func (tx *LegacyTx) RawSignatureValues() (v, r, s *uint256.Int) {
	return &tx.V, &tx.R, &tx.S
}

func (tx *LegacyTx) OddYParity() (bool, error) {
	if !tx.Protected() {
		v := tx.V.Uint64()
		if v != 27 && v != 28 {
			return false, ErrInvalidSig
		}
		return v == 28, nil
	}
	// EIP-155: V = chain_id*2 + 35 + parity, so the parity flips V's lowest bit
	return tx.V[0]&1 == 0, nil
}

func (tx *LegacyTx) SetSignature(chainID *uint256.Int, sig []byte) error {
	if len(sig) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrInvalidSig, len(sig))
	}
	tx.R.SetBytes(sig[:32])
	tx.S.SetBytes(sig[32:64])
	if chainID == nil || chainID.IsZero() {
		tx.V.SetUint64(uint64(sig[64]) + 27)
		return nil
	}
	tx.V.Lsh(chainID, 1)
	tx.V.AddUint64(&tx.V, uint64(sig[64])+35)
	return nil
}

// payloadSize of the canonical 9-field form, excluding the list prefix
func (tx *LegacyTx) payloadSize() int {
	payloadSize := 1 + rlp.IntLenExcludingHead(tx.Nonce)
	payloadSize += 1 + rlp.Uint256LenExcludingHead(tx.GasPrice)
	payloadSize += 1 + rlp.IntLenExcludingHead(tx.GasLimit)
	payloadSize++
	if tx.To != nil {
		payloadSize += length.Addr
	}
	payloadSize += 1 + rlp.Uint256LenExcludingHead(tx.Value)
	payloadSize += rlp.StringLen(tx.Data)
	payloadSize += 1 + rlp.Uint256LenExcludingHead(&tx.V)
	payloadSize += 1 + rlp.Uint256LenExcludingHead(&tx.R)
	payloadSize += 1 + rlp.Uint256LenExcludingHead(&tx.S)
	return payloadSize
}

func (tx *LegacyTx) encodeBody(w io.Writer, b []byte) error {
	if err := rlp.EncodeInt(tx.Nonce, w, b); err != nil {
		return err
	}
	if err := rlp.EncodeUint256(tx.GasPrice, w, b); err != nil {
		return err
	}
	if err := rlp.EncodeInt(tx.GasLimit, w, b); err != nil {
		return err
	}
	if err := rlp.EncodeOptionalAddress(tx.To, w, b); err != nil {
		return err
	}
	if err := rlp.EncodeUint256(tx.Value, w, b); err != nil {
		return err
	}
	return rlp.EncodeString(tx.Data, w, b)
}

// MarshalBinary writes the canonical RLP encoding
func (tx *LegacyTx) MarshalBinary(w io.Writer) error {
	var b [33]byte
	payloadSize := tx.payloadSize()
	if err := rlp.EncodeStructSizePrefix(payloadSize, w, b[:]); err != nil {
		return err
	}
	if err := tx.encodeBody(w, b[:]); err != nil {
		return err
	}
	if err := rlp.EncodeUint256(&tx.V, w, b[:]); err != nil {
		return err
	}
	if err := rlp.EncodeUint256(&tx.R, w, b[:]); err != nil {
		return err
	}
	return rlp.EncodeUint256(&tx.S, w, b[:])
}

// signingPayloadSize - the 6-field form, or the 9-field EIP-155 form with
// (chain_id, 0, 0) trailing when chainID is set
func (tx *LegacyTx) signingPayloadSize(chainID *uint256.Int) int {
	payloadSize := 1 + rlp.IntLenExcludingHead(tx.Nonce)
	payloadSize += 1 + rlp.Uint256LenExcludingHead(tx.GasPrice)
	payloadSize += 1 + rlp.IntLenExcludingHead(tx.GasLimit)
	payloadSize++
	if tx.To != nil {
		payloadSize += length.Addr
	}
	payloadSize += 1 + rlp.Uint256LenExcludingHead(tx.Value)
	payloadSize += rlp.StringLen(tx.Data)
	if chainID != nil && !chainID.IsZero() {
		payloadSize += 1 + rlp.Uint256LenExcludingHead(chainID)
		payloadSize += 2 // two zero ints
	}
	return payloadSize
}

// EncodeForSigning writes the signing-form byte string honoring EIP-155
// when chainID is set
func (tx *LegacyTx) EncodeForSigning(chainID *uint256.Int, w io.Writer) error {
	var b [33]byte
	if err := rlp.EncodeStructSizePrefix(tx.signingPayloadSize(chainID), w, b[:]); err != nil {
		return err
	}
	if err := tx.encodeBody(w, b[:]); err != nil {
		return err
	}
	if chainID != nil && !chainID.IsZero() {
		if err := rlp.EncodeUint256(chainID, w, b[:]); err != nil {
			return err
		}
		if err := rlp.EncodeInt(0, w, b[:]); err != nil {
			return err
		}
		if err := rlp.EncodeInt(0, w, b[:]); err != nil {
			return err
		}
	}
	return nil
}

func (tx *LegacyTx) SigningHash(chainID *uint256.Int) common.Hash {
	return hashToWriter(func(w io.Writer) error {
		return tx.EncodeForSigning(chainID, w)
	})
}

func (tx *LegacyTx) DecodeRLP(payload []byte) error {
	p, dataLen, err := rlp.List(payload, 0)
	if err != nil {
		return fmt.Errorf("legacy tx must be a list: %w", err)
	}
	if p+dataLen != len(payload) {
		return fmt.Errorf("%w: trailing bytes after legacy tx", rlp.ErrParse)
	}
	if p, tx.Nonce, err = rlp.U64(payload, p); err != nil {
		return fmt.Errorf("read Nonce: %w", err)
	}
	tx.GasPrice = new(uint256.Int)
	if p, err = rlp.U256(payload, p, tx.GasPrice); err != nil {
		return fmt.Errorf("read GasPrice: %w", err)
	}
	if p, tx.GasLimit, err = rlp.U64(payload, p); err != nil {
		return fmt.Errorf("read GasLimit: %w", err)
	}
	if p, tx.To, err = parseTo(payload, p); err != nil {
		return err
	}
	tx.Value = new(uint256.Int)
	if p, err = rlp.U256(payload, p, tx.Value); err != nil {
		return fmt.Errorf("read Value: %w", err)
	}
	if p, tx.Data, err = parseData(payload, p); err != nil {
		return err
	}
	if p, err = rlp.U256(payload, p, &tx.V); err != nil {
		return fmt.Errorf("read V: %w", err)
	}
	if p, err = rlp.U256(payload, p, &tx.R); err != nil {
		return fmt.Errorf("read R: %w", err)
	}
	if p, err = rlp.U256(payload, p, &tx.S); err != nil {
		return fmt.Errorf("read S: %w", err)
	}
	if p != len(payload) {
		return fmt.Errorf("%w: trailing bytes inside legacy tx", rlp.ErrParse)
	}
	return nil
}

func parseTo(payload []byte, pos int) (int, *common.Address, error) {
	dataPos, dataLen, err := rlp.String(payload, pos)
	if err != nil {
		return 0, nil, fmt.Errorf("read To: %w", err)
	}
	if dataLen == 0 {
		return dataPos, nil, nil
	}
	if dataLen != length.Addr {
		return 0, nil, fmt.Errorf("%w: wrong size for To: %d", rlp.ErrParse, dataLen)
	}
	to := &common.Address{}
	copy(to[:], payload[dataPos:dataPos+dataLen])
	return dataPos + dataLen, to, nil
}

func parseData(payload []byte, pos int) (int, []byte, error) {
	dataPos, dataLen, err := rlp.String(payload, pos)
	if err != nil {
		return 0, nil, fmt.Errorf("read Data: %w", err)
	}
	return dataPos + dataLen, common.CopyBytes(payload[dataPos : dataPos+dataLen]), nil
}

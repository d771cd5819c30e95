// Copyright 2021 The go-ethereum Authors
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

// DynamicFeeTx is the data of EIP-1559 dynamic fee transactions.
type DynamicFeeTx struct {
	ChainID    *uint256.Int
	Nonce      uint64
	TipCap     *uint256.Int // a.k.a. maxPriorityFeePerGas
	FeeCap     *uint256.Int // a.k.a. maxFeePerGas
	GasLimit   uint64
	To         *common.Address // nil means contract creation
	Value      *uint256.Int
	Data       []byte
	AccessList AccessList
	V, R, S    uint256.Int
}

func (tx *DynamicFeeTx) Type() byte { return DynamicFeeTxType }

func (tx *DynamicFeeTx) Protected() bool { return true }

func (tx *DynamicFeeTx) GetChainID() *uint256.Int { return tx.ChainID }

func (tx *DynamicFeeTx) RawSignatureValues() (v, r, s *uint256.Int) {
	return &tx.V, &tx.R, &tx.S
}

func (tx *DynamicFeeTx) OddYParity() (bool, error) {
	return typedOddYParity(&tx.V)
}

func (tx *DynamicFeeTx) SetSignature(chainID *uint256.Int, sig []byte) error {
	if len(sig) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrInvalidSig, len(sig))
	}
	tx.R.SetBytes(sig[:32])
	tx.S.SetBytes(sig[32:64])
	tx.V.SetUint64(uint64(sig[64]))
	tx.ChainID = new(uint256.Int)
	if chainID != nil {
		tx.ChainID.Set(chainID)
	}
	return nil
}

func (tx *DynamicFeeTx) payloadSize() (payloadSize, accessListLen int) {
	payloadSize, accessListLen = tx.signingPayloadSize()
	payloadSize += 1 + rlp.Uint256LenExcludingHead(&tx.V)
	payloadSize += 1 + rlp.Uint256LenExcludingHead(&tx.R)
	payloadSize += 1 + rlp.Uint256LenExcludingHead(&tx.S)
	return payloadSize, accessListLen
}

func (tx *DynamicFeeTx) signingPayloadSize() (payloadSize, accessListLen int) {
	payloadSize = 1 + rlp.Uint256LenExcludingHead(tx.ChainID)
	payloadSize += 1 + rlp.IntLenExcludingHead(tx.Nonce)
	payloadSize += 1 + rlp.Uint256LenExcludingHead(tx.TipCap)
	payloadSize += 1 + rlp.Uint256LenExcludingHead(tx.FeeCap)
	payloadSize += 1 + rlp.IntLenExcludingHead(tx.GasLimit)
	payloadSize++
	if tx.To != nil {
		payloadSize += length.Addr
	}
	payloadSize += 1 + rlp.Uint256LenExcludingHead(tx.Value)
	payloadSize += rlp.StringLen(tx.Data)
	accessListLen = accessListSize(tx.AccessList)
	payloadSize += rlp.ListPrefixLen(accessListLen) + accessListLen
	return payloadSize, accessListLen
}

func (tx *DynamicFeeTx) encodeBody(w io.Writer, b []byte, accessListLen int) error {
	if err := rlp.EncodeUint256(tx.ChainID, w, b); err != nil {
		return err
	}
	if err := rlp.EncodeInt(tx.Nonce, w, b); err != nil {
		return err
	}
	if err := rlp.EncodeUint256(tx.TipCap, w, b); err != nil {
		return err
	}
	if err := rlp.EncodeUint256(tx.FeeCap, w, b); err != nil {
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
	if err := rlp.EncodeString(tx.Data, w, b); err != nil {
		return err
	}
	if err := rlp.EncodeStructSizePrefix(accessListLen, w, b); err != nil {
		return err
	}
	return encodeAccessList(tx.AccessList, w, b)
}

// MarshalBinary writes the canonical encoding: type byte + payload
func (tx *DynamicFeeTx) MarshalBinary(w io.Writer) error {
	var b [33]byte
	payloadSize, accessListLen := tx.payloadSize()
	b[0] = DynamicFeeTxType
	if _, err := w.Write(b[:1]); err != nil {
		return err
	}
	if err := rlp.EncodeStructSizePrefix(payloadSize, w, b[:]); err != nil {
		return err
	}
	if err := tx.encodeBody(w, b[:], accessListLen); err != nil {
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

// EncodeForSigning writes the EIP-2718 signing form: the type byte followed by
// the payload list, not wrapped into an RLP string
func (tx *DynamicFeeTx) EncodeForSigning(w io.Writer) error {
	var b [33]byte
	payloadSize, accessListLen := tx.signingPayloadSize()
	b[0] = DynamicFeeTxType
	if _, err := w.Write(b[:1]); err != nil {
		return err
	}
	if err := rlp.EncodeStructSizePrefix(payloadSize, w, b[:]); err != nil {
		return err
	}
	return tx.encodeBody(w, b[:], accessListLen)
}

func (tx *DynamicFeeTx) SigningHash(_ *uint256.Int) common.Hash {
	return hashToWriter(tx.EncodeForSigning)
}

// DecodeRLP decodes the typed payload (the part after the type byte)
func (tx *DynamicFeeTx) DecodeRLP(payload []byte) error {
	p, dataLen, err := rlp.List(payload, 0)
	if err != nil {
		return fmt.Errorf("dynamic fee tx must be a list: %w", err)
	}
	if p+dataLen != len(payload) {
		return fmt.Errorf("%w: trailing bytes after dynamic fee tx", rlp.ErrParse)
	}
	tx.ChainID = new(uint256.Int)
	if p, err = rlp.U256(payload, p, tx.ChainID); err != nil {
		return fmt.Errorf("read ChainID: %w", err)
	}
	if p, tx.Nonce, err = rlp.U64(payload, p); err != nil {
		return fmt.Errorf("read Nonce: %w", err)
	}
	tx.TipCap = new(uint256.Int)
	if p, err = rlp.U256(payload, p, tx.TipCap); err != nil {
		return fmt.Errorf("read TipCap: %w", err)
	}
	tx.FeeCap = new(uint256.Int)
	if p, err = rlp.U256(payload, p, tx.FeeCap); err != nil {
		return fmt.Errorf("read FeeCap: %w", err)
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
	if p, tx.AccessList, err = parseAccessList(payload, p); err != nil {
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
		return fmt.Errorf("%w: trailing bytes inside dynamic fee tx", rlp.ErrParse)
	}
	return nil
}

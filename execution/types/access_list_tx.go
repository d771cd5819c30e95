// Copyright 2020 The go-ethereum Authors
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

// AccessTuple is the element type of an access list.
type AccessTuple struct {
	Address     common.Address `json:"address"`
	StorageKeys []common.Hash  `json:"storageKeys"`
}

// AccessList is an EIP-2930 access list.
type AccessList []AccessTuple

// StorageKeys returns the total number of storage keys in the access list.
func (al AccessList) StorageKeys() int {
	sum := 0
	for _, tuple := range al {
		sum += len(tuple.StorageKeys)
	}
	return sum
}

// AccessListTx is the data of EIP-2930 access list transactions.
type AccessListTx struct {
	LegacyTx
	ChainID    *uint256.Int
	AccessList AccessList // EIP-2930 access list
}

func (tx *AccessListTx) Type() byte { return AccessListTxType }

func (tx *AccessListTx) Protected() bool { return true }

func (tx *AccessListTx) GetChainID() *uint256.Int { return tx.ChainID }

func (tx *AccessListTx) OddYParity() (bool, error) {
	return typedOddYParity(&tx.V)
}

// typedOddYParity - EIP-2718 transactions carry the raw parity bit in V
func typedOddYParity(v *uint256.Int) (bool, error) {
	if !v.IsUint64() || v.Uint64() > 1 {
		return false, ErrInvalidSig
	}
	return v.Uint64() == 1, nil
}

func (tx *AccessListTx) SetSignature(chainID *uint256.Int, sig []byte) error {
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

func accessListSize(al AccessList) int {
	var accessListLen int
	for _, tuple := range al {
		tupleLen := 1 + length.Addr // for the address
		// each storage key takes 33 bytes
		storageLen := 33 * len(tuple.StorageKeys)
		tupleLen += rlp.ListPrefixLen(storageLen) + storageLen
		accessListLen += rlp.ListPrefixLen(tupleLen) + tupleLen
	}
	return accessListLen
}

func encodeAccessList(al AccessList, w io.Writer, b []byte) error {
	for i := 0; i < len(al); i++ {
		tupleLen := 1 + length.Addr
		storageLen := 33 * len(al[i].StorageKeys)
		tupleLen += rlp.ListPrefixLen(storageLen) + storageLen
		if err := rlp.EncodeStructSizePrefix(tupleLen, w, b); err != nil {
			return err
		}
		if err := rlp.EncodeOptionalAddress(&al[i].Address, w, b); err != nil {
			return err
		}
		if err := rlp.EncodeStructSizePrefix(storageLen, w, b); err != nil {
			return err
		}
		b[0] = 0x80 + length.Hash
		for idx := 0; idx < len(al[i].StorageKeys); idx++ {
			if _, err := w.Write(b[:1]); err != nil {
				return err
			}
			if _, err := w.Write(al[i].StorageKeys[idx][:]); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseAccessList(payload []byte, pos int) (int, AccessList, error) {
	listPos, listLen, err := rlp.List(payload, pos)
	if err != nil {
		return 0, nil, fmt.Errorf("open AccessList: %w", err)
	}
	end := listPos + listLen
	al := AccessList{}
	p := listPos
	for p < end {
		tuplePos, tupleLen, err := rlp.List(payload, p)
		if err != nil {
			return 0, nil, fmt.Errorf("open AccessTuple: %w", err)
		}
		tupleEnd := tuplePos + tupleLen
		var tuple AccessTuple
		addrPos, err := rlp.StringOfLen(payload, tuplePos, length.Addr)
		if err != nil {
			return 0, nil, fmt.Errorf("read AccessTuple address: %w", err)
		}
		copy(tuple.Address[:], payload[addrPos:addrPos+length.Addr])
		keysPos, keysLen, err := rlp.List(payload, addrPos+length.Addr)
		if err != nil {
			return 0, nil, fmt.Errorf("open StorageKeys: %w", err)
		}
		keysEnd := keysPos + keysLen
		for q := keysPos; q < keysEnd; {
			hashPos, err := rlp.StringOfLen(payload, q, length.Hash)
			if err != nil {
				return 0, nil, fmt.Errorf("read StorageKey: %w", err)
			}
			tuple.StorageKeys = append(tuple.StorageKeys, common.BytesToHash(payload[hashPos:hashPos+length.Hash]))
			q = hashPos + length.Hash
		}
		if keysEnd != tupleEnd {
			return 0, nil, fmt.Errorf("%w: malformed AccessTuple", rlp.ErrParse)
		}
		al = append(al, tuple)
		p = tupleEnd
	}
	if p != end {
		return 0, nil, fmt.Errorf("%w: malformed AccessList", rlp.ErrParse)
	}
	return end, al, nil
}

// payloadSize of the typed payload, excluding the type byte and list prefix
func (tx *AccessListTx) payloadSize() (payloadSize, accessListLen int) {
	payloadSize = 1 + rlp.Uint256LenExcludingHead(tx.ChainID)
	payloadSize += 1 + rlp.IntLenExcludingHead(tx.Nonce)
	payloadSize += 1 + rlp.Uint256LenExcludingHead(tx.GasPrice)
	payloadSize += 1 + rlp.IntLenExcludingHead(tx.GasLimit)
	payloadSize++
	if tx.To != nil {
		payloadSize += length.Addr
	}
	payloadSize += 1 + rlp.Uint256LenExcludingHead(tx.Value)
	payloadSize += rlp.StringLen(tx.Data)
	accessListLen = accessListSize(tx.AccessList)
	payloadSize += rlp.ListPrefixLen(accessListLen) + accessListLen
	payloadSize += 1 + rlp.Uint256LenExcludingHead(&tx.V)
	payloadSize += 1 + rlp.Uint256LenExcludingHead(&tx.R)
	payloadSize += 1 + rlp.Uint256LenExcludingHead(&tx.S)
	return payloadSize, accessListLen
}

func (tx *AccessListTx) encodeBody(w io.Writer, b []byte, accessListLen int) error {
	if err := rlp.EncodeUint256(tx.ChainID, w, b); err != nil {
		return err
	}
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
	if err := rlp.EncodeString(tx.Data, w, b); err != nil {
		return err
	}
	if err := rlp.EncodeStructSizePrefix(accessListLen, w, b); err != nil {
		return err
	}
	return encodeAccessList(tx.AccessList, w, b)
}

// MarshalBinary writes the canonical encoding: type byte + payload
func (tx *AccessListTx) MarshalBinary(w io.Writer) error {
	var b [33]byte
	payloadSize, accessListLen := tx.payloadSize()
	b[0] = AccessListTxType
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

func (tx *AccessListTx) signingPayloadSize() (payloadSize, accessListLen int) {
	payloadSize = 1 + rlp.Uint256LenExcludingHead(tx.ChainID)
	payloadSize += 1 + rlp.IntLenExcludingHead(tx.Nonce)
	payloadSize += 1 + rlp.Uint256LenExcludingHead(tx.GasPrice)
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

// EncodeForSigning writes the EIP-2718 signing form: the type byte followed by
// the payload list, not wrapped into an RLP string
func (tx *AccessListTx) EncodeForSigning(w io.Writer) error {
	var b [33]byte
	payloadSize, accessListLen := tx.signingPayloadSize()
	b[0] = AccessListTxType
	if _, err := w.Write(b[:1]); err != nil {
		return err
	}
	if err := rlp.EncodeStructSizePrefix(payloadSize, w, b[:]); err != nil {
		return err
	}
	return tx.encodeBody(w, b[:], accessListLen)
}

func (tx *AccessListTx) SigningHash(_ *uint256.Int) common.Hash {
	return hashToWriter(tx.EncodeForSigning)
}

// DecodeRLP decodes the typed payload (the part after the type byte)
func (tx *AccessListTx) DecodeRLP(payload []byte) error {
	p, dataLen, err := rlp.List(payload, 0)
	if err != nil {
		return fmt.Errorf("access list tx must be a list: %w", err)
	}
	if p+dataLen != len(payload) {
		return fmt.Errorf("%w: trailing bytes after access list tx", rlp.ErrParse)
	}
	tx.ChainID = new(uint256.Int)
	if p, err = rlp.U256(payload, p, tx.ChainID); err != nil {
		return fmt.Errorf("read ChainID: %w", err)
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
		return fmt.Errorf("%w: trailing bytes inside access list tx", rlp.ErrParse)
	}
	return nil
}

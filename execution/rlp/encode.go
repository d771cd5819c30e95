// Copyright 2021 The Erigon Authors
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

// Package rlp implements the hot-path subset of the Recursive Length Prefix
// encoding: writer-style primitives paired with size calculators, so callers
// can pre-compute payload sizes without buffering, plus positional parse
// helpers for decoding stored values.
package rlp

import (
	"io"
	"math/bits"

	"github.com/holiman/uint256"

	"github.com/AndreaLanfranchi/silkworm/common"
	"github.com/AndreaLanfranchi/silkworm/common/length"
)

// EmptyListCode is the RLP code of an empty list
const EmptyListCode = 0xc0

// EmptyStringCode is the RLP code of an empty string
const EmptyStringCode = 0x80

func bitLenToByteLen(bitLen int) int {
	return (bitLen + 7) / 8
}

// IntLenExcludingHead - length of the encoded integer body, excluding the head byte
func IntLenExcludingHead(i uint64) int {
	if i < 0x80 {
		return 0
	}
	return bitLenToByteLen(bits.Len64(i))
}

// Uint256LenExcludingHead - length of the encoded scalar body, excluding the head byte
func Uint256LenExcludingHead(i *uint256.Int) int {
	if i == nil || i.LtUint64(0x80) {
		return 0
	}
	return bitLenToByteLen(i.BitLen())
}

// StringLen - total length of the encoded string, including the prefix
func StringLen(s []byte) int {
	switch {
	case len(s) >= 56:
		beLen := bitLenToByteLen(bits.Len64(uint64(len(s))))
		return 1 + beLen + len(s)
	case len(s) == 0:
		return 1
	case len(s) == 1:
		if s[0] < 0x80 {
			return 1
		}
		return 2
	default: // 1 < len(s) < 56
		return 1 + len(s)
	}
}

// ListPrefixLen - length of the list prefix for a payload of dataLen bytes
func ListPrefixLen(dataLen int) int {
	if dataLen >= 56 {
		return 1 + bitLenToByteLen(bits.Len64(uint64(dataLen)))
	}
	return 1
}

func putint(b []byte, i uint64) int {
	switch {
	case i < (1 << 8):
		b[0] = byte(i)
		return 1
	case i < (1 << 16):
		b[0] = byte(i >> 8)
		b[1] = byte(i)
		return 2
	case i < (1 << 24):
		b[0] = byte(i >> 16)
		b[1] = byte(i >> 8)
		b[2] = byte(i)
		return 3
	case i < (1 << 32):
		b[0] = byte(i >> 24)
		b[1] = byte(i >> 16)
		b[2] = byte(i >> 8)
		b[3] = byte(i)
		return 4
	case i < (1 << 40):
		b[0] = byte(i >> 32)
		b[1] = byte(i >> 24)
		b[2] = byte(i >> 16)
		b[3] = byte(i >> 8)
		b[4] = byte(i)
		return 5
	case i < (1 << 48):
		b[0] = byte(i >> 40)
		b[1] = byte(i >> 32)
		b[2] = byte(i >> 24)
		b[3] = byte(i >> 16)
		b[4] = byte(i >> 8)
		b[5] = byte(i)
		return 6
	case i < (1 << 56):
		b[0] = byte(i >> 48)
		b[1] = byte(i >> 40)
		b[2] = byte(i >> 32)
		b[3] = byte(i >> 24)
		b[4] = byte(i >> 16)
		b[5] = byte(i >> 8)
		b[6] = byte(i)
		return 7
	default:
		b[0] = byte(i >> 56)
		b[1] = byte(i >> 48)
		b[2] = byte(i >> 40)
		b[3] = byte(i >> 32)
		b[4] = byte(i >> 24)
		b[5] = byte(i >> 16)
		b[6] = byte(i >> 8)
		b[7] = byte(i)
		return 8
	}
}

// EncodeStructSizePrefix writes the list prefix for a payload of size bytes
func EncodeStructSizePrefix(size int, w io.Writer, b []byte) error {
	if size >= 56 {
		beLen := putint(b[1:], uint64(size))
		b[0] = 0xf7 + byte(beLen)
		if _, err := w.Write(b[:1+beLen]); err != nil {
			return err
		}
	} else {
		b[0] = 0xc0 + byte(size)
		if _, err := w.Write(b[:1]); err != nil {
			return err
		}
	}
	return nil
}

// EncodeStringSizePrefix writes the string prefix for a payload of size bytes
func EncodeStringSizePrefix(size int, w io.Writer, b []byte) error {
	if size >= 56 {
		beLen := putint(b[1:], uint64(size))
		b[0] = 0xb7 + byte(beLen)
		if _, err := w.Write(b[:1+beLen]); err != nil {
			return err
		}
	} else {
		b[0] = 0x80 + byte(size)
		if _, err := w.Write(b[:1]); err != nil {
			return err
		}
	}
	return nil
}

func EncodeInt(i uint64, w io.Writer, b []byte) error {
	if 0 < i && i < 0x80 {
		b[0] = byte(i)
		_, err := w.Write(b[:1])
		return err
	}
	if i == 0 {
		b[0] = EmptyStringCode
		_, err := w.Write(b[:1])
		return err
	}

	beLen := putint(b[1:], i)
	b[0] = EmptyStringCode + byte(beLen)
	_, err := w.Write(b[:1+beLen])
	return err
}

func EncodeUint256(z *uint256.Int, w io.Writer, b []byte) error {
	if z == nil || z.IsZero() {
		b[0] = EmptyStringCode
		_, err := w.Write(b[:1])
		return err
	}
	if z.LtUint64(0x80) {
		b[0] = byte(z.Uint64())
		_, err := w.Write(b[:1])
		return err
	}

	be := z.Bytes()
	b[0] = EmptyStringCode + byte(len(be))
	copy(b[1:], be)
	_, err := w.Write(b[:1+len(be)])
	return err
}

func EncodeString(s []byte, w io.Writer, b []byte) error {
	if len(s) == 1 && s[0] < 0x80 {
		b[0] = s[0]
		_, err := w.Write(b[:1])
		return err
	}
	if err := EncodeStringSizePrefix(len(s), w, b); err != nil {
		return err
	}
	_, err := w.Write(s)
	return err
}

// EncodeOptionalAddress writes the address as a 20 byte string, or the empty
// string when addr is nil (contract creation)
func EncodeOptionalAddress(addr *common.Address, w io.Writer, b []byte) error {
	if addr == nil {
		b[0] = EmptyStringCode
	} else {
		b[0] = EmptyStringCode + length.Addr
	}
	if _, err := w.Write(b[:1]); err != nil {
		return err
	}
	if addr != nil {
		if _, err := w.Write(addr[:]); err != nil {
			return err
		}
	}
	return nil
}

// EncodeHash writes the hash as a 32 byte string
func EncodeHash(h *common.Hash, w io.Writer, b []byte) error {
	b[0] = EmptyStringCode + length.Hash
	if _, err := w.Write(b[:1]); err != nil {
		return err
	}
	_, err := w.Write(h[:])
	return err
}

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

package rlp

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var ErrParse = errors.New("rlp parse error")

func wrapParseError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

// Prefix parses the prefix at payload[pos] and returns the position and length
// of the element's data together with its kind.
func Prefix(payload []byte, pos int) (dataPos int, dataLen int, isList bool, err error) {
	if pos < 0 || pos >= len(payload) {
		return 0, 0, false, wrapParseError("unexpected end of payload, pos %d, len %d", pos, len(payload))
	}
	switch first := payload[pos]; {
	case first < 0x80:
		dataPos = pos
		dataLen = 1
	case first < 0xb8: // short string
		dataPos = pos + 1
		dataLen = int(first) - 0x80
		if dataLen == 1 && dataPos < len(payload) && payload[dataPos] < 0x80 {
			err = wrapParseError("non-canonical size information")
		}
	case first < 0xc0: // long string
		beLen := int(first) - 0xb7
		dataPos = pos + 1 + beLen
		dataLen, err = beInt(payload, pos+1, beLen)
		if err == nil && dataLen < 56 {
			err = wrapParseError("non-canonical size information")
		}
	case first < 0xf8: // short list
		isList = true
		dataPos = pos + 1
		dataLen = int(first) - 0xc0
	default: // long list
		isList = true
		beLen := int(first) - 0xf7
		dataPos = pos + 1 + beLen
		dataLen, err = beInt(payload, pos+1, beLen)
		if err == nil && dataLen < 56 {
			err = wrapParseError("non-canonical size information")
		}
	}
	if err == nil {
		if dataPos+dataLen > len(payload) {
			err = wrapParseError("unexpected end of payload, pos %d, len %d", dataPos+dataLen, len(payload))
		} else if dataPos+dataLen < 0 {
			err = wrapParseError("found too big len %d", dataLen)
		}
	}
	return
}

func beInt(payload []byte, pos, length int) (int, error) {
	var r uint64
	if pos+length > len(payload) {
		return 0, wrapParseError("unexpected end of payload")
	}
	if length > 0 && payload[pos] == 0 {
		return 0, wrapParseError("integer encoding for RLP length must not have leading zeros: %x", payload[pos:pos+length])
	}
	for _, b := range payload[pos : pos+length] {
		r = (r << 8) | uint64(b)
	}
	if r >= 1<<62 {
		return 0, wrapParseError("found too big len %d", r)
	}
	return int(r), nil
}

// List expects a list prefix at payload[pos]
func List(payload []byte, pos int) (dataPos, dataLen int, err error) {
	dataPos, dataLen, isList, err := Prefix(payload, pos)
	if err != nil {
		return 0, 0, err
	}
	if !isList {
		return 0, 0, wrapParseError("must be a list, pos %d", pos)
	}
	return
}

// String expects a string prefix at payload[pos]
func String(payload []byte, pos int) (dataPos, dataLen int, err error) {
	dataPos, dataLen, isList, err := Prefix(payload, pos)
	if err != nil {
		return 0, 0, err
	}
	if isList {
		return 0, 0, wrapParseError("must be a string, pos %d", pos)
	}
	return
}

// StringOfLen expects a string of exactly the given length
func StringOfLen(payload []byte, pos, expectedLen int) (dataPos int, err error) {
	dataPos, dataLen, err := String(payload, pos)
	if err != nil {
		return 0, err
	}
	if dataLen != expectedLen {
		return 0, wrapParseError("expected string of len %d, got %d, pos %d", expectedLen, dataLen, pos)
	}
	return
}

// U64 parses a canonical non-negative integer of up to 8 bytes
func U64(payload []byte, pos int) (int, uint64, error) {
	dataPos, dataLen, isList, err := Prefix(payload, pos)
	if err != nil {
		return 0, 0, err
	}
	if isList {
		return 0, 0, wrapParseError("uint64 must be a string, not list, pos %d", pos)
	}
	if dataLen > 8 {
		return 0, 0, wrapParseError("uint64 must not be more than 8 bytes long, got %d, pos %d", dataLen, pos)
	}
	if dataLen > 0 && payload[dataPos] == 0 {
		return 0, 0, wrapParseError("integer encoding must not have leading zeros: %x", payload[dataPos:dataPos+dataLen])
	}
	var r uint64
	for _, b := range payload[dataPos : dataPos+dataLen] {
		r = (r << 8) | uint64(b)
	}
	return dataPos + dataLen, r, nil
}

// U256 parses a canonical non-negative integer of up to 32 bytes into x
func U256(payload []byte, pos int, x *uint256.Int) (int, error) {
	dataPos, dataLen, err := String(payload, pos)
	if err != nil {
		return 0, err
	}
	if dataLen > 32 {
		return 0, wrapParseError("uint256 must not be more than 32 bytes long, got %d, pos %d", dataLen, pos)
	}
	if dataLen > 0 && payload[dataPos] == 0 {
		return 0, wrapParseError("integer encoding must not have leading zeros: %x", payload[dataPos:dataPos+dataLen])
	}
	x.SetBytes(payload[dataPos : dataPos+dataLen])
	return dataPos + dataLen, nil
}

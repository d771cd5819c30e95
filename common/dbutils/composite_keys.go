package dbutils

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/AndreaLanfranchi/silkworm/common"
	"github.com/AndreaLanfranchi/silkworm/common/length"
)

const NumberLength = 8

// EncodeBlockNumber encodes a block number as big endian uint64
func EncodeBlockNumber(number uint64) []byte {
	enc := make([]byte, NumberLength)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

var ErrInvalidSize = errors.New("big endian number has an invalid size")

func DecodeBlockNumber(number []byte) (uint64, error) {
	if len(number) != NumberLength {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, len(number))
	}
	return binary.BigEndian.Uint64(number), nil
}

// BlockBodyKey = num (uint64 big endian) + hash
func BlockBodyKey(number uint64, hash common.Hash) []byte {
	k := make([]byte, NumberLength+length.Hash)
	binary.BigEndian.PutUint64(k, number)
	copy(k[NumberLength:], hash[:])
	return k
}

// ParseBlockBodyKey is the inverse of BlockBodyKey.
func ParseBlockBodyKey(k []byte) (uint64, common.Hash, error) {
	if len(k) != NumberLength+length.Hash {
		return 0, common.Hash{}, fmt.Errorf("%w: %d", ErrInvalidSize, len(k))
	}
	return binary.BigEndian.Uint64(k[:NumberLength]), common.BytesToHash(k[NumberLength:]), nil
}

// TxnIdKey = transaction id (uint64 big endian)
func TxnIdKey(id uint64) []byte {
	return EncodeBlockNumber(id)
}

package etl

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/ugorji/go/codec"

	"github.com/AndreaLanfranchi/silkworm/common"
)

var cbor codec.CborHandle

// BufferOptimalSize - the size of the in-RAM buffer after which the collector
// spills accumulated entries to a sorted file in the temp dir.
const BufferOptimalSize = 256 * datasize.MB

type LoadNextFunc func(originalK, k, v []byte) error
type LoadFunc func(k, v []byte, next LoadNextFunc) error

// IdentityLoadFunc loads entries as they are, without transformation
var IdentityLoadFunc LoadFunc = func(k, v []byte, next LoadNextFunc) error {
	return next(k, k, v)
}

type AdditionalLogArguments func(k, v []byte) (additionalLogArguments []interface{})

type TransformArgs struct {
	Quit <-chan struct{}

	// Append - load the sorted stream through the cursor append fast path.
	// Requires the target table to be empty beyond the load range.
	Append bool

	LogDetailsLoad AdditionalLogArguments
}

// NextKey generates the possible next key w/o changing the key length.
// for [0x01, 0x01, 0x01] it will generate [0x01, 0x01, 0x02], etc
func NextKey(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return key, fmt.Errorf("could not apply NextKey for the empty key")
	}
	nextKey := common.CopyBytes(key)
	for i := len(key) - 1; i >= 0; i-- {
		b := nextKey[i]
		if b < 0xFF {
			nextKey[i] = b + 1
			return nextKey, nil
		}
		if b == 0xFF {
			nextKey[i] = 0
		}
	}
	return key, fmt.Errorf("overflow while applying NextKey")
}

func makeCurrentKeyStr(k []byte) string {
	var currentKeyStr string
	if k == nil {
		currentKeyStr = "final"
	} else if len(k) < 4 {
		currentKeyStr = fmt.Sprintf("%x", k)
	} else {
		currentKeyStr = fmt.Sprintf("%x...", k[:4])
	}
	return currentKeyStr
}

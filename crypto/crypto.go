// Copyright 2014 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package crypto

import (
	"errors"
	"fmt"
	"hash"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrec_ecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/AndreaLanfranchi/silkworm/common"
)

const (
	// DigestLength sets the signature digest exact length
	DigestLength = 32
	// SignatureLength indicates the byte length required to carry a signature with recovery id.
	SignatureLength = 64 + 1 // 64 bytes ECDSA signature + 1 byte recovery id
	// RecoveryIDOffset points to the byte offset within the signature that contains the recovery id.
	RecoveryIDOffset = 64
)

// secp256k1N is the order of the secp256k1 curve group
var secp256k1N = uint256.MustFromHex("0xfffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141")

// secp256k1halfN enforces the EIP-2 low-s rule from Homestead on
var secp256k1halfN = new(uint256.Int).Rsh(secp256k1N, 1)

var errInvalidSignature = errors.New("invalid signature")

// KeccakState wraps sha3.state. In addition to the usual hash methods, it also supports
// Read to get a variable amount of data from the hash state. Read is faster than Sum
// because it doesn't copy the internal state, but also modifies the internal state.
type KeccakState interface {
	hash.Hash
	Read([]byte) (int, error)
}

// NewKeccakState creates a new KeccakState
func NewKeccakState() KeccakState {
	return sha3.NewLegacyKeccak256().(KeccakState)
}

// HashData hashes the provided data using the KeccakState and returns a 32 byte hash
func HashData(kh KeccakState, data []byte) (h common.Hash) {
	kh.Reset()
	kh.Write(data) //nolint:errcheck
	kh.Read(h[:])  //nolint:errcheck
	return h
}

// Keccak256 calculates and returns the Keccak256 hash of the input data.
func Keccak256(data ...[]byte) []byte {
	b := make([]byte, 32)
	d := NewKeccakState()
	for _, b := range data {
		d.Write(b) //nolint:errcheck
	}
	d.Read(b) //nolint:errcheck
	return b
}

// Keccak256Hash calculates and returns the Keccak256 hash of the input data,
// converting it to an internal Hash data structure.
func Keccak256Hash(data ...[]byte) (h common.Hash) {
	d := NewKeccakState()
	for _, b := range data {
		d.Write(b) //nolint:errcheck
	}
	d.Read(h[:]) //nolint:errcheck
	return h
}

// Ecrecover returns the uncompressed public key that created the given signature.
// sig must be in the 65-byte [R || S || V] format with V being 0 or 1.
func Ecrecover(hash, sig []byte) ([]byte, error) {
	pub, err := SigToPub(hash, sig)
	if err != nil {
		return nil, err
	}
	return pub.SerializeUncompressed(), nil
}

// SigToPub returns the public key that created the given signature.
func SigToPub(hash, sig []byte) (*secp256k1.PublicKey, error) {
	if len(hash) != DigestLength {
		return nil, fmt.Errorf("hash is required to be exactly %d bytes (%d)", DigestLength, len(hash))
	}
	if len(sig) != SignatureLength {
		return nil, errInvalidSignature
	}
	// Convert to secp256k1 input format with 'recovery id' v at the beginning.
	btcsig := make([]byte, SignatureLength)
	btcsig[0] = sig[RecoveryIDOffset] + 27
	copy(btcsig[1:], sig)

	pub, _, err := dcrec_ecdsa.RecoverCompact(btcsig, hash)
	return pub, err
}

// Sign calculates an ECDSA signature over the given digest.
// The produced signature is in the 65-byte [R || S || V] format where V is 0 or 1.
//
// The caller must be aware that the given digest cannot be chosen by an
// adversary. Common solution is to hash any input before calculating the signature.
func Sign(digestHash []byte, prv *secp256k1.PrivateKey) ([]byte, error) {
	if len(digestHash) != DigestLength {
		return nil, fmt.Errorf("hash is required to be exactly %d bytes (%d)", DigestLength, len(digestHash))
	}
	sig := dcrec_ecdsa.SignCompact(prv, digestHash, false) // ref uncompressed pubkey
	// Convert to Ethereum signature format with 'recovery id' v at the end.
	v := sig[0] - 27
	copy(sig, sig[1:])
	sig[RecoveryIDOffset] = v
	return sig, nil
}

// ValidateSignatureValues verifies whether the signature values are valid with
// the given chain rules. The v value is assumed to be either 0 or 1.
func ValidateSignatureValues(v byte, r, s *uint256.Int, homestead bool) bool {
	if r.IsZero() || s.IsZero() {
		return false
	}
	// reject upper range of s values (ECDSA malleability)
	// see discussion in secp256k1/libsecp256k1/include/secp256k1.h
	if homestead && s.Gt(secp256k1halfN) {
		return false
	}
	// Frontier: allow s to be in full N range
	return r.Lt(secp256k1N) && s.Lt(secp256k1N) && (v == 0 || v == 1)
}

// PubkeyToAddress derives the account address from the public key:
// the rightmost 20 bytes of the Keccak256 of the uncompressed point.
func PubkeyToAddress(pub *secp256k1.PublicKey) common.Address {
	return common.BytesToAddress(Keccak256(pub.SerializeUncompressed()[1:])[12:])
}

// HexToKey parses a secp256k1 private key from a hex string.
func HexToKey(hexkey string) (*secp256k1.PrivateKey, error) {
	b := common.FromHex(hexkey)
	if len(b) != 32 {
		return nil, errors.New("invalid length, need 256 bits")
	}
	return secp256k1.PrivKeyFromBytes(b), nil
}

// GenerateKey generates a new random secp256k1 private key.
func GenerateKey() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

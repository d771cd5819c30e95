// Package length holds the canonical byte lengths of chain primitives.
package length

const (
	// Hash is the expected length of a Keccak-256 digest
	Hash = 32
	// Addr is the expected length of an account address
	Addr = 20
	// BlockNum is the expected length of a big-endian encoded block number
	BlockNum = 8
)

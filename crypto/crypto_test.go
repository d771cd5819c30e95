package crypto

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreaLanfranchi/silkworm/common"
)

var testHash = Keccak256Hash([]byte("test message"))

func TestKeccak256(t *testing.T) {
	// well-known empty input digest
	assert.Equal(t,
		common.HexToHash("0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"),
		Keccak256Hash(nil))
	assert.Equal(t, Keccak256([]byte("abc")), Keccak256([]byte("a"), []byte("bc")))

	kh := NewKeccakState()
	assert.Equal(t, Keccak256Hash([]byte("abc")), HashData(kh, []byte("abc")))
	// the state is reusable after Reset
	assert.Equal(t, Keccak256Hash([]byte("abc")), HashData(kh, []byte("abc")))
}

func TestSignRecoverRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	sig, err := Sign(testHash[:], key)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)
	require.LessOrEqual(t, sig[RecoveryIDOffset], byte(1))

	pub, err := Ecrecover(testHash[:], sig)
	require.NoError(t, err)
	require.Len(t, pub, 65)
	require.Equal(t, byte(4), pub[0]) // uncompressed point

	addr := common.BytesToAddress(Keccak256(pub[1:])[12:])
	assert.Equal(t, PubkeyToAddress(key.PubKey()), addr)
}

// the EIP-155 example key: 0x4646...46 owns 0x9d8A62f656a8d1615C1294fd71e9CFb3E4855A4F
func TestKnownKeyAddress(t *testing.T) {
	key, err := HexToKey("0x4646464646464646464646464646464646464646464646464646464646464646")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x9d8A62f656a8d1615C1294fd71e9CFb3E4855A4F"), PubkeyToAddress(key.PubKey()))

	_, err = HexToKey("0x4646")
	require.Error(t, err)
}

func TestEcrecoverRejectsMalformedInput(t *testing.T) {
	_, err := Ecrecover(testHash[:], make([]byte, 64))
	require.Error(t, err)

	_, err = Ecrecover(testHash[:31], make([]byte, 65))
	require.Error(t, err)

	// all-zero signature has no recoverable point
	_, err = Ecrecover(testHash[:], make([]byte, 65))
	require.Error(t, err)
}

func TestValidateSignatureValues(t *testing.T) {
	one := uint256.NewInt(1)
	zero := new(uint256.Int)
	halfNPlusOne := new(uint256.Int).AddUint64(secp256k1halfN, 1)

	assert.True(t, ValidateSignatureValues(0, one, one, true))
	assert.True(t, ValidateSignatureValues(1, one, one, true))

	assert.False(t, ValidateSignatureValues(2, one, one, true))
	assert.False(t, ValidateSignatureValues(0, zero, one, false))
	assert.False(t, ValidateSignatureValues(0, one, zero, false))
	assert.False(t, ValidateSignatureValues(0, secp256k1N, one, false))
	assert.False(t, ValidateSignatureValues(0, one, secp256k1N, false))

	// the upper half of the subgroup is malleable: rejected from Homestead on
	assert.True(t, ValidateSignatureValues(0, one, halfNPlusOne, false))
	assert.False(t, ValidateSignatureValues(0, one, halfNPlusOne, true))
	assert.True(t, ValidateSignatureValues(0, one, secp256k1halfN, true))
}

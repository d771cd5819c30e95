package types

import (
	"bytes"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreaLanfranchi/silkworm/common"
)

// the first transaction ever mined (mainnet block 46147), pre-EIP-155 form
const rawTxn46147 = "f86780862d79883d2000825208945df9b87991262f6ba471f09758cde1c0fc1de734827a69801ca088ff6cf0fefd94db46111149ae4bfc179e9b94721fffd821d38d16464b3f71d0a045e0aff800961cfce805daef7016b9b675c137a6a41a548f7b60a3484c06a33a"

func TestDecodeLegacyRoundTrip(t *testing.T) {
	raw := common.FromHex(rawTxn46147)
	txn, err := DecodeTransaction(raw)
	require.NoError(t, err)

	legacy, ok := txn.(*LegacyTx)
	require.True(t, ok)
	assert.Equal(t, LegacyTxType, txn.Type())
	assert.Equal(t, uint64(0), legacy.Nonce)
	assert.Equal(t, uint256.NewInt(50_000_000_000_000), legacy.GasPrice)
	assert.Equal(t, uint64(21_000), legacy.GasLimit)
	require.NotNil(t, legacy.To)
	assert.Equal(t, common.HexToAddress("0x5df9b87991262f6ba471f09758cde1c0fc1de734"), *legacy.To)
	assert.Equal(t, uint256.NewInt(31337), legacy.Value)
	assert.Empty(t, legacy.Data)
	assert.Equal(t, uint64(28), legacy.V.Uint64())
	assert.False(t, legacy.Protected())
	assert.Nil(t, txn.GetChainID())

	oddY, err := txn.OddYParity()
	require.NoError(t, err)
	assert.True(t, oddY)

	var buf bytes.Buffer
	require.NoError(t, txn.MarshalBinary(&buf))
	assert.Equal(t, raw, buf.Bytes())
}

// The EIP-155 example: nonce 9, gas price 20 gwei, gas 21000, value 1 ether,
// to 0x3535...35, chain id 1. The expected signing hash is stated in the EIP.
func TestLegacySigningHashEIP155(t *testing.T) {
	to := common.HexToAddress("0x3535353535353535353535353535353535353535")
	txn := &LegacyTx{
		Nonce:    9,
		GasPrice: uint256.NewInt(20_000_000_000),
		GasLimit: 21_000,
		To:       &to,
		Value:    uint256.NewInt(1_000_000_000_000_000_000),
	}

	hash := txn.SigningHash(uint256.NewInt(1))
	assert.Equal(t, common.HexToHash("0xdaf5a779ae972f972197303d7b574746c7ef83eadac0f2791ad23db92e4c8e53"), hash)

	// without a chain id the 6-field form is hashed instead
	assert.NotEqual(t, hash, txn.SigningHash(nil))
}

func TestLegacyEIP155VHandling(t *testing.T) {
	txn := &LegacyTx{GasPrice: new(uint256.Int), Value: new(uint256.Int)}
	sig := make([]byte, 65)
	sig[31], sig[63] = 1, 1 // r = s = 1
	sig[64] = 1             // odd parity

	require.NoError(t, txn.SetSignature(uint256.NewInt(1), sig))
	assert.Equal(t, uint64(38), txn.V.Uint64()) // 1*2 + 35 + 1
	assert.True(t, txn.Protected())
	require.NotNil(t, txn.GetChainID())
	assert.Equal(t, uint64(1), txn.GetChainID().Uint64())
	oddY, err := txn.OddYParity()
	require.NoError(t, err)
	assert.True(t, oddY)

	sig[64] = 0
	require.NoError(t, txn.SetSignature(uint256.NewInt(1), sig))
	assert.Equal(t, uint64(37), txn.V.Uint64())
	oddY, err = txn.OddYParity()
	require.NoError(t, err)
	assert.False(t, oddY)

	require.NoError(t, txn.SetSignature(nil, sig))
	assert.Equal(t, uint64(27), txn.V.Uint64())
	assert.False(t, txn.Protected())
	assert.Nil(t, txn.GetChainID())
}

func TestAccessListTxRoundTrip(t *testing.T) {
	to := common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	txn := &AccessListTx{
		LegacyTx: LegacyTx{
			Nonce:    3,
			GasPrice: uint256.NewInt(1_000_000_000),
			GasLimit: 60_000,
			To:       &to,
			Value:    uint256.NewInt(12),
			Data:     []byte{0xca, 0xfe},
		},
		ChainID: uint256.NewInt(5),
		AccessList: AccessList{
			{
				Address: common.HexToAddress("0x000000000000000000000000000000000000bbbb"),
				StorageKeys: []common.Hash{
					common.HexToHash("0x01"),
					common.HexToHash("0x02"),
				},
			},
			{Address: common.HexToAddress("0x000000000000000000000000000000000000cccc")},
		},
	}
	txn.V.SetUint64(1)
	txn.R.SetUint64(7)
	txn.S.SetUint64(8)

	var buf bytes.Buffer
	require.NoError(t, txn.MarshalBinary(&buf))
	raw := buf.Bytes()
	require.Equal(t, AccessListTxType, raw[0])

	decoded, err := DecodeTransaction(raw)
	require.NoError(t, err)
	decodedTx, ok := decoded.(*AccessListTx)
	require.True(t, ok)
	assert.Equal(t, txn.ChainID, decodedTx.ChainID)
	assert.Equal(t, txn.Nonce, decodedTx.Nonce)
	assert.Equal(t, txn.AccessList, decodedTx.AccessList)
	assert.Equal(t, 2, decodedTx.AccessList.StorageKeys())

	var buf2 bytes.Buffer
	require.NoError(t, decoded.MarshalBinary(&buf2))
	assert.Equal(t, raw, buf2.Bytes())

	oddY, err := decoded.OddYParity()
	require.NoError(t, err)
	assert.True(t, oddY)
}

func TestDynamicFeeTxRoundTrip(t *testing.T) {
	txn := &DynamicFeeTx{
		ChainID:  uint256.NewInt(1),
		Nonce:    1,
		TipCap:   uint256.NewInt(2),
		FeeCap:   uint256.NewInt(3),
		GasLimit: 21_000,
		Value:    uint256.NewInt(0),
		Data:     bytes.Repeat([]byte{0x01}, 100), // long enough for a multi-byte string prefix
	}
	txn.V.SetUint64(0)
	txn.R.SetUint64(9)
	txn.S.SetUint64(10)

	var buf bytes.Buffer
	require.NoError(t, txn.MarshalBinary(&buf))
	raw := buf.Bytes()
	require.Equal(t, DynamicFeeTxType, raw[0])

	decoded, err := DecodeTransaction(raw)
	require.NoError(t, err)
	decodedTx, ok := decoded.(*DynamicFeeTx)
	require.True(t, ok)
	assert.Nil(t, decodedTx.To)
	assert.Equal(t, txn.TipCap, decodedTx.TipCap)
	assert.Equal(t, txn.FeeCap, decodedTx.FeeCap)
	assert.Equal(t, txn.Data, decodedTx.Data)

	oddY, err := decoded.OddYParity()
	require.NoError(t, err)
	assert.False(t, oddY)

	var buf2 bytes.Buffer
	require.NoError(t, decoded.MarshalBinary(&buf2))
	assert.Equal(t, raw, buf2.Bytes())
}

// The EIP-2718 signing form must be the type byte plus the payload list,
// never wrapped into an RLP string.
func TestTypedSigningFormNotStringWrapped(t *testing.T) {
	txn := &AccessListTx{
		LegacyTx: LegacyTx{
			GasPrice: new(uint256.Int),
			Value:    new(uint256.Int),
		},
		ChainID: uint256.NewInt(1),
	}
	var buf bytes.Buffer
	require.NoError(t, txn.EncodeForSigning(&buf))
	raw := buf.Bytes()
	require.Equal(t, AccessListTxType, raw[0])
	assert.GreaterOrEqual(t, raw[1], byte(0xc0)) // list prefix follows the type byte directly
}

func TestDecodeTransactionErrors(t *testing.T) {
	_, err := DecodeTransaction(nil)
	require.Error(t, err)

	_, err = DecodeTransaction([]byte{0x03, 0xc0}) // unknown typed envelope
	require.Error(t, err)

	_, err = DecodeTransaction([]byte{0x80}) // a string, not a list
	require.Error(t, err)
}

func TestBodyForStorageRoundTrip(t *testing.T) {
	body := BodyForStorage{BaseTxnID: 123456789, TxnCount: 42}
	var buf bytes.Buffer
	require.NoError(t, body.EncodeRLP(&buf))

	var decoded BodyForStorage
	require.NoError(t, decoded.DecodeRLP(buf.Bytes()))
	assert.Equal(t, body, decoded)

	var empty BodyForStorage
	buf.Reset()
	require.NoError(t, empty.EncodeRLP(&buf))
	var decodedEmpty BodyForStorage
	require.NoError(t, decodedEmpty.DecodeRLP(buf.Bytes()))
	assert.Equal(t, empty, decodedEmpty)
}

func TestDeriveChainID(t *testing.T) {
	assert.Nil(t, deriveChainID(uint256.NewInt(27)))
	assert.Nil(t, deriveChainID(uint256.NewInt(28)))
	assert.Equal(t, uint64(1), deriveChainID(uint256.NewInt(37)).Uint64())
	assert.Equal(t, uint64(1), deriveChainID(uint256.NewInt(38)).Uint64())
	assert.Equal(t, uint64(11155111), deriveChainID(uint256.NewInt(11155111*2+35)).Uint64())
}

package stagedsync

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/holiman/uint256"
	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreaLanfranchi/silkworm/common"
	"github.com/AndreaLanfranchi/silkworm/common/dbutils"
	"github.com/AndreaLanfranchi/silkworm/crypto"
	"github.com/AndreaLanfranchi/silkworm/db/kv"
	"github.com/AndreaLanfranchi/silkworm/db/kv/memdb"
	"github.com/AndreaLanfranchi/silkworm/eth/stagedsync/stages"
	"github.com/AndreaLanfranchi/silkworm/execution/chain"
	"github.com/AndreaLanfranchi/silkworm/execution/types"
)

// the first transaction ever mined: block 46147 of mainnet
const mainnetTxn46147 = "f86780862d79883d2000825208945df9b87991262f6ba471f09758cde1c0fc1de734827a69801ca088ff6cf0fefd94db46111149ae4bfc179e9b94721fffd821d38d16464b3f71d0a045e0aff800961cfce805daef7016b9b675c137a6a41a548f7b60a3484c06a33a"

var (
	mainnetHash46147   = common.HexToHash("0x4e3a3754410177e6937ef1f84bba68ea139e8d1a2258c5f85db9f1cd715a1bdd")
	mainnetSender46147 = common.HexToAddress("0xa1e4380a3b1f749673e270229993ee55f35663b4")
)

func testCfg(db kv.RwDB, chainCfg *chain.Config, tmpdir string) SendersCfg {
	return StageSendersCfg(db, chainCfg, 4*datasize.MB, true, tmpdir)
}

func writeCanonical(t *testing.T, tx kv.RwTx, blockNum uint64, hash common.Hash) {
	t.Helper()
	require.NoError(t, tx.Put(kv.CanonicalHashes, dbutils.EncodeBlockNumber(blockNum), hash[:]))
}

// writeBody persists a body stub keyed by (blockNum, hash) plus its raw
// transaction payloads, the way the bodies stage does
func writeBody(t *testing.T, tx kv.RwTx, blockNum uint64, hash common.Hash, rawTxns ...[]byte) {
	t.Helper()
	baseTxnID, err := tx.IncrementSequence(kv.BlockTransactions, uint64(len(rawTxns)))
	require.NoError(t, err)
	for i, raw := range rawTxns {
		require.NoError(t, tx.Put(kv.BlockTransactions, dbutils.TxnIdKey(baseTxnID+uint64(i)), raw))
	}
	body := types.BodyForStorage{BaseTxnID: baseTxnID, TxnCount: uint64(len(rawTxns))}
	var buf bytes.Buffer
	require.NoError(t, body.EncodeRLP(&buf))
	require.NoError(t, tx.Put(kv.BlockBodies, dbutils.BlockBodyKey(blockNum, hash), buf.Bytes()))
}

func saveProgress(t *testing.T, tx kv.RwTx, stage stages.SyncStage, blockNum uint64) {
	t.Helper()
	require.NoError(t, stages.SaveStageProgress(tx, stage, blockNum))
}

func marshalTxn(t *testing.T, txn types.Transaction) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, txn.MarshalBinary(&buf))
	return buf.Bytes()
}

// signedLegacyTxn builds and signs a legacy transaction; chainID nil keeps the
// pre-EIP-155 27/28 signature form
func signedLegacyTxn(t *testing.T, nonce uint64, chainID *uint256.Int, key *secp256k1.PrivateKey) []byte {
	t.Helper()
	to := crypto.PubkeyToAddress(key.PubKey())
	txn := types.NewLegacyTx(nonce, to, uint256.NewInt(1), 21_000, uint256.NewInt(1), nil)
	hash := txn.SigningHash(chainID)
	sig, err := crypto.Sign(hash[:], key)
	require.NoError(t, err)
	require.NoError(t, txn.SetSignature(chainID, sig))
	return marshalTxn(t, txn)
}

func readSenders(t *testing.T, tx kv.Tx, blockNum uint64, hash common.Hash) []byte {
	t.Helper()
	v, err := tx.GetOne(kv.Senders, dbutils.BlockBodyKey(blockNum, hash))
	require.NoError(t, err)
	return v
}

func TestSendersMainnetBlock46147(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	raw := common.FromHex(mainnetTxn46147)
	writeCanonical(t, tx, 46147, mainnetHash46147)
	writeBody(t, tx, 46147, mainnetHash46147, raw)
	saveProgress(t, tx, stages.Senders, 46146)
	saveProgress(t, tx, stages.BlockHashes, 46147)
	saveProgress(t, tx, stages.Bodies, 46147)

	cfg := testCfg(nil, chain.MainnetChainConfig, t.TempDir())
	s := &StageState{ID: stages.Senders}
	err := SpawnRecoverSendersStage(cfg, s, tx, 0, nil, log.New())
	require.NoError(t, err)

	senders := readSenders(t, tx, 46147, mainnetHash46147)
	require.Len(t, senders, 20)
	assert.Equal(t, mainnetSender46147[:], senders)

	progress, err := stages.GetStageProgress(tx, stages.Senders)
	require.NoError(t, err)
	assert.Equal(t, uint64(46147), progress)
}

func TestSendersEmptyBlock(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	hash := common.HexToHash("0x01")
	writeCanonical(t, tx, 46148, hash)
	writeBody(t, tx, 46148, hash) // txn_count == 0
	saveProgress(t, tx, stages.Senders, 46147)
	saveProgress(t, tx, stages.BlockHashes, 46148)
	saveProgress(t, tx, stages.Bodies, 46148)

	cfg := testCfg(nil, chain.MainnetChainConfig, t.TempDir())
	err := SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, tx, 0, nil, log.New())
	require.NoError(t, err)

	assert.Nil(t, readSenders(t, tx, 46148, hash))
	progress, err := stages.GetStageProgress(tx, stages.Senders)
	require.NoError(t, err)
	assert.Equal(t, uint64(46148), progress)
}

func TestSendersSiblingBody(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PubKey())

	hash1 := common.HexToHash("0x01")
	hash2 := common.HexToHash("0x02")
	sibling := common.HexToHash("0xff")

	writeCanonical(t, tx, 1, hash1)
	writeCanonical(t, tx, 2, hash2)
	writeBody(t, tx, 1, hash1, signedLegacyTxn(t, 0, nil, key))
	// two body rows at height 2: only the canonical one may contribute
	writeBody(t, tx, 2, sibling, signedLegacyTxn(t, 77, nil, key))
	writeBody(t, tx, 2, hash2, signedLegacyTxn(t, 1, nil, key), signedLegacyTxn(t, 2, nil, key))
	saveProgress(t, tx, stages.BlockHashes, 2)
	saveProgress(t, tx, stages.Bodies, 2)

	cfg := testCfg(nil, chain.MainnetChainConfig, t.TempDir())
	err = SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, tx, 0, nil, log.New())
	require.NoError(t, err)

	assert.Equal(t, sender[:], readSenders(t, tx, 1, hash1))
	senders2 := readSenders(t, tx, 2, hash2)
	require.Len(t, senders2, 40)
	assert.Equal(t, sender[:], senders2[:20])
	assert.Equal(t, sender[:], senders2[20:])
	assert.Nil(t, readSenders(t, tx, 2, sibling))

	// table rows come out in ascending block order
	var keys [][]byte
	require.NoError(t, tx.ForEach(kv.Senders, nil, func(k, v []byte) error {
		keys = append(keys, common.CopyBytes(k))
		return nil
	}))
	require.Len(t, keys, 2)
	assert.Equal(t, uint64(1), binary.BigEndian.Uint64(keys[0]))
	assert.Equal(t, uint64(2), binary.BigEndian.Uint64(keys[1]))
}

func TestSendersForkRuleViolation(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	// an EIP-2930 transaction in a block far before Berlin
	txn := &types.AccessListTx{
		LegacyTx: types.LegacyTx{
			Nonce:    0,
			GasPrice: uint256.NewInt(1),
			GasLimit: 21_000,
			Value:    uint256.NewInt(0),
		},
		ChainID: uint256.NewInt(1),
	}
	hash := txn.SigningHash(nil)
	sig, err := crypto.Sign(hash[:], key)
	require.NoError(t, err)
	require.NoError(t, txn.SetSignature(uint256.NewInt(1), sig))

	blockHash := common.HexToHash("0x01")
	writeCanonical(t, tx, 1, blockHash)
	writeBody(t, tx, 1, blockHash, marshalTxn(t, txn))
	saveProgress(t, tx, stages.BlockHashes, 1)
	saveProgress(t, tx, stages.Bodies, 1)

	cfg := testCfg(nil, chain.MainnetChainConfig, t.TempDir())
	err = SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, tx, 0, nil, log.New())
	require.Error(t, err)
	assert.Equal(t, InvalidTransaction, ClassifyResult(err))

	// nothing persisted
	assert.Nil(t, readSenders(t, tx, 1, blockHash))
	progress, err := stages.GetStageProgress(tx, stages.Senders)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), progress)
}

func TestSendersLondonBoundary(t *testing.T) {
	londonAt2 := &chain.Config{
		ChainID:               big.NewInt(1337),
		HomesteadBlock:        big.NewInt(0),
		TangerineWhistleBlock: big.NewInt(0),
		SpuriousDragonBlock:   big.NewInt(0),
		ByzantiumBlock:        big.NewInt(0),
		ConstantinopleBlock:   big.NewInt(0),
		PetersburgBlock:       big.NewInt(0),
		IstanbulBlock:         big.NewInt(0),
		BerlinBlock:           big.NewInt(0),
		LondonBlock:           big.NewInt(2),
	}
	chainID := uint256.NewInt(1337)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PubKey())

	newDynamicFeeTxn := func(nonce uint64) []byte {
		txn := &types.DynamicFeeTx{
			ChainID:  chainID,
			Nonce:    nonce,
			TipCap:   uint256.NewInt(1),
			FeeCap:   uint256.NewInt(2),
			GasLimit: 21_000,
			Value:    uint256.NewInt(0),
		}
		hash := txn.SigningHash(nil)
		sig, err := crypto.Sign(hash[:], key)
		require.NoError(t, err)
		require.NoError(t, txn.SetSignature(chainID, sig))
		return marshalTxn(t, txn)
	}

	t.Run("one block below London", func(t *testing.T) {
		_, tx := memdb.NewTestTx(t)
		blockHash := common.HexToHash("0x01")
		writeCanonical(t, tx, 1, blockHash)
		writeBody(t, tx, 1, blockHash, newDynamicFeeTxn(0))
		saveProgress(t, tx, stages.BlockHashes, 1)
		saveProgress(t, tx, stages.Bodies, 1)

		cfg := testCfg(nil, londonAt2, t.TempDir())
		err := SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, tx, 0, nil, log.New())
		require.Error(t, err)
		assert.Equal(t, InvalidTransaction, ClassifyResult(err))
	})

	t.Run("exactly at London", func(t *testing.T) {
		_, tx := memdb.NewTestTx(t)
		hash1 := common.HexToHash("0x01")
		hash2 := common.HexToHash("0x02")
		writeCanonical(t, tx, 1, hash1)
		writeCanonical(t, tx, 2, hash2)
		writeBody(t, tx, 1, hash1)
		writeBody(t, tx, 2, hash2, newDynamicFeeTxn(0))
		saveProgress(t, tx, stages.BlockHashes, 2)
		saveProgress(t, tx, stages.Bodies, 2)

		cfg := testCfg(nil, londonAt2, t.TempDir())
		err := SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, tx, 0, nil, log.New())
		require.NoError(t, err)
		assert.Equal(t, sender[:], readSenders(t, tx, 2, hash2))
	})
}

func TestSendersHighS(t *testing.T) {
	homesteadAt0 := &chain.Config{
		ChainID:        big.NewInt(1),
		HomesteadBlock: big.NewInt(0),
	}

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	txn := &types.LegacyTx{
		Nonce:    0,
		GasPrice: uint256.NewInt(1),
		GasLimit: 21_000,
		Value:    uint256.NewInt(0),
	}
	hash := txn.SigningHash(nil)
	sig, err := crypto.Sign(hash[:], key)
	require.NoError(t, err)
	require.NoError(t, txn.SetSignature(nil, sig))
	// flip s into the malleable upper half of the subgroup
	n := uint256.MustFromHex("0xfffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141")
	txn.S.Sub(n, &txn.S)

	_, tx := memdb.NewTestTx(t)
	blockHash := common.HexToHash("0x01")
	writeCanonical(t, tx, 1, blockHash)
	writeBody(t, tx, 1, blockHash, marshalTxn(t, txn))
	saveProgress(t, tx, stages.BlockHashes, 1)
	saveProgress(t, tx, stages.Bodies, 1)

	cfg := testCfg(nil, homesteadAt0, t.TempDir())
	err = SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, tx, 0, nil, log.New())
	require.Error(t, err)
	assert.Equal(t, InvalidTransaction, ClassifyResult(err))
}

func TestSendersEmptyRange(t *testing.T) {
	_, tx := memdb.NewTestTx(t)
	saveProgress(t, tx, stages.Senders, 10)
	saveProgress(t, tx, stages.BlockHashes, 10)
	saveProgress(t, tx, stages.Bodies, 10)

	cfg := testCfg(nil, chain.MainnetChainConfig, t.TempDir())
	err := SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, tx, 0, nil, log.New())
	require.NoError(t, err)

	progress, err := stages.GetStageProgress(tx, stages.Senders)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), progress)
}

func TestSendersInvalidProgress(t *testing.T) {
	_, tx := memdb.NewTestTx(t)
	saveProgress(t, tx, stages.Senders, 20)
	saveProgress(t, tx, stages.BlockHashes, 10)
	saveProgress(t, tx, stages.Bodies, 15)

	cfg := testCfg(nil, chain.MainnetChainConfig, t.TempDir())
	err := SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, tx, 0, nil, log.New())
	require.Error(t, err)
	assert.Equal(t, InvalidProgress, ClassifyResult(err))
}

func TestSendersCancellation(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	const blocks = 4096
	for i := uint64(1); i <= blocks; i++ {
		hash := common.BytesToHash(dbutils.EncodeBlockNumber(i))
		writeCanonical(t, tx, i, hash)
		writeBody(t, tx, i, hash)
	}
	saveProgress(t, tx, stages.BlockHashes, blocks)
	saveProgress(t, tx, stages.Bodies, blocks)

	quit := make(chan struct{})
	close(quit)

	cfg := testCfg(nil, chain.MainnetChainConfig, t.TempDir())
	err := SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, tx, 0, quit, log.New())
	require.ErrorIs(t, err, common.ErrStopped)
	assert.Equal(t, Aborted, ClassifyResult(err))

	progress, err := stages.GetStageProgress(tx, stages.Senders)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), progress)
}

func TestSendersUnwindAndRerun(t *testing.T) {
	db := memdb.NewTestDB(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	const blocks = 100
	hashOf := func(i uint64) common.Hash {
		return common.BytesToHash(dbutils.EncodeBlockNumber(i))
	}

	tx, err := db.BeginRw(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	for i := uint64(1); i <= blocks; i++ {
		writeCanonical(t, tx, i, hashOf(i))
		writeBody(t, tx, i, hashOf(i), signedLegacyTxn(t, i, nil, key))
	}
	saveProgress(t, tx, stages.BlockHashes, blocks)
	saveProgress(t, tx, stages.Bodies, blocks)
	require.NoError(t, tx.Commit())

	cfg := testCfg(db, chain.MainnetChainConfig, t.TempDir())
	err = SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, nil, 0, nil, log.New())
	require.NoError(t, err)

	// remember the upper half before unwinding it
	before := map[uint64][]byte{}
	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		for i := uint64(51); i <= blocks; i++ {
			before[i] = common.CopyBytes(readSenders(t, tx, i, hashOf(i)))
		}
		return nil
	}))

	err = UnwindSendersStage(&UnwindState{ID: stages.Senders, UnwindPoint: 50}, nil, cfg, nil)
	require.NoError(t, err)

	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		for i := uint64(51); i <= blocks; i++ {
			assert.Nil(t, readSenders(t, tx, i, hashOf(i)))
		}
		assert.NotNil(t, readSenders(t, tx, 50, hashOf(50)))
		progress, err := stages.GetStageProgress(tx, stages.Senders)
		require.NoError(t, err)
		assert.Equal(t, uint64(50), progress)
		return nil
	}))

	// unwinding to a point at or above the current progress is a no-op
	err = UnwindSendersStage(&UnwindState{ID: stages.Senders, UnwindPoint: 80}, nil, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		progress, err := stages.GetStageProgress(tx, stages.Senders)
		require.NoError(t, err)
		assert.Equal(t, uint64(50), progress)
		return nil
	}))

	// re-running repopulates the unwound range with byte-identical values
	err = SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, nil, 0, nil, log.New())
	require.NoError(t, err)
	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		for i := uint64(51); i <= blocks; i++ {
			assert.Equal(t, before[i], readSenders(t, tx, i, hashOf(i)))
		}
		progress, err := stages.GetStageProgress(tx, stages.Senders)
		require.NoError(t, err)
		assert.Equal(t, uint64(blocks), progress)
		return nil
	}))

	// a second run with no upstream progress change is a no-op
	err = SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, nil, 0, nil, log.New())
	require.NoError(t, err)
}

func TestSendersPrune(t *testing.T) {
	db := memdb.NewTestDB(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	const blocks = 30
	hashOf := func(i uint64) common.Hash {
		return common.BytesToHash(dbutils.EncodeBlockNumber(i))
	}

	tx, err := db.BeginRw(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	for i := uint64(1); i <= blocks; i++ {
		writeCanonical(t, tx, i, hashOf(i))
		writeBody(t, tx, i, hashOf(i), signedLegacyTxn(t, i, nil, key))
	}
	saveProgress(t, tx, stages.BlockHashes, blocks)
	saveProgress(t, tx, stages.Bodies, blocks)
	require.NoError(t, tx.Commit())

	cfg := testCfg(db, chain.MainnetChainConfig, t.TempDir())
	err = SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, nil, 0, nil, log.New())
	require.NoError(t, err)

	err = PruneSendersStage(&PruneState{ID: stages.Senders, PruneFrom: 20}, nil, cfg, nil)
	require.NoError(t, err)

	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		for i := uint64(1); i < 20; i++ {
			assert.Nil(t, readSenders(t, tx, i, hashOf(i)))
		}
		for i := uint64(20); i <= blocks; i++ {
			assert.NotNil(t, readSenders(t, tx, i, hashOf(i)))
		}
		// prune does not touch the stage progress
		progress, err := stages.GetStageProgress(tx, stages.Senders)
		require.NoError(t, err)
		assert.Equal(t, uint64(blocks), progress)
		return nil
	}))

	// pruning again changes nothing
	err = PruneSendersStage(&PruneState{ID: stages.Senders, PruneFrom: 20}, nil, cfg, nil)
	require.NoError(t, err)
}

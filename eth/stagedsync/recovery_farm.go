package stagedsync

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"github.com/ledgerwatch/log/v3"

	"github.com/AndreaLanfranchi/silkworm/common"
	"github.com/AndreaLanfranchi/silkworm/common/dbutils"
	"github.com/AndreaLanfranchi/silkworm/common/length"
	"github.com/AndreaLanfranchi/silkworm/crypto"
	"github.com/AndreaLanfranchi/silkworm/db/etl"
	"github.com/AndreaLanfranchi/silkworm/db/kv"
	"github.com/AndreaLanfranchi/silkworm/eth/stagedsync/stages"
	"github.com/AndreaLanfranchi/silkworm/execution/chain"
	"github.com/AndreaLanfranchi/silkworm/execution/types"
)

// HeaderEntry is one canonical block of the recovery range: its hash from the
// canonical-hashes table and, once the body has been read, its transaction count.
type HeaderEntry struct {
	txnCount  uint64
	blockHash common.Hash
}

// RecoveryFarm drives sender recovery over a contiguous block range in three
// phases: canonical header enumeration, body streaming with batched dispatch
// to the worker pool, and harvest of recovered senders into the collector.
type RecoveryFarm struct {
	tx        kv.RwTx
	cfg       SendersCfg
	logger    log.Logger
	logPrefix string
	quit      <-chan struct{}

	collector *etl.Collector
	chainID   *uint256.Int

	batch      []RecoveryPackage
	harvestBuf []RecoveryPackage

	// headers is an arena indexed by block_num - headerIndexOffset
	headers           []HeaderEntry
	headerIndexOffset uint64

	workers    []*RecoveryWorker
	maxWorkers int

	workersMtx        sync.Mutex
	harvestable       []int // FIFO of worker ids with results to collect
	workersInFlight   int
	workerErr         error
	workerCompletedCh chan struct{}

	stopped atomic.Bool

	currentPhase               atomic.Uint32
	totalProcessedBlocks       atomic.Uint64
	totalCollectedTransactions atomic.Uint64
}

func NewRecoveryFarm(tx kv.RwTx, cfg SendersCfg, quit <-chan struct{}, logPrefix string, logger log.Logger) *RecoveryFarm {
	f := &RecoveryFarm{
		tx:                tx,
		cfg:               cfg,
		logger:            logger,
		logPrefix:         logPrefix,
		quit:              quit,
		collector:         etl.NewCollector(logPrefix, cfg.tmpdir, etl.NewSortableBuffer(cfg.etlBufferSize), logger),
		maxWorkers:        cfg.maxWorkers,
		workerCompletedCh: make(chan struct{}, 1),
		batch:             make([]RecoveryPackage, 0, cfg.batchSize),
	}
	if cfg.chainConfig.ChainID != nil {
		f.chainID, _ = uint256.FromBig(cfg.chainConfig.ChainID)
	}
	return f
}

// stop requests cooperative termination of the whole farm.
func (f *RecoveryFarm) stop() { f.stopped.Store(true) }

func (f *RecoveryFarm) isStopping() bool {
	return f.stopped.Load() || common.Stopped(f.quit) != nil
}

// recover runs the three phases and leaves the senders table and the stage
// progress updated within the farm's transaction. toBlock caps the target
// when non zero.
func (f *RecoveryFarm) recover(toBlock uint64) error {
	// Check stage boundaries from previous execution and previous stages' execution
	previousProgress, err := stages.GetStageProgress(f.tx, stages.Senders)
	if err != nil {
		return err
	}
	blockHashesProgress, err := stages.GetStageProgress(f.tx, stages.BlockHashes)
	if err != nil {
		return err
	}
	blockBodiesProgress, err := stages.GetStageProgress(f.tx, stages.Bodies)
	if err != nil {
		return err
	}
	targetProgress := blockHashesProgress
	if blockBodiesProgress < targetProgress {
		targetProgress = blockBodiesProgress
	}
	if toBlock > 0 && toBlock < targetProgress {
		targetProgress = toBlock
	}

	if previousProgress == targetProgress {
		// Nothing to process
		return nil
	}
	if previousProgress > targetProgress {
		return fmt.Errorf("%w: previous progress %d > target progress %d", ErrInvalidProgress, previousProgress, targetProgress)
	}

	expectedBlockNum := previousProgress + 1

	f.currentPhase.Store(1)
	if err := f.fillCanonicalHeaders(expectedBlockNum, targetProgress); err != nil {
		return err
	}

	f.headerIndexOffset = expectedBlockNum // see collectWorkersResults
	f.currentPhase.Store(2)

	bodiesC, err := f.tx.Cursor(kv.BlockBodies)
	if err != nil {
		return err
	}
	defer bodiesC.Close()
	transactionsC, err := f.tx.Cursor(kv.BlockTransactions)
	if err != nil {
		return err
	}
	defer transactionsC.Close()

	var reachedBlockNum uint64 // block number being processed
	headersIt := 0

	// Set to first block and read all in sequence
	k, v, err := bodiesC.Seek(dbutils.BlockBodyKey(expectedBlockNum, f.headers[0].blockHash))
	for k != nil {
		if err != nil {
			return err
		}
		blockNum, blockHash, keyErr := dbutils.ParseBlockBodyKey(k)
		if keyErr != nil {
			return keyErr
		}
		reachedBlockNum = blockNum

		if blockNum < expectedBlockNum {
			// The same block height has been recorded but is not canonical
			k, v, err = bodiesC.Next()
			continue
		}
		if blockNum > expectedBlockNum {
			// We surpassed the expected block which means either the db misses
			// a block or blocks are not persisted in sequence
			return fmt.Errorf("%w: expected block %d got %d", ErrBadChainSequence, expectedBlockNum, blockNum)
		}
		if blockHash != f.headers[headersIt].blockHash {
			// We stumbled into a non-canonical sibling (not matching header): move next
			k, v, err = bodiesC.Next()
			continue
		}

		// Every 1024 blocks check whether we're being asked to stop
		if reachedBlockNum%1024 == 0 && f.isStopping() {
			return common.ErrStopped
		}

		var body types.BodyForStorage
		if err := body.DecodeRLP(v); err != nil {
			return err
		}
		if body.TxnCount > 0 {
			f.headers[headersIt].txnCount = body.TxnCount
			txns, err := readTransactions(transactionsC, body.BaseTxnID, body.TxnCount)
			if err != nil {
				return err
			}
			if err := f.transformAndFillBatch(blockNum, txns); err != nil {
				return err
			}
		}

		// After processing move to next block number and header
		headersIt++
		if headersIt == len(f.headers) {
			// We'd go beyond collected canonical headers
			break
		}
		expectedBlockNum++
		k, v, err = bodiesC.Next()
	}
	if err != nil {
		return err
	}

	if f.isStopping() {
		return common.ErrStopped
	}
	if len(f.batch) > 0 {
		f.totalCollectedTransactions.Add(uint64(len(f.batch)))
		if err := f.dispatchBatch(); err != nil {
			return err
		}
	}
	f.waitWorkersCompletion()

	f.currentPhase.Store(3)
	if err := f.collectWorkersResults(); err != nil {
		return err
	}
	if err := f.takeWorkerErr(); err != nil {
		return err
	}
	if !f.collector.Empty() {
		f.logger.Trace(fmt.Sprintf("[%s] load ETL data", f.logPrefix), "size", f.collector.BytesSize())
		if err := f.collector.Load(f.tx, kv.Senders, etl.IdentityLoadFunc, etl.TransformArgs{
			Quit:   f.quit,
			Append: true,
			LogDetailsLoad: func(k, v []byte) []interface{} {
				return []interface{}{"block", binary.BigEndian.Uint64(k)}
			},
		}); err != nil {
			return err
		}
	}

	// Update stage progress with the last reached block number
	if reachedBlockNum < previousProgress {
		reachedBlockNum = previousProgress
	}
	return stages.SaveStageProgress(f.tx, stages.Senders, reachedBlockNum)
}

// fillCanonicalHeaders walks the canonical hashes in [from, to] asserting a
// strictly monotonic, gap-free sequence of 32 byte hashes.
func (f *RecoveryFarm) fillCanonicalHeaders(from, to uint64) error {
	headersCount := to - from + 1
	f.headers = make([]HeaderEntry, 0, headersCount)
	if headersCount > 16 {
		f.logger.Info(fmt.Sprintf("[%s] collecting headers", f.logPrefix), "from", from, "to", to)
	}

	c, err := f.tx.Cursor(kv.CanonicalHashes)
	if err != nil {
		return err
	}
	defer c.Close()

	var reachedBlockNum uint64
	expectedBlockNum := from

	for k, v, err := c.Seek(dbutils.EncodeBlockNumber(from)); k != nil; k, v, err = c.Next() {
		if err != nil {
			return err
		}
		reachedBlockNum = binary.BigEndian.Uint64(k)
		if reachedBlockNum != expectedBlockNum {
			return fmt.Errorf("%w: expected canonical block %d got %d", ErrBadChainSequence, expectedBlockNum, reachedBlockNum)
		}
		if len(v) != length.Hash {
			return fmt.Errorf("%w: invalid canonical hash at block %d: %d bytes", ErrBadChainSequence, reachedBlockNum, len(v))
		}

		// We have a canonical header hash in right sequence
		f.headers = append(f.headers, HeaderEntry{blockHash: common.BytesToHash(v)})
		if reachedBlockNum == to {
			break
		}
		expectedBlockNum++

		if expectedBlockNum%1024 == 0 && f.isStopping() {
			return common.ErrStopped
		}
	}

	// If we've not reached the upper bound something is wrong
	if reachedBlockNum != to {
		return fmt.Errorf("%w: expected canonical block %d got %d", ErrBadChainSequence, to, reachedBlockNum)
	}
	if f.isStopping() {
		return common.ErrStopped
	}
	return nil
}

// transformAndFillBatch validates the block's transactions against the rules
// revision active at blockNum and pushes one recovery package per transaction.
func (f *RecoveryFarm) transformAndFillBatch(blockNum uint64, txns []types.Transaction) error {
	if f.isStopping() {
		return common.ErrStopped
	}

	rev := f.cfg.chainConfig.Revision(blockNum)
	hasHomestead := rev >= chain.Homestead
	hasSpuriousDragon := rev >= chain.SpuriousDragon
	hasBerlin := rev >= chain.Berlin
	hasLondon := rev >= chain.London

	for txnID, txn := range txns {
		switch txn.Type() {
		case types.LegacyTxType:
		case types.AccessListTxType:
			if !hasBerlin {
				return fmt.Errorf("%w: type %d for transaction #%d in block #%d before Berlin", ErrInvalidTransaction, txn.Type(), txnID, blockNum)
			}
		case types.DynamicFeeTxType:
			if !hasLondon {
				return fmt.Errorf("%w: type %d for transaction #%d in block #%d before London", ErrInvalidTransaction, txn.Type(), txnID, blockNum)
			}
		default:
			return fmt.Errorf("%w: unknown type %d for transaction #%d in block #%d", ErrInvalidTransaction, txn.Type(), txnID, blockNum)
		}

		oddYParity, err := txn.OddYParity()
		if err != nil {
			return fmt.Errorf("%w: malformed V for transaction #%d in block #%d", ErrInvalidTransaction, txnID, blockNum)
		}
		var parity byte
		if oddYParity {
			parity = 1
		}
		_, r, s := txn.RawSignatureValues()
		if !crypto.ValidateSignatureValues(parity, r, s, hasHomestead) {
			return fmt.Errorf("%w: invalid signature for transaction #%d in block #%d", ErrInvalidTransaction, txnID, blockNum)
		}

		chainID := txn.GetChainID()
		if chainID != nil {
			if !hasSpuriousDragon {
				return fmt.Errorf("%w: EIP-155 signature for transaction #%d in block #%d before Spurious Dragon", ErrInvalidTransaction, txnID, blockNum)
			}
			if f.chainID == nil || !chainID.Eq(f.chainID) {
				return fmt.Errorf("%w: wrong chain id for transaction #%d in block #%d", ErrInvalidTransaction, txnID, blockNum)
			}
		}

		pkg := RecoveryPackage{
			BlockNum:    blockNum,
			SigningHash: txn.SigningHash(chainID),
			OddYParity:  oddYParity,
		}
		rBytes, sBytes := r.Bytes32(), s.Bytes32()
		copy(pkg.Signature[:32], rBytes[:])
		copy(pkg.Signature[32:], sBytes[:])
		f.batch = append(f.batch, pkg)
	}
	f.totalProcessedBlocks.Add(1)

	// Do we overflow ?
	if len(f.batch) > f.cfg.batchSize {
		f.totalCollectedTransactions.Add(uint64(len(f.batch)))
		if err := f.dispatchBatch(); err != nil {
			return err
		}
	}

	if f.isStopping() {
		return common.ErrStopped
	}
	return nil
}

// dispatchBatch hands the pending batch to a kick-waiting worker, spawning a
// new one when the pool has room. Harvesting available results first is the
// primary backpressure valve.
func (f *RecoveryFarm) dispatchBatch() error {
	waitCount := 5
	for !f.isStopping() {
		if err := f.collectWorkersResults(); err != nil {
			return err
		}
		if err := f.takeWorkerErr(); err != nil {
			return err
		}

		// Locate first available worker
		for _, w := range f.workers {
			if w.State() != workerKickWaiting {
				continue
			}
			f.logger.Trace(fmt.Sprintf("[%s] dispatching", f.logPrefix), "recoverer", w.ID(), "items", len(f.batch))
			// count the batch before the kick, so a fast completion can not
			// be signalled ahead of the increment
			f.workersMtx.Lock()
			f.workersInFlight++
			f.workersMtx.Unlock()
			w.setWork(&f.batch, true) // worker will swap contents
			f.batch = f.batch[:0]
			return nil
		}

		// We don't have a worker available: maybe we can create a new one
		if len(f.workers) != f.maxWorkers {
			if f.initializeNewWorker() {
				continue
			}
			if len(f.workers) == 0 {
				return errors.New("unable to initialize any recovery worker")
			}
			f.logger.Trace(fmt.Sprintf("[%s] max recovery workers adjusted", f.logPrefix), "from", f.maxWorkers, "to", len(f.workers))
			f.maxWorkers = len(f.workers) // don't try to spawn new workers, maybe we're OOM
		}

		// No other option than wait a while and retry
		waitCount--
		if waitCount == 0 {
			waitCount = 5
			f.logger.Info(fmt.Sprintf("[%s] Waiting for available worker ...", f.logPrefix))
		}
		select {
		case <-f.workerCompletedCh:
		case <-time.After(5 * time.Second):
		case <-f.quit:
		}
	}
	return common.ErrStopped
}

func (f *RecoveryFarm) initializeNewWorker() bool {
	if f.isStopping() {
		return false
	}
	f.logger.Trace(fmt.Sprintf("[%s] spawning", f.logPrefix), "recoverer", len(f.workers))
	w := newRecoveryWorker(len(f.workers), f.cfg.badBlockHalt, f.taskCompletedHandler, f.workerStoppedHandler)
	w.start()
	f.workers = append(f.workers, w)
	return true
}

// getHarvestableWorker pops the next worker id with results ready, if any.
func (f *RecoveryFarm) getHarvestableWorker() (int, bool) {
	f.workersMtx.Lock()
	defer f.workersMtx.Unlock()
	if len(f.harvestable) == 0 {
		return 0, false
	}
	id := f.harvestable[0]
	f.harvestable = f.harvestable[1:]
	return id, true
}

// collectWorkersResults reclaims the batch buffers of all harvestable workers,
// groups the packages by block and emits one collector record per block with
// the concatenated sender addresses.
func (f *RecoveryFarm) collectWorkersResults() error {
	for {
		id, ok := f.getHarvestableWorker()
		if !ok {
			return nil
		}
		w := f.workers[id]
		f.logger.Trace(fmt.Sprintf("[%s] collecting", f.logPrefix), "recoverer", id)
		w.setWork(&f.harvestBuf, false)

		var blockNum uint64
		var etlKey, etlData []byte
		for i := range f.harvestBuf {
			pkg := &f.harvestBuf[i]
			if pkg.BlockNum != blockNum {
				if len(etlKey) > 0 {
					if err := f.collector.Collect(etlKey, etlData); err != nil {
						f.stop()
						return err
					}
				}
				blockNum = pkg.BlockNum
				headerInfo := f.headers[blockNum-f.headerIndexOffset]
				etlKey = dbutils.BlockBodyKey(blockNum, headerInfo.blockHash)
				etlData = etlData[:0]
			}
			etlData = append(etlData, pkg.Sender[:]...)
		}
		if len(etlKey) > 0 {
			if err := f.collector.Collect(etlKey, etlData); err != nil {
				f.stop()
				return err
			}
		}
		f.harvestBuf = f.harvestBuf[:0]
	}
}

// waitWorkersCompletion polls until no dispatched batch is outstanding.
func (f *RecoveryFarm) waitWorkersCompletion() {
	for {
		f.workersMtx.Lock()
		inFlight := f.workersInFlight
		f.workersMtx.Unlock()
		if inFlight == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (f *RecoveryFarm) takeWorkerErr() error {
	f.workersMtx.Lock()
	defer f.workersMtx.Unlock()
	return f.workerErr
}

func (f *RecoveryFarm) stopAllWorkers(wait bool) {
	for _, w := range f.workers {
		f.logger.Trace(fmt.Sprintf("[%s] stopping", f.logPrefix), "recoverer", w.ID())
		w.stop(wait)
	}
}

func (f *RecoveryFarm) taskCompletedHandler(w *RecoveryWorker) {
	f.workersMtx.Lock()
	f.harvestable = append(f.harvestable, w.ID())
	if f.workersInFlight > 0 {
		f.workersInFlight--
	}
	f.workersMtx.Unlock()
	select {
	case f.workerCompletedCh <- struct{}{}:
	default:
	}
}

func (f *RecoveryFarm) workerStoppedHandler(w *RecoveryWorker) {
	f.workersMtx.Lock()
	if f.workersInFlight > 0 {
		f.workersInFlight--
	}
	if err := w.Err(); err != nil && f.workerErr == nil {
		f.workerErr = err
	}
	f.workersMtx.Unlock()
	if w.Err() != nil {
		// a worker fault aborts the whole farm
		f.stop()
	}
	select {
	case f.workerCompletedCh <- struct{}{}:
	default:
	}
}

// LogProgress returns phase-dependent key/value pairs for the periodic logger.
func (f *RecoveryFarm) LogProgress() []interface{} {
	if f.isStopping() {
		return nil
	}
	switch f.currentPhase.Load() {
	case 1:
		return []interface{}{"phase", "1/3", "blocks", len(f.headers)}
	case 2:
		f.workersMtx.Lock()
		inFlight := f.workersInFlight
		f.workersMtx.Unlock()
		return []interface{}{
			"phase", "2/3",
			"blocks", len(f.headers),
			"current", f.totalProcessedBlocks.Load(),
			"transactions", f.totalCollectedTransactions.Load(),
			"workers", inFlight,
		}
	case 3:
		return []interface{}{"phase", "3/3", "key", f.collector.LoadKey()}
	default:
		return nil
	}
}

// readTransactions reads the txnCount consecutive transactions starting at baseTxnID.
func readTransactions(c kv.Cursor, baseTxnID, txnCount uint64) ([]types.Transaction, error) {
	txns := make([]types.Transaction, 0, txnCount)
	for id := baseTxnID; id < baseTxnID+txnCount; id++ {
		k, v, err := c.SeekExact(dbutils.TxnIdKey(id))
		if err != nil {
			return nil, err
		}
		if k == nil {
			return nil, fmt.Errorf("%w: missing transaction id %d", ErrBadChainSequence, id)
		}
		txn, err := types.DecodeTransaction(v)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

package stagedsync

import (
	"context"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/c2h5oh/datasize"
	"github.com/ledgerwatch/log/v3"

	"github.com/AndreaLanfranchi/silkworm/common"
	"github.com/AndreaLanfranchi/silkworm/common/dbutils"
	"github.com/AndreaLanfranchi/silkworm/db/etl"
	"github.com/AndreaLanfranchi/silkworm/db/kv"
	"github.com/AndreaLanfranchi/silkworm/eth/stagedsync/stages"
	"github.com/AndreaLanfranchi/silkworm/execution/chain"
)

type SendersCfg struct {
	db            kv.RwDB
	batchSize     int // packages per dispatched batch
	maxWorkers    int
	etlBufferSize datasize.ByteSize
	badBlockHalt  bool
	tmpdir        string
	chainConfig   *chain.Config
}

func StageSendersCfg(db kv.RwDB, chainCfg *chain.Config, batchSize datasize.ByteSize, badBlockHalt bool, tmpdir string) SendersCfg {
	packageSize := int(unsafe.Sizeof(RecoveryPackage{}))
	batch := int(batchSize.Bytes()) / runtime.NumCPU() / packageSize
	if batch < 1 {
		batch = 1
	}
	return SendersCfg{
		db:            db,
		batchSize:     batch,
		maxWorkers:    runtime.NumCPU(),
		etlBufferSize: etl.BufferOptimalSize,
		badBlockHalt:  badBlockHalt,
		tmpdir:        tmpdir,
		chainConfig:   chainCfg,
	}
}

// SpawnRecoverSendersStage recovers the sender address of every transaction in
// the canonical range above the stage's progress and stores them into the
// senders table. toBlock caps the target when non zero.
func SpawnRecoverSendersStage(cfg SendersCfg, s *StageState, tx kv.RwTx, toBlock uint64, quit <-chan struct{}, logger log.Logger) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(context.Background())
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}

	logPrefix := s.LogPrefix()
	farm := NewRecoveryFarm(tx, cfg, quit, logPrefix, logger)
	defer farm.stopAllWorkers(true)
	defer farm.collector.Close()

	logEvery := time.NewTicker(30 * time.Second)
	defer logEvery.Stop()
	logDone := make(chan struct{})
	defer close(logDone)
	go func() {
		for {
			select {
			case <-logDone:
				return
			case <-logEvery.C:
				if args := farm.LogProgress(); args != nil {
					logger.Info(fmt.Sprintf("[%s] Recovery", logPrefix), args...)
				}
			}
		}
	}()

	if err := farm.recover(toBlock); err != nil {
		// a worker fault both stops the farm and explains it better than the
		// resulting abort
		if workerErr := farm.takeWorkerErr(); workerErr != nil {
			err = workerErr
		}
		logger.Error(fmt.Sprintf("[%s] recover", logPrefix), "err", err)
		return err
	}

	if !useExternalTx {
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// UnwindSendersStage deletes all sender rows above the unwind point and moves
// the stage progress back. Running with an unwind point at or above the
// current progress is a no-op.
func UnwindSendersStage(u *UnwindState, tx kv.RwTx, cfg SendersCfg, quit <-chan struct{}) (err error) {
	useExternalTx := tx != nil
	if !useExternalTx {
		tx, err = cfg.db.BeginRw(context.Background())
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}

	progress, err := stages.GetStageProgress(tx, stages.Senders)
	if err != nil {
		return err
	}
	if u.UnwindPoint < progress {
		c, err := tx.RwCursor(kv.Senders)
		if err != nil {
			return err
		}
		defer c.Close()

		i := 0
		for k, _, err := c.Seek(dbutils.EncodeBlockNumber(u.UnwindPoint + 1)); k != nil; k, _, err = c.Next() {
			if err != nil {
				return err
			}
			if i&1023 == 0 {
				if err := common.Stopped(quit); err != nil {
					return err
				}
			}
			i++
			if err = c.DeleteCurrent(); err != nil {
				return err
			}
		}
		if err = u.Done(tx); err != nil {
			return err
		}
	}

	if !useExternalTx {
		if err = tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// PruneSendersStage deletes all sender rows below the prune threshold.
// The stage progress is left untouched.
func PruneSendersStage(p *PruneState, tx kv.RwTx, cfg SendersCfg, quit <-chan struct{}) (err error) {
	useExternalTx := tx != nil
	if !useExternalTx {
		tx, err = cfg.db.BeginRw(context.Background())
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}

	c, err := tx.RwCursor(kv.Senders)
	if err != nil {
		return err
	}
	defer c.Close()

	i := 0
	for k, _, err := c.First(); k != nil; k, _, err = c.Next() {
		if err != nil {
			return err
		}
		blockNum, _, err := dbutils.ParseBlockBodyKey(k)
		if err != nil {
			return err
		}
		if blockNum >= p.PruneFrom {
			break
		}
		if i&1023 == 0 {
			if err := common.Stopped(quit); err != nil {
				return err
			}
		}
		i++
		if err = c.DeleteCurrent(); err != nil {
			return err
		}
	}

	if !useExternalTx {
		if err = tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

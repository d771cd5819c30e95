package stagedsync

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/AndreaLanfranchi/silkworm/common"
	"github.com/AndreaLanfranchi/silkworm/crypto"
)

// RecoveryPackage carries one transaction's recovery inputs through the farm.
// The Sender field is meaningless on input and authoritative on output.
type RecoveryPackage struct {
	BlockNum    uint64
	SigningHash common.Hash
	Signature   [64]byte // r || s, big endian
	OddYParity  bool
	Sender      common.Address
}

type workerState int32

const (
	workerIdle workerState = iota
	workerKickWaiting
	workerWorking
	workerStopping
	workerStopped
)

// RecoveryWorker is a long-lived worker owning a private package buffer.
// Batches are moved in and out through setWork's O(1) buffer swap; the
// worker recovers the sender of every package in place.
type RecoveryWorker struct {
	id     int
	state  atomic.Int32
	mtx    sync.Mutex // guards batch and err
	batch  []RecoveryPackage
	err    error
	keccak crypto.KeccakState // each worker gets its own hasher so they are really parallel

	// with badBlockHalt a failed public key recovery faults the worker,
	// otherwise a zero sender address is written and recovery continues
	badBlockHalt bool

	kicked chan struct{}
	quit   chan struct{}
	done   chan struct{}

	onTaskCompleted func(*RecoveryWorker)
	onStopped       func(*RecoveryWorker)

	stopOnce sync.Once
}

func newRecoveryWorker(id int, badBlockHalt bool, onTaskCompleted, onStopped func(*RecoveryWorker)) *RecoveryWorker {
	w := &RecoveryWorker{
		id:              id,
		keccak:          crypto.NewKeccakState(),
		badBlockHalt:    badBlockHalt,
		kicked:          make(chan struct{}, 1),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
		onTaskCompleted: onTaskCompleted,
		onStopped:       onStopped,
	}
	w.state.Store(int32(workerIdle))
	return w
}

func (w *RecoveryWorker) ID() int { return w.id }

func (w *RecoveryWorker) State() workerState { return workerState(w.state.Load()) }

func (w *RecoveryWorker) Err() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.err
}

func (w *RecoveryWorker) start() {
	w.state.Store(int32(workerKickWaiting))
	go w.run()
}

// setWork swaps the caller's batch buffer with the worker's internal buffer.
// With kick the worker transitions kick-waiting -> working and begins
// processing; without, the call retrieves finished results (reverse hand-off)
// and the drained worker becomes kick-waiting again. The buffer move is O(1)
// and copies no packages.
func (w *RecoveryWorker) setWork(batch *[]RecoveryPackage, kick bool) {
	w.mtx.Lock()
	*batch, w.batch = w.batch, *batch
	w.mtx.Unlock()
	if kick {
		w.state.Store(int32(workerWorking))
		select {
		case w.kicked <- struct{}{}:
		default:
		}
	} else if w.State() == workerIdle {
		w.state.Store(int32(workerKickWaiting))
	}
}

// stop requests termination; with wait it blocks until the worker exited.
func (w *RecoveryWorker) stop(wait bool) {
	w.stopOnce.Do(func() {
		w.state.Store(int32(workerStopping))
		close(w.quit)
	})
	if wait {
		<-w.done
	}
}

func (w *RecoveryWorker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			w.state.Store(int32(workerStopped))
			w.onStopped(w)
			return
		case <-w.kicked:
		}

		w.recoverBatch()

		if w.Err() != nil {
			w.state.Store(int32(workerStopped))
			w.onStopped(w)
			return
		}
		// idle holds the results until the farm harvests them; only the
		// harvest hand-off makes the worker dispatchable again
		w.state.Store(int32(workerIdle))
		w.onTaskCompleted(w)
	}
}

func (w *RecoveryWorker) recoverBatch() {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	var sig [65]byte
	var hash common.Hash
	for i := range w.batch {
		pkg := &w.batch[i]
		copy(sig[:64], pkg.Signature[:])
		if pkg.OddYParity {
			sig[64] = 1
		} else {
			sig[64] = 0
		}
		pubkey, err := crypto.Ecrecover(pkg.SigningHash[:], sig[:])
		if err != nil {
			if w.badBlockHalt {
				w.err = fmt.Errorf("%w: recovering public key in block %d: %s", ErrInvalidTransaction, pkg.BlockNum, err)
				return
			}
			pkg.Sender = common.Address{}
			continue
		}
		w.keccak.Reset()
		w.keccak.Write(pubkey[1:]) //nolint:errcheck
		w.keccak.Read(hash[:])     //nolint:errcheck
		copy(pkg.Sender[:], hash[12:])
	}
}

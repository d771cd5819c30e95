package stagedsync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreaLanfranchi/silkworm/common"
)

func waitWorkerSignal(t *testing.T, ch chan *RecoveryWorker) *RecoveryWorker {
	t.Helper()
	select {
	case w := <-ch:
		return w
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker signal")
		return nil
	}
}

func TestRecoveryWorkerZeroSenderPolicy(t *testing.T) {
	completed := make(chan *RecoveryWorker, 1)
	stopped := make(chan *RecoveryWorker, 1)
	w := newRecoveryWorker(0, false, func(w *RecoveryWorker) { completed <- w }, func(w *RecoveryWorker) { stopped <- w })
	w.start()

	// an all-zero signature can not possibly recover
	batch := []RecoveryPackage{{BlockNum: 1}}
	w.setWork(&batch, true)
	waitWorkerSignal(t, completed)
	assert.Equal(t, workerIdle, w.State())

	batch = batch[:0]
	w.setWork(&batch, false)
	require.Len(t, batch, 1)
	assert.Equal(t, common.Address{}, batch[0].Sender)
	require.NoError(t, w.Err())
	assert.Equal(t, workerKickWaiting, w.State())

	w.stop(true)
	waitWorkerSignal(t, stopped)
	assert.Equal(t, workerStopped, w.State())
}

func TestRecoveryWorkerHaltsOnRecoveryFailure(t *testing.T) {
	completed := make(chan *RecoveryWorker, 1)
	stopped := make(chan *RecoveryWorker, 1)
	w := newRecoveryWorker(0, true, func(w *RecoveryWorker) { completed <- w }, func(w *RecoveryWorker) { stopped <- w })
	w.start()

	batch := []RecoveryPackage{{BlockNum: 7}}
	w.setWork(&batch, true)

	waitWorkerSignal(t, stopped)
	assert.Equal(t, workerStopped, w.State())
	require.Error(t, w.Err())
	assert.True(t, errors.Is(w.Err(), ErrInvalidTransaction))
	assert.Empty(t, completed)
}

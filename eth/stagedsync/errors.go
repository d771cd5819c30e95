package stagedsync

import (
	"errors"

	"github.com/erigontech/mdbx-go/mdbx"

	"github.com/AndreaLanfranchi/silkworm/common"
)

// Stage failure classes surfaced to the orchestrator and mapped 1:1 onto
// process exit codes by the CLI.
type StageResult uint8

const (
	Success StageResult = iota
	Aborted
	InvalidProgress
	BadChainSequence
	InvalidTransaction
	DbError
	UnexpectedError
)

func (r StageResult) String() string {
	switch r {
	case Success:
		return "Success"
	case Aborted:
		return "Aborted"
	case InvalidProgress:
		return "InvalidProgress"
	case BadChainSequence:
		return "BadChainSequence"
	case InvalidTransaction:
		return "InvalidTransaction"
	case DbError:
		return "DbError"
	default:
		return "UnexpectedError"
	}
}

var (
	// ErrInvalidProgress - the stage's own progress is beyond the upstream stages' progress
	ErrInvalidProgress = errors.New("invalid progress")
	// ErrBadChainSequence - a canonical block is missing, or header and body tables disagree
	ErrBadChainSequence = errors.New("bad chain sequence")
	// ErrInvalidTransaction - a fork-rule or signature-scalar violation detected during validation
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// ClassifyResult maps an error returned by a stage entry point onto its StageResult.
func ClassifyResult(err error) StageResult {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, common.ErrStopped):
		return Aborted
	case errors.Is(err, ErrInvalidProgress):
		return InvalidProgress
	case errors.Is(err, ErrBadChainSequence):
		return BadChainSequence
	case errors.Is(err, ErrInvalidTransaction):
		return InvalidTransaction
	}
	var errno mdbx.Errno
	if errors.As(err, &errno) {
		return DbError
	}
	return UnexpectedError
}

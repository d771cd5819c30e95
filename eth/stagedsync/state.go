package stagedsync

import (
	"github.com/AndreaLanfranchi/silkworm/db/kv"
	"github.com/AndreaLanfranchi/silkworm/eth/stagedsync/stages"
)

// StageState is the state of a stage as seen by its forward function.
type StageState struct {
	ID          stages.SyncStage
	BlockNumber uint64 // BlockNumber is the current block number of the stage at the beginning of the state execution.
}

func (s *StageState) LogPrefix() string { return string(s.ID) }

// Update updates the stage state (current block number) in the database.
func (s *StageState) Update(db kv.Putter, newBlockNum uint64) error {
	return stages.SaveStageProgress(db, s.ID, newBlockNum)
}

// UnwindState contains the information about the unwind.
type UnwindState struct {
	ID stages.SyncStage
	// UnwindPoint is the block to unwind to.
	UnwindPoint uint64
}

func (u *UnwindState) LogPrefix() string { return string(u.ID) }

// Done updates the DB state of the stage.
func (u *UnwindState) Done(db kv.Putter) error {
	return stages.SaveStageProgress(db, u.ID, u.UnwindPoint)
}

// PruneState contains the information about the prune.
type PruneState struct {
	ID stages.SyncStage
	// PruneFrom - delete the stage's output below this block height.
	PruneFrom uint64
}

func (p *PruneState) LogPrefix() string { return string(p.ID) }

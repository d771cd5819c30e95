// Copyright 2021 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package kv

import "sort"

// Tables of the chain database consumed and produced by the sync stages.
const (
	// CanonicalHashes - stores the canonical chain:
	//   block_num_u64 (BE) -> header_hash
	CanonicalHashes = "CanonicalHeader"

	// Headers - stores full header contents:
	//   block_num_u64 (BE) + hash -> header (RLP)
	Headers = "Header"

	// BlockBodies - stores the body stub of each known block:
	//   block_num_u64 (BE) + hash -> body for storage (RLP: base_txn_id, txn_count)
	BlockBodies = "BlockBody"

	// BlockTransactions - stores transactions addressed by an auto-increment id:
	//   txn_id_u64 (BE) -> transaction (RLP or EIP-2718 envelope)
	// Every block owns txn_count consecutive ids starting at its base_txn_id.
	BlockTransactions = "BlockTransaction"

	// Senders - stores recovered sender addresses:
	//   block_num_u64 (BE) + hash -> address (plain 20 bytes, one per transaction in order)
	Senders = "TxSender"

	// SyncStageProgress - stores the highest block number reached by each stage:
	//   stage_name -> block_num_u64 (BE)
	SyncStageProgress = "SyncStage"

	// Sequence - auto-increment counters keyed by table name, used to hand
	// out BlockTransactions id ranges.
	Sequence = "Sequence"
)

// ChaindataTables - the tables created on open of a chain database.
var ChaindataTables = []string{
	CanonicalHashes,
	Headers,
	BlockBodies,
	BlockTransactions,
	Senders,
	SyncStageProgress,
	Sequence,
}

type TableCfgItem struct {
	IsDeprecated bool
}

type TableCfg map[string]TableCfgItem

// ChaindataTablesCfg - default configuration of the chain database tables.
var ChaindataTablesCfg = defaultTableCfg(ChaindataTables)

func defaultTableCfg(tables []string) TableCfg {
	cfg := TableCfg{}
	for _, name := range tables {
		cfg[name] = TableCfgItem{}
	}
	return cfg
}

// SortedTables returns table names in deterministic order.
func SortedTables(cfg TableCfg) []string {
	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

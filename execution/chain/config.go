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

// Package chain holds the protocol rules schedule of a chain: which revision
// of the rules is active at which block height.
package chain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
)

// Revision enumerates the protocol rules versions in activation order.
type Revision uint8

const (
	Frontier Revision = iota
	Homestead
	TangerineWhistle
	SpuriousDragon
	Byzantium
	Constantinople
	Petersburg
	Istanbul
	Berlin
	London
	Paris
	Shanghai
	Cancun
)

func (r Revision) String() string {
	names := [...]string{
		"Frontier", "Homestead", "TangerineWhistle", "SpuriousDragon",
		"Byzantium", "Constantinople", "Petersburg", "Istanbul",
		"Berlin", "London", "Paris", "Shanghai", "Cancun",
	}
	if int(r) < len(names) {
		return names[r]
	}
	return fmt.Sprintf("Revision(%d)", uint8(r))
}

// Config is the core config which determines the blockchain settings.
//
// A Config comes from the bundled chain literals or from a JSON chain
// specification (ReadChainSpec); it is not persisted in the database.
type Config struct {
	ChainName string   `json:"chainName"`
	ChainID   *big.Int `json:"chainId"`

	HomesteadBlock        *big.Int `json:"homesteadBlock,omitempty"`
	TangerineWhistleBlock *big.Int `json:"eip150Block,omitempty"`
	SpuriousDragonBlock   *big.Int `json:"eip155Block,omitempty"`
	ByzantiumBlock        *big.Int `json:"byzantiumBlock,omitempty"`
	ConstantinopleBlock   *big.Int `json:"constantinopleBlock,omitempty"`
	PetersburgBlock       *big.Int `json:"petersburgBlock,omitempty"`
	IstanbulBlock         *big.Int `json:"istanbulBlock,omitempty"`
	BerlinBlock           *big.Int `json:"berlinBlock,omitempty"`
	LondonBlock           *big.Int `json:"londonBlock,omitempty"`
	MergeNetsplitBlock    *big.Int `json:"mergeNetsplitBlock,omitempty"`
	ShanghaiBlock         *big.Int `json:"shanghaiBlock,omitempty"`
	CancunBlock           *big.Int `json:"cancunBlock,omitempty"`

	revisionsOnce sync.Once
	revisions     []forkPoint
}

type forkPoint struct {
	block    uint64
	revision Revision
}

func (c *Config) String() string {
	return fmt.Sprintf("{ChainID: %v, Homestead: %v, TangerineWhistle: %v, SpuriousDragon: %v, Byzantium: %v, Constantinople: %v, Petersburg: %v, Istanbul: %v, Berlin: %v, London: %v}",
		c.ChainID,
		c.HomesteadBlock,
		c.TangerineWhistleBlock,
		c.SpuriousDragonBlock,
		c.ByzantiumBlock,
		c.ConstantinopleBlock,
		c.PetersburgBlock,
		c.IstanbulBlock,
		c.BerlinBlock,
		c.LondonBlock,
	)
}

// forkTable precomputes the sorted (activation block, revision) points so that
// Revision is a binary search, not a field-by-field scan per transaction.
func (c *Config) forkTable() []forkPoint {
	c.revisionsOnce.Do(func() {
		forks := []struct {
			block    *big.Int
			revision Revision
		}{
			{c.HomesteadBlock, Homestead},
			{c.TangerineWhistleBlock, TangerineWhistle},
			{c.SpuriousDragonBlock, SpuriousDragon},
			{c.ByzantiumBlock, Byzantium},
			{c.ConstantinopleBlock, Constantinople},
			{c.PetersburgBlock, Petersburg},
			{c.IstanbulBlock, Istanbul},
			{c.BerlinBlock, Berlin},
			{c.LondonBlock, London},
			{c.MergeNetsplitBlock, Paris},
			{c.ShanghaiBlock, Shanghai},
			{c.CancunBlock, Cancun},
		}
		for _, f := range forks {
			if f.block == nil {
				continue
			}
			c.revisions = append(c.revisions, forkPoint{f.block.Uint64(), f.revision})
		}
		// a higher revision never activates below a lower one, but schedules may
		// share activation blocks (Constantinople/Petersburg)
		sort.SliceStable(c.revisions, func(i, j int) bool {
			if c.revisions[i].block != c.revisions[j].block {
				return c.revisions[i].block < c.revisions[j].block
			}
			return c.revisions[i].revision < c.revisions[j].revision
		})
	})
	return c.revisions
}

// Revision returns the rules revision active at the given block height.
func (c *Config) Revision(blockNum uint64) Revision {
	table := c.forkTable()
	// first point strictly above blockNum; the one before it rules
	i := sort.Search(len(table), func(i int) bool { return table[i].block > blockNum })
	if i == 0 {
		return Frontier
	}
	return table[i-1].revision
}

func (c *Config) IsHomestead(blockNum uint64) bool {
	return c.Revision(blockNum) >= Homestead
}

func (c *Config) IsSpuriousDragon(blockNum uint64) bool {
	return c.Revision(blockNum) >= SpuriousDragon
}

func (c *Config) IsBerlin(blockNum uint64) bool {
	return c.Revision(blockNum) >= Berlin
}

func (c *Config) IsLondon(blockNum uint64) bool {
	return c.Revision(blockNum) >= London
}

// ReadChainSpec parses a json chain specification:
//
//	{
//		"chainId": 1,
//		"homesteadBlock": 1150000,
//		"eip150Block": 2463000,
//		...
//	}
func ReadChainSpec(data []byte) (*Config, error) {
	config := &Config{}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("invalid chain spec: %w", err)
	}
	if config.ChainID == nil {
		return nil, fmt.Errorf("invalid chain spec: missing chainId")
	}
	return config, nil
}

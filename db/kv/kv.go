// Copyright 2022 The Erigon Authors
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

import (
	"context"
)

/*
Naming:
 tx - database transaction
 txn - chain transaction
 blockNum - block number
 k, v - key, value
 Table - collection of key-value pairs. Keys are sorted and unique.
 Cursor - low-level api to navigate over a Table

Lifetime: read data is valid until the end of the transaction.
*/

type Closer interface {
	Close()
}

// RoDB - common abstraction over the read-only side of the store.
//
// Example:
//
//	tx, err := db.BeginRo(ctx)
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback() // it's safe to Rollback after Commit
type RoDB interface {
	Closer

	BeginRo(ctx context.Context) (Tx, error)

	// View opens a short-living read-only transaction around f.
	View(ctx context.Context, f func(tx Tx) error) error

	AllTables() TableCfg
}

type RwDB interface {
	RoDB

	// Update opens a short-living read-write transaction around f and
	// commits it if f returns nil.
	Update(ctx context.Context, f func(tx RwTx) error) error

	// BeginRw - creates transaction.
	// A write transaction and its cursors must only be used by a single
	// goroutine; BeginRw locks the goroutine to its OS thread until
	// Commit/Rollback.
	BeginRw(ctx context.Context) (RwTx, error)
}

type Getter interface {
	// Has indicates whether a key exists in the given table.
	Has(table string, key []byte) (bool, error)

	// GetOne references a read-only section of memory that must not be
	// accessed after the transaction has terminated.
	GetOne(table string, key []byte) (val []byte, err error)

	// ForEach iterates over entries with keys greater or equal to fromPrefix.
	ForEach(table string, fromPrefix []byte, walker func(k, v []byte) error) error
}

// Putter wraps the database write operations.
type Putter interface {
	// Put inserts or updates a single entry.
	Put(table string, k, v []byte) error

	// Delete removes a single entry.
	Delete(table string, k []byte) error

	// Append - append the given key/data pair to the end of the table.
	// Allows fast bulk loading when keys are already known to be in the
	// correct order.
	Append(table string, k, v []byte) error

	// IncrementSequence - auto-increment generator, one sequence per table.
	// Returns the value before the increment.
	IncrementSequence(table string, amount uint64) (uint64, error)
}

// Tx
// WARNING:
//   - Tx is not threadsafe and may only be used in the goroutine that created it
type Tx interface {
	Getter

	// Cursor - creates a cursor object on top of the given table.
	Cursor(table string) (Cursor, error)

	// ReadSequence returns the current sequence value without incrementing it.
	ReadSequence(table string) (uint64, error)

	// Rollback - abandon all the operations of the transaction instead of saving them.
	Rollback()
}

// RwTx
// WARNING:
//   - RwTx is not threadsafe and may only be used in the goroutine that created it.
//   - The goroutine can't call runtime.UnlockOSThread until Commit/Rollback.
type RwTx interface {
	Tx
	Putter

	RwCursor(table string) (RwCursor, error)

	// Commit all the operations of a transaction into the database.
	Commit() error
}

// Cursor - low-level api to navigate through a db table.
// If methods like First/Seek/Next return a nil key the end of the table
// has been reached or the sought key does not exist.
//
// Example iterate over a table:
//
//	c, _ := tx.Cursor(tableName)
//	defer c.Close()
//	for k, v, err := c.First(); k != nil; k, v, err = c.Next() {
//		if err != nil {
//			return err
//		}
//		// logic using k and v
//	}
type Cursor interface {
	First() ([]byte, []byte, error)               // First - position at first key/data item
	Seek(seek []byte) ([]byte, []byte, error)     // Seek - position at first key greater than or equal to specified key
	SeekExact(key []byte) ([]byte, []byte, error) // SeekExact - position at exact matching key if exists
	Next() ([]byte, []byte, error)                // Next - position at next key/value
	Prev() ([]byte, []byte, error)                // Prev - position at previous key
	Last() ([]byte, []byte, error)                // Last - position at last key
	Current() ([]byte, []byte, error)             // Current - return key/data at current cursor position

	Close()
}

type RwCursor interface {
	Cursor

	Put(k, v []byte) error // Put - insert or update a single entry
	// Append - append the given key/data pair to the end of the table.
	// This option allows fast bulk loading when keys are already known to
	// be in the correct order.
	Append(k, v []byte) error
	Delete(k []byte) error // Delete - SeekExact+DeleteCurrent

	// DeleteCurrent deletes the key/data pair to which the cursor refers.
	// This does not invalidate the cursor, so Next can still be used on it.
	DeleteCurrent() error
}

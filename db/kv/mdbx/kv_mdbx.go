package mdbx

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/erigontech/mdbx-go/mdbx"
	"github.com/ledgerwatch/log/v3"

	"github.com/AndreaLanfranchi/silkworm/db/kv"
)

const pageSize = 4 * 1024

type TableCfgFunc func(defaultTables kv.TableCfg) kv.TableCfg

func WithChaindataTables(defaultTables kv.TableCfg) kv.TableCfg {
	return defaultTables
}

type MdbxOpts struct {
	log        log.Logger
	tableCfg   TableCfgFunc
	path       string
	inMem      bool
	label      string
	mapSize    datasize.ByteSize
	growthStep datasize.ByteSize
	flags      uint
	verbosity  int
}

func NewMDBX(logger log.Logger) MdbxOpts {
	return MdbxOpts{
		log:        logger,
		tableCfg:   WithChaindataTables,
		label:      "chaindata",
		flags:      mdbx.NoReadahead | mdbx.Coalesce | mdbx.Durable,
		growthStep: 2 * datasize.GB,
		verbosity:  -1,
	}
}

func (opts MdbxOpts) Path(path string) MdbxOpts {
	opts.path = path
	return opts
}

func (opts MdbxOpts) Label(label string) MdbxOpts {
	opts.label = label
	return opts
}

func (opts MdbxOpts) InMem(tmpDir string) MdbxOpts {
	opts.inMem = true
	opts.path = tmpDir
	opts.flags = mdbx.UtterlyNoSync | mdbx.NoMetaSync | mdbx.NoReadahead | mdbx.Coalesce
	opts.growthStep = 2 * datasize.MB
	return opts
}

func (opts MdbxOpts) Exclusive() MdbxOpts {
	opts.flags = opts.flags | mdbx.Exclusive
	return opts
}

func (opts MdbxOpts) Readonly() MdbxOpts {
	opts.flags = opts.flags | mdbx.Readonly
	return opts
}

func (opts MdbxOpts) Flags(f func(uint) uint) MdbxOpts {
	opts.flags = f(opts.flags)
	return opts
}

func (opts MdbxOpts) MapSize(sz datasize.ByteSize) MdbxOpts {
	opts.mapSize = sz
	return opts
}

func (opts MdbxOpts) GrowthStep(sz datasize.ByteSize) MdbxOpts {
	opts.growthStep = sz
	return opts
}

func (opts MdbxOpts) DBVerbosity(v int) MdbxOpts {
	opts.verbosity = v
	return opts
}

func (opts MdbxOpts) WithTableCfg(f TableCfgFunc) MdbxOpts {
	opts.tableCfg = f
	return opts
}

const readersLimit = 32000 // MDBX_READERS_LIMIT=32767

func (opts MdbxOpts) Open() (kv.RwDB, error) {
	env, err := mdbx.NewEnv()
	if err != nil {
		return nil, err
	}
	if opts.verbosity != -1 {
		if err = env.SetDebug(mdbx.LogLvl(opts.verbosity), mdbx.DbgDoNotChange, mdbx.LoggerDoNotChange); err != nil {
			return nil, fmt.Errorf("db verbosity set: %w", err)
		}
	}
	if err = env.SetOption(mdbx.OptMaxDB, 100); err != nil {
		return nil, err
	}
	if err = env.SetOption(mdbx.OptMaxReaders, readersLimit); err != nil {
		return nil, err
	}

	if opts.mapSize == 0 {
		if opts.inMem {
			opts.mapSize = 512 * datasize.MB
		} else {
			opts.mapSize = 2 * datasize.TB
		}
	}
	if opts.flags&mdbx.Accede == 0 {
		if err = env.SetGeometry(-1, -1, int(opts.mapSize), int(opts.growthStep), -1, pageSize); err != nil {
			return nil, err
		}
		if err = env.SetOption(mdbx.OptRpAugmentLimit, 32*1024*1024); err != nil {
			return nil, err
		}
		if err = os.MkdirAll(opts.path, 0744); err != nil {
			return nil, fmt.Errorf("could not create dir: %s, %w", opts.path, err)
		}
	}

	if err = env.Open(opts.path, opts.flags, 0664); err != nil {
		return nil, fmt.Errorf("%w, path: %s", err, opts.path)
	}

	db := &MdbxKV{
		opts:   opts,
		env:    env,
		log:    opts.log.New("mdbx", filepath.Base(opts.path)),
		wg:     &sync.WaitGroup{},
		tables: map[string]mdbx.DBI{},
	}

	customTables := opts.tableCfg(kv.ChaindataTablesCfg)
	names := kv.SortedTables(customTables)

	// Open or create tables
	if opts.flags&mdbx.Readonly != 0 {
		tx, beginErr := env.BeginTxn(nil, mdbx.Readonly)
		if beginErr != nil {
			return nil, beginErr
		}
		for _, name := range names {
			dbi, openErr := tx.OpenDBISimple(name, 0)
			if openErr != nil {
				if mdbx.IsNotFound(openErr) {
					continue // table doesn't exist yet, will be visible as empty
				}
				tx.Abort()
				return nil, fmt.Errorf("table: %s, %w", name, openErr)
			}
			db.tables[name] = dbi
		}
		if _, err = tx.Commit(); err != nil {
			return nil, err
		}
	} else {
		if err = env.Update(func(tx *mdbx.Txn) error {
			for _, name := range names {
				dbi, createErr := tx.OpenDBISimple(name, mdbx.Create)
				if createErr != nil {
					return fmt.Errorf("create table: %s, %w", name, createErr)
				}
				db.tables[name] = dbi
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if !opts.inMem {
		if staleReaders, err := env.ReaderCheck(); err != nil {
			db.log.Error("failed ReaderCheck", "err", err)
		} else if staleReaders > 0 {
			db.log.Debug("cleared reader slots from dead processes", "amount", staleReaders)
		}
	}
	return db, nil
}

func (opts MdbxOpts) MustOpen() kv.RwDB {
	db, err := opts.Open()
	if err != nil {
		panic(fmt.Errorf("fail to open mdbx: %w", err))
	}
	return db
}

type MdbxKV struct {
	env    *mdbx.Env
	log    log.Logger
	wg     *sync.WaitGroup
	tables map[string]mdbx.DBI
	opts   MdbxOpts
}

// Close closes the db.
// All transactions must be closed before closing the database.
func (db *MdbxKV) Close() {
	if db.env == nil {
		return
	}
	db.wg.Wait()
	db.env.Close()
	db.env = nil

	if db.opts.inMem {
		if err := os.RemoveAll(db.opts.path); err != nil {
			db.log.Warn("failed to remove in-mem db file", "err", err)
		}
	}
}

func (db *MdbxKV) AllTables() kv.TableCfg {
	return db.opts.tableCfg(kv.ChaindataTablesCfg)
}

func (db *MdbxKV) BeginRo(_ context.Context) (txn kv.Tx, err error) {
	if db.env == nil {
		return nil, fmt.Errorf("db closed")
	}
	defer func() {
		if err == nil {
			db.wg.Add(1)
		}
	}()

	tx, err := db.env.BeginTxn(nil, mdbx.Readonly)
	if err != nil {
		return nil, err
	}
	tx.RawRead = true
	return &MdbxTx{
		db:       db,
		tx:       tx,
		readOnly: true,
	}, nil
}

func (db *MdbxKV) BeginRw(_ context.Context) (txn kv.RwTx, err error) {
	if db.env == nil {
		return nil, fmt.Errorf("db closed")
	}
	runtime.LockOSThread()
	defer func() {
		if err == nil {
			db.wg.Add(1)
		}
	}()

	tx, err := db.env.BeginTxn(nil, 0)
	if err != nil {
		runtime.UnlockOSThread() // unlock only in case of error. normal flow is "defer .Rollback()"
		return nil, err
	}
	tx.RawRead = true
	return &MdbxTx{
		db: db,
		tx: tx,
	}, nil
}

func (db *MdbxKV) View(ctx context.Context, f func(tx kv.Tx) error) (err error) {
	tx, err := db.BeginRo(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	return f(tx)
}

func (db *MdbxKV) Update(ctx context.Context, f func(tx kv.RwTx) error) (err error) {
	tx, err := db.BeginRw(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err = f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type MdbxTx struct {
	tx               *mdbx.Txn
	db               *MdbxKV
	statelessCursors map[string]kv.RwCursor
	readOnly         bool
	cursors          []*mdbx.Cursor
}

func (tx *MdbxTx) dbi(table string) (mdbx.DBI, error) {
	dbi, ok := tx.db.tables[table]
	if !ok {
		return 0, fmt.Errorf("table: %s, not present in the database", table)
	}
	return dbi, nil
}

func (tx *MdbxTx) Commit() error {
	if tx.tx == nil {
		return nil
	}
	defer func() {
		tx.tx = nil
		tx.db.wg.Done()
		if !tx.readOnly {
			runtime.UnlockOSThread()
		}
	}()
	tx.closeCursors()

	latency, err := tx.tx.Commit()
	if err != nil {
		return err
	}
	if latency.Whole > 10*time.Second {
		tx.db.log.Info("Commit",
			"preparation", latency.Preparation,
			"write", latency.Write,
			"fsync", latency.Sync,
			"whole", latency.Whole,
		)
	}
	return nil
}

func (tx *MdbxTx) Rollback() {
	if tx.tx == nil {
		return
	}
	defer func() {
		tx.tx = nil
		tx.db.wg.Done()
		if !tx.readOnly {
			runtime.UnlockOSThread()
		}
	}()
	tx.closeCursors()
	tx.tx.Abort()
}

func (tx *MdbxTx) closeCursors() {
	for _, c := range tx.cursors {
		if c != nil {
			c.Close()
		}
	}
	tx.cursors = nil
	tx.statelessCursors = nil
}

func (tx *MdbxTx) statelessCursor(table string) (kv.RwCursor, error) {
	if tx.statelessCursors == nil {
		tx.statelessCursors = make(map[string]kv.RwCursor)
	}
	c, ok := tx.statelessCursors[table]
	if !ok {
		var err error
		c, err = tx.RwCursor(table)
		if err != nil {
			return nil, err
		}
		tx.statelessCursors[table] = c
	}
	return c, nil
}

func (tx *MdbxTx) Put(table string, k, v []byte) error {
	c, err := tx.statelessCursor(table)
	if err != nil {
		return err
	}
	return c.Put(k, v)
}

func (tx *MdbxTx) Delete(table string, k []byte) error {
	c, err := tx.statelessCursor(table)
	if err != nil {
		return err
	}
	return c.Delete(k)
}

func (tx *MdbxTx) Append(table string, k, v []byte) error {
	c, err := tx.statelessCursor(table)
	if err != nil {
		return err
	}
	return c.Append(k, v)
}

func (tx *MdbxTx) GetOne(table string, k []byte) ([]byte, error) {
	c, err := tx.statelessCursor(table)
	if err != nil {
		return nil, err
	}
	_, v, err := c.SeekExact(k)
	return v, err
}

func (tx *MdbxTx) Has(table string, key []byte) (bool, error) {
	c, err := tx.statelessCursor(table)
	if err != nil {
		return false, err
	}
	k, _, err := c.Seek(key)
	if err != nil {
		return false, err
	}
	return bytes.Equal(key, k), nil
}

func (tx *MdbxTx) ForEach(table string, fromPrefix []byte, walker func(k, v []byte) error) error {
	c, err := tx.Cursor(table)
	if err != nil {
		return err
	}
	defer c.Close()

	for k, v, err := c.Seek(fromPrefix); k != nil; k, v, err = c.Next() {
		if err != nil {
			return err
		}
		if err := walker(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (tx *MdbxTx) IncrementSequence(table string, amount uint64) (uint64, error) {
	c, err := tx.statelessCursor(kv.Sequence)
	if err != nil {
		return 0, err
	}
	_, v, err := c.SeekExact([]byte(table))
	if err != nil {
		return 0, err
	}

	var currentV uint64
	if len(v) > 0 {
		currentV = binary.BigEndian.Uint64(v)
	}

	newVBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(newVBytes, currentV+amount)
	if err = c.Put([]byte(table), newVBytes); err != nil {
		return 0, err
	}
	return currentV, nil
}

func (tx *MdbxTx) ReadSequence(table string) (uint64, error) {
	c, err := tx.statelessCursor(kv.Sequence)
	if err != nil {
		return 0, err
	}
	_, v, err := c.SeekExact([]byte(table))
	if err != nil {
		return 0, err
	}

	var currentV uint64
	if len(v) > 0 {
		currentV = binary.BigEndian.Uint64(v)
	}
	return currentV, nil
}

func (tx *MdbxTx) RwCursor(table string) (kv.RwCursor, error) {
	dbi, err := tx.dbi(table)
	if err != nil {
		return nil, err
	}
	c := &MdbxCursor{tableName: table, tx: tx, dbi: dbi}
	c.c, err = tx.tx.OpenCursor(dbi)
	if err != nil {
		return nil, fmt.Errorf("table: %s, %w", table, err)
	}

	// add to auto-cleanup on end of transaction
	tx.cursors = append(tx.cursors, c.c)
	return c, nil
}

func (tx *MdbxTx) Cursor(table string) (kv.Cursor, error) {
	return tx.RwCursor(table)
}

type MdbxCursor struct {
	tableName string
	tx        *MdbxTx
	c         *mdbx.Cursor
	dbi       mdbx.DBI
}

// methods here help to see a better pprof picture
func (c *MdbxCursor) set(k []byte) ([]byte, []byte, error) { return c.c.Get(k, nil, mdbx.Set) }
func (c *MdbxCursor) getCurrent() ([]byte, []byte, error)  { return c.c.Get(nil, nil, mdbx.GetCurrent) }
func (c *MdbxCursor) first() ([]byte, []byte, error)       { return c.c.Get(nil, nil, mdbx.First) }
func (c *MdbxCursor) next() ([]byte, []byte, error)        { return c.c.Get(nil, nil, mdbx.Next) }
func (c *MdbxCursor) prev() ([]byte, []byte, error)        { return c.c.Get(nil, nil, mdbx.Prev) }
func (c *MdbxCursor) last() ([]byte, []byte, error)        { return c.c.Get(nil, nil, mdbx.Last) }
func (c *MdbxCursor) setRange(k []byte) ([]byte, []byte, error) {
	return c.c.Get(k, nil, mdbx.SetRange)
}
func (c *MdbxCursor) delCurrent() error        { return c.c.Del(mdbx.Current) }
func (c *MdbxCursor) put(k, v []byte) error    { return c.c.Put(k, v, 0) }
func (c *MdbxCursor) append(k, v []byte) error { return c.c.Put(k, v, mdbx.Append) }

func (c *MdbxCursor) First() ([]byte, []byte, error) {
	k, v, err := c.first()
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return []byte{}, nil, fmt.Errorf("cursor.First(): %w, table: %s", err, c.tableName)
	}
	return k, v, nil
}

func (c *MdbxCursor) Last() ([]byte, []byte, error) {
	k, v, err := c.last()
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return []byte{}, nil, fmt.Errorf("cursor.Last(): %w, table: %s", err, c.tableName)
	}
	return k, v, nil
}

func (c *MdbxCursor) Seek(seek []byte) (k, v []byte, err error) {
	if len(seek) == 0 {
		k, v, err = c.first()
	} else {
		k, v, err = c.setRange(seek)
	}
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return []byte{}, nil, fmt.Errorf("cursor.Seek(): %w, table: %s, key: %x", err, c.tableName, seek)
	}
	return k, v, nil
}

func (c *MdbxCursor) SeekExact(key []byte) ([]byte, []byte, error) {
	k, v, err := c.set(key)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return []byte{}, nil, fmt.Errorf("cursor.SeekExact(): %w, table: %s, key: %x", err, c.tableName, key)
	}
	return k, v, nil
}

func (c *MdbxCursor) Next() (k, v []byte, err error) {
	k, v, err = c.next()
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return []byte{}, nil, fmt.Errorf("cursor.Next(): %w, table: %s", err, c.tableName)
	}
	return k, v, nil
}

func (c *MdbxCursor) Prev() (k, v []byte, err error) {
	k, v, err = c.prev()
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return []byte{}, nil, fmt.Errorf("cursor.Prev(): %w, table: %s", err, c.tableName)
	}
	return k, v, nil
}

// Current - return key/data at current cursor position
func (c *MdbxCursor) Current() ([]byte, []byte, error) {
	k, v, err := c.getCurrent()
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return []byte{}, nil, err
	}
	return k, v, nil
}

func (c *MdbxCursor) Put(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("cursor.Put: empty key, table: %s", c.tableName)
	}
	if err := c.put(key, value); err != nil {
		return fmt.Errorf("cursor.Put: %w, table: %s, key: %x", err, c.tableName, key)
	}
	return nil
}

// Append - append the given key/data pair to the end of the database.
// This option allows fast bulk loading when keys are already known to be in the correct order.
func (c *MdbxCursor) Append(k, v []byte) error {
	if len(k) == 0 {
		return fmt.Errorf("cursor.Append: empty key, table: %s", c.tableName)
	}
	if err := c.append(k, v); err != nil {
		return fmt.Errorf("cursor.Append: %w, table: %s, key: %x", err, c.tableName, k)
	}
	return nil
}

func (c *MdbxCursor) Delete(k []byte) error {
	_, _, err := c.set(k)
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil
		}
		return err
	}
	return c.delCurrent()
}

// DeleteCurrent deletes the key/data pair to which the cursor refers.
// This does not invalidate the cursor, so operations such as Next
// can still be used on it.
func (c *MdbxCursor) DeleteCurrent() error {
	return c.delCurrent()
}

func (c *MdbxCursor) Close() {
	if c.c != nil {
		c.c.Close()
		c.c = nil
	}
}

package etl

import (
	"container/heap"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/ledgerwatch/log/v3"
	"github.com/ugorji/go/codec"

	"github.com/AndreaLanfranchi/silkworm/common"
	"github.com/AndreaLanfranchi/silkworm/db/kv"
)

// Collector performs the "T" and "L" of an ETL: entries are accumulated in
// append order, spilled to sorted temp files when over the memory budget and
// streamed into a table cursor in globally sorted order on Load.
type Collector struct {
	logPrefix     string
	tmpdir        string
	buf           Buffer
	encoder       *codec.Encoder
	dataProviders []dataProvider
	logger        log.Logger

	bytesSize  int
	allFlushed bool

	mu      sync.Mutex
	loadKey string
}

func NewCollector(logPrefix, tmpdir string, sortableBuffer Buffer, logger log.Logger) *Collector {
	return &Collector{
		logPrefix: logPrefix,
		tmpdir:    tmpdir,
		buf:       sortableBuffer,
		encoder:   codec.NewEncoder(nil, &cbor),
		logger:    logger,
	}
}

func (c *Collector) Collect(k, v []byte) error {
	c.buf.Put(common.CopyBytes(k), common.CopyBytes(v))
	c.bytesSize += len(k) + len(v)
	if c.buf.CheckFlushSize() {
		if err := c.flushBuffer(false); err != nil {
			return err
		}
	}
	return nil
}

// Empty reports whether nothing has been collected (or everything was disposed).
func (c *Collector) Empty() bool {
	return c.buf.Len() == 0 && len(c.dataProviders) == 0
}

// BytesSize - total payload collected so far, including spilled entries.
func (c *Collector) BytesSize() int { return c.bytesSize }

// LoadKey - the key most recently handed to the target cursor, for progress reporting.
func (c *Collector) LoadKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadKey
}

func (c *Collector) setLoadKey(k []byte) {
	c.mu.Lock()
	c.loadKey = makeCurrentKeyStr(k)
	c.mu.Unlock()
}

func (c *Collector) flushBuffer(canStoreInRAM bool) error {
	if c.buf.Len() == 0 {
		return nil
	}
	var provider dataProvider
	var err error
	if canStoreInRAM && len(c.dataProviders) == 0 {
		c.buf.Sort()
		provider = KeepInRAM(c.buf)
		c.allFlushed = true
	} else {
		provider, err = FlushToDisk(c.encoder, c.buf, c.tmpdir)
	}
	if err != nil {
		return err
	}
	if provider != nil {
		c.dataProviders = append(c.dataProviders, provider)
	}
	return nil
}

// Load globally sorts all accumulated entries and streams them into toTable.
// With args.Append the keys must arrive in strictly ascending order, which
// lets the store use its bulk append fast path.
func (c *Collector) Load(tx kv.RwTx, toTable string, loadFunc LoadFunc, args TransformArgs) error {
	defer c.Close()
	if !c.allFlushed {
		if err := c.flushBuffer(true); err != nil {
			return err
		}
	}

	cursor, err := tx.RwCursor(toTable)
	if err != nil {
		return err
	}
	defer cursor.Close()

	logEvery := time.NewTicker(30 * time.Second)
	defer logEvery.Stop()

	loadNextFunc := func(_, k, v []byte) error {
		select {
		default:
		case <-logEvery.C:
			logArgs := []interface{}{"into", toTable}
			if args.LogDetailsLoad != nil {
				logArgs = append(logArgs, args.LogDetailsLoad(k, v)...)
			} else {
				logArgs = append(logArgs, "current_key", makeCurrentKeyStr(k))
			}
			c.logger.Info(fmt.Sprintf("[%s] ETL [2/2] Loading", c.logPrefix), logArgs...)
		}
		c.setLoadKey(k)
		if len(v) == 0 {
			return cursor.Delete(k)
		}
		if args.Append {
			return cursor.Append(k, v)
		}
		return cursor.Put(k, v)
	}

	return c.mergeAndLoad(loadFunc, loadNextFunc, args.Quit)
}

func (c *Collector) mergeAndLoad(loadFunc LoadFunc, loadNextFunc LoadNextFunc, quit <-chan struct{}) error {
	decoder := codec.NewDecoder(nil, &cbor)
	h := &Heap{}
	heap.Init(h)
	for i, provider := range c.dataProviders {
		if key, value, err := provider.Next(decoder); err == nil {
			heap.Push(h, HeapElem{key, i, value})
		} else if !errors.Is(err, io.EOF) {
			return fmt.Errorf("error reading first element of provider %d: %w", i, err)
		}
	}

	i := 0
	for h.Len() > 0 {
		if i&1023 == 0 {
			if err := common.Stopped(quit); err != nil {
				return err
			}
		}
		i++

		element := (heap.Pop(h)).(HeapElem)
		provider := c.dataProviders[element.TimeIdx]
		if err := loadFunc(element.Key, element.Value, loadNextFunc); err != nil {
			return err
		}
		if key, value, err := provider.Next(decoder); err == nil {
			element.Key, element.Value = key, value
			heap.Push(h, element)
		} else if !errors.Is(err, io.EOF) {
			return fmt.Errorf("error while reading next element from disk: %w", err)
		}
	}
	return nil
}

// Close disposes all providers and removes their temp files.
func (c *Collector) Close() {
	totalSize := uint64(0)
	for _, p := range c.dataProviders {
		providerSize, err := p.Dispose()
		if err != nil {
			c.logger.Warn(fmt.Sprintf("[%s] etl: error while disposing provider", c.logPrefix), "provider", p, "err", err)
		}
		totalSize += providerSize
	}
	c.dataProviders = nil
	c.buf.Reset()
	c.allFlushed = false
	if totalSize > 0 {
		c.logger.Info(fmt.Sprintf("[%s] etl: temp files removed", c.logPrefix), "total_size", datasize.ByteSize(totalSize).HumanReadable())
	}
}

package etl

import (
	"bytes"
	"sort"

	"github.com/c2h5oh/datasize"
)

type sortableBufferEntry struct {
	key   []byte
	value []byte
}

type Buffer interface {
	Put(k, v []byte)
	Get(i int) sortableBufferEntry
	Len() int
	Size() int
	CheckFlushSize() bool
	Sort()
	Reset()
}

func NewSortableBuffer(optimalSize datasize.ByteSize) *sortableBuffer {
	return &sortableBuffer{
		optimalSize: int(optimalSize.Bytes()),
	}
}

type sortableBuffer struct {
	entries     []sortableBufferEntry
	size        int
	optimalSize int
}

func (b *sortableBuffer) Put(k, v []byte) {
	b.size += len(k) + len(v)
	b.entries = append(b.entries, sortableBufferEntry{k, v})
}

func (b *sortableBuffer) Size() int { return b.size }

func (b *sortableBuffer) Len() int { return len(b.entries) }

func (b *sortableBuffer) Less(i, j int) bool {
	return bytes.Compare(b.entries[i].key, b.entries[j].key) < 0
}

func (b *sortableBuffer) Swap(i, j int) {
	b.entries[i], b.entries[j] = b.entries[j], b.entries[i]
}

func (b *sortableBuffer) Get(i int) sortableBufferEntry { return b.entries[i] }

func (b *sortableBuffer) CheckFlushSize() bool {
	return b.size >= b.optimalSize
}

func (b *sortableBuffer) Sort() {
	sort.Stable(b)
}

func (b *sortableBuffer) Reset() {
	b.entries = b.entries[:0] // keep the capacity
	b.size = 0
}

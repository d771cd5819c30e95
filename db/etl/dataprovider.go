package etl

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/ugorji/go/codec"
)

type dataProvider interface {
	Next(decoder *codec.Decoder) ([]byte, []byte, error)
	Dispose() (uint64, error) // returns the size of the underlying file, if any
}

type fileDataProvider struct {
	file   *os.File
	reader io.Reader
}

// FlushToDisk sorts the buffer and spills it into a temp file, one CBOR
// encoded [key, value] pair per entry, in key order.
func FlushToDisk(encoder *codec.Encoder, b Buffer, tmpdir string) (dataProvider, error) {
	if b.Len() == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(tmpdir, 0755); err != nil {
		return nil, fmt.Errorf("could not create temp dir: %w", err)
	}
	bufferFile, err := os.CreateTemp(tmpdir, "erigon-sortable-buf-")
	if err != nil {
		return nil, err
	}
	defer b.Reset()

	b.Sort()

	w := bufio.NewWriterSize(bufferFile, bufIOSize)
	defer w.Flush() //nolint:errcheck

	encoder.Reset(w)
	var pair [2][]byte
	for i := 0; i < b.Len(); i++ {
		entry := b.Get(i)
		pair[0], pair[1] = entry.key, entry.value
		if err = encoder.Encode(&pair); err != nil {
			return nil, err
		}
	}
	return &fileDataProvider{file: bufferFile}, nil
}

func (p *fileDataProvider) Next(decoder *codec.Decoder) ([]byte, []byte, error) {
	if p.reader == nil {
		if _, err := p.file.Seek(0, 0); err != nil {
			return nil, nil, err
		}
		p.reader = bufio.NewReaderSize(p.file, bufIOSize)
	}
	// the decoder is shared across providers, re-point it at our reader
	decoder.Reset(p.reader)
	return readElementFromDisk(decoder)
}

func (p *fileDataProvider) Dispose() (uint64, error) {
	info, _ := os.Stat(p.file.Name())
	_ = p.file.Close()
	err := os.Remove(p.file.Name())
	if info == nil {
		return 0, err
	}
	return uint64(info.Size()), err
}

func (p *fileDataProvider) String() string {
	return fmt.Sprintf("%T(file: %s)", p, p.file.Name())
}

func readElementFromDisk(decoder *codec.Decoder) ([]byte, []byte, error) {
	var pair [2][]byte
	err := decoder.Decode(&pair)
	return pair[0], pair[1], err
}

const bufIOSize = 64 * 4096 // 64 pages

// KeepInRAM - the last buffer of a collector that never spilled can be served
// from memory, avoiding the file round-trip.
func KeepInRAM(buffer Buffer) dataProvider {
	return &memoryDataProvider{buffer, 0}
}

type memoryDataProvider struct {
	buffer       Buffer
	currentIndex int
}

func (p *memoryDataProvider) Next(_ *codec.Decoder) ([]byte, []byte, error) {
	if p.currentIndex >= p.buffer.Len() {
		return nil, nil, io.EOF
	}
	entry := p.buffer.Get(p.currentIndex)
	p.currentIndex++
	return entry.key, entry.value, nil
}

func (p *memoryDataProvider) Dispose() (uint64, error) {
	return 0, nil
}

func (p *memoryDataProvider) String() string {
	return fmt.Sprintf("%T(buffer.Len: %d)", p, p.buffer.Len())
}

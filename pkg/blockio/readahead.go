package blockio

import (
	"fmt"
	"io"
	"sync"
)

const (
	defaultBufferSize = 4 << 20  // read-ahead window
	defaultMaxIoSize  = 64 << 10 // one read-ahead IO
)

// SeqReader reads a device sequentially with background read-ahead.
// A worker goroutine keeps a bounded window of upcoming chunks
// buffered; Read consumes them in order. Suited to WAL scans, which
// walk the ring front to back.
type SeqReader struct {
	dev    *Device
	chunks chan seqChunk
	err    error
	cur    []byte

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type seqChunk struct {
	data []byte
	err  error
}

// NewSeqReader starts read-ahead at offsetB. bufferSize and maxIoSize
// of zero select the defaults; both must be multiples of the device
// pbs.
func NewSeqReader(dev *Device, offsetB uint64, bufferSize, maxIoSize int) (*SeqReader, error) {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if maxIoSize <= 0 {
		maxIoSize = defaultMaxIoSize
	}
	if maxIoSize > bufferSize {
		return nil, fmt.Errorf("seq reader: max io size %d exceeds buffer %d", maxIoSize, bufferSize)
	}
	pbs := int(dev.Pbs())
	if bufferSize%pbs != 0 || maxIoSize%pbs != 0 {
		return nil, fmt.Errorf("seq reader: sizes must be multiples of pbs %d", pbs)
	}
	if offsetB%uint64(pbs) != 0 {
		return nil, fmt.Errorf("seq reader: offset %d not aligned to pbs %d", offsetB, pbs)
	}

	r := &SeqReader{
		dev:    dev,
		chunks: make(chan seqChunk, bufferSize/maxIoSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.ahead(offsetB, maxIoSize)
	return r, nil
}

// ahead fills the chunk window until the device end or Close.
func (r *SeqReader) ahead(offsetB uint64, maxIoSize int) {
	defer close(r.done)
	off := offsetB
	for {
		remaining := r.dev.SizeB() - off
		if remaining == 0 {
			select {
			case r.chunks <- seqChunk{err: io.EOF}:
			case <-r.stop:
			}
			return
		}
		size := uint64(maxIoSize)
		if remaining < size {
			size = remaining
		}
		buf := make([]byte, size)
		_, err := r.dev.ReadAt(buf, int64(off))
		if err != nil {
			select {
			case r.chunks <- seqChunk{err: fmt.Errorf("read ahead at %d: %w", off, err)}:
			case <-r.stop:
			}
			return
		}
		select {
		case r.chunks <- seqChunk{data: buf}:
		case <-r.stop:
			return
		}
		off += size
	}
}

// Read implements io.Reader over the buffered stream.
func (r *SeqReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if len(r.cur) == 0 {
		chunk := <-r.chunks
		if chunk.err != nil {
			r.err = chunk.err
			return 0, r.err
		}
		r.cur = chunk.data
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

// Close stops the read-ahead worker.
func (r *SeqReader) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

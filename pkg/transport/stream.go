package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
)

// ErrPeerFailure is returned when the remote side announced an error
// through the stream control channel.
var ErrPeerFailure = errors.New("peer sent stream error")

// queueSize bounds the pipeline queues of senders and receivers.
const queueSize = 16

// streamMsg is one message of a bulk stream, possibly compressed.
// origSize is zero for uncompressed payloads.
type streamMsg struct {
	origSize uint32
	data     []byte
	compress bool // sender side: compress before shipping
}

func (m *streamMsg) uncompress() ([]byte, error) {
	if m.origSize == 0 {
		return m.data, nil
	}
	out, err := snappy.Decode(nil, m.data)
	if err != nil {
		return nil, fmt.Errorf("stream uncompress: %w", err)
	}
	if uint32(len(out)) != m.origSize {
		return nil, fmt.Errorf("stream uncompress: size %d != announced %d", len(out), m.origSize)
	}
	return out, nil
}

// Sender ships a sequence of byte messages over a connection with
// background compression: producer -> q0 -> compress worker -> q1 ->
// send worker -> socket. Push blocks when the pipeline is full.
//
// Call Sync for a clean finish or Fail to abort; either joins the
// workers.
type Sender struct {
	pkt  *Packet
	ctrl *StreamControl

	q0 *Queue[streamMsg]
	q1 *Queue[streamMsg]

	wg       sync.WaitGroup
	mu       sync.Mutex
	workErr  error
	started  bool
	finished bool
}

// NewSender wraps a connection. Call Start before pushing.
func NewSender(rw io.ReadWriter) *Sender {
	return &Sender{
		pkt:  NewPacket(rw),
		ctrl: NewStreamControl(rw),
		q0:   NewQueue[streamMsg](queueSize),
		q1:   NewQueue[streamMsg](queueSize),
	}
}

func (s *Sender) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workErr == nil {
		s.workErr = err
	}
}

// Start launches the compress and send workers.
func (s *Sender) Start() {
	if s.started {
		return
	}
	s.started = true

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.compressWorker()
	}()
	go func() {
		defer s.wg.Done()
		s.sendWorker()
	}()
}

func (s *Sender) compressWorker() {
	for {
		msg, ok, err := s.q0.Pop()
		if err != nil {
			s.q1.Fail(err)
			return
		}
		if !ok {
			s.q1.Close()
			return
		}
		if msg.compress {
			enc := snappy.Encode(nil, msg.data)
			if len(enc) < len(msg.data) {
				msg = streamMsg{origSize: uint32(len(msg.data)), data: enc}
			} else {
				msg = streamMsg{data: msg.data}
			}
		}
		if err := s.q1.Push(msg); err != nil {
			s.q0.Fail(err)
			return
		}
	}
}

func (s *Sender) sendWorker() {
	for {
		msg, ok, err := s.q1.Pop()
		if err != nil {
			_ = s.ctrl.Error()
			s.setErr(err)
			return
		}
		if !ok {
			if err := s.ctrl.End(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := s.sendMsg(msg); err != nil {
			s.setErr(err)
			s.q0.Fail(err)
			s.q1.Fail(err)
			return
		}
	}
}

func (s *Sender) sendMsg(msg streamMsg) error {
	if err := s.ctrl.Next(); err != nil {
		return err
	}
	if err := s.pkt.WriteUint32(msg.origSize); err != nil {
		return err
	}
	return s.pkt.WriteBytes(msg.data)
}

// Push enqueues one message. doCompress requests snappy compression
// in the background worker.
func (s *Sender) Push(data []byte, doCompress bool) error {
	return s.q0.Push(streamMsg{data: data, compress: doCompress})
}

// Sync closes the input, drains the pipeline, sends the end marker,
// and joins the workers.
func (s *Sender) Sync() error {
	if s.finished {
		return s.workErr
	}
	s.finished = true
	s.q0.Close()
	s.wg.Wait()
	return s.workErr
}

// Fail aborts the stream: the peer sees an error marker and both
// workers join.
func (s *Sender) Fail() {
	if s.finished {
		return
	}
	s.finished = true
	err := errors.New("sender aborted")
	s.q0.Fail(err)
	s.q1.Fail(err)
	s.wg.Wait()
}

// Receiver consumes a bulk stream: socket -> recv worker -> q0 ->
// uncompress worker -> q1 -> consumer. A peer error marker surfaces
// as ErrPeerFailure on the next Pop.
type Receiver struct {
	pkt  *Packet
	ctrl *StreamControl

	q0 *Queue[streamMsg]
	q1 *Queue[[]byte]

	wg       sync.WaitGroup
	started  bool
	finished bool
}

// NewReceiver wraps a connection. Call Start before popping.
func NewReceiver(rw io.ReadWriter) *Receiver {
	return &Receiver{
		pkt:  NewPacket(rw),
		ctrl: NewStreamControl(rw),
		q0:   NewQueue[streamMsg](queueSize),
		q1:   NewQueue[[]byte](queueSize),
	}
}

// Start launches the receive and uncompress workers.
func (r *Receiver) Start() {
	if r.started {
		return
	}
	r.started = true

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.recvWorker()
	}()
	go func() {
		defer r.wg.Done()
		r.uncompressWorker()
	}()
}

func (r *Receiver) recvWorker() {
	for {
		state, err := r.ctrl.Read()
		if err != nil {
			r.q0.Fail(err)
			return
		}
		switch state {
		case StateEnd:
			r.q0.Close()
			return
		case StateError:
			r.q0.Fail(ErrPeerFailure)
			return
		}
		var msg streamMsg
		if msg.origSize, err = r.pkt.ReadUint32(); err != nil {
			r.q0.Fail(err)
			return
		}
		if msg.data, err = r.pkt.ReadBytes(); err != nil {
			r.q0.Fail(err)
			return
		}
		if err := r.q0.Push(msg); err != nil {
			return
		}
	}
}

func (r *Receiver) uncompressWorker() {
	for {
		msg, ok, err := r.q0.Pop()
		if err != nil {
			r.q1.Fail(err)
			return
		}
		if !ok {
			r.q1.Close()
			return
		}
		data, err := msg.uncompress()
		if err != nil {
			r.q0.Fail(err)
			r.q1.Fail(err)
			return
		}
		if err := r.q1.Push(data); err != nil {
			r.q0.Fail(err)
			return
		}
	}
}

// Pop yields the next message. ok is false on a clean end of stream.
func (r *Receiver) Pop() ([]byte, bool, error) {
	data, ok, err := r.q1.Pop()
	if err != nil || !ok {
		r.join()
	}
	return data, ok, err
}

// Fail aborts consumption and joins the workers. Close the underlying
// connection first when the receive worker may be blocked on a read.
func (r *Receiver) Fail() {
	err := errors.New("receiver aborted")
	r.q0.Fail(err)
	r.q1.Fail(err)
	r.join()
}

func (r *Receiver) join() {
	if r.finished {
		return
	}
	r.finished = true
	r.wg.Wait()
}

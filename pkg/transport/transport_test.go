package transport

import (
	"bytes"
	"math/rand"
	"net"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	p := NewPacket(&buf)

	id := uuid.New()
	require.NoError(t, p.WriteString("hello"))
	require.NoError(t, p.WriteUint64(1<<40))
	require.NoError(t, p.WriteUint32(7))
	require.NoError(t, p.WriteBool(true))
	require.NoError(t, p.WriteUUID(id))
	require.NoError(t, p.WriteStrVec([]string{"a", "", "c"}))
	require.NoError(t, p.WriteAck())

	s, err := p.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
	u64, err := p.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), u64)
	u32, err := p.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), u32)
	b, err := p.ReadBool()
	require.NoError(t, err)
	assert.True(t, b)
	gotID, err := p.ReadUUID()
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	vec, err := p.ReadStrVec()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "", "c"}, vec)
	assert.NoError(t, p.ReadAck())
}

func TestQueueOrderAndClose(t *testing.T) {
	q := NewQueue[int](4)
	go func() {
		for i := 0; i < 100; i++ {
			_ = q.Push(i)
		}
		q.Close()
	}()

	for i := 0; i < 100; i++ {
		v, ok, err := q.Pop()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok, err := q.Pop()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueFailUnblocks(t *testing.T) {
	q := NewQueue[int](1)
	require.NoError(t, q.Push(1))

	var wg sync.WaitGroup
	wg.Add(1)
	var pushErr error
	go func() {
		defer wg.Done()
		pushErr = q.Push(2) // blocks: queue full
	}()

	q.Fail(assert.AnError)
	wg.Wait()
	assert.ErrorIs(t, pushErr, assert.AnError)

	_, _, err := q.Pop()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestSenderReceiverRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(31))
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	msgs := make([][]byte, 40)
	for i := range msgs {
		if i%3 == 0 {
			// compressible
			msgs[i] = bytes.Repeat([]byte{byte(i)}, 4096)
		} else {
			msgs[i] = make([]byte, 1+rnd.Intn(8192))
			rnd.Read(msgs[i])
		}
	}

	s := NewSender(client)
	s.Start()
	go func() {
		for i, m := range msgs {
			if err := s.Push(m, i%2 == 0); err != nil {
				return
			}
		}
		_ = s.Sync()
	}()

	r := NewReceiver(server)
	r.Start()
	for i := range msgs {
		got, ok, err := r.Pop()
		require.NoError(t, err, "msg %d", i)
		require.True(t, ok, "msg %d", i)
		assert.Equal(t, msgs[i], got, "msg %d", i)
	}
	_, ok, err := r.Pop()
	require.NoError(t, err)
	assert.False(t, ok, "stream must end cleanly")
}

func TestSenderFailSurfacesAtReceiver(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := NewSender(client)
	s.Start()

	r := NewReceiver(server)
	r.Start()

	require.NoError(t, s.Push([]byte("one"), false))

	got, ok, err := r.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), got)

	go s.Fail()
	_, _, err = r.Pop()
	assert.ErrorIs(t, err, ErrPeerFailure)
}

func TestStreamControlRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := NewStreamControl(&buf)
	require.NoError(t, c.Next())
	require.NoError(t, c.End())
	require.NoError(t, c.Error())

	for _, want := range []ControlState{StateNext, StateEnd, StateError} {
		got, err := c.Read()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

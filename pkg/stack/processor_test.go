package stack

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/irctrakz/wgsyncache/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInbound struct {
	mu    sync.Mutex
	got   [][]byte
	block chan struct{}
	err   error
}

func (r *recordingInbound) HandleInbound(b []byte) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, append([]byte(nil), b...))
	return r.err
}

func (r *recordingInbound) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestInboundProcessorCopiesAndDelivers(t *testing.T) {
	core.SetDebugMode(false)
	in := &recordingInbound{}
	p := NewInboundProcessor(in, 2, 16)
	require.NoError(t, p.Start())
	defer p.Stop()

	buf := []byte{0x45, 1, 2, 3}
	require.NoError(t, p.ProcessPacket(core.NewPacket(buf)))
	buf[1] = 0xee // the caller reuses its buffer straight away

	require.Eventually(t, func() bool { return in.count() == 1 }, time.Second, 5*time.Millisecond)
	in.mu.Lock()
	assert.Equal(t, []byte{0x45, 1, 2, 3}, in.got[0])
	in.mu.Unlock()
	assert.Equal(t, uint64(1), p.Metrics()["packets_queued"])
}

func TestInboundProcessorQueueFull(t *testing.T) {
	in := &recordingInbound{block: make(chan struct{})}
	p := NewInboundProcessor(in, 1, 1)
	require.NoError(t, p.Start())

	// One datagram parks in the worker, one fills the queue.
	require.NoError(t, p.ProcessPacket(core.NewPacket([]byte{1})))
	require.Eventually(t, func() bool { return p.Metrics()["queue_depth"] == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.ProcessPacket(core.NewPacket([]byte{2})))

	err := p.ProcessPacket(core.NewPacket([]byte{3}))
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, uint64(1), p.Metrics()["queue_full_drops"])

	assert.Error(t, p.ProcessPacket(core.NewPacket(nil)))

	close(in.block)
	require.Eventually(t, func() bool { return in.count() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}

func TestInboundProcessorCountsErrors(t *testing.T) {
	in := &recordingInbound{err: ErrMalformed}
	p := NewInboundProcessor(in, 0, 0)
	require.NoError(t, p.Start())
	defer p.Stop()
	require.NoError(t, p.ProcessPacket(core.NewPacket([]byte{9})))
	require.Eventually(t, func() bool { return p.Metrics()["handle_errors"] == 1 }, time.Second, 5*time.Millisecond)
}

func TestFramePool(t *testing.T) {
	b := frameGet(100)
	assert.Len(t, b, 100)
	assert.Equal(t, frameSmall, cap(b))
	framePut(b)
	big := frameGet(9000)
	assert.Equal(t, frameLarge, cap(big))
	huge := frameGet(frameLarge + 1)
	assert.Len(t, huge, frameLarge+1)
	framePut(huge)
}

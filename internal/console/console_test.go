package console

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type holder struct {
	mu   sync.Mutex
	held map[int64]string
}

func (h *holder) HoldsBuild(agentUUID string, buildID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.held[buildID] == agentUUID
}

func (h *holder) release(buildID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.held, buildID)
}

// receiverSender delivers chunks straight into a Receiver, optionally
// failing the next few calls.
type receiverSender struct {
	receiver *Receiver

	mu       sync.Mutex
	failNext int
	calls    int
}

func (s *receiverSender) Append(ctx context.Context, chunk protocol.ConsoleChunk) (protocol.ConsoleAck, error) {
	s.mu.Lock()
	s.calls++
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return protocol.ConsoleAck{}, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.receiver.Append(ctx, chunk.AgentUUID, chunk)
}

func newPipeline() (*holder, *Store, *receiverSender) {
	h := &holder{held: map[int64]string{7: "A1"}}
	store := NewStore()
	return h, store, &receiverSender{receiver: NewReceiver(store, h, nil)}
}

func TestStoreAppendInOrder(t *testing.T) {
	s := NewStore()

	next, added, err := s.Append(1, 0, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)
	assert.Equal(t, 2, added)

	// Overlapping retry only adds the new tail.
	next, added, err = s.Append(1, 1, []string{"b", "c"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), next)
	assert.Equal(t, 1, added)

	next, added, err = s.Append(1, 0, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), next)
	assert.Zero(t, added)

	assert.Equal(t, []string{"a", "b", "c"}, s.Lines(1, 0))
	assert.Equal(t, []string{"c"}, s.Lines(1, 2))
	assert.Empty(t, s.Lines(1, 3))
	assert.Empty(t, s.Lines(2, 0))
}

func TestStoreRefusesGaps(t *testing.T) {
	s := NewStore()
	_, _, err := s.Append(1, 0, []string{"a"})
	require.NoError(t, err)

	next, _, err := s.Append(1, 5, []string{"f"})
	assert.ErrorIs(t, err, ErrSequenceGap)
	assert.Equal(t, int64(1), next)

	_, _, err = s.Append(1, -1, []string{"x"})
	assert.ErrorIs(t, err, ErrInvalidChunk)

	s.Delete(1)
	assert.Zero(t, s.NextSeq(1))
}

func TestReceiverChecksCallerAndHolder(t *testing.T) {
	h, store, _ := newPipeline()
	r := NewReceiver(store, h, nil)
	ctx := context.Background()
	chunk := protocol.ConsoleChunk{AgentUUID: "A1", BuildID: 7, Seq: 0, Lines: []string{"hello"}}

	_, err := r.Append(ctx, "A2", chunk)
	assert.ErrorIs(t, err, ErrIdentityMismatch)
	assert.Zero(t, store.NextSeq(7))

	ack, err := r.Append(ctx, "A1", chunk)
	require.NoError(t, err)
	assert.Equal(t, protocol.ConsoleAck{NextSeq: 1}, ack)

	h.release(7)
	chunk.Seq = 1
	ack, err = r.Append(ctx, "A1", chunk)
	require.NoError(t, err)
	assert.True(t, ack.Ignored)
	assert.Equal(t, []string{"hello"}, store.Lines(7, 0))
}

func TestTransmitterFlushDeliversInOrder(t *testing.T) {
	_, store, sender := newPipeline()
	tr := NewTransmitter(sender, "A1", 7, TransmitterConfig{MaxBatchLines: 3})

	for i := 0; i < 10; i++ {
		tr.ConsumeLine(fmt.Sprintf("line %d", i))
	}
	require.NoError(t, tr.Flush(context.Background()))

	assert.Zero(t, tr.Pending())
	assert.Equal(t, 4, sender.calls)
	lines := store.Lines(7, 0)
	require.Len(t, lines, 10)
	for i, line := range lines {
		assert.Equal(t, fmt.Sprintf("line %d", i), line)
	}
}

func TestTransmitterKeepsUnackedLinesOnFailure(t *testing.T) {
	_, store, sender := newPipeline()
	sender.failNext = 1
	tr := NewTransmitter(sender, "A1", 7, TransmitterConfig{})

	tr.ConsumeLine("first")
	tr.ConsumeLine("second")
	assert.Error(t, tr.Flush(context.Background()))
	assert.Equal(t, 2, tr.Pending())
	assert.Empty(t, store.Lines(7, 0))

	tr.ConsumeLine("third")
	require.NoError(t, tr.Flush(context.Background()))
	assert.Equal(t, []string{"first", "second", "third"}, store.Lines(7, 0))
}

func TestTransmitterTruncatesOldestUnsentLines(t *testing.T) {
	_, store, sender := newPipeline()
	tr := NewTransmitter(sender, "A1", 7, TransmitterConfig{MaxBatchLines: 2, MaxBufferedLines: 3})

	for i := 0; i < 5; i++ {
		tr.ConsumeLine(fmt.Sprintf("line %d", i))
	}
	require.NoError(t, tr.Flush(context.Background()))

	assert.Equal(t, []string{
		"[console truncated: 2 lines dropped]",
		"line 2",
		"line 3",
		"line 4",
	}, store.Lines(7, 0))
}

func TestTransmitterStopsSendingWhenIgnored(t *testing.T) {
	h, store, sender := newPipeline()
	h.release(7)
	tr := NewTransmitter(sender, "A1", 7, TransmitterConfig{})

	tr.ConsumeLine("orphan")
	require.NoError(t, tr.Flush(context.Background()))
	assert.True(t, tr.Ignored())
	assert.Zero(t, tr.Pending())

	tr.ConsumeLine("more")
	assert.Zero(t, tr.Pending())
	assert.Empty(t, store.Lines(7, 0))
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Append(ctx context.Context, chunk protocol.ConsoleChunk) (protocol.ConsoleAck, error) {
	args := m.Called(chunk.Seq, len(chunk.Lines))
	return args.Get(0).(protocol.ConsoleAck), args.Error(1)
}

func TestTransmitterPartialAck(t *testing.T) {
	sender := new(mockSender)
	sender.On("Append", int64(0), 3).Return(protocol.ConsoleAck{NextSeq: 2}, nil).Once()
	sender.On("Append", int64(2), 1).Return(protocol.ConsoleAck{NextSeq: 3}, nil).Once()

	tr := NewTransmitter(sender, "A1", 7, TransmitterConfig{})
	tr.ConsumeLine("a")
	tr.ConsumeLine("b")
	tr.ConsumeLine("c")

	require.NoError(t, tr.Flush(context.Background()))
	assert.Zero(t, tr.Pending())
	sender.AssertExpectations(t)
}

func TestTransmitterStopFlushesTail(t *testing.T) {
	_, store, sender := newPipeline()
	tr := NewTransmitter(sender, "A1", 7, TransmitterConfig{FlushInterval: time.Hour})
	tr.Start()

	tr.ConsumeLine("build started")
	tr.ConsumeLine("build finished")

	require.NoError(t, tr.Stop(context.Background()))
	assert.Equal(t, []string{"build started", "build finished"}, store.Lines(7, 0))
	assert.NoError(t, tr.Stop(context.Background()))
}

func TestTransmitterStopReportsUndelivered(t *testing.T) {
	_, _, sender := newPipeline()
	sender.failNext = 1
	tr := NewTransmitter(sender, "A1", 7, TransmitterConfig{})

	tr.ConsumeLine("lost")
	err := tr.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 console lines undelivered")
}

func TestTransmitterBackgroundFlush(t *testing.T) {
	_, store, sender := newPipeline()
	tr := NewTransmitter(sender, "A1", 7, TransmitterConfig{FlushInterval: 10 * time.Millisecond})
	tr.Start()
	defer tr.Stop(context.Background())

	tr.ConsumeLine("tick")
	assert.Eventually(t, func() bool {
		return len(store.Lines(7, 0)) == 1
	}, time.Second, 5*time.Millisecond)
}

// Package console carries build console output from agents to the server.
// The agent side buffers lines per job and ships them in sequenced chunks;
// the server side keeps each build's lines in order.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/protocol"
)

const (
	DefaultFlushInterval    = 2 * time.Second
	DefaultMaxBatchLines    = 500
	DefaultMaxBufferedLines = 10000

	flushTimeout = 10 * time.Second
)

// Sender delivers one chunk to the server and returns its acknowledgement.
type Sender interface {
	Append(ctx context.Context, chunk protocol.ConsoleChunk) (protocol.ConsoleAck, error)
}

type TransmitterConfig struct {
	FlushInterval    time.Duration
	MaxBatchLines    int
	MaxBufferedLines int
}

func (c TransmitterConfig) withDefaults() TransmitterConfig {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxBatchLines <= 0 {
		c.MaxBatchLines = DefaultMaxBatchLines
	}
	if c.MaxBufferedLines < c.MaxBatchLines {
		c.MaxBufferedLines = max(DefaultMaxBufferedLines, c.MaxBatchLines)
	}
	return c
}

// Transmitter buffers the console of one job. Lines leave the buffer only
// once the server has acknowledged them, so a failed flush is retried on the
// next one without reordering.
type Transmitter struct {
	sender    Sender
	agentUUID string
	buildID   int64
	cfg       TransmitterConfig

	mu        sync.Mutex
	pending   []string
	nextSeq   int64
	truncated int
	ignored   bool
	started   bool

	flushMu  sync.Mutex
	kick     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func NewTransmitter(sender Sender, agentUUID string, buildID int64, cfg TransmitterConfig) *Transmitter {
	return &Transmitter{
		sender:    sender,
		agentUUID: agentUUID,
		buildID:   buildID,
		cfg:       cfg.withDefaults(),
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the periodic flush loop until Stop is called.
func (t *Transmitter) Start() {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	go t.loop()
}

// ConsumeLine appends one line. When the buffer is full the oldest unsent
// line is dropped and a truncation marker is sent in its place.
func (t *Transmitter) ConsumeLine(text string) {
	t.mu.Lock()
	if t.ignored {
		t.mu.Unlock()
		return
	}
	if len(t.pending) >= t.cfg.MaxBufferedLines {
		t.pending = t.pending[1:]
		t.truncated++
	}
	t.pending = append(t.pending, text)
	full := len(t.pending) >= t.cfg.MaxBatchLines
	t.mu.Unlock()

	if full {
		select {
		case t.kick <- struct{}{}:
		default:
		}
	}
}

// Pending is the number of lines not yet acknowledged by the server.
func (t *Transmitter) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Ignored reports whether the server refused the console because the job
// is no longer this agent's.
func (t *Transmitter) Ignored() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ignored
}

// Flush sends everything buffered so far, one batch at a time.
func (t *Transmitter) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	for {
		chunk, ok := t.nextChunk()
		if !ok {
			return nil
		}

		ack, err := t.sender.Append(ctx, chunk)
		if err != nil {
			return fmt.Errorf("failed to send console for build %d: %w", t.buildID, err)
		}

		if !t.acknowledge(chunk, ack) {
			return nil
		}
	}
}

func (t *Transmitter) nextChunk() (protocol.ConsoleChunk, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ignored || len(t.pending) == 0 {
		return protocol.ConsoleChunk{}, false
	}
	if t.truncated > 0 {
		marker := fmt.Sprintf("[console truncated: %d lines dropped]", t.truncated)
		t.pending = append([]string{marker}, t.pending...)
		t.truncated = 0
	}

	n := min(len(t.pending), t.cfg.MaxBatchLines)
	lines := make([]string, n)
	copy(lines, t.pending[:n])
	return protocol.ConsoleChunk{
		AgentUUID: t.agentUUID,
		BuildID:   t.buildID,
		Seq:       t.nextSeq,
		Lines:     lines,
	}, true
}

// acknowledge drops the acknowledged prefix of the buffer and reports
// whether another batch should be sent right away.
func (t *Transmitter) acknowledge(chunk protocol.ConsoleChunk, ack protocol.ConsoleAck) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ack.Ignored {
		if !t.ignored {
			slog.Info("Server ignores console of build, dropping buffered lines",
				"build_id", t.buildID,
				"dropped", len(t.pending))
		}
		t.ignored = true
		t.pending = nil
		return false
	}

	acked := int(ack.NextSeq - chunk.Seq)
	acked = max(0, min(acked, len(chunk.Lines)))
	t.pending = t.pending[acked:]
	t.nextSeq += int64(acked)
	return acked > 0
}

func (t *Transmitter) loop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-t.kick:
		case <-t.stopCh:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := t.Flush(ctx); err != nil {
			slog.Warn("Console flush failed, will retry", "build_id", t.buildID, "error", err)
		}
		cancel()
	}
}

// Stop ends the flush loop and makes one last attempt to send what is left.
// Lines that could not be delivered are reported in the error.
func (t *Transmitter) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.mu.Lock()
		started := t.started
		t.mu.Unlock()
		if started {
			select {
			case <-t.doneCh:
			case <-ctx.Done():
			}
		}

		if err := t.Flush(ctx); err != nil {
			t.stopErr = fmt.Errorf("%d console lines undelivered: %w", t.Pending(), err)
		}
	})
	return t.stopErr
}

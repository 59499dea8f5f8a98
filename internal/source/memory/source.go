// Package memory is an embedded change-event source kept in process memory.
//
// Each hosted destination owns an append-only stream. Fetching hands out the
// next entries as a batch without moving the checkpoint; acks must arrive in
// the order batches were handed out, and a rollback rewinds the stream to the
// start of the rolled back batch, discarding every batch handed out after it.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cdc-dispatch/internal/domain"
)

type pendingBatch struct {
	id    int64
	start int // absolute offset of the first entry
	end   int // absolute offset past the last entry
}

type stream struct {
	instance   domain.Instance
	hosted     bool
	subscribed map[domain.ClientIdentity]bool

	entries []domain.Entry // entries[0] is at absolute offset base
	base    int
	acked   int // absolute offset of the checkpoint
	fetched int // absolute offset of the next entry to hand out
	pending []pendingBatch

	notify chan struct{} // closed and replaced on publish
}

// Source implements domain.Source and domain.InstanceHost.
type Source struct {
	mu      sync.Mutex
	streams map[string]*stream
	nextID  int64
	logger  *slog.Logger
}

// NewSource returns an empty source.
func NewSource(logger *slog.Logger) *Source {
	return &Source{
		streams: make(map[string]*stream),
		logger:  logger.With("component", "memory-source"),
	}
}

func (s *Source) streamLocked(destination string) *stream {
	st, ok := s.streams[destination]
	if !ok {
		st = &stream{
			instance:   domain.Instance{Destination: destination},
			subscribed: make(map[domain.ClientIdentity]bool),
			notify:     make(chan struct{}),
		}
		s.streams[destination] = st
	}
	return st
}

// Host makes inst available, replacing its routing if already hosted.
func (s *Source) Host(inst domain.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streamLocked(inst.Destination)
	st.instance = inst
	st.hosted = true
	s.logger.Info("instance hosted", "destination", inst.Destination)
}

// Unhost makes a destination unavailable. Its stream and checkpoint are kept
// so that hosting it again resumes where it stopped.
func (s *Source) Unhost(destination string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[destination]; ok && st.hosted {
		st.hosted = false
		s.logger.Info("instance unhosted", "destination", destination)
	}
}

// Publish appends entries to a destination's stream. Publishing to a
// destination that is not hosted yet buffers the entries.
func (s *Source) Publish(destination string, entries ...domain.Entry) {
	if len(entries) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streamLocked(destination)
	st.entries = append(st.entries, entries...)
	close(st.notify)
	st.notify = make(chan struct{})
}

// Lookup implements domain.Source.
func (s *Source) Lookup(destination string) (*domain.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[destination]
	if !ok || !st.hosted {
		return nil, false
	}
	inst := st.instance
	return &inst, true
}

// Subscribe implements domain.Source.
func (s *Source) Subscribe(_ context.Context, id domain.ClientIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id.Destination]
	if !ok || !st.hosted {
		return fmt.Errorf("subscribe %s: %w", id.Destination, domain.ErrInstanceUnavailable)
	}
	st.subscribed[id] = true
	return nil
}

// FetchWithoutAck implements domain.Source. With timeout > 0 it waits up to
// timeout for data; otherwise it returns immediately.
func (s *Source) FetchWithoutAck(ctx context.Context, id domain.ClientIdentity, batchSize int, timeout time.Duration) (*domain.Batch, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		s.mu.Lock()
		st, err := s.readyStreamLocked(id)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if available := st.base + len(st.entries) - st.fetched; available > 0 {
			batch := s.takeLocked(st, min(available, batchSize))
			s.mu.Unlock()
			return batch, nil
		}
		notify := st.notify
		s.mu.Unlock()

		if deadline == nil {
			return &domain.Batch{ID: domain.NoBatchID}, nil
		}
		select {
		case <-notify:
		case <-deadline:
			return &domain.Batch{ID: domain.NoBatchID}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Source) readyStreamLocked(id domain.ClientIdentity) (*stream, error) {
	st, ok := s.streams[id.Destination]
	if !ok || !st.hosted {
		return nil, fmt.Errorf("fetch %s: %w", id.Destination, domain.ErrInstanceUnavailable)
	}
	if !st.subscribed[id] {
		return nil, fmt.Errorf("fetch %s: %w", id.Destination, domain.ErrNotSubscribed)
	}
	return st, nil
}

func (s *Source) takeLocked(st *stream, n int) *domain.Batch {
	s.nextID++
	start := st.fetched
	entries := make([]domain.Entry, n)
	copy(entries, st.entries[start-st.base:start-st.base+n])
	st.fetched += n
	st.pending = append(st.pending, pendingBatch{id: s.nextID, start: start, end: st.fetched})
	return &domain.Batch{ID: s.nextID, Entries: entries}
}

// Ack implements domain.Source. Only the oldest outstanding batch can be acked.
func (s *Source) Ack(_ context.Context, id domain.ClientIdentity, batchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id.Destination]
	if !ok {
		return fmt.Errorf("ack %s: %w", id.Destination, domain.ErrInstanceUnavailable)
	}
	if len(st.pending) == 0 || st.pending[0].id != batchID {
		return fmt.Errorf("ack %s batch %d: %w", id.Destination, batchID, domain.ErrUnknownBatch)
	}
	st.acked = st.pending[0].end
	st.pending = st.pending[1:]

	// drop the acknowledged prefix
	drop := st.acked - st.base
	st.entries = append([]domain.Entry(nil), st.entries[drop:]...)
	st.base = st.acked
	return nil
}

// Rollback implements domain.Source.
func (s *Source) Rollback(_ context.Context, id domain.ClientIdentity, batchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id.Destination]
	if !ok {
		return fmt.Errorf("rollback %s: %w", id.Destination, domain.ErrInstanceUnavailable)
	}
	for i, p := range st.pending {
		if p.id == batchID {
			st.fetched = p.start
			st.pending = st.pending[:i]
			return nil
		}
	}
	return fmt.Errorf("rollback %s batch %d: %w", id.Destination, batchID, domain.ErrUnknownBatch)
}

// Checkpoint returns the acknowledged and handed-out offsets of a destination.
func (s *Source) Checkpoint(destination string) (acked, fetched int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[destination]; ok {
		return st.acked, st.fetched
	}
	return 0, 0
}

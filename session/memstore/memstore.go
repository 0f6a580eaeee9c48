// Package memstore implements session.Store in process memory. Records are
// lost on restart and are not shared between instances, so it is intended for
// development and tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/dpup/authrelay/session"
)

// Option configures the store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithSweepInterval starts a background sweep that drops expired records. Get
// never returns expired records either way; the sweep only bounds memory.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = d
	}
}

// New returns an empty in-memory store. Call Close to stop the sweeper.
func New(opts ...Option) *Store {
	s := &Store{
		data: map[string]session.Record{},
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		go s.sweepLoop()
	}
	return s
}

// Store is an in-memory session.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string]session.Record

	now           func() time.Time
	sweepInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

var _ session.Store = (*Store)(nil)

func (s *Store) Put(ctx context.Context, subject, token string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := session.NewRecord(subject, token, ttl, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[subject] = rec
	return nil
}

func (s *Store) Get(ctx context.Context, subject string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[subject]
	if !ok || rec.Expired(s.now()) {
		return "", false, nil
	}
	return rec.Token, true, nil
}

func (s *Store) Delete(ctx context.Context, subject string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, subject)
	return nil
}

// Len returns the number of records held, including expired ones that have
// not been swept yet.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Sweep removes expired records and returns how many were dropped.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for subject, rec := range s.data {
		if rec.Expired(now) {
			delete(s.data, subject)
			n++
		}
	}
	return n
}

// Close stops the background sweeper. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

func (s *Store) sweepLoop() {
	t := time.NewTicker(s.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

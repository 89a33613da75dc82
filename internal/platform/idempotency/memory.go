package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps reservations in process. It backs single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	clock   func() time.Time
	records map[string]memoryRecord
}

type memoryRecord struct {
	fingerprint string
	completed   bool
	response    Response
	expiresAt   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clock: time.Now, records: make(map[string]memoryRecord)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (Reservation, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok || !now.Before(record.expiresAt) {
		s.records[key] = memoryRecord{fingerprint: fingerprint, expiresAt: now.Add(ttl)}
		return Reservation{State: ReservationStateNew}, nil
	}
	if record.fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if record.completed {
		return Reservation{State: ReservationStateCompleted, Response: record.response}, nil
	}
	return Reservation{State: ReservationStatePending}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[key]; ok && record.fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	resp.Headers = replayableHeaders(resp.Headers)
	resp.Body = append([]byte(nil), resp.Body...)
	s.records[key] = memoryRecord{
		fingerprint: fingerprint,
		completed:   true,
		response:    resp,
		expiresAt:   s.clock().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[key]; ok && record.fingerprint == fingerprint {
		delete(s.records, key)
	}
	return nil
}

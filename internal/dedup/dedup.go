// Package dedup guards image uploads so each normalized image URL is uploaded
// at most once per run, even when several pages reference it concurrently.
package dedup

import "sync"

// Decision is the outcome of Reserve.
type Decision int

// Reserve outcomes.
const (
	// Reserved means the caller owns the key and must call Commit or Release.
	Reserved Decision = iota
	// Existing means the key was present before the run started.
	Existing
	// Uploaded means the key was already uploaded earlier in this run.
	Uploaded
	// InProgress means another worker currently owns the key.
	InProgress
)

func (d Decision) String() string {
	switch d {
	case Reserved:
		return "reserved"
	case Existing:
		return "existing"
	case Uploaded:
		return "uploaded"
	case InProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

// Service holds the pre-run snapshot, the keys uploaded during the run, and
// the in-progress set. One Service is created per run and injected into the
// image pipeline.
type Service struct {
	mu         sync.Mutex
	existing   map[string]struct{}
	uploaded   map[string]struct{}
	inProgress map[string]struct{}
	skipped    map[string]struct{}
}

// New builds a Service seeded with the normalized URLs that already exist.
func New(existing []string) *Service {
	s := &Service{
		existing:   make(map[string]struct{}, len(existing)),
		uploaded:   make(map[string]struct{}),
		inProgress: make(map[string]struct{}),
		skipped:    make(map[string]struct{}),
	}
	for _, key := range existing {
		s.existing[key] = struct{}{}
	}
	return s
}

// Reserve claims key for upload unless it exists, was uploaded, or is owned
// by another worker.
func (s *Service) Reserve(key string) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.existing[key]; ok {
		s.skipped[key] = struct{}{}
		return Existing
	}
	if _, ok := s.uploaded[key]; ok {
		return Uploaded
	}
	if _, ok := s.inProgress[key]; ok {
		return InProgress
	}
	s.inProgress[key] = struct{}{}
	return Reserved
}

// Commit records a successful upload and releases the reservation.
func (s *Service) Commit(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inProgress, key)
	s.uploaded[key] = struct{}{}
}

// Release drops a reservation after a failed attempt so a later reference
// may try again.
func (s *Service) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inProgress, key)
}

// UniqueSkipped is the number of distinct pre-existing keys seen this run.
func (s *Service) UniqueSkipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.skipped)
}

// UploadedCount is the number of distinct keys uploaded this run.
func (s *Service) UploadedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploaded)
}

// InFlight is the number of keys currently reserved.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inProgress)
}

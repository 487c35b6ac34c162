package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory identity store. It backs tests and the
// simulate subcommand, where durability does not matter.
type MemoryStore struct {
	mu   sync.Mutex
	maps map[string]map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.reset()
	return s
}

func (s *MemoryStore) reset() {
	s.maps = make(map[string]map[string]string, len(Maps))
	for _, name := range Maps {
		s.maps[name] = make(map[string]string)
	}
}

func (s *MemoryStore) SessionFor(contact string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.maps[MapSessions][contact]; ok {
		return id, nil
	}
	id := uuid.NewString()
	s.maps[MapSessions][contact] = id
	return id, nil
}

func (s *MemoryStore) LookupSession(contact string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maps[MapSessions][contact], nil
}

func (s *MemoryStore) ContactFor(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for contact, id := range s.maps[MapSessions] {
		if id == sessionID {
			return contact, nil
		}
	}
	return "", nil
}

func (s *MemoryStore) ContinuationToken(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maps[MapResponses][sessionID], nil
}

func (s *MemoryStore) SetContinuationToken(sessionID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[MapResponses][sessionID] = token
	return nil
}

func (s *MemoryStore) Language(contact string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maps[MapLanguage][contact], nil
}

func (s *MemoryStore) SetLanguage(contact, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[MapLanguage][contact] = tag
	return nil
}

func (s *MemoryStore) HumanActivity(contact string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.maps[MapHandoff][contact]
	if raw == "" {
		return time.Time{}, nil
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.Unix(unix, 0), nil
}

func (s *MemoryStore) MarkHumanActivity(contact string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[MapHandoff][contact] = strconv.FormatInt(at.Unix(), 10)
	return nil
}

func (s *MemoryStore) Counts() (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Sessions:  len(s.maps[MapSessions]),
		Responses: len(s.maps[MapResponses]),
		Language:  len(s.maps[MapLanguage]),
		Handoff:   len(s.maps[MapHandoff]),
	}, nil
}

func (s *MemoryStore) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(Snapshot, len(Maps))
	for name, m := range s.maps {
		copied := make(map[string]string, len(m))
		for k, v := range m {
			copied[k] = v
		}
		snap[name] = copied
	}
	return snap, nil
}

func (s *MemoryStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

package session

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// eachStore runs a subtest against both implementations.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "identity_test.db")
		s, err := NewSQLiteStore(dbPath, nil)
		if err != nil {
			t.Fatalf("NewSQLiteStore(%q): %v", dbPath, err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func TestSessionForIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		first, err := s.SessionFor("15551230001")
		if err != nil {
			t.Fatalf("SessionFor() error: %v", err)
		}
		if first == "" {
			t.Fatal("SessionFor() returned empty id")
		}

		second, err := s.SessionFor("15551230001")
		if err != nil {
			t.Fatalf("SessionFor() second call error: %v", err)
		}
		if second != first {
			t.Errorf("SessionFor() = %q on second call, want %q", second, first)
		}
	})
}

func TestSessionForDistinctContacts(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		a, _ := s.SessionFor("15551230001")
		b, _ := s.SessionFor("15551230002")
		if a == b {
			t.Errorf("two contacts share session id %q", a)
		}
	})
}

func TestSessionForConcurrent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		const n = 16
		ids := make([]string, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := s.SessionFor("15551230001")
				if err != nil {
					t.Errorf("SessionFor() error: %v", err)
				}
				ids[i] = id
			}()
		}
		wg.Wait()

		for i := 1; i < n; i++ {
			if ids[i] != ids[0] {
				t.Fatalf("concurrent SessionFor minted two ids: %q and %q", ids[0], ids[i])
			}
		}
	})
}

func TestLookupSessionMissing(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		id, err := s.LookupSession("unknown")
		if err != nil {
			t.Fatalf("LookupSession() error: %v", err)
		}
		if id != "" {
			t.Errorf("LookupSession(unknown) = %q, want empty", id)
		}
	})
}

func TestContactForReverseLookup(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		id, _ := s.SessionFor("15551230001")

		contact, err := s.ContactFor(id)
		if err != nil {
			t.Fatalf("ContactFor() error: %v", err)
		}
		if contact != "15551230001" {
			t.Errorf("ContactFor(%q) = %q, want %q", id, contact, "15551230001")
		}

		missing, err := s.ContactFor("no-such-session")
		if err != nil {
			t.Fatalf("ContactFor(missing) error: %v", err)
		}
		if missing != "" {
			t.Errorf("ContactFor(missing) = %q, want empty", missing)
		}
	})
}

func TestContinuationTokenOverwrite(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		id, _ := s.SessionFor("15551230001")

		tok, err := s.ContinuationToken(id)
		if err != nil {
			t.Fatalf("ContinuationToken() error: %v", err)
		}
		if tok != "" {
			t.Errorf("ContinuationToken() = %q before any turn, want empty", tok)
		}

		if err := s.SetContinuationToken(id, "resp_t1"); err != nil {
			t.Fatalf("SetContinuationToken(t1) error: %v", err)
		}
		if err := s.SetContinuationToken(id, "resp_t2"); err != nil {
			t.Fatalf("SetContinuationToken(t2) error: %v", err)
		}

		tok, err = s.ContinuationToken(id)
		if err != nil {
			t.Fatalf("ContinuationToken() error: %v", err)
		}
		if tok != "resp_t2" {
			t.Errorf("ContinuationToken() = %q, want %q after overwrite", tok, "resp_t2")
		}
	})
}

func TestLanguageRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		tag, err := s.Language("15551230001")
		if err != nil {
			t.Fatalf("Language() error: %v", err)
		}
		if tag != "" {
			t.Errorf("Language() = %q before detection, want empty", tag)
		}

		if err := s.SetLanguage("15551230001", "it"); err != nil {
			t.Fatalf("SetLanguage() error: %v", err)
		}
		tag, _ = s.Language("15551230001")
		if tag != "it" {
			t.Errorf("Language() = %q, want %q", tag, "it")
		}
	})
}

func TestHumanActivityRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		at, err := s.HumanActivity("15551230001")
		if err != nil {
			t.Fatalf("HumanActivity() error: %v", err)
		}
		if !at.IsZero() {
			t.Errorf("HumanActivity() = %v before any marker, want zero", at)
		}

		now := time.Now().Truncate(time.Second)
		if err := s.MarkHumanActivity("15551230001", now); err != nil {
			t.Fatalf("MarkHumanActivity() error: %v", err)
		}

		at, _ = s.HumanActivity("15551230001")
		if !at.Equal(now) {
			t.Errorf("HumanActivity() = %v, want %v", at, now)
		}
	})
}

func TestCountsAndSnapshot(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		id, _ := s.SessionFor("15551230001")
		s.SessionFor("15551230002")
		s.SetContinuationToken(id, "resp_t1")
		s.SetLanguage("15551230001", "en")

		counts, err := s.Counts()
		if err != nil {
			t.Fatalf("Counts() error: %v", err)
		}
		if counts.Sessions != 2 || counts.Responses != 1 || counts.Language != 1 || counts.Handoff != 0 {
			t.Errorf("Counts() = %+v, want {2 1 1 0}", counts)
		}

		snap, err := s.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot() error: %v", err)
		}
		if len(snap) != len(Maps) {
			t.Fatalf("Snapshot() has %d maps, want %d", len(snap), len(Maps))
		}
		if snap[MapResponses][id] != "resp_t1" {
			t.Errorf("snapshot responses[%q] = %q, want %q", id, snap[MapResponses][id], "resp_t1")
		}
	})
}

func TestResetClearsAllMaps(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		id, _ := s.SessionFor("15551230001")
		s.SetContinuationToken(id, "resp_t1")
		s.SetLanguage("15551230001", "it")
		s.MarkHumanActivity("15551230001", time.Now())

		if err := s.Reset(); err != nil {
			t.Fatalf("Reset() error: %v", err)
		}

		counts, err := s.Counts()
		if err != nil {
			t.Fatalf("Counts() error: %v", err)
		}
		if counts != (Counts{}) {
			t.Errorf("Counts() = %+v after reset, want all zero", counts)
		}

		// A contact returning after reset gets a fresh session.
		fresh, _ := s.SessionFor("15551230001")
		if fresh == id {
			t.Errorf("SessionFor() after reset reused session id %q", id)
		}
	})
}

func TestSQLitePersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist_test.db")

	// Open, write, close.
	s1, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore(1): %v", err)
	}
	id, err := s1.SessionFor("15551230001")
	if err != nil {
		t.Fatalf("SessionFor() error: %v", err)
	}
	if err := s1.SetContinuationToken(id, "resp_t1"); err != nil {
		t.Fatalf("SetContinuationToken() error: %v", err)
	}
	s1.Close()

	// Reopen and verify.
	s2, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore(2): %v", err)
	}
	defer s2.Close()

	again, err := s2.SessionFor("15551230001")
	if err != nil {
		t.Fatalf("SessionFor() after reopen error: %v", err)
	}
	if again != id {
		t.Errorf("SessionFor() = %q after reopen, want %q", again, id)
	}
	tok, _ := s2.ContinuationToken(id)
	if tok != "resp_t1" {
		t.Errorf("ContinuationToken() = %q after reopen, want %q", tok, "resp_t1")
	}
}

func TestSQLiteCorruptFileStartsEmpty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "identity.db")
	if err := os.WriteFile(dbPath, []byte("this is not a database"), 0600); err != nil {
		t.Fatal(err)
	}

	s, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore() on corrupt file: %v", err)
	}
	defer s.Close()

	counts, err := s.Counts()
	if err != nil {
		t.Fatalf("Counts() error: %v", err)
	}
	if counts != (Counts{}) {
		t.Errorf("Counts() = %+v on recovered store, want empty", counts)
	}

	// The corrupt original is preserved next to the fresh database.
	entries, err := os.ReadDir(filepath.Dir(dbPath))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "identity.db.corrupt") {
			found = true
		}
	}
	if !found {
		t.Error("corrupt database was not preserved with a .corrupt suffix")
	}
}

func TestSQLiteInvalidPath(t *testing.T) {
	_, err := NewSQLiteStore("/nonexistent/path/db.sqlite", nil)
	if err == nil {
		t.Error("NewSQLiteStore() should fail for invalid path")
	}
}

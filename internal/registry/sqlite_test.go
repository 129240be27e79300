package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/menta2k/yolo-annotator/internal/errs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenFileCreatesParentAndMigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "registry.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, _, err := s.CreateOrGet(context.Background(), "demo", ""); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s.Close()
	if _, err := s.Get(context.Background(), "demo"); err != nil {
		t.Errorf("Expected session to survive reopen: %v", err)
	}
}

func TestCreateOrGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, created, err := s.CreateOrGet(ctx, "demo", "alice")
	if err != nil || !created {
		t.Fatalf("Expected creation, got created=%v err=%v", created, err)
	}
	if first.AccessHash == "" || first.OwnerID != "alice" {
		t.Errorf("Unexpected session %+v", first)
	}

	again, created, err := s.CreateOrGet(ctx, "demo", "bob")
	if err != nil || created {
		t.Fatalf("Expected existing session, got created=%v err=%v", created, err)
	}
	if again.OwnerID != "alice" || again.AccessHash != first.AccessHash {
		t.Errorf("Existing session changed: %+v", again)
	}

	if _, err := s.Get(ctx, "missing"); !errs.Is(err, errs.CategoryNotFound) {
		t.Errorf("Expected not_found, got %v", err)
	}
}

func TestResolveAndAccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	owned, _, _ := s.CreateOrGet(ctx, "owned", "alice")
	if _, _, err := s.CreateOrGet(ctx, "open", ""); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"owned", owned.AccessHash} {
		name, err := s.ResolveSession(ctx, id)
		if err != nil || name != "owned" {
			t.Errorf("ResolveSession(%q) = %q, %v", id, name, err)
		}
	}
	if _, err := s.ResolveSession(ctx, "nope"); err == nil {
		t.Error("Expected error for unknown identifier")
	}

	cases := []struct {
		principal, session string
		want               bool
	}{
		{"alice", "owned", true},
		{"bob", "owned", false},
		{"", "owned", false},
		{"bob", "open", true},
		{"bob", "unregistered", true},
	}
	for _, tc := range cases {
		got, err := s.CanAccess(ctx, tc.principal, tc.session)
		if err != nil {
			t.Fatalf("CanAccess failed: %v", err)
		}
		if got != tc.want {
			t.Errorf("CanAccess(%q, %q) = %v, want %v", tc.principal, tc.session, got, tc.want)
		}
	}
}

func TestReserveIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Reserve(ctx, "demo", "cat")
			if err != nil {
				t.Errorf("Reserve failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("Expected exactly one winner, got %d", wins)
	}

	ok, err := s.Reserve(ctx, "other", "cat")
	if err != nil || !ok {
		t.Errorf("Reservations must be per session: ok=%v err=%v", ok, err)
	}

	if err := s.Release(ctx, "demo", "cat"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if ok, err := s.Reserve(ctx, "demo", "cat"); err != nil || !ok {
		t.Errorf("Released name should be claimable again: ok=%v err=%v", ok, err)
	}
}

func TestJobsAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, _, err := s.CreateOrGet(ctx, "demo", ""); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"job-1", "job-2"} {
		err := s.RecordJob(ctx, JobRecord{
			ID: id, Session: "demo",
			StartedAt: base.Add(time.Duration(i) * time.Minute), FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
			Variants: []string{"mirror", "blur"}, CreatedVariants: 2, Digest: "abc",
		})
		if err != nil {
			t.Fatalf("RecordJob failed: %v", err)
		}
	}

	jobs, err := s.ListJobs(ctx, "demo", 0)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "job-2" {
		t.Fatalf("Expected newest first, got %+v", jobs)
	}
	if len(jobs[0].Variants) != 2 || jobs[0].Variants[1] != "blur" || !jobs[0].StartedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("Unexpected job %+v", jobs[0])
	}

	if _, err := s.Reserve(ctx, "demo", "cat"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "demo"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "demo"); !errs.Is(err, errs.CategoryNotFound) {
		t.Errorf("Expected session gone, got %v", err)
	}
	if jobs, _ := s.ListJobs(ctx, "demo", 0); len(jobs) != 0 {
		t.Errorf("Expected job history gone, got %d", len(jobs))
	}
	if ok, _ := s.Reserve(ctx, "demo", "cat"); !ok {
		t.Error("Expected reservation to be free after delete")
	}
}

func TestListSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, n := range []string{"b", "a"} {
		if _, _, err := s.CreateOrGet(ctx, n, ""); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "a" {
		t.Errorf("Unexpected sessions %+v", list)
	}
}

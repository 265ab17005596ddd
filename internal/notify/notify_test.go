package notify_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/MrWong99/mira/internal/notify"
)

func titled(prefix string, n int) []notify.Notification {
	out := make([]notify.Notification, n)
	for i := range out {
		out[i] = notify.Notification{App: "chat", Title: fmt.Sprintf("%s%d", prefix, i)}
	}
	return out
}

func titles(ns []notify.Notification) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.Title
	}
	return out
}

func TestStore_LatestOldestFirst(t *testing.T) {
	t.Parallel()
	s := notify.NewStore(0)
	s.Add("alice", titled("n", 3)...)

	got := titles(s.Latest("alice", 2))
	want := []string{"n1", "n2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Latest = %v, want %v", got, want)
	}
	if got := s.Latest("alice", 10); len(got) != 3 {
		t.Errorf("Latest(10) len = %d, want 3", len(got))
	}
}

func TestStore_RingOverwritesOldest(t *testing.T) {
	t.Parallel()
	s := notify.NewStore(0)
	s.Add("alice", titled("n", notify.DefaultCapacity+7)...)

	if got := s.Len("alice"); got != notify.DefaultCapacity {
		t.Fatalf("Len = %d, want %d", got, notify.DefaultCapacity)
	}
	all := s.Latest("alice", notify.DefaultCapacity)
	if all[0].Title != "n7" {
		t.Errorf("oldest retained = %q, want n7", all[0].Title)
	}
	if last := all[len(all)-1].Title; last != fmt.Sprintf("n%d", notify.DefaultCapacity+6) {
		t.Errorf("newest = %q", last)
	}
}

func TestStore_UsersAreIsolated(t *testing.T) {
	t.Parallel()
	s := notify.NewStore(4)
	s.Add("alice", titled("a", 2)...)
	s.Add("alice-2", titled("b", 1)...)

	if got := s.Len("alice"); got != 2 {
		t.Errorf("alice Len = %d, want 2", got)
	}
	if got := s.Latest("alice-2", 5); len(got) != 1 || got[0].Title != "b0" {
		t.Errorf("alice-2 Latest = %v", titles(got))
	}
	if got := s.Latest("al", 5); got != nil {
		t.Errorf("prefix lookup returned %v, want nil", titles(got))
	}
}

func TestStore_Clear(t *testing.T) {
	t.Parallel()
	s := notify.NewStore(4)
	s.Add("alice", titled("a", 3)...)
	s.Clear("alice")
	if got := s.Latest("alice", 5); got != nil {
		t.Errorf("Latest after Clear = %v, want nil", titles(got))
	}
}

func TestStore_IgnoresEmptyInput(t *testing.T) {
	t.Parallel()
	s := notify.NewStore(4)
	s.Add("", titled("a", 1)...)
	s.Add("alice")
	if s.Len("") != 0 || s.Len("alice") != 0 {
		t.Error("empty Add stored something")
	}
	if got := s.Latest("alice", 0); got != nil {
		t.Errorf("Latest(0) = %v, want nil", got)
	}
}

func TestStore_ConcurrentAdd(t *testing.T) {
	t.Parallel()
	s := notify.NewStore(1000)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add("alice", titled(fmt.Sprintf("g%d-", i), 10)...)
		}()
	}
	wg.Wait()
	if got := s.Len("alice"); got != 200 {
		t.Errorf("Len = %d, want 200", got)
	}
}

package attach

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pigeonchat/pigeon/internal/store"
)

// fakeStates records download-state transitions in order.
type fakeStates struct {
	mu          sync.Mutex
	transitions []string // "msgID:state"
	failFinish  bool
}

func (s *fakeStates) SetDownloadState(_, msgID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, msgID+":"+state)
	return nil
}

func (s *fakeStates) FinishDownload(_, msgID, localPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, msgID+":"+store.DownloadDone+":"+localPath)
	return nil
}

func (s *fakeStates) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.transitions...)
}

// fakeFetcher writes a fixed payload, optionally failing per URL, and
// records fetch order.
type fakeFetcher struct {
	mu      sync.Mutex
	order   []string
	failURL string
	block   chan struct{} // if set, each fetch waits for a tick
}

func (f *fakeFetcher) Fetch(_ context.Context, url, dest string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.order = append(f.order, url)
	f.mu.Unlock()
	if url == f.failURL {
		return os.ErrDeadlineExceeded
	}
	return os.WriteFile(dest, []byte("payload"), 0600)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSequentialOrderWithinConversation(t *testing.T) {
	states := &fakeStates{}
	fetcher := &fakeFetcher{}
	d := NewDownloader(t.TempDir(), fetcher, states, nil)
	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue([]Task{
		{ConversationID: "c1", MsgID: "a", SourceURL: "u-a", Name: "a.bin"},
		{ConversationID: "c1", MsgID: "b", SourceURL: "u-b", Name: "b.bin"},
		{ConversationID: "c1", MsgID: "c", SourceURL: "u-c", Name: "c.bin"},
	})

	waitFor(t, func() bool { return len(states.list()) == 6 })

	got := states.list()
	want := []string{
		"a:downloading", "a:done", "b:downloading", "b:done", "c:downloading", "c:done",
	}
	for i, w := range want {
		if len(got[i]) < len(w) || got[i][:len(w)] != w {
			t.Fatalf("transition[%d] = %q, want prefix %q (all: %v)", i, got[i], w, got)
		}
	}
}

func TestFailureMovesToNextTask(t *testing.T) {
	states := &fakeStates{}
	fetcher := &fakeFetcher{failURL: "u-a"}
	d := NewDownloader(t.TempDir(), fetcher, states, nil)
	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue([]Task{
		{ConversationID: "c1", MsgID: "a", SourceURL: "u-a"},
		{ConversationID: "c1", MsgID: "b", SourceURL: "u-b"},
	})

	waitFor(t, func() bool { return len(states.list()) == 4 })

	got := states.list()
	if got[1] != "a:failed" {
		t.Errorf("transition[1] = %q, want a:failed", got[1])
	}
	if got[2] != "b:downloading" {
		t.Errorf("failure must not block the next task: %v", got)
	}
}

func TestEnqueueDedupesQueuedTasks(t *testing.T) {
	states := &fakeStates{}
	fetcher := &fakeFetcher{block: make(chan struct{})}
	d := NewDownloader(t.TempDir(), fetcher, states, nil)
	d.Start(context.Background())
	defer d.Stop()

	task := Task{ConversationID: "c1", MsgID: "a", SourceURL: "u-a"}
	d.Enqueue([]Task{task})
	d.Enqueue([]Task{task}) // second snapshot re-delivers the same pending message

	fetcher.block <- struct{}{}
	waitFor(t, func() bool { return len(states.list()) >= 2 })

	select {
	case fetcher.block <- struct{}{}:
		t.Error("duplicate task was queued")
	default:
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	states := &fakeStates{}
	d := NewDownloader(t.TempDir(), &fakeFetcher{}, states, nil)
	defer d.Stop()

	// Tasks queued before Start must neither panic nor stall.
	d.Enqueue([]Task{{ConversationID: "c1", MsgID: "a", SourceURL: "u-a", Name: "a.bin"}})
	waitFor(t, func() bool { return len(states.list()) == 2 })

	if got := states.list(); got[0] != "a:downloading" {
		t.Errorf("transitions = %v", got)
	}
}

func TestSkipsTasksWithoutURL(t *testing.T) {
	states := &fakeStates{}
	d := NewDownloader(t.TempDir(), &fakeFetcher{}, states, nil)
	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue([]Task{{ConversationID: "c1", MsgID: "a"}})
	time.Sleep(50 * time.Millisecond)
	if len(states.list()) != 0 {
		t.Errorf("transitions = %v, want none", states.list())
	}
}

func TestCachePathUsesNameThenMsgID(t *testing.T) {
	cacheDir := t.TempDir()
	states := &fakeStates{}
	d := NewDownloader(cacheDir, &fakeFetcher{}, states, nil)
	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue([]Task{
		{ConversationID: "c1", MsgID: "m1", SourceURL: "u1", Name: "report.pdf"},
		{ConversationID: "c1", MsgID: "m2", SourceURL: "u2"},
	})
	waitFor(t, func() bool { return len(states.list()) == 4 })

	got := states.list()
	if want := "m1:done:" + cacheDir + "/c1/report.pdf"; got[1] != want {
		t.Errorf("path = %q, want %q", got[1], want)
	}
	// No filename: message id plus sniffed extension ("payload" sniffs as text).
	if want := "m2:done:" + cacheDir + "/c1/m2.txt"; got[3] != want {
		t.Errorf("path = %q, want %q", got[3], want)
	}
}

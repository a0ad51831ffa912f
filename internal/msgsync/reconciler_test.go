package msgsync

import (
	"sync"
	"testing"
	"time"

	"github.com/pigeonchat/pigeon/internal/attach"
	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/store"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []attach.Task
}

func (q *fakeQueue) Enqueue(tasks []attach.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, tasks...)
}

func (q *fakeQueue) list() []attach.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]attach.Task{}, q.tasks...)
}

func rawText(msgID, senderID, status string, ts int64) *store.Message {
	return &store.Message{
		ConversationID: "c1", MsgID: msgID, SenderID: senderID,
		Kind: store.KindText, Text: "t-" + msgID, Status: status, CreatedAt: ts,
	}
}

func TestSnapshotPreservesOrderAndConvertsTimestamps(t *testing.T) {
	r := NewReconciler("me", nil, bus.New(), &fakeQueue{}, nil)

	raw := []*store.Message{
		rawText("m3", "them", store.StatusSent, 1700000000000),
		rawText("m2", "me", store.StatusSent, 1600000000000),
		rawText("m1", "them", store.StatusRead, 1500000000000),
	}
	merged := r.OnSnapshot("c1", raw)

	if len(merged) != 3 {
		t.Fatalf("got %d messages, want 3", len(merged))
	}
	for i, want := range []string{"m3", "m2", "m1"} {
		if merged[i].ID != want {
			t.Errorf("order[%d] = %q, want %q", i, merged[i].ID, want)
		}
	}
	if merged[0].CreatedAt != "2023-11-14T22:13:20Z" {
		t.Errorf("CreatedAt = %q, want RFC3339", merged[0].CreatedAt)
	}
}

func TestDeliveredListsImmutableAfterPublish(t *testing.T) {
	b := bus.New()
	r := NewReconciler("me", nil, b, nil, nil)
	events, unsub := b.Subscribe(TopicPrefix+"c1", 8)
	defer unsub()

	incoming := rawText("m1", "them", store.StatusSent, 1000)
	incoming.DeliveredAt = map[string]int64{"x": 1000}
	r.OnSnapshot("c1", []*store.Message{incoming})

	var first []MergedMessage
	select {
	case evt := <-events:
		first = evt.Payload.([]MergedMessage)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for snapshot publish")
	}

	held := r.Published("c1")

	r.Apply("c1", ReceiptUpdate{
		MsgID:       "m1",
		Status:      store.StatusDelivered,
		DeliveredAt: map[string]string{"me": "2024-01-01T00:00:00Z"},
	})

	// Lists already handed out must not change retroactively.
	if _, ok := first[0].DeliveredAt["me"]; ok {
		t.Error("receipt update leaked into an already-delivered payload")
	}
	if first[0].Status != store.StatusSent {
		t.Errorf("delivered payload status = %q, want sent", first[0].Status)
	}
	if _, ok := held[0].DeliveredAt["me"]; ok {
		t.Error("receipt update leaked into a previously returned Published list")
	}

	// The update shows up only on the next publish.
	select {
	case evt := <-events:
		second := evt.Payload.([]MergedMessage)
		if second[0].DeliveredAt["me"] != "2024-01-01T00:00:00Z" {
			t.Errorf("second payload DeliveredAt = %v", second[0].DeliveredAt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for receipt publish")
	}

	// Mutating a returned copy must not write back into retained state.
	copyOut := r.Published("c1")
	copyOut[0].DeliveredAt["z"] = "1970-01-01T00:00:01Z"
	if _, ok := r.Published("c1")[0].DeliveredAt["z"]; ok {
		t.Error("caller mutation reached the reconciler's retained list")
	}
}

func TestForeignPendingDropped(t *testing.T) {
	r := NewReconciler("me", nil, bus.New(), &fakeQueue{}, nil)

	merged := r.OnSnapshot("c1", []*store.Message{
		rawText("mine", "me", store.StatusPending, 2000),
		rawText("theirs", "them", store.StatusPending, 1000),
	})
	if len(merged) != 1 || merged[0].ID != "mine" {
		t.Errorf("merged = %+v, want only own pending message", merged)
	}
}

func TestSoftDeletedHiddenFromExposedList(t *testing.T) {
	r := NewReconciler("me", nil, bus.New(), &fakeQueue{}, nil)

	hidden := rawText("m1", "them", store.StatusSent, 1000)
	hidden.DeletedFor = []string{"me"}
	merged := r.OnSnapshot("c1", []*store.Message{hidden, rawText("m2", "them", store.StatusSent, 900)})
	if len(merged) != 1 || merged[0].ID != "m2" {
		t.Errorf("merged = %+v, want m1 hidden", merged)
	}
}

func TestKnownLocalPathSurvivesStaleSnapshot(t *testing.T) {
	q := &fakeQueue{}
	r := NewReconciler("me", nil, bus.New(), q, nil)

	doc := &store.Message{
		ConversationID: "c1", MsgID: "m1", SenderID: "them",
		Kind: store.KindFile, Name: "doc.pdf",
		CanonicalRef: "https://blob/doc.pdf", DownloadState: store.DownloadPending,
		Status: store.StatusSent, CreatedAt: 1000,
	}
	r.OnSnapshot("c1", []*store.Message{doc})
	if got := q.list(); len(got) != 1 {
		t.Fatalf("first snapshot queued %d tasks, want 1", len(got))
	}

	// Download completes; the downloader updates the published state.
	r.Apply("c1", DownloadUpdate{MsgID: "m1", DownloadState: store.DownloadDone, LocalPath: "/cache/c1/doc.pdf"})

	// Next snapshot still carries the stale remote ref and pending state.
	merged := r.OnSnapshot("c1", []*store.Message{doc})
	if merged[0].DownloadState != store.DownloadDone {
		t.Errorf("state = %q, done must never regress", merged[0].DownloadState)
	}
	if merged[0].ExposedRef != "/cache/c1/doc.pdf" {
		t.Errorf("exposed = %q, want cached path", merged[0].ExposedRef)
	}
	if got := q.list(); len(got) != 1 {
		t.Errorf("completed download re-enqueued: %d tasks", len(got))
	}
}

func TestImageStreamsFileQueues(t *testing.T) {
	q := &fakeQueue{}
	r := NewReconciler("me", nil, bus.New(), q, nil)

	image := &store.Message{
		ConversationID: "c1", MsgID: "img", SenderID: "them", Kind: store.KindImage,
		CanonicalRef: "https://blob/p.jpg", Status: store.StatusSent, CreatedAt: 2000,
	}
	file := &store.Message{
		ConversationID: "c1", MsgID: "doc", SenderID: "them", Kind: store.KindFile,
		Name: "r.pdf", CanonicalRef: "https://blob/r.pdf",
		Status: store.StatusSent, CreatedAt: 1000,
	}
	merged := r.OnSnapshot("c1", []*store.Message{image, file})

	if merged[0].ExposedRef != "https://blob/p.jpg" {
		t.Errorf("image exposed = %q, want streamed URL", merged[0].ExposedRef)
	}
	if merged[1].ExposedRef != "" {
		t.Errorf("file exposed = %q, want withheld until cached", merged[1].ExposedRef)
	}
	tasks := q.list()
	if len(tasks) != 1 || tasks[0].MsgID != "doc" {
		t.Errorf("tasks = %+v, want only the document queued", tasks)
	}
}

func TestApplyFieldOwnership(t *testing.T) {
	r := NewReconciler("me", nil, bus.New(), &fakeQueue{}, nil)
	r.OnSnapshot("c1", []*store.Message{rawText("m1", "them", store.StatusSent, 1000)})

	r.Apply("c1", ReceiptUpdate{
		MsgID: "m1", Status: store.StatusDelivered,
		DeliveredAt: map[string]string{"me": "2024-01-01T00:00:00Z"},
	})
	r.Apply("c1", DownloadUpdate{MsgID: "m1", DownloadState: store.DownloadFailed})

	got := r.Published("c1")[0]
	if got.Status != store.StatusDelivered {
		t.Errorf("download update clobbered status: %q", got.Status)
	}
	if got.DownloadState != store.DownloadFailed {
		t.Errorf("download state = %q", got.DownloadState)
	}
	if got.Text != "t-m1" {
		t.Errorf("structural field changed: %q", got.Text)
	}
}

func TestPublishOnBus(t *testing.T) {
	b := bus.New()
	r := NewReconciler("me", nil, b, &fakeQueue{}, nil)

	ch, unsub := b.Subscribe(TopicPrefix+"c1", 4)
	defer unsub()

	r.OnSnapshot("c1", []*store.Message{rawText("m1", "them", store.StatusSent, 1000)})

	select {
	case evt := <-ch:
		msgs := evt.Payload.([]MergedMessage)
		if len(msgs) != 1 || msgs[0].ID != "m1" {
			t.Errorf("published = %+v", msgs)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for published list")
	}
}

func TestWatchDeliversLiveSnapshots(t *testing.T) {
	b := bus.New()
	db := testDB(t, b)
	r := NewReconciler("me", db, b, &fakeQueue{}, nil)

	ch, unsubObs := b.Subscribe(TopicPrefix+"c1", 16)
	defer unsubObs()

	stop := r.Watch("c1", 50)
	defer stop()

	// Initial (empty) snapshot arrives first.
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for initial snapshot")
	}

	if err := db.PutMessage(rawText("m1", "them", store.StatusSent, 1000)); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		msgs := evt.Payload.([]MergedMessage)
		if len(msgs) != 1 || msgs[0].ID != "m1" {
			t.Errorf("live snapshot = %+v", msgs)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for live snapshot")
	}

	// Writes to other conversations do not republish c1.
	other := rawText("mx", "them", store.StatusSent, 2000)
	other.ConversationID = "c2"
	if err := db.PutMessage(other); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	select {
	case evt := <-ch:
		t.Errorf("unexpected publish for foreign write: %+v", evt.Payload)
	default:
	}
}

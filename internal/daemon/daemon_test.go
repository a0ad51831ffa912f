package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pigeonchat/pigeon/internal/attach"
	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/msgsync"
	"github.com/pigeonchat/pigeon/internal/receipt"
	"github.com/pigeonchat/pigeon/internal/session"
	"github.com/pigeonchat/pigeon/internal/store"
)

// openTestStore wires a store with a live bus the way provideStore does.
func openTestStore(t *testing.T) (*store.DB, *bus.Bus) {
	t.Helper()
	b := bus.New()
	db, err := store.Open(filepath.Join(t.TempDir(), "pigeon.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, b
}

func pollPublished(t *testing.T, rec *msgsync.Reconciler, convID string, ok func([]msgsync.MergedMessage) bool) []msgsync.MergedMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := rec.Published(convID); ok(msgs) {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("published list never reached expected state: %+v", rec.Published(convID))
	return nil
}

// TestTextLifecycleEndToEnd drives an incoming text through the full
// receiving pipeline on u2's replica: arrival bumps the unread counter,
// observation marks it delivered, focusing the conversation marks it
// read and zeroes the counter.
func TestTextLifecycleEndToEnd(t *testing.T) {
	db, b := openTestStore(t)

	rec := msgsync.NewReconciler("u2", db, b, nil, nil)
	tracker := receipt.NewTracker(db, rec, "u2", nil)
	rec.SetPublishHook(tracker.OnPublished)
	mgr := session.NewManager(db, b, rec, "u2", 50, nil)

	convID, err := mgr.Open("u1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.StartSync(convID, "u1", false); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mgr.Close("u1") })

	// u1's send replicates in as a sent message plus the conversation bump.
	if err := db.PutMessage(&store.Message{
		ConversationID: convID, MsgID: "m1", SenderID: "u1",
		Kind: store.KindText, Text: "hi", Status: store.StatusSent, CreatedAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.BumpOnSend(convID, "u1", "hi", 1000); err != nil {
		t.Fatal(err)
	}

	conv, err := db.GetConversation(convID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Unread["u2"] != 1 {
		t.Errorf("unread.u2 = %d, want 1", conv.Unread["u2"])
	}
	if conv.LastMessage != "hi" {
		t.Errorf("preview = %q, want %q", conv.LastMessage, "hi")
	}

	// Observation: the tracker's publish hook advances sent to delivered.
	msgs := pollPublished(t, rec, convID, func(msgs []msgsync.MergedMessage) bool {
		return len(msgs) == 1 && msgs[0].Status == store.StatusDelivered
	})
	if msgs[0].DeliveredAt["u2"] == "" {
		t.Error("delivered timestamp missing for u2")
	}

	// Focus: mark read zeroes the local unread counter.
	if err := tracker.MarkRead(convID); err != nil {
		t.Fatal(err)
	}
	pollPublished(t, rec, convID, func(msgs []msgsync.MergedMessage) bool {
		return len(msgs) == 1 && msgs[0].Status == store.StatusRead
	})
	conv, err = db.GetConversation(convID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Unread["u2"] != 0 {
		t.Errorf("unread.u2 = %d after read, want 0", conv.Unread["u2"])
	}
	if conv.Unread["u1"] != 0 {
		t.Errorf("unread.u1 = %d, reading must not touch other members", conv.Unread["u1"])
	}
}

// TestAttachmentPipelineEndToEnd receives a remote image and a document
// in the same conversation: the image streams from its remote URL with
// no fetch, the document is downloaded into the cache and its canonical
// ref rewritten to the local path.
func TestAttachmentPipelineEndToEnd(t *testing.T) {
	db, b := openTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("attachment bytes"))
	}))
	defer srv.Close()

	dl := attach.NewDownloader(t.TempDir(), attach.NewHTTPFetcher(10*time.Second), db, nil)
	dl.Start(context.Background())
	t.Cleanup(dl.Stop)

	rec := msgsync.NewReconciler("u2", db, b, dl, nil)
	mgr := session.NewManager(db, b, rec, "u2", 50, nil)

	convID, err := mgr.Open("u1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.StartSync(convID, "u1", false); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mgr.Close("u1") })

	imageURL := srv.URL + "/pic.jpg"
	if err := db.PutMessage(&store.Message{
		ConversationID: convID, MsgID: "img", SenderID: "u1",
		Kind: store.KindImage, Name: "pic.jpg", CanonicalRef: imageURL,
		Status: store.StatusSent, CreatedAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.PutMessage(&store.Message{
		ConversationID: convID, MsgID: "doc", SenderID: "u1",
		Kind: store.KindFile, Name: "report.pdf", CanonicalRef: srv.URL + "/report.pdf",
		Status: store.StatusSent, CreatedAt: 2000,
	}); err != nil {
		t.Fatal(err)
	}

	byID := func(msgs []msgsync.MergedMessage, id string) *msgsync.MergedMessage {
		for i := range msgs {
			if msgs[i].ID == id {
				return &msgs[i]
			}
		}
		return nil
	}

	msgs := pollPublished(t, rec, convID, func(msgs []msgsync.MergedMessage) bool {
		d := byID(msgs, "doc")
		return byID(msgs, "img") != nil && d != nil && d.DownloadState == store.DownloadDone
	})

	img := byID(msgs, "img")
	if img.ExposedRef != imageURL {
		t.Errorf("image ref = %q, want remote URL exposed directly", img.ExposedRef)
	}
	if img.DownloadState == store.DownloadDone && img.LocalPath != "" {
		t.Error("image was downloaded; it should stream")
	}

	doc := byID(msgs, "doc")
	if doc.LocalPath == "" {
		t.Fatal("document has no local path after download")
	}
	raw, err := db.GetMessage(convID, "doc")
	if err != nil {
		t.Fatal(err)
	}
	if raw.CanonicalRef != raw.LocalPath {
		t.Errorf("canonical ref = %q, want local path %q", raw.CanonicalRef, raw.LocalPath)
	}
}

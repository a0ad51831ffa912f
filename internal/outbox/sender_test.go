package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/store"
)

type fakeUploader struct {
	fail bool
	keys []string
}

func (f *fakeUploader) UploadFile(_ context.Context, key, localPath string) (string, error) {
	if f.fail {
		return "", errors.New("bucket unreachable")
	}
	f.keys = append(f.keys, key)
	return "https://blobs.example/" + key, nil
}

func testSender(t *testing.T, up *fakeUploader) (*Sender, *store.DB) {
	t.Helper()
	b := bus.New()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.CreateConversation("c1", []string{"me", "them"}); err != nil {
		t.Fatal(err)
	}

	s := NewSender(db, up, "me", nil)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, db
}

func tempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitStatus(t *testing.T, db *store.DB, msgID, want string) *store.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := db.GetMessage("c1", msgID)
		if err != nil {
			t.Fatal(err)
		}
		if msg != nil && msg.Status == want {
			return msg
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("message %s never reached status %s", msgID, want)
	return nil
}

func TestSendTextFinalizes(t *testing.T) {
	s, db := testSender(t, &fakeUploader{})

	msgID, err := s.SendText("c1", "hello")
	if err != nil {
		t.Fatal(err)
	}

	// The echo is visible immediately, before the worker finalizes.
	echo, err := db.GetMessage("c1", msgID)
	if err != nil {
		t.Fatal(err)
	}
	if echo == nil || echo.SenderID != "me" || echo.Text != "hello" {
		t.Fatalf("echo = %+v", echo)
	}

	msg := waitStatus(t, db, msgID, store.StatusSent)
	if msg.CreatedAt == 0 {
		t.Error("finalized message lost its timestamp")
	}

	conv, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Unread["them"] != 1 {
		t.Errorf("recipient unread = %d, want 1", conv.Unread["them"])
	}
	if conv.Unread["me"] != 0 {
		t.Errorf("sender unread = %d, want 0", conv.Unread["me"])
	}
	if conv.LastMessage != "hello" {
		t.Errorf("preview = %q", conv.LastMessage)
	}
}

func TestSendAttachmentUploadsAndSwapsRef(t *testing.T) {
	up := &fakeUploader{}
	s, db := testSender(t, up)

	localPath := tempFile(t, "cat.jpg", "jpeg bytes")
	msgID, err := s.SendAttachment("c1", store.KindImage, localPath, AttachmentMeta{
		Name: "cat.jpg", Mime: "image/jpeg", Width: 640, Height: 480,
	})
	if err != nil {
		t.Fatal(err)
	}

	msg := waitStatus(t, db, msgID, store.StatusSent)
	if msg.CanonicalRef != "https://blobs.example/c1/"+msgID+"/cat.jpg" {
		t.Errorf("canonical ref = %q", msg.CanonicalRef)
	}
	if msg.LocalPath != localPath {
		t.Errorf("local path = %q", msg.LocalPath)
	}
	if msg.Size != int64(len("jpeg bytes")) {
		t.Errorf("size = %d, want stat-derived size", msg.Size)
	}
	if msg.DownloadState != store.DownloadDone {
		t.Errorf("download state = %q, want done", msg.DownloadState)
	}
	if len(up.keys) != 1 {
		t.Errorf("uploaded %d objects, want 1", len(up.keys))
	}
}

func TestSendAttachmentRejectsTextKind(t *testing.T) {
	s, _ := testSender(t, &fakeUploader{})
	if _, err := s.SendAttachment("c1", store.KindText, tempFile(t, "x", "x"), AttachmentMeta{}); err == nil {
		t.Error("text kind accepted as attachment")
	}
}

func TestSendAttachmentRejectsMissingFile(t *testing.T) {
	s, _ := testSender(t, &fakeUploader{})
	if _, err := s.SendAttachment("c1", store.KindFile, filepath.Join(t.TempDir(), "gone"), AttachmentMeta{}); err == nil {
		t.Error("missing local file accepted")
	}
}

func TestUploadFailureLeavesEchoPending(t *testing.T) {
	s, db := testSender(t, &fakeUploader{fail: true})

	localPath := tempFile(t, "doc.pdf", "pdf bytes")
	msgID, err := s.SendAttachment("c1", store.KindFile, localPath, AttachmentMeta{Name: "doc.pdf"})
	if err != nil {
		t.Fatal(err)
	}

	// Give the worker time to attempt and fail the upload.
	time.Sleep(100 * time.Millisecond)

	msg, err := db.GetMessage("c1", msgID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != store.StatusPending {
		t.Errorf("status = %q, want pending after failed upload", msg.Status)
	}
	if msg.CanonicalRef != "file://"+localPath {
		t.Errorf("ref = %q, echo ref must survive the failure", msg.CanonicalRef)
	}

	conv, _ := db.GetConversation("c1")
	if conv.Unread["them"] != 0 {
		t.Error("failed send bumped the recipient's unread count")
	}
}

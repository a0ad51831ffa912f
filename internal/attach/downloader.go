package attach

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/pigeonchat/pigeon/internal/store"
)

// Task is one queued attachment fetch. Tasks live only in process memory;
// after a restart the queue is re-derived from messages whose download
// state is not yet done.
type Task struct {
	ConversationID string
	MsgID          string
	SourceURL      string
	Name           string
	// State is the message's download state at enqueue time; idle tasks
	// are advanced to pending so the UI sees them queued.
	State string
}

// Fetcher retrieves a remote URL into a local file.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

// StateStore is the slice of the document store the downloader writes to.
type StateStore interface {
	SetDownloadState(conversationID, msgID, state string) error
	FinishDownload(conversationID, msgID, localPath string) error
}

// Downloader fetches attachments one at a time per conversation, in
// enqueue order. Conversations download independently of each other.
type Downloader struct {
	cacheDir string
	fetcher  Fetcher
	states   StateStore
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queues   map[string]chan Task
	inFlight map[string]bool // conversationID/msgID keys queued or running
	wg       sync.WaitGroup
}

// NewDownloader creates a downloader writing into cacheDir. It accepts
// tasks immediately; Start only ties its lifetime to a caller context.
func NewDownloader(cacheDir string, fetcher Fetcher, states StateStore, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Downloader{
		cacheDir: cacheDir,
		fetcher:  fetcher,
		states:   states,
		logger:   logger,
		queues:   make(map[string]chan Task),
		inFlight: make(map[string]bool),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start propagates ctx cancellation to the workers. Enqueue before
// Start is safe; Stop alone also shuts the downloader down.
func (d *Downloader) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			d.cancel()
		case <-d.ctx.Done():
		}
	}()
}

// Stop cancels the workers and waits for the in-flight fetch to settle.
func (d *Downloader) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Enqueue appends tasks to their conversation's queue, preserving order.
// Tasks already queued or running, and tasks without a source URL, are
// skipped. Each conversation's worker is started lazily on first use.
func (d *Downloader) Enqueue(tasks []Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, task := range tasks {
		if task.SourceURL == "" {
			continue
		}
		key := task.ConversationID + "/" + task.MsgID
		if d.inFlight[key] {
			continue
		}
		q, ok := d.queues[task.ConversationID]
		if !ok {
			q = make(chan Task, 256)
			d.queues[task.ConversationID] = q
			d.wg.Add(1)
			go d.work(task.ConversationID, q)
		}
		select {
		case q <- task:
			d.inFlight[key] = true
			if task.State == store.DownloadIdle {
				if err := d.states.SetDownloadState(task.ConversationID, task.MsgID, store.DownloadPending); err != nil {
					d.logger.Info("could not mark pending", zap.String("msg_id", task.MsgID), zap.Error(err))
				}
			}
		default:
			d.logger.Warn("download queue full, dropping task",
				zap.String("conversation_id", task.ConversationID),
				zap.String("msg_id", task.MsgID))
		}
	}
}

func (d *Downloader) work(conversationID string, q chan Task) {
	defer d.wg.Done()
	for {
		select {
		case task := <-q:
			d.run(task)
			d.mu.Lock()
			delete(d.inFlight, task.ConversationID+"/"+task.MsgID)
			d.mu.Unlock()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Downloader) run(task Task) {
	if err := d.states.SetDownloadState(task.ConversationID, task.MsgID, store.DownloadDownloading); err != nil {
		// Message may have finished elsewhere or been deleted; skip.
		d.logger.Info("skipping download task", zap.String("msg_id", task.MsgID), zap.Error(err))
		return
	}

	path, err := d.fetch(task)
	if err != nil {
		d.logger.Error("attachment download failed",
			zap.String("conversation_id", task.ConversationID),
			zap.String("msg_id", task.MsgID),
			zap.Error(err))
		if serr := d.states.SetDownloadState(task.ConversationID, task.MsgID, store.DownloadFailed); serr != nil {
			d.logger.Error("failed to record download failure", zap.String("msg_id", task.MsgID), zap.Error(serr))
		}
		return
	}

	if err := d.states.FinishDownload(task.ConversationID, task.MsgID, path); err != nil {
		d.logger.Error("failed to record download completion", zap.String("msg_id", task.MsgID), zap.Error(err))
		return
	}
	d.logger.Info("attachment downloaded",
		zap.String("conversation_id", task.ConversationID),
		zap.String("msg_id", task.MsgID),
		zap.String("path", path))
}

// fetch downloads the task into the cache and returns the final path:
// the attachment filename when present, otherwise the message id with a
// sniffed extension.
func (d *Downloader) fetch(task Task) (string, error) {
	dir := filepath.Join(d.cacheDir, task.ConversationID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	base := sanitizeName(task.Name)
	if base == "" {
		base = task.MsgID
	}
	dest := filepath.Join(dir, base)

	if err := d.fetcher.Fetch(d.ctx, task.SourceURL, dest); err != nil {
		_ = os.Remove(dest)
		return "", err
	}

	if filepath.Ext(dest) == "" {
		if mt, err := mimetype.DetectFile(dest); err == nil && mt.Extension() != "" {
			withExt := dest + mt.Extension()
			if err := os.Rename(dest, withExt); err == nil {
				dest = withExt
			}
		}
	}
	return dest, nil
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

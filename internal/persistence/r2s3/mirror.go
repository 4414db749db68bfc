package r2s3

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"explorermaps.dev/internal/mapcache"
)

type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

// Checker is implemented by uploaders that can tell whether a remote copy
// is already current. Reconcile needs it; plain uploads do not.
type Checker interface {
	HeadObject(ctx context.Context, objectKey string) (ObjectInfo, error)
}

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	UpToDateTotal       uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

type MirrorOptions struct {
	DataDir       string
	Prefix        string
	Workers       int
	QueueCapacity int
	EnqueueWait   time.Duration
	MaxAttempts   int
	Backoff       time.Duration
	Logger        *log.Logger
}

// Mirror copies persisted cache records to object storage in the
// background. Record paths come from RecordPath; object keys are the path
// relative to DataDir under Prefix.
type Mirror struct {
	up         Uploader
	dataDir    string
	prefix     string
	logger     *log.Logger
	recordPath func(world, typ string) string

	jobs        chan upload
	enqueueWait time.Duration
	maxAttempts int
	backoff     time.Duration
	wg          sync.WaitGroup
	closeOnce   sync.Once
	closed      atomic.Bool

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	upToDateTotal       atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func NewMirror(up Uploader, recordPath func(world, typ string) string, opts MirrorOptions) *Mirror {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	queueCapacity := opts.QueueCapacity
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	enqueueWait := opts.EnqueueWait
	if enqueueWait <= 0 {
		enqueueWait = 25 * time.Millisecond
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	m := &Mirror{
		up:          up,
		dataDir:     opts.DataDir,
		prefix:      strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/"),
		logger:      opts.Logger,
		recordPath:  recordPath,
		jobs:        make(chan upload, queueCapacity),
		enqueueWait: enqueueWait,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for u := range m.jobs {
				m.uploadOne(u)
			}
		}()
	}
	return m
}

// CacheEvent implements mapcache.EventSink; only persisted records are
// mirrored.
func (m *Mirror) CacheEvent(ev mapcache.Event) {
	if m == nil || ev.Kind != mapcache.EventPersisted || m.recordPath == nil {
		return
	}
	m.Enqueue(m.recordPath(ev.Key.World, ev.Key.Type))
}

type upload struct {
	localPath string
	// check skips the upload when the remote hash already matches.
	check     bool
}

func (m *Mirror) Enqueue(localPath string) {
	m.enqueue(upload{localPath: localPath})
}

// Reconcile queues every path for a hash-checked upload, so records whose
// mirror upload was dropped or failed catch up. Without a Checker it is a
// no-op and returns 0.
func (m *Mirror) Reconcile(localPaths []string) int {
	if m == nil {
		return 0
	}
	if _, ok := m.up.(Checker); !ok {
		return 0
	}
	for _, p := range localPaths {
		m.enqueue(upload{localPath: p, check: true})
	}
	return len(localPaths)
}

func (m *Mirror) enqueue(u upload) {
	if m == nil || m.up == nil || m.closed.Load() {
		return
	}
	localPath := u.localPath
	m.enqueuedTotal.Add(1)

	select {
	case m.jobs <- u:
		return
	default:
	}

	m.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(m.enqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- u:
	case <-timer.C:
		dropped := m.droppedTotal.Add(1)
		m.printf("warn: mirror drop local=%s reason=queue_saturated wait_ms=%d dropped_total=%d", localPath, m.enqueueWait.Milliseconds(), dropped)
	}
}

// Close drains queued uploads. Enqueue must not race with Close; callers
// stop the coordinator first.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.jobs)
		m.wg.Wait()
	})
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueuedTotal.Load(),
		QueueSaturatedTotal: m.queueSaturatedTotal.Load(),
		DroppedTotal:        m.droppedTotal.Load(),
		UploadSuccessTotal:  m.uploadSuccessTotal.Load(),
		UploadFailTotal:     m.uploadFailTotal.Load(),
		UpToDateTotal:       m.upToDateTotal.Load(),
		LastSuccessUnix:     m.lastSuccessUnix.Load(),
		LastErrorUnix:       m.lastErrorUnix.Load(),
	}
}

func (m *Mirror) uploadOne(u upload) {
	localPath := u.localPath
	key, err := m.objectKey(localPath)
	if err != nil {
		m.printf("mirror skip local=%s err=%v", localPath, err)
		return
	}
	if u.check && m.upToDate(key, localPath) {
		m.upToDateTotal.Add(1)
		return
	}
	if err := m.uploadWithRetry(key, localPath); err != nil {
		m.uploadFailTotal.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.printf("warn: mirror upload failed key=%s local=%s err=%v", key, localPath, err)
		return
	}
	m.uploadSuccessTotal.Add(1)
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
	m.printf("mirror uploaded key=%s", key)
}

// upToDate reports whether the remote object carries the local file's hash.
// Any lookup error means "upload anyway".
func (m *Mirror) upToDate(key, localPath string) bool {
	ch, ok := m.up.(Checker)
	if !ok {
		return false
	}
	local, err := fileSHA256Hex(localPath)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	info, err := ch.HeadObject(ctx, key)
	if err != nil {
		m.printf("warn: mirror head key=%s err=%v", key, err)
		return false
	}
	return info.Exists && info.SHA256 == local
}

func (m *Mirror) uploadWithRetry(key, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < m.maxAttempts {
			time.Sleep(time.Duration(attempt*attempt) * m.backoff)
		}
	}
	return lastErr
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	absBase, err := filepath.Abs(m.dataDir)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside data dir %s", absLocal, absBase)
	}
	if m.prefix != "" {
		return path.Join(m.prefix, rel), nil
	}
	return rel, nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

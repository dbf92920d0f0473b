package workers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	maxMediaBytes   = 20 << 20
	mediaPause      = 200 * time.Millisecond
	defaultMediaCap = 256
)

// MediaJob asks the mirror to copy one listing's photos.
type MediaJob struct {
	Vendor   string
	SourceID string
	URLs     []string
}

// Uploader stores an object. storage.MediaBucket satisfies it.
type Uploader interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

type MediaResult struct {
	SourceURL   string
	Key         string
	ContentHash string
	Size        int64
	Err         error
}

// MediaWorker mirrors listing photos into object storage. Jobs arrive on a
// bounded queue; Enqueue never blocks and drops the job when the queue is
// full.
type MediaWorker struct {
	client   *http.Client
	uploader Uploader
	prefix   string
	pause    time.Duration
	jobs     chan MediaJob
	dropped  atomic.Int64
	uploaded atomic.Int64
	log      *zap.Logger
}

func NewMediaWorker(client *http.Client, uploader Uploader, prefix string, queueSize int) *MediaWorker {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if queueSize <= 0 {
		queueSize = defaultMediaCap
	}
	return &MediaWorker{
		client:   client,
		uploader: uploader,
		prefix:   strings.Trim(prefix, "/"),
		pause:    mediaPause,
		jobs:     make(chan MediaJob, queueSize),
		log:      zap.L().Named("media"),
	}
}

func (w *MediaWorker) Enqueue(job MediaJob) bool {
	if len(job.URLs) == 0 {
		return true
	}
	select {
	case w.jobs <- job:
		return true
	default:
		n := w.dropped.Add(1)
		w.log.Warn("media queue full, dropping job",
			zap.String("vendor", job.Vendor),
			zap.String("source_id", job.SourceID),
			zap.Int64("dropped_total", n),
		)
		return false
	}
}

func (w *MediaWorker) Dropped() int64  { return w.dropped.Load() }
func (w *MediaWorker) Uploaded() int64 { return w.uploaded.Load() }

// Run drains the queue until ctx is done.
func (w *MediaWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.log.Info("media worker stopping", zap.Int64("uploaded", w.Uploaded()), zap.Int64("dropped", w.Dropped()))
			return
		case job := <-w.jobs:
			w.Process(ctx, job)
		}
	}
}

// Drain processes whatever is queued right now and returns how many jobs
// it handled. One-shot commands call it before exiting.
func (w *MediaWorker) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n
		case job := <-w.jobs:
			w.Process(ctx, job)
			n++
		default:
			return n
		}
	}
}

func (w *MediaWorker) Process(ctx context.Context, job MediaJob) []MediaResult {
	results := make([]MediaResult, 0, len(job.URLs))
	var failed int
	for i, u := range job.URLs {
		if i > 0 && w.pause > 0 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(w.pause):
			}
		}
		r := w.mirror(ctx, u)
		if r.Err != nil {
			failed++
			w.log.Debug("media mirror failed", zap.String("url", u), zap.Error(r.Err))
		} else {
			w.uploaded.Add(1)
		}
		results = append(results, r)
	}
	w.log.Debug("mirrored listing media",
		zap.String("vendor", job.Vendor),
		zap.String("source_id", job.SourceID),
		zap.Int("ok", len(results)-failed),
		zap.Int("failed", failed),
	)
	return results
}

// mirror downloads one image and uploads it under a content-addressed key.
func (w *MediaWorker) mirror(ctx context.Context, sourceURL string) MediaResult {
	res := MediaResult{SourceURL: sourceURL}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		res.Err = eris.Wrap(err, "build media request")
		return res
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "image/*,*/*")

	resp, err := w.client.Do(req)
	if err != nil {
		res.Err = eris.Wrap(err, "download")
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		res.Err = eris.Errorf("download status: %d", resp.StatusCode)
		return res
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		res.Err = eris.Wrap(err, "read body")
		return res
	}
	res.Size = int64(len(data))

	sum := sha256.Sum256(data)
	res.ContentHash = hex.EncodeToString(sum[:])

	contentType := resp.Header.Get("Content-Type")
	res.Key = path.Join(w.prefix, "media", res.ContentHash[:2], res.ContentHash+guessExtension(sourceURL, contentType))

	if w.uploader == nil {
		return res
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	if err := w.uploader.Put(ctx, res.Key, bytes.NewReader(data), contentType); err != nil {
		res.Err = eris.Wrap(err, "upload")
	}
	return res
}

func guessExtension(rawURL, contentType string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if ext := strings.ToLower(path.Ext(p)); isImageExt(ext) {
		return ext
	}
	switch strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

package merge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/services"
	"github.com/bobarin/adreel/internal/storage"
	"golang.org/x/sync/errgroup"
)

// MediaProcessor is the subset of services.FFmpegService the pipeline drives.
type MediaProcessor interface {
	CreateTempDir(prefix string) (string, error)
	ProbeClip(ctx context.Context, path string) (services.ClipInfo, error)
	DetectTrailingSilence(ctx context.Context, path string, duration float64) (end float64, trimmed bool, err error)
	TrimClip(ctx context.Context, in, out string, end float64) error
	CrossfadeConcat(ctx context.Context, inputs []string, durations []float64, fade float64, withAudio bool, out string) error
}

// Reporter delivers a merge outcome to whoever owns the job record.
type Reporter interface {
	Report(ctx context.Context, out Outcome) error
}

type Options struct {
	DownloadConcurrency int
	DownloadRetries     int
	RetryBase           time.Duration
	DefaultCrossfade    float64
}

const reportTimeout = 30 * time.Second

type Worker struct {
	store    storage.ObjectStore
	media    MediaProcessor
	reporter Reporter
	opts     Options
}

func NewWorker(store storage.ObjectStore, media MediaProcessor, reporter Reporter, opts Options) *Worker {
	if opts.DownloadConcurrency <= 0 {
		opts.DownloadConcurrency = 4
	}
	if opts.DownloadRetries < 0 {
		opts.DownloadRetries = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.DefaultCrossfade < 0 {
		opts.DefaultCrossfade = 0
	}
	return &Worker{store: store, media: media, reporter: reporter, opts: opts}
}

// clip is one scene moving through the pipeline.
type clip struct {
	ref      models.SceneRef
	path     string
	duration float64
	hasAudio bool
}

// Process runs the merge and always reports the outcome. The report gets its
// own deadline so a run that hit its timeout can still be delivered.
func (w *Worker) Process(ctx context.Context, req Request) (Outcome, error) {
	out := w.Run(ctx, req)

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := w.reporter.Report(reportCtx, out); err != nil {
		return out, fmt.Errorf("failed to report merge outcome for job %s: %w", req.JobID, err)
	}
	return out, nil
}

// Run executes the pipeline. It never returns an error: every failure is
// folded into a failed Outcome tagged with the stage it happened in.
func (w *Worker) Run(ctx context.Context, req Request) Outcome {
	start := time.Now()

	url, total, err := w.run(ctx, req)
	if err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			se = &StageError{Stage: StageMerge, Err: err}
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			se = &StageError{Stage: StageTimeout, Err: fmt.Errorf("merge exceeded its deadline during %s: %w", se.Stage, se.Err)}
		}
		log.Printf("[Merge] Job %s failed at %s after %s: %v", req.JobID, se.Stage, time.Since(start).Round(time.Millisecond), se.Err)
		return failed(req.JobID, se)
	}

	log.Printf("[Merge] Job %s merged %d scenes into %s (%.2fs) in %s", req.JobID, len(req.Scenes), req.OutputKey, total, time.Since(start).Round(time.Millisecond))
	return succeeded(req.JobID, url, req.OutputKey, total)
}

func (w *Worker) run(ctx context.Context, req Request) (string, float64, error) {
	if err := req.Validate(); err != nil {
		return "", 0, &StageError{Stage: StageDownload, Err: fmt.Errorf("invalid merge request: %w", err)}
	}

	store := w.store
	if req.Bucket != "" && req.Bucket != store.Bucket() {
		store = store.WithBucket(req.Bucket)
	}

	scratch, err := w.media.CreateTempDir("merge-" + req.JobID.String())
	if err != nil {
		return "", 0, &StageError{Stage: StageDownload, Err: err}
	}
	defer os.RemoveAll(scratch)

	clips := make([]*clip, 0, len(req.Scenes))
	for _, ref := range models.SceneRefs(req.Scenes).Ordered() {
		clips = append(clips, &clip{
			ref:  ref,
			path: filepath.Join(scratch, fmt.Sprintf("scene_%02d.mp4", ref.SceneIndex)),
		})
	}

	if err := w.preflight(ctx, store, clips); err != nil {
		return "", 0, err
	}
	if err := w.downloadAll(ctx, store, clips); err != nil {
		return "", 0, err
	}
	if err := w.trimAll(ctx, scratch, clips); err != nil {
		return "", 0, err
	}

	inputs := make([]string, len(clips))
	durations := make([]float64, len(clips))
	withAudio := true
	for i, c := range clips {
		inputs[i] = c.path
		durations[i] = c.duration
		withAudio = withAudio && c.hasAudio
	}
	if !withAudio {
		log.Printf("[Merge] Job %s: at least one clip has no audio, merging video only", req.JobID)
	}

	fade := w.opts.DefaultCrossfade
	if req.CrossfadeSeconds != nil {
		fade = *req.CrossfadeSeconds
	}
	fade = services.ClampCrossfade(durations, fade)

	merged := filepath.Join(scratch, "final.mp4")
	if err := w.media.CrossfadeConcat(ctx, inputs, durations, fade, withAudio, merged); err != nil {
		return "", 0, &StageError{Stage: StageMerge, Err: err}
	}

	data, err := os.ReadFile(merged)
	if err != nil {
		return "", 0, stageErr(StageMerge, "failed to read merged video: %w", err)
	}
	url, err := store.Upload(ctx, req.OutputKey, data, "video/mp4")
	if err != nil {
		return "", 0, &StageError{Stage: StageUpload, Err: err}
	}

	return url, TotalDuration(durations, fade), nil
}

// preflight lists each scene directory once and checks every clip is there,
// so a missing object fails fast instead of burning download retries.
func (w *Worker) preflight(ctx context.Context, store storage.ObjectStore, clips []*clip) error {
	listed := make(map[string]map[string]bool)
	for _, c := range clips {
		dir := path.Dir(c.ref.Location)
		if _, ok := listed[dir]; ok {
			continue
		}
		keys, err := store.ListPrefix(ctx, dir+"/")
		if err != nil {
			return stageErr(StageDownload, "failed to list %s: %w", dir, err)
		}
		set := make(map[string]bool, len(keys))
		for _, k := range keys {
			set[k] = true
		}
		listed[dir] = set
	}

	for _, c := range clips {
		if !listed[path.Dir(c.ref.Location)][c.ref.Location] {
			return stageErr(StageDownload, "scene %d object %s not found", c.ref.SceneIndex, c.ref.Location)
		}
	}
	return nil
}

func (w *Worker) downloadAll(ctx context.Context, store storage.ObjectStore, clips []*clip) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.DownloadConcurrency)

	for _, c := range clips {
		g.Go(func() error {
			data, err := w.download(gctx, store, c.ref.Location)
			if err != nil {
				return stageErr(StageDownload, "scene %d: %w", c.ref.SceneIndex, err)
			}
			if err := os.WriteFile(c.path, data, 0644); err != nil {
				return stageErr(StageDownload, "scene %d: failed to write clip: %w", c.ref.SceneIndex, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) download(ctx context.Context, store storage.ObjectStore, key string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= w.opts.DownloadRetries; attempt++ {
		if attempt > 0 {
			delay := w.opts.RetryBase << (attempt - 1)
			log.Printf("[Merge] Retrying download of %s in %v (attempt %d/%d): %v", key, delay, attempt, w.opts.DownloadRetries, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		data, err := store.Download(ctx, key)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("download failed after %d attempts: %w", w.opts.DownloadRetries+1, lastErr)
}

// trimAll probes every clip and cuts trailing silence. Clips without audio
// or without trailing silence are used as downloaded.
func (w *Worker) trimAll(ctx context.Context, scratch string, clips []*clip) error {
	for _, c := range clips {
		info, err := w.media.ProbeClip(ctx, c.path)
		if err != nil {
			return stageErr(StageSilenceDetect, "scene %d: %w", c.ref.SceneIndex, err)
		}
		c.duration = info.Duration
		c.hasAudio = info.HasAudio
		if !info.HasAudio {
			continue
		}

		end, trimmed, err := w.media.DetectTrailingSilence(ctx, c.path, info.Duration)
		if err != nil {
			return stageErr(StageSilenceDetect, "scene %d: %w", c.ref.SceneIndex, err)
		}
		if !trimmed {
			continue
		}

		out := filepath.Join(scratch, fmt.Sprintf("scene_%02d_trimmed.mp4", c.ref.SceneIndex))
		if err := w.media.TrimClip(ctx, c.path, out, end); err != nil {
			return stageErr(StageTrim, "scene %d: %w", c.ref.SceneIndex, err)
		}
		c.path = out
		c.duration = end
	}
	return nil
}

// Package compaction merges the per-flush files of the parquet backend.
//
// The parquet backend writes one file per flush, which leaves thousands of
// small files per day. Once a day is over, the compactor rewrites all files
// of that day and stream into a single file ordered by timestamp and
// removes the source files.
package compaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/daqstore/internal/logging"
	"github.com/xtxerr/daqstore/internal/storage"
	"github.com/xtxerr/daqstore/internal/storage/parquet"
)

var log = logging.Component("storage.compaction")

// compactedTag marks files written by the compactor.
const compactedTag = "-compacted-"

// sourcesKey holds the newline separated base names of the merged files in
// the footer of a compacted file.
const sourcesKey = "daqstore.compacted_sources"

// Options configures the compaction engine.
type Options struct {
	// Dir is the data directory of a parquet backend.
	Dir string

	// Interval between two scheduling passes.
	Interval time.Duration

	// Workers is the number of concurrent jobs.
	Workers int

	// Grace is how long after midnight UTC a day stays open, so late flushes
	// of the previous day are not missed.
	Grace time.Duration

	// Writer configures the output files.
	Writer parquet.Options
}

// DefaultOptions returns the default options for dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:      dir,
		Interval: time.Hour,
		Workers:  2,
		Grace:    10 * time.Minute,
		Writer:   parquet.DefaultOptions(),
	}
}

// Engine manages day compaction of a parquet data directory.
type Engine struct {
	opts Options
	now  func() time.Time

	// State
	mu        sync.RWMutex
	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	scheduled sync.WaitGroup

	// jobs in flight, keyed by day directory
	pending sync.Map

	// Job queue
	jobCh chan Job

	// Statistics
	stats Stats
}

// Stats holds compaction statistics.
type Stats struct {
	JobsScheduled atomic.Int64
	JobsCompleted atomic.Int64
	JobsFailed    atomic.Int64
	FilesRead     atomic.Int64
	FilesWritten  atomic.Int64
	RowsProcessed atomic.Int64
}

// Job represents a compaction job.
type Job struct {
	Stream string
	Day    time.Time

	// Source files to process
	SourceFiles []string

	// Output file path
	OutputFile string
}

// New creates a new compaction engine.
func New(opts Options) (*Engine, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("compaction: data dir required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		opts:   opts,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		jobCh:  make(chan Job, 100),
	}, nil
}

// Start starts the workers and the scheduler.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}

	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	e.scheduled.Add(1)
	go e.scheduler()

	return nil
}

// Stop stops the engine and waits for running jobs. A stopped engine cannot
// be started again.
func (e *Engine) Stop() error {
	if !e.running.Load() {
		return nil
	}

	e.cancel()
	e.scheduled.Wait()

	e.mu.Lock()
	if !e.running.CompareAndSwap(true, false) {
		e.mu.Unlock()
		return nil
	}
	close(e.jobCh)
	e.mu.Unlock()

	e.wg.Wait()

	return nil
}

func (e *Engine) worker() {
	defer e.wg.Done()

	for job := range e.jobCh {
		if err := e.runJob(job); err != nil {
			e.stats.JobsFailed.Add(1)
			log.Warn("compaction failed", "stream", job.Stream,
				"day", job.Day.Format(time.DateOnly), "error", err)
		} else {
			e.stats.JobsCompleted.Add(1)
		}
		e.pending.Delete(filepath.Dir(job.OutputFile))
	}
}

func (e *Engine) scheduler() {
	defer e.scheduled.Done()

	e.scheduleJobs()

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.scheduleJobs()
		}
	}
}

func (e *Engine) scheduleJobs() {
	jobs, err := e.Plan()
	if err != nil {
		log.Warn("compaction planning failed", "error", err)
		return
	}
	for _, job := range jobs {
		e.SubmitJob(job)
	}
}

// Plan lists the jobs for all closed days that hold more than one file.
// Sources left behind by an interrupted run are removed first, so their rows
// are not merged twice.
func (e *Engine) Plan() ([]Job, error) {
	closed := e.now().UTC().Add(-e.opts.Grace).Truncate(24 * time.Hour)

	var jobs []Job
	for _, stream := range []storage.Stream{storage.StreamSimple, storage.StreamCompound} {
		streamDir := filepath.Join(e.opts.Dir, stream.String())

		days, err := os.ReadDir(streamDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}

		for _, d := range days {
			if !d.IsDir() {
				continue
			}
			day, err := time.Parse(time.DateOnly, d.Name())
			if err != nil || !day.Before(closed) {
				continue
			}

			dayDir := filepath.Join(streamDir, d.Name())
			files, err := parquet.Files(dayDir)
			if err != nil {
				return nil, err
			}
			if files, err = finishInterrupted(files); err != nil {
				return nil, err
			}
			if len(files) < 2 {
				continue
			}

			jobs = append(jobs, Job{
				Stream:      stream.String(),
				Day:         day,
				SourceFiles: files,
				OutputFile:  outputPath(dayDir, day),
			})
		}
	}
	return jobs, nil
}

// SubmitJob queues a job. It reports false when the engine is stopped, the
// queue is full or the day is already queued.
func (e *Engine) SubmitJob(job Job) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.running.Load() {
		return false
	}
	key := filepath.Dir(job.OutputFile)
	if _, loaded := e.pending.LoadOrStore(key, struct{}{}); loaded {
		return false
	}

	select {
	case e.jobCh <- job:
		e.stats.JobsScheduled.Add(1)
		return true
	default:
		e.pending.Delete(key)
		return false
	}
}

// RunJob executes a compaction job synchronously.
func (e *Engine) RunJob(job Job) error {
	return e.runJob(job)
}

// RunOnce plans and runs all pending jobs synchronously.
func (e *Engine) RunOnce() (int, error) {
	jobs, err := e.Plan()
	if err != nil {
		return 0, err
	}
	for i, job := range jobs {
		if err := e.runJob(job); err != nil {
			return i, fmt.Errorf("%s %s: %w", job.Stream, job.Day.Format(time.DateOnly), err)
		}
	}
	return len(jobs), nil
}

// runJob writes the merged file under a temporary name, publishes it and
// only then removes the sources.
func (e *Engine) runJob(job Job) error {
	if len(job.SourceFiles) == 0 {
		return nil
	}

	rows, err := e.readRows(job.SourceFiles)
	if err != nil {
		return err
	}
	e.stats.RowsProcessed.Add(int64(len(rows)))

	names := make([]string, len(job.SourceFiles))
	for i, f := range job.SourceFiles {
		names[i] = filepath.Base(f)
	}
	wopts := e.opts.Writer
	wopts.Metadata = map[string]string{sourcesKey: strings.Join(names, "\n")}

	tmp := job.OutputFile + ".tmp"
	w, err := parquet.NewMeasurementWriter(tmp, wopts)
	if err != nil {
		return err
	}
	if err := w.Write(rows); err != nil {
		w.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", job.OutputFile, err)
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", job.OutputFile, err)
	}
	if err := parquet.Publish(tmp, job.OutputFile); err != nil {
		os.Remove(tmp)
		return err
	}
	e.stats.FilesWritten.Add(1)

	for _, f := range job.SourceFiles {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", f, err)
		}
	}

	log.Info("day compacted", "stream", job.Stream, "day", job.Day.Format(time.DateOnly),
		"files", len(job.SourceFiles), "rows", len(rows))
	return nil
}

// readRows reads all source files. Item indices are shifted so that every
// container keeps its own index in the merged file.
func (e *Engine) readRows(files []string) ([]parquet.MeasurementRow, error) {
	var all []parquet.MeasurementRow
	var offset int32

	for _, file := range files {
		r, err := parquet.NewMeasurementReader(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		rows, err := r.ReadAll()
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		e.stats.FilesRead.Add(1)

		var maxItem int32 = -1
		for i := range rows {
			if rows[i].Item > maxItem {
				maxItem = rows[i].Item
			}
			rows[i].Item += offset
		}
		offset += maxItem + 1
		all = append(all, rows...)
	}

	// per-file order is kept for equal timestamps
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].TimestampMs < all[j].TimestampMs
	})
	return all, nil
}

// finishInterrupted removes the sources of compacted files that are still
// present because a run stopped between publishing its output and removing
// its sources. It returns the files that remain.
func finishInterrupted(files []string) ([]string, error) {
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[filepath.Base(f)] = true
	}

	merged := make(map[string]bool)
	for _, f := range files {
		if !IsCompacted(f) {
			continue
		}
		v, ok, err := parquet.Metadata(f, sourcesKey)
		if err != nil {
			log.Warn("read compacted file", "file", f, "error", err)
			continue
		}
		if !ok {
			continue
		}
		for _, name := range strings.Split(v, "\n") {
			if present[name] && name != filepath.Base(f) {
				merged[name] = true
			}
		}
	}
	if len(merged) == 0 {
		return files, nil
	}

	remaining := files[:0:0]
	for _, f := range files {
		if !merged[filepath.Base(f)] {
			remaining = append(remaining, f)
			continue
		}
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove %s: %w", f, err)
		}
		log.Warn("removed source of interrupted compaction", "file", f)
	}
	return remaining, nil
}

// outputPath names the merged file like a flush at the start of the day,
// so retention treats it like any other file of that day.
func outputPath(dayDir string, day time.Time) string {
	return filepath.Join(dayDir, fmt.Sprintf("%d%s%s.parquet", day.UnixMilli(), compactedTag, uuid.NewString()))
}

// IsCompacted reports whether path was written by the compactor.
func IsCompacted(path string) bool {
	return strings.Contains(filepath.Base(path), compactedTag)
}

// Stats returns current statistics.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Running:       e.running.Load(),
		JobsScheduled: e.stats.JobsScheduled.Load(),
		JobsCompleted: e.stats.JobsCompleted.Load(),
		JobsFailed:    e.stats.JobsFailed.Load(),
		FilesRead:     e.stats.FilesRead.Load(),
		FilesWritten:  e.stats.FilesWritten.Load(),
		RowsProcessed: e.stats.RowsProcessed.Load(),
	}
}

// EngineStats holds engine statistics.
type EngineStats struct {
	Running       bool
	JobsScheduled int64
	JobsCompleted int64
	JobsFailed    int64
	FilesRead     int64
	FilesWritten  int64
	RowsProcessed int64
}

// IsRunning returns whether the engine is running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Package pipeline implements the concurrent ingest pipeline specified in
// section 4.1 and 4.4 of the design specification: a bounded
// producer/consumer network of one lister, R readers, and W writers,
// joined by a progress aggregator running in the caller's own goroutine.
//
// The task-scope join discipline (spawn, wg.Wait, close) follows
// gurre-ddb-pitr/coordinator.Coordinator.Run, generalized from one flat
// worker pool to this package's three-stage lister/reader/writer topology.
package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/solrbulk/solrbulk-go/archive"
	"github.com/solrbulk/solrbulk-go/cancel"
	"github.com/solrbulk/solrbulk-go/config"
	"github.com/solrbulk/solrbulk-go/metrics"
	"github.com/solrbulk/solrbulk-go/progress"
	"github.com/solrbulk/solrbulk-go/solrclient"
)

// ErrNoArchives is returned when archivePaths is empty: a configuration
// error per section 7's error taxonomy, fatal before any worker spawns.
var ErrNoArchives = errors.New("pipeline: no archives to restore")

// ErrArchiveInspection is returned when the first archive cannot be
// opened to estimate the total batch count.
var ErrArchiveInspection = errors.New("pipeline: could not inspect first archive")

// HTTPClient is the subset of solrclient.Client a writer depends on. The
// pipeline talks to this narrow interface instead of the concrete type so
// tests can substitute a fake, mirroring the teacher's
// aws/interfaces.go-style narrow-interface-plus-compile-time-assertion
// idiom.
type HTTPClient interface {
	PostAsJSON(url, content string) (string, error)
}

var _ HTTPClient = (*solrclient.Client)(nil)

// Options carries the ambient concerns and collaborator overrides a Run
// call needs. Every field is optional; nil-safe defaults are installed by
// Run. This mirrors the teacher's dependency-injected Coordinator
// constructor, adapted to a single call rather than a long-lived object.
type Options struct {
	Log      *zerolog.Logger
	Metrics  *metrics.Metrics
	Progress progress.Sink

	// Source opens archives; defaults to archive.NewZipSource().
	Source archive.Source

	// NewClient builds one HTTPClient per writer; defaults to a
	// solrclient.Client constructed from solrclient.LoadConfig().
	NewClient func() HTTPClient

	// Cancel is the shared one-shot cancellation flag. If nil, Run
	// creates one and installs the process-wide signal handler.
	Cancel *cancel.Flag

	// WritePacing is the fixed sleep after every POST, successful or not (open
	// question 2: kept unconditionally, exposed as a parameter rather
	// than a hardcoded constant). Defaults to one second.
	WritePacing time.Duration
}

func (o *Options) setDefaults() {
	if o.Log == nil {
		nop := zerolog.Nop()
		o.Log = &nop
	}
	if o.Progress == nil {
		o.Progress = progress.Null{}
	}
	if o.Source == nil {
		o.Source = archive.NewZipSource()
	}
	if o.NewClient == nil {
		cfg := solrclient.LoadConfig()
		log := o.Log
		m := o.Metrics
		if m != nil {
			cfg.OnRetry = m.RecordRetry
		}
		o.NewClient = func() HTTPClient { return solrclient.New(cfg, log) }
	}
	if o.Cancel == nil {
		o.Cancel = cancel.NewFlag()
	}
	if o.WritePacing <= 0 {
		o.WritePacing = time.Second
	}
}

// Run executes the full pipeline to completion: estimate the total,
// install the signal handler, spawn the lister/reader/writer task scope,
// and consume ProgressCh until every writer has exited. It returns the
// number of batches successfully written.
func Run(params *config.RestoreParams, archivePaths []string, opts Options) (uint64, error) {
	if len(archivePaths) == 0 {
		return 0, ErrNoArchives
	}
	opts.setDefaults()

	estimatedTotal, err := estimateTotal(opts.Source, archivePaths)
	if err != nil {
		return 0, err
	}

	cancel.InstallSignalHandler(opts.Cancel)

	pathCh := make(chan string, 2*int(params.Readers))
	batchCh := make(chan string, 2*int(params.Writers))
	progressCh := make(chan struct{}, int(params.Writers))

	// readersGone/writersGone are internal, per-boundary "downstream is
	// gone" signals, distinct from opts.Cancel. They replace the signal a
	// disconnected crossbeam receiver gives the Rust original for free:
	// an upstream send that would otherwise block forever once every
	// consumer of its channel has exited, even though nobody asked for
	// cancellation. They are deliberately NOT opts.Cancel: that flag is
	// also polled at the *top* of the reader/writer receive loops (for
	// P6 promptness), and firing it the instant the last reader or
	// writer exits would race an unrelated, still-running sibling
	// worker into abandoning batches still sitting in a channel's
	// buffer. Each flag below is only ever set after every consumer on
	// its side has already exited, so there is no such sibling left to
	// race.
	readersGone := cancel.NewFlag()
	writersGone := cancel.NewFlag()

	var lister sync.WaitGroup
	lister.Add(1)
	go func() {
		defer lister.Done()
		runLister(archivePaths, pathCh, opts.Cancel, readersGone)
	}()

	var readers sync.WaitGroup
	for i := 0; i < int(params.Readers); i++ {
		readers.Add(1)
		go func(id int) {
			defer readers.Done()
			runReader(id, pathCh, batchCh, writersGone, opts)
		}(i)
	}
	go func() {
		readers.Wait()
		readersGone.Set()
		close(batchCh)
	}()

	var writers sync.WaitGroup
	updateURL := params.UpdateURL()
	for i := 0; i < int(params.Writers); i++ {
		writers.Add(1)
		go func(id int) {
			defer writers.Done()
			runWriter(id, updateURL, batchCh, progressCh, opts)
		}(i)
	}
	go func() {
		writers.Wait()
		writersGone.Set()
		close(progressCh)
	}()

	bar := progress.NewBar(estimatedTotal, nil)
	sink := progress.Multi{Sinks: []progress.Sink{bar, opts.Progress}}
	defer sink.Close()

	var written uint64
	for range progressCh {
		written++
		sink.Add(1)
	}

	// progressCh only closes once writers.Wait() has returned, so every
	// writer has exited here. Readers can still be running if the writers
	// stopped early (cancellation or terminal failures); they exit via
	// writersGone or the cancel flag, and are joined here together with
	// the lister. This is the "task scope" join-before-return guarantee
	// of section 4.1: Run does not return with any worker still live.
	readers.Wait()
	lister.Wait()

	return written, nil
}

// estimateTotal implements section 4.3's estimation formula: the file
// count of the first archive, times the number of archives. Fatal if the
// first archive cannot be inspected, before any worker spawns.
func estimateTotal(src archive.Source, archivePaths []string) (uint64, error) {
	count, ok := src.GetArchiveFileCount(archivePaths[0])
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrArchiveInspection, archivePaths[0])
	}
	return uint64(count) * uint64(len(archivePaths)), nil
}

// runLister iterates the archive-path slice, sending each path into
// pathCh; it exits immediately if a send would block forever (downstream
// gone, whether via cancellation or every reader having already exited)
// and always closes pathCh on exit.
func runLister(archivePaths []string, pathCh chan<- string, cancelFlag *cancel.Flag, readersGone *cancel.Flag) {
	defer close(pathCh)
	for _, p := range archivePaths {
		select {
		case pathCh <- p:
		case <-cancelFlag.Done():
			return
		case <-readersGone.Done():
			return
		}
	}
}

// runReader implements the reader pseudo-contract of section 4.4: pull
// paths until pathCh closes or the cancel flag is set; an archive that
// fails to open ends this reader entirely (logged), while other readers
// keep going.
func runReader(id int, pathCh <-chan string, batchCh chan<- string, writersGone *cancel.Flag, opts Options) {
	name := fmt.Sprintf("Reader_%d", id)
	opts.Log.Info().Str("worker", name).Msg("starting")
	defer opts.Log.Info().Str("worker", name).Msg("exiting")

	for {
		if opts.Cancel.IsSet() {
			return
		}
		var path string
		var ok bool
		select {
		case path, ok = <-pathCh:
			if !ok {
				return
			}
		case <-opts.Cancel.Done():
			return
		}

		iter, err := opts.Source.CreateReader(path)
		if err != nil {
			opts.Log.Error().Str("worker", name).Str("archive", path).Err(err).Msg("failed to open archive")
			if opts.Metrics != nil {
				opts.Metrics.RecordArchiveFailed()
			}
			return
		}
		drainArchive(name, iter, batchCh, writersGone, opts)
	}
}

// drainArchive streams every batch of one archive into batchCh, stopping
// early on cancellation, every writer having already exited (writersGone,
// e.g. because the Solr endpoint is down and every writer's retry budget
// is exhausted), or a failure reading an archive member.
func drainArchive(workerName string, iter archive.BatchIterator, batchCh chan<- string, writersGone *cancel.Flag, opts Options) {
	defer iter.Close()
	for {
		if opts.Cancel.IsSet() {
			return
		}
		batch, ok, err := iter.Next()
		if err != nil {
			opts.Log.Error().Str("worker", workerName).Err(err).Msg("failed reading archive member")
			return
		}
		if !ok {
			return
		}
		select {
		case batchCh <- batch:
		case <-opts.Cancel.Done():
			return
		case <-writersGone.Done():
			return
		}
	}
}

// runWriter implements the writer pseudo-contract of section 4.4: own one
// HTTP client, post each batch, pace one second between posts, and exit
// (this writer only) on a terminal error, channel close, or cancellation.
func runWriter(id int, updateURL string, batchCh <-chan string, progressCh chan<- struct{}, opts Options) {
	name := fmt.Sprintf("Writer_%d", id)
	opts.Log.Info().Str("worker", name).Msg("starting")
	defer opts.Log.Info().Str("worker", name).Msg("exiting")

	client := opts.NewClient()

	for {
		if opts.Cancel.IsSet() {
			return
		}
		var batch string
		var ok bool
		select {
		case batch, ok = <-batchCh:
			if !ok {
				return
			}
		case <-opts.Cancel.Done():
			return
		}

		_, err := client.PostAsJSON(updateURL, batch)
		time.Sleep(opts.WritePacing)

		if err != nil {
			opts.Log.Error().Str("worker", name).Err(err).Msg("terminal write failure")
			if opts.Metrics != nil {
				opts.Metrics.RecordBatchFailed()
			}
			return
		}

		select {
		case progressCh <- struct{}{}:
		case <-opts.Cancel.Done():
			return
		}
	}
}

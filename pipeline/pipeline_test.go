package pipeline

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/solrbulk/solrbulk-go/archive"
	"github.com/solrbulk/solrbulk-go/cancel"
	"github.com/solrbulk/solrbulk-go/config"
	"github.com/solrbulk/solrbulk-go/progress"
)

func writeZip(t *testing.T, path string, members map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating zip file: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range members {
		ww, err := w.Create(name)
		if err != nil {
			t.Fatalf("creating member %s: %v", name, err)
		}
		if _, err := ww.Write([]byte(content)); err != nil {
			t.Fatalf("writing member %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing zip writer: %v", err)
	}
}

func testParams(t *testing.T, readers, writers uint) *config.RestoreParams {
	t.Helper()
	p := &config.RestoreParams{
		FromDir:  t.TempDir(),
		Pattern:  "*.zip",
		IntoCore: "collection1",
		BaseURL:  "http://example.invalid",
		Readers:  readers,
		Writers:  writers,
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	return p
}

// fakeClient counts posted batches and always succeeds, independent of
// solrclient so these tests exercise only the pipeline's own wiring.
type fakeClient struct {
	posted int64
}

func (f *fakeClient) PostAsJSON(url, content string) (string, error) {
	atomic.AddInt64(&f.posted, 1)
	return "", nil
}

// failingClient fails every POST terminally, so its writer exits after its
// first batch.
type failingClient struct{}

func (failingClient) PostAsJSON(url, content string) (string, error) {
	return "", fmt.Errorf("boom")
}

func noPacingOptions() Options {
	return Options{
		Progress:    progress.Null{},
		WritePacing: time.Microsecond,
	}
}

func TestRunTwoArchivesNoFaults(t *testing.T) {
	params := testParams(t, 2, 2)
	a1 := filepath.Join(params.FromDir, "a.zip")
	a2 := filepath.Join(params.FromDir, "b.zip")
	writeZip(t, a1, map[string]string{"1.json": `{"a":1}`, "2.json": `{"a":2}`})
	writeZip(t, a2, map[string]string{"3.json": `{"a":3}`})

	client := &fakeClient{}
	opts := noPacingOptions()
	opts.NewClient = func() HTTPClient { return client }

	written, err := Run(params, []string{a1, a2}, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if written != 3 {
		t.Errorf("written = %d, want 3", written)
	}
	if got := atomic.LoadInt64(&client.posted); got != 3 {
		t.Errorf("posted = %d, want 3", got)
	}
}

func TestRunEmptyArchiveListIsConfigError(t *testing.T) {
	params := testParams(t, 1, 1)
	_, err := Run(params, nil, noPacingOptions())
	if err != ErrNoArchives {
		t.Errorf("err = %v, want ErrNoArchives", err)
	}
}

func TestRunFirstArchiveUninspectableIsFatal(t *testing.T) {
	params := testParams(t, 1, 1)
	_, err := Run(params, []string{filepath.Join(params.FromDir, "missing.zip")}, noPacingOptions())
	if err == nil {
		t.Fatal("expected archive-inspection error")
	}
}

// corruptSource wraps a real ZipSource but reports a second, unreadable
// archive so readers exercise the "archive-open error ends this reader"
// policy from section 4.4 without the estimation step itself failing.
type corruptSource struct {
	real     archive.Source
	corrupt  string
	goodPath string
}

func (s corruptSource) GetArchiveFileCount(path string) (int, bool) {
	return s.real.GetArchiveFileCount(s.goodPath)
}

func (s corruptSource) CreateReader(path string) (archive.BatchIterator, error) {
	if path == s.corrupt {
		return nil, fmt.Errorf("simulated corruption")
	}
	return s.real.CreateReader(path)
}

func TestRunCorruptArchiveMidRunContinues(t *testing.T) {
	params := testParams(t, 2, 2)
	good := filepath.Join(params.FromDir, "good.zip")
	corrupt := filepath.Join(params.FromDir, "corrupt.zip")
	writeZip(t, good, map[string]string{"1.json": `{"a":1}`})
	writeZip(t, corrupt, map[string]string{"2.json": `{"a":2}`})

	client := &fakeClient{}
	opts := noPacingOptions()
	opts.NewClient = func() HTTPClient { return client }
	opts.Source = corruptSource{real: archive.NewZipSource(), corrupt: corrupt, goodPath: good}

	written, err := Run(params, []string{good, corrupt}, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if written != 1 {
		t.Errorf("written = %d, want 1 (only the good archive's batch)", written)
	}
}

// runWithTimeout runs Run on a goroutine and fails the test if it does not
// return within d. It guards the scenarios below against the goroutine
// leaks and indefinite hangs the close discipline (readersGone/writersGone)
// must prevent: P4 ("the orchestrator returns in bounded time") and P7 ("no
// worker task is live" after Run returns).
func runWithTimeout(t *testing.T, d time.Duration, params *config.RestoreParams, archivePaths []string, opts Options) (uint64, error) {
	t.Helper()
	type result struct {
		written uint64
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		written, err := Run(params, archivePaths, opts)
		resCh <- result{written, err}
	}()
	select {
	case r := <-resCh:
		return r.written, r.err
	case <-time.After(d):
		t.Fatal("Run did not return within the timeout")
		return 0, nil
	}
}

// TestRunListerUnblocksWhenAllReadersExitEarly extends scenario 4's
// corrupt-archive case to a single reader with archives queued behind the
// corrupt one: once that reader dies on bad.zip, no reader remains to drain
// pathCh, so the lister must stop trying to send good2.zip/good3.zip rather
// than block on pathCh forever.
func TestRunListerUnblocksWhenAllReadersExitEarly(t *testing.T) {
	params := testParams(t, 1, 1)
	good := filepath.Join(params.FromDir, "good.zip")
	bad := filepath.Join(params.FromDir, "bad.zip")
	good2 := filepath.Join(params.FromDir, "good2.zip")
	good3 := filepath.Join(params.FromDir, "good3.zip")
	writeZip(t, good, map[string]string{"1.json": `{"a":1}`})
	writeZip(t, good2, map[string]string{"1.json": `{"a":1}`})
	writeZip(t, good3, map[string]string{"1.json": `{"a":1}`})
	// bad.zip is deliberately never written, so CreateReader fails to open it.

	opts := noPacingOptions()
	opts.NewClient = func() HTTPClient { return &fakeClient{} }

	written, err := runWithTimeout(t, 2*time.Second, params, []string{good, bad, good2, good3}, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if written != 1 {
		t.Errorf("written = %d, want 1 (only the archive processed before the sole reader died on bad.zip)", written)
	}
}

// TestRunReaderUnblocksWhenAllWritersExitEarly covers the case where every
// writer fails terminally while a reader is still mid-archive: the reader
// must stop trying to send further batches into batchCh rather than block
// forever once no writer remains to drain it.
func TestRunReaderUnblocksWhenAllWritersExitEarly(t *testing.T) {
	params := testParams(t, 1, 2)
	path := filepath.Join(params.FromDir, "many.zip")
	members := make(map[string]string)
	for i := 0; i < 200; i++ {
		members[fmt.Sprintf("%d.json", i)] = fmt.Sprintf(`{"a":%d}`, i)
	}
	writeZip(t, path, members)

	opts := noPacingOptions()
	opts.NewClient = func() HTTPClient { return failingClient{} }

	written, err := runWithTimeout(t, 2*time.Second, params, []string{path}, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if written != 0 {
		t.Errorf("written = %d, want 0 (both writers fail their first batch and exit)", written)
	}
}

func TestRunCancellationStopsEarly(t *testing.T) {
	params := testParams(t, 1, 1)
	path := filepath.Join(params.FromDir, "many.zip")
	members := make(map[string]string)
	for i := 0; i < 50; i++ {
		members[fmt.Sprintf("%d.json", i)] = fmt.Sprintf(`{"a":%d}`, i)
	}
	writeZip(t, path, members)

	flag := cancel.NewFlag()
	var ticks int32
	tee := teeSink{onAdd: func(n int) {
		if atomic.AddInt32(&ticks, int32(n)) >= 3 {
			flag.Set()
		}
	}}

	opts := noPacingOptions()
	opts.Progress = tee
	opts.Cancel = flag
	opts.NewClient = func() HTTPClient { return &fakeClient{} }

	written, err := Run(params, []string{path}, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if written >= 50 {
		t.Errorf("written = %d, want fewer than all 50 batches after cancellation", written)
	}
}

type teeSink struct {
	onAdd func(n int)
}

func (t teeSink) Add(n int)    { t.onAdd(n) }
func (t teeSink) Close() error { return nil }

func TestRunWriterTerminalFailureEndsOnlyThatWriter(t *testing.T) {
	params := testParams(t, 1, 2)
	path := filepath.Join(params.FromDir, "a.zip")
	members := make(map[string]string)
	for i := 0; i < 10; i++ {
		members[fmt.Sprintf("%d.json", i)] = fmt.Sprintf(`{"a":%d}`, i)
	}
	writeZip(t, path, members)

	var mu sync.Mutex
	calls := 0
	opts := noPacingOptions()
	opts.NewClient = func() HTTPClient {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return failingClient{}
		}
		return &fakeClient{}
	}

	written, err := Run(params, []string{path}, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if written == 0 || written >= 10 {
		t.Errorf("written = %d, want between 1 and 9 (one writer fails, the other keeps going)", written)
	}
}

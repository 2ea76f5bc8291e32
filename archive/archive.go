// Package archive implements the archive batch source specified in
// section 4.3 of the design specification. It treats a ZIP file's interior
// members as a lazy, single-pass, finite sequence of batches: one batch per
// member, in whatever order the ZIP's central directory lists them.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dsnet/compress/bzip2"
)

// init teaches archive/zip how to read members stored
// with ZIP method 12 (bzip2). The stdlib only ships deflate (8) and store
// (0) out of the box; some export tools used by this system's older Solr
// cores emit bzip2-compressed members, so we register a real decoder for
// it rather than failing to open those archives.
func init() {
	zip.RegisterDecompressor(12, func(r io.Reader) io.ReadCloser {
		bz, err := bzip2.NewReader(r, nil)
		if err != nil {
			return io.NopCloser(errReader{err})
		}
		return bz
	})
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// Source is the contract for turning an archive path into an estimated
// member count, and into a lazy sequence of batches, as specified in
// section 4.3.
type Source interface {
	// GetArchiveFileCount counts interior files without extracting them.
	// The bool is false if the archive could not be inspected.
	GetArchiveFileCount(path string) (int, bool)

	// CreateReader opens one archive and returns a lazy, single-pass,
	// finite iterator over its batches.
	CreateReader(path string) (BatchIterator, error)
}

// BatchIterator yields one Batch (the textual content of one interior ZIP
// member) per call to Next, releasing the archive's file handle once
// exhausted or once Close is called.
type BatchIterator interface {
	// Next returns the next batch. ok is false once the sequence is
	// exhausted; err is non-nil if reading a member failed.
	Next() (batch string, ok bool, err error)

	// Close releases the archive's file handle. Safe to call more than
	// once and safe to call before the sequence is exhausted.
	Close() error
}

// ZipSource implements Source over the local filesystem's ZIP files.
type ZipSource struct{}

// NewZipSource creates a ZipSource.
func NewZipSource() *ZipSource {
	return &ZipSource{}
}

var _ Source = (*ZipSource)(nil)

// GetArchiveFileCount implements Source. It opens the archive's central
// directory (cheap — no member data is read) and counts entries, as
// specified in section 4.3's estimation algorithm.
func (ZipSource) GetArchiveFileCount(path string) (int, bool) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return 0, false
	}
	defer r.Close()
	return len(r.File), true
}

// CreateReader implements Source.
func (ZipSource) CreateReader(path string) (BatchIterator, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", filepath.Base(path), err)
	}
	return &zipIterator{reader: r, files: r.File}, nil
}

type zipIterator struct {
	reader *zip.ReadCloser
	files  []*zip.File
	idx    int
	closed bool
}

var _ BatchIterator = (*zipIterator)(nil)

func (it *zipIterator) Next() (string, bool, error) {
	if it.idx >= len(it.files) {
		_ = it.Close()
		return "", false, nil
	}

	f := it.files[it.idx]
	it.idx++

	rc, err := f.Open()
	if err != nil {
		return "", false, fmt.Errorf("opening member %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", false, fmt.Errorf("reading member %s: %w", f.Name, err)
	}

	return string(data), true, nil
}

func (it *zipIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.reader.Close()
}

// ListArchives is the file-lister collaborator spec.md §1 treats as
// external to the core: it resolves FromDir + Pattern into a sorted list
// of absolute archive paths.
func ListArchives(fromDir, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(fromDir, pattern))
	if err != nil {
		return nil, fmt.Errorf("listing archives in %s: %w", fromDir, err)
	}
	abs := make([]string, 0, len(matches))
	for _, m := range matches {
		a, err := filepath.Abs(m)
		if err != nil {
			return nil, fmt.Errorf("resolving archive path %s: %w", m, err)
		}
		abs = append(abs, a)
	}
	return abs, nil
}

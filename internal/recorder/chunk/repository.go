package chunk

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/xtxerr/flightrec/internal/errors"
)

// FileExt is the extension of chunk files.
const FileExt = ".flr"

// Repository is the directory chunks are rotated through.
// Chunk files are named by a zero-padded sequence number.
type Repository struct {
	mu sync.Mutex

	dir          string
	maxChunks    int
	maxChunkSize int64
	seq          int64
}

// File is a chunk file in the repository.
type File struct {
	Path string
	Seq  int64
	Size int64
}

// OpenRepository creates dir if needed and continues numbering after the
// highest existing chunk.
func OpenRepository(dir string, maxChunks int, maxChunkSize int64) (*Repository, error) {
	if dir == "" {
		return nil, errors.ErrRepositoryPath
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}

	r := &Repository{
		dir:          dir,
		maxChunks:    maxChunks,
		maxChunkSize: maxChunkSize,
	}

	files, err := r.List()
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	if len(files) > 0 {
		r.seq = files[len(files)-1].Seq
	}
	return r, nil
}

// Dir returns the repository directory.
func (r *Repository) Dir() string { return r.dir }

// MaxChunkSize returns the size at which a chunk should be rotated.
func (r *Repository) MaxChunkSize() int64 { return r.maxChunkSize }

// NextPath reserves the path of the next chunk.
func (r *Repository) NextPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return filepath.Join(r.dir, fmt.Sprintf("%016d%s", r.seq, FileExt))
}

// SequenceOf returns the sequence number encoded in a chunk path.
func SequenceOf(path string) (int64, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, FileExt) {
		return 0, false
	}
	seq, err := strconv.ParseInt(strings.TrimSuffix(name, FileExt), 10, 64)
	return seq, err == nil
}

// ShouldRotate reports whether a chunk of size bytes has reached the limit.
func (r *Repository) ShouldRotate(size int64) bool {
	return r.maxChunkSize > 0 && size >= r.maxChunkSize
}

// List returns the chunk files ordered by sequence number.
func (r *Repository) List() ([]File, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}

	var files []File
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), FileExt) {
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), FileExt), 10, 64)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, File{
			Path: filepath.Join(r.dir, e.Name()),
			Seq:  seq,
			Size: info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Seq < files[j].Seq
	})
	return files, nil
}

// Purge deletes the oldest chunks beyond the retention count, never touching
// keep. It returns the removed paths.
func (r *Repository) Purge(keep string) ([]string, error) {
	if r.maxChunks <= 0 {
		return nil, nil
	}

	files, err := r.List()
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	var removed []string
	var errs []error
	for i := 0; len(files)-i > r.maxChunks; i++ {
		if files[i].Path == keep {
			continue
		}
		if err := os.Remove(files[i].Path); err != nil {
			errs = append(errs, fmt.Errorf("remove chunk %s: %w", files[i].Path, err))
			continue
		}
		removed = append(removed, files[i].Path)
	}
	return removed, errors.Join(errs...)
}

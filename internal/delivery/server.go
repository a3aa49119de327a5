package delivery

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/live-assets/asset-repository/internal/asset"
	"github.com/live-assets/asset-repository/pkg/checksum"
)

var (
	// ErrForbidden covers bad tokens and filenames that do not name an
	// archive inside the download directory.
	ErrForbidden = errors.New("delivery: forbidden")
	// ErrNotFound means the archive does not exist.
	ErrNotFound = errors.New("delivery: archive not found")
	// ErrInvalidRequest means the kind or slug could not be parsed.
	ErrInvalidRequest = errors.New("delivery: invalid request")
)

// Download is an opened archive ready to stream. Callers must Close it.
type Download struct {
	File     *os.File
	Filename string
	Size     int64
	ModTime  time.Time
	Checksum string
}

// Close releases the file handle.
func (d *Download) Close() error { return d.File.Close() }

// Server opens archives from the download directory.
type Server struct {
	dir    string
	signer *Signer
}

// NewServer creates a server for dir.
func NewServer(dir string, signer *Signer) *Server {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = filepath.Clean(dir)
	}
	return &Server{dir: abs, signer: signer}
}

// Open checks token and opens the archive named filename. Path checks run
// before the existence check so traversal attempts are never reported as
// missing files.
func (s *Server) Open(filename, token string) (*Download, error) {
	if s.signer == nil || !s.signer.Verify(filename, token) {
		return nil, ErrForbidden
	}
	p, err := s.resolve(filename)
	if err != nil {
		return nil, err
	}
	return s.open(p)
}

// OpenBySlug opens the archive for (kind, slug) without a token.
func (s *Server) OpenBySlug(kind, slug string) (*Download, error) {
	k, err := asset.ParseKind(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	filename, err := asset.ArchiveFilename(k, slug)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	p, err := s.resolve(filename)
	if err != nil {
		return nil, err
	}
	return s.open(p)
}

// resolve maps filename to a path directly inside the download directory.
func (s *Server) resolve(filename string) (string, error) {
	if filename == "" || !strings.HasSuffix(filename, asset.ArchiveExt) ||
		strings.ContainsAny(filename, `/\`) || strings.ContainsRune(filename, 0) {
		return "", ErrForbidden
	}

	p := filepath.Join(s.dir, filename)
	rel, err := filepath.Rel(s.dir, p)
	if err != nil || rel != filename || strings.HasPrefix(rel, "..") {
		return "", ErrForbidden
	}

	// a symlink planted in the directory must not lead outside it
	if real, err := filepath.EvalSymlinks(p); err == nil {
		realDir, derr := filepath.EvalSymlinks(s.dir)
		if derr != nil || filepath.Dir(real) != realDir {
			return "", ErrForbidden
		}
	}
	return p, nil
}

func (s *Server) open(p string) (*Download, error) {
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, ErrNotFound
	}

	sum, err := checksum.CalculateSHA256(f)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to checksum archive: %w", err)
	}

	return &Download{
		File:     f,
		Filename: filepath.Base(p),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Checksum: sum,
	}, nil
}

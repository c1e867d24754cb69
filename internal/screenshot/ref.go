// Package screenshot owns captured device screenshots. A Ref is a revocable handle to
// one image; releasing it frees the underlying resource exactly once.
package screenshot

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

var ErrReleased = errors.New("screenshot released")

type Ref struct {
	ID          string
	URL         string
	ContentType string
	Size        int

	once    sync.Once
	mu      sync.Mutex
	closed  bool
	read    func() ([]byte, error)
	release func() error
}

// Bytes returns the image payload, or ErrReleased once the ref was released.
func (r *Ref) Bytes() ([]byte, error) {
	if r == nil {
		return nil, ErrReleased
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrReleased
	}
	return r.read()
}

func (r *Ref) Released() bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Release frees the resource. Calls after the first are no-ops.
func (r *Ref) Release() error {
	if r == nil {
		return nil
	}
	var err error
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		if r.release != nil {
			err = r.release()
		}
	})
	return err
}

// Allocator creates refs for freshly captured images.
type Allocator interface {
	Create(data []byte, contentType string) (*Ref, error)
}

// NewRef builds a ref over caller-managed storage. read and release must not be nil.
func NewRef(id, rawURL, contentType string, size int, read func() ([]byte, error), release func() error) *Ref {
	return &Ref{
		ID:          id,
		URL:         rawURL,
		ContentType: contentType,
		Size:        size,
		read:        read,
		release:     release,
	}
}

type MemoryStore struct {
	mu   sync.Mutex
	live map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{live: map[string][]byte{}}
}

func (s *MemoryStore) Create(data []byte, contentType string) (*Ref, error) {
	id := uuid.NewString()
	buf := append([]byte(nil), data...)
	s.mu.Lock()
	s.live[id] = buf
	s.mu.Unlock()
	return NewRef(id, "mem://"+id, contentType, len(buf),
		func() ([]byte, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			b, ok := s.live[id]
			if !ok {
				return nil, ErrReleased
			}
			return append([]byte(nil), b...), nil
		},
		func() error {
			s.mu.Lock()
			delete(s.live, id)
			s.mu.Unlock()
			return nil
		},
	), nil
}

// Live reports how many refs have not been released yet.
func (s *MemoryStore) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// DirStore keeps each screenshot as a file and removes it on release.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create screenshot dir: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) Create(data []byte, contentType string) (*Ref, error) {
	id := uuid.NewString()
	path := filepath.Join(s.dir, id+extension(contentType))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write screenshot: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return NewRef(id, u.String(), contentType, len(data),
		func() ([]byte, error) {
			return os.ReadFile(path)
		},
		func() error {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove screenshot: %w", err)
			}
			return nil
		},
	), nil
}

func extension(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

// Package storage keeps uploaded migration files and generated result files.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/apperrors"
)

// FileStore saves and serves blobs by relative path.
type FileStore interface {
	// Save writes r under a new unique path derived from name and returns the path.
	Save(ctx context.Context, folder, name string, r io.Reader) (string, error)
	// Open returns a reader for a stored path. The caller closes it.
	Open(ctx context.Context, p string) (io.ReadCloser, error)
	// URL returns a download link for a stored path.
	URL(p string) string
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// LocalStore stores files under a root directory on the local filesystem.
type LocalStore struct {
	root          string
	publicBaseURL string
	logger        *zap.Logger
	now           func() time.Time
}

var _ FileStore = (*LocalStore)(nil)

// NewLocalStore creates root if needed.
func NewLocalStore(root, publicBaseURL string, logger *zap.Logger) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("storage root directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return &LocalStore{
		root:          root,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger.Named("storage"),
		now:           time.Now,
	}, nil
}

// Save stores r at <folder>/<yyyy>/<mm>/<uuid>-<sanitized name>.
func (s *LocalStore) Save(ctx context.Context, folder, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rel := path.Join(
		sanitize(folder),
		s.now().UTC().Format("2006/01"),
		uuid.NewString()+"-"+sanitize(name),
	)
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}

	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", rel, err)
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(full)
		return "", fmt.Errorf("failed to write %s: %w", rel, err)
	}

	s.logger.Debug("Stored file", zap.String("path", rel), zap.Int64("bytes", n))
	return rel, nil
}

// Open returns the stored file at p.
func (s *LocalStore) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: file %s", apperrors.ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	return f, nil
}

// URL joins the public base URL with p.
func (s *LocalStore) URL(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.publicBaseURL + "/" + strings.Join(segments, "/")
}

// Handler serves stored files under the given URL prefix.
func (s *LocalStore) Handler(prefix string) http.Handler {
	return http.StripPrefix(prefix, http.FileServer(http.Dir(s.root)))
}

func (s *LocalStore) resolve(p string) (string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", fmt.Errorf("%w: empty file path", apperrors.ErrNotFound)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func sanitize(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	return name
}

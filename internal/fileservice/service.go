// Package fileservice reads and writes files on behalf of the presentation
// process and builds the workspace tree shown in its side bar.
package fileservice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/internal/metrics"
	"github.com/lzy19926/lzy-code-editor/pkg/models"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// selfWriteWindow is how long a write made by the service masks watcher
// events for the same path.
const selfWriteWindow = 2 * time.Second

// Options configures a Service.
type Options struct {
	// AllowedRoots restricts every path to these directories and the
	// directories picked by the user. Empty means unrestricted.
	AllowedRoots []string

	// Picker chooses the directory for getFileTreeFromDir.
	Picker Picker

	// Ignore lists entry names skipped when building trees.
	Ignore []string

	// MaxDepth limits tree depth below the root. 0 means unlimited.
	MaxDepth int
}

// Service implements the file capabilities.
type Service struct {
	opts   Options
	ignore map[string]struct{}
	logger *zap.Logger

	mu     sync.RWMutex
	picked []string
	writes map[string]time.Time

	// OnPick is called with each picked directory, after it has been allowed.
	OnPick func(dir string)
}

// New creates a file service.
func New(opts Options) *Service {
	ignore := make(map[string]struct{}, len(opts.Ignore))
	for _, name := range opts.Ignore {
		ignore[name] = struct{}{}
	}
	roots := make([]string, 0, len(opts.AllowedRoots))
	for _, r := range opts.AllowedRoots {
		if abs, err := filepath.Abs(r); err == nil {
			roots = append(roots, abs)
		}
	}
	opts.AllowedRoots = roots

	return &Service{
		opts:   opts,
		ignore: ignore,
		logger: logging.Named("fileservice"),
		writes: make(map[string]time.Time),
	}
}

// Resolve turns a path received from the presentation process into a clean
// absolute path and checks it against the allowed roots.
func (s *Service) Resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", protocol.ErrBadParams)
	}
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	if !s.allowed(abs) {
		return "", fmt.Errorf("%w: %s", protocol.ErrPermissionDenied, abs)
	}
	return abs, nil
}

// allowed checks abs with its symlinks resolved, so a link inside a root
// cannot reach outside it.
func (s *Service) allowed(abs string) bool {
	if len(s.opts.AllowedRoots) == 0 {
		return true
	}
	target, err := realPath(abs)
	if err != nil {
		s.logger.Debug("resolve symlinks", zap.String("path", abs), zap.Error(err))
		return false
	}
	s.mu.RLock()
	roots := append(append([]string(nil), s.opts.AllowedRoots...), s.picked...)
	s.mu.RUnlock()
	for _, root := range roots {
		if r, err := realPath(root); err == nil {
			root = r
		}
		if within(root, target) {
			return true
		}
	}
	return false
}

// realPath resolves the symlinks of p. Trailing components that do not
// exist yet are kept as written, so new files resolve through their
// nearest existing parent.
func realPath(p string) (string, error) {
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		missing = append([]string{filepath.Base(p)}, missing...)
		p = parent
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ReadText reads a file and decodes it with charset (default utf-8).
func (s *Service) ReadText(ctx context.Context, p, charset string) (string, error) {
	data, err := s.ReadBuffer(ctx, p)
	if err != nil {
		return "", err
	}
	return decode(data, charset)
}

// ReadBuffer reads a file as raw bytes.
func (s *Service) ReadBuffer(ctx context.Context, p string) ([]byte, error) {
	abs, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	metrics.AddBytesRead(len(data))
	logging.WithContext(ctx).Debug("read file",
		zap.String("path", abs),
		zap.Int("bytes", len(data)))
	return data, nil
}

// WriteText replaces the content of a file. The write goes to a temp file in
// the same directory which is then renamed over the target, so readers never
// observe a partial file. The parent directory must exist.
func (s *Service) WriteText(ctx context.Context, p, text string) error {
	abs, err := s.Resolve(p)
	if err != nil {
		return err
	}

	mode := fs.FileMode(0644)
	if info, err := os.Stat(abs); err == nil {
		if info.IsDir() {
			return &fs.PathError{Op: "write", Path: abs, Err: errors.New("is a directory")}
		}
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), "."+filepath.Base(abs)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) }

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		cleanup()
		return err
	}

	s.markWrite(abs)
	if err := os.Rename(tmpPath, abs); err != nil {
		cleanup()
		return err
	}

	metrics.AddBytesWritten(len(text))
	logging.WithContext(ctx).Debug("wrote file",
		zap.String("path", abs),
		zap.Int("bytes", len(text)))
	return nil
}

func (s *Service) markWrite(abs string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[abs] = now
	for p, t := range s.writes {
		if now.Sub(t) > selfWriteWindow {
			delete(s.writes, p)
		}
	}
}

// WroteRecently reports whether the service itself wrote p within the
// self-write window. The watcher uses it to drop echoes of our own writes.
func (s *Service) WroteRecently(p string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.writes[filepath.Clean(p)]
	return ok && time.Since(t) <= selfWriteWindow
}

// PickTree asks the picker for a directory and returns its tree.
// A cancelled selection returns (nil, nil).
func (s *Service) PickTree(ctx context.Context) (*models.FileTreeNode, error) {
	if s.opts.Picker == nil {
		return nil, fmt.Errorf("%w: no directory picker configured", protocol.ErrHandler)
	}
	dir, err := s.opts.Picker.Pick(ctx)
	if errors.Is(err, ErrCancelled) {
		s.logger.Info("directory selection cancelled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pick directory: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("pick directory: %w", err)
	}
	s.allow(abs)

	root, err := s.BuildTree(abs)
	if err != nil {
		return nil, err
	}
	if s.OnPick != nil {
		s.OnPick(abs)
	}
	return root, nil
}

// allow adds a picked directory to the allowed set.
func (s *Service) allow(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.picked {
		if p == dir {
			return
		}
	}
	s.picked = append(s.picked, dir)
}

// Picked returns the directories picked so far.
func (s *Service) Picked() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.picked))
	copy(out, s.picked)
	return out
}

func decode(data []byte, charset string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(charset))
	if name == "" || name == "utf-8" || name == "utf8" {
		return string(data), nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return "", fmt.Errorf("%w: unknown charset %q", protocol.ErrBadParams, charset)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", charset, err)
	}
	return string(out), nil
}

// IsTempFile reports whether name is one of the temp files WriteText
// creates before renaming.
func IsTempFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") && strings.Contains(base, ".tmp-")
}

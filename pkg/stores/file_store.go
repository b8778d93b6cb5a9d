package stores

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileStore keeps the snapshot in a single JSON file. Writes are atomic
// (temp file + rename) so readers never see a partial document.
type FileStore struct {
	path   string
	logger zerolog.Logger

	mu       sync.Mutex
	lastSum  [sha256.Size]byte
	hasWrite bool

	// DebounceDelay coalesces bursts of file events in Watch.
	DebounceDelay time.Duration
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string, logger zerolog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	return &FileStore{
		path:          abs,
		logger:        logger.With().Str("component", "file-store").Logger(),
		DebounceDelay: 200 * time.Millisecond,
	}, nil
}

// Path returns the absolute path of the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Get reads the file. A missing file yields ErrNotFound.
func (s *FileStore) Get(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// Put atomically replaces the file.
func (s *FileStore) Put(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to set config file mode: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	s.lastSum = sha256.Sum256(data)
	s.hasWrite = true
	return nil
}

// ownWrite reports whether data is what this store last wrote.
func (s *FileStore) ownWrite(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hasWrite && sha256.Sum256(data) == s.lastSum
}

// Watch calls onChange with the file contents whenever the file is changed by
// someone else. Changes produced by Put are ignored. Watch blocks until ctx is
// done.
func (s *FileStore) Watch(ctx context.Context, onChange func([]byte)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// Watch the directory so the watch survives atomic renames.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.logger.Info().Str("path", s.path).Msg("Watching config file")

	var (
		timer   *time.Timer
		pending = make(chan struct{}, 1)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.DebounceDelay, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case <-pending:
			data, err := s.Get(ctx)
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					s.logger.Warn().Err(err).Msg("Failed to read changed config file")
				}
				continue
			}
			if s.ownWrite(data) {
				continue
			}

			s.logger.Debug().Str("path", s.path).Msg("Config file changed externally")
			onChange(data)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

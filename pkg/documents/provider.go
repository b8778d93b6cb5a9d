// Package documents lists and stores character documents and drives the
// external sheet generator.
package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Errors returned by the provider.
var (
	ErrUnknownDocument = errors.New("unknown document")
	ErrInvalidDocument = errors.New("invalid document")
	ErrTooLarge        = errors.New("document too large")
)

// Document is one character JSON file.
type Document struct {
	// ID is the path as configured, used as the document identifier.
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
	Uploaded bool      `json:"uploaded"`
}

// Provider lists *.json documents from a set of directories.
type Provider struct {
	dirs      []string
	uploadDir string
	maxUpload int64
	logger    zerolog.Logger
}

// NewProvider creates a provider over dirs. Uploads are written to uploadDir,
// which is listed after dirs.
func NewProvider(dirs []string, uploadDir string, maxUpload int64, logger zerolog.Logger) *Provider {
	if uploadDir != "" {
		uploadDir = filepath.Clean(uploadDir)
	}
	return &Provider{
		dirs:      dirs,
		uploadDir: uploadDir,
		maxUpload: maxUpload,
		logger:    logger.With().Str("component", "documents").Logger(),
	}
}

// List returns the documents in directory order, sorted by name within each
// directory. Missing directories are skipped.
func (p *Provider) List(ctx context.Context) ([]Document, error) {
	var docs []Document
	seen := make(map[string]bool)

	for _, dir := range p.searchDirs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}

		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".json") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			id := filepath.Join(dir, name)
			if seen[id] {
				continue
			}
			seen[id] = true

			info, err := os.Stat(id)
			if err != nil {
				p.logger.Debug().Err(err).Str("document", id).Msg("Skipping unreadable document")
				continue
			}
			docs = append(docs, Document{
				ID:       id,
				Name:     name,
				Size:     info.Size(),
				ModTime:  info.ModTime(),
				Uploaded: p.uploadDir != "" && dir == p.uploadDir,
			})
		}
	}

	return docs, nil
}

// Resolve returns the listed document with the given id. Only listed
// documents resolve, so ids cannot point outside the configured directories.
func (p *Provider) Resolve(ctx context.Context, id string) (Document, error) {
	docs, err := p.List(ctx)
	if err != nil {
		return Document{}, err
	}
	clean := filepath.Clean(id)
	for _, d := range docs {
		if d.ID == clean {
			return d, nil
		}
	}
	return Document{}, fmt.Errorf("%w: %s", ErrUnknownDocument, id)
}

// Upload stores r under the base name of filename in the upload directory.
// The content must be a JSON object no larger than the configured limit.
func (p *Provider) Upload(ctx context.Context, filename string, r io.Reader) (Document, error) {
	if p.uploadDir == "" {
		return Document{}, fmt.Errorf("uploads are not configured")
	}

	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." {
		name = "upload.json"
	}
	if !strings.EqualFold(filepath.Ext(name), ".json") {
		return Document{}, fmt.Errorf("%w: %s is not a .json file", ErrInvalidDocument, name)
	}

	limit := p.maxUpload
	if limit <= 0 {
		limit = 16 << 20
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return Document{}, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return Document{}, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, limit)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	if err := os.MkdirAll(p.uploadDir, 0o755); err != nil {
		return Document{}, fmt.Errorf("failed to create upload dir: %w", err)
	}

	target := filepath.Join(p.uploadDir, name)
	tmp, err := os.CreateTemp(p.uploadDir, ".upload-*")
	if err != nil {
		return Document{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Document{}, fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Document{}, fmt.Errorf("failed to write upload: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return Document{}, fmt.Errorf("failed to write upload: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return Document{}, fmt.Errorf("failed to store upload: %w", err)
	}

	p.logger.Info().Str("document", target).Int("size", len(data)).Msg("Stored upload")

	return Document{
		ID:       target,
		Name:     name,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
		Uploaded: true,
	}, nil
}

func (p *Provider) searchDirs() []string {
	dirs := make([]string, 0, len(p.dirs)+1)
	seen := make(map[string]bool)
	for _, d := range append(append([]string(nil), p.dirs...), p.uploadDir) {
		if d == "" {
			continue
		}
		d = filepath.Clean(d)
		if seen[d] {
			continue
		}
		seen[d] = true
		dirs = append(dirs, d)
	}
	return dirs
}

package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/example/image-classify/internal/repository"
)

const (
	modelArtifactName    = "model.onnx"
	metadataArtifactName = "metadata.json"
)

// ArtifactStore persists the manifest of downloaded artifacts. May be nil,
// in which case the loader relies on the on-disk cache alone.
type ArtifactStore interface {
	FindArtifact(ctx context.Context, name, version string) (*repository.ModelArtifact, error)
	SaveArtifact(ctx context.Context, artifact *repository.ModelArtifact) error
}

// LoaderConfig describes where the model artifacts live and how to verify
// them.
type LoaderConfig struct {
	ModelURL    string
	MetadataURL string
	ModelSHA256 string
	Version     string
	CacheDir    string
}

// Loader acquires the model: it downloads the ONNX file and its metadata
// into the local cache (reusing verified on-disk copies) and initializes the
// inference engine. Used as the Provider's LoadFunc.
type Loader struct {
	cfg       LoaderConfig
	artifacts ArtifactStore
	client    *http.Client
	logger    *zap.Logger
	newEngine func(modelPath string, meta Metadata) (Engine, error)
}

// NewLoader constructs a loader. artifacts may be nil.
func NewLoader(cfg LoaderConfig, artifacts ArtifactStore, logger *zap.Logger) *Loader {
	return &Loader{
		cfg:       cfg,
		artifacts: artifacts,
		client:    &http.Client{Timeout: 5 * time.Minute},
		logger:    logger.Named("model_loader"),
		newEngine: NewONNXEngine,
	}
}

// Load fetches the artifacts if needed and initializes the engine.
func (l *Loader) Load(ctx context.Context) (*Handle, error) {
	modelPath, err := l.ensureArtifact(ctx, modelArtifactName, l.cfg.ModelURL, l.cfg.ModelSHA256)
	if err != nil {
		return nil, err
	}
	metaPath, err := l.ensureArtifact(ctx, metadataArtifactName, l.cfg.MetadataURL, "")
	if err != nil {
		return nil, err
	}

	meta, err := readMetadata(metaPath)
	if err != nil {
		return nil, err
	}

	engine, err := l.newEngine(modelPath, meta)
	if err != nil {
		return nil, err
	}

	return &Handle{
		Engine:  engine,
		Version: l.cfg.Version,
		Classes: meta.Classes,
	}, nil
}

// ensureArtifact returns a verified local path for the named artifact,
// downloading it when the cached copy is missing or fails verification.
func (l *Loader) ensureArtifact(ctx context.Context, name, url, wantSHA256 string) (string, error) {
	path := filepath.Join(l.cfg.CacheDir, l.cfg.Version, name)

	if l.reusable(ctx, name, path, wantSHA256) {
		l.logger.Info("reusing cached artifact", zap.String("name", name), zap.String("path", path))
		return path, nil
	}

	size, sum, err := l.download(ctx, url, path)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", name, err)
	}
	if wantSHA256 != "" && sum != wantSHA256 {
		os.Remove(path)
		return "", fmt.Errorf("%s checksum mismatch: got %s, want %s", name, sum, wantSHA256)
	}

	if l.artifacts != nil {
		record := &repository.ModelArtifact{
			Name:         name,
			Version:      l.cfg.Version,
			URL:          url,
			SHA256:       sum,
			Path:         path,
			SizeBytes:    size,
			DownloadedAt: time.Now().UTC(),
		}
		// Manifest bookkeeping is an optimization; a failed write must not
		// fail the load.
		if err := l.artifacts.SaveArtifact(ctx, record); err != nil {
			l.logger.Warn("failed to record artifact manifest", zap.String("name", name), zap.Error(err))
		}
	}

	l.logger.Info("artifact downloaded",
		zap.String("name", name),
		zap.String("path", path),
		zap.Int64("size_bytes", size))
	return path, nil
}

// reusable reports whether a previously downloaded copy at path can serve
// this load: the manifest (when available) must know it and the bytes must
// still match the expected checksum.
func (l *Loader) reusable(ctx context.Context, name, path, wantSHA256 string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}

	expected := wantSHA256
	if l.artifacts != nil {
		record, err := l.artifacts.FindArtifact(ctx, name, l.cfg.Version)
		if err != nil {
			l.logger.Warn("failed to read artifact manifest", zap.String("name", name), zap.Error(err))
		} else if record == nil {
			return false
		} else if expected == "" {
			expected = record.SHA256
		}
	}

	if expected == "" {
		return true
	}
	sum, err := fileSHA256(path)
	if err != nil {
		return false
	}
	return sum == expected
}

// download fetches url into path via a temp file and atomic rename,
// returning the size and hex SHA-256 of the downloaded bytes.
func (l *Loader) download(ctx context.Context, url, path string) (int64, string, error) {
	if url == "" {
		return 0, "", fmt.Errorf("no artifact URL configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, "", fmt.Errorf("create cache dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, "", err
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, "", err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

func readMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata: %w", err)
	}
	if len(meta.Classes) == 0 {
		return Metadata{}, fmt.Errorf("metadata lists no classes")
	}
	return meta, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/htmltopdf/backend/internal/domain/conversion"
	"go.uber.org/zap"
)

const defaultLocalDir = "./pdfs"

// LocalDriver stores PDFs as files in one directory
type LocalDriver struct {
	dir    string
	logger *zap.Logger
}

// NewLocalDriver creates a filesystem driver rooted at dir
func NewLocalDriver(dir string, logger *zap.Logger) *LocalDriver {
	if dir == "" {
		dir = defaultLocalDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalDriver{dir: dir, logger: logger}
}

// Type returns DriverTypeLocal
func (d *LocalDriver) Type() conversion.DriverType { return conversion.DriverTypeLocal }

// Supports reports no optional capabilities
func (d *LocalDriver) Supports(conversion.Capability) bool { return false }

// Dir returns the storage root
func (d *LocalDriver) Dir() string { return d.dir }

// Init creates the storage directory
func (d *LocalDriver) Init(ctx context.Context) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", d.dir, err)
	}
	d.logger.Info("Local storage ready", zap.String("dir", d.dir))
	return nil
}

// Put writes data through a temp file so readers never see a partial PDF
func (d *LocalDriver) Put(ctx context.Context, key string, data []byte, _ map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := d.resolve(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write PDF file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write PDF file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move PDF file into place: %w", err)
	}

	d.logger.Debug("PDF stored", zap.String("path", path), zap.Int("size", len(data)))
	return nil
}

// Get reads the file stored under key
func (d *LocalDriver) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := d.resolve(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to read PDF file: %w", err)
	}
	return data, nil
}

// Delete removes the file; a missing file is not an error
func (d *LocalDriver) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := d.resolve(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete PDF file: %w", err)
	}
	return nil
}

// Presign is not available for local files
func (d *LocalDriver) Presign(context.Context, string, time.Duration) (string, error) {
	return "", &conversion.CapabilityError{Driver: conversion.DriverTypeLocal, Capability: conversion.CapabilityPresign}
}

// resolve maps key to a path that is guaranteed to stay under the storage root
func (d *LocalDriver) resolve(key string) (string, error) {
	if key == "" {
		return "", errors.New("storage key is required")
	}
	cleanKey := filepath.Clean(key)
	if filepath.IsAbs(cleanKey) || containsDotDot(key) {
		d.logger.Warn("Blocked potentially malicious key", zap.String("key", key))
		return "", fmt.Errorf("invalid storage key %q", key)
	}

	absBase, err := filepath.Abs(d.dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(d.dir, cleanKey))
	if err != nil {
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}
	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		d.logger.Warn("Path escape attempt blocked",
			zap.String("key", key),
			zap.String("absPath", absPath),
			zap.String("absBase", absBase))
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return absPath, nil
}

// containsDotDot checks the raw key for ".." components before normalization
func containsDotDot(path string) bool {
	parts := strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\' || r == filepath.Separator
	})
	return slices.Contains(parts, "..")
}

var _ Driver = (*LocalDriver)(nil)

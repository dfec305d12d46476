package storage

import (
	"context"
	"errors"
	"maps"
	"net/url"
	"sync"
	"time"

	"github.com/htmltopdf/backend/internal/domain/conversion"
)

// MemoryDriver keeps objects in process memory. With a BaseURL it issues
// presigned-style links and reports itself as s3.
type MemoryDriver struct {
	// BaseURL enables presign when non-empty
	BaseURL string

	mu       sync.RWMutex
	objects  map[string][]byte
	metadata map[string]map[string]string
}

// NewMemoryDriver creates an empty in-memory driver
func NewMemoryDriver(baseURL string) *MemoryDriver {
	return &MemoryDriver{
		BaseURL:  baseURL,
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (d *MemoryDriver) Type() conversion.DriverType {
	if d.BaseURL != "" {
		return conversion.DriverTypeS3
	}
	return conversion.DriverTypeLocal
}

func (d *MemoryDriver) Supports(c conversion.Capability) bool {
	return c == conversion.CapabilityPresign && d.BaseURL != ""
}

func (d *MemoryDriver) Init(context.Context) error { return nil }

func (d *MemoryDriver) Put(_ context.Context, key string, data []byte, metadata map[string]string) error {
	if key == "" {
		return errors.New("storage key is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[key] = append([]byte(nil), data...)
	d.metadata[key] = maps.Clone(metadata)
	return nil
}

func (d *MemoryDriver) Get(_ context.Context, key string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, ok := d.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

func (d *MemoryDriver) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.objects, key)
	delete(d.metadata, key)
	return nil
}

func (d *MemoryDriver) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	if d.BaseURL == "" {
		return "", &conversion.CapabilityError{Driver: d.Type(), Capability: conversion.CapabilityPresign}
	}
	if key == "" {
		return "", errors.New("storage key is required")
	}
	expiresAt := time.Now().Add(ttl)
	return d.BaseURL + "/download/" + url.PathEscape(key) + "?expires=" + url.QueryEscape(expiresAt.UTC().Format(time.RFC3339)), nil
}

// Len returns the number of stored objects
func (d *MemoryDriver) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.objects)
}

// Metadata returns a copy of the metadata stored with key
func (d *MemoryDriver) Metadata(key string) map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.metadata[key])
}

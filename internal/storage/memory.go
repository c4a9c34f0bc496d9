package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory 是进程内的 Blobs 实现，用于测试与本地命令行渲染。
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	baseURL string
}

type memoryObject struct {
	data        []byte
	contentType string
}

var _ Blobs = (*Memory)(nil)

// NewMemory 返回一个空的内存存储，对象 URL 为 baseURL + "/" + key。
func NewMemory(baseURL string) *Memory {
	if baseURL == "" {
		baseURL = "memory://blobs"
	}
	return &Memory{objects: map[string]memoryObject{}, baseURL: baseURL}
}

func (m *Memory) Upload(_ context.Context, key string, data []byte, opts UploadOptions) (string, error) {
	m.mu.Lock()
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: opts.ContentType}
	m.mu.Unlock()
	return m.baseURL + "/" + key, nil
}

func (m *Memory) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get object %q: %w", key, ErrNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *Memory) URL(_ context.Context, key string, _ time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("presign %q: %w", key, ErrNotFound)
	}
	return m.baseURL + "/" + key, nil
}

func (m *Memory) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Keys 按字典序列出已存储的 key。
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ContentType 返回对象上传时的 Content-Type。
func (m *Memory) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key].contentType
}

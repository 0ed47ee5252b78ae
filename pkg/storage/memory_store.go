package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryStore keeps objects in-process. Presigned URLs point at Handler,
// which must be mounted at the base URL set with SetBaseURL.
type MemoryStore struct {
	mu        sync.RWMutex
	objects   map[string]memoryObject
	downloads map[string]int
	baseURL   string
}

// NewMemoryStore initializes an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:   make(map[string]memoryObject),
		downloads: make(map[string]int),
	}
}

// SetBaseURL sets the URL prefix used for presigned links.
func (m *MemoryStore) SetBaseURL(base string) {
	m.mu.Lock()
	m.baseURL = strings.TrimRight(base, "/")
	m.mu.Unlock()
}

// Put stores an object, replacing any previous content.
func (m *MemoryStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, contentType: contentType, modified: time.Now().UTC()}
	m.mu.Unlock()
	return nil
}

// PresignGet returns a link served by Handler that expires after expiry.
func (m *MemoryStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(time.Now().Add(expiry).Unix(), 10))
	return m.baseURL + "/" + key + "?" + q.Encode(), nil
}

// List returns objects under prefix in key order.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ObjectInfo, 0)
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// SetModified overrides the modification time reported by List.
func (m *MemoryStore) SetModified(key string, t time.Time) {
	m.mu.Lock()
	if obj, ok := m.objects[key]; ok {
		obj.modified = t
		m.objects[key] = obj
	}
	m.mu.Unlock()
}

// Delete removes an object; deleting a missing key is not an error.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Downloads reports how many times key was fetched through Handler.
func (m *MemoryStore) Downloads(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.downloads[key]
}

// Handler serves presigned links.
func (m *MemoryStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if exp, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64); err != nil || time.Now().Unix() > exp {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, "/")
		m.mu.Lock()
		obj, ok := m.objects[key]
		if ok {
			m.downloads[key]++
		}
		m.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if obj.contentType != "" {
			w.Header().Set("Content-Type", obj.contentType)
		}
		_, _ = io.Copy(w, bytes.NewReader(obj.data))
	})
}

package loft

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory ObjectStore used by the tests. It mirrors the
// semantics the pipeline relies on (last-write-wins puts, prefix listing,
// no-op deletes of missing keys, multipart state) and exposes hooks for
// injecting failures plus counters for observing which code path ran.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]*memUpload

	// failure injection
	failGetKey     string
	failPutKey     string
	failPartNumber int
	failComplete   bool

	// observability
	multipartCreates int
	abortedUploads   []string
	partSizes        map[string][]int

	presign *httptest.Server
}

type memUpload struct {
	key   string
	parts map[int][]byte
	etags map[int]string
	open  bool
}

func newMemStore(t *testing.T) *memStore {
	t.Helper()

	ms := &memStore{
		objects:   make(map[string][]byte),
		uploads:   make(map[string]*memUpload),
		partSizes: make(map[string][]int),
	}

	ms.presign = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/")
		ms.mu.Lock()
		data, ok := ms.objects[key]
		ms.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, key, time.Unix(0, 0), bytes.NewReader(data))
	}))
	t.Cleanup(ms.presign.Close)

	return ms
}

func (m *memStore) object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

func (m *memStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPutKey != "" && key == m.failPutKey {
		return 0, fmt.Errorf("injected put failure for %q", key)
	}
	m.objects[key] = data
	return int64(len(data)), nil
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGetKey != "" && key == m.failGetKey {
		return nil, fmt.Errorf("injected get failure for %q", key)
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %q", key)
	}
	return append([]byte(nil), data...), nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []ObjectInfo
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (*url.URL, error) {
	return url.Parse(m.presign.URL + "/" + key)
}

func (m *memStore) CreateMultipart(ctx context.Context, key string, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.multipartCreates++
	uploadID := fmt.Sprintf("upload-%d", m.multipartCreates)
	m.uploads[uploadID] = &memUpload{
		key:   key,
		parts: make(map[int][]byte),
		etags: make(map[int]string),
		open:  true,
	}
	return uploadID, nil
}

func (m *memStore) UploadPart(ctx context.Context, key string, uploadID string, partNumber int, data []byte) (CompletedPart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPartNumber != 0 && partNumber == m.failPartNumber {
		return CompletedPart{}, fmt.Errorf("injected part failure at part %d", partNumber)
	}

	up, ok := m.uploads[uploadID]
	if !ok || !up.open {
		return CompletedPart{}, fmt.Errorf("no open upload %q", uploadID)
	}

	etag := fmt.Sprintf("etag-%s-%d", uploadID, partNumber)
	up.parts[partNumber] = append([]byte(nil), data...)
	up.etags[partNumber] = etag
	m.partSizes[uploadID] = append(m.partSizes[uploadID], len(data))
	return CompletedPart{PartNumber: partNumber, ETag: etag}, nil
}

func (m *memStore) CompleteMultipart(ctx context.Context, key string, uploadID string, parts []CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failComplete {
		return fmt.Errorf("injected complete failure for %q", uploadID)
	}

	up, ok := m.uploads[uploadID]
	if !ok || !up.open {
		return fmt.Errorf("no open upload %q", uploadID)
	}

	var assembled []byte
	for _, p := range parts {
		data, ok := up.parts[p.PartNumber]
		if !ok || up.etags[p.PartNumber] != p.ETag {
			return fmt.Errorf("part %d missing or etag mismatch", p.PartNumber)
		}
		assembled = append(assembled, data...)
	}

	up.open = false
	m.objects[up.key] = assembled
	return nil
}

func (m *memStore) AbortMultipart(ctx context.Context, key string, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	up, ok := m.uploads[uploadID]
	if !ok {
		return fmt.Errorf("no such upload %q", uploadID)
	}
	up.open = false
	up.parts = make(map[int][]byte)
	m.abortedUploads = append(m.abortedUploads, uploadID)
	return nil
}

func (m *memStore) ListParts(ctx context.Context, key string, uploadID string) ([]CompletedPart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	up, ok := m.uploads[uploadID]
	if !ok {
		return nil, nil
	}

	var parts []CompletedPart
	for n, etag := range up.etags {
		if _, stored := up.parts[n]; stored {
			parts = append(parts, CompletedPart{PartNumber: n, ETag: etag})
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

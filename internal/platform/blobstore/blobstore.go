// Package blobstore archives run artifacts (the extracted dataset and the
// run report) and serves them back over HTTP.
package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrInvalidKey   = errors.New("invalid blob key")
)

// Object describes a stored blob.
type Object struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (*Object, error)
	Get(ctx context.Context, key string) ([]byte, *Object, error)
	List(ctx context.Context, prefix string) ([]Object, error)
}

// RunKey is the archive key of a run artifact, e.g. runs/<id>/report.json.
func RunKey(runID, name string) string {
	return path.Join("runs", runID, name)
}

func validKey(key string) bool {
	return key != "" && !strings.HasPrefix(key, "/") && !strings.Contains(key, "..")
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	object  Object
	content []byte
}

// MemoryStore is a thread-safe Store for tests and runs without an archive
// endpoint.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]*storedBlob)}
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, data []byte) (*Object, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	h := sha256.Sum256(data)
	obj := Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", h),
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[key] = &storedBlob{object: obj, content: append([]byte(nil), data...)}
	s.mu.Unlock()

	out := obj
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, *Object, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	obj := blob.object
	return append([]byte(nil), blob.content...), &obj, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Object
	for key, blob := range s.blobs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, blob.object)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/runs/:id/artifacts", h.handleList)
	g.GET("/runs/:id/artifacts/:name", h.handleDownload)
}

func (h *Handler) handleList(c echo.Context) error {
	items, err := h.store.List(c.Request().Context(), RunKey(c.Param("id"), "")+"/")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []Object{}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (h *Handler) handleDownload(c echo.Context) error {
	key := RunKey(c.Param("id"), c.Param("name"))
	if !validKey(key) {
		return echo.NewHTTPError(http.StatusBadRequest, ErrInvalidKey.Error())
	}
	data, obj, err := h.store.Get(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, path.Base(obj.Key)))
	return c.Blob(http.StatusOK, obj.ContentType, data)
}

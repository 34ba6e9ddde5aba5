package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	obj, err := s.Put(ctx, RunKey("r1", "report.json"), "application/json", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj.Key != "runs/r1/report.json" {
		t.Errorf("unexpected key %q", obj.Key)
	}
	if obj.Size != 11 || len(obj.Hash) != 64 {
		t.Errorf("unexpected size/hash %d %q", obj.Size, obj.Hash)
	}

	data, got, err := s.Get(ctx, "runs/r1/report.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"ok":true}` || got.ContentType != "application/json" {
		t.Errorf("unexpected blob %q %+v", data, got)
	}
}

func TestMemoryStore_NotFoundAndInvalidKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, _, err := s.Get(ctx, "runs/x/none.json"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
	for _, key := range []string{"", "/abs", "runs/../etc"} {
		if _, err := s.Put(ctx, key, "text/plain", nil); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestMemoryStore_ListByPrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _ = s.Put(ctx, RunKey("r1", "report.json"), "application/json", []byte("{}"))
	_, _ = s.Put(ctx, RunKey("r1", "extract.json"), "application/json", []byte("{}"))
	_, _ = s.Put(ctx, RunKey("r2", "report.json"), "application/json", []byte("{}"))

	items, err := s.List(ctx, "runs/r1/")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Key != "runs/r1/extract.json" {
		t.Errorf("expected 2 sorted items for r1, got %+v", items)
	}
}

func TestHandler_DownloadAndList(t *testing.T) {
	s := NewMemoryStore()
	_, _ = s.Put(context.Background(), RunKey("r1", "report.json"), "application/json", []byte(`{"status":"succeeded"}`))
	h := NewHandler(s)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id", "name")
	c.SetParamValues("r1", "report.json")
	if err := h.handleDownload(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != `{"status":"succeeded"}` {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("r1")
	if err := h.handleList(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Total int `json:"total"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 {
		t.Errorf("expected 1 artifact, got %d", body.Total)
	}
}

func TestHandler_DownloadNotFound(t *testing.T) {
	h := NewHandler(NewMemoryStore())
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id", "name")
	c.SetParamValues("r1", "report.json")

	err := h.handleDownload(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

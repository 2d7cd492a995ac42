package preview

import (
	"bytes"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		size      int64
		wantFirst int64
		wantLast  int64
		wantNil   bool
		wantErr   error
	}{
		{"empty header", "", 1000, 0, 0, true, nil},
		{"full range", "bytes=0-999", 1000, 0, 999, false, nil},
		{"open end", "bytes=500-", 1000, 500, 999, false, nil},
		{"suffix", "bytes=-500", 1000, 500, 999, false, nil},
		{"single byte", "bytes=0-0", 1000, 0, 0, false, nil},
		{"beyond size clamped", "bytes=0-2000", 1000, 0, 999, false, nil},
		{"suffix larger than file", "bytes=-2000", 500, 0, 499, false, nil},
		{"multi range takes first", "bytes=0-99, 200-299", 1000, 0, 99, false, nil},

		{"start at size", "bytes=1000-", 1000, 0, 0, false, ErrUnsatisfiable},
		{"reversed", "bytes=500-100", 1000, 0, 0, false, ErrUnsatisfiable},
		{"no unit", "0-100", 1000, 0, 0, false, ErrInvalidRange},
		{"wrong unit", "chars=0-100", 1000, 0, 0, false, ErrInvalidRange},
		{"no dash", "bytes=100", 1000, 0, 0, false, ErrInvalidRange},
		{"bad start", "bytes=abc-100", 1000, 0, 0, false, ErrInvalidRange},
		{"bad end", "bytes=0-abc", 1000, 0, 0, false, ErrInvalidRange},
		{"zero suffix", "bytes=-0", 1000, 0, 0, false, ErrInvalidRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRange(tt.header, tt.size)
			if tt.wantErr != nil {
				if err != tt.wantErr {
					t.Errorf("ParseRange() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRange() unexpected error: %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("ParseRange() = %v, want nil", got)
				}
				return
			}
			if got == nil || got.First != tt.wantFirst || got.Last != tt.wantLast {
				t.Errorf("ParseRange() = %+v, want %d-%d", got, tt.wantFirst, tt.wantLast)
			}
		})
	}
}

func TestSpan(t *testing.T) {
	s := Span{First: 10, Last: 19}
	if s.Len() != 10 {
		t.Errorf("Len() = %d", s.Len())
	}
	if got := s.Header(100); got != "bytes 10-19/100" {
		t.Errorf("Header() = %q", got)
	}
}

func frameFile(t *testing.T) (string, []byte) {
	t.Helper()
	data := bytes.Repeat([]byte("0123456789"), 10)
	path := filepath.Join(t.TempDir(), "00-00-01-000.webp")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func TestServeFrame(t *testing.T) {
	path, data := frameFile(t)
	s := NewServer(testLogger())

	tests := []struct {
		name       string
		method     string
		header     map[string]string
		wantStatus int
		wantBody   []byte
	}{
		{name: "whole file", method: http.MethodGet, wantStatus: http.StatusOK, wantBody: data},
		{name: "range", method: http.MethodGet, header: map[string]string{"Range": "bytes=10-19"},
			wantStatus: http.StatusPartialContent, wantBody: data[10:20]},
		{name: "unsatisfiable", method: http.MethodGet, header: map[string]string{"Range": "bytes=500-"},
			wantStatus: http.StatusRequestedRangeNotSatisfiable},
		{name: "malformed range ignored", method: http.MethodGet, header: map[string]string{"Range": "pages=1"},
			wantStatus: http.StatusOK, wantBody: data},
		{name: "head", method: http.MethodHead, wantStatus: http.StatusOK, wantBody: []byte{}},
		{name: "not modified", method: http.MethodGet,
			header:     map[string]string{"If-Modified-Since": time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)},
			wantStatus: http.StatusNotModified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/frames/x", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			if err := s.ServeFrame(rec, req, path); err != nil {
				t.Fatalf("ServeFrame() error = %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != nil && !bytes.Equal(rec.Body.Bytes(), tt.wantBody) {
				t.Errorf("body = %q, want %q", rec.Body.Bytes(), tt.wantBody)
			}
			if tt.wantStatus == http.StatusOK && rec.Header().Get("Content-Type") != "image/webp" {
				t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestServeFrame_Missing(t *testing.T) {
	rec := httptest.NewRecorder()
	err := NewServer(testLogger()).ServeFrame(rec, httptest.NewRequest(http.MethodGet, "/", nil),
		filepath.Join(t.TempDir(), "missing.png"))
	if err != nil {
		t.Fatalf("ServeFrame() error = %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestWriteImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	rec := httptest.NewRecorder()
	if err := NewServer(testLogger()).WriteImage(rec, img); err != nil {
		t.Fatalf("WriteImage() error = %v", err)
	}
	if rec.Header().Get("Content-Type") != "image/png" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	got, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Bounds().Dx() != 3 || got.Bounds().Dy() != 2 {
		t.Errorf("bounds = %v", got.Bounds())
	}
}

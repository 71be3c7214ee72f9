package cachegate

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachegate/internal/storage"
)

func videoEntry(n int, contentType string) *storage.Entry {
	body := make([]byte, n)
	for i := range body {
		body[i] = byte(i % 251)
	}
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &storage.Entry{Key: "GET /hero.mp4", Status: http.StatusOK, Header: h, Body: body, StoredAt: time.Now()}
}

func TestServeRange(t *testing.T) {
	ent := videoEntry(1000, "video/webm")

	tests := []struct {
		header       string
		start, end   int
		contentRange string
	}{
		{"bytes=200-299", 200, 299, "bytes 200-299/1000"},
		{"bytes=900-", 900, 999, "bytes 900-999/1000"},
		{"bytes=900-5000", 900, 999, "bytes 900-999/1000"},
		{"bytes=0-0", 0, 0, "bytes 0-0/1000"},
		{"bytes=999-999", 999, 999, "bytes 999-999/1000"},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			resp := ServeRange(ent, tt.header)
			require.Equal(t, http.StatusPartialContent, resp.Status)
			assert.Equal(t, SourceRange, resp.Source)
			assert.Equal(t, tt.contentRange, resp.Header.Get("Content-Range"))
			assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
			assert.Equal(t, "video/webm", resp.Header.Get("Content-Type"))
			assert.Len(t, resp.Body, tt.end-tt.start+1)
			assert.Equal(t, ent.Body[tt.start:tt.end+1], resp.Body)
		})
	}
}

func TestServeRangeExample(t *testing.T) {
	resp := ServeRange(videoEntry(1000, ""), "bytes=200-299")
	assert.Equal(t, http.StatusPartialContent, resp.Status)
	assert.Equal(t, "bytes 200-299/1000", resp.Header.Get("Content-Range"))
	assert.Equal(t, "100", resp.Header.Get("Content-Length"))
	assert.Equal(t, defaultVideoType, resp.Header.Get("Content-Type"))

	resp = ServeRange(videoEntry(1000, ""), "bytes=900-")
	assert.Equal(t, "100", resp.Header.Get("Content-Length"))
}

func TestServeRangeDegradesToFullBody(t *testing.T) {
	ent := videoEntry(1000, "video/mp4")
	for _, header := range []string{
		"",
		"200-299",
		"items=0-10",
		"bytes=-100",
		"bytes=300-200",
		"bytes=1000-",
		"bytes=0-10,20-30",
		"bytes=abc-",
		"bytes=10-xyz",
		"bytes=",
	} {
		t.Run(header, func(t *testing.T) {
			resp := ServeRange(ent, header)
			assert.Equal(t, http.StatusOK, resp.Status)
			assert.True(t, bytes.Equal(ent.Body, resp.Body))
			assert.Empty(t, resp.Header.Get("Content-Range"))
		})
	}

	empty := videoEntry(0, "video/mp4")
	resp := ServeRange(empty, "bytes=0-")
	assert.Equal(t, http.StatusOK, resp.Status)
}

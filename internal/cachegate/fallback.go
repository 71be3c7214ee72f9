package cachegate

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"cachegate/internal/storage"
)

const offlineHTML = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available right now. Check your connection and try again.</p></body>
</html>
`

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200">` +
	`<rect width="200" height="200" fill="#e5e7eb"/>` +
	`<text x="100" y="105" font-family="sans-serif" font-size="14" fill="#9ca3af" text-anchor="middle">Image unavailable</text>` +
	`</svg>`

type offlineError struct {
	Error        string `json:"error"`
	Offline      bool   `json:"offline"`
	Timestamp    string `json:"timestamp"`
	RequestedURL string `json:"requestedUrl"`
}

// fallback synthesizes the response served when neither the network nor the
// cache could answer.
func (e *Engine) fallback(ctx context.Context, class Class, r *http.Request) *Response {
	e.stats.fallbacks.Add(1)
	switch class {
	case ClassNavigation:
		if ent, ok := e.lookup(ctx, storage.KindStatic, rootKey); ok {
			return entryResponse(ent, SourceOffline)
		}
		return syntheticResponse(http.StatusOK, "text/html; charset=utf-8", []byte(offlineHTML))
	case ClassImage:
		return syntheticResponse(http.StatusOK, "image/svg+xml", []byte(placeholderSVG))
	case ClassAPI:
		body, _ := json.Marshal(offlineError{
			Error:        "network unavailable",
			Offline:      true,
			Timestamp:    e.now().UTC().Format(time.RFC3339),
			RequestedURL: r.URL.String(),
		})
		resp := syntheticResponse(http.StatusServiceUnavailable, "application/json", body)
		resp.Header.Set("Cache-Control", "no-cache")
		return resp
	}
	// video, audio and static assets
	return syntheticResponse(http.StatusNotFound, "text/plain", nil)
}

func syntheticResponse(status int, contentType string, body []byte) *Response {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	return &Response{Status: status, Header: h, Body: body, Source: SourceOffline}
}

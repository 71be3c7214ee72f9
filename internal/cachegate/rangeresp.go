package cachegate

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"cachegate/internal/storage"
)

const defaultVideoType = "video/mp4"

// ServeRange answers a single "bytes=start-end" request from a cached entry.
// Anything it cannot satisfy (several ranges, suffix ranges, a start past the
// end) degrades to the full entry with status 200.
func ServeRange(ent *storage.Entry, header string) *Response {
	size := int64(len(ent.Body))
	start, end, ok := parseRange(header, size)
	if !ok {
		resp := entryResponse(ent, SourceHit)
		resp.Header.Set("Accept-Ranges", "bytes")
		return resp
	}

	h := make(http.Header)
	ct := ent.Header.Get("Content-Type")
	if ct == "" {
		ct = defaultVideoType
	}
	h.Set("Content-Type", ct)
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	return &Response{
		Status: http.StatusPartialContent,
		Header: h,
		Body:   ent.Body[start : end+1],
		Source: SourceRange,
	}
}

func parseRange(header string, size int64) (start, end int64, ok bool) {
	rng, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || size <= 0 || strings.Contains(rng, ",") {
		return 0, 0, false
	}
	first, last, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)
	if first == "" {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	end = size - 1
	if last != "" {
		e, err := strconv.ParseInt(last, 10, 64)
		if err != nil || e < start {
			return 0, 0, false
		}
		if e < end {
			end = e
		}
	}
	return start, end, true
}

package cachegate

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Fetcher performs the network leg of a request.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*Response, error)
}

// HTTPFetcher forwards requests to a single origin.
type HTTPFetcher struct {
	Origin string
	Client *http.Client
}

func NewHTTPFetcher(origin string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{Origin: strings.TrimRight(origin, "/"), Client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, f.Origin+r.URL.RequestURI(), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	if r.ContentLength > 0 {
		req.ContentLength = r.ContentLength
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	h := stripHopByHop(resp.Header)
	if r.Method != http.MethodHead {
		h.Set("Content-Length", strconv.Itoa(len(b)))
	} else if resp.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	return &Response{Status: resp.StatusCode, Header: h, Body: b, Source: SourceNetwork}, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range stripHopByHop(src) {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func stripHopByHop(header http.Header) http.Header {
	out := header.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, k := range []string{
		"Connection", "Proxy-Connection", "Keep-Alive",
		"Proxy-Authenticate", "Proxy-Authorization", "TE",
		"Trailer", "Transfer-Encoding", "Upgrade",
	} {
		out.Del(k)
	}
	if conn := header.Get("Connection"); conn != "" {
		for _, token := range strings.Split(conn, ",") {
			if token = strings.TrimSpace(token); token != "" {
				out.Del(token)
			}
		}
	}
	return out
}

package cachegate

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"cachegate/internal/storage"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// prewarmDiscovered caches the pages listed in the configured sitemaps.
// Failures are logged and skipped. It returns the number of stored pages.
func (e *Engine) prewarmDiscovered(ctx context.Context) int {
	if len(e.cfg.Lifecycle.Sitemaps) == 0 {
		return 0
	}
	paths, err := e.discoverPaths(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("sitemap discovery stopped early")
	}

	var stored atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for _, p := range paths {
		p := p
		g.Go(func() error {
			ent, err := e.fetchEntry(gctx, p)
			if err != nil {
				e.log.Debug().Err(err).Str("path", p).Msg("skipping discovered path")
				return nil
			}
			if err := e.governor.Admit(gctx, storage.KindStatic, ent); err != nil {
				e.log.Debug().Err(err).Str("path", p).Msg("discovered path not cached")
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(stored.Load())
}

// discoverPaths walks the sitemaps, following nested indexes, and returns the
// same-origin paths that would be cached in the static store. Manifest paths
// are skipped.
func (e *Engine) discoverPaths(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{}, len(e.cfg.Lifecycle.Manifest))
	for _, p := range e.cfg.Lifecycle.Manifest {
		seen[p] = struct{}{}
	}
	seenSitemaps := map[string]struct{}{}

	var queue []string
	for _, sm := range e.cfg.Lifecycle.Sitemaps {
		if uri := e.localURI(sm); uri != "" {
			queue = append(queue, uri)
		}
	}

	var out []string
	for len(queue) > 0 && len(out) < e.cfg.Lifecycle.MaxDiscovered {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		sm := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[sm]; ok {
			continue
		}
		seenSitemaps[sm] = struct{}{}

		doc, err := e.fetchSitemap(ctx, sm)
		if err != nil {
			e.log.Warn().Err(err).Str("sitemap", sm).Msg("could not read sitemap")
			continue
		}
		for _, nested := range doc.Sitemaps {
			if uri := e.localURI(nested); uri != "" {
				queue = append(queue, uri)
			}
		}

		fit := 0
		for _, loc := range doc.URLs {
			uri := e.localURI(loc)
			if uri == "" {
				continue
			}
			u, err := url.Parse(uri)
			if err != nil {
				continue
			}
			switch e.classifier.Classify(u) {
			case ClassNavigation, ClassStatic:
			default:
				continue
			}
			if _, ok := seen[uri]; ok {
				continue
			}
			seen[uri] = struct{}{}
			out = append(out, uri)
			fit++
			if len(out) >= e.cfg.Lifecycle.MaxDiscovered {
				break
			}
		}
		e.log.Debug().Str("sitemap", sm).Int("urls", len(doc.URLs)).Int("fit", fit).Msg("sitemap read")
	}
	return out, nil
}

// localURI turns a sitemap loc into a request URI on the origin. Locs on
// other hosts yield "".
func (e *Engine) localURI(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil || !strings.EqualFold(u.Host, e.cfg.originHost) {
			return ""
		}
		uri := u.RequestURI()
		if uri == "" {
			uri = "/"
		}
		return uri
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}

func (e *Engine) fetchSitemap(ctx context.Context, uri string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := e.fetchNetwork(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.ok() {
		return sitemapDoc{}, fmt.Errorf("unexpected status %d", resp.Status)
	}
	return parseSitemap(uri, resp.Body)
}

func parseSitemap(uri string, body []byte) (sitemapDoc, error) {
	// .gz sitemaps may or may not have been decoded in transit
	gzipped := strings.HasSuffix(strings.ToLower(uri), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if gzipped {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

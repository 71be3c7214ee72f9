package cachegate

import (
	"net/url"
	"path"
	"strings"
)

var (
	imageExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg", ".ico"}
	videoExts = []string{".mp4", ".webm", ".mov", ".avi", ".mkv"}
	audioExts = []string{".mp3", ".wav", ".ogg", ".flac"}
	assetExts = []string{".css", ".js", ".mjs", ".woff", ".woff2"}
)

// Classifier assigns every intercepted URL exactly one Class. It is a pure
// function of the path and its configuration.
//
// Icons and pngs outside the manifest carry a media extension and land in the
// image store; manifest paths stay static.
type Classifier struct {
	apiPrefixes    []string
	apiMediaRoutes []string
	staticPrefixes []string
	manifest       map[string]struct{}
}

func NewClassifier(cfg ClassifyConfig, manifest []string) *Classifier {
	c := &Classifier{
		apiPrefixes:    cfg.APIPrefixes,
		apiMediaRoutes: cfg.APIMediaRoutes,
		staticPrefixes: cfg.StaticPrefixes,
		manifest:       make(map[string]struct{}, len(manifest)),
	}
	for _, p := range manifest {
		c.manifest[p] = struct{}{}
	}
	return c
}

func (c *Classifier) Classify(u *url.URL) Class {
	p := u.Path
	if p == "" {
		p = "/"
	}
	ext := strings.ToLower(path.Ext(p))

	if hasAnyPrefix(p, c.apiPrefixes) {
		if cls, ok := mediaByExt(ext); ok {
			return cls
		}
		if hasAnyPrefix(p, c.apiMediaRoutes) {
			if cls, ok := mediaByDir(p); ok {
				return cls
			}
			return ClassImage
		}
		return ClassAPI
	}

	if _, ok := c.manifest[p]; ok {
		return ClassStatic
	}

	if cls, ok := mediaByExt(ext); ok {
		return cls
	}
	if cls, ok := mediaByDir(p); ok {
		return cls
	}

	if hasAnyPrefix(p, c.staticPrefixes) || contains(assetExts, ext) {
		return ClassStatic
	}
	return ClassNavigation
}

func mediaByExt(ext string) (Class, bool) {
	switch {
	case ext == "":
		return 0, false
	case contains(imageExts, ext):
		return ClassImage, true
	case contains(videoExts, ext):
		return ClassVideo, true
	case contains(audioExts, ext):
		return ClassAudio, true
	}
	return 0, false
}

func mediaByDir(p string) (Class, bool) {
	switch {
	case strings.Contains(p, "/videos/"):
		return ClassVideo, true
	case strings.Contains(p, "/audio/"):
		return ClassAudio, true
	case strings.Contains(p, "/images/"), strings.Contains(p, "/uploads/"):
		return ClassImage, true
	}
	return 0, false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

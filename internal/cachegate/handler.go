package cachegate

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

const statusHeader = "X-Cachegate"

// Handler serves the control routes under /__cachegate and proxies every
// other request through the engine.
func (e *Engine) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(e.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, took time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("url", r.URL.RequestURI()).
			Int("status", status).
			Int("size", size).
			Dur("took", took).
			Msg("request")
	}))

	r.Route("/__cachegate", func(r chi.Router) {
		r.Post("/messages", e.handleMessage)
		r.Get("/stats", e.handleStats)
		r.Post("/sweep", e.handleSweep)
	})
	r.HandleFunc("/*", e.handleProxy)
	return r
}

func (e *Engine) handleProxy(w http.ResponseWriter, r *http.Request) {
	// the client going away must not abort cache writes
	ctx := context.WithoutCancel(r.Context())
	writeResponse(w, r, e.Fetch(ctx, r))
}

func (e *Engine) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid message: "+err.Error())
		return
	}
	if err := e.OnMessage(r.Context(), msg); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("type", string(msg.Type)).Msg("control message failed")
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := e.Stats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (e *Engine) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := e.SweepOnce(r.Context())
	out := struct {
		Removed int    `json:"removed"`
		Error   string `json:"error,omitempty"`
	}{Removed: n}
	status := http.StatusOK
	if err != nil {
		out.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp *Response) {
	head := r.Method == http.MethodHead
	h := w.Header()
	for k, vs := range resp.Header {
		if strings.EqualFold(k, statusHeader) || (!head && strings.EqualFold(k, "Content-Length")) {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	setStatusHeaders(h, resp.Source)
	if !head {
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.Status)
	if head {
		return
	}
	if _, err := w.Write(resp.Body); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("could not write response body to client")
	}
}

func setStatusHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(statusHeader, source)
	}
	// browsers hide custom headers from cross-origin scripts unless exposed
	ensureExposedHeader(h, statusHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

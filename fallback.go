package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// headerOfflineFallback marks synthesized responses so callers can tell
// them apart from real cache hits.
const headerOfflineFallback = "X-Offline-Fallback"

type offlineError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
}

// fallbackResponse synthesizes a substitute response for a request no
// strategy could satisfy. It never fails: unknown categories get the
// generic 503 body.
func (g *Gateway) fallbackResponse(r *http.Request, category Category) *http.Response {
	switch category {
	case CategoryPage:
		return g.pageFallback(r)
	case CategoryAPI:
		return g.apiFallback(r)
	default:
		return offlineErrorResponse(r, "You are offline and this content is not available.")
	}
}

// pageFallback serves the cached root document as the offline shell if
// present, else the generic offline error.
func (g *Gateway) pageFallback(r *http.Request) *http.Response {
	rootReq, err := http.NewRequest(http.MethodGet, g.rootURL(), nil)
	if err == nil {
		key := entryKey(rootReq)
		for _, base := range []string{PartitionDynamic, PartitionStatic} {
			store := g.cache.Partition(g.partitionName(base))
			if entry, ok := g.lookup(store, key, g.log); ok {
				g.log.Trace().Str("url", r.URL.String()).Msg("Serving root document as offline page")
				return entryResponse(r, entry)
			}
		}
	}
	return offlineErrorResponse(r, "You are offline and this page is not cached.")
}

// rootURL is the absolute URL of the application root document.
func (g *Gateway) rootURL() string {
	if g.origin == nil {
		return "/"
	}
	return g.origin.ResolveReference(&url.URL{Path: "/"}).String()
}

// apiFallback returns a degraded 200 payload carrying an offline marker,
// so the application can degrade gracefully instead of treating the
// outage as a hard error. Bodies are static templates keyed by a
// substring match on the path.
func (g *Gateway) apiFallback(r *http.Request) *http.Response {
	path := r.URL.Path
	var payload any
	switch {
	case strings.Contains(path, "analyze"):
		payload = map[string]any{
			"score":  65,
			"notice": "Offline analysis is limited. Connect to the internet for a full report.",
			"recommendations": []string{
				"Reconnect to get a complete keyword analysis",
				"Your last saved results are shown where available",
			},
			"offline": true,
		}
	case strings.Contains(path, "templates"):
		payload = map[string]any{
			"templates": []any{},
			"notice":    "Templates are unavailable offline.",
			"offline":   true,
		}
	default:
		payload = map[string]any{
			"data":    nil,
			"notice":  "This data is unavailable offline.",
			"offline": true,
		}
	}
	return jsonResponse(r, http.StatusOK, payload)
}

// offlineErrorResponse is the generic failure body, status 503.
func offlineErrorResponse(r *http.Request, message string) *http.Response {
	return jsonResponse(r, http.StatusServiceUnavailable, offlineError{
		Error:   "Offline",
		Message: message,
		Offline: true,
	})
}

func jsonResponse(r *http.Request, status int, payload any) *http.Response {
	body, err := json.Marshal(payload)
	if err != nil {
		// static templates only; marshalling cannot realistically fail
		body = []byte(`{"error":"Offline","offline":true}`)
	}
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set(headerOfflineFallback, "true")
	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}

package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
	mw "github.com/labstack/echo/v4/middleware"

	"github.com/nervelabs/nerve/internal/logger"
)

// buildEcho assembles the per-proxy HTTP app: health endpoint plus a
// single forwarding route, matching the teacher's echo setup
// (middleware.Logger/Recover/RequestID) in cmd/orchestrator/main.go.
func buildEcho(cfg ProviderConfig, debugDir string, log *logger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(mw.Recover())
	e.Use(mw.RequestID())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	handler := forwardHandler(cfg, debugDir, log)
	e.Any("/*", handler)

	return e
}

// forwardHandler builds the request handler for everything but /health.
// Anthropic-format upstreams are passed through unchanged (aside from
// swapping in the configured credentials); other formats get a light
// reshape of the model field before forwarding — full cross-dialect
// translation is out of scope for this daemon, which only needs enough
// of a shim to keep a CLI node talking to a differently-shaped backend.
func forwardHandler(cfg ProviderConfig, debugDir string, log *logger.Logger) echo.HandlerFunc {
	upstream, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return func(c echo.Context) error {
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "invalid upstream base_url"})
		}
	}

	rp := httputil.NewSingleHostReverseProxy(upstream)
	baseDirector := rp.Director
	rp.Director = func(req *http.Request) {
		baseDirector(req)
		req.Host = upstream.Host
		switch cfg.APIFormat {
		case FormatAnthropic:
			req.Header.Set("x-api-key", cfg.APIKey)
		default:
			req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		}
		if cfg.NeedsTransform() && cfg.Model != "" {
			rewriteModel(req, cfg.Model)
		}
		if debugDir != "" {
			log.Debug("proxy forwarding request", "method", req.Method, "path", req.URL.Path, "debug_dir", debugDir)
		}
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn("proxy upstream request failed", "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}

	return func(c echo.Context) error {
		rp.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// rewriteModel overwrites the JSON body's top-level "model" field with
// the configured model, used for transform proxies where the node's
// request names a model the upstream doesn't recognize.
func rewriteModel(req *http.Request, model string) {
	if req.Body == nil {
		return
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return
	}

	patched, ok := setJSONModel(body, model)
	if !ok {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		return
	}
	req.Body = io.NopCloser(bytes.NewReader(patched))
	req.ContentLength = int64(len(patched))
	req.Header.Set("Content-Length", strconv.Itoa(len(patched)))
}

// setJSONModel overwrites the top-level "model" key of a JSON object
// body. Returns ok=false (body left untouched) if it isn't a JSON object.
func setJSONModel(body []byte, model string) ([]byte, bool) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false
	}
	payload["model"] = model
	patched, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	return patched, true
}

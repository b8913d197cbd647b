// Package proxy manages per-node HTTP proxy instances that sit between
// an interactive CLI node and an upstream LLM API: passthrough for
// logging/debugging, or a light format shim when the upstream speaks a
// different dialect than the node expects. Grounded on
// original_source/src/nerve/server/proxy_manager.py (read in full) and
// on the teacher's echo-based HTTP server setup
// (cmd/orchestrator/main.go, common/server/server.go).
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nervelabs/nerve/internal/logger"
	"github.com/nervelabs/nerve/internal/nerverr"
)

// APIFormat names the upstream's wire dialect.
type APIFormat string

const (
	FormatAnthropic APIFormat = "anthropic"
	FormatOpenAI    APIFormat = "openai"
)

// ProviderConfig describes the upstream a proxy instance forwards to.
type ProviderConfig struct {
	APIFormat APIFormat
	BaseURL   string
	APIKey    string
	Model     string // required when NeedsTransform is true
	DebugDir  string
}

// NeedsTransform reports whether requests must be reshaped before
// reaching the upstream (anthropic is passed through as-is).
func (c ProviderConfig) NeedsTransform() bool { return c.APIFormat != FormatAnthropic }

func (c ProviderConfig) validate() error {
	if c.NeedsTransform() && c.Model == "" {
		return nerverr.New(nerverr.InvalidParams, "model is required for api_format %q", c.APIFormat)
	}
	return nil
}

// Instance is a running proxy.
type Instance struct {
	NodeID string
	Port   int
	Config ProviderConfig

	srv *http.Server
}

// URL is the local address a node should be pointed at.
func (i *Instance) URL() string { return fmt.Sprintf("http://127.0.0.1:%d", i.Port) }

const (
	defaultMaxStartAttempts = 5
	defaultHealthTimeout    = 10 * time.Second
	defaultStopTimeout      = 5 * time.Second
)

// Manager owns every node's proxy instance, isolated from one another:
// one node's proxy restarting or misbehaving never touches another's.
type Manager struct {
	log             *logger.Logger
	defaultDebugDir string
	healthTimeout   time.Duration

	mu       sync.Mutex
	proxies  map[string]*Instance
}

// NewManager creates an empty manager.
func NewManager(defaultDebugDir string, log *logger.Logger) *Manager {
	return &Manager{
		log:             log,
		defaultDebugDir: defaultDebugDir,
		healthTimeout:   defaultHealthTimeout,
		proxies:         make(map[string]*Instance),
	}
}

// StartProxy launches a proxy for nodeID and blocks until it reports
// healthy. Port allocation races with other OS processes (bind-to-zero,
// close, rebind), so failure to claim the port or to come up healthy is
// retried with backoff up to defaultMaxStartAttempts times.
func (m *Manager) StartProxy(ctx context.Context, nodeID string, cfg ProviderConfig, debugDir string) (*Instance, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.proxies[nodeID]; exists {
		m.mu.Unlock()
		return nil, nerverr.New(nerverr.DuplicateId, "proxy already exists for node %q", nodeID)
	}
	m.mu.Unlock()

	if debugDir == "" {
		debugDir = cfg.DebugDir
	}
	if debugDir == "" && m.defaultDebugDir != "" {
		debugDir = m.defaultDebugDir + "/proxy/" + nodeID
	}

	var lastErr error
	for attempt := 0; attempt < defaultMaxStartAttempts; attempt++ {
		port, err := findFreePort()
		if err != nil {
			return nil, nerverr.New(nerverr.ProxyStartError, "failed to allocate proxy port: %v", err)
		}

		e := buildEcho(cfg, debugDir, m.log)
		srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", port), Handler: e}

		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			lastErr = err
			m.log.Debug("proxy port already in use, retrying", "node_id", nodeID, "port", port, "attempt", attempt+1)
			sleepBackoff(attempt)
			continue
		}

		serveErrs := make(chan error, 1)
		go func() { serveErrs <- srv.Serve(ln) }()

		if err := waitForHealth(ctx, port, m.healthTimeout); err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
			_ = srv.Shutdown(shutdownCtx)
			cancel()
			lastErr = err
			m.log.Debug("proxy health check failed, retrying", "node_id", nodeID, "port", port, "attempt", attempt+1)
			sleepBackoff(attempt)
			continue
		}

		instance := &Instance{NodeID: nodeID, Port: port, Config: cfg, srv: srv}
		m.mu.Lock()
		m.proxies[nodeID] = instance
		m.mu.Unlock()

		m.log.Info("proxy started", "node_id", nodeID, "port", port, "api_format", cfg.APIFormat, "upstream", cfg.BaseURL)
		return instance, nil
	}

	return nil, nerverr.New(nerverr.ProxyStartError, "failed to start proxy for node %q after %d attempts: %v", nodeID, defaultMaxStartAttempts, lastErr)
}

// StopProxy stops the proxy serving nodeID, if any. Other nodes'
// proxies are unaffected.
func (m *Manager) StopProxy(ctx context.Context, nodeID string) error {
	m.mu.Lock()
	instance, ok := m.proxies[nodeID]
	if ok {
		delete(m.proxies, nodeID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, defaultStopTimeout)
	defer cancel()
	if err := instance.srv.Shutdown(stopCtx); err != nil {
		m.log.Warn("proxy did not stop gracefully, forcing close", "node_id", nodeID, "error", err)
		return instance.srv.Close()
	}
	m.log.Debug("proxy stopped", "node_id", nodeID, "port", instance.Port)
	return nil
}

// GetProxyURL returns the local URL the node should target.
func (m *Manager) GetProxyURL(nodeID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, ok := m.proxies[nodeID]
	if !ok {
		return "", false
	}
	return instance.URL(), true
}

// GetInstance returns the full proxy instance for a node.
func (m *Manager) GetInstance(nodeID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, ok := m.proxies[nodeID]
	return instance, ok
}

// StopAll stops every proxy concurrently, used on engine shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.proxies))
	for id := range m.proxies {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.StopProxy(ctx, id); err != nil {
				m.log.Warn("error stopping proxy during shutdown", "node_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

func findFreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func sleepBackoff(attempt int) {
	time.Sleep(time.Duration(100*(attempt+1)) * time.Millisecond)
}

package engine

import (
	"context"
	"os"
	"time"

	"github.com/nervelabs/nerve/internal/history"
	"github.com/nervelabs/nerve/internal/nerverr"
	"github.com/nervelabs/nerve/internal/node"
	"github.com/nervelabs/nerve/internal/proxy"
	"github.com/nervelabs/nerve/internal/ptybackend"
	"github.com/nervelabs/nerve/internal/session"
)

type providerParams struct {
	APIFormat string `json:"api_format"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	DebugDir  string `json:"debug_dir"`
}

type createNodeParams struct {
	ID             string            `json:"id"`
	Kind           string            `json:"kind"`
	Backend        string            `json:"backend"`
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Cwd            string            `json:"cwd"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds float64           `json:"timeout_seconds"`
	DefaultParser  string            `json:"default_parser"`
	Provider       *providerParams   `json:"provider"`
}

// handleCreateNode creates a node of the requested kind. If a provider
// config is present, its dedicated proxy is started first and the
// node's child process/client is pointed at the proxy's local URL,
// exactly as spec §4.7 describes.
func (e *Engine) handleCreateNode(ctx context.Context, sess *session.Session, params map[string]any) CommandResult {
	var p createNodeParams
	if err := decodeParams(params, &p); err != nil {
		return fail(err)
	}

	var proxyURL string
	if p.Provider != nil {
		inst, err := e.proxies.StartProxy(ctx, p.ID, proxy.ProviderConfig{
			APIFormat: proxy.APIFormat(p.Provider.APIFormat),
			BaseURL:   p.Provider.BaseURL,
			APIKey:    p.Provider.APIKey,
			Model:     p.Provider.Model,
			DebugDir:  p.Provider.DebugDir,
		}, p.Provider.DebugDir)
		if err != nil {
			return fail(err)
		}
		proxyURL = inst.URL()
	}

	var n node.Node
	var err error

	switch p.Kind {
	case "terminal", "wezterm":
		n, err = e.createTerminalNode(ctx, sess, p, proxyURL)
	case "bash":
		timeout := time.Duration(p.TimeoutSeconds * float64(time.Second))
		n = node.NewBash(p.ID, p.Cwd, p.Env, timeout, e.log)
	case "llm":
		if p.Provider == nil {
			err = nerverr.New(nerverr.InvalidParams, "llm nodes require a provider config")
			break
		}
		cfg := node.DefaultLLMConfig(p.Provider.baseURLOr(proxyURL), p.Provider.apiKeyOr(""), p.Provider.Model)
		n = node.NewLLM(p.ID, cfg, e.log)
	case "mcp":
		n, err = node.NewMCP(ctx, p.ID, p.Command, p.Args, p.Env, p.Cwd, e.toolCatalogs, e.log)
	default:
		err = nerverr.New(nerverr.InvalidParams, "unsupported node kind %q (function nodes cannot be created over the wire)", p.Kind)
	}
	if err != nil {
		if p.Provider != nil {
			e.proxies.StopProxy(ctx, p.ID)
		}
		return fail(err)
	}

	if err := sess.AddNode(n); err != nil {
		if p.Provider != nil {
			e.proxies.StopProxy(ctx, p.ID)
		}
		return fail(err)
	}

	e.startMonitor(sess, n)
	e.events.Publish(ctx, eventNode("node_created", n))
	return ok(n.Info())
}

func (p providerParams) baseURLOr(fallback string) string {
	if fallback != "" {
		return fallback
	}
	return p.BaseURL
}

func (p providerParams) apiKeyOr(fallback string) string {
	if p.APIKey != "" {
		return p.APIKey
	}
	return fallback
}

func (e *Engine) createTerminalNode(ctx context.Context, sess *session.Session, p createNodeParams, proxyURL string) (node.Node, error) {
	hw, err := history.Create(p.ID, sess.ServerName, sess.ID, sess.HistoryBaseDir, sess.HistoryEnabled, e.log)
	if err != nil {
		return nil, err
	}

	env := p.Env
	if proxyURL != "" {
		env = mergeEnv(env, proxyEnvVars(p.Provider, proxyURL))
	}

	kind := node.KindTerminal
	var backend ptybackend.Backend
	if p.Kind == "wezterm" {
		kind = node.KindWezTerm
		backend, err = ptybackend.SpawnWezTerm(ctx, p.Command, p.Args, p.Cwd)
	} else {
		backend, err = ptybackend.Start(ctx, p.Command, p.Args, p.Cwd, envSlice(env))
	}
	if err != nil {
		hw.Close()
		return nil, err
	}

	return node.NewTerminal(p.ID, kind, backend, p.Command, e.parsers, hw, node.TerminalConfig{DefaultParser: p.DefaultParser}, e.log), nil
}

// proxyEnvVars picks the credential env var names a terminal-hosted CLI
// expects, based on the provider's api_format, and points them at the
// local proxy instead of the real upstream.
func proxyEnvVars(p *providerParams, proxyURL string) map[string]string {
	if p == nil {
		return nil
	}
	switch p.APIFormat {
	case "openai":
		return map[string]string{"OPENAI_BASE_URL": proxyURL, "OPENAI_API_KEY": p.APIKey}
	default:
		return map[string]string{"ANTHROPIC_BASE_URL": proxyURL, "ANTHROPIC_API_KEY": p.APIKey}
	}
}

func mergeEnv(base, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func envSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (e *Engine) handleDeleteNode(ctx context.Context, sess *session.Session, params map[string]any) CommandResult {
	id := stringParam(params, "id")
	if err := sess.DeleteNode(ctx, id); err != nil {
		return fail(err)
	}
	e.stopMonitor(id)
	e.proxies.StopProxy(ctx, id)
	e.events.Publish(ctx, eventFor("node_deleted", id, nil))
	return ok(map[string]any{"deleted": id})
}

func (e *Engine) handleListNodes(sess *session.Session) CommandResult {
	return ok(sess.ListNodes())
}

func (e *Engine) handleGetNode(sess *session.Session, params map[string]any) CommandResult {
	n, err := sess.MustNode(stringParam(params, "id"))
	if err != nil {
		return fail(err)
	}
	return ok(n.Info())
}

func (e *Engine) handleInterruptNode(ctx context.Context, sess *session.Session, params map[string]any) CommandResult {
	n, err := sess.MustNode(stringParam(params, "id"))
	if err != nil {
		return fail(err)
	}
	if err := n.Interrupt(ctx); err != nil {
		return fail(err)
	}
	e.events.Publish(ctx, eventFor("node_interrupted", n.ID(), nil))
	return ok(map[string]any{"interrupted": n.ID()})
}

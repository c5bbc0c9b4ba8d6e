package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpg "github.com/mark3labs/mcp-go/mcp"
	"github.com/skeinworks/skein/logging"
)

// DefaultConnectTimeout bounds per-provider connection establishment:
// process spawn, initialize handshake and catalog listing together.
const DefaultConnectTimeout = 20 * time.Second

// CatalogEntry binds a discovered tool to the provider declaring it.
type CatalogEntry struct {
	Provider string
	Tool     mcpg.Tool
}

// toolClient is the slice of the MCP client the router uses. The
// concrete *client.Client satisfies it; tests substitute fakes.
type toolClient interface {
	CallTool(ctx context.Context, req mcpg.CallToolRequest) (*mcpg.CallToolResult, error)
	Close() error
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// ConnectTimeout bounds each provider's startup. DefaultConnectTimeout
	// when zero.
	ConnectTimeout time.Duration
	// InstallDir is where git-sourced providers are cached. Defaults to
	// "mcp" under the user cache dir.
	InstallDir string
	Logger     logging.Logger
}

// Router owns the provider fleet for the life of the process: it
// launches each configured provider once, aggregates their catalogs and
// dispatches tool calls by name. Routing precedence between providers
// declaring the same tool follows configuration order.
type Router struct {
	cfg            Config
	connectTimeout time.Duration
	logger         logging.Logger
	installer      *Installer

	mu      sync.RWMutex
	started bool
	clients map[string]toolClient
	catalog []CatalogEntry

	// connect is swapped out in tests.
	connect func(ctx context.Context, cfg ServerConfig, installDir string) (toolClient, []mcpg.Tool, error)
}

// NewRouter creates a Router over the given fleet configuration.
func NewRouter(cfg Config, optFns ...func(o *RouterOptions)) *Router {
	opts := RouterOptions{
		ConnectTimeout: DefaultConnectTimeout,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.InstallDir == "" {
		if cacheDir, err := os.UserCacheDir(); err == nil {
			opts.InstallDir = filepath.Join(cacheDir, "skein", "mcp")
		} else {
			opts.InstallDir = filepath.Join(os.TempDir(), "skein-mcp")
		}
	}

	r := &Router{
		cfg:            cfg,
		connectTimeout: opts.ConnectTimeout,
		logger:         opts.Logger,
		installer:      NewInstaller(opts.InstallDir, opts.Logger),
		clients:        map[string]toolClient{},
	}
	r.connect = r.connectStdio
	return r
}

// Start installs, launches and interrogates every configured provider.
// A provider that fails to come up within the connect timeout is logged
// as a ProviderStartError and skipped; Start only returns an error when
// ctx is cancelled.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("router already started")
	}
	r.started = true
	r.mu.Unlock()

	// Install and connect outside the lock: a slow provider must not
	// block routing to the ones already up.
	for _, srv := range r.cfg.Servers {
		if err := ctx.Err(); err != nil {
			return err
		}

		installDir, err := r.installer.Ensure(ctx, srv)
		if err != nil {
			r.logger.Error("provider install failed", "provider", srv.ID, "error", (&ProviderStartError{Provider: srv.ID, Err: err}).Error())
			continue
		}

		connectCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
		cli, tools, err := r.connect(connectCtx, srv, installDir)
		cancel()
		if err != nil {
			r.logger.Error("provider start failed", "provider", srv.ID, "error", (&ProviderStartError{Provider: srv.ID, Err: err}).Error())
			continue
		}

		r.mu.Lock()
		r.clients[srv.ID] = cli
		for _, t := range tools {
			r.catalog = append(r.catalog, CatalogEntry{Provider: srv.ID, Tool: t})
		}
		r.mu.Unlock()
		r.logger.Info("provider connected", "provider", srv.ID, "tools", len(tools))
	}

	return nil
}

// connectStdio spawns the provider process and performs the MCP
// initialize handshake plus catalog listing over its stdio streams.
func (r *Router) connectStdio(ctx context.Context, cfg ServerConfig, installDir string) (toolClient, []mcpg.Tool, error) {
	args := resolveArgs(cfg, installDir)

	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	cli, err := mcpclient.NewStdioMCPClient(cfg.Command, env, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn: %w", err)
	}

	initReq := mcpg.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpg.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpg.Implementation{Name: "skein", Version: "0.1.0"}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		_ = cli.Close()
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}

	listed, err := cli.ListTools(ctx, mcpg.ListToolsRequest{})
	if err != nil {
		_ = cli.Close()
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}

	return cli, listed.Tools, nil
}

// resolveArgs rewrites relative script arguments to absolute paths,
// preferring the provider's cwd and then its install dir. The stdio
// transport has no working-directory control, so absolute paths are the
// reliable way to address provider scripts.
func resolveArgs(cfg ServerConfig, installDir string) []string {
	args := make([]string, len(cfg.Args))
	copy(args, cfg.Args)

	for i, arg := range args {
		if arg == "" || filepath.IsAbs(arg) || strings.HasPrefix(arg, "-") {
			continue
		}
		if cfg.Cwd != "" {
			if candidate := filepath.Join(cfg.Cwd, arg); exists(candidate) {
				args[i] = candidate
				continue
			}
		}
		if installDir != "" {
			if candidate := filepath.Join(installDir, arg); exists(candidate) {
				args[i] = candidate
			}
		}
	}
	return args
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Tools returns the aggregate catalog in routing order.
func (r *Router) Tools() []CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CatalogEntry, len(r.catalog))
	copy(out, r.catalog)
	return out
}

// Route dispatches a named tool call to the first provider declaring
// it. The returned string is the concatenated text content of the
// provider's result; a result flagged IsError comes back as an error so
// callers surface it into the node conversation.
func (r *Router) Route(ctx context.Context, toolName string, arguments map[string]any) (string, error) {
	entry, cli, err := r.lookup(toolName)
	if err != nil {
		return "", err
	}

	start := time.Now()
	req := mcpg.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = arguments

	result, err := cli.CallTool(ctx, req)
	if rl, ok := r.logger.(*logging.RunLogger); ok {
		rl.LogToolCall(toolName, entry.Provider, time.Since(start), err)
	}
	if err != nil {
		return "", fmt.Errorf("tool %q on provider %q: %w", toolName, entry.Provider, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "", fmt.Errorf("tool %q reported error: %s", toolName, text)
	}
	return text, nil
}

// CallPositional maps positional arguments onto the tool's declared
// parameter names in schema order, truncating extras and leaving
// missing parameters unset, then routes the call.
func (r *Router) CallPositional(ctx context.Context, toolName string, args ...any) (string, error) {
	entry, _, err := r.lookup(toolName)
	if err != nil {
		return "", err
	}

	keys := orderedParamNames(entry.Tool)
	arguments := make(map[string]any, len(args))
	for i, arg := range args {
		if i >= len(keys) {
			break
		}
		arguments[keys[i]] = arg
	}

	return r.Route(ctx, toolName, arguments)
}

func (r *Router) lookup(toolName string) (CatalogEntry, toolClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.catalog {
		if entry.Tool.Name == toolName {
			return entry, r.clients[entry.Provider], nil
		}
	}
	return CatalogEntry{}, nil, &ToolNotFoundError{Tool: toolName}
}

// Stop terminates every provider process. Safe to call after a partial
// Start or without Start at all.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, cli := range r.clients {
		if err := cli.Close(); err != nil {
			r.logger.Warn("provider close failed", "provider", id, "error", err.Error())
		}
	}
	r.clients = map[string]toolClient{}
	r.catalog = nil
}

func flattenContent(content []mcpg.Content) string {
	var b strings.Builder
	for _, c := range content {
		if tc, ok := c.(mcpg.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

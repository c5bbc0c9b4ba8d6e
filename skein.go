// Package skein provides a high-level façade over the plan executor and
// its services (reasoning backend, tool routing, session persistence,
// logging). Most applications interact with this package by:
//  1. Creating a Skein via New() with a reasoning backend
//  2. Calling Start() to bring up the configured tool providers
//  3. Submitting queries with Run(); each call plans, executes and
//     persists one task graph
//
// Defaults are safe for local development: no tools, in-process state
// only, sessions kept wherever SessionDir points. Production
// deployments typically supply a provider fleet config and a structured
// logger.
package skein

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skeinworks/skein/agent"
	"github.com/skeinworks/skein/executor"
	"github.com/skeinworks/skein/logging"
	"github.com/skeinworks/skein/mcp"
	"github.com/skeinworks/skein/model"
	"github.com/skeinworks/skein/session"
	"github.com/skeinworks/skein/state"
)

// contextMessages caps how much prior conversation is surfaced to a new
// run as session context.
const contextMessages = 6

// Options configures the Skein instance.
type Options struct {
	// ToolConfig describes the tool-provider fleet. Empty runs toolless.
	ToolConfig mcp.Config
	// ToolConfigPath loads ToolConfig from a YAML file when set.
	ToolConfigPath string

	// SessionStore persists conversations. Defaults to a FileStore under
	// SessionDir; set either, not both.
	SessionStore session.Store
	SessionDir   string

	// MaxTurns caps per-node reasoning turns (executor.DefaultMaxTurns
	// when zero).
	MaxTurns int

	// Instructions overrides per-agent-type system prompts.
	Instructions *agent.Instructions

	// CodeRunner enables code-execution extraction for coder nodes.
	CodeRunner state.CodeRunner

	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Skein aggregates the executor and its services behind a small API.
type Skein struct {
	loop     *executor.Loop
	router   *mcp.Router
	sessions session.Store
	logger   logging.Logger
}

// New creates a Skein over the given reasoning backend.
func New(backend model.Model, optFns ...func(o *Options)) (*Skein, error) {
	opts := Options{
		SessionDir: ".skein/sessions",
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.ToolConfigPath != "" {
		cfg, err := mcp.LoadConfig(opts.ToolConfigPath)
		if err != nil {
			return nil, err
		}
		opts.ToolConfig = *cfg
	}

	var router *mcp.Router
	if len(opts.ToolConfig.Servers) > 0 {
		router = mcp.NewRouter(opts.ToolConfig, func(o *mcp.RouterOptions) {
			o.Logger = opts.Logger
		})
	}

	sessions := opts.SessionStore
	if sessions == nil {
		fs, err := session.NewFileStore(opts.SessionDir, func(o *session.FileStoreOptions) {
			o.Logger = opts.Logger
		})
		if err != nil {
			return nil, err
		}
		sessions = fs
	}

	loop := executor.New(backend, func(o *executor.Options) {
		o.MaxTurns = opts.MaxTurns
		o.Instructions = opts.Instructions
		o.CodeRunner = opts.CodeRunner
		o.Logger = opts.Logger
		if router != nil {
			o.Router = routerAdapter{router}
		}
	})

	return &Skein{
		loop:     loop,
		router:   router,
		sessions: sessions,
		logger:   opts.Logger,
	}, nil
}

// Start brings up the tool-provider fleet. A Skein with no providers
// starts trivially.
func (s *Skein) Start(ctx context.Context) error {
	if s.router == nil {
		return nil
	}
	return s.router.Start(ctx)
}

// Stop terminates the provider fleet. Safe without Start.
func (s *Skein) Stop() {
	if s.router != nil {
		s.router.Stop()
	}
}

// RunOptions carries per-run extras.
type RunOptions struct {
	// FileManifest names files available to the run, recorded in plan
	// metadata for the planner.
	FileManifest []string
	// GlobalsSeed pre-populates shared state before planning.
	GlobalsSeed map[string]any
	// UploadedFiles are paths of files uploaded for this run, surfaced
	// to every node through shared state.
	UploadedFiles []string
}

// Run plans and executes one query. An empty sessionID starts a new
// session; an existing one continues it, surfacing recent conversation
// to every node. The session document is updated with the query, the
// answer and the executed graph even when the run fails partway.
func (s *Skein) Run(ctx context.Context, sessionID, query string, optFns ...func(o *RunOptions)) (*executor.Result, error) {
	var runOpts RunOptions
	for _, fn := range optFns {
		fn(&runOpts)
	}

	sess, err := s.loadOrCreateSession(sessionID, query)
	if err != nil {
		return nil, err
	}

	logger := s.logger
	if rl, ok := logger.(*logging.RunLogger); ok {
		logger = rl.WithRun(sess.ID, uuid.NewString())
	}
	logger.Info("run started", "session", sess.ID, "query", query)

	res, runErr := s.loop.Run(ctx, executor.RunRequest{
		Query:          query,
		FileManifest:   runOpts.FileManifest,
		GlobalsSeed:    runOpts.GlobalsSeed,
		UploadedFiles:  runOpts.UploadedFiles,
		SessionID:      sess.ID,
		SessionContext: conversationContext(sess.Messages),
	})

	if res != nil {
		s.persist(sess, query, res)
	}
	if runErr != nil {
		logger.Error("run failed", "session", sess.ID, "error", runErr.Error())
		return res, runErr
	}

	logger.Info("run finished", "session", sess.ID,
		"completed", res.Summary.Completed, "failed", res.Summary.Failed)
	return res, nil
}

// Sessions exposes the persistence layer for listing and deletion.
func (s *Skein) Sessions() session.Store { return s.sessions }

func (s *Skein) loadOrCreateSession(id, query string) (*session.Session, error) {
	if id == "" {
		return &session.Session{ID: uuid.NewString(), Title: query}, nil
	}

	sess, err := s.sessions.Get(id)
	if err == session.ErrNotFound {
		return &session.Session{ID: id, Title: query}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %q: %w", id, err)
	}
	return sess, nil
}

func (s *Skein) persist(sess *session.Session, query string, res *executor.Result) {
	now := time.Now().UTC()
	sess.Messages = append(sess.Messages, session.Message{Role: "user", Content: query, Timestamp: now})
	if res.Answered {
		sess.Messages = append(sess.Messages, session.Message{Role: "assistant", Content: res.Answer, Timestamp: now})
	}
	graph := res.Graph
	sess.GraphData = &graph

	if err := s.sessions.Save(sess); err != nil {
		s.logger.Error("session save failed", "session", sess.ID, "error", err.Error())
	}
}

// conversationContext renders the tail of a session's transcript for
// inclusion in run prompts.
func conversationContext(messages []session.Message) string {
	if len(messages) == 0 {
		return ""
	}
	start := len(messages) - contextMessages
	if start < 0 {
		start = 0
	}

	var b strings.Builder
	for _, m := range messages[start:] {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// routerAdapter narrows mcp.Router to the executor's ToolRouter.
type routerAdapter struct {
	router *mcp.Router
}

func (a routerAdapter) Route(ctx context.Context, tool string, arguments map[string]any) (string, error) {
	return a.router.Route(ctx, tool, arguments)
}

func (a routerAdapter) Catalog() []agent.ToolInfo {
	entries := a.router.Tools()
	infos := make([]agent.ToolInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, agent.ToolInfo{Name: e.Tool.Name, Description: e.Tool.Description})
	}
	return infos
}

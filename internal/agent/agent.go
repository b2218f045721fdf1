// Package agent drives one session: it loads the workspace configuration,
// assembles the capability registry, and runs the turn loop that queries the
// model, decodes its reply, and dispatches tool calls until the model
// terminates or the turn budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/waa-agent/waa/internal/config"
	"github.com/waa-agent/waa/internal/ledger"
	"github.com/waa-agent/waa/internal/llm"
	"github.com/waa-agent/waa/internal/protocol"
	"github.com/waa-agent/waa/internal/sandbox"
	"github.com/waa-agent/waa/internal/supervisor"
	"github.com/waa-agent/waa/internal/tool"
	fstools "github.com/waa-agent/waa/internal/tools/fs"
	npmtools "github.com/waa-agent/waa/internal/tools/npm"
	todotools "github.com/waa-agent/waa/internal/tools/todo"
	webtesttools "github.com/waa-agent/waa/internal/tools/webtest"
)

// ErrLogExists guards against two runs sharing one workspace: a leftover
// agent.log means a previous run's record would be clobbered.
var ErrLogExists = errors.New("run log already exists")

// Status is the session's lifecycle state.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusRunning    Status = "RUNNING"
	StatusTerminated Status = "TERMINATED"
	StatusExhausted  Status = "EXHAUSTED"
	StatusFailed     Status = "FAILED"
)

// Option customizes an Agent before Initialize.
type Option func(*Agent)

// WithModel injects a pre-built language model, bypassing the configured
// backend. Used by callers that construct the backend themselves.
func WithModel(m llm.LanguageModel) Option {
	return func(a *Agent) { a.model = m }
}

// WithDebug raises the run log level to debug.
func WithDebug() Option {
	return func(a *Agent) { a.debug = true }
}

// WithNPMBinary overrides the npm executable the npm.* family invokes.
func WithNPMBinary(bin string) Option {
	return func(a *Agent) { a.npmBin = bin }
}

// WithRunnerBinary overrides the package-runner executable the test-runner
// families invoke.
func WithRunnerBinary(bin string) Option {
	return func(a *Agent) { a.runnerBin = bin }
}

// Agent owns all per-session state. The loop is single-threaded; the
// supervisor is the only concurrently running resource.
type Agent struct {
	workdir string
	id      string
	debug   bool

	npmBin    string
	runnerBin string

	cfg         *config.Config
	instruction string
	log         *zap.Logger
	model       llm.LanguageModel
	registry    *tool.Registry
	history     *ledger.Ledger
	sink        *ledger.TranscriptSink
	sup         *supervisor.Supervisor

	status Status
	turns  int
}

// New builds an agent for one workspace directory. Initialize must be called
// before Run.
func New(workdir string, opts ...Option) *Agent {
	a := &Agent{
		workdir: workdir,
		id:      ulid.Make().String(),
		status:  StatusIdle,
		history: ledger.New(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ID returns the session's ULID.
func (a *Agent) ID() string { return a.id }

// Status returns the session's lifecycle state.
func (a *Agent) Status() Status { return a.status }

// Turns returns the number of turns consumed so far.
func (a *Agent) Turns() int { return a.turns }

// Ledger exposes the conversation history for inspection.
func (a *Agent) Ledger() *ledger.Ledger { return a.history }

// Config returns the loaded run configuration; nil before Initialize.
func (a *Agent) Config() *config.Config { return a.cfg }

// Registry exposes the allow-listed capability set; nil before Initialize.
func (a *Agent) Registry() *tool.Registry { return a.registry }

// Initialize loads the workspace contract and assembles the session:
// configuration, run logger, model backend, sandbox, supervisor, capability
// registry, and the two fixed opening ledger entries. Any error here is
// fatal; the loop never starts.
func (a *Agent) Initialize() error {
	cfg, err := config.Load(a.workdir)
	if err != nil {
		return err
	}
	instruction, err := config.LoadInstruction(a.workdir)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.instruction = instruction

	stateDir := config.StateDir(a.workdir)
	logPath := filepath.Join(stateDir, "agent.log")
	if _, err := os.Stat(logPath); err == nil {
		return fmt.Errorf("%w: %s", ErrLogExists, logPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat run log: %w", err)
	}
	logger, err := buildRunLogger(logPath, a.debug)
	if err != nil {
		return fmt.Errorf("build run logger: %w", err)
	}
	a.log = logger

	if a.model == nil {
		model, err := llm.New(llm.Options{
			Type:          cfg.LLMType,
			Model:         cfg.Model,
			APIKey:        cfg.APIKey,
			MockResponses: cfg.MockResponses,
		})
		if err != nil {
			return err
		}
		a.model = model
	}

	policy, err := sandbox.NewPolicy(a.workdir, cfg.ProtectedFiles)
	if err != nil {
		return fmt.Errorf("build sandbox policy: %w", err)
	}
	a.sup = supervisor.New(supervisor.Options{
		LogPath: filepath.Join(stateDir, "server.log"),
		PIDPath: filepath.Join(stateDir, "server.pid"),
	})

	if err := a.buildRegistry(policy, stateDir); err != nil {
		return err
	}

	sink, err := ledger.NewTranscriptSink(filepath.Join(stateDir, "transcript.jsonl"), a.id)
	if err != nil {
		return err
	}
	a.sink = sink

	a.append(ledger.SystemPrompt(protocol.BuildSystemPrompt(a.registry.Descriptors())))
	a.append(ledger.UserInstruction(instruction))

	a.log.Info("session initialized",
		zap.String("session_id", a.id),
		zap.String("llm_type", cfg.LLMType),
		zap.Int("max_turns", cfg.MaxTurns),
		zap.Int("tools", a.registry.Len()))
	return nil
}

// buildRegistry assembles every capability family and registers only the
// allow-listed subset, in allow-list order. An absent allow-list grants
// nothing.
func (a *Agent) buildRegistry(policy *sandbox.Policy, stateDir string) error {
	available := map[string]tool.Capability{}
	add := func(caps []tool.Capability) {
		for _, c := range caps {
			available[c.Name()] = c
		}
	}
	add(fstools.Capabilities(policy))
	add(todotools.Capabilities(todotools.NewStore(filepath.Join(stateDir, todotools.FileName))))
	add(npmtools.Capabilities(npmtools.Options{
		Root:       a.workdir,
		Supervisor: a.sup,
		Bin:        a.npmBin,
	}))
	add(webtesttools.Capabilities(webtesttools.Options{
		Root: a.workdir,
		Bin:  a.runnerBin,
	}))

	reg := tool.NewRegistry()
	for _, name := range a.cfg.AllowedTools {
		c, ok := available[name]
		if !ok {
			a.log.Warn("unknown tool in allowed_tools", zap.String("tool", name))
			continue
		}
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register tool %s: %w", name, err)
		}
	}
	a.registry = reg
	return nil
}

// Run executes the turn loop until termination, budget exhaustion, a backend
// failure, or context cancellation. Dispatch outcomes never abort the loop.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg == nil {
		return fmt.Errorf("agent is not initialized")
	}
	a.status = StatusRunning
	defer a.shutdown()

	for {
		if err := ctx.Err(); err != nil {
			a.status = StatusFailed
			return err
		}
		a.turns++
		if a.turns > a.cfg.MaxTurns {
			a.turns = a.cfg.MaxTurns
			a.status = StatusExhausted
			a.log.Warn("turn budget exhausted", zap.Int("max_turns", a.cfg.MaxTurns))
			return nil
		}

		prompt := protocol.RenderTranscript(a.history)
		reply, err := a.model.Query(ctx, prompt)
		if err != nil {
			a.status = StatusFailed
			a.log.Error("model query failed", zap.Int("turn", a.turns), zap.Error(err))
			return fmt.Errorf("query model on turn %d: %w", a.turns, err)
		}
		a.append(ledger.ModelResponse(reply, a.turns))

		d := protocol.Decode(reply)
		switch {
		case d.Terminate:
			a.status = StatusTerminated
			a.log.Info("model terminated the session", zap.Int("turn", a.turns))
			return nil
		case d.Call != nil:
			res := a.registry.Dispatch(ctx, *d.Call)
			a.append(ledger.ToolCallResult(d.Call.Tool, d.Call.Arguments, res, a.turns))
			if res.OK {
				a.log.Info("tool call succeeded", zap.Int("turn", a.turns), zap.String("tool", d.Call.Tool))
			} else {
				a.log.Warn("tool call failed", zap.Int("turn", a.turns), zap.String("tool", d.Call.Tool), zap.String("error", res.Error))
			}
		case d.Malformed != nil:
			// Equivalent to a failed dispatch: the model sees the parse
			// failure in the transcript and can correct itself.
			res := tool.Fail("%v", d.Malformed)
			a.append(ledger.ToolCallResult("", nil, res, a.turns))
			a.log.Warn("malformed tool call", zap.Int("turn", a.turns), zap.String("error", res.Error))
		default:
			a.log.Debug("no directive in reply", zap.Int("turn", a.turns))
		}
	}
}

// append mirrors every ledger entry to the transcript sink. Sink failures are
// logged, never fatal: the in-memory ledger stays authoritative.
func (a *Agent) append(e ledger.Entry) {
	a.history.Append(e)
	if err := a.sink.Record(e); err != nil && a.log != nil {
		a.log.Warn("transcript sink write failed", zap.Error(err))
	}
}

// shutdown releases session resources. A still-running supervised process is
// stopped so no run leaks a server past its session.
func (a *Agent) shutdown() {
	if a.sup != nil {
		if err := a.sup.Stop(); err != nil {
			a.log.Warn("stop supervised process", zap.Error(err))
		}
	}
	if a.sink != nil {
		_ = a.sink.Close()
	}
	if a.log != nil {
		a.log.Info("session finished",
			zap.String("status", string(a.status)),
			zap.Int("turns", a.turns))
		_ = a.log.Sync()
	}
}

func buildRunLogger(path string, debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{path}
	zcfg.ErrorOutputPaths = []string{path}
	zcfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	if debug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zcfg.Build()
}

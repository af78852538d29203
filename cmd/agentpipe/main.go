// Command agentpipe is the CLI wrapper over the pipeline engine (spec §6):
// it loads configuration from the environment, builds the requested graph,
// drives one run to completion, and exits with the status-coded exit codes
// the spec mandates for any CLI wrapper (0/2/3/4/64).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowcraft/agentpipe/pipeline"
	"github.com/flowcraft/agentpipe/pipeline/config"
	"github.com/flowcraft/agentpipe/pipeline/emit"
	"github.com/flowcraft/agentpipe/pipeline/model"
	"github.com/flowcraft/agentpipe/pipeline/model/anthropic"
	"github.com/flowcraft/agentpipe/pipeline/model/google"
	"github.com/flowcraft/agentpipe/pipeline/model/openai"
	"github.com/flowcraft/agentpipe/pipeline/store"
	"github.com/flowcraft/agentpipe/pipeline/workflow"
)

// Exit codes mandated by spec §6 for any CLI wrapper over the engine.
const (
	exitCompleted            = 0
	exitRunFailed            = 2
	exitRunCancelled         = 3
	exitConfigurationInvalid = 4
	exitInternalError        = 64
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRunCommand()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		var ce *cliError
		if errors.As(err, &ce) {
			return ce.code
		}
		fmt.Fprintln(os.Stderr, err)
		return exitInternalError
	}
	return exitCode
}

// exitCode is set by runRun's RunE before returning, since cobra's Execute
// only reports error/no-error, not the finer-grained exit taxonomy spec §6
// requires (completed/failed/cancelled are all "successful" cobra outcomes).
var exitCode = exitCompleted

// cliError carries a specific exit code for a command failure, so run()
// can propagate it instead of collapsing every error to exitInternalError.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func newRunCommand() *cobra.Command {
	var (
		requirements string
		taskKind     string
		graphName    string
		provider     string
		modelName    string
	)

	cmd := &cobra.Command{
		Use:   "agentpipe",
		Short: "Drive a natural-language software request through the agent pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), requirements, taskKind, graphName, provider, modelName)
		},
	}

	cmd.Flags().StringVar(&requirements, "requirements", "", "natural-language software-development request (required)")
	cmd.Flags().StringVar(&taskKind, "task-kind", "feature", "one of feature, bugfix, hotfix, refactor, documentation")
	cmd.Flags().StringVar(&graphName, "graph", "main", "graph to run: main or hotfix")
	cmd.Flags().StringVar(&provider, "provider", "anthropic", "model provider: anthropic, openai, or google")
	cmd.Flags().StringVar(&modelName, "model", "", "provider-specific model name; empty uses the adapter's default")
	_ = cmd.MarkFlagRequired("requirements")

	return cmd
}

// runRun builds the configured engine and graph, executes one run to
// completion (or cancellation via SIGINT/SIGTERM), prints the final state
// as JSON to stdout, and records the exit code corresponding to the
// outcome in package-level exitCode.
func runRun(ctx context.Context, requirements, taskKind, graphName, provider, modelName string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		exitCode = exitConfigurationInvalid
		return &cliError{code: exitConfigurationInvalid, err: fmt.Errorf("invalid configuration: %w", err)}
	}

	kind := pipeline.TaskKind(taskKind)
	if !validTaskKind(kind) {
		exitCode = exitConfigurationInvalid
		return &cliError{code: exitConfigurationInvalid, err: fmt.Errorf("invalid --task-kind %q", taskKind)}
	}

	adapter, err := buildAdapter(provider, modelName, cfg)
	if err != nil {
		exitCode = exitConfigurationInvalid
		return &cliError{code: exitConfigurationInvalid, err: err}
	}

	emitter := emit.NewLogEmitter(os.Stderr, true)
	st := store.NewMemoryStore()

	engine, err := pipeline.New(st, emitter, nil,
		pipeline.WithDefaultStageTimeout(cfg.StageTimeout),
		pipeline.WithMaxConcurrent(cfg.MaxConcurrentRuns),
	)
	if err != nil {
		exitCode = exitInternalError
		return &cliError{code: exitInternalError, err: err}
	}

	runRecord := &pipeline.Run{
		RunID:     pipeline.NewRunID(),
		GraphName: graphName,
		ThreadID:  pipeline.NewThreadID(),
		CreatedAt: time.Now(),
	}

	switch graphName {
	case "main":
		err = workflow.BuildMainGraph(engine, runRecord, adapter)
	case "hotfix":
		err = workflow.BuildHotfixGraph(engine, adapter)
	default:
		exitCode = exitConfigurationInvalid
		return &cliError{code: exitConfigurationInvalid, err: fmt.Errorf("invalid --graph %q", graphName)}
	}
	if err != nil {
		exitCode = exitInternalError
		return &cliError{code: exitInternalError, err: fmt.Errorf("building graph: %w", err)}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-runCtx.Done():
		}
	}()
	defer signal.Stop(sigCh)

	state := pipeline.NewRunState(pipeline.RunInputs{
		Requirements: requirements,
		TaskKind:     kind,
	})

	finalState, runErr := engine.Run(runCtx, runRecord, state)

	printResult(runRecord, finalState)

	switch runRecord.Status {
	case pipeline.StatusCompleted:
		exitCode = exitCompleted
		return nil
	case pipeline.StatusCancelled:
		exitCode = exitRunCancelled
		return nil
	case pipeline.StatusFailed:
		exitCode = exitRunFailed
		return nil
	default:
		exitCode = exitInternalError
		if runErr != nil {
			return &cliError{code: exitInternalError, err: runErr}
		}
		return &cliError{code: exitInternalError, err: fmt.Errorf("run ended in unexpected status %q", runRecord.Status)}
	}
}

func validTaskKind(k pipeline.TaskKind) bool {
	switch k {
	case pipeline.TaskFeature, pipeline.TaskBugfix, pipeline.TaskHotfix, pipeline.TaskRefactor, pipeline.TaskDocumentation:
		return true
	default:
		return false
	}
}

// buildAdapter selects and constructs the Model-Call Adapter named by
// provider, authenticating from cfg.ModelAPIKey.
func buildAdapter(provider, modelName string, cfg config.Config) (model.Adapter, error) {
	if cfg.ModelAPIKey == "" {
		return nil, fmt.Errorf("AGENTPIPE_MODEL_API_KEY is not set")
	}
	switch provider {
	case "anthropic":
		return anthropic.New(cfg.ModelAPIKey, modelName), nil
	case "openai":
		return openai.New(cfg.ModelAPIKey, modelName), nil
	case "google":
		return google.New(cfg.ModelAPIKey, modelName), nil
	default:
		return nil, fmt.Errorf("unknown --provider %q", provider)
	}
}

// resultDoc is the JSON shape printed to stdout on every run outcome,
// terminal or not, so a caller scripting against this CLI can parse a
// stable structure regardless of exit code.
type resultDoc struct {
	RunID        string         `json:"run_id"`
	Status       string         `json:"status"`
	CurrentStage string         `json:"current_stage,omitempty"`
	Stages       map[string]any `json:"stages"`
	TokenUsage   map[string]int `json:"token_usage"`
	Errors       []string       `json:"errors"`
}

func printResult(run *pipeline.Run, state pipeline.RunState) {
	stages := make(map[string]any, len(state.Stages))
	for name, out := range state.Stages {
		if out.Filled {
			stages[name] = out.Data
		}
	}
	errs := make([]string, 0, len(run.ErrorChain))
	for _, e := range run.ErrorChain {
		errs = append(errs, e.Error())
	}
	doc := resultDoc{
		RunID:        run.RunID,
		Status:       string(run.Status),
		CurrentStage: run.CurrentStage,
		Stages:       stages,
		TokenUsage: map[string]int{
			"input":  state.Accumulators.TokenUsage.Input,
			"output": state.Accumulators.TokenUsage.Output,
			"total":  state.Accumulators.TokenUsage.Total,
		},
		Errors: errs,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(doc)
}

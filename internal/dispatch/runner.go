// Package dispatch executes committed slot sources in isolated scratch
// directories, one process per run, with timeouts on both compile and run
// phases.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"slotgrid/internal/logging"
)

// languageSpec describes how to materialize and run source for one language.
// Compile is empty for interpreted languages. ./BIN in run args is replaced
// with the compiled binary path.
type languageSpec struct {
	tool     string
	ext      string
	compile  []string
	run      []string
	comment  string
	compiled bool
}

var languageSpecs = map[string]languageSpec{
	"python":     {tool: "python3", ext: ".py", run: []string{"python3", "FILE"}, comment: "#"},
	"javascript": {tool: "node", ext: ".js", run: []string{"node", "FILE"}, comment: "//"},
	"typescript": {tool: "npx", ext: ".ts", run: []string{"npx", "--yes", "tsx", "FILE"}, comment: "//"},
	"rust":       {tool: "rustc", ext: ".rs", compile: []string{"rustc", "-O", "-o", "BIN", "FILE"}, run: []string{"BIN"}, comment: "//", compiled: true},
	"java":       {tool: "java", ext: ".java", run: []string{"java", "FILE"}, comment: "//"},
	"swift":      {tool: "swift", ext: ".swift", run: []string{"swift", "FILE"}, comment: "//"},
	"cpp":        {tool: "g++", ext: ".cpp", compile: []string{"g++", "-O2", "-o", "BIN", "FILE"}, run: []string{"BIN"}, comment: "//", compiled: true},
	"r":          {tool: "Rscript", ext: ".r", run: []string{"Rscript", "FILE"}, comment: "#"},
	"go":         {tool: "go", ext: ".go", run: []string{"go", "run", "FILE"}, comment: "//"},
	"ruby":       {tool: "ruby", ext: ".rb", run: []string{"ruby", "FILE"}, comment: "#"},
	"csharp":     {tool: "dotnet-script", ext: ".csx", run: []string{"dotnet-script", "FILE"}, comment: "//"},
	"kotlin":     {tool: "kotlinc", ext: ".kts", run: []string{"kotlinc", "-script", "FILE"}, comment: "//"},
	"c":          {tool: "gcc", ext: ".c", compile: []string{"gcc", "-O2", "-o", "BIN", "FILE"}, run: []string{"BIN"}, comment: "//", compiled: true},
	"bash":       {tool: "bash", ext: ".sh", run: []string{"bash", "FILE"}, comment: "#"},
	"perl":       {tool: "perl", ext: ".pl", run: []string{"perl", "FILE"}, comment: "#"},
}

// CommentPrefix returns the line comment marker for a language, defaulting
// to "#".
func CommentPrefix(language string) string {
	if spec, ok := languageSpecs[language]; ok {
		return spec.comment
	}
	return "#"
}

// FileExtension returns the source file extension for a language (with dot).
func FileExtension(language string) string {
	if spec, ok := languageSpecs[language]; ok {
		return spec.ext
	}
	return ".txt"
}

// Outcome is the raw result of running one piece of source.
type Outcome struct {
	Success  bool
	Skipped  bool
	Reason   string
	Output   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Infra    bool
	Duration time.Duration
}

// SourceRunner runs source text for a language and reports the outcome.
type SourceRunner interface {
	RunSource(ctx context.Context, language, source string) Outcome
}

// Executor runs sources as real subprocesses.
type Executor struct {
	runTimeout     time.Duration
	compileTimeout time.Duration
	logger         logging.Logger
	lookPath       func(string) (string, error)
}

// NewExecutor builds an executor. Zero timeouts default to 30s run / 60s
// compile.
func NewExecutor(runTimeout, compileTimeout time.Duration, logger logging.Logger) *Executor {
	if runTimeout <= 0 {
		runTimeout = 30 * time.Second
	}
	if compileTimeout <= 0 {
		compileTimeout = 60 * time.Second
	}
	return &Executor{
		runTimeout:     runTimeout,
		compileTimeout: compileTimeout,
		logger:         logging.OrNop(logger),
		lookPath:       exec.LookPath,
	}
}

func expandArgs(args []string, file, bin string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		switch a {
		case "FILE":
			out[i] = file
		case "BIN":
			out[i] = bin
		default:
			out[i] = a
		}
	}
	return out
}

// RunSource materializes the source into a temp dir and runs it. A missing
// toolchain yields a skipped outcome, not a failure; sandbox setup problems
// are infrastructure errors.
func (e *Executor) RunSource(ctx context.Context, language, source string) Outcome {
	spec, ok := languageSpecs[language]
	if !ok {
		return Outcome{Infra: true, Reason: fmt.Sprintf("no runner for language %q", language)}
	}
	if _, err := e.lookPath(spec.tool); err != nil {
		return Outcome{Skipped: true, Reason: fmt.Sprintf("toolchain %q not installed", spec.tool)}
	}

	dir, err := os.MkdirTemp("", "slotgrid-run-*")
	if err != nil {
		return Outcome{Infra: true, Reason: fmt.Sprintf("create scratch dir: %v", err)}
	}
	defer os.RemoveAll(dir)

	// Java's single-file launcher wants a name matching the public class;
	// "Main" is the convention slot sources follow.
	base := "snippet"
	if language == "java" {
		base = "Main"
	}
	file := filepath.Join(dir, base+spec.ext)
	if err := os.WriteFile(file, []byte(source), 0o644); err != nil {
		return Outcome{Infra: true, Reason: fmt.Sprintf("write source: %v", err)}
	}

	start := time.Now()
	bin := filepath.Join(dir, "snippet-bin")
	if len(spec.compile) > 0 {
		cctx, cancel := context.WithTimeout(ctx, e.compileTimeout)
		out, err := e.runCommand(cctx, dir, expandArgs(spec.compile, file, bin))
		cancel()
		if err != nil {
			return Outcome{
				Stderr:   out.Stderr,
				Output:   out.Output,
				ExitCode: out.ExitCode,
				TimedOut: out.TimedOut,
				Duration: time.Since(start),
				Reason:   "compile failed",
			}
		}
	}

	rctx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()
	out, err := e.runCommand(rctx, dir, expandArgs(spec.run, file, bin))
	result := Outcome{
		Success:  err == nil,
		Output:   out.Output,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		TimedOut: out.TimedOut,
		Duration: time.Since(start),
	}
	if out.TimedOut {
		result.Reason = fmt.Sprintf("timed out after %s", e.runTimeout)
	}
	return result
}

type cmdOutput struct {
	Output   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

func (e *Executor) runCommand(ctx context.Context, dir string, args []string) (cmdOutput, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := cmdOutput{Output: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		out.ExitCode = exitErr.ExitCode()
	}
	if ctx.Err() == context.DeadlineExceeded {
		out.TimedOut = true
		if err == nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		e.logger.Debug("command %v failed: %v", args, err)
	}
	return out, err
}

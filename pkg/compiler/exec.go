package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

const (
	manifestFile = "manifest.json"
	outputFile   = "bundle.js"
)

// ExecCompiler runs a shell command in a fresh working directory per build.
// The command reads BUNDLE_* variables or BUNDLE_MANIFEST and writes the
// bundle to BUNDLE_OUTPUT; when it writes nothing there, stdout is used.
type ExecCompiler struct {
	Command string
	// Workdir is the parent of per-build directories; empty uses the
	// system temp directory.
	Workdir string
	Env     []string
	Logger  *slog.Logger
}

// NewExec returns an ExecCompiler running command.
func NewExec(command, workdir string, env []string, logger *slog.Logger) *ExecCompiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecCompiler{Command: command, Workdir: workdir, Env: env, Logger: logger}
}

func (c *ExecCompiler) Compile(ctx context.Context, spec bundle.BuildSpec) (bundle.Artifact, error) {
	if strings.TrimSpace(c.Command) == "" {
		return bundle.Artifact{}, errors.New("exec compiler: no command configured")
	}

	dir, err := os.MkdirTemp(c.Workdir, "bundle-*")
	if err != nil {
		return bundle.Artifact{}, fmt.Errorf("create build directory: %w", err)
	}
	defer os.RemoveAll(dir)

	manifest := NewManifest(spec)
	data, err := json.Marshal(manifest)
	if err != nil {
		return bundle.Artifact{}, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestPath := filepath.Join(dir, manifestFile)
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return bundle.Artifact{}, fmt.Errorf("write manifest: %w", err)
	}
	outputPath := filepath.Join(dir, outputFile)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", c.Command)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	env := append(os.Environ(), c.Env...)
	env = append(env, manifest.Env()...)
	env = append(env,
		"BUNDLE_MANIFEST="+manifestPath,
		"BUNDLE_OUTPUT="+outputPath,
	)
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return bundle.Artifact{}, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			c.Logger.Info("bundle command failed", "key", manifest.Key, "exitCode", exitErr.ExitCode(), "duration", time.Since(started))
			return bundle.Artifact{}, ParseFailure(stderr.String()+"\n"+stdout.String(), spec)
		}
		return bundle.Artifact{}, fmt.Errorf("run bundle command: %w", err)
	}

	body, err := os.ReadFile(outputPath)
	if errors.Is(err, os.ErrNotExist) {
		body = stdout.Bytes()
	} else if err != nil {
		return bundle.Artifact{}, fmt.Errorf("read bundle output: %w", err)
	}
	if len(body) == 0 {
		return bundle.Artifact{}, bundle.CompileFailed("compiler produced an empty bundle", "")
	}

	c.Logger.Debug("bundle command finished", "key", manifest.Key, "size", len(body), "duration", time.Since(started))
	return bundle.NewArtifact(manifest.Key, body, bundle.DefaultContentType, time.Now()), nil
}

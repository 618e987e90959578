package packagedb

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// BuildFrontend builds a wheel from an unpacked source distribution tree,
// standing in for an external PEP 517 build frontend ("python -m build",
// "pip wheel", or equivalent). Build writes the resulting wheel somewhere
// inside outDir and returns its path.
type BuildFrontend interface {
	Build(ctx context.Context, sourceDir, outDir string) (wheelPath string, err error)
}

// CommandRunner runs an external command with its working directory set to
// dir, returning an error if the command exits non-zero.
type CommandRunner func(ctx context.Context, dir, name string, args ...string) error

// CommandBuildFrontend shells out to an external build-frontend binary.
type CommandBuildFrontend struct {
	bin    string
	runCmd CommandRunner
}

// BuildFrontendOption configures a CommandBuildFrontend.
type BuildFrontendOption func(*CommandBuildFrontend)

// WithBuildFrontendBinary overrides the build frontend executable.
// Defaults to "pyproject-build" (the CLI entry point of the "build" package).
func WithBuildFrontendBinary(bin string) BuildFrontendOption {
	return func(c *CommandBuildFrontend) {
		if bin != "" {
			c.bin = bin
		}
	}
}

// WithCommandRunner overrides how external commands are executed.
// Defaults to exec.CommandContext.
func WithCommandRunner(fn CommandRunner) BuildFrontendOption {
	return func(c *CommandBuildFrontend) {
		if fn != nil {
			c.runCmd = fn
		}
	}
}

// NewCommandBuildFrontend creates a CommandBuildFrontend.
func NewCommandBuildFrontend(opts ...BuildFrontendOption) *CommandBuildFrontend {
	c := &CommandBuildFrontend{
		bin:    "pyproject-build",
		runCmd: defaultRunCmd,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Build invokes the configured build frontend against sourceDir, expecting
// it to drop exactly one wheel into outDir.
func (c *CommandBuildFrontend) Build(ctx context.Context, sourceDir, outDir string) (string, error) {
	if err := c.runCmd(ctx, sourceDir, c.bin, "--wheel", "--outdir", outDir, sourceDir); err != nil {
		return "", fmt.Errorf("running build frontend %s on %s: %w", c.bin, sourceDir, err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", fmt.Errorf("reading build output directory %s: %w", outDir, err)
	}
	var wheels []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".whl") {
			wheels = append(wheels, e.Name())
		}
	}
	switch len(wheels) {
	case 0:
		return "", fmt.Errorf("build frontend %s produced no wheel in %s", c.bin, outDir)
	case 1:
		return filepath.Join(outDir, wheels[0]), nil
	default:
		return "", fmt.Errorf("build frontend %s produced multiple wheels in %s: %v", c.bin, outDir, wheels)
	}
}

func defaultRunCmd(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

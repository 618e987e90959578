package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bilusteknoloji/envforge/internal/config"
	"github.com/bilusteknoloji/envforge/internal/envforest"
	"github.com/bilusteknoloji/envforge/internal/httpcache"
	"github.com/bilusteknoloji/envforge/internal/index"
	"github.com/bilusteknoloji/envforge/internal/packagedb"
	"github.com/bilusteknoloji/envforge/internal/platform"
	"github.com/bilusteknoloji/envforge/internal/requirement"
	"github.com/bilusteknoloji/envforge/internal/resolver"
	"github.com/bilusteknoloji/envforge/internal/store"
)

var appVersion = "0.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:           "envforge",
		Short:         "Resolve and materialize pinned Python environments",
		Long:          "envforge turns a brief (an interpreter requirement plus library requirements) into a fully pinned blueprint, then unpacks that blueprint into a runnable environment forest.",
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to an INI config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	resolveCmd := &cobra.Command{
		Use:   "resolve [packages...]",
		Short: "Resolve an interpreter and libraries into a blueprint",
		Args:  cobra.MinimumNArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, args, configPath, verbose)
		},
	}
	addBriefFlags(resolveCmd)
	resolveCmd.Flags().StringP("output", "o", "", "Write the resolved blueprint as JSON to this path (default: stdout)")

	installCmd := &cobra.Command{
		Use:   "install [packages...]",
		Short: "Resolve and materialize an environment in one step",
		Args:  cobra.MinimumNArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, args, configPath, verbose)
		},
	}
	addBriefFlags(installCmd)
	installCmd.Flags().Bool("dry-run", false, "Resolve and print the blueprint without downloading or unpacking anything")

	buildEnvCmd := &cobra.Command{
		Use:   "build-env <blueprint.json>",
		Short: "Materialize an already-resolved blueprint without re-running the solver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuildEnv(cmd, args, configPath, verbose)
		},
	}

	rootCmd.AddCommand(resolveCmd, installCmd, buildEnvCmd)

	return rootCmd.Execute()
}

func addBriefFlags(cmd *cobra.Command) {
	cmd.Flags().String("python", "cpython>=3.9", "Interpreter requirement, e.g. \"cpython>=3.11,<3.13\"")
	cmd.Flags().StringP("requirements", "r", "", "Read additional library requirements from a requirements.txt-style file")
	cmd.Flags().StringSlice("pre", nil, "Allow pre-release candidates for these package names")
}

// briefFlags holds the parsed CLI flags shared by resolve and install.
type briefFlags struct {
	python       string
	reqFile      string
	allowPre     []string
	extraLibArgs []string
}

func parseBriefFlags(cmd *cobra.Command, args []string) briefFlags {
	python, _ := cmd.Flags().GetString("python")
	reqFile, _ := cmd.Flags().GetString("requirements")
	allowPre, _ := cmd.Flags().GetStringSlice("pre")

	return briefFlags{python: python, reqFile: reqFile, allowPre: allowPre, extraLibArgs: args}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildBrief turns CLI flags into a resolver.Brief: an interpreter
// requirement parsed with the same PEP 508 grammar as library requirements
// (a bare "name<specifiers>" is a valid requirement with no extras or
// marker), plus the library requirements collected from args and an
// optional requirements file.
func buildBrief(flags briefFlags) (resolver.Brief, error) {
	pythonReq, err := requirement.Parse(flags.python)
	if err != nil {
		return resolver.Brief{}, fmt.Errorf("parsing --python %q: %w", flags.python, err)
	}

	libStrings := append([]string(nil), flags.extraLibArgs...)
	if flags.reqFile != "" {
		fileReqs, err := parseRequirementsFile(flags.reqFile)
		if err != nil {
			return resolver.Brief{}, err
		}
		libStrings = append(libStrings, fileReqs...)
	}

	libs := make([]requirement.Requirement, 0, len(libStrings))
	for _, s := range libStrings {
		r, err := requirement.Parse(s)
		if err != nil {
			return resolver.Brief{}, fmt.Errorf("parsing requirement %q: %w", s, err)
		}
		libs = append(libs, r)
	}

	allowPre := make(map[string]bool, len(flags.allowPre))
	for _, name := range flags.allowPre {
		allowPre[strings.ToLower(name)] = true
	}

	return resolver.Brief{
		Interpreter:     resolver.InterpreterRequirement{Name: pythonReq.Name, Specifiers: pythonReq.Specifiers},
		Libraries:       libs,
		AllowPreRelease: allowPre,
	}, nil
}

// parseRequirementsFile reads a pip-compatible requirements file: skips
// comments, empty lines, and pip options (lines starting with -).
func parseRequirementsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening requirements file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var reqs []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}

		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}

		reqs = append(reqs, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading requirements file %s: %w", path, err)
	}

	return reqs, nil
}

// openPackageDB wires an index client, HTTP cache, and two content-
// addressed file stores (extracted metadata, locally-built wheels) into a
// packagedb.Client, the same four-source front end every resolve and
// install path reads through.
func openPackageDB(cfg config.Config, logger *slog.Logger) (*packagedb.Client, error) {
	responseCache, err := store.NewKVFileStore(filepath.Join(cfg.CacheDir, "http"))
	if err != nil {
		return nil, fmt.Errorf("opening HTTP response cache: %w", err)
	}
	artifactCache, err := store.NewKVFileStore(filepath.Join(cfg.CacheDir, "artifacts"))
	if err != nil {
		return nil, fmt.Errorf("opening artifact cache: %w", err)
	}
	metadataCache, err := store.NewKVFileStore(filepath.Join(cfg.CacheDir, "metadata"))
	if err != nil {
		return nil, fmt.Errorf("opening metadata cache: %w", err)
	}
	localWheelCache, err := store.NewKVFileStore(filepath.Join(cfg.CacheDir, "built-wheels"))
	if err != nil {
		return nil, fmt.Errorf("opening locally-built-wheel cache: %w", err)
	}

	httpClient := httpcache.New(responseCache, artifactCache,
		httpcache.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
		httpcache.WithLogger(logger),
		httpcache.WithMaxRetries(cfg.MaxRetries),
	)

	idx := index.New(httpClient, cfg.IndexURLs, index.WithLogger(logger))

	return packagedb.New(idx, httpClient, metadataCache, localWheelCache, packagedb.WithLogger(logger)), nil
}

func loadConfig(configPath string, verbose bool) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

func runResolve(cmd *cobra.Command, args []string, configPath string, verbose bool) error {
	cfg, err := loadConfig(configPath, verbose)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Verbose)

	brief, err := buildBrief(parseBriefFlags(cmd, args))
	if err != nil {
		return err
	}

	db, err := openPackageDB(cfg, logger)
	if err != nil {
		return err
	}

	hostPlatform := platform.FromCoreTag(cfg.PlatformTag)

	fmt.Fprintln(os.Stderr, "Resolving...")

	bp, err := resolver.Resolve(db, brief, hostPlatform)
	if err != nil {
		return fmt.Errorf("resolving brief: %w", err)
	}

	out, _ := cmd.Flags().GetString("output")
	data, err := json.MarshalIndent(bp, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding blueprint: %w", err)
	}

	if out == "" {
		printBlueprintSummary(bp)
		fmt.Println()
		os.Stdout.Write(data)
		fmt.Println()
		return nil
	}

	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("writing blueprint to %s: %w", out, err)
	}
	printBlueprintSummary(bp)
	fmt.Printf("\nWrote blueprint to %s\n", out)
	return nil
}

func runInstall(cmd *cobra.Command, args []string, configPath string, verbose bool) error {
	start := time.Now()

	cfg, err := loadConfig(configPath, verbose)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Verbose)

	brief, err := buildBrief(parseBriefFlags(cmd, args))
	if err != nil {
		return err
	}

	db, err := openPackageDB(cfg, logger)
	if err != nil {
		return err
	}

	hostPlatform := platform.FromCoreTag(cfg.PlatformTag)

	fmt.Fprintln(os.Stderr, "Resolving...")

	bp, err := resolver.Resolve(db, brief, hostPlatform)
	if err != nil {
		return fmt.Errorf("resolving brief: %w", err)
	}
	printBlueprintSummary(bp)

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if dryRun {
		fmt.Println("\nDry run: nothing downloaded or unpacked.")
		return nil
	}

	env, err := materialize(cfg, db, hostPlatform, bp)
	if err != nil {
		return err
	}

	printEnv(env)
	fmt.Printf("\nDone in %.1fs\n", time.Since(start).Seconds())
	return nil
}

func runBuildEnv(cmd *cobra.Command, args []string, configPath string, verbose bool) error {
	cfg, err := loadConfig(configPath, verbose)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Verbose)

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading blueprint %s: %w", args[0], err)
	}
	var bp resolver.Blueprint
	if err := json.Unmarshal(data, &bp); err != nil {
		return fmt.Errorf("parsing blueprint %s: %w", args[0], err)
	}

	db, err := openPackageDB(cfg, logger)
	if err != nil {
		return err
	}
	hostPlatform := platform.FromCoreTag(cfg.PlatformTag)

	env, err := materialize(cfg, db, hostPlatform, &bp)
	if err != nil {
		return err
	}
	printEnv(env)
	return nil
}

func materialize(cfg config.Config, db *packagedb.Client, hostPlatform platform.PybiPlatform, bp *resolver.Blueprint) (*envforest.Env, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s, err := store.NewKVDirStore(cfg.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("opening environment store %s: %w", cfg.StoreDir, err)
	}

	forest := envforest.New(s, db, hostPlatform).
		WithLogger(newLogger(cfg.Verbose)).
		WithProgress(func(name string, size int64) {
			fmt.Printf("  downloading %s (%s)\n", name, humanize.Bytes(uint64(size)))
		})

	fmt.Fprintln(os.Stderr, "Materializing environment...")

	env, err := forest.Materialize(ctx, bp)
	if err != nil {
		return nil, fmt.Errorf("materializing blueprint: %w", err)
	}
	return env, nil
}

func printBlueprintSummary(bp *resolver.Blueprint) {
	fmt.Printf("  %s %s\n", bp.Interpreter.Name, bp.Interpreter.Version)
	for _, lib := range bp.Libraries {
		fmt.Printf("  %s %s\n", lib.Name, lib.Version)
	}
}

func printEnv(env *envforest.Env) {
	fmt.Println("\nEnvironment:")
	fmt.Printf("  python:  %s\n", env.Python)
	if env.PythonW != "" {
		fmt.Printf("  pythonw: %s\n", env.PythonW)
	}
	fmt.Printf("  ✓ %d libraries unpacked\n", len(env.LibRoots))
}

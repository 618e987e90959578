// Package envforest turns a resolved blueprint into a runnable environment:
// every pinned artifact unpacked once into a hash-addressed forest (so two
// blueprints sharing a library never unpack it twice), plus the directory
// lists and executable paths a caller needs to actually launch the
// interpreter against them.
package envforest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/bilusteknoloji/envforge/internal/artifact"
	"github.com/bilusteknoloji/envforge/internal/artifacthash"
	"github.com/bilusteknoloji/envforge/internal/index"
	"github.com/bilusteknoloji/envforge/internal/metadata"
	"github.com/bilusteknoloji/envforge/internal/pkgname"
	"github.com/bilusteknoloji/envforge/internal/platform"
	"github.com/bilusteknoloji/envforge/internal/resolver"
	"github.com/bilusteknoloji/envforge/internal/store"
	"github.com/bilusteknoloji/envforge/internal/version"
)

// PackageDB is the subset of *packagedb.Client the forest needs once a
// blueprint is already resolved: full artifact bytes for a (name, version)
// it already knows is correct.
type PackageDB interface {
	ArtifactsForRelease(name pkgname.Name, v version.Version) ([]index.ArtifactInfo, error)
	GetArtifact(ai index.ArtifactInfo) (io.ReadSeekCloser, int64, error)
}

// Env is a runnable environment assembled from a blueprint's unpacked
// artifacts: directories a caller should prepend to PATH, directories it
// should prepend to PYTHONPATH (or pass via sys.path), and the interpreter
// binaries themselves.
type Env struct {
	Python   string
	PythonW  string
	BinDirs  []string
	LibRoots []string
}

// Forest unpacks pinned artifacts into a KVDirStore, keyed by artifact
// hash, so repeated materialization of the same (name, version, artifact)
// across blueprints and processes is free after the first.
type Forest struct {
	store        *store.KVDirStore
	db           PackageDB
	hostPlatform platform.PybiPlatform
	maxWorkers   int
	logger       *slog.Logger
	onUnpack     func(name string, size int64)
}

// New returns a Forest rooted at s, fetching artifact bytes through db.
func New(s *store.KVDirStore, db PackageDB, hostPlatform platform.PybiPlatform) *Forest {
	return &Forest{store: s, db: db, hostPlatform: hostPlatform, maxWorkers: runtime.GOMAXPROCS(0), logger: slog.Default()}
}

// WithLogger overrides the structured logger used for per-artifact unpack
// progress.
func (f *Forest) WithLogger(l *slog.Logger) *Forest {
	if l != nil {
		f.logger = l
	}
	return f
}

// WithProgress registers a callback invoked once per artifact, right before
// it's unpacked, with its display name and byte size. A caller uses this to
// print human-readable download progress without envforest itself depending
// on any particular output format.
func (f *Forest) WithProgress(fn func(name string, size int64)) *Forest {
	f.onUnpack = fn
	return f
}

// Materialize unpacks every artifact in bp (interpreter and libraries) into
// the forest concurrently, then composes the resulting Env. Each unpack is
// independent of the others, so a failure in one doesn't block the rest
// from completing; errgroup collects the first error once all have run.
func (f *Forest) Materialize(ctx context.Context, bp *resolver.Blueprint) (*Env, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.maxWorkers)

	var interpRoot string
	var interpPaths map[string]string
	g.Go(func() error {
		root, paths, err := f.unpackInterpreter(bp.Interpreter)
		if err != nil {
			return fmt.Errorf("unpacking interpreter %s %s: %w", bp.Interpreter.Name, bp.Interpreter.Version, err)
		}
		interpRoot, interpPaths = root, paths
		return nil
	})

	libRoots := make([]string, len(bp.Libraries))
	for i, lib := range bp.Libraries {
		i, lib := i, lib
		g.Go(func() error {
			root, err := f.unpackLibrary(lib)
			if err != nil {
				return fmt.Errorf("unpacking %s %s: %w", lib.Name, lib.Version, err)
			}
			libRoots[i] = root
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	env := &Env{LibRoots: append([]string(nil), libRoots...)}
	if scripts, ok := interpPaths["scripts"]; ok {
		scriptsDir := filepath.Join(interpRoot, scripts)
		env.BinDirs = append(env.BinDirs, scriptsDir)
		env.Python, env.PythonW = findInterpreterExecutables(scriptsDir)
	}
	for _, root := range libRoots {
		if dirs, err := dataScriptDirs(root); err == nil {
			env.BinDirs = append(env.BinDirs, dirs...)
		}
	}
	return env, nil
}

// unpackInterpreter re-selects the best pybi artifact for bp's pinned
// (name, version) against the host platform — the same selection resolver
// already ran once to produce the pin, repeated here because a blueprint's
// interpreter entry deliberately carries no artifact provenance (see the
// data model's Blueprint definition) — verifies its hash is among the
// pinned hashes, and unpacks it.
func (f *Forest) unpackInterpreter(pin resolver.PinnedInterpreter) (string, map[string]string, error) {
	candidates, err := f.db.ArtifactsForRelease(pin.Name, pin.Version)
	if err != nil {
		return "", nil, fmt.Errorf("fetching interpreter candidates: %w", err)
	}
	ai, ok := bestPybiArtifact(candidates, f.hostPlatform)
	if !ok {
		return "", nil, fmt.Errorf("no pybi artifact for %s %s compatible with this platform", pin.Name, pin.Version)
	}
	if err := checkHashPinned(pin.Name, pin.Version, ai, pin.Hashes); err != nil {
		return "", nil, err
	}

	root, err := f.store.GetOrSet(hashKeyOf(ai), func(dir string) error {
		return f.fetchAndUnpackPybi(ai, dir)
	})
	if err != nil {
		return "", nil, err
	}

	meta, err := readArchiveMetadataPybi(f.db, ai)
	if err != nil {
		return "", nil, err
	}
	paths, err := meta.Paths()
	if err != nil {
		return "", nil, fmt.Errorf("reading interpreter paths: %w", err)
	}
	return root, paths, nil
}

// unpackLibrary unpacks lib's own pinned provenance artifact, verifying its
// hash is among the pinned hashes first.
func (f *Forest) unpackLibrary(lib resolver.PinnedLibrary) (string, error) {
	ai := lib.Provenance
	if err := checkHashPinned(lib.Name, lib.Version, ai, lib.Hashes); err != nil {
		return "", err
	}
	return f.store.GetOrSet(hashKeyOf(ai), func(dir string) error {
		return f.fetchAndUnpackWheel(ai, dir)
	})
}

// checkHashPinned enforces spec.md's mirror-swap protection: an artifact
// that itself carries no hash (a locally-built wheel) is allowed through
// unchecked, since nothing in the index ever offered a hash for it to pin
// in the first place. An artifact with a hash that isn't among the
// blueprint's pinned hashes is always rejected.
func checkHashPinned(name pkgname.Name, v version.Version, ai index.ArtifactInfo, pinned []artifacthash.Hash) error {
	if ai.Hash == nil {
		return nil
	}
	for _, h := range pinned {
		if h.Equal(*ai.Hash) {
			return nil
		}
	}
	return &resolver.HashNotPinned{Name: name, Version: v}
}

func hashKeyOf(ai index.ArtifactInfo) store.PathKey {
	if ai.Hash != nil {
		return store.HashKey{Algorithm: string(ai.Hash.Algorithm), Digest: ai.Hash.Digest}
	}
	return store.BytesKey(ai.URL)
}

func (f *Forest) fetchAndUnpackWheel(ai index.ArtifactInfo, dir string) error {
	body, size, err := f.db.GetArtifact(ai)
	if err != nil {
		return err
	}
	defer body.Close()
	ra, ok := body.(io.ReaderAt)
	if !ok {
		return fmt.Errorf("artifact body for %s doesn't support random access", ai.URL)
	}
	w, err := artifact.OpenWheel(ai.Name.Wheel, ra, size)
	if err != nil {
		return err
	}
	f.logger.Debug("unpacking wheel", slog.String("name", ai.Name.String()), slog.Int64("bytes", size))
	if f.onUnpack != nil {
		f.onUnpack(ai.Name.String(), size)
	}
	return w.Unpack(dir)
}

func (f *Forest) fetchAndUnpackPybi(ai index.ArtifactInfo, dir string) error {
	body, size, err := f.db.GetArtifact(ai)
	if err != nil {
		return err
	}
	defer body.Close()
	ra, ok := body.(io.ReaderAt)
	if !ok {
		return fmt.Errorf("artifact body for %s doesn't support random access", ai.URL)
	}
	p, err := artifact.OpenPybi(ai.Name.Pybi, ra, size)
	if err != nil {
		return err
	}
	f.logger.Debug("unpacking interpreter", slog.String("name", ai.Name.String()), slog.Int64("bytes", size))
	if f.onUnpack != nil {
		f.onUnpack(ai.Name.String(), size)
	}
	return p.Unpack(dir)
}

// readArchiveMetadataPybi reads a pybi's own metadata straight out of its
// archive bytes. Blueprint materialization always has the bytes in hand
// already (it just unpacked them), but re-fetching through db keeps this
// package independent of packagedb's metadata cache internals.
func readArchiveMetadataPybi(db PackageDB, ai index.ArtifactInfo) (metadata.CoreMetadata, error) {
	body, size, err := db.GetArtifact(ai)
	if err != nil {
		return metadata.CoreMetadata{}, err
	}
	defer body.Close()
	ra, ok := body.(io.ReaderAt)
	if !ok {
		return metadata.CoreMetadata{}, fmt.Errorf("artifact body for %s doesn't support random access", ai.URL)
	}
	p, err := artifact.OpenPybi(ai.Name.Pybi, ra, size)
	if err != nil {
		return metadata.CoreMetadata{}, err
	}
	_, cm, err := p.Metadata()
	if err != nil {
		return metadata.CoreMetadata{}, err
	}
	return cm, nil
}

// bestPybiArtifact mirrors resolver's interpreter-artifact selection
// exactly (see resolver.go's function of the same name): highest
// platform-compatibility score across every candidate, expanding
// multi-arch pybi names first. Kept as a small, deliberate duplication
// rather than an exported resolver API, since the two call sites select
// under different inputs (a specifier set during resolution, a single
// already-pinned version here).
func bestPybiArtifact(candidates []index.ArtifactInfo, hostPlatform platform.PybiPlatform) (index.ArtifactInfo, bool) {
	bestScore := 0
	var best index.ArtifactInfo
	found := false
	for _, ai := range candidates {
		if ai.Name.Kind != pkgname.KindPybi {
			continue
		}
		for _, variant := range ai.Name.Pybi.SplitMultiplatformPybis() {
			score, ok := hostPlatform.MaxCompatibility(variant.AllTags())
			if !ok {
				continue
			}
			if !found || score > bestScore {
				bestScore = score
				best = ai
				found = true
			}
		}
	}
	return best, found
}

var interpreterExeRe = regexp.MustCompile(`^python3(\.\d+)?(\.exe)?$`)
var interpreterWExeRe = regexp.MustCompile(`^pythonw3(\.\d+)?(\.exe)?$`)

// findInterpreterExecutables scans an unpacked interpreter's scripts
// directory for the python/pythonw binaries a pybi archive places there.
// Preferring the unversioned "python3" name when both it and a versioned
// alias exist, since pybi builds conventionally ship "python3" as either
// the real binary or a symlink to it.
func findInterpreterExecutables(scriptsDir string) (python, pythonw string) {
	entries, err := os.ReadDir(scriptsDir)
	if err != nil {
		return "", ""
	}
	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(scriptsDir, name)
		switch {
		case interpreterExeRe.MatchString(name) && (python == "" || name == "python3"):
			python = path
		case interpreterWExeRe.MatchString(name) && (pythonw == "" || name == "pythonw3"):
			pythonw = path
		}
	}
	return python, pythonw
}

// dataScriptDirs returns the "<dist>-<ver>.data/scripts" subdirectory of an
// unpacked wheel root, if the wheel shipped one: per the wheel format,
// files placed there at build time belong on the interpreter's scripts
// path, not inside the library root itself.
func dataScriptDirs(wheelRoot string) ([]string, error) {
	entries, err := os.ReadDir(wheelRoot)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) != ".data" {
			continue
		}
		scripts := filepath.Join(wheelRoot, e.Name(), "scripts")
		if info, err := os.Stat(scripts); err == nil && info.IsDir() {
			dirs = append(dirs, scripts)
		}
	}
	return dirs, nil
}

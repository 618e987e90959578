// Package resolver turns a brief (an interpreter requirement plus a list of
// library requirements) into a blueprint: one pinned interpreter and a set
// of pinned libraries whose dependency graph is fully satisfied.
package resolver

import (
	"fmt"

	"github.com/bilusteknoloji/envforge/internal/artifacthash"
	"github.com/bilusteknoloji/envforge/internal/index"
	"github.com/bilusteknoloji/envforge/internal/metadata"
	"github.com/bilusteknoloji/envforge/internal/pkgname"
	"github.com/bilusteknoloji/envforge/internal/platform"
	"github.com/bilusteknoloji/envforge/internal/requirement"
	"github.com/bilusteknoloji/envforge/internal/version"
)

// PackageDB is the subset of *packagedb.Client the resolver depends on.
type PackageDB interface {
	AvailableArtifacts(name pkgname.Name) ([]index.VersionArtifacts, error)
	ArtifactsForRelease(name pkgname.Name, v version.Version) ([]index.ArtifactInfo, error)
	GetWheelMetadata(candidates []index.ArtifactInfo, pkg pkgname.Name, ver version.Version) (index.ArtifactInfo, metadata.CoreMetadata, error)
	GetPybiMetadata(candidates []index.ArtifactInfo, pkg pkgname.Name, ver version.Version) (index.ArtifactInfo, metadata.CoreMetadata, error)
}

// InterpreterRequirement names the interpreter package a brief wants,
// constrained by a version specifier set.
type InterpreterRequirement struct {
	Name       pkgname.Name
	Specifiers version.SpecifierSet
}

// Brief is the fully parsed user request driving one resolution.
type Brief struct {
	Interpreter InterpreterRequirement
	Libraries   []requirement.Requirement

	// AllowPreRelease names packages (by normalized name) for which a
	// pre-release candidate may be chosen even though the package's own
	// requirement doesn't already name one.
	AllowPreRelease map[string]bool
}

func (b Brief) allowsPreRelease(name pkgname.Name, ownSpecifiers version.SpecifierSet) bool {
	if b.AllowPreRelease[name.Normalized()] {
		return true
	}
	return ownSpecifiers.HasPreReleaseClause()
}

// PinnedInterpreter is the resolver's chosen interpreter.
type PinnedInterpreter struct {
	Name    pkgname.Name        `json:"name"`
	Version version.Version     `json:"version"`
	Hashes  []artifacthash.Hash `json:"hashes"`
}

// PinnedLibrary is one resolved library, together with the artifact the
// resolver actually read metadata from (its "expected metadata provenance",
// so an installer can detect a mismatched mirror).
type PinnedLibrary struct {
	Name       pkgname.Name        `json:"name"`
	Version    version.Version     `json:"version"`
	Hashes     []artifacthash.Hash `json:"hashes"`
	Provenance index.ArtifactInfo  `json:"provenance"`
}

// Blueprint is the resolver's deterministic output: a fully pinned
// interpreter plus a fully pinned, dependency-closed set of libraries. It
// is also envforge's lock-file format: JSON-serializable as-is, so a
// resolved blueprint can be written once and materialized many times
// without re-running the solver.
type Blueprint struct {
	Interpreter PinnedInterpreter `json:"interpreter"`
	Libraries   []PinnedLibrary   `json:"libraries"`
}

// NoCompatibleInterpreter reports that no version of the brief's interpreter
// package, compatible with the host platform, satisfies its specifier set.
type NoCompatibleInterpreter struct {
	Name       pkgname.Name
	Specifiers version.SpecifierSet
}

func (e *NoCompatibleInterpreter) Error() string {
	return fmt.Sprintf("no interpreter %s compatible with this platform satisfies %s", e.Name, e.Specifiers)
}

// RequiresInterpreterFailure reports that every candidate version of some
// library excludes the chosen interpreter version via Requires-Python.
type RequiresInterpreterFailure struct {
	Package            pkgname.Name
	InterpreterVersion version.Version
}

func (e *RequiresInterpreterFailure) Error() string {
	return fmt.Sprintf("no version of %s supports interpreter version %s", e.Package, e.InterpreterVersion)
}

// ResolverConflict reports that the backtracking search exhausted every
// candidate at some point in the dependency graph without finding a
// consistent assignment. Path names the node (a package, or "package[extra]")
// whose candidates ran out.
type ResolverConflict struct {
	Path string
}

func (e *ResolverConflict) Error() string {
	return "could not resolve dependencies: " + e.Path
}

// HashNotPinned reports that an artifact about to be unpacked advertises a
// hash that isn't among the blueprint's pinned hashes for that package.
type HashNotPinned struct {
	Name    pkgname.Name
	Version version.Version
}

func (e *HashNotPinned) Error() string {
	return fmt.Sprintf("%s %s: artifact hash is not among the pinned hashes", e.Name, e.Version)
}

// Resolve runs the full brief → blueprint pipeline: pick an interpreter
// compatible with hostPlatform, fetch its metadata to build the environment-
// marker set and the library platform, then resolve the library graph.
func Resolve(db PackageDB, brief Brief, hostPlatform platform.PybiPlatform) (*Blueprint, error) {
	interpArtifact, interpVersion, err := selectInterpreter(db, brief.Interpreter, hostPlatform)
	if err != nil {
		return nil, err
	}

	interpCandidates, err := db.ArtifactsForRelease(brief.Interpreter.Name, interpVersion)
	if err != nil {
		return nil, fmt.Errorf("fetching interpreter candidates: %w", err)
	}
	_, interpMeta, err := db.GetPybiMetadata(interpCandidates, brief.Interpreter.Name, interpVersion)
	if err != nil {
		return nil, fmt.Errorf("fetching interpreter metadata: %w", err)
	}

	env, err := buildEnv(interpMeta, interpArtifact.Name.Pybi)
	if err != nil {
		return nil, err
	}

	templates := interpMeta.WheelTagTemplates()
	chosenTag := ""
	if len(interpArtifact.Name.Pybi.ArchTags) > 0 {
		chosenTag = interpArtifact.Name.Pybi.ArchTags[0]
	}
	libPlatform := platform.FromCoreTag(chosenTag).WheelPlatformForPybi(templates)

	interpHashes := collectHashes(db, brief.Interpreter.Name, interpVersion)

	libs, err := resolveLibraries(db, brief, env, libPlatform, interpVersion)
	if err != nil {
		return nil, err
	}

	return &Blueprint{
		Interpreter: PinnedInterpreter{
			Name:    brief.Interpreter.Name,
			Version: interpVersion,
			Hashes:  interpHashes,
		},
		Libraries: libs,
	}, nil
}

// selectInterpreter implements spec.md §4.C12 step 1: descending version
// order, first version with a platform-compatible artifact wins.
func selectInterpreter(db PackageDB, req InterpreterRequirement, hostPlatform platform.PybiPlatform) (index.ArtifactInfo, version.Version, error) {
	all, err := db.AvailableArtifacts(req.Name)
	if err != nil {
		return index.ArtifactInfo{}, version.Version{}, fmt.Errorf("fetching interpreter releases: %w", err)
	}
	for _, va := range all {
		ok, err := req.Specifiers.SatisfiedBy(va.Version)
		if err != nil {
			return index.ArtifactInfo{}, version.Version{}, err
		}
		if !ok {
			continue
		}
		if ai, found := bestPybiArtifact(va.Artifacts, hostPlatform); found {
			return ai, va.Version, nil
		}
	}
	return index.ArtifactInfo{}, version.Version{}, &NoCompatibleInterpreter{Name: req.Name, Specifiers: req.Specifiers}
}

// bestPybiArtifact picks the highest-scoring pybi artifact in candidates
// against hostPlatform, expanding any multi-arch (e.g. macOS universal2)
// name into single-arch variants before scoring, per spec.md's Artifact
// name section.
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

// buildEnv derives the environment-marker variable set from an interpreter's
// own metadata, synthesizing platform_machine from its chosen arch tag if
// the metadata doesn't already supply one.
func buildEnv(meta metadata.CoreMetadata, pybiName pkgname.PybiName) (requirement.Env, error) {
	pm, err := meta.EnvironmentMarkerVariables()
	if err != nil {
		return requirement.Env{}, fmt.Errorf("reading interpreter environment markers: %w", err)
	}

	env := requirement.Env{
		OSName:                       pm["os_name"],
		SysPlatform:                  pm["sys_platform"],
		PlatformMachine:              pm["platform_machine"],
		PlatformPythonImplementation: pm["platform_python_implementation"],
		PlatformRelease:              pm["platform_release"],
		PlatformSystem:               pm["platform_system"],
		PlatformVersion:              pm["platform_version"],
		PythonVersion:                pm["python_version"],
		PythonFullVersion:            pm["python_full_version"],
		ImplementationName:           pm["implementation_name"],
		ImplementationVersion:        pm["implementation_version"],
	}

	if env.PlatformMachine == "" && len(pybiName.ArchTags) > 0 {
		if machine, ok := platform.MachineFromArchTag(pybiName.ArchTags[0]); ok {
			env.PlatformMachine = machine
		}
	}
	return env, nil
}

// collectHashes gathers every hash any artifact at (name, version) declares,
// deduplicated, per spec.md §4.C12 step 5.
func collectHashes(db PackageDB, name pkgname.Name, v version.Version) []artifacthash.Hash {
	artifacts, err := db.ArtifactsForRelease(name, v)
	if err != nil {
		return nil
	}
	var hashes []artifacthash.Hash
	seen := map[string]bool{}
	for _, ai := range artifacts {
		if ai.Hash == nil {
			continue
		}
		key := ai.Hash.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		hashes = append(hashes, *ai.Hash)
	}
	return hashes
}

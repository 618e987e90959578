package resolver

import (
	"fmt"
	"sort"

	"github.com/bilusteknoloji/envforge/internal/index"
	"github.com/bilusteknoloji/envforge/internal/metadata"
	"github.com/bilusteknoloji/envforge/internal/pkgname"
	"github.com/bilusteknoloji/envforge/internal/platform"
	"github.com/bilusteknoloji/envforge/internal/requirement"
	"github.com/bilusteknoloji/envforge/internal/version"
)

// libNode is one node of the dependency graph: a package, optionally scoped
// to one of its extras. A bare package and each of its extras are separate
// nodes so that activating an extra can never retroactively change the
// version already chosen for the package itself; instead the extra node
// gets an edge pinning it to the base node's exact version, the same trick
// spec.md's design note describes for avoiding extras-induced cycles.
type libNode struct {
	name  string
	extra string
}

func (n libNode) String() string {
	if n.extra == "" {
		return n.name
	}
	return n.name + "[" + n.extra + "]"
}

// decidedLibrary is what the search records once it picks a version for a
// node: the version plus the artifact/metadata it read dependencies from.
type decidedLibrary struct {
	version  version.Version
	artifact index.ArtifactInfo
	metadata metadata.CoreMetadata
}

// libResolver holds everything the search needs that doesn't change across
// recursive calls: the package database, the brief's policies, and the
// target environment. Mutable search state (edges, decisions) is threaded
// explicitly through solve so that backtracking is just "stop using this
// copy of the maps."
type libResolver struct {
	db            PackageDB
	brief         Brief
	env           requirement.Env
	libPlatform   platform.WheelPlatform
	interpVersion version.Version

	// names remembers the as-given pkgname.Name for every normalized name
	// the search has encountered, so later lookups don't need to re-parse.
	names map[string]pkgname.Name
}

// resolveLibraries runs the backtracking search described in spec.md
// §4.C12 step 4: pick a version for every (package, extra) node reachable
// from the brief's library requirements, consistent with every specifier
// edge and every Requires-Python gate, then return one PinnedLibrary per
// distinct package name.
func resolveLibraries(db PackageDB, brief Brief, env requirement.Env, libPlatform platform.WheelPlatform, interpVersion version.Version) ([]PinnedLibrary, error) {
	r := &libResolver{
		db:            db,
		brief:         brief,
		env:           env,
		libPlatform:   libPlatform,
		interpVersion: interpVersion,
		names:         map[string]pkgname.Name{},
	}

	rootEdges := map[libNode]version.SpecifierSet{}
	if err := r.addRequirements(brief.Libraries, "", rootEdges); err != nil {
		return nil, err
	}

	decided, err := r.solve(rootEdges, map[libNode]version.Version{}, map[libNode]decidedLibrary{})
	if err != nil {
		return nil, err
	}
	return r.finalize(decided), nil
}

// addRequirements evaluates each requirement's marker against r.env with
// Extra set to requesterExtra (the extra of the package these requirements
// belong to, "" for the root brief or a plain dependency), then records one
// edge per (dependency, activated-extra) pair into edges.
func (r *libResolver) addRequirements(reqs []requirement.Requirement, requesterExtra string, edges map[libNode]version.SpecifierSet) error {
	markerEnv := r.env
	markerEnv.Extra = requesterExtra

	for _, req := range reqs {
		ok, err := req.Evaluate(markerEnv)
		if err != nil {
			return fmt.Errorf("evaluating marker for %s: %w", req.Name, err)
		}
		if !ok {
			continue
		}

		r.names[req.Name.Normalized()] = req.Name

		activated := req.Extras
		if len(activated) == 0 {
			activated = []string{""}
		}
		for _, extra := range activated {
			node := libNode{name: req.Name.Normalized(), extra: extra}
			edges[node] = append(edges[node], req.Specifiers...)
		}
	}
	return nil
}

// parseRequiresDist parses a wheel's Requires-Dist lines, skipping (not
// failing on) any entry that isn't a well-formed PEP 508 requirement, since
// some packages on PyPI carry legacy-invalid Requires-Dist entries that
// real installers tolerate.
func (r *libResolver) parseRequiresDist(cm metadata.CoreMetadata) []requirement.Requirement {
	raw := cm.RequiresDist()
	reqs := make([]requirement.Requirement, 0, len(raw))
	for _, line := range raw {
		req, err := requirement.Parse(line)
		if err != nil {
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs
}

// solve is the recursive backtracking step: pick the open node with the
// fewest remaining candidates, try each of its candidates newest-first,
// and recurse. A candidate is abandoned (continue to the next one) the
// moment it produces a conflict anywhere in the graph; the whole search
// fails only once every candidate of some node has been exhausted.
func (r *libResolver) solve(edges map[libNode]version.SpecifierSet, decisions map[libNode]version.Version, decided map[libNode]decidedLibrary) (map[libNode]decidedLibrary, error) {
	node, ok := r.nextNode(edges, decisions)
	if !ok {
		return decided, nil
	}

	candidates, pythonMismatch, err := r.candidatesFor(node, edges[node])
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		if pythonMismatch {
			return nil, &RequiresInterpreterFailure{Package: r.names[node.name], InterpreterVersion: r.interpVersion}
		}
		return nil, &ResolverConflict{Path: node.String()}
	}

	for _, cand := range candidates {
		ai, cm, err := r.db.GetWheelMetadata(cand.artifacts, r.names[node.name], cand.version)
		if err != nil {
			continue
		}

		depEdges := map[libNode]version.SpecifierSet{}
		if err := r.addRequirements(r.parseRequiresDist(cm), node.extra, depEdges); err != nil {
			continue
		}
		if node.extra != "" {
			base := libNode{name: node.name, extra: ""}
			pin, err := version.ParseSpecifierSet("==" + cand.version.String())
			if err != nil {
				continue
			}
			depEdges[base] = append(depEdges[base], pin...)
		}

		newEdges := cloneEdges(edges)
		newDecisions := cloneDecisions(decisions)
		newDecided := cloneDecided(decided)

		newDecisions[node] = cand.version
		newDecided[node] = decidedLibrary{version: cand.version, artifact: ai, metadata: cm}

		if !mergeEdges(newEdges, depEdges, newDecisions) {
			continue
		}

		result, err := r.solve(newEdges, newDecisions, newDecided)
		if err == nil {
			return result, nil
		}
	}

	return nil, &ResolverConflict{Path: node.String()}
}

// nextNode picks the undecided node with the fewest remaining candidates
// (a Pub-Grub-style heuristic: resolving the most constrained package
// first surfaces conflicts earlier), breaking ties by node name so the
// search order — and therefore the result — is deterministic.
func (r *libResolver) nextNode(edges map[libNode]version.SpecifierSet, decisions map[libNode]version.Version) (libNode, bool) {
	var open []libNode
	for n := range edges {
		if _, ok := decisions[n]; !ok {
			open = append(open, n)
		}
	}
	if len(open) == 0 {
		return libNode{}, false
	}
	sort.Slice(open, func(i, j int) bool { return open[i].String() < open[j].String() })

	best := open[0]
	bestCount := r.candidateCount(best, edges[best])
	for _, n := range open[1:] {
		c := r.candidateCount(n, edges[n])
		if c < bestCount {
			best, bestCount = n, c
		}
	}
	return best, true
}

// candidate is one version a node could be resolved to, with the release's
// artifact list already fetched so the caller doesn't fetch it twice.
type candidate struct {
	version   version.Version
	artifacts []index.ArtifactInfo
}

// candidatesFor returns every version of node's package satisfying spec,
// Requires-Python, the yank policy and the pre-release policy, newest
// first, restricted to releases with at least one wheel compatible with
// r.libPlatform (a release with no matching wheel can never be installed,
// so it's never worth trying). pythonMismatch reports whether the only
// reason the result is empty is that every otherwise-eligible release
// excludes the chosen interpreter via Requires-Python, so the caller can
// report that specifically instead of a generic conflict.
func (r *libResolver) candidatesFor(node libNode, spec version.SpecifierSet) (candidates []candidate, pythonMismatch bool, err error) {
	name := r.names[node.name]
	all, err := r.db.AvailableArtifacts(name)
	if err != nil {
		return nil, false, fmt.Errorf("fetching releases of %s: %w", name, err)
	}

	pinnedExact, pinnedVersion := exactPin(spec)

	var out []candidate
	sawEligibleRelease := false
	for _, va := range all {
		ok, err := spec.SatisfiedBy(va.Version)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		if va.Version.IsPreRelease() && !r.brief.allowsPreRelease(name, spec) {
			continue
		}

		wheels := wheelsFor(va.Artifacts, r.libPlatform)
		if len(wheels) == 0 {
			continue
		}

		if allYanked(wheels) && !(pinnedExact && version.Equal(va.Version, pinnedVersion)) {
			continue
		}
		sawEligibleRelease = true

		if ok, err := requiresPythonSatisfied(wheels, r.interpVersion); err != nil {
			return nil, false, err
		} else if !ok {
			continue
		}

		out = append(out, candidate{version: va.Version, artifacts: wheels})
	}
	return out, len(out) == 0 && sawEligibleRelease, nil
}

// candidateCount is candidatesFor without building the artifact slices,
// for the node-selection heuristic where only the count matters.
func (r *libResolver) candidateCount(node libNode, spec version.SpecifierSet) int {
	candidates, _, err := r.candidatesFor(node, spec)
	if err != nil {
		return 0
	}
	return len(candidates)
}

// exactPin reports whether spec is a single "==<version>" clause (no
// wildcard), the one case the yank policy lets through a fully-yanked
// release: a user who explicitly pinned a yanked version presumably knows
// what they're doing.
func exactPin(spec version.SpecifierSet) (bool, version.Version) {
	if len(spec) != 1 || spec[0].Op != version.OpEqual {
		return false, version.Version{}
	}
	v, err := version.Parse(spec[0].Value)
	if err != nil {
		return false, version.Version{}
	}
	return true, v
}

func wheelsFor(artifacts []index.ArtifactInfo, libPlatform platform.WheelPlatform) []index.ArtifactInfo {
	var out []index.ArtifactInfo
	for _, ai := range artifacts {
		if ai.Name.Kind != pkgname.KindWheel {
			continue
		}
		if _, ok := libPlatform.MaxCompatibility(ai.Name.Wheel.AllTags()); !ok {
			continue
		}
		out = append(out, ai)
	}
	return out
}

func allYanked(artifacts []index.ArtifactInfo) bool {
	for _, ai := range artifacts {
		if !ai.Yanked {
			return false
		}
	}
	return true
}

func requiresPythonSatisfied(artifacts []index.ArtifactInfo, interpVersion version.Version) (bool, error) {
	for _, ai := range artifacts {
		if ai.RequiresPython == nil {
			return true, nil
		}
		ok, err := ai.RequiresPython.SatisfiedBy(interpVersion)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// mergeEdges folds src into dst. A new edge against a node that's already
// decided must be satisfied by that node's chosen version or the merge
// fails (the caller abandons whichever candidate produced src). An edge
// against an undecided node simply widens its constraint.
func mergeEdges(dst, src map[libNode]version.SpecifierSet, decisions map[libNode]version.Version) bool {
	for node, spec := range src {
		if v, ok := decisions[node]; ok {
			satisfied, err := spec.SatisfiedBy(v)
			if err != nil || !satisfied {
				return false
			}
			continue
		}
		dst[node] = append(dst[node], spec...)
	}
	return true
}

func cloneEdges(edges map[libNode]version.SpecifierSet) map[libNode]version.SpecifierSet {
	out := make(map[libNode]version.SpecifierSet, len(edges))
	for k, v := range edges {
		cp := make(version.SpecifierSet, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func cloneDecisions(decisions map[libNode]version.Version) map[libNode]version.Version {
	out := make(map[libNode]version.Version, len(decisions))
	for k, v := range decisions {
		out[k] = v
	}
	return out
}

func cloneDecided(decided map[libNode]decidedLibrary) map[libNode]decidedLibrary {
	out := make(map[libNode]decidedLibrary, len(decided))
	for k, v := range decided {
		out[k] = v
	}
	return out
}

// finalize collapses per-(package, extra) decisions into one PinnedLibrary
// per distinct package name. Every extra variant of a package is pinned to
// the same version (enforced during the search by the base-node edge), so
// only the base node's decidedLibrary (or, if a package was only ever
// reached through an extra, any one of its variants) needs to survive into
// the blueprint.
func (r *libResolver) finalize(decided map[libNode]decidedLibrary) []PinnedLibrary {
	byName := map[string]decidedLibrary{}
	for node, dl := range decided {
		if node.extra != "" {
			if _, baseDecided := decided[libNode{name: node.name, extra: ""}]; baseDecided {
				continue
			}
		}
		byName[node.name] = dl
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	libs := make([]PinnedLibrary, 0, len(names))
	for _, name := range names {
		dl := byName[name]
		libs = append(libs, PinnedLibrary{
			Name:       r.names[name],
			Version:    dl.version,
			Hashes:     collectHashes(r.db, r.names[name], dl.version),
			Provenance: dl.artifact,
		})
	}
	return libs
}

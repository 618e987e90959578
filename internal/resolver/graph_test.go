package resolver

import (
	"fmt"
	"testing"

	"github.com/bilusteknoloji/envforge/internal/index"
	"github.com/bilusteknoloji/envforge/internal/metadata"
	"github.com/bilusteknoloji/envforge/internal/pkgname"
	"github.com/bilusteknoloji/envforge/internal/platform"
	"github.com/bilusteknoloji/envforge/internal/requirement"
	"github.com/bilusteknoloji/envforge/internal/version"
)

// fakeRelease is one version of a fake package, newest-first within its
// fakePackage's releases slice (mirroring AvailableArtifacts' contract).
type fakeRelease struct {
	version        string
	deps           []string
	requiresPython string
	extraDeps      map[string][]string
}

type fakePackage struct {
	releases []fakeRelease
}

// fakeDB is a minimal, in-memory PackageDB for exercising resolveLibraries
// without any network or archive I/O: every release is a single universal
// wheel whose Requires-Dist is synthesized from the fakeRelease fields.
type fakeDB struct {
	packages map[string]fakePackage
}

func newFakeDB() *fakeDB { return &fakeDB{packages: map[string]fakePackage{}} }

func (f *fakeDB) add(name string, releases ...fakeRelease) {
	n, err := pkgname.ParseName(name)
	if err != nil {
		panic(err)
	}
	f.packages[n.Normalized()] = fakePackage{releases: releases}
}

func (f *fakeDB) wheelInfo(name pkgname.Name, rel fakeRelease) index.ArtifactInfo {
	wn, err := pkgname.ParseWheelName(fmt.Sprintf("%s-%s-py3-none-any.whl", name.Normalized(), rel.version))
	if err != nil {
		panic(err)
	}
	var rp version.SpecifierSet
	if rel.requiresPython != "" {
		rp, err = version.ParseSpecifierSet(rel.requiresPython)
		if err != nil {
			panic(err)
		}
	}
	return index.ArtifactInfo{
		Name:           pkgname.ArtifactName{Kind: pkgname.KindWheel, Wheel: wn},
		URL:            "https://example.test/" + wn.String(),
		RequiresPython: rp,
	}
}

func (f *fakeDB) AvailableArtifacts(name pkgname.Name) ([]index.VersionArtifacts, error) {
	pkg, ok := f.packages[name.Normalized()]
	if !ok {
		return nil, nil
	}
	var out []index.VersionArtifacts
	for _, rel := range pkg.releases {
		v, err := version.Parse(rel.version)
		if err != nil {
			return nil, err
		}
		out = append(out, index.VersionArtifacts{Version: v, Artifacts: []index.ArtifactInfo{f.wheelInfo(name, rel)}})
	}
	return out, nil
}

func (f *fakeDB) ArtifactsForRelease(name pkgname.Name, v version.Version) ([]index.ArtifactInfo, error) {
	all, err := f.AvailableArtifacts(name)
	if err != nil {
		return nil, err
	}
	for _, va := range all {
		if version.Equal(va.Version, v) {
			return va.Artifacts, nil
		}
	}
	return nil, nil
}

func (f *fakeDB) findRelease(name pkgname.Name, v version.Version) (fakeRelease, bool) {
	pkg := f.packages[name.Normalized()]
	for _, rel := range pkg.releases {
		relVer, err := version.Parse(rel.version)
		if err == nil && version.Equal(relVer, v) {
			return rel, true
		}
	}
	return fakeRelease{}, false
}

func (f *fakeDB) GetWheelMetadata(candidates []index.ArtifactInfo, pkg pkgname.Name, ver version.Version) (index.ArtifactInfo, metadata.CoreMetadata, error) {
	rel, ok := f.findRelease(pkg, ver)
	if !ok || len(candidates) == 0 {
		return index.ArtifactInfo{}, metadata.CoreMetadata{}, fmt.Errorf("no such release: %s %s", pkg, ver)
	}

	data := fmt.Sprintf("Metadata-Version: 2.1\nName: %s\nVersion: %s\n", pkg.Normalized(), ver.String())
	for extra := range rel.extraDeps {
		data += "Provides-Extra: " + extra + "\n"
	}
	for _, d := range rel.deps {
		data += "Requires-Dist: " + d + "\n"
	}
	for extra, deps := range rel.extraDeps {
		for _, d := range deps {
			data += fmt.Sprintf("Requires-Dist: %s; extra == \"%s\"\n", d, extra)
		}
	}
	cm, err := metadata.ParseCoreMetadata(data)
	return candidates[0], cm, err
}

func (f *fakeDB) GetPybiMetadata(candidates []index.ArtifactInfo, pkg pkgname.Name, ver version.Version) (index.ArtifactInfo, metadata.CoreMetadata, error) {
	return index.ArtifactInfo{}, metadata.CoreMetadata{}, fmt.Errorf("GetPybiMetadata not used by library resolution tests")
}

func testLibPlatform() platform.WheelPlatform {
	return platform.FromCoreTag("manylinux_2_17_x86_64").WheelPlatformForPybi([]string{"py3-none-PLATFORM", "py3-none-any"})
}

func mustReqs(t *testing.T, lines ...string) []requirement.Requirement {
	t.Helper()
	var reqs []requirement.Requirement
	for _, l := range lines {
		r, err := requirement.Parse(l)
		if err != nil {
			t.Fatalf("requirement.Parse(%q): %v", l, err)
		}
		reqs = append(reqs, r)
	}
	return reqs
}

func TestResolveLibrariesSimpleChain(t *testing.T) {
	db := newFakeDB()
	db.add("foo", fakeRelease{version: "2.0", deps: []string{"bar>=1.0"}})
	db.add("bar", fakeRelease{version: "1.5"}, fakeRelease{version: "1.0"})

	brief := Brief{Libraries: mustReqs(t, "foo")}
	libs, err := resolveLibraries(db, brief, requirement.Env{}, testLibPlatform(), version.MustParse("3.11"))
	if err != nil {
		t.Fatalf("resolveLibraries: %v", err)
	}

	got := map[string]string{}
	for _, l := range libs {
		got[l.Name.Normalized()] = l.Version.String()
	}
	if got["foo"] != "2.0" || got["bar"] != "1.5" {
		t.Fatalf("unexpected resolution: %v", got)
	}
}

func TestResolveLibrariesBacktracksOnConflictingConstraints(t *testing.T) {
	db := newFakeDB()
	db.add("foo", fakeRelease{version: "2.0", deps: []string{"shared<2.0"}})
	db.add("baz", fakeRelease{version: "1.0", deps: []string{"shared>=1.5"}})
	db.add("shared", fakeRelease{version: "2.0"}, fakeRelease{version: "1.5"}, fakeRelease{version: "1.0"})

	brief := Brief{Libraries: mustReqs(t, "foo", "baz")}
	libs, err := resolveLibraries(db, brief, requirement.Env{}, testLibPlatform(), version.MustParse("3.11"))
	if err != nil {
		t.Fatalf("resolveLibraries: %v", err)
	}

	got := map[string]string{}
	for _, l := range libs {
		got[l.Name.Normalized()] = l.Version.String()
	}
	if got["shared"] != "1.5" {
		t.Fatalf("expected shared pinned to the only version satisfying both constraints, got %v", got)
	}
}

func TestResolveLibrariesUnsatisfiableConflict(t *testing.T) {
	db := newFakeDB()
	db.add("foo", fakeRelease{version: "2.0", deps: []string{"shared<1.5"}})
	db.add("baz", fakeRelease{version: "1.0", deps: []string{"shared>=1.5"}})
	db.add("shared", fakeRelease{version: "2.0"}, fakeRelease{version: "1.0"})

	brief := Brief{Libraries: mustReqs(t, "foo", "baz")}
	_, err := resolveLibraries(db, brief, requirement.Env{}, testLibPlatform(), version.MustParse("3.11"))
	if err == nil {
		t.Fatal("expected an unsatisfiable-conflict error")
	}
	if _, ok := err.(*ResolverConflict); !ok {
		t.Fatalf("expected *ResolverConflict, got %T: %v", err, err)
	}
}

func TestResolveLibrariesExtraPinsBaseVersion(t *testing.T) {
	db := newFakeDB()
	db.add("foo", fakeRelease{
		version:   "1.0",
		extraDeps: map[string][]string{"socks": {"pysocks>=1.0"}},
	})
	db.add("pysocks", fakeRelease{version: "1.7"})

	brief := Brief{Libraries: mustReqs(t, "foo[socks]")}
	libs, err := resolveLibraries(db, brief, requirement.Env{}, testLibPlatform(), version.MustParse("3.11"))
	if err != nil {
		t.Fatalf("resolveLibraries: %v", err)
	}

	got := map[string]string{}
	for _, l := range libs {
		got[l.Name.Normalized()] = l.Version.String()
	}
	if got["foo"] != "1.0" || got["pysocks"] != "1.7" {
		t.Fatalf("unexpected resolution: %v", got)
	}
}

func TestResolveLibrariesRequiresPythonExcludesVersion(t *testing.T) {
	db := newFakeDB()
	db.add("foo",
		fakeRelease{version: "2.0", requiresPython: ">=3.12"},
		fakeRelease{version: "1.0", requiresPython: ">=3.7"},
	)

	brief := Brief{Libraries: mustReqs(t, "foo")}
	libs, err := resolveLibraries(db, brief, requirement.Env{}, testLibPlatform(), version.MustParse("3.11"))
	if err != nil {
		t.Fatalf("resolveLibraries: %v", err)
	}
	if len(libs) != 1 || libs[0].Version.String() != "1.0" {
		t.Fatalf("expected foo 1.0 (2.0 excluded by Requires-Python), got %v", libs)
	}
}

package envforest

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bilusteknoloji/envforge/internal/artifacthash"
	"github.com/bilusteknoloji/envforge/internal/index"
	"github.com/bilusteknoloji/envforge/internal/pkgname"
	"github.com/bilusteknoloji/envforge/internal/platform"
	"github.com/bilusteknoloji/envforge/internal/resolver"
	"github.com/bilusteknoloji/envforge/internal/store"
	"github.com/bilusteknoloji/envforge/internal/version"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Create(%s): %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

type readSeekNopCloser struct {
	*bytes.Reader
}

func (readSeekNopCloser) Close() error { return nil }

func sha256Hash(b []byte) artifacthash.Hash {
	sum := sha256.Sum256(b)
	return artifacthash.Hash{Algorithm: artifacthash.SHA256, Digest: sum[:]}
}

type fakeForestDB struct {
	artifacts map[string][]index.ArtifactInfo // keyed by "name@version"
	bodies    map[string][]byte                // keyed by URL
}

func newFakeForestDB() *fakeForestDB {
	return &fakeForestDB{artifacts: map[string][]index.ArtifactInfo{}, bodies: map[string][]byte{}}
}

func (f *fakeForestDB) addRelease(name pkgname.Name, v version.Version, artifacts []index.ArtifactInfo, bodies map[string][]byte) {
	f.artifacts[name.Normalized()+"@"+v.String()] = artifacts
	for url, body := range bodies {
		f.bodies[url] = body
	}
}

func (f *fakeForestDB) ArtifactsForRelease(name pkgname.Name, v version.Version) ([]index.ArtifactInfo, error) {
	return f.artifacts[name.Normalized()+"@"+v.String()], nil
}

func (f *fakeForestDB) GetArtifact(ai index.ArtifactInfo) (io.ReadSeekCloser, int64, error) {
	body := f.bodies[ai.URL]
	return readSeekNopCloser{bytes.NewReader(body)}, int64(len(body)), nil
}

func testHostPlatform() platform.PybiPlatform {
	return platform.FromCoreTag("manylinux_2_17_x86_64")
}

func TestMaterializeUnpacksInterpreterAndLibraries(t *testing.T) {
	db := newFakeForestDB()

	pybiName, err := pkgname.ParsePybiName("cpython-3.11.0-manylinux_2_17_x86_64.pybi")
	if err != nil {
		t.Fatalf("ParsePybiName: %v", err)
	}
	pybiBytes := buildZip(t, map[string]string{
		"pybi-info/PYBI":     "Pybi-Version: 1.0\n",
		"pybi-info/METADATA": "Metadata-Version: 2.1\nName: cpython\nVersion: 3.11.0\nPybi-Paths: {\"scripts\": \"bin\"}\n",
		"bin/python3":        "#!/bin/sh\necho fake interpreter\n",
	})
	pybiHash := sha256Hash(pybiBytes)
	pybiURL := "https://example.test/" + pybiName.String()
	db.addRelease(pybiName.Distribution, pybiName.Version,
		[]index.ArtifactInfo{{Name: pkgname.ArtifactName{Kind: pkgname.KindPybi, Pybi: pybiName}, URL: pybiURL, Hash: &pybiHash}},
		map[string][]byte{pybiURL: pybiBytes})

	wheelName, err := pkgname.ParseWheelName("foo-1.0-py3-none-any.whl")
	if err != nil {
		t.Fatalf("ParseWheelName: %v", err)
	}
	wheelBytes := buildZip(t, map[string]string{
		"foo-1.0.dist-info/WHEEL":    "Wheel-Version: 1.0\nGenerator: test\nRoot-Is-Purelib: true\n",
		"foo-1.0.dist-info/METADATA": "Metadata-Version: 2.1\nName: foo\nVersion: 1.0\n",
		"foo/__init__.py":            "x = 1\n",
	})
	wheelHash := sha256Hash(wheelBytes)
	wheelURL := "https://example.test/" + wheelName.String()
	wheelAI := index.ArtifactInfo{Name: pkgname.ArtifactName{Kind: pkgname.KindWheel, Wheel: wheelName}, URL: wheelURL, Hash: &wheelHash}
	db.bodies[wheelURL] = wheelBytes

	bp := &resolver.Blueprint{
		Interpreter: resolver.PinnedInterpreter{
			Name:    pybiName.Distribution,
			Version: pybiName.Version,
			Hashes:  []artifacthash.Hash{pybiHash},
		},
		Libraries: []resolver.PinnedLibrary{
			{Name: wheelName.Distribution, Version: wheelName.Version, Hashes: []artifacthash.Hash{wheelHash}, Provenance: wheelAI},
		},
	}

	s, err := store.NewKVDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKVDirStore: %v", err)
	}
	forest := New(s, db, testHostPlatform())

	env, err := forest.Materialize(context.Background(), bp)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	if len(env.LibRoots) != 1 {
		t.Fatalf("expected one library root, got %v", env.LibRoots)
	}
	if _, err := os.Stat(filepath.Join(env.LibRoots[0], "foo", "__init__.py")); err != nil {
		t.Errorf("expected unpacked library file: %v", err)
	}
	if env.Python == "" {
		t.Error("expected Python to be populated from the unpacked interpreter's scripts dir")
	}
	if len(env.BinDirs) == 0 {
		t.Error("expected at least one bin dir (the interpreter's scripts dir)")
	}
}

func TestMaterializeRejectsUnpinnedHash(t *testing.T) {
	db := newFakeForestDB()

	wheelName, err := pkgname.ParseWheelName("foo-1.0-py3-none-any.whl")
	if err != nil {
		t.Fatalf("ParseWheelName: %v", err)
	}
	wheelBytes := buildZip(t, map[string]string{
		"foo-1.0.dist-info/WHEEL":    "Wheel-Version: 1.0\nGenerator: test\nRoot-Is-Purelib: true\n",
		"foo-1.0.dist-info/METADATA": "Metadata-Version: 2.1\nName: foo\nVersion: 1.0\n",
	})
	actualHash := sha256Hash(wheelBytes)
	wheelURL := "https://example.test/" + wheelName.String()
	wheelAI := index.ArtifactInfo{Name: pkgname.ArtifactName{Kind: pkgname.KindWheel, Wheel: wheelName}, URL: wheelURL, Hash: &actualHash}
	db.bodies[wheelURL] = wheelBytes

	otherHash := sha256Hash([]byte("something else entirely"))

	pybiName, err := pkgname.ParsePybiName("cpython-3.11.0-manylinux_2_17_x86_64.pybi")
	if err != nil {
		t.Fatalf("ParsePybiName: %v", err)
	}
	pybiBytes := buildZip(t, map[string]string{
		"pybi-info/PYBI":     "Pybi-Version: 1.0\n",
		"pybi-info/METADATA": "Metadata-Version: 2.1\nName: cpython\nVersion: 3.11.0\nPybi-Paths: {\"scripts\": \"bin\"}\n",
	})
	pybiHash := sha256Hash(pybiBytes)
	pybiURL := "https://example.test/" + pybiName.String()
	db.addRelease(pybiName.Distribution, pybiName.Version,
		[]index.ArtifactInfo{{Name: pkgname.ArtifactName{Kind: pkgname.KindPybi, Pybi: pybiName}, URL: pybiURL, Hash: &pybiHash}},
		map[string][]byte{pybiURL: pybiBytes})

	bp := &resolver.Blueprint{
		Interpreter: resolver.PinnedInterpreter{Name: pybiName.Distribution, Version: pybiName.Version, Hashes: []artifacthash.Hash{pybiHash}},
		Libraries: []resolver.PinnedLibrary{
			{Name: wheelName.Distribution, Version: wheelName.Version, Hashes: []artifacthash.Hash{otherHash}, Provenance: wheelAI},
		},
	}

	s, err := store.NewKVDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKVDirStore: %v", err)
	}
	forest := New(s, db, testHostPlatform())

	_, err = forest.Materialize(context.Background(), bp)
	var hashErr *resolver.HashNotPinned
	if !errors.As(err, &hashErr) {
		t.Fatalf("expected *resolver.HashNotPinned, got %T: %v", err, err)
	}
}

package artifact_test

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/bilusteknoloji/envforge/internal/artifact"
	"github.com/bilusteknoloji/envforge/internal/pkgname"
)

func buildZip(t *testing.T, files map[string]string) *bytes.Reader {
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
	return bytes.NewReader(buf.Bytes())
}

func TestWheelMetadata(t *testing.T) {
	r := buildZip(t, map[string]string{
		"foo-1.0.dist-info/WHEEL":    "Wheel-Version: 1.0\nRoot-Is-Purelib: true\nGenerator: test\n",
		"foo-1.0.dist-info/METADATA": "Metadata-Version: 2.1\nName: foo\nVersion: 1.0\n\n",
		"foo/__init__.py":            "print('hi')\n",
	})

	name, err := pkgname.ParseWheelName("foo-1.0-py3-none-any.whl")
	if err != nil {
		t.Fatalf("ParseWheelName: %v", err)
	}
	w, err := artifact.OpenWheel(name, r, r.Size())
	if err != nil {
		t.Fatalf("OpenWheel: %v", err)
	}

	raw, cm, err := w.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if len(raw) == 0 {
		t.Errorf("raw metadata is empty")
	}
	gotName, _ := cm.Name()
	if gotName != "foo" {
		t.Errorf("Name() = %q, want foo", gotName)
	}
}

func TestWheelMetadataNameMismatch(t *testing.T) {
	r := buildZip(t, map[string]string{
		"foo-1.0.dist-info/WHEEL":    "Wheel-Version: 1.0\nRoot-Is-Purelib: true\n",
		"foo-1.0.dist-info/METADATA": "Metadata-Version: 2.1\nName: something-else\nVersion: 1.0\n\n",
	})

	name, _ := pkgname.ParseWheelName("foo-1.0-py3-none-any.whl")
	w, err := artifact.OpenWheel(name, r, r.Size())
	if err != nil {
		t.Fatalf("OpenWheel: %v", err)
	}

	_, _, err = w.Metadata()
	if _, ok := err.(*artifact.InvalidMetadata); !ok {
		t.Fatalf("expected *InvalidMetadata, got %v", err)
	}
}

func TestWheelMetadataMultipleDistInfo(t *testing.T) {
	r := buildZip(t, map[string]string{
		"foo-1.0.dist-info/WHEEL":    "Wheel-Version: 1.0\nRoot-Is-Purelib: true\n",
		"foo-1.0.dist-info/METADATA": "Metadata-Version: 2.1\nName: foo\nVersion: 1.0\n\n",
		"other-1.0.dist-info/WHEEL":  "Wheel-Version: 1.0\nRoot-Is-Purelib: true\n",
	})

	name, _ := pkgname.ParseWheelName("foo-1.0-py3-none-any.whl")
	w, err := artifact.OpenWheel(name, r, r.Size())
	if err != nil {
		t.Fatalf("OpenWheel: %v", err)
	}

	_, _, err = w.Metadata()
	if _, ok := err.(*artifact.InvalidMetadata); !ok {
		t.Fatalf("expected *InvalidMetadata, got %v", err)
	}
}

func TestWheelMetadataRejectsWheelVersion2(t *testing.T) {
	r := buildZip(t, map[string]string{
		"foo-1.0.dist-info/WHEEL":    "Wheel-Version: 2.0\nRoot-Is-Purelib: true\n",
		"foo-1.0.dist-info/METADATA": "Metadata-Version: 2.1\nName: foo\nVersion: 1.0\n\n",
	})

	name, _ := pkgname.ParseWheelName("foo-1.0-py3-none-any.whl")
	w, err := artifact.OpenWheel(name, r, r.Size())
	if err != nil {
		t.Fatalf("OpenWheel: %v", err)
	}

	if _, _, err := w.Metadata(); err == nil {
		t.Fatalf("expected an error for Wheel-Version: 2.0")
	}
}

func TestPybiMetadata(t *testing.T) {
	r := buildZip(t, map[string]string{
		"pybi-info/PYBI":     "Pybi-Version: 1.0\nGenerator: test\n",
		"pybi-info/METADATA": "Metadata-Version: 2.1\nName: cpython\nVersion: 3.11.4\n\n",
	})

	name, err := pkgname.ParsePybiName("cpython-3.11.4-manylinux_2_17_x86_64.pybi")
	if err != nil {
		t.Fatalf("ParsePybiName: %v", err)
	}
	p, err := artifact.OpenPybi(name, r, r.Size())
	if err != nil {
		t.Fatalf("OpenPybi: %v", err)
	}

	_, cm, err := p.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	gotVer, _ := cm.Version()
	if gotVer != "3.11.4" {
		t.Errorf("Version() = %q, want 3.11.4", gotVer)
	}
}

package requirement

import (
	"testing"

	"github.com/bilusteknoloji/envforge/internal/version"
)

func mustV(t *testing.T, s string) version.Version {
	t.Helper()
	v, err := version.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestParseSimple(t *testing.T) {
	r, err := Parse("flask")
	if err != nil {
		t.Fatal(err)
	}
	if r.Name.Normalized() != "flask" {
		t.Errorf("name = %q", r.Name.Normalized())
	}
	if len(r.Specifiers) != 0 {
		t.Errorf("expected no specifiers, got %v", r.Specifiers)
	}
	if r.Marker != nil {
		t.Errorf("expected no marker")
	}
}

func TestParseExtrasAndSpecifier(t *testing.T) {
	r, err := Parse("requests[socks,security] >=2.25,<3")
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Extras) != 2 || r.Extras[0] != "socks" || r.Extras[1] != "security" {
		t.Fatalf("extras = %v", r.Extras)
	}
	if len(r.Specifiers) != 2 {
		t.Fatalf("specifiers = %v", r.Specifiers)
	}
}

func TestParseWithMarker(t *testing.T) {
	r, err := Parse(`importlib-metadata>=3.6.0; python_version < "3.10"`)
	if err != nil {
		t.Fatal(err)
	}
	if r.Name.Normalized() != "importlib-metadata" {
		t.Errorf("name = %q", r.Name.Normalized())
	}
	if r.Marker == nil {
		t.Fatal("expected a marker")
	}
	ok, err := r.Evaluate(Env{PythonVersion: "3.9"})
	if err != nil || !ok {
		t.Errorf("expected marker to match python 3.9: %v, %v", ok, err)
	}
	ok, err = r.Evaluate(Env{PythonVersion: "3.11"})
	if err != nil || ok {
		t.Errorf("expected marker to reject python 3.11: %v, %v", ok, err)
	}
}

func TestParseDirectURLRejected(t *testing.T) {
	_, err := Parse("foo @ https://example.com/foo.whl")
	if _, ok := err.(*UnsupportedDirectURL); !ok {
		t.Fatalf("expected UnsupportedDirectURL, got %v", err)
	}
}

func TestParseParenthesizedSpecifier(t *testing.T) {
	r, err := Parse("foo (>=1.0)")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := r.Specifiers.SatisfiedBy(mustV(t, "1.5"))
	if err != nil || !ok {
		t.Errorf("expected 1.5 to satisfy >=1.0")
	}
}

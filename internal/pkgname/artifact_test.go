package pkgname

import "testing"

func TestParseSdistName(t *testing.T) {
	n, err := ParseSdistName("trio-0.19a0.tar.gz")
	if err != nil {
		t.Fatal(err)
	}
	if n.Distribution.Normalized() != "trio" {
		t.Errorf("distribution = %q", n.Distribution.Normalized())
	}
	if n.Version.String() != "0.19a0" {
		t.Errorf("version = %q", n.Version.String())
	}
	if n.Format != SdistTarGz {
		t.Errorf("format = %v", n.Format)
	}
}

func TestParseWheelName(t *testing.T) {
	n, err := ParseWheelName("trio-0.18.0-py3-none-any.whl")
	if err != nil {
		t.Fatal(err)
	}
	if n.Distribution.Normalized() != "trio" || n.Version.String() != "0.18.0" {
		t.Fatalf("unexpected %+v", n)
	}
	if n.Build.Number != nil || n.Build.Name != "" {
		t.Errorf("expected no build tag, got %+v", n.Build)
	}
	if got := n.String(); got != "trio-0.18.0-py3-none-any.whl" {
		t.Errorf("String() = %q", got)
	}
}

func TestParseWheelNameWithBuildTagAndCompressedTags(t *testing.T) {
	n, err := ParseWheelName("foo.bar-0.1b3-1local-py2.py3-none-any.whl")
	if err != nil {
		t.Fatal(err)
	}
	if n.Distribution.Normalized() != "foo-bar" {
		t.Errorf("distribution = %q", n.Distribution.Normalized())
	}
	if n.Build.Number == nil || *n.Build.Number != 1 || n.Build.Name != "local" {
		t.Fatalf("build tag = %+v", n.Build)
	}
	if len(n.PyTags) != 2 || n.PyTags[0] != "py2" || n.PyTags[1] != "py3" {
		t.Errorf("py tags = %v", n.PyTags)
	}
	tags := n.AllTags()
	if len(tags) != 2 {
		t.Fatalf("all tags = %v", tags)
	}
	if got := n.String(); got != "foo.bar-0.1b3-1local-py2.py3-none-any.whl" {
		t.Errorf("String() = %q", got)
	}
}

func TestParsePybiName(t *testing.T) {
	n, err := ParsePybiName("cpython-3.10b1-manylinux_2_17_x86_64.pybi")
	if err != nil {
		t.Fatal(err)
	}
	if n.ArchTags[0] != "manylinux_2_17_x86_64" {
		t.Errorf("arch tags = %v", n.ArchTags)
	}
	if got := n.String(); got != "cpython-3.10b1-manylinux_2_17_x86_64.pybi" {
		t.Errorf("String() = %q", got)
	}
}

func TestSplitMultiplatformPybis(t *testing.T) {
	n, err := ParsePybiName("cpython-3.11.0-macosx_11_0_universal2.pybi")
	if err != nil {
		t.Fatal(err)
	}
	split := n.SplitMultiplatformPybis()
	if len(split) != 2 {
		t.Fatalf("expected 2 expanded names, got %d: %v", len(split), split)
	}
	if split[0].ArchTags[0] != "macosx_11_0_arm64" || split[1].ArchTags[0] != "macosx_11_0_x86_64" {
		t.Errorf("unexpected expansion: %+v", split)
	}
}

func TestParseArtifactNameDispatch(t *testing.T) {
	for _, fn := range []string{"trio-0.18.0-py3-none-any.whl", "cpython-3.10b1-manylinux_2_17_x86_64.pybi", "trio-0.19a0.tar.gz"} {
		a, err := ParseArtifactName(fn)
		if err != nil {
			t.Fatalf("ParseArtifactName(%q): %v", fn, err)
		}
		if a.String() != fn {
			t.Errorf("round-trip %q -> %q", fn, a.String())
		}
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Foo_Bar":   "foo-bar",
		"foo.bar":   "foo-bar",
		"foo--bar":  "foo-bar",
		"FOO.-_Bar": "foo-bar",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

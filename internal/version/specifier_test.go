package version

import "testing"

func mustSet(t *testing.T, s string) SpecifierSet {
	t.Helper()
	set, err := ParseSpecifierSet(s)
	if err != nil {
		t.Fatalf("ParseSpecifierSet(%q): %v", s, err)
	}
	return set
}

func TestSpecifierSatisfaction(t *testing.T) {
	cases := []struct {
		version, spec string
		want          bool
	}{
		{"1.0", "==1.0", true},
		{"1.0.0", "==1.0", true},
		{"1.1", "==1.0", false},
		{"1.0", "!=1.0", false},
		{"1.1", ">=1.0", true},
		{"0.9", ">=1.0", false},
		{"1.0.post1", ">1.0", false},
		{"1.0.post2", ">1.0.post1", true},
		{"1.1", ">1.0", true},
		{"1.0", ">1.0", false},
		{"1.0a1", "<1.0", false},
		{"1.0", "<1.0", false},
		{"1.0.post1", "<1.0", false},
		{"2.2", "~=2.2", true},
		{"2.3", "~=2.2", true},
		{"3.0", "~=2.2", false},
		{"2.1", "~=2.2", false},
		{"1.2.3", "==1.2.*", true},
		{"1.3.0", "==1.2.*", false},
		{"1.2.0", "!=1.2.*", false},
		{"1.3.0", "!=1.2.*", true},
	}
	for _, c := range cases {
		v := MustParse(c.version)
		set := mustSet(t, c.spec)
		ok, err := set.SatisfiedBy(v)
		if err != nil {
			t.Fatalf("SatisfiedBy(%q, %q): %v", c.version, c.spec, err)
		}
		if ok != c.want {
			t.Errorf("%q satisfies %q = %v, want %v", c.version, c.spec, ok, c.want)
		}
	}
}

func TestSpecifierSetConjunction(t *testing.T) {
	set := mustSet(t, ">=1.0,<2.0,!=1.5")
	ok, err := set.SatisfiedBy(MustParse("1.5"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("1.5 should be excluded by !=1.5")
	}
	ok, err = set.SatisfiedBy(MustParse("1.6"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("1.6 should satisfy >=1.0,<2.0,!=1.5")
	}
}

func TestCompatibleRequiresTwoSegments(t *testing.T) {
	_, err := Compatible.ToRanges("2")
	if err == nil {
		t.Fatal("expected error for ~= with single release segment")
	}
}

func TestLocalSuffixRejectedOnOrdering(t *testing.T) {
	_, err := StrictlyGreaterThan.ToRanges("1.0+local")
	if err == nil {
		t.Fatal("expected error using > with a +local specifier value")
	}
}

func TestUnsupportedTripleEquals(t *testing.T) {
	_, err := ParseSpecifierSet("===1.0")
	if err == nil {
		t.Fatal("expected error for ===")
	}
}

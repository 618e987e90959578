package version

import "testing"

func TestParseAndString(t *testing.T) {
	cases := []struct{ in, want string }{
		{"1.0", "1.0"},
		{"1.0a1", "1.0a1"},
		{"1.0.dev0", "1.0.dev0"},
		{"1.0.post1", "1.0.post1"},
		{"1!1.0", "1!1.0"},
		{"1.0+local.1", "1.0+local.1"},
		{"V1.0", "1.0"},
		{"1.0-1", "1.0.post1"},
		{"1.0.alpha1", "1.0a1"},
		{"1.0-beta2", "1.0b2"},
	}
	for _, c := range cases {
		v, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		if got := v.String(); got != c.want {
			t.Errorf("Parse(%q).String() = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1.0-", "1.0++"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}

func TestOrdering(t *testing.T) {
	ordered := []string{
		"1.0.dev0",
		"1.0a1.dev1",
		"1.0a1",
		"1.0a2.dev1",
		"1.0a2",
		"1.0b1.dev1",
		"1.0b1",
		"1.0rc1.dev1",
		"1.0rc1",
		"1.0",
		"1.0+local1",
		"1.0+local2",
		"1.0.post1.dev1",
		"1.0.post1",
	}
	for i := 0; i+1 < len(ordered); i++ {
		a, err := Parse(ordered[i])
		if err != nil {
			t.Fatal(err)
		}
		b, err := Parse(ordered[i+1])
		if err != nil {
			t.Fatal(err)
		}
		if !Less(a, b) {
			t.Errorf("expected %s < %s", ordered[i], ordered[i+1])
		}
	}
}

func TestEqualTrailingZeros(t *testing.T) {
	a, _ := Parse("1.0")
	b, _ := Parse("1.0.0")
	if !Equal(a, b) {
		t.Errorf("expected 1.0 == 1.0.0")
	}
}

func TestNext(t *testing.T) {
	cases := []struct{ in, want string }{
		{"1.0", "1.0.post0"},
		{"1.0.post1", "1.0.post2"},
		{"1.0.dev0", "1.0.dev1"},
	}
	for _, c := range cases {
		v := MustParse(c.in)
		if got := v.Next().String(); got != c.want {
			t.Errorf("Next(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestIsPreRelease(t *testing.T) {
	if !MustParse("1.0a1").IsPreRelease() {
		t.Error("1.0a1 should be a pre-release")
	}
	if !MustParse("1.0.dev0").IsPreRelease() {
		t.Error("1.0.dev0 should be a pre-release")
	}
	if MustParse("1.0").IsPreRelease() {
		t.Error("1.0 should not be a pre-release")
	}
	if MustParse("1.0.post1").IsPreRelease() {
		t.Error("1.0.post1 should not be a pre-release")
	}
}

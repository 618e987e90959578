package metadata

import "testing"

func TestParseSuccessful(t *testing.T) {
	cases := []struct {
		given        string
		wantFields   Fields
		wantHasBody  bool
		wantBodyText string
	}{
		{
			given:        "A: b\nC: d\n   continued\n\nthis is the\nbody!\n",
			wantFields:   Fields{"A": {"b"}, "C": {"d\n   continued"}},
			wantHasBody:  true,
			wantBodyText: "this is the\nbody!\n",
		},
		{
			given:       "no: body\n",
			wantFields:  Fields{"no": {"body"}},
			wantHasBody: false,
		},
		{
			given:       "duplicate: one\nduplicate: two\nanother: field\nduplicate: three\n",
			wantFields:  Fields{"duplicate": {"one", "two", "three"}, "another": {"field"}},
			wantHasBody: false,
		},
	}

	for _, c := range cases {
		got, err := Parse(c.given)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.given, err)
		}
		for k, want := range c.wantFields {
			gotV, ok := got.Fields[k]
			if !ok {
				t.Fatalf("missing field %q in %q", k, c.given)
			}
			if len(gotV) != len(want) {
				t.Fatalf("field %q = %v, want %v", k, gotV, want)
			}
			for i := range want {
				if gotV[i] != want[i] {
					t.Errorf("field %q[%d] = %q, want %q", k, i, gotV[i], want[i])
				}
			}
		}
		if c.wantHasBody && (got.Body == nil || *got.Body != c.wantBodyText) {
			t.Errorf("body = %v, want %q", got.Body, c.wantBodyText)
		}
		if !c.wantHasBody && got.Body != nil {
			t.Errorf("expected no body, got %q", *got.Body)
		}
	}
}

func TestParseFailures(t *testing.T) {
	cases := []string{
		"",
		"   continuation line\nat: beginning\n\nnot good\n",
		"bad key name: whee\n",
		": no key name\n",
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q): expected error", c)
		}
	}
}

func TestTakeOneAndDuplicate(t *testing.T) {
	p, err := Parse("Name: foo\nName: bar\nVersion: 1.0\n")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.TakeOne("Name"); err == nil {
		t.Error("expected DuplicateField error")
	}
	v, err := p.TakeOne("Version")
	if err != nil || v != "1.0" {
		t.Errorf("TakeOne(Version) = %q, %v", v, err)
	}
	if _, err := p.TakeOne("Missing"); err == nil {
		t.Error("expected MissingField error")
	}
}

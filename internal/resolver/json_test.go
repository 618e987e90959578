package resolver

import (
	"encoding/json"
	"testing"

	"github.com/bilusteknoloji/envforge/internal/artifacthash"
	"github.com/bilusteknoloji/envforge/internal/index"
	"github.com/bilusteknoloji/envforge/internal/pkgname"
	"github.com/bilusteknoloji/envforge/internal/version"
)

func TestBlueprintRoundTripsThroughJSON(t *testing.T) {
	wn, err := pkgname.ParseWheelName("foo-1.0-py3-none-any.whl")
	if err != nil {
		t.Fatalf("ParseWheelName: %v", err)
	}
	hash := artifacthash.Hash{Algorithm: artifacthash.SHA256, Digest: []byte{0xde, 0xad, 0xbe, 0xef}}

	bp := Blueprint{
		Interpreter: PinnedInterpreter{
			Name:    wn.Distribution,
			Version: version.MustParse("3.11.0"),
			Hashes:  []artifacthash.Hash{hash},
		},
		Libraries: []PinnedLibrary{
			{
				Name:    wn.Distribution,
				Version: wn.Version,
				Hashes:  []artifacthash.Hash{hash},
				Provenance: index.ArtifactInfo{
					Name: pkgname.ArtifactName{Kind: pkgname.KindWheel, Wheel: wn},
					URL:  "https://example.test/" + wn.String(),
					Hash: &hash,
				},
			},
		},
	}

	data, err := json.Marshal(bp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Blueprint
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !version.Equal(got.Interpreter.Version, bp.Interpreter.Version) {
		t.Errorf("interpreter version: got %s, want %s", got.Interpreter.Version, bp.Interpreter.Version)
	}
	if len(got.Libraries) != 1 {
		t.Fatalf("expected one library, got %d", len(got.Libraries))
	}
	gotLib := got.Libraries[0]
	if gotLib.Name.Normalized() != "foo" {
		t.Errorf("library name: got %q", gotLib.Name.Normalized())
	}
	if gotLib.Provenance.URL != bp.Libraries[0].Provenance.URL {
		t.Errorf("provenance URL: got %q, want %q", gotLib.Provenance.URL, bp.Libraries[0].Provenance.URL)
	}
	if gotLib.Provenance.Hash == nil || !gotLib.Provenance.Hash.Equal(hash) {
		t.Errorf("provenance hash not round-tripped: %+v", gotLib.Provenance.Hash)
	}
	if gotLib.Provenance.Name.Kind != pkgname.KindWheel || gotLib.Provenance.Name.Wheel.String() != wn.String() {
		t.Errorf("provenance artifact name not round-tripped: %+v", gotLib.Provenance.Name)
	}
}

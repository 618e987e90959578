package index

import (
	"encoding/json"

	"github.com/bilusteknoloji/envforge/internal/artifacthash"
	"github.com/bilusteknoloji/envforge/internal/pkgname"
	"github.com/bilusteknoloji/envforge/internal/version"
)

// artifactInfoWire is ArtifactInfo's on-disk shape for a blueprint lock
// file: Name is reduced to its filename, which ParseArtifactName can
// reconstruct exactly, since ArtifactName's own fields aren't safe to
// round-trip through encoding/json's default struct handling.
type artifactInfoWire struct {
	Filename                  string               `json:"filename"`
	URL                       string               `json:"url"`
	Hash                      *artifacthash.Hash   `json:"hash,omitempty"`
	RequiresPython            version.SpecifierSet `json:"requires_python,omitempty"`
	DistInfoMetadataAvailable bool                 `json:"dist_info_metadata_available,omitempty"`
	DistInfoMetadataHash      *artifacthash.Hash   `json:"dist_info_metadata_hash,omitempty"`
	Yanked                    bool                 `json:"yanked,omitempty"`
	YankedReason              string               `json:"yanked_reason,omitempty"`
}

func (ai ArtifactInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(artifactInfoWire{
		Filename:                  ai.Name.String(),
		URL:                       ai.URL,
		Hash:                      ai.Hash,
		RequiresPython:            ai.RequiresPython,
		DistInfoMetadataAvailable: ai.DistInfoMetadataAvailable,
		DistInfoMetadataHash:      ai.DistInfoMetadataHash,
		Yanked:                    ai.Yanked,
		YankedReason:              ai.YankedReason,
	})
}

func (ai *ArtifactInfo) UnmarshalJSON(data []byte) error {
	var w artifactInfoWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	name, err := pkgname.ParseArtifactName(w.Filename)
	if err != nil {
		return err
	}
	*ai = ArtifactInfo{
		Name:                      name,
		URL:                       w.URL,
		Hash:                      w.Hash,
		RequiresPython:            w.RequiresPython,
		DistInfoMetadataAvailable: w.DistInfoMetadataAvailable,
		DistInfoMetadataHash:      w.DistInfoMetadataHash,
		Yanked:                    w.Yanked,
		YankedReason:              w.YankedReason,
	}
	return nil
}

package pkgname

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/bilusteknoloji/envforge/internal/version"
)

// InvalidArtifactName reports a filename that doesn't match the sdist,
// wheel or pybi grammar.
type InvalidArtifactName struct {
	Input  string
	Reason string
}

func (e *InvalidArtifactName) Error() string {
	return fmt.Sprintf("invalid artifact filename %q: %s", e.Input, e.Reason)
}

// SdistFormat is the archive format of a source distribution.
type SdistFormat int

const (
	SdistZip SdistFormat = iota
	SdistTarGz
)

func (f SdistFormat) String() string {
	if f == SdistZip {
		return "zip"
	}
	return "tar.gz"
}

// SdistName is a parsed source-distribution filename: "<dist>-<ver>.<ext>".
type SdistName struct {
	Distribution Name
	Version      version.Version
	Format       SdistFormat
}

var sdistPattern = regexp.MustCompile(`^(.*)-([^-]*)\.(zip|tar\.gz)$`)

func ParseSdistName(filename string) (SdistName, error) {
	m := sdistPattern.FindStringSubmatch(filename)
	if m == nil {
		return SdistName{}, &InvalidArtifactName{Input: filename, Reason: "doesn't match <dist>-<version>.(zip|tar.gz)"}
	}
	dist, err := ParseName(m[1])
	if err != nil {
		return SdistName{}, err
	}
	v, err := version.Parse(m[2])
	if err != nil {
		return SdistName{}, err
	}
	format := SdistZip
	if m[3] == "tar.gz" {
		format = SdistTarGz
	}
	return SdistName{Distribution: dist, Version: v, Format: format}, nil
}

func (n SdistName) String() string {
	return fmt.Sprintf("%s-%s.%s", n.Distribution.AsGiven(), n.Version, n.Format)
}

// buildTag is the optional "<N><name>" segment between the version and the
// compatibility tags of a binary distribution filename.
//
// Per the binary-distribution spec the build tag "sorts as an empty tuple
// if unspecified, else as a two-item tuple with the first item being the
// initial digits as an int and the second the remainder as a str" — which
// leaves the no-leading-digits case undefined, so this follows the same
// convention as the rest of the ecosystem: no digits means Number is unset.
type buildTag struct {
	Number *int
	Name   string
}

func formatBuildTag(b buildTag) string {
	switch {
	case b.Number == nil && b.Name == "":
		return ""
	case b.Number == nil:
		return "-" + b.Name
	default:
		return fmt.Sprintf("-%d%s", *b.Number, b.Name)
	}
}

var validArtifactChars = regexp.MustCompile(`^[A-Za-z0-9_.+!-]*$`)
var buildTagSplit = regexp.MustCompile(`^([0-9]*)(.*)$`)

// genericParse implements the shared "<dist>-<ver>[-<build>]-<tag>...<suffix>"
// grammar that wheel and pybi filenames both follow; tagParts is the number
// of dot-separated compatibility-tag fields the format requires (3 for
// wheels: python-abi-platform, 1 for pybis: platform).
func genericParse(value, suffix string, tagParts int) (Name, version.Version, buildTag, [][]string, error) {
	if !validArtifactChars.MatchString(value) {
		return Name{}, version.Version{}, buildTag{}, nil, &InvalidArtifactName{Input: value, Reason: "contains characters outside [A-Za-z0-9_.+!-]"}
	}
	stem, ok := strings.CutSuffix(value, suffix)
	if !ok {
		return Name{}, version.Version{}, buildTag{}, nil, &InvalidArtifactName{Input: value, Reason: "expected to end in " + suffix}
	}

	pieces := strings.Split(stem, "-")

	var build buildTag
	if len(pieces) == 3+tagParts {
		tag := pieces[2]
		pieces = append(pieces[:2], pieces[3:]...)
		if tag == "" {
			return Name{}, version.Version{}, buildTag{}, nil, &InvalidArtifactName{Input: value, Reason: "empty build tag"}
		}
		m := buildTagSplit.FindStringSubmatch(tag)
		if m[1] != "" {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				build.Number = &n
			}
		}
		build.Name = m[2]
	}

	if len(pieces) != 2+tagParts {
		return Name{}, version.Version{}, buildTag{}, nil, &InvalidArtifactName{Input: value, Reason: "wrong number of dash-separated fields"}
	}

	dist, err := ParseName(pieces[0])
	if err != nil {
		return Name{}, version.Version{}, buildTag{}, nil, err
	}
	v, err := version.Parse(pieces[1])
	if err != nil {
		return Name{}, version.Version{}, buildTag{}, nil, err
	}
	tagSets := make([][]string, tagParts)
	for i, compressed := range pieces[2:] {
		tagSets[i] = strings.Split(compressed, ".")
	}
	return dist, v, build, tagSets, nil
}

// WheelName is a parsed "<dist>-<ver>[-<build>]-<py>-<abi>-<plat>.whl".
// https://packaging.python.org/specifications/binary-distribution-format/#file-name-convention
type WheelName struct {
	Distribution Name
	Version      version.Version
	Build        buildTag
	PyTags       []string
	ABITags      []string
	ArchTags     []string
}

func ParseWheelName(filename string) (WheelName, error) {
	dist, v, build, tagSets, err := genericParse(filename, ".whl", 3)
	if err != nil {
		return WheelName{}, err
	}
	return WheelName{
		Distribution: dist,
		Version:      v,
		Build:        build,
		PyTags:       tagSets[0],
		ABITags:      tagSets[1],
		ArchTags:     tagSets[2],
	}, nil
}

// AllTags returns every "<py>-<abi>-<arch>" compatibility tag this wheel
// declares support for, the cross product of its three tag lists.
func (n WheelName) AllTags() []string {
	var out []string
	for _, py := range n.PyTags {
		for _, abi := range n.ABITags {
			for _, arch := range n.ArchTags {
				out = append(out, py+"-"+abi+"-"+arch)
			}
		}
	}
	return out
}

func (n WheelName) String() string {
	return fmt.Sprintf("%s-%s%s-%s-%s-%s.whl",
		n.Distribution.AsGiven(), n.Version, formatBuildTag(n.Build),
		strings.Join(n.PyTags, "."), strings.Join(n.ABITags, "."), strings.Join(n.ArchTags, "."))
}

// PybiName is a parsed "<dist>-<ver>[-<build>]-<arch>.pybi" (a redistributable
// Python interpreter build).
type PybiName struct {
	Distribution Name
	Version      version.Version
	Build        buildTag
	ArchTags     []string
}

func ParsePybiName(filename string) (PybiName, error) {
	dist, v, build, tagSets, err := genericParse(filename, ".pybi", 1)
	if err != nil {
		return PybiName{}, err
	}
	return PybiName{Distribution: dist, Version: v, Build: build, ArchTags: tagSets[0]}, nil
}

func (n PybiName) AllTags() []string { return n.ArchTags }

func (n PybiName) String() string {
	return fmt.Sprintf("%s-%s%s-%s.pybi",
		n.Distribution.AsGiven(), n.Version, formatBuildTag(n.Build), strings.Join(n.ArchTags, "."))
}

// SplitMultiplatformPybis expands a pybi name carrying several arch tags (or
// a macOS "universal2" combined tag) into one PybiName per concrete
// platform, so the resolver and installer never have to reason about
// multi-platform artifacts directly.
func (n PybiName) SplitMultiplatformPybis() []PybiName {
	var expanded []PybiName
	for _, tag := range n.ArchTags {
		for _, single := range expandUniversal2(tag) {
			variant := n
			variant.ArchTags = []string{single}
			expanded = append(expanded, variant)
		}
	}
	return expanded
}

func expandUniversal2(tag string) []string {
	const suffix = "_universal2"
	if strings.HasPrefix(tag, "macosx_") && strings.HasSuffix(tag, suffix) {
		prefix := strings.TrimSuffix(tag, suffix)
		return []string{prefix + "_arm64", prefix + "_x86_64"}
	}
	return []string{tag}
}

// Kind identifies which of the three artifact grammars a name belongs to.
type Kind int

const (
	KindSdist Kind = iota
	KindWheel
	KindPybi
)

// ArtifactName is the union of the three artifact filename grammars, used
// wherever code needs to handle "whatever kind of downloadable thing this
// is" uniformly (index pages mix all three).
type ArtifactName struct {
	Kind  Kind
	Sdist SdistName
	Wheel WheelName
	Pybi  PybiName
}

func ParseArtifactName(filename string) (ArtifactName, error) {
	switch {
	case strings.HasSuffix(filename, ".whl"):
		w, err := ParseWheelName(filename)
		return ArtifactName{Kind: KindWheel, Wheel: w}, err
	case strings.HasSuffix(filename, ".pybi"):
		p, err := ParsePybiName(filename)
		return ArtifactName{Kind: KindPybi, Pybi: p}, err
	default:
		s, err := ParseSdistName(filename)
		return ArtifactName{Kind: KindSdist, Sdist: s}, err
	}
}

func (a ArtifactName) Distribution() Name {
	switch a.Kind {
	case KindWheel:
		return a.Wheel.Distribution
	case KindPybi:
		return a.Pybi.Distribution
	default:
		return a.Sdist.Distribution
	}
}

func (a ArtifactName) Version() version.Version {
	switch a.Kind {
	case KindWheel:
		return a.Wheel.Version
	case KindPybi:
		return a.Pybi.Version
	default:
		return a.Sdist.Version
	}
}

func (a ArtifactName) String() string {
	switch a.Kind {
	case KindWheel:
		return a.Wheel.String()
	case KindPybi:
		return a.Pybi.String()
	default:
		return a.Sdist.String()
	}
}

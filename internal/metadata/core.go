package metadata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// UnsupportedMetadataVersion reports a Metadata-Version, Wheel-Version or
// Pybi-Version whose major component this package doesn't know how to read.
type UnsupportedMetadataVersion struct {
	Kind    string
	Version string
}

func (e *UnsupportedMetadataVersion) Error() string {
	return fmt.Sprintf("unsupported %s %q", e.Kind, e.Version)
}

// InvalidPybiField reports a Pybi-* field whose value doesn't parse as the
// JSON object its name promises.
type InvalidPybiField struct {
	Field  string
	Reason string
}

func (e *InvalidPybiField) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func majorVersion(v string) (int, error) {
	parts := strings.SplitN(v, ".", 2)
	return strconv.Atoi(parts[0])
}

// CoreMetadata is a parsed package METADATA (or legacy PKG-INFO) document.
// The trailing body, if any, is folded into a synthetic "Description"
// field — which is how Python's own email-based parser treats it, and core
// metadata actually defines Description both as a header and as the body.
type CoreMetadata struct {
	Parsed
}

// ParseCoreMetadata parses data as core metadata, requiring a Metadata-
// Version field whose major version is one this package understands (1-2).
func ParseCoreMetadata(data string) (CoreMetadata, error) {
	parsed, err := Parse(data)
	if err != nil {
		return CoreMetadata{}, err
	}
	if parsed.Body != nil {
		parsed.Fields["Description"] = append(parsed.Fields["Description"], *parsed.Body)
	}
	ver, err := parsed.TakeOne("Metadata-Version")
	if err != nil {
		return CoreMetadata{}, err
	}
	major, err := majorVersion(ver)
	if err != nil || major != 1 && major != 2 {
		return CoreMetadata{}, &UnsupportedMetadataVersion{Kind: "Metadata-Version", Version: ver}
	}
	return CoreMetadata{Parsed: parsed}, nil
}

func (m CoreMetadata) Name() (string, error) { return m.TakeOne("Name") }

func (m CoreMetadata) Version() (string, error) { return m.TakeOne("Version") }

func (m CoreMetadata) RequiresPython() (string, bool, error) {
	return m.MaybeTakeOne("Requires-Python")
}

func (m CoreMetadata) RequiresDist() []string { return m.Fields["Requires-Dist"] }

func (m CoreMetadata) ProvidesExtra() []string { return m.Fields["Provides-Extra"] }

// WheelTagTemplates returns every Pybi-Wheel-Tag field value, in document
// order, for an interpreter's own core METADATA: a single interpreter can
// declare several templates (e.g. one for its ABI3-stable tag and one for
// its exact-version tag). Absent on library metadata.
func (m CoreMetadata) WheelTagTemplates() []string {
	return m.Fields["Pybi-Wheel-Tag"]
}

// EnvironmentMarkerVariables parses the Pybi-Environment-Marker-Variables
// field, a JSON object mapping PEP 508 marker variable names to the values
// this interpreter build provides for them.
func (m CoreMetadata) EnvironmentMarkerVariables() (map[string]string, error) {
	raw, err := m.TakeOne("Pybi-Environment-Marker-Variables")
	if err != nil {
		return nil, err
	}
	var vars map[string]string
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return nil, &InvalidPybiField{Field: "Pybi-Environment-Marker-Variables", Reason: err.Error()}
	}
	return vars, nil
}

// Paths parses the Pybi-Paths field, a JSON object mapping logical path
// keys (purelib, platlib, scripts, include, data, ...) to paths relative to
// the unpacked interpreter's root.
func (m CoreMetadata) Paths() (map[string]string, error) {
	raw, err := m.TakeOne("Pybi-Paths")
	if err != nil {
		return nil, err
	}
	var paths map[string]string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		return nil, &InvalidPybiField{Field: "Pybi-Paths", Reason: err.Error()}
	}
	return paths, nil
}

// WheelMetadata is a parsed WHEEL file (the wheel archive's own manifest,
// distinct from the package's core METADATA).
type WheelMetadata struct {
	Parsed
}

func ParseWheelMetadata(data string) (WheelMetadata, error) {
	parsed, err := Parse(data)
	if err != nil {
		return WheelMetadata{}, err
	}
	ver, err := parsed.TakeOne("Wheel-Version")
	if err != nil {
		return WheelMetadata{}, err
	}
	major, err := majorVersion(ver)
	if err != nil || major != 1 {
		return WheelMetadata{}, &UnsupportedMetadataVersion{Kind: "Wheel-Version", Version: ver}
	}
	return WheelMetadata{Parsed: parsed}, nil
}

func (m WheelMetadata) RootIsPurelib() (bool, error) {
	v, err := m.TakeOne("Root-Is-Purelib")
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// PybiMetadata is a parsed PYBI file, describing a redistributable Python
// interpreter build.
type PybiMetadata struct {
	Parsed
}

func ParsePybiMetadata(data string) (PybiMetadata, error) {
	parsed, err := Parse(data)
	if err != nil {
		return PybiMetadata{}, err
	}
	ver, err := parsed.TakeOne("Pybi-Version")
	if err != nil {
		return PybiMetadata{}, err
	}
	major, err := majorVersion(ver)
	if err != nil || major != 1 {
		return PybiMetadata{}, &UnsupportedMetadataVersion{Kind: "Pybi-Version", Version: ver}
	}
	return PybiMetadata{Parsed: parsed}, nil
}

// Package requirement parses PEP 508 dependency specifiers: a package name,
// optional extras, an optional version specifier set, and an optional
// environment marker.
package requirement

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bilusteknoloji/envforge/internal/pkgname"
	"github.com/bilusteknoloji/envforge/internal/version"
)

// Requirement is one fully parsed dependency line, e.g.
// `requests[socks]>=2.25,<3; python_version >= "3.7"`.
type Requirement struct {
	Name       pkgname.Name
	Extras     []string
	Specifiers version.SpecifierSet
	Marker     Node // nil means "always true"
}

// UnsupportedDirectURL reports a requirement using the "name @ url" direct-
// reference form, which envforge resolves only against index artifacts.
type UnsupportedDirectURL struct {
	Input string
}

func (e *UnsupportedDirectURL) Error() string {
	return fmt.Sprintf("direct URL requirements are not supported: %q", e.Input)
}

// InvalidRequirement reports a string that doesn't match the PEP 508
// requirement grammar at all.
type InvalidRequirement struct {
	Input  string
	Reason string
}

func (e *InvalidRequirement) Error() string {
	return fmt.Sprintf("invalid requirement %q: %s", e.Input, e.Reason)
}

var nameHeadPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*`)
var extrasPattern = regexp.MustCompile(`^\s*\[([^\]]*)\]`)

// Parse parses a single PEP 508 requirement string.
func Parse(s string) (Requirement, error) {
	s = strings.TrimSpace(s)

	nameSpec, markerStr, hasMarker := cutFirst(s, ";")

	nameSpec = strings.TrimSpace(nameSpec)
	m := nameHeadPattern.FindString(nameSpec)
	if m == "" {
		return Requirement{}, &InvalidRequirement{Input: s, Reason: "expected a package name"}
	}
	name, err := pkgname.ParseName(m)
	if err != nil {
		return Requirement{}, err
	}
	rest := nameSpec[len(m):]

	var extras []string
	if em := extrasPattern.FindStringSubmatch(rest); em != nil {
		for _, e := range strings.Split(em[1], ",") {
			e = strings.TrimSpace(e)
			if e != "" {
				extras = append(extras, pkgname.Normalize(e))
			}
		}
		rest = rest[len(em[0]):]
	}

	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "@") {
		return Requirement{}, &UnsupportedDirectURL{Input: s}
	}

	// PEP 508 also allows a parenthesized specifier: "foo (>=1.0)".
	rest = strings.TrimPrefix(rest, "(")
	rest = strings.TrimSuffix(rest, ")")
	rest = strings.TrimSpace(rest)

	var specifiers version.SpecifierSet
	if rest != "" {
		specifiers, err = version.ParseSpecifierSet(rest)
		if err != nil {
			return Requirement{}, err
		}
	}

	var marker Node
	if hasMarker {
		marker, err = ParseMarker(strings.TrimSpace(markerStr))
		if err != nil {
			return Requirement{}, err
		}
	}

	return Requirement{Name: name, Extras: extras, Specifiers: specifiers, Marker: marker}, nil
}

func cutFirst(s, sep string) (before, after string, found bool) {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

// Evaluate reports whether the requirement's marker (if any) is satisfied
// by env. A requirement with no marker always evaluates to true.
func (r Requirement) Evaluate(env Env) (bool, error) {
	if r.Marker == nil {
		return true, nil
	}
	return r.Marker.Eval(env)
}

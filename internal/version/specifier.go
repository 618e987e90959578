package version

import (
	"fmt"
	"strings"
)

// CompareOp is a PEP 440 version-comparison operator.
type CompareOp int

const (
	LessThanEqual CompareOp = iota
	StrictlyLessThan
	NotEqual
	OpEqual
	GreaterThanEqual
	StrictlyGreaterThan
	Compatible
)

func (op CompareOp) String() string {
	switch op {
	case LessThanEqual:
		return "<="
	case StrictlyLessThan:
		return "<"
	case NotEqual:
		return "!="
	case OpEqual:
		return "=="
	case GreaterThanEqual:
		return ">="
	case StrictlyGreaterThan:
		return ">"
	case Compatible:
		return "~="
	default:
		return "?"
	}
}

// UnsupportedOperator reports a comparison operator the grammar doesn't
// know, including the explicitly-rejected arbitrary-equality "===".
type UnsupportedOperator struct {
	Op string
}

func (e *UnsupportedOperator) Error() string {
	return fmt.Sprintf("unsupported version comparison operator: %q", e.Op)
}

// ParseCompareOp parses one of the seven supported comparison operator
// tokens (every PEP 440 operator except arbitrary equality "===").
func ParseCompareOp(s string) (CompareOp, error) {
	switch s {
	case "==":
		return OpEqual, nil
	case "!=":
		return NotEqual, nil
	case "<=":
		return LessThanEqual, nil
	case "<":
		return StrictlyLessThan, nil
	case ">=":
		return GreaterThanEqual, nil
	case ">":
		return StrictlyGreaterThan, nil
	case "~=":
		return Compatible, nil
	default:
		return 0, &UnsupportedOperator{Op: s}
	}
}

// Range is a half-open version interval [Low, High) used as the unit of
// specifier-to-range conversion.
type Range struct {
	Low  Version
	High Version
}

func (r Range) Contains(v Version) bool {
	return Compare(v, r.Low) >= 0 && Compare(v, r.High) < 0
}

// InvalidWildcard reports a version wildcard ("X.Y.*") used somewhere the
// grammar forbids, or combined with a dev/local suffix.
type InvalidWildcard struct {
	Input  string
	Reason string
}

func (e *InvalidWildcard) Error() string {
	return fmt.Sprintf("invalid version wildcard %q: %s", e.Input, e.Reason)
}

func parseVersionWildcard(input string) (Version, bool, error) {
	vstr, wildcard := input, false
	if rest, ok := strings.CutSuffix(input, ".*"); ok {
		vstr, wildcard = rest, true
	}
	v, err := Parse(vstr)
	if err != nil {
		return Version{}, false, err
	}
	return v, wildcard, nil
}

// ToRanges converts a comparison like ">= 1.2" into a union of half-open
// ranges. It takes the raw rhs string rather than a parsed Version because
// == and != accept "X.Y.*" wildcards, which are not themselves valid
// versions.
func (op CompareOp) ToRanges(rhs string) ([]Range, error) {
	version, wildcard, err := parseVersionWildcard(rhs)
	if err != nil {
		return nil, err
	}

	if wildcard {
		if version.dev != nil || len(version.local) > 0 {
			return nil, &InvalidWildcard{Input: rhs, Reason: "wildcards can't have dev or local suffixes"}
		}
		low := version.clone()
		low.dev = uint64Ptr(0)

		high := version.clone()
		switch {
		case high.post != nil:
			*high.post++
		case high.pre != nil:
			high.pre.num++
		default:
			bumpLastRelease(&high)
		}
		high.dev = uint64Ptr(0)

		switch op {
		case OpEqual:
			return []Range{{Low: low, High: high}}, nil
		case NotEqual:
			return []Range{{Low: Zero, High: low}, {Low: high, High: Infinity}}, nil
		default:
			return nil, &InvalidWildcard{Input: rhs, Reason: fmt.Sprintf("can't use wildcard with %s", op)}
		}
	}

	if op != OpEqual && op != NotEqual && len(version.local) > 0 {
		return nil, &InvalidWildcard{Input: rhs, Reason: fmt.Sprintf("operator %s cannot be used on a version with a +local suffix", op)}
	}

	switch op {
	case LessThanEqual:
		return []Range{{Low: Zero, High: version.Next()}}, nil
	case GreaterThanEqual:
		return []Range{{Low: version, High: Infinity}}, nil
	case OpEqual:
		return []Range{{Low: version, High: version.Next()}}, nil
	case NotEqual:
		return []Range{
			{Low: Zero, High: version},
			{Low: version.Next(), High: Infinity},
		}, nil
	case StrictlyGreaterThan:
		// ">V MUST NOT allow a post-release of V unless V itself is a
		// post-release": if V isn't a post-release, require at least
		// one past its release segment before considering post-releases.
		low := version.clone()
		switch {
		case low.dev != nil:
			*low.dev++
		case low.post != nil:
			*low.post++
		default:
			low.post = uint64Ptr(^uint64(0))
		}
		return []Range{{Low: low, High: Infinity}}, nil
	case StrictlyLessThan:
		// "<V MUST NOT allow a pre-release of V unless V itself is a
		// pre-release."
		if version.pre == nil && version.dev == nil {
			newMax := version.clone()
			newMax.dev = uint64Ptr(0)
			newMax.post = nil
			newMax.local = nil
			return []Range{{Low: Zero, High: newMax}}, nil
		}
		return []Range{{Low: Zero, High: version}}, nil
	case Compatible:
		// ~= X.Y.suffixes means >= X.Y.suffixes && == X.*, i.e. the
		// half-open range [X.Y.suffixes, X.(Y+1).dev0).
		if len(version.release) < 2 {
			return nil, &InvalidWildcard{Input: rhs, Reason: "~= operator requires a version with two or more release segments"}
		}
		newMax := Version{
			epoch:   version.epoch,
			release: append([]uint64(nil), version.release...),
			dev:     uint64Ptr(0),
		}
		newMax.release = newMax.release[:len(newMax.release)-1]
		bumpLastRelease(&newMax)
		return []Range{{Low: version, High: newMax}}, nil
	default:
		return nil, &UnsupportedOperator{Op: op.String()}
	}
}

func bumpLastRelease(v *Version) {
	if len(v.release) == 0 {
		v.release = []uint64{1}
		return
	}
	v.release[len(v.release)-1]++
}

// Specifier is one "<op><value>" clause of a requirement's version
// specifier set, e.g. ">=1.2".
type Specifier struct {
	Op    CompareOp
	Value string
}

func (s Specifier) String() string { return s.Op.String() + s.Value }

func (s Specifier) ToRanges() ([]Range, error) { return s.Op.ToRanges(s.Value) }

func (s Specifier) SatisfiedBy(v Version) (bool, error) {
	ranges, err := s.ToRanges()
	if err != nil {
		return false, err
	}
	for _, r := range ranges {
		if r.Contains(v) {
			return true, nil
		}
	}
	return false, nil
}

// SpecifierSet is a comma-separated conjunction of Specifiers, e.g.
// ">=1.2,<2.0".
type SpecifierSet []Specifier

// Any is the specifier set that every version satisfies.
func Any() SpecifierSet { return nil }

func (ss SpecifierSet) SatisfiedBy(v Version) (bool, error) {
	for _, s := range ss {
		ok, err := s.SatisfiedBy(v)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// HasPreReleaseClause reports whether any specifier in the set explicitly
// pins a pre-release or dev version, which per PEP 440 §"Handling of
// pre-releases" opts the whole set into matching pre-releases even when
// the caller would otherwise exclude them.
func (ss SpecifierSet) HasPreReleaseClause() bool {
	for _, s := range ss {
		v, wildcard, err := parseVersionWildcard(s.Value)
		if err != nil {
			continue
		}
		if v.IsPreRelease() && !wildcard {
			return true
		}
	}
	return false
}

func (ss SpecifierSet) String() string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

// ParseSpecifierSet parses a comma-separated specifier-set string such as
// ">=1.2,!=1.5,<2.0".
func ParseSpecifierSet(s string) (SpecifierSet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var set SpecifierSet
	for _, clause := range strings.Split(s, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		opStr, value, err := splitOpValue(clause)
		if err != nil {
			return nil, err
		}
		if opStr == "===" {
			return nil, &UnsupportedOperator{Op: "==="}
		}
		op, err := ParseCompareOp(opStr)
		if err != nil {
			return nil, err
		}
		set = append(set, Specifier{Op: op, Value: strings.TrimSpace(value)})
	}
	return set, nil
}

func splitOpValue(clause string) (string, string, error) {
	ops := []string{"===", "~=", "==", "!=", "<=", ">="}
	for _, op := range ops {
		if strings.HasPrefix(clause, op) {
			return op, clause[len(op):], nil
		}
	}
	if strings.HasPrefix(clause, "<") || strings.HasPrefix(clause, ">") {
		return clause[:1], clause[1:], nil
	}
	return "", "", &InvalidWildcard{Input: clause, Reason: "missing comparison operator"}
}

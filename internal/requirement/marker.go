package requirement

import (
	"fmt"
	"strings"

	"github.com/bilusteknoloji/envforge/internal/version"
)

// Env is the environment-marker variable set a marker expression is
// evaluated against (PEP 508's canonical variable list, plus "extra" which
// is only meaningful while evaluating one package's own requirements).
type Env struct {
	OSName                        string
	SysPlatform                   string
	PlatformMachine               string
	PlatformPythonImplementation  string
	PlatformRelease               string
	PlatformSystem                string
	PlatformVersion               string
	PythonVersion                 string
	PythonFullVersion             string
	ImplementationName            string
	ImplementationVersion         string
	Extra                         string
}

func (e Env) lookup(name string) (string, bool) {
	switch name {
	case "os_name":
		return e.OSName, true
	case "sys_platform":
		return e.SysPlatform, true
	case "platform_machine":
		return e.PlatformMachine, true
	case "platform_python_implementation":
		return e.PlatformPythonImplementation, true
	case "platform_release":
		return e.PlatformRelease, true
	case "platform_system":
		return e.PlatformSystem, true
	case "platform_version":
		return e.PlatformVersion, true
	case "python_version":
		return e.PythonVersion, true
	case "python_full_version":
		return e.PythonFullVersion, true
	case "implementation_name":
		return e.ImplementationName, true
	case "implementation_version":
		return e.ImplementationVersion, true
	case "extra":
		return e.Extra, true
	default:
		return "", false
	}
}

// Node is one node of a parsed marker expression tree.
type Node interface {
	Eval(env Env) (bool, error)
}

// MarkerEvalError reports a marker that failed to evaluate — an unknown
// variable name, or a version-flavored comparison against an unparseable
// version string.
type MarkerEvalError struct {
	Reason string
}

func (e *MarkerEvalError) Error() string { return "marker evaluation error: " + e.Reason }

type andNode struct{ left, right Node }

func (n andNode) Eval(env Env) (bool, error) {
	l, err := n.left.Eval(env)
	if err != nil || !l {
		return false, err
	}
	return n.right.Eval(env)
}

type orNode struct{ left, right Node }

func (n orNode) Eval(env Env) (bool, error) {
	l, err := n.left.Eval(env)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return n.right.Eval(env)
}

// value is either a marker variable or a quoted string literal.
type value struct {
	isVariable bool
	name       string // variable name, if isVariable
	literal    string // literal text, if !isVariable
}

func (v value) resolve(env Env) (string, error) {
	if !v.isVariable {
		return v.literal, nil
	}
	s, ok := env.lookup(v.name)
	if !ok {
		return "", &MarkerEvalError{Reason: fmt.Sprintf("unknown marker variable %q", v.name)}
	}
	return s, nil
}

func versionFlavored(name string) bool {
	return name == "python_version" || name == "python_full_version" || name == "implementation_version"
}

type comparisonNode struct {
	left  value
	op    string
	right value
}

func (n comparisonNode) Eval(env Env) (bool, error) {
	l, err := n.left.resolve(env)
	if err != nil {
		return false, err
	}
	r, err := n.right.resolve(env)
	if err != nil {
		return false, err
	}

	isVersionCmp := (n.left.isVariable && versionFlavored(n.left.name)) ||
		(n.right.isVariable && versionFlavored(n.right.name))

	switch n.op {
	case "in":
		return strings.Contains(r, l), nil
	case "not in":
		return !strings.Contains(r, l), nil
	}

	if isVersionCmp {
		lv, errL := version.Parse(l)
		rv, errR := version.Parse(r)
		if errL == nil && errR == nil {
			cmp := version.Compare(lv, rv)
			switch n.op {
			case "==":
				return cmp == 0, nil
			case "!=":
				return cmp != 0, nil
			case "<":
				return cmp < 0, nil
			case "<=":
				return cmp <= 0, nil
			case ">":
				return cmp > 0, nil
			case ">=":
				return cmp >= 0, nil
			case "~=":
				set, err := version.Compatible.ToRanges(r)
				if err != nil {
					return false, err
				}
				for _, rg := range set {
					if rg.Contains(lv) {
						return true, nil
					}
				}
				return false, nil
			}
		}
		// fall through to string comparison if either side doesn't parse
		// as a PEP 440 version (e.g. python_full_version with a local tag)
	}

	switch n.op {
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	default:
		return false, &MarkerEvalError{Reason: fmt.Sprintf("unsupported marker operator %q", n.op)}
	}
}

// Package version implements PEP 440 version parsing, ordering and the
// specifier-to-range algebra used by the resolver.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// preReleaseKind orders alpha < beta < rc, matching PEP 440's canonical
// suffix normalization (alpha/beta/c/pre/preview all fold into one of
// these three).
type preReleaseKind int

const (
	preAlpha preReleaseKind = iota
	preBeta
	preRC
)

func (k preReleaseKind) letter() string {
	switch k {
	case preAlpha:
		return "a"
	case preBeta:
		return "b"
	default:
		return "rc"
	}
}

type preRelease struct {
	kind preReleaseKind
	num  uint64
}

// localSegment is one dot-separated piece of a +local version suffix.
// Per PEP 440, numeric segments compare as integers and always sort after
// (are "greater than") alphanumeric segments at the same position.
type localSegment struct {
	isNum bool
	num   uint64
	str   string
}

// Version is a parsed, immutable PEP 440 version.
//
// release is stored exactly as parsed (no trailing-zero trimming); trimming
// happens only at comparison time, since the successor/range-algebra logic
// in specifier.go needs to mutate the last release segment as written.
type Version struct {
	epoch   uint64
	release []uint64
	pre     *preRelease
	post    *uint64
	dev     *uint64
	local   []localSegment
}

var versionPattern = regexp.MustCompile(`(?i)^\s*v?` +
	`(?:(?P<epoch>[0-9]+)!)?` +
	`(?P<release>[0-9]+(?:\.[0-9]+)*)` +
	`(?P<pre>[-_.]?(?P<pre_l>alpha|beta|preview|pre|a|b|c|rc)[-_.]?(?P<pre_n>[0-9]+)?)?` +
	`(?P<post>(?:-(?P<post_n1>[0-9]+))|(?:[-_.]?(?P<post_l>post|rev|r)[-_.]?(?P<post_n2>[0-9]+)?))?` +
	`(?P<dev>[-_.]?(?P<dev_l>dev)[-_.]?(?P<dev_n>[0-9]+)?)?` +
	`(?:\+(?P<local>[a-z0-9]+(?:[-_.][a-z0-9]+)*))?` +
	`\s*$`)

// InvalidVersion reports a string that does not match the PEP 440 grammar.
type InvalidVersion struct {
	Input string
}

func (e *InvalidVersion) Error() string {
	return fmt.Sprintf("invalid PEP 440 version: %q", e.Input)
}

// Parse parses a PEP 440 version string.
func Parse(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, &InvalidVersion{Input: s}
	}
	names := versionPattern.SubexpNames()
	group := func(name string) string {
		for i, n := range names {
			if n == name && m[i] != "" {
				return m[i]
			}
		}
		return ""
	}

	var v Version
	if e := group("epoch"); e != "" {
		n, err := strconv.ParseUint(e, 10, 64)
		if err != nil {
			return Version{}, &InvalidVersion{Input: s}
		}
		v.epoch = n
	}

	for _, part := range strings.Split(group("release"), ".") {
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return Version{}, &InvalidVersion{Input: s}
		}
		v.release = append(v.release, n)
	}

	if preL := group("pre_l"); preL != "" {
		kind := normalizePreLetter(preL)
		num := uint64(0)
		if n := group("pre_n"); n != "" {
			parsed, err := strconv.ParseUint(n, 10, 64)
			if err != nil {
				return Version{}, &InvalidVersion{Input: s}
			}
			num = parsed
		}
		v.pre = &preRelease{kind: kind, num: num}
	}

	if n1 := group("post_n1"); n1 != "" {
		parsed, err := strconv.ParseUint(n1, 10, 64)
		if err != nil {
			return Version{}, &InvalidVersion{Input: s}
		}
		v.post = &parsed
	} else if postL := group("post_l"); postL != "" {
		num := uint64(0)
		if n := group("post_n2"); n != "" {
			parsed, err := strconv.ParseUint(n, 10, 64)
			if err != nil {
				return Version{}, &InvalidVersion{Input: s}
			}
			num = parsed
		}
		v.post = &num
	}

	if devL := group("dev_l"); devL != "" {
		num := uint64(0)
		if n := group("dev_n"); n != "" {
			parsed, err := strconv.ParseUint(n, 10, 64)
			if err != nil {
				return Version{}, &InvalidVersion{Input: s}
			}
			num = parsed
		}
		v.dev = &num
	}

	if loc := group("local"); loc != "" {
		for _, part := range localSepPattern.Split(loc, -1) {
			v.local = append(v.local, parseLocalSegment(part))
		}
	}

	return v, nil
}

var localSepPattern = regexp.MustCompile(`[-_.]`)

func parseLocalSegment(s string) localSegment {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return localSegment{isNum: true, num: n}
	}
	return localSegment{str: strings.ToLower(s)}
}

func normalizePreLetter(s string) preReleaseKind {
	switch strings.ToLower(s) {
	case "a", "alpha":
		return preAlpha
	case "b", "beta":
		return preBeta
	default: // c, rc, pre, preview
		return preRC
	}
}

// MustParse parses s and panics on error. Intended for tests and constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Zero is the smallest version any real PEP 440 version will ever compare
// greater than or equal to: "0a0.dev0".
var Zero = MustParse("0a0.dev0")

// Infinity is larger than any version that will appear in practice. There
// is no true maximum PEP 440 version, but specifier ranges need an
// unreachable upper bound.
var Infinity = Version{
	epoch:   ^uint64(0),
	release: []uint64{^uint64(0), ^uint64(0), ^uint64(0)},
	post:    uint64Ptr(^uint64(0)),
}

func uint64Ptr(n uint64) *uint64 { return &n }

// Next returns the smallest PEP 440 version strictly greater than v.
//
// You can't attach a .postN after a .devN (the next value is .dev(N+1)).
// You can't attach a .postN after a .postN (the next value is .post(N+1)).
// You can attach a .postN after anything else, so the next value is .post0.
func (v Version) Next() Version {
	n := v.clone()
	switch {
	case n.dev != nil:
		*n.dev++
	case n.post != nil:
		*n.post++
	default:
		n.post = uint64Ptr(0)
	}
	return n
}

func (v Version) clone() Version {
	n := v
	n.release = append([]uint64(nil), v.release...)
	if v.pre != nil {
		p := *v.pre
		n.pre = &p
	}
	if v.post != nil {
		p := *v.post
		n.post = &p
	}
	if v.dev != nil {
		d := *v.dev
		n.dev = &d
	}
	n.local = append([]localSegment(nil), v.local...)
	return n
}

// Compare returns -1, 0 or 1 as a is less than, equal to, or greater than b,
// using PEP 440's total-ordering rules (the packaging library's _cmpkey
// algorithm): trailing-zero release segments are trimmed before comparing,
// a missing pre-release sorts after all pre-releases unless the version is
// dev-only (in which case it sorts before), a missing post sorts before any
// post, and a missing dev sorts after any dev.
func Compare(a, b Version) int {
	if a.epoch != b.epoch {
		return cmpUint64(a.epoch, b.epoch)
	}
	if c := cmpRelease(trimRelease(a.release), trimRelease(b.release)); c != 0 {
		return c
	}
	if c := comparePreKey(a, b); c != 0 {
		return c
	}
	if c := comparePostKey(a, b); c != 0 {
		return c
	}
	if c := compareDevKey(a, b); c != 0 {
		return c
	}
	return compareLocalKey(a, b)
}

// preKeyClass orders: devOnlyNegInf(0) < preRelease(1) < finalInf(2)
func preKeyClass(v Version) int {
	if v.pre == nil && v.post == nil && v.dev != nil {
		return 0
	}
	if v.pre == nil {
		return 2
	}
	return 1
}

func comparePreKey(a, b Version) int {
	ca, cb := preKeyClass(a), preKeyClass(b)
	if ca != cb {
		return cmpInt(ca, cb)
	}
	if ca != 1 {
		return 0
	}
	if a.pre.kind != b.pre.kind {
		return cmpInt(int(a.pre.kind), int(b.pre.kind))
	}
	return cmpUint64(a.pre.num, b.pre.num)
}

func comparePostKey(a, b Version) int {
	ap, bp := a.post != nil, b.post != nil
	if !ap && !bp {
		return 0
	}
	if !ap {
		return -1
	}
	if !bp {
		return 1
	}
	return cmpUint64(*a.post, *b.post)
}

// compareDevKey: missing dev sorts after (greater than) any dev value.
func compareDevKey(a, b Version) int {
	ad, bd := a.dev != nil, b.dev != nil
	if !ad && !bd {
		return 0
	}
	if !ad {
		return 1
	}
	if !bd {
		return -1
	}
	return cmpUint64(*a.dev, *b.dev)
}

func compareLocalKey(a, b Version) int {
	la, lb := a.local, b.local
	if len(la) == 0 && len(lb) == 0 {
		return 0
	}
	if len(la) == 0 {
		return -1
	}
	if len(lb) == 0 {
		return 1
	}
	// A shorter local version is a prefix of a longer one sorts lower,
	// exactly like Python tuple comparison (which is what the reference
	// implementation's _cmpkey relies on for local-segment ordering).
	for i := 0; i < len(la) || i < len(lb); i++ {
		if i >= len(la) {
			return -1
		}
		if i >= len(lb) {
			return 1
		}
		if c := cmpLocalSegment(la[i], lb[i]); c != 0 {
			return c
		}
	}
	return 0
}

func cmpLocalSegment(a, b localSegment) int {
	if a.isNum && b.isNum {
		return cmpUint64(a.num, b.num)
	}
	if a.isNum != b.isNum {
		// numeric segments always sort after alphanumeric ones
		if a.isNum {
			return 1
		}
		return -1
	}
	return strings.Compare(a.str, b.str)
}

func trimRelease(r []uint64) []uint64 {
	i := len(r)
	for i > 0 && r[i-1] == 0 {
		i--
	}
	return r[:i]
}

func cmpRelease(a, b []uint64) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var av, bv uint64
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if c := cmpUint64(av, bv); c != 0 {
			return c
		}
	}
	return 0
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b.
func Less(a, b Version) bool { return Compare(a, b) < 0 }

// Equal reports whether a and b are the same PEP 440 version (not byte-for-
// byte identical strings: "1.0" and "1.0.0" are Equal).
func Equal(a, b Version) bool { return Compare(a, b) == 0 }

// IsPreRelease reports whether v has an alpha/beta/rc or dev segment.
func (v Version) IsPreRelease() bool {
	return v.pre != nil || v.dev != nil
}

// String renders v in its normalized PEP 440 form.
func (v Version) String() string {
	var b strings.Builder
	if v.epoch != 0 {
		fmt.Fprintf(&b, "%d!", v.epoch)
	}
	for i, seg := range v.release {
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprintf(&b, "%d", seg)
	}
	if v.pre != nil {
		fmt.Fprintf(&b, "%s%d", v.pre.kind.letter(), v.pre.num)
	}
	if v.post != nil {
		fmt.Fprintf(&b, ".post%d", *v.post)
	}
	if v.dev != nil {
		fmt.Fprintf(&b, ".dev%d", *v.dev)
	}
	if len(v.local) > 0 {
		b.WriteByte('+')
		for i, seg := range v.local {
			if i > 0 {
				b.WriteByte('.')
			}
			if seg.isNum {
				fmt.Fprintf(&b, "%d", seg.num)
			} else {
				b.WriteString(seg.str)
			}
		}
	}
	return b.String()
}

package platform

import "strings"

// TagSet is an ordered, duplicate-free set of compatibility tags, best
// match first. It's the common representation behind both PybiPlatform
// (single platform tags like "manylinux_2_17_x86_64") and WheelPlatform
// (compound "<py>-<abi>-<platform>" tags).
type TagSet struct {
	tags  []string
	index map[string]int
}

func newTagSet(tags []string) TagSet {
	ts := TagSet{index: make(map[string]int, len(tags))}
	for _, t := range tags {
		if _, ok := ts.index[t]; ok {
			continue
		}
		ts.index[t] = len(ts.tags)
		ts.tags = append(ts.tags, t)
	}
	return ts
}

// Tags returns the tags in priority order, best first.
func (ts TagSet) Tags() []string { return ts.tags }

// Compatibility returns a score for tag, or (0, false) if it's not
// supported at all. Higher scores are more preferred; scores are only
// meaningful relative to other scores from the same TagSet.
func (ts TagSet) Compatibility(tag string) (int, bool) {
	i, ok := ts.index[tag]
	if !ok {
		return 0, false
	}
	return -i, true
}

// MaxCompatibility scores every tag in tags against ts and returns the best
// score found, or (0, false) if none of them are supported. This is how a
// multi-tag wheel (several py/abi/platform combinations) is scored against
// a single platform: the wheel is as compatible as its single best tag.
func (ts TagSet) MaxCompatibility(tags []string) (int, bool) {
	best := 0
	found := false
	for _, t := range tags {
		if score, ok := ts.Compatibility(t); ok && (!found || score > best) {
			best = score
			found = true
		}
	}
	return best, found
}

// PybiPlatform is the set of platform tags (like "manylinux_2_17_x86_64")
// the target machine satisfies, expanded to include everything an
// interpreter built for a "weaker" tag would also run on.
type PybiPlatform struct {
	TagSet
}

// FromCoreTag builds a PybiPlatform by expanding a single concrete platform
// tag (as would appear in a pybi filename's arch-tag field).
func FromCoreTag(tag string) PybiPlatform {
	return PybiPlatform{TagSet: newTagSet(ExpandTag(tag))}
}

// WheelPlatform is the set of "<py>-<abi>-<platform>" wheel compatibility
// tags a particular installed interpreter can run.
type WheelPlatform struct {
	TagSet
}

// WheelPlatformForPybi derives the wheel tags an interpreter built for this
// PybiPlatform can run, given its WheelTagTemplate values (each either a
// literal tag or a "<prefix>-PLATFORM" template to expand against every
// tag this platform supports).
func (p PybiPlatform) WheelPlatformForPybi(templates []string) WheelPlatform {
	var tags []string
	for _, tmpl := range templates {
		if prefix, ok := strings.CutSuffix(tmpl, "-PLATFORM"); ok {
			for _, platTag := range p.Tags() {
				tags = append(tags, prefix+"-"+platTag)
			}
		} else {
			tags = append(tags, tmpl)
		}
	}
	return WheelPlatform{TagSet: newTagSet(tags)}
}

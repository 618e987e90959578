// Package platform expands and scores PEP 425/600/656 platform compatibility
// tags: manylinux/musllinux minor-version compatibility, legacy manylinux
// aliasing, and macOS arch/version compatibility.
package platform

import (
	"fmt"
	"regexp"
	"strconv"
)

var (
	linuxPattern          = regexp.MustCompile(`^(many|musl)linux_([0-9]+)_([0-9]+)_([a-zA-Z0-9_]*)$`)
	legacyManylinuxPrefix = regexp.MustCompile(`^manylinux(2014|2010|1)_([a-zA-Z0-9_]*)`)
	macosPattern          = regexp.MustCompile(`^macosx_([0-9]+)_([0-9]+)_([a-zA-Z0-9_]*)$`)
	winArchPattern        = regexp.MustCompile(`^win_([a-zA-Z0-9_]+)$`)
)

// ExpandTag expands a single platform tag like "manylinux_2_17_x86_64" or
// "win32" into every other tag guaranteed to be supported by any machine
// that supports the given tag, best-compatibility first. Unrecognized tags
// pass through unchanged.
func ExpandTag(tag string) []string {
	if m := legacyManylinuxPrefix.FindStringSubmatch(tag); m != nil {
		var newPrefix string
		switch m[1] {
		case "2014":
			newPrefix = "manylinux_2_17"
		case "2010":
			newPrefix = "manylinux_2_12"
		case "1":
			newPrefix = "manylinux_2_5"
		}
		tag = fmt.Sprintf("%s_%s", newPrefix, m[2])
	}

	if m := linuxPattern.FindStringSubmatch(tag); m != nil {
		variant := m[1]
		major, _ := strconv.Atoi(m[2])
		maxMinor, _ := strconv.Atoi(m[3])
		arch := m[4]

		var tags []string
		for minor := maxMinor; minor >= 0; minor-- {
			tags = append(tags, fmt.Sprintf("%slinux_%d_%d_%s", variant, major, minor, arch))
			if variant == "many" {
				switch {
				case major == 2 && minor == 17:
					tags = append(tags, "manylinux2014_"+arch)
				case major == 2 && minor == 12:
					tags = append(tags, "manylinux2010_"+arch)
				case major == 2 && minor == 5:
					tags = append(tags, "manylinux1_"+arch)
				}
			}
		}
		return tags
	}

	if m := macosPattern.FindStringSubmatch(tag); m != nil {
		major, _ := strconv.Atoi(m[1])
		minor, _ := strconv.Atoi(m[2])
		arch := m[3]

		if major >= 10 {
			var arches []string
			switch arch {
			case "x86_64":
				arches = []string{"x86_64", "universal2", "intel", "fat64", "fat3", "universal"}
			case "arm64":
				arches = []string{"arm64", "universal2"}
			default:
				arches = []string{arch}
			}

			max10Minor := 15
			if major == 10 {
				max10Minor = minor
			}

			type ver struct{ major, minor int }
			var allVers []ver
			for m := major; m >= 11; m-- {
				allVers = append(allVers, ver{m, 0})
			}
			for m := max10Minor; m >= 0; m-- {
				allVers = append(allVers, ver{10, m})
			}

			var tags []string
			for _, v := range allVers {
				for _, a := range arches {
					tags = append(tags, fmt.Sprintf("macosx_%d_%d_%s", v.major, v.minor, a))
				}
			}
			return tags
		}
	}

	return []string{tag}
}

// MachineFromArchTag extracts the machine/architecture token a single
// platform tag encodes, for synthesizing a platform_machine environment-
// marker value when an interpreter's own metadata doesn't provide one.
// Unrecognized tags report ("", false).
func MachineFromArchTag(tag string) (string, bool) {
	switch tag {
	case "win32":
		return "x86", true
	}
	if m := winArchPattern.FindStringSubmatch(tag); m != nil {
		return m[1], true
	}
	if m := linuxPattern.FindStringSubmatch(tag); m != nil {
		return m[4], true
	}
	if m := legacyManylinuxPrefix.FindStringSubmatch(tag); m != nil {
		return m[2], true
	}
	if m := macosPattern.FindStringSubmatch(tag); m != nil {
		return m[3], true
	}
	return "", false
}

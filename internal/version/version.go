// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package version houses the version information for dcrconnd.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// semanticAlphabet defines the allowed characters for the pre-release and
// build metadata portions of a semantic version string.
const semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

// semverRE splits a semantic version string into its constituent parts.
var semverRE = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
	`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*` +
	`[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

var (
	// Version is the application version per the semantic versioning 2.0.0
	// spec (https://semver.org/).
	//
	// It may be overridden during the build process with:
	// '-ldflags "-X github.com/decred/dcrconnd/internal/version.Version=fullsemver"'
	//
	// It MUST be a full semantic version or the package will panic at
	// runtime.
	Version = "0.1.0-pre"

	// The following are set via init by parsing Version.  BuildMetadata is
	// filled from the VCS revision embedded by the go tool when Version does
	// not carry any.
	Major         uint
	Minor         uint
	Patch         uint
	PreRelease    string
	BuildMetadata string
)

// semVer is a parsed semantic version.
type semVer struct {
	major, minor, patch uint
	pre, build          string
}

// String returns the version formatted per the semantic versioning spec.
func (v *semVer) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.major, v.minor, v.patch)
	if v.pre != "" {
		s += "-" + v.pre
	}
	if v.build != "" {
		s += "+" + v.build
	}
	return s
}

// parseSemVer parses the various semver components from the provided string.
func parseSemVer(s string) (*semVer, error) {
	m := semverRE.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("malformed version string %q: does not "+
			"conform to semver specification", s)
	}

	var v semVer
	fields := []struct {
		name string
		str  string
		dst  *uint
	}{
		{"major", m[1], &v.major},
		{"minor", m[2], &v.minor},
		{"patch", m[3], &v.patch},
	}
	for _, f := range fields {
		val, err := strconv.ParseUint(f.str, 10, 0)
		if err != nil {
			return nil, fmt.Errorf("malformed semver %s: %w", f.name, err)
		}
		*f.dst = uint(val)
	}

	v.pre, v.build = m[4], m[5]
	if err := checkSemString(v.pre, "pre-release"); err != nil {
		return nil, err
	}
	if err := checkSemString(v.build, "buildmetadata"); err != nil {
		return nil, err
	}
	return &v, nil
}

// checkSemString returns an error if the passed string contains characters
// outside of semanticAlphabet.
func checkSemString(s, fieldName string) error {
	for _, r := range s {
		if !strings.ContainsRune(semanticAlphabet, r) {
			return fmt.Errorf("malformed semver %s: %q invalid", fieldName, r)
		}
	}
	return nil
}

func init() {
	v, err := parseSemVer(Version)
	if err != nil {
		panic(err)
	}
	if v.build == "" {
		v.build = NormalizeString(vcsCommitID())
		Version = v.String()
	}
	Major, Minor, Patch = v.major, v.minor, v.patch
	PreRelease, BuildMetadata = v.pre, v.build
}

// String returns the application version as a properly formed string per the
// semantic versioning 2.0.0 spec (https://semver.org/).
func String() string {
	return Version
}

// NormalizeString returns the passed string stripped of all characters which
// are not valid for pre-release and build metadata strings.
func NormalizeString(str string) string {
	var b strings.Builder
	for _, r := range str {
		if strings.ContainsRune(semanticAlphabet, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

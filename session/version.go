package session

import (
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"

	"mini-s2s/errdefs"
)

// CompareVersions compares dotted versions numerically and returns -1, 0 or 1.
// Missing components count as zero, so "3.1" equals "3.1.0".
func CompareVersions(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(*vb), nil
}

func parseVersion(s string) (*semver.Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	switch strings.Count(s, ".") {
	case 0:
		s += ".0.0"
	case 1:
		s += ".0"
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %w", errdefs.ErrIncompatibleVersion, s, err)
	}
	return v, nil
}

// checkCompatible verifies that the registry is new enough for this client and that
// this client satisfies the registry's minimum.
func checkCompatible(serverVersion, minClientVersion string) error {
	if serverVersion != "" {
		c, err := CompareVersions(serverVersion, MinRegistryVersion)
		if err != nil {
			return err
		}
		if c < 0 {
			return fmt.Errorf("%w: registry %s < %s", errdefs.ErrIncompatibleVersion, serverVersion, MinRegistryVersion)
		}
	}
	if minClientVersion != "" {
		c, err := CompareVersions(ClientVersion, minClientVersion)
		if err != nil {
			return err
		}
		if c < 0 {
			return fmt.Errorf("%w: client %s < %s", errdefs.ErrIncompatibleVersion, ClientVersion, minClientVersion)
		}
	}
	return nil
}

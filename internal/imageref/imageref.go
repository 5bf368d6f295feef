// Package imageref splices a release into an existing container image
// reference.
package imageref

import (
	_ "crypto/sha256" // registers the digest algorithm used by image digests
	"fmt"
	"strings"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// Splice returns the image that results from applying release to current.
//
// A release of the form "<algorithm>:<hex>" pins current's repository to
// that digest. A release containing '/', ':' or '@' is a complete image
// reference and replaces current as is. Anything else is treated as a tag
// and replaces current's tag or digest, so "registry:5000/app:v1" spliced
// with "v2" is "registry:5000/app:v2".
//
// References are not normalized: "nginx" stays "nginx" rather than
// becoming "docker.io/library/nginx", so a workload already on the target
// release compares equal to the result.
func Splice(current, release string) (string, error) {
	if release == "" {
		return current, nil
	}

	if d, err := digest.Parse(release); err == nil {
		named, err := Repository(current)
		if err != nil {
			return "", err
		}
		pinned, err := reference.WithDigest(named, d)
		if err != nil {
			return "", fmt.Errorf("pin %s to %s: %w", current, release, err)
		}
		return pinned.String(), nil
	} else if strings.HasPrefix(release, string(digest.SHA256)+":") {
		return "", fmt.Errorf("invalid release digest %q: %w", release, err)
	}

	if strings.ContainsAny(release, "/:@") {
		if _, err := reference.Parse(release); err != nil {
			return "", fmt.Errorf("invalid release image %q: %w", release, err)
		}
		return release, nil
	}

	named, err := Repository(current)
	if err != nil {
		return "", err
	}
	tagged, err := reference.WithTag(named, release)
	if err != nil {
		return "", fmt.Errorf("invalid release tag %q: %w", release, err)
	}
	return tagged.String(), nil
}

// Repository parses ref and strips its tag and digest. A colon that belongs
// to a registry host port is kept.
func Repository(ref string) (reference.Named, error) {
	parsed, err := reference.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid image %q: %w", ref, err)
	}
	named, ok := parsed.(reference.Named)
	if !ok {
		return nil, fmt.Errorf("image %q has no repository name", ref)
	}
	return reference.TrimNamed(named), nil
}

package sync

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/cellsync/errors"
)

// Shape of the trie. Any change here is a new protocol version.
const (
	ProtocolVersion = "1.0.0"
	HashAlgorithm   = "blake3-256"
	FanOut          = 16
	Depth           = 12

	// DefaultLeafThreshold is the subtree size at which reconciliation stops
	// descending and compares leaves directly.
	DefaultLeafThreshold = 64
)

// Params describes the tree shape a peer uses. Two peers can only compare
// hashes when their params are compatible.
type Params struct {
	Version string `json:"version"`
	Hash    string `json:"hash"`
	FanOut  int    `json:"fan_out"`
	Depth   int    `json:"depth"`
}

// DefaultParams is the shape this build implements.
func DefaultParams() Params {
	return Params{
		Version: ProtocolVersion,
		Hash:    HashAlgorithm,
		FanOut:  FanOut,
		Depth:   Depth,
	}
}

// Compatible returns ErrProtocolMismatch unless remote uses the same shape
// and a protocol version with the same major number.
func (p Params) Compatible(remote Params) error {
	if remote.Hash != p.Hash || remote.FanOut != p.FanOut || remote.Depth != p.Depth {
		return errors.WithHint(
			errors.Wrapf(errors.ErrProtocolMismatch, "peer tree %s/%d/%d, local %s/%d/%d",
				remote.Hash, remote.FanOut, remote.Depth, p.Hash, p.FanOut, p.Depth),
			"both peers must run builds with the same tree shape")
	}

	local, err := semver.NewVersion(p.Version)
	if err != nil {
		return errors.Wrapf(err, "local protocol version %q", p.Version)
	}
	theirs, err := semver.NewVersion(remote.Version)
	if err != nil {
		return errors.Wrapf(errors.ErrProtocolMismatch, "peer protocol version %q: %v", remote.Version, err)
	}

	constraint, err := semver.NewConstraint(fmt.Sprintf("%d.x", local.Major()))
	if err != nil {
		return errors.Wrap(err, "protocol constraint")
	}
	if !constraint.Check(theirs) {
		return errors.WithHint(
			errors.Wrapf(errors.ErrProtocolMismatch, "peer protocol %s, local %s", theirs, local),
			"upgrade the older peer")
	}
	return nil
}

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package version maps room version tags to the feature flags that
// alter authorization behavior.
package version

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned when a room version tag is unknown.
var ErrUnsupported = errors.New("unsupported room version")

// RoomVersion is the feature record for one room version. Immutable
// once constructed.
type RoomVersion struct {
	Tag string

	// IntegerPowerLevels rejects the legacy string encoding of power
	// levels.
	IntegerPowerLevels bool
	// AllowKnocking enables the knock membership and join rule.
	AllowKnocking bool
	// AllowRestrictedJoins enables the restricted join rule.
	AllowRestrictedJoins bool
	// AllowKnockRestricted enables the combined knock_restricted join
	// rule.
	AllowKnockRestricted bool
	// UpdatedRedactionRules applies the revised redaction allowances.
	UpdatedRedactionRules bool
}

// Version 1 rooms predate the multi-pass resolution algorithm and are
// deliberately absent: resolving one here would produce a different
// state than the servers that still speak the original algorithm.
var versions = map[string]RoomVersion{
	"2":  {Tag: "2"},
	"3":  {Tag: "3"},
	"4":  {Tag: "4"},
	"5":  {Tag: "5"},
	"6":  {Tag: "6"},
	"7":  {Tag: "7", AllowKnocking: true},
	"8":  {Tag: "8", AllowKnocking: true, AllowRestrictedJoins: true},
	"9":  {Tag: "9", AllowKnocking: true, AllowRestrictedJoins: true},
	"10": {Tag: "10", AllowKnocking: true, AllowRestrictedJoins: true, AllowKnockRestricted: true, IntegerPowerLevels: true},
	"11": {Tag: "11", AllowKnocking: true, AllowRestrictedJoins: true, AllowKnockRestricted: true, IntegerPowerLevels: true, UpdatedRedactionRules: true},
}

// New returns the feature record for tag, or ErrUnsupported.
func New(tag string) (RoomVersion, error) {
	v, ok := versions[tag]
	if !ok {
		return RoomVersion{}, fmt.Errorf("%w: %q", ErrUnsupported, tag)
	}
	return v, nil
}

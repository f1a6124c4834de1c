// Package airplay implements the AirPlay 1/2 protocol: feature parsing,
// URL playback over the receiver's HTTP surface, HAP-authenticated
// channels, and the MRP-over-AirPlay tunnel used by tvOS and HomePod.
package airplay

import (
	"strconv"
	"strings"

	"github.com/airtv-go/airtv/internal/models"
)

// Features is the 64-bit AirPlay feature bitmap.
type Features uint64

// Feature flags referenced by this implementation.
const (
	SupportsVideoV1                       Features = 1 << 0
	SupportsPhoto                         Features = 1 << 1
	SupportsAudio                         Features = 1 << 9
	SupportsUnifiedMediaControl           Features = 1 << 38
	SupportsBufferedAudio                 Features = 1 << 40
	SupportsPTP                           Features = 1 << 41
	SupportsCoreUtilsPairingAndEncryption Features = 1 << 48
	SupportsTransientPairing              Features = 1 << 51
	SupportsUnifiedAdvertiserInfo         Features = 1 << 60
)

// Has reports whether all given flags are set.
func (f Features) Has(flag Features) bool { return f&flag == flag }

// ParseFeatures parses the feature property: either one hex word or two
// comma-separated hex words, the second being the upper 32 bits.
func ParseFeatures(value string) (Features, error) {
	if value == "" {
		return 0, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) > 2 {
		return 0, models.ProtocolErrorf("airplay: malformed feature string %q", value)
	}
	words := make([]uint64, len(parts))
	for i, part := range parts {
		word, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(part), "0x"), 16, 32)
		if err != nil {
			return 0, models.ProtocolErrorf("airplay: malformed feature word %q", part)
		}
		words[i] = word
	}
	features := Features(words[0])
	if len(words) == 2 {
		features |= Features(words[1] << 32)
	}
	return features, nil
}

// Version selects between AirPlay 1 and 2.
type Version int

const (
	VersionAuto Version = iota
	VersionV1
	VersionV2
)

// ServiceFeatures extracts the feature bitmap from service properties
// ("features" on _airplay, "ft" on _raop).
func ServiceFeatures(service *models.MutableService) Features {
	for _, key := range []string{"features", "ft"} {
		if value, ok := service.Property(key); ok {
			if features, err := ParseFeatures(value); err == nil {
				return features
			}
		}
	}
	return 0
}

// ProtocolVersion decides which protocol generation to speak: v2 when the
// device announces unified media control or core-utils pairing, v1
// otherwise. A non-auto preference wins.
func ProtocolVersion(service *models.MutableService, preferred Version) Version {
	if preferred != VersionAuto {
		return preferred
	}
	features := ServiceFeatures(service)
	if features.Has(SupportsUnifiedMediaControl) || features.Has(SupportsCoreUtilsPairingAndEncryption) {
		return VersionV2
	}
	return VersionV1
}

// Package heading turns raw device-orientation readings into a compass heading
// and smooths the resulting stream.
package heading

import (
	"strings"

	"github.com/noorlabs/qiblad/internal/geo"
)

// Platform identifies the heading convention a device reports in.
type Platform int

const (
	// PlatformOther covers Android and desktop browsers: alpha grows counter-clockwise.
	PlatformOther Platform = iota
	// PlatformIOS covers iPhone/iPad: alpha already behaves like a heading.
	PlatformIOS
)

func (p Platform) String() string {
	if p == PlatformIOS {
		return "ios"
	}
	return "other"
}

// ParsePlatform maps a client-declared platform name to a Platform.
// Unknown names are treated as PlatformOther.
func ParsePlatform(name string) Platform {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ios", "ipados":
		return PlatformIOS
	default:
		return PlatformOther
	}
}

// DetectPlatform sniffs a user agent for the iOS family. This is best effort;
// a platform declared explicitly by the client should be preferred.
func DetectPlatform(userAgent string) Platform {
	ua := strings.ToLower(userAgent)
	for _, marker := range []string{"iphone", "ipad", "ipod"} {
		if strings.Contains(ua, marker) {
			return PlatformIOS
		}
	}
	// iPadOS 13+ reports a desktop Safari UA
	if strings.Contains(ua, "macintosh") && strings.Contains(ua, "mobile") {
		return PlatformIOS
	}
	return PlatformOther
}

// Event is a raw device-orientation reading. Absent fields are nil.
type Event struct {
	Alpha          *float64 `json:"alpha,omitempty"`
	Beta           *float64 `json:"beta,omitempty"`
	Gamma          *float64 `json:"gamma,omitempty"`
	CompassHeading *float64 `json:"compassHeading,omitempty"`
}

// Source records which field a heading was taken from.
type Source int

const (
	SourceNone Source = iota
	SourceCompass
	SourceIOSAlpha
	SourceAlpha
)

func (s Source) String() string {
	switch s {
	case SourceCompass:
		return "compass"
	case SourceIOSAlpha:
		return "ios_alpha"
	case SourceAlpha:
		return "alpha"
	default:
		return "none"
	}
}

// Reading is a normalized heading in degrees on [0,360), 0 meaning the top of
// the device points north.
type Reading struct {
	Degrees float64
	Source  Source
}

// Resolve picks the heading source for an event. The order is fixed:
// a compass heading wins on any platform, then iOS alpha as-is, then
// 360-alpha for everything else. ok is false when the event carries no usable field.
func Resolve(ev Event, platform Platform) (r Reading, ok bool) {
	var raw float64
	switch {
	case ev.CompassHeading != nil:
		raw, r.Source = *ev.CompassHeading, SourceCompass
	case ev.Alpha != nil && platform == PlatformIOS:
		raw, r.Source = *ev.Alpha, SourceIOSAlpha
	case ev.Alpha != nil:
		raw, r.Source = 360-*ev.Alpha, SourceAlpha
	default:
		return Reading{}, false
	}
	if !finite(raw) {
		return Reading{}, false
	}
	r.Degrees = geo.NormalizeDegrees(raw)
	return r, true
}

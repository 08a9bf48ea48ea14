// Package color models a color as an HSL triple with a canonical #RRGGBB form.
package color

import (
	"fmt"
	"math"
	"regexp"

	"github.com/lucasb-eyer/go-colorful"
)

// Color is an HSL color. H is in degrees [0, 360); S and L are in [0, 1].
//
// Values are kept in HSL between rotations so repeated steps do not accumulate
// 8-bit rounding error: 360/step rotations land exactly on the start value.
type Color struct {
	H float64
	S float64
	L float64
}

var hexPattern = regexp.MustCompile(`^#(?:[0-9A-Fa-f]{6}|[0-9A-Fa-f]{3})$`)

// Parse decodes "#RRGGBB" or "#RGB" (either case).
func Parse(s string) (Color, error) {
	if !hexPattern.MatchString(s) {
		return Color{}, fmt.Errorf("color: %q is not a hex color", s)
	}
	c, err := colorful.Hex(s)
	if err != nil {
		return Color{}, fmt.Errorf("color: parse %q: %w", s, err)
	}
	h, sat, l := c.Hsl()
	return Color{H: normalizeHue(h), S: sat, L: l}, nil
}

// MustParse is Parse for package-level constants.
func MustParse(s string) Color {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Rotate returns c with its hue advanced by degrees around the 360 degree circle.
// Saturation and lightness are unchanged. Negative degrees rotate backwards.
func (c Color) Rotate(degrees float64) Color {
	c.H = normalizeHue(c.H + degrees)
	return c
}

// Hex returns the canonical uppercase "#RRGGBB" serialization.
func (c Color) Hex() string {
	r, g, b := colorful.Hsl(c.H, c.S, c.L).Clamped().RGB255()
	return fmt.Sprintf("#%02X%02X%02X", r, g, b)
}

func (c Color) String() string {
	return c.Hex()
}

func normalizeHue(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}

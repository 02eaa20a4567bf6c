// Package effects maps user-facing effect parameters to ffmpeg filter-chain
// strings. It has no state and performs no I/O.
package effects

import (
	"math"
	"strconv"
	"strings"
)

// Parameter ranges in user-facing units.
const (
	MinBrightness = -100.0
	MaxBrightness = 100.0
	MinContrast   = -100.0
	MaxContrast   = 100.0
	MinSaturation = -100.0
	MaxSaturation = 100.0
	MinHue        = -360.0
	MaxHue        = 360.0
	MinBlur       = 0.0
	MaxBlur       = 100.0
	MinGrayscale  = 0.0
	MaxGrayscale  = 100.0
)

// Params holds the optional effect values for one element. A nil field means
// the effect is absent.
type Params struct {
	Brightness *float64 `json:"brightness,omitempty" yaml:"brightness,omitempty"`
	Contrast   *float64 `json:"contrast,omitempty" yaml:"contrast,omitempty"`
	Saturation *float64 `json:"saturation,omitempty" yaml:"saturation,omitempty"`
	Hue        *float64 `json:"hue,omitempty" yaml:"hue,omitempty"`
	Blur       *float64 `json:"blur,omitempty" yaml:"blur,omitempty"`
	Grayscale  *float64 `json:"grayscale,omitempty" yaml:"grayscale,omitempty"`
}

// Float returns a pointer to v, for building Params literals.
func Float(v float64) *float64 {
	return &v
}

// IsNeutral reports whether every present value maps to an identity filter.
// A nil Params is neutral.
func (p *Params) IsNeutral() bool {
	if p == nil {
		return true
	}
	return zeroOrNil(p.Brightness) &&
		zeroOrNil(p.Contrast) &&
		zeroOrNil(p.Saturation) &&
		zeroOrNil(p.Hue) &&
		zeroOrNil(p.Blur) &&
		zeroOrNil(p.Grayscale)
}

func zeroOrNil(v *float64) bool {
	return v == nil || *v == 0
}

// Build renders p as a comma-joined filter chain in the fixed order
// brightness, contrast, saturation, hue, blur, grayscale.
func Build(p *Params) string {
	if p == nil {
		return ""
	}

	var parts []string
	if p.Brightness != nil {
		v := clamp(*p.Brightness, MinBrightness, MaxBrightness) / 100
		parts = append(parts, "eq=brightness="+formatFloat(v))
	}
	if p.Contrast != nil {
		v := 1 + clamp(*p.Contrast, MinContrast, MaxContrast)/100
		parts = append(parts, "eq=contrast="+formatFloat(v))
	}
	if p.Saturation != nil {
		v := 1 + clamp(*p.Saturation, MinSaturation, MaxSaturation)/100
		parts = append(parts, "eq=saturation="+formatFloat(v))
	}
	if p.Hue != nil {
		parts = append(parts, "hue=h="+formatFloat(clamp(*p.Hue, MinHue, MaxHue)))
	}
	if p.Blur != nil {
		parts = append(parts, "boxblur="+formatFloat(clamp(*p.Blur, MinBlur, MaxBlur))+":1")
	}
	if p.Grayscale != nil {
		v := 1 - clamp(*p.Grayscale, MinGrayscale, MaxGrayscale)/100
		parts = append(parts, "hue=s="+formatFloat(v))
	}
	return strings.Join(parts, ",")
}

// Join concatenates non-empty chains with ",".
func Join(chains ...string) string {
	var parts []string
	for _, c := range chains {
		if c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, ",")
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

// formatFloat rounds to 4 decimals so 1+(-5/100) renders as 0.95, not
// 0.9500000000000001.
func formatFloat(v float64) string {
	r := math.Round(v*10000) / 10000
	if r == 0 {
		r = 0 // normalize -0
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}

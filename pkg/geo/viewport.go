// Package geo handles viewport parsing and the display-side cluster
// obfuscation geometry.
package geo

import (
	"fmt"
	"strconv"
	"strings"

	bferrors "github.com/ezrakhuzadi/atc-blender/pkg/errors"
)

// defaultMaxViewLength caps the raw view string before any splitting.
const defaultMaxViewLength = 100

// View is a WGS84 rectangle used as a spatial filter.
type View struct {
	MinLat float64
	MinLng float64
	MaxLat float64
	MaxLng float64
}

type parseSettings struct {
	maxLength int
}

// ParseOption configures view parsing.
type ParseOption func(*parseSettings)

// WithMaxLength overrides the raw string length cap.
func WithMaxLength(n int) ParseOption {
	return func(s *parseSettings) {
		s.maxLength = n
	}
}

// ParseViewLatLng parses "minLat,minLng,maxLat,maxLng".
func ParseViewLatLng(raw string, opts ...ParseOption) (View, error) {
	vals, err := parseComponents(raw, opts)
	if err != nil {
		return View{}, err
	}
	v := View{MinLat: vals[0], MinLng: vals[1], MaxLat: vals[2], MaxLng: vals[3]}
	return v, v.validate()
}

// ParseViewMinXMinY parses "minLng,minLat,maxLng,maxLat", the axis order used
// by map clients.
func ParseViewMinXMinY(raw string, opts ...ParseOption) (View, error) {
	vals, err := parseComponents(raw, opts)
	if err != nil {
		return View{}, err
	}
	v := View{MinLng: vals[0], MinLat: vals[1], MaxLng: vals[2], MaxLat: vals[3]}
	return v, v.validate()
}

func parseComponents(raw string, opts []ParseOption) ([4]float64, error) {
	settings := parseSettings{maxLength: defaultMaxViewLength}
	for _, opt := range opts {
		opt(&settings)
	}

	var vals [4]float64
	if len(raw) > settings.maxLength {
		return vals, bferrors.NewInputInvalidError(
			fmt.Sprintf("view string exceeds %d characters", settings.maxLength), nil)
	}

	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return vals, bferrors.NewInputInvalidError(
			fmt.Sprintf("view must have 4 components, got %d", len(parts)), nil)
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return vals, bferrors.NewInputInvalidError("view component is not numeric", err)
		}
		vals[i] = v
	}
	return vals, nil
}

func (v View) validate() error {
	for _, lat := range []float64{v.MinLat, v.MaxLat} {
		if lat < -90 || lat > 90 {
			return bferrors.NewInputInvalidError(
				fmt.Sprintf("latitude %g out of range", lat), nil)
		}
	}
	for _, lng := range []float64{v.MinLng, v.MaxLng} {
		if lng < -180 || lng > 180 {
			return bferrors.NewInputInvalidError(
				fmt.Sprintf("longitude %g out of range", lng), nil)
		}
	}
	return nil
}

// String renders the view in lat-lng order.
func (v View) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", v.MinLat, v.MinLng, v.MaxLat, v.MaxLng)
}

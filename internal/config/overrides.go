package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Overrides maps dotted option names (e.g. "detection.threshold") to values.
// Values arrive from YAML or TOML, so numbers may be int, int64 or float64.
type Overrides map[string]any

// Merge returns a new map holding o's entries replaced by later's
func (o Overrides) Merge(later Overrides) Overrides {
	out := make(Overrides, len(o)+len(later))
	maps.Copy(out, o)
	maps.Copy(out, later)
	return out
}

// With returns a copy of s with every override applied. Keys are applied in
// sorted order so the result never depends on map iteration.
func (s Settings) With(o Overrides) (Settings, error) {
	out := s.Clone()
	if len(o) == 0 {
		return out, nil
	}

	for _, key := range slices.Sorted(maps.Keys(o)) {
		if err := out.set(key, o[key]); err != nil {
			return s, fmt.Errorf("override %s: %w", key, err)
		}
	}

	if err := out.Validate(); err != nil {
		return s, fmt.Errorf("invalid settings after overrides: %w", err)
	}
	return out, nil
}

func (s *Settings) set(key string, v any) error {
	var err error
	switch strings.ToLower(key) {
	case "detection.threshold":
		s.Detection.Threshold, err = toFloat(v)
	case "detection.mode":
		s.Detection.Mode, err = toMode(v)
	case "detection.fwhm":
		s.Detection.FWHM, err = toFloat(v)
	case "detection.smooth":
		s.Detection.Smooth, err = toBool(v)
	case "detection.min_separation":
		s.Detection.MinSeparation, err = toFloat(v)
	case "detection.background_box":
		s.Detection.BackgroundBox, err = toInt(v)
	case "detection.min_usable_pixels":
		s.Detection.MinUsablePixels, err = toInt(v)
	case "detection.centroid_max_iter":
		s.Detection.CentroidMaxIter, err = toInt(v)
	case "detection.centroid_tolerance":
		s.Detection.CentroidTolerance, err = toFloat(v)
	case "segmentation.threshold":
		s.Segmentation.Threshold, err = toFloat(v)
	case "segmentation.mode":
		s.Segmentation.Mode, err = toMode(v)
	case "segmentation.min_pixels":
		s.Segmentation.MinPixels, err = toInt(v)
	case "segmentation.deblend":
		s.Segmentation.Deblend, err = toBool(v)
	case "segmentation.levels":
		s.Segmentation.Levels, err = toInt(v)
	case "segmentation.contrast":
		s.Segmentation.Contrast, err = toFloat(v)
	case "segmentation.deblend_min_separation":
		s.Segmentation.DeblendMinSeparation, err = toFloat(v)
	case "photometry.aperture_radii":
		s.Photometry.Radii, err = toFloats(v)
	case "photometry.default_aperture":
		s.Photometry.DefaultAperture, err = toInt(v)
	case "photometry.annulus_inner":
		s.Photometry.AnnulusInner, err = toFloat(v)
	case "photometry.annulus_outer":
		s.Photometry.AnnulusOuter, err = toFloat(v)
	case "photometry.zero_point":
		s.Photometry.ZeroPoint, err = toFloat(v)
	case "photometry.gain":
		s.Photometry.Gain, err = toFloat(v)
	case "photometry.clip_sigma":
		s.Photometry.ClipSigma, err = toFloat(v)
	case "photometry.clip_iterations":
		s.Photometry.ClipIterations, err = toInt(v)
	case "photometry.subpixels":
		s.Photometry.Subpixels, err = toInt(v)
	default:
		return fmt.Errorf("unknown option")
	}
	return err
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("expected an integer, got %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

func toBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected a boolean, got %T", v)
	}
	return b, nil
}

func toMode(v any) (ThresholdMode, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected a string, got %T", v)
	}
	m := ThresholdMode(strings.ToLower(s))
	return m, validateMode(m)
}

func toFloats(v any) ([]float64, error) {
	switch list := v.(type) {
	case []float64:
		return slices.Clone(list), nil
	case []any:
		out := make([]float64, 0, len(list))
		for i, item := range list {
			f, err := toFloat(item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out = append(out, f)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of numbers, got %T", v)
	}
}

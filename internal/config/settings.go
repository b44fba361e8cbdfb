// Package config holds the catalog pipeline configuration.
//
// Settings are immutable values: they are resolved once per product node by
// applying that node's override map to its parent's settings, and are never
// mutated after that.
package config

import (
	"errors"
	"fmt"
	"slices"
)

// ThresholdMode selects how a detection threshold is interpreted
type ThresholdMode string

const (
	// ThresholdSigma expresses the threshold in multiples of the local sky rms
	ThresholdSigma ThresholdMode = "sigma"
	// ThresholdAbsolute expresses the threshold in image units above background
	ThresholdAbsolute ThresholdMode = "absolute"
)

// Detection configures the point-source strategy and the shared background model
type Detection struct {
	Threshold         float64       `yaml:"threshold" toml:"threshold"`
	Mode              ThresholdMode `yaml:"mode" toml:"mode"`
	FWHM              float64       `yaml:"fwhm" toml:"fwhm"` // pixels
	Smooth            bool          `yaml:"smooth" toml:"smooth"`
	MinSeparation     float64       `yaml:"min_separation" toml:"min_separation"` // pixels
	BackgroundBox     int           `yaml:"background_box" toml:"background_box"`
	MinUsablePixels   int           `yaml:"min_usable_pixels" toml:"min_usable_pixels"`
	CentroidMaxIter   int           `yaml:"centroid_max_iter" toml:"centroid_max_iter"`
	CentroidTolerance float64       `yaml:"centroid_tolerance" toml:"centroid_tolerance"`
}

// Segmentation configures the segmentation strategy
type Segmentation struct {
	Threshold            float64       `yaml:"threshold" toml:"threshold"`
	Mode                 ThresholdMode `yaml:"mode" toml:"mode"`
	MinPixels            int           `yaml:"min_pixels" toml:"min_pixels"`
	Deblend              bool          `yaml:"deblend" toml:"deblend"`
	Levels               int           `yaml:"levels" toml:"levels"`
	Contrast             float64       `yaml:"contrast" toml:"contrast"`
	DeblendMinSeparation float64       `yaml:"deblend_min_separation" toml:"deblend_min_separation"`
}

// Photometry configures aperture photometry and calibration
type Photometry struct {
	Radii           []float64 `yaml:"aperture_radii" toml:"aperture_radii"` // pixels
	DefaultAperture int       `yaml:"default_aperture" toml:"default_aperture"`
	AnnulusInner    float64   `yaml:"annulus_inner" toml:"annulus_inner"`
	AnnulusOuter    float64   `yaml:"annulus_outer" toml:"annulus_outer"`
	ZeroPoint       float64   `yaml:"zero_point" toml:"zero_point"`
	Gain            float64   `yaml:"gain" toml:"gain"`
	ClipSigma       float64   `yaml:"clip_sigma" toml:"clip_sigma"`
	ClipIterations  int       `yaml:"clip_iterations" toml:"clip_iterations"`
	Subpixels       int       `yaml:"subpixels" toml:"subpixels"`
}

// Exclusion is a sky circle whose sources are dropped from the catalogs
type Exclusion struct {
	RA     float64 `yaml:"ra" toml:"ra"`         // degrees
	Dec    float64 `yaml:"dec" toml:"dec"`       // degrees
	Radius float64 `yaml:"radius" toml:"radius"` // arcseconds
}

// Settings is the full set of options pushed down the product tree
type Settings struct {
	Detection    Detection    `yaml:"detection" toml:"detection"`
	Segmentation Segmentation `yaml:"segmentation" toml:"segmentation"`
	Photometry   Photometry   `yaml:"photometry" toml:"photometry"`
	Exclusions   []Exclusion  `yaml:"exclusions,omitempty" toml:"exclusions,omitempty"`
}

// Default returns settings tuned for drizzled HST images in e-/s
func Default() Settings {
	return Settings{
		Detection: Detection{
			Threshold:         5.0,
			Mode:              ThresholdSigma,
			FWHM:              2.5,
			Smooth:            true,
			MinSeparation:     3.0,
			BackgroundBox:     32,
			MinUsablePixels:   25,
			CentroidMaxIter:   50,
			CentroidTolerance: 1e-4,
		},
		Segmentation: Segmentation{
			Threshold:            3.0,
			Mode:                 ThresholdSigma,
			MinPixels:            5,
			Deblend:              true,
			Levels:               32,
			Contrast:             0.005,
			DeblendMinSeparation: 2.0,
		},
		Photometry: Photometry{
			Radii:           []float64{2.0, 4.0, 6.0},
			DefaultAperture: 1,
			AnnulusInner:    8.0,
			AnnulusOuter:    12.0,
			ZeroPoint:       25.0,
			Gain:            1.0,
			ClipSigma:       3.0,
			ClipIterations:  5,
			Subpixels:       5,
		},
	}
}

// Clone returns a deep copy so slices are never shared between nodes
func (s Settings) Clone() Settings {
	out := s
	out.Photometry.Radii = slices.Clone(s.Photometry.Radii)
	out.Exclusions = slices.Clone(s.Exclusions)
	return out
}

// Validate checks the settings for values the algorithms cannot work with
func (s Settings) Validate() error {
	var errs []error

	if err := validateMode(s.Detection.Mode); err != nil {
		errs = append(errs, fmt.Errorf("detection.mode: %w", err))
	}
	if err := validateMode(s.Segmentation.Mode); err != nil {
		errs = append(errs, fmt.Errorf("segmentation.mode: %w", err))
	}
	if s.Detection.Threshold <= 0 {
		errs = append(errs, errors.New("detection.threshold must be positive"))
	}
	if s.Segmentation.Threshold <= 0 {
		errs = append(errs, errors.New("segmentation.threshold must be positive"))
	}
	if s.Detection.FWHM <= 0 {
		errs = append(errs, errors.New("detection.fwhm must be positive"))
	}
	if s.Detection.BackgroundBox < 4 {
		errs = append(errs, errors.New("detection.background_box must be at least 4"))
	}
	if s.Detection.MinSeparation < 0 {
		errs = append(errs, errors.New("detection.min_separation must not be negative"))
	}
	if s.Detection.CentroidMaxIter < 1 {
		errs = append(errs, errors.New("detection.centroid_max_iter must be at least 1"))
	}
	if s.Segmentation.MinPixels < 1 {
		errs = append(errs, errors.New("segmentation.min_pixels must be at least 1"))
	}
	if s.Segmentation.Deblend && s.Segmentation.Levels < 2 {
		errs = append(errs, errors.New("segmentation.levels must be at least 2 when deblending"))
	}
	if s.Segmentation.Contrast < 0 || s.Segmentation.Contrast > 1 {
		errs = append(errs, errors.New("segmentation.contrast must be within [0, 1]"))
	}

	p := s.Photometry
	if len(p.Radii) == 0 {
		errs = append(errs, errors.New("photometry.aperture_radii must not be empty"))
	}
	for i, r := range p.Radii {
		if r <= 0 {
			errs = append(errs, fmt.Errorf("photometry.aperture_radii[%d] must be positive", i))
		}
	}
	if p.DefaultAperture < 0 || p.DefaultAperture >= len(p.Radii) {
		errs = append(errs, fmt.Errorf("photometry.default_aperture %d out of range", p.DefaultAperture))
	}
	if p.AnnulusInner <= 0 || p.AnnulusOuter <= p.AnnulusInner {
		errs = append(errs, errors.New("photometry annulus must satisfy 0 < annulus_inner < annulus_outer"))
	}
	if p.Gain <= 0 {
		errs = append(errs, errors.New("photometry.gain must be positive"))
	}
	if p.ClipSigma <= 0 {
		errs = append(errs, errors.New("photometry.clip_sigma must be positive"))
	}
	if p.Subpixels < 1 {
		errs = append(errs, errors.New("photometry.subpixels must be at least 1"))
	}

	for i, ex := range s.Exclusions {
		if ex.Radius <= 0 {
			errs = append(errs, fmt.Errorf("exclusions[%d].radius must be positive", i))
		}
	}

	return errors.Join(errs...)
}

func validateMode(m ThresholdMode) error {
	switch m {
	case ThresholdSigma, ThresholdAbsolute:
		return nil
	default:
		return fmt.Errorf("unknown threshold mode %q", m)
	}
}

package product

import (
	"path/filepath"
	"strings"
)

// Rootname returns the observation rootname of an exposure filename,
// e.g. "iacs01t4q" for "iacs01t4q_flc.fits".
func Rootname(filename string) string {
	base := strings.ToLower(filepath.Base(filename))
	if i := strings.IndexByte(base, '_'); i > 0 {
		return base[:i]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsCTECorrected reports whether an exposure filename is a CTE-corrected
// (_flc) calibrated file
func IsCTECorrected(filename string) bool {
	return strings.Contains(strings.ToLower(filepath.Base(filename)), "_flc")
}

// Obset returns the observation-set part of a rootname: instrument code,
// proposal code and visit
func Obset(rootname string) string {
	if len(rootname) > 6 {
		return rootname[:6]
	}
	return rootname
}

// CombinedImageName returns the HAP-style file name of the node's combined
// image. The name depends only on the node identity and its member
// filenames, so identical inputs always give identical names.
//
//	hst_<proposal>_<visit>_<instrument>_<detector>_<filter|total>_<obset>_<drz|drc>.fits
//	hst_<proposal>_<visit>_<instrument>_<detector>_<filter>_<rootname>_<flt|flc>.fits
func (p *Product) CombinedImageName() string {
	parts := []string{"hst"}
	if p.Proposal != "" {
		parts = append(parts, p.Proposal)
	}
	parts = append(parts, p.Visit, p.Instrument, p.Detector, p.Filter)

	if p.Kind == KindExposure {
		suffix := "flt"
		if IsCTECorrected(p.Exposure.Filename) {
			suffix = "flc"
		}
		parts = append(parts, p.ID, suffix)
	} else {
		exps := p.Exposures()
		obset := ""
		cte := len(exps) > 0
		for i, e := range exps {
			if i == 0 {
				obset = Obset(e.ID)
			}
			cte = cte && IsCTECorrected(e.Exposure.Filename)
		}
		suffix := "drz"
		if cte {
			suffix = "drc"
		}
		if obset != "" {
			parts = append(parts, obset)
		}
		parts = append(parts, suffix)
	}

	for i := range parts {
		parts[i] = strings.ToLower(parts[i])
	}
	return strings.Join(parts, "_") + ".fits"
}

// CatalogBase returns the combined image name without its drz/drc suffix,
// the prefix shared by the node's catalog files
func (p *Product) CatalogBase() string {
	name := strings.TrimSuffix(p.CombinedImageName(), ".fits")
	if i := strings.LastIndexByte(name, '_'); i > 0 {
		return name[:i]
	}
	return name
}

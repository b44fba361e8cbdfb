// Package imageio stores combined images as parquet pixel tables with a YAML
// sidecar holding the WCS and calibration values.
package imageio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/lehigh-university-libraries/hapcat/internal/imaging"
	"github.com/lehigh-university-libraries/hapcat/internal/wcs"
	"github.com/parquet-go/parquet-go"
	"gopkg.in/yaml.v3"
)

// Pixel is one row of a pixel table. X and Y are 0-based.
type Pixel struct {
	X   int32   `parquet:"x"`
	Y   int32   `parquet:"y"`
	Sci float64 `parquet:"sci"`
	Wht float64 `parquet:"wht"`
	DQ  int32   `parquet:"dq"`
}

// Sidecar describes the image a pixel table belongs to
type Sidecar struct {
	Name         string   `yaml:"name"`
	NX           int      `yaml:"nx"`
	NY           int      `yaml:"ny"`
	ExposureTime float64  `yaml:"exposure_time"`
	Gain         float64  `yaml:"gain,omitempty"`
	ReadNoise    float64  `yaml:"read_noise,omitempty"`
	WCS          *wcs.TAN `yaml:"wcs,omitempty"`
}

// Paths returns the pixel table and sidecar paths of a combined image name
// such as hst_10265_01_acs_wfc_total_j9ir01_drc.fits
func Paths(dir, imageName string) (string, string) {
	base := filepath.Join(dir, strings.TrimSuffix(imageName, ".fits"))
	return base + ".parquet", base + ".yaml"
}

// Write stores img under dir using its name
func Write(dir string, img *imaging.CatalogImage) error {
	if err := img.Validate(); err != nil {
		return fmt.Errorf("invalid image %s: %w", img.Name, err)
	}
	side := Sidecar{
		Name:         img.Name,
		NX:           img.NX,
		NY:           img.NY,
		ExposureTime: img.ExposureTime,
		Gain:         img.Gain,
		ReadNoise:    img.ReadNoise,
	}
	if img.WCS != nil {
		tan, ok := img.WCS.(*wcs.TAN)
		if !ok {
			return fmt.Errorf("image %s: only TAN transforms can be stored, got %T", img.Name, img.WCS)
		}
		side.WCS = tan
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}
	tablePath, sidePath := Paths(dir, img.Name)

	data, err := yaml.Marshal(side)
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar: %w", err)
	}
	if err := os.WriteFile(sidePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}

	rows := make([]Pixel, len(img.Data))
	for i, v := range img.Data {
		p := Pixel{X: int32(i % img.NX), Y: int32(i / img.NX), Sci: v, Wht: 1}
		if img.Weight != nil {
			p.Wht = img.Weight[i]
		}
		if img.Masked(i) {
			p.DQ = 1
		}
		rows[i] = p
	}

	f, err := os.Create(tablePath)
	if err != nil {
		return fmt.Errorf("failed to create pixel table: %w", err)
	}
	defer f.Close()

	w := parquet.NewGenericWriter[Pixel](f)
	if _, err := w.Write(rows); err != nil {
		return fmt.Errorf("failed to write pixel table: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close pixel table writer: %w", err)
	}

	slog.Debug("Image written", "name", img.Name, "path", tablePath, "pixels", len(rows))
	return f.Close()
}

// Read loads the image called imageName from dir. Pixels missing from the
// table, and pixels with a non-zero dq value, are masked.
func Read(ctx context.Context, dir, imageName string) (*imaging.CatalogImage, error) {
	tablePath, sidePath := Paths(dir, imageName)

	data, err := os.ReadFile(sidePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read sidecar: %w", err)
	}
	var side Sidecar
	if err := yaml.Unmarshal(data, &side); err != nil {
		return nil, fmt.Errorf("failed to parse sidecar %s: %w", sidePath, err)
	}
	if side.NX <= 0 || side.NY <= 0 {
		return nil, fmt.Errorf("sidecar %s: invalid shape %dx%d", sidePath, side.NX, side.NY)
	}

	img := imaging.New(side.NX, side.NY)
	img.Name = side.Name
	img.ExposureTime = side.ExposureTime
	img.Gain = side.Gain
	img.ReadNoise = side.ReadNoise
	if side.WCS != nil {
		img.WCS = side.WCS
	}
	img.Weight = make([]float64, len(img.Data))
	for i := range img.Data {
		img.Data[i] = math.NaN()
	}

	file, err := os.Open(tablePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pixel table: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}

	reader := parquet.NewGenericReader[Pixel](pf)
	defer reader.Close()

	seen := make([]bool, len(img.Data))
	rows := make([]Pixel, 1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := reader.Read(rows)
		for _, p := range rows[:n] {
			x, y := int(p.X), int(p.Y)
			if !img.Contains(x, y) {
				return nil, fmt.Errorf("pixel table %s: pixel (%d, %d) outside %dx%d image", tablePath, x, y, img.NX, img.NY)
			}
			i := img.Index(x, y)
			seen[i] = true
			img.Data[i] = p.Sci
			img.Weight[i] = p.Wht
			if p.DQ != 0 {
				img.Mask.Add(uint32(i))
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read pixel rows: %w", err)
		}
	}

	missing := 0
	for i, ok := range seen {
		if !ok {
			img.Mask.Add(uint32(i))
			missing++
		}
	}
	if missing > 0 {
		slog.Warn("Pixel table is incomplete", "name", img.Name, "missing", missing)
	}

	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("invalid image %s: %w", img.Name, err)
	}
	return img, nil
}

package imageio

import (
	"context"
	"fmt"

	"github.com/lehigh-university-libraries/hapcat/internal/imaging"
	"github.com/lehigh-university-libraries/hapcat/internal/product"
)

// DirSource serves combined images that were drizzled ahead of time and
// stored under Dir by Write, named after each product's combined image
type DirSource struct {
	Dir string
}

// NewDirSource creates a source reading from dir
func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir}
}

// Combine returns the stored image of p
func (s *DirSource) Combine(ctx context.Context, p *product.Product) (*imaging.CatalogImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := p.CombinedImageName()
	img, err := Read(ctx, s.Dir, name)
	if err != nil {
		return nil, fmt.Errorf("combine %s: %w", name, err)
	}
	img.Name = name
	img.Header = p.Header
	return img, nil
}

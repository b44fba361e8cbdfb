package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lehigh-university-libraries/hapcat/internal/catalog"
	"github.com/lehigh-university-libraries/hapcat/internal/config"
	"github.com/lehigh-university-libraries/hapcat/internal/imaging"
	"github.com/lehigh-university-libraries/hapcat/internal/poller"
	"github.com/lehigh-university-libraries/hapcat/internal/product"
	"github.com/lehigh-university-libraries/hapcat/internal/wcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDrizzler renders one star per image, fails for the filters listed in
// fail and masks every pixel of those listed in masked. It records the order
// of Combine calls.
type fakeDrizzler struct {
	fail   map[string]bool
	masked map[string]bool

	mu    sync.Mutex
	calls []string
}

func (d *fakeDrizzler) Combine(ctx context.Context, p *product.Product) (*imaging.CatalogImage, error) {
	d.mu.Lock()
	d.calls = append(d.calls, p.Filter)
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.fail[p.Filter] {
		return nil, fmt.Errorf("drizzle %s: no input images", p.Filter)
	}

	const n = 64
	im := imaging.New(n, n)
	im.Name = p.CombinedImageName()
	im.ExposureTime = 1000
	im.Gain = 1
	im.WCS = wcs.NewTAN(10, -20, 0.05, n, n)
	r := rand.New(rand.NewPCG(7, 8))
	for iy := 0; iy < n; iy++ {
		for ix := 0; ix < n; ix++ {
			dx, dy := float64(ix+1)-30.4, float64(iy+1)-33.2
			v := 500/(2*math.Pi*2.25)*math.Exp(-(dx*dx+dy*dy)/4.5) + 0.1*(2*r.Float64()-1)
			im.Data[im.Index(ix, iy)] = v
		}
	}
	if d.masked[p.Filter] {
		im.Mask.AddRange(0, uint64(n*n))
	}
	return im, nil
}

func (d *fakeDrizzler) order() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func ident(filter string) product.Identity {
	return product.Identity{Proposal: "10265", Visit: "01", Instrument: "ACS", Detector: "WFC", Filter: filter}
}

func exposure(t *testing.T, filename, filter string, dra float64, withWCS bool) *product.Product {
	t.Helper()
	info := product.ExposureInfo{Filename: filename, ExposureTime: 500, ExpStart: 53000.1, ExpEnd: 53000.2}
	if withWCS {
		info.WCS = wcs.NewTAN(10+dra/3600, -20, 0.05, 64, 64)
	}
	e, err := product.NewExposure(ident(filter), info)
	require.NoError(t, err)
	e.Header.Set("ROOTNAME", product.Rootname(filename), "")
	e.Header.Set("INSTRUME", "ACS", "")
	e.Header.Set("FILTER", strings.ToUpper(filter), "")
	e.Header.Set("EXPTIME", 500.0, "")
	return e
}

func visit(t *testing.T, withWCS bool) *product.Product {
	t.Helper()
	total := product.NewTotal(ident(""))
	f606 := product.NewFilter(ident("f606w"))
	require.NoError(t, f606.AddChild(exposure(t, "j9ir01a1q_flc.fits", "f606w", 0, withWCS)))
	require.NoError(t, f606.AddChild(exposure(t, "j9ir01a2q_flc.fits", "f606w", 1.2, withWCS)))
	f814 := product.NewFilter(ident("f814w"))
	require.NoError(t, f814.AddChild(exposure(t, "j9ir01a3q_flc.fits", "f814w", -0.7, withWCS)))
	require.NoError(t, total.AddChild(f606))
	require.NoError(t, total.AddChild(f814))
	require.NoError(t, total.PropagateDown(config.Default()))
	return total
}

func TestRunVisit(t *testing.T) {
	dir := t.TempDir()
	d := &fakeDrizzler{}
	r := NewRunner(d, dir, 2)

	store, err := catalog.OpenStore(filepath.Join(dir, "catalogs.db"))
	require.NoError(t, err)
	defer store.Close()
	r.Store = store

	total := visit(t, true)
	require.NoError(t, r.RunVisit(context.Background(), total))

	calls := d.order()
	require.Len(t, calls, 3)
	assert.Equal(t, "total", calls[2], "the total is combined after every filter")

	o, ok := r.Results.Get("hst_10265_01_acs_wfc_total_j9ir01_drc.fits")
	require.True(t, ok)
	assert.Equal(t, StatusOK, o.Status)
	assert.Equal(t, 1, o.Point)
	assert.Equal(t, 1, o.Segment)
	for _, path := range o.Catalogs {
		assert.FileExists(t, path)
	}

	points, err := catalog.ReadPointTable(filepath.Join(dir, "hst_10265_01_acs_wfc_f606w_j9ir01_point-cat.parquet"))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.InDelta(t, 30.4, points[0].X, 0.15)

	stored, err := store.Load(r.RunID, total.CombinedImageName(), catalog.SegmentStrategy)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Len())

	assert.Equal(t, "F606W;F814W", total.Header.String("FILTER"))
	assert.NotEmpty(t, total.Header.String("S_REGION"))
	assert.Len(t, r.Results.All(), 6)
}

func TestRunVisitFilterFailure(t *testing.T) {
	d := &fakeDrizzler{fail: map[string]bool{"f814w": true}}
	r := NewRunner(d, t.TempDir(), 4)

	total := visit(t, true)
	require.NoError(t, r.RunVisit(context.Background(), total))

	require.Len(t, total.Children, 1, "the failed filter leaves the total")
	assert.Equal(t, "F606W", total.Header.String("FILTER"))

	o, ok := r.Results.Get("hst_10265_01_acs_wfc_f814w_j9ir01_drc.fits")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, o.Status)
	assert.Equal(t, "drizzle", o.Stage)

	o, ok = r.Results.Get(total.CombinedImageName())
	require.True(t, ok)
	assert.Equal(t, StatusOK, o.Status)
}

func TestRunVisitAllFiltersFail(t *testing.T) {
	d := &fakeDrizzler{fail: map[string]bool{"f606w": true, "f814w": true}}
	r := NewRunner(d, t.TempDir(), 2)

	err := r.RunVisit(context.Background(), visit(t, true))
	assert.ErrorIs(t, err, product.ErrEmpty)
	assert.NotContains(t, d.order(), "total")
}

func TestRunVisitExposureFailure(t *testing.T) {
	r := NewRunner(&fakeDrizzler{}, t.TempDir(), 2)
	total := visit(t, true)
	// an invalid WCS removes the exposure, which empties f814w
	total.Children[1].Children[0].Exposure.WCS.CD = [2][2]float64{}

	require.NoError(t, r.RunVisit(context.Background(), total))
	require.Len(t, total.Children, 1)
	assert.Equal(t, "f606w", total.Children[0].Filter)

	summary := Summarize(r.Results.All())
	assert.Equal(t, 1, summary.Failed["exposure"])
	assert.Equal(t, 1, summary.Failed["filter"])
	assert.Equal(t, 1, summary.Succeeded["total"])
}

func TestRunVisitFootprintFromImage(t *testing.T) {
	r := NewRunner(&fakeDrizzler{}, t.TempDir(), 2)
	total := visit(t, false)

	require.NoError(t, r.RunVisit(context.Background(), total))
	for _, f := range total.Children {
		require.NotNil(t, f.Footprint)
		assert.Len(t, f.Footprint.Vertices, 4)
	}
	require.NotNil(t, total.Footprint)
}

func TestRunCancelled(t *testing.T) {
	r := NewRunner(&fakeDrizzler{}, t.TempDir(), 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Run(ctx, []*product.Product{visit(t, true)})
	assert.ErrorIs(t, err, ErrNoOutput)
	assert.NotErrorIs(t, err, poller.ErrNoValidVisits)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunVisitDetectionError(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(&fakeDrizzler{masked: map[string]bool{"f814w": true}}, dir, 2)
	total := visit(t, true)

	require.NoError(t, r.RunVisit(context.Background(), total))
	require.Len(t, total.Children, 2, "a filter with no usable pixels stays in the total")
	assert.Equal(t, "F606W;F814W", total.Header.String("FILTER"))

	o, ok := r.Results.Get("hst_10265_01_acs_wfc_f814w_j9ir01_drc.fits")
	require.True(t, ok)
	assert.Equal(t, StatusEmpty, o.Status)
	assert.Equal(t, "catalog", o.Stage)
	assert.Contains(t, o.Error, "entirely masked")
	require.Len(t, o.Catalogs, 3)
	for _, path := range o.Catalogs {
		assert.FileExists(t, path)
	}

	points, err := catalog.ReadPointTable(filepath.Join(dir, "hst_10265_01_acs_wfc_f814w_j9ir01_point-cat.parquet"))
	require.NoError(t, err)
	assert.Empty(t, points)

	o, ok = r.Results.Get(total.CombinedImageName())
	require.True(t, ok)
	assert.Equal(t, StatusOK, o.Status)

	summary := Summarize(r.Results.All())
	assert.Equal(t, 0, summary.FailureCount)
	assert.Equal(t, 1, summary.EmptyCount)
}

func TestRunTotalFailureKeepsFilterOutput(t *testing.T) {
	tests := []struct {
		name   string
		d      *fakeDrizzler
		status Status
		stage  string
	}{
		{"drizzle fails", &fakeDrizzler{fail: map[string]bool{"total": true}}, StatusFailed, "drizzle"},
		{"no usable pixels", &fakeDrizzler{masked: map[string]bool{"total": true}}, StatusEmpty, "catalog"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRunner(tt.d, t.TempDir(), 2)
			total := visit(t, true)
			require.NoError(t, r.Run(context.Background(), []*product.Product{total}))

			o, ok := r.Results.Get(total.CombinedImageName())
			require.True(t, ok)
			assert.Equal(t, tt.status, o.Status)
			assert.Equal(t, tt.stage, o.Stage)

			for _, f := range total.Children {
				o, ok := r.Results.Get(f.CombinedImageName())
				require.True(t, ok)
				assert.Equal(t, StatusOK, o.Status)
			}
		})
	}
}

func TestRunToleratesFailedVisit(t *testing.T) {
	d := &fakeDrizzler{fail: map[string]bool{"f606w": true, "f814w": true}}
	r := NewRunner(d, t.TempDir(), 2)
	require.Error(t, r.Run(context.Background(), []*product.Product{visit(t, true)}))

	d.fail = nil
	require.NoError(t, r.Run(context.Background(), []*product.Product{visit(t, true), visit(t, true)}))
}

func TestManifest(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(&fakeDrizzler{fail: map[string]bool{"f814w": true}}, dir, 2)
	require.NoError(t, r.RunVisit(context.Background(), visit(t, true)))

	m := r.NewManifest("poller.csv", config.Default())
	path, err := m.Save(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "manifest-"+r.RunID+".yaml"), path)

	back, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, r.RunID, back.Config.RunID)
	assert.Equal(t, "poller.csv", back.Config.Input)
	assert.Len(t, back.Results, len(m.Results))
	assert.Equal(t, m.Summary.FailureCount, back.Summary.FailureCount)
	assert.Equal(t, 1, back.Summary.Stages["drizzle"])

	var buf bytes.Buffer
	m.Summary.Print(&buf, r.RunID)
	assert.Contains(t, buf.String(), "HAP CATALOG RUN SUMMARY")
	assert.Contains(t, buf.String(), "filter    ok=1 failed=1")
}

func TestResultStore(t *testing.T) {
	s := NewResultStore()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Set(&Outcome{Product: fmt.Sprintf("p%02d", i), Status: StatusOK})
		}()
	}
	wg.Wait()

	all := s.All()
	require.Len(t, all, 20)
	assert.Equal(t, "p00", all[0].Product)
	assert.Equal(t, "p19", all[19].Product)

	_, ok := s.Get("missing")
	assert.False(t, ok)
}

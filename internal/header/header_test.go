package header

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func exposure(root, filter string, start, end, exptime float64) *Header {
	h := New()
	h.Set("rootname", root, "rootname of the observation set")
	h.Set("INSTRUME", "WFC3", "")
	h.Set("DETECTOR", "UVIS", "")
	h.Set("FILTER", filter, "")
	h.Set("EXPSTART", start, "exposure start time (MJD)")
	h.Set("EXPEND", end, "")
	h.Set("EXPTIME", exptime, "")
	h.Set("FILENAME", root+"_flc.fits", "")
	h.Set("HISTORY", []string{"calibrated " + root}, "")
	return h
}

func TestSetKeepsPosition(t *testing.T) {
	h := New()
	h.Set("A", 1, "")
	h.Set("b", "x", "")
	h.Set("A", 2, "")

	assert.Equal(t, []string{"A", "B"}, h.Keys())
	v, ok := h.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(2), v)
}

func TestMergeRules(t *testing.T) {
	a := exposure("iacs01t4q", "F606W", 58000.1, 58000.2, 300)
	b := exposure("iacs01t5q", "F606W", 58000.05, 58000.3, 350)

	got, err := Merge(a, b)
	require.NoError(t, err)

	start, _ := got.Float("EXPSTART")
	end, _ := got.Float("EXPEND")
	exptime, _ := got.Float("EXPTIME")
	assert.Equal(t, 58000.05, start)
	assert.Equal(t, 58000.3, end)
	assert.Equal(t, 650.0, exptime)

	ncombine, _ := got.Get("NCOMBINE")
	assert.Equal(t, int64(2), ncombine)

	roots, _ := got.Get("ROOTNAME")
	assert.Equal(t, []string{"iacs01t4q", "iacs01t5q"}, roots)
	assert.Equal(t, "F606W", got.String("FILTER"))

	_, ok := got.Get("FILENAME")
	assert.False(t, ok, "FILENAME is dropped on merge")

	// first-appearance order, NCOMBINE appended
	assert.Equal(t, []string{"ROOTNAME", "INSTRUME", "DETECTOR", "FILTER", "EXPSTART", "EXPEND", "EXPTIME", "HISTORY", "NCOMBINE"}, got.Keys())
}

func TestMergeIsHierarchical(t *testing.T) {
	f1, err := Merge(exposure("a1", "F606W", 1, 2, 10), exposure("a2", "F606W", 3, 4, 10))
	require.NoError(t, err)
	f2, err := Merge(exposure("b1", "F814W", 5, 6, 20))
	require.NoError(t, err)

	total, err := Merge(f1, f2)
	require.NoError(t, err)

	assert.Equal(t, "F606W;F814W", total.String("FILTER"))
	ncombine, _ := total.Get("NCOMBINE")
	assert.Equal(t, int64(3), ncombine)
	roots, _ := total.Get("ROOTNAME")
	assert.Equal(t, []string{"a1", "a2", "b1"}, roots)

	// union of an already-joined value does not duplicate
	again, err := Merge(total, f1)
	require.NoError(t, err)
	assert.Equal(t, "F606W;F814W", again.String("FILTER"))
}

func TestMergeConflict(t *testing.T) {
	a := exposure("a1", "F606W", 1, 2, 10)
	b := exposure("a2", "F606W", 3, 4, 10)
	b.Set("DETECTOR", "IR", "")
	b.Set("INSTRUME", "ACS", "")

	_, err := Merge(a, b)
	require.Error(t, err)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "INSTRUME", conflict.Key)
	assert.Contains(t, err.Error(), "DETECTOR")
}

func TestMergeKeywordMissingFromSomeChildren(t *testing.T) {
	a := exposure("a1", "F606W", 1, 2, 10)
	a.Set("PA_V3", 12.5, "")
	b := exposure("a2", "F606W", 3, 4, 10)

	got, err := Merge(a, b)
	require.NoError(t, err)
	pa, ok := got.Float("PA_V3")
	assert.True(t, ok)
	assert.Equal(t, 12.5, pa)
}

func TestMergeNumericEquality(t *testing.T) {
	a := New()
	a.Set("BUNIT", "ELECTRONS/S", "")
	a.Set("PROPOSID", 10265, "")
	b := New()
	b.Set("BUNIT", "ELECTRONS/S", "")
	b.Set("PROPOSID", 10265.0, "")

	_, err := Merge(a, b)
	assert.NoError(t, err)
}

func TestMergeEmpty(t *testing.T) {
	h, err := Merge()
	require.NoError(t, err)
	assert.Equal(t, 0, h.Len())
}

func TestMarshalYAMLOrdered(t *testing.T) {
	h := New()
	h.Set("TARGNAME", "NGC104", "target name")
	h.Set("EXPTIME", 120.5, "")
	h.Set("HISTORY", []string{"one", "two"}, "")

	data, err := yaml.Marshal(h)
	require.NoError(t, err)

	out := string(data)
	assert.Less(t, strings.Index(out, "TARGNAME"), strings.Index(out, "EXPTIME"))
	assert.Contains(t, out, "# target name")
	assert.Contains(t, out, "- one")
}

func TestCloneIsDeep(t *testing.T) {
	h := New()
	h.Set("HISTORY", []string{"one"}, "")
	c := h.Clone()
	c.Set("HISTORY", []string{"changed"}, "")

	v, _ := h.Get("HISTORY")
	assert.Equal(t, []string{"one"}, v)
}

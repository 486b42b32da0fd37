// Package render draws 2D slices of a thresholded statistical map:
// the statistic as a grayscale underlay, surviving clusters tinted by
// direction and peak locations marked. Slices are written as JPEG
// sequences for quick inspection of a run.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"statmap3d/pkg/labeling"
	"statmap3d/pkg/peaks"
	"statmap3d/pkg/volume"
)

// Renderer draws slices of one analysis result. The field supplies
// the underlay, the map the cluster overlay; Peaks is optional.
type Renderer struct {
	field *volume.VoxelField
	m     *labeling.FilteredMap

	// Peaks are marked on the slices that contain them.
	Peaks []peaks.Peak

	lo, hi float64
}

// New builds a renderer and fixes the grayscale window to the field's
// finite value range so all slices share one intensity scale.
func New(f *volume.VoxelField, m *labeling.FilteredMap) (*Renderer, error) {
	if f == nil || m == nil {
		return nil, fmt.Errorf("render: nil field or map")
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range f.Data {
		if math.IsNaN(v) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if !(hi > lo) {
		return nil, fmt.Errorf("render: field has no intensity range")
	}
	return &Renderer{field: f, m: m, lo: lo, hi: hi}, nil
}

// Slice renders one plane perpendicular to the given axis ("x", "y"
// or "z") at the given voxel position.
func (r *Renderer) Slice(axis string, position int) (image.Image, error) {
	grid := r.field.Grid
	var w, h int
	var voxel func(i, j int) [3]int

	switch axis {
	case "x", "X":
		if position < 0 || position >= grid.NX {
			return nil, fmt.Errorf("render: position %d outside x range [0,%d)", position, grid.NX)
		}
		w, h = grid.NY, grid.NZ
		voxel = func(i, j int) [3]int { return [3]int{position, i, j} }
	case "y", "Y":
		if position < 0 || position >= grid.NY {
			return nil, fmt.Errorf("render: position %d outside y range [0,%d)", position, grid.NY)
		}
		w, h = grid.NX, grid.NZ
		voxel = func(i, j int) [3]int { return [3]int{i, position, j} }
	case "z", "Z":
		if position < 0 || position >= grid.NZ {
			return nil, fmt.Errorf("render: position %d outside z range [0,%d)", position, grid.NZ)
		}
		w, h = grid.NX, grid.NY
		voxel = func(i, j int) [3]int { return [3]int{i, j, position} }
	default:
		return nil, fmt.Errorf("render: invalid axis %q (must be x, y or z)", axis)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			v := voxel(i, j)
			idx := grid.Index(v[0], v[1], v[2])
			img.SetRGBA(i, j, r.colorAt(idx))
		}
	}
	r.markPeaks(img, axis, position, w, h)
	return img, nil
}

// colorAt maps a voxel to its pixel: grayscale underlay, red tint for
// positive-direction cluster voxels, blue for negative-direction.
func (r *Renderer) colorAt(idx int) color.RGBA {
	v := r.field.Data[idx]
	gray := uint8(0)
	if !math.IsNaN(v) {
		gray = uint8(math.Round(255 * (v - r.lo) / (r.hi - r.lo)))
	}
	c := color.RGBA{R: gray, G: gray, B: gray, A: 255}
	switch {
	case r.m.Size[idx] > 0:
		c.R = 255
		c.G = gray / 2
		c.B = gray / 2
	case r.m.Size[idx] < 0:
		c.B = 255
		c.R = gray / 2
		c.G = gray / 2
	}
	return c
}

// markPeaks draws a green cross on every peak lying in the slice.
func (r *Renderer) markPeaks(img *image.RGBA, axis string, position int, w, h int) {
	if len(r.Peaks) == 0 {
		return
	}
	inSlice := func(p [3]int) (int, int, bool) {
		switch axis {
		case "x", "X":
			return p[1], p[2], p[0] == position
		case "y", "Y":
			return p[0], p[2], p[1] == position
		default:
			return p[0], p[1], p[2] == position
		}
	}
	green := color.RGBA{G: 255, A: 255}
	for _, p := range r.Peaks {
		i, j, ok := inSlice(p.Voxel)
		if !ok {
			continue
		}
		for _, d := range [][2]int{{0, 0}, {1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			pi, pj := i+d[0], j+d[1]
			if pi >= 0 && pi < w && pj >= 0 && pj < h {
				img.SetRGBA(pi, pj, green)
			}
		}
	}
}

// SaveSlice writes a rendered slice as a JPEG image.
func (r *Renderer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence renders and saves every slice along the given
// axis into outputDir, one JPEG per position.
func (r *Renderer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	grid := r.field.Grid
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = grid.NX
	case "y", "Y":
		maxPos = grid.NY
	case "z", "Z":
		maxPos = grid.NZ
	default:
		return fmt.Errorf("render: invalid axis %q (must be x, y or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := r.Slice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := r.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}

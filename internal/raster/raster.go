// Package raster provides flat-array index arithmetic and neighbor
// offset tables shared by the volume, labeling and peak packages.
// Volumes are stored as 1D arrays in row-major order with x varying
// fastest: idx = z*nx*ny + y*nx + x.
package raster

// Grid describes the dimensions of a 3D raster.
type Grid struct {
	NX, NY, NZ int
}

// Len returns the total number of voxels in the grid.
func (g Grid) Len() int { return g.NX * g.NY * g.NZ }

// Index converts voxel coordinates to a flat array index.
func (g Grid) Index(x, y, z int) int {
	return z*g.NX*g.NY + y*g.NX + x
}

// Coords converts a flat array index back to voxel coordinates.
func (g Grid) Coords(idx int) (x, y, z int) {
	plane := g.NX * g.NY
	z = idx / plane
	rem := idx - z*plane
	y = rem / g.NX
	x = rem - y*g.NX
	return x, y, z
}

// InBounds reports whether the voxel coordinates lie inside the grid.
func (g Grid) InBounds(x, y, z int) bool {
	return x >= 0 && x < g.NX && y >= 0 && y < g.NY && z >= 0 && z < g.NZ
}

// OnBoundary reports whether the voxel lies on any of the six faces
// of the grid.
func (g Grid) OnBoundary(x, y, z int) bool {
	return x == 0 || x == g.NX-1 || y == 0 || y == g.NY-1 || z == 0 || z == g.NZ-1
}

// Offset is a relative voxel displacement.
type Offset struct {
	DX, DY, DZ int
}

// Neighbors returns the full neighbor offset table for the given
// connectivity (6, 18 or 26): face neighbors only, face+edge, or
// face+edge+corner. The table is ordered by raster scan order of the
// offsets, which keeps downstream traversals deterministic.
func Neighbors(connectivity int) []Offset {
	var offs []Offset
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				n := abs(dx) + abs(dy) + abs(dz)
				switch connectivity {
				case 6:
					if n > 1 {
						continue
					}
				case 18:
					if n > 2 {
						continue
					}
				case 26:
					// all 26 neighbors
				default:
					continue
				}
				offs = append(offs, Offset{dx, dy, dz})
			}
		}
	}
	return offs
}

// BackwardNeighbors returns the subset of Neighbors(connectivity)
// that precede the center voxel in raster scan order. A scan-order
// labeling pass only needs to look at voxels it has already visited.
func BackwardNeighbors(connectivity int) []Offset {
	var offs []Offset
	for _, o := range Neighbors(connectivity) {
		if o.DZ < 0 || (o.DZ == 0 && o.DY < 0) || (o.DZ == 0 && o.DY == 0 && o.DX < 0) {
			offs = append(offs, o)
		}
	}
	return offs
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

package volume

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// header is the YAML sidecar describing a raw volume file. The data
// file itself holds len(Data) little-endian float64 values.
type header struct {
	Dims      [3]int     `yaml:"dims"`
	Affine    []float64  `yaml:"affine"` // 16 values, row-major; empty means identity spacing
	DF        float64    `yaml:"df"`
	Statistic string     `yaml:"statistic"`
}

func headerPath(dataPath string) string {
	if i := strings.LastIndex(dataPath, "."); i > 0 {
		return dataPath[:i] + ".yaml"
	}
	return dataPath + ".yaml"
}

// Load reads a raw volume: a binary little-endian float64 data file
// plus a YAML sidecar header with the same base name.
func Load(path string) (*VoxelField, error) {
	hdrData, err := os.ReadFile(headerPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read volume header: %w", err)
	}
	var hdr header
	if err := yaml.Unmarshal(hdrData, &hdr); err != nil {
		return nil, fmt.Errorf("failed to parse volume header: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume data: %w", err)
	}
	defer file.Close()

	n := hdr.Dims[0] * hdr.Dims[1] * hdr.Dims[2]
	if n <= 0 {
		return nil, fmt.Errorf("volume header has invalid dims %v", hdr.Dims)
	}
	data := make([]float64, n)
	if err := binary.Read(file, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("failed to read volume data: %w", err)
	}

	var affine *mat.Dense
	switch len(hdr.Affine) {
	case 0:
		affine = nil
	case 16:
		affine = mat.NewDense(4, 4, hdr.Affine)
	default:
		return nil, fmt.Errorf("volume header affine has %d values, want 16", len(hdr.Affine))
	}

	kind, err := parseKind(hdr.Statistic)
	if err != nil {
		return nil, err
	}
	return New(hdr.Dims[0], hdr.Dims[1], hdr.Dims[2], data, affine, kind, hdr.DF)
}

// Save writes the field as a binary data file plus a YAML sidecar
// header, the inverse of Load.
func Save(path string, f *VoxelField) error {
	hdr := header{
		Dims:      [3]int{f.Grid.NX, f.Grid.NY, f.Grid.NZ},
		Affine:    make([]float64, 0, 16),
		DF:        f.DF,
		Statistic: f.Kind.String(),
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			hdr.Affine = append(hdr.Affine, f.Affine.At(i, j))
		}
	}
	out, err := yaml.Marshal(&hdr)
	if err != nil {
		return fmt.Errorf("failed to marshal volume header: %w", err)
	}
	if err := os.WriteFile(headerPath(path), out, 0644); err != nil {
		return fmt.Errorf("failed to write volume header: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create volume data file: %w", err)
	}
	defer file.Close()
	if err := binary.Write(file, binary.LittleEndian, f.Data); err != nil {
		return fmt.Errorf("failed to write volume data: %w", err)
	}
	return nil
}

func parseKind(s string) (StatKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "Z", "GAUSSIAN":
		return StatGaussian, nil
	case "T":
		return StatT, nil
	case "F":
		return StatF, nil
	default:
		return 0, fmt.Errorf("unknown statistic kind %q", s)
	}
}

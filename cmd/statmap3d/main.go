package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"statmap3d/pkg/analysis"
	"statmap3d/pkg/config"
	"statmap3d/pkg/labeling"
	"statmap3d/pkg/render"
	"statmap3d/pkg/volume"
)

func main() {
	// Parse command line arguments
	inputPath := flag.String("input", "", "Raw statistical volume (binary float64 + YAML sidecar)")
	configPath := flag.String("config", "statmap3d.yaml", "Configuration file")
	threshold := flag.Float64("threshold", 0, "Cluster-defining voxel threshold (overrides config when set)")
	connectivity := flag.Int("connectivity", 0, "Labeling connectivity: 6, 18 or 26 (overrides config when set)")
	direction := flag.String("direction", "", "Cluster map direction: pos, neg or posneg (overrides config)")
	extent := flag.Int("extent", -1, "Minimum cluster extent in voxels (overrides config when >= 0)")
	separation := flag.Float64("separation", -1, "Minimum peak spacing in mm (overrides config when >= 0)")
	voxelLimit := flag.Int("voxel-limit", -1, "Maximum number of reported peaks (overrides config when >= 0)")
	spmCompatible := flag.Bool("spm-compatible", false, "Eliminate close peaks instead of merging them")
	method := flag.String("correction", "", "Correction method: none, voxelFWE or clusterFWE (overrides config)")
	alpha := flag.Float64("alpha", 0, "Family-wise error rate for correction (overrides config when set)")
	renderDir := flag.String("render-dir", "", "Write JPEG slice renderings to this directory (overrides config)")
	renderAxis := flag.String("render-axis", "", "Slice axis for renderings: x, y or z (overrides config)")
	verbose := flag.Bool("verbose", true, "Print progress output")
	flag.Parse()

	// Validate inputs
	if *inputPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Load configuration and apply command line overrides
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *threshold != 0 {
		cfg.Thresholding.Threshold = *threshold
	}
	if *connectivity != 0 {
		cfg.Thresholding.Connectivity = *connectivity
	}
	if *direction != "" {
		cfg.Thresholding.Direction = *direction
	}
	if *extent >= 0 {
		cfg.Thresholding.ExtentThreshold = *extent
	}
	if *separation >= 0 {
		cfg.Peaks.Separation = *separation
	}
	if *voxelLimit >= 0 {
		cfg.Peaks.VoxelLimit = *voxelLimit
	}
	if *spmCompatible {
		cfg.Peaks.SPMCompatible = true
	}
	if *method != "" {
		cfg.Correction.Method = *method
	}
	if *alpha != 0 {
		cfg.Correction.Alpha = *alpha
	}
	if *renderDir != "" {
		cfg.Output.RenderDir = *renderDir
	}
	if *renderAxis != "" {
		cfg.Output.RenderAxis = *renderAxis
	}
	cfg.Output.Verbose = *verbose

	dir, err := analysis.ParseDirection(cfg.Thresholding.Direction)
	if err != nil {
		log.Fatalf("Invalid direction: %v", err)
	}
	corr, err := analysis.ParseCorrection(cfg.Correction.Method)
	if err != nil {
		log.Fatalf("Invalid correction method: %v", err)
	}

	// Load the statistical volume
	field, err := volume.Load(*inputPath)
	if err != nil {
		log.Fatalf("Failed to load volume: %v", err)
	}
	if cfg.Output.Verbose {
		fmt.Printf("Loaded %s volume %dx%dx%d (df=%g)\n",
			field.Kind, field.Grid.NX, field.Grid.NY, field.Grid.NZ, field.DF)
	}

	params := &analysis.Params{
		Threshold:       cfg.Thresholding.Threshold,
		Connectivity:    cfg.Thresholding.Connectivity,
		Direction:       dir,
		SPMCompatible:   cfg.Peaks.SPMCompatible,
		VoxelLimit:      cfg.Peaks.VoxelLimit,
		Separation:      cfg.Peaks.Separation,
		ExtentThreshold: cfg.Thresholding.ExtentThreshold,
		Alpha:           cfg.Correction.Alpha,
		Correction:      corr,
		FWHM:            cfg.Correction.FWHM,
		Conjunctions:    cfg.Correction.Conjunctions,
		Verbose:         cfg.Output.Verbose,
	}

	start := time.Now()
	result, err := analysis.New(params).Run(field)
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	switch {
	case result.Diagnostics.NoSuprathreshold:
		fmt.Printf("No suprathreshold voxels at u=%.4f\n", result.Diagnostics.ThresholdUsed)
	case result.Diagnostics.NoClustersSurviveExtent:
		fmt.Printf("No clusters survive extent threshold k=%d\n", result.Diagnostics.ExtentUsed)
	default:
		if err := result.Table.Write(os.Stdout); err != nil {
			log.Fatalf("Failed to write table: %v", err)
		}
	}
	if result.Diagnostics.CorrectionDisabled {
		fmt.Println("Note: correction disabled (statistic requires degrees of freedom)")
	}
	if cfg.Output.RenderDir != "" {
		var m *labeling.FilteredMap
		switch dir {
		case analysis.Negative:
			m = result.Maps.Neg
		case analysis.Both:
			m = result.Maps.Either
		default:
			m = result.Maps.Pos
		}
		r, err := render.New(field, m)
		if err != nil {
			log.Fatalf("Failed to build renderer: %v", err)
		}
		r.Peaks = result.Peaks
		if err := r.SaveSliceSequence(cfg.Output.RenderAxis, cfg.Output.RenderDir); err != nil {
			log.Fatalf("Failed to render slices: %v", err)
		}
		if cfg.Output.Verbose {
			fmt.Printf("Rendered slices to %s\n", cfg.Output.RenderDir)
		}
	}
	if cfg.Output.Verbose {
		fmt.Printf("Completed in %v\n", time.Since(start))
	}
}

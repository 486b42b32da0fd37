// Package config provides configuration loading and management for
// statmap3d. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Thresholding parameters
	Thresholding struct {
		// Threshold is the cluster-defining voxel threshold u
		Threshold float64 `yaml:"threshold"`

		// Connectivity is the neighbor rule for labeling (6, 18 or 26)
		Connectivity int `yaml:"connectivity"`

		// Direction selects the cluster map: pos, neg or posneg
		Direction string `yaml:"direction"`

		// ExtentThreshold is the minimum cluster size in voxels
		ExtentThreshold int `yaml:"extentThreshold"`
	} `yaml:"thresholding"`

	// Peak detection parameters
	Peaks struct {
		// Separation is the minimum peak spacing in mm
		Separation float64 `yaml:"separation"`

		// VoxelLimit caps the number of reported peaks
		VoxelLimit int `yaml:"voxelLimit"`

		// SPMCompatible switches the collapser to eliminate mode
		SPMCompatible bool `yaml:"spmCompatible"`
	} `yaml:"peaks"`

	// Correction parameters
	Correction struct {
		// Method is none, voxelFWE or clusterFWE
		Method string `yaml:"method"`

		// Alpha is the target family-wise error rate
		Alpha float64 `yaml:"alpha"`

		// FWHM is the field smoothness in mm per axis
		FWHM [3]float64 `yaml:"fwhm"`

		// Conjunctions is the number of conjoined maps
		Conjunctions int `yaml:"conjunctions"`
	} `yaml:"correction"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// RenderDir, when set, receives JPEG slice renderings of the
		// thresholded map
		RenderDir string `yaml:"renderDir"`

		// RenderAxis is the slice axis for renderings: x, y or z
		RenderAxis string `yaml:"renderAxis"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default thresholding parameters
	cfg.Thresholding.Threshold = 3.0
	cfg.Thresholding.Connectivity = 18
	cfg.Thresholding.Direction = "pos"
	cfg.Thresholding.ExtentThreshold = 0

	// Set default peak parameters
	cfg.Peaks.Separation = 8.0
	cfg.Peaks.VoxelLimit = 0
	cfg.Peaks.SPMCompatible = false

	// Set default correction parameters
	cfg.Correction.Method = "none"
	cfg.Correction.Alpha = 0.05
	cfg.Correction.FWHM = [3]float64{0, 0, 0}
	cfg.Correction.Conjunctions = 1

	// Set default output parameters
	cfg.Output.Verbose = true
	cfg.Output.RenderDir = ""
	cfg.Output.RenderAxis = "z"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

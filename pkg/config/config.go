// Package config provides configuration loading and management for ctorganprep.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"ctorganprep/internal/models"
	"ctorganprep/pkg/caseload"
	"ctorganprep/pkg/review"
	"ctorganprep/pkg/transform"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Geometry pipeline parameters
	Pipeline struct {
		// TargetShape is the (depth, height, width) grid the model consumes
		TargetShape [3]int `yaml:"targetShape"`

		// LowerPercentile and UpperPercentile bound the intensity window
		LowerPercentile float64 `yaml:"lowerPercentile"`
		UpperPercentile float64 `yaml:"upperPercentile"`

		// EmptyForeground is "full" (keep the whole image) or "error"
		EmptyForeground string `yaml:"emptyForeground"`

		// NumCores specifies how many CPU cores to use for resampling
		NumCores int `yaml:"numCores"`
	} `yaml:"pipeline"`

	// Input data layout
	Data struct {
		// SearchRoots are tried, in order, when the image is not in the case directory
		SearchRoots []string `yaml:"searchRoots"`

		// SegmentationsDir is the folder of per-organ masks inside a case
		SegmentationsDir string `yaml:"segmentationsDir"`

		// CompositeOrgans maps a composite organ to the masks merged into it
		CompositeOrgans map[string][]string `yaml:"compositeOrgans"`

		// AffineTolerance is the largest allowed difference between image and mask affines
		AffineTolerance float64 `yaml:"affineTolerance"`
	} `yaml:"data"`

	// Output parameters
	Output struct {
		// DebugInverted also writes predictions on the model grid as <name>_tf.nii.gz
		DebugInverted bool `yaml:"debugInverted"`

		// SaveTransformed makes invert also write the forward-transformed image and mask next to its output
		SaveTransformed bool `yaml:"saveTransformed"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Review workflow parameters
	Review struct {
		// ResultDir holds raw/ and final/ CSV logs
		ResultDir string `yaml:"resultDir"`

		// ImageRoot is the directory task image directories are relative to
		ImageRoot string `yaml:"imageRoot"`

		// LabelsRoot holds the reference case directories used for the presence label
		LabelsRoot string `yaml:"labelsRoot"`

		// JudgeCommand is run once per question; see review.ExecJudge
		JudgeCommand []string `yaml:"judgeCommand,omitempty"`

		// RenderSize is the longer side of rendered projections in pixels
		RenderSize int `yaml:"renderSize"`

		// Tasks is the review task catalog
		Tasks []review.Task `yaml:"tasks"`
	} `yaml:"review"`

	// Metrics parameters
	Metrics struct {
		// TextfilePath is where batch metrics are written; empty disables them
		TextfilePath string `yaml:"textfilePath"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default pipeline parameters
	params := transform.DefaultParams()
	cfg.Pipeline.TargetShape = params.TargetShape
	cfg.Pipeline.LowerPercentile = params.LowerPercentile
	cfg.Pipeline.UpperPercentile = params.UpperPercentile
	cfg.Pipeline.EmptyForeground = string(params.EmptyForeground)
	cfg.Pipeline.NumCores = runtime.NumCPU() // Use all available cores by default

	// Set default data layout
	cfg.Data.SearchRoots = []string{}
	cfg.Data.SegmentationsDir = "segmentations"
	cfg.Data.CompositeOrgans = caseload.DefaultComposites()
	cfg.Data.AffineTolerance = 1e-3

	// Set default output parameters
	cfg.Output.DebugInverted = false
	cfg.Output.SaveTransformed = false
	cfg.Output.Verbose = true

	// Set default review parameters
	cfg.Review.ResultDir = filepath.Join("results", "llava")
	cfg.Review.RenderSize = 512
	cfg.Review.Tasks = review.DefaultTasks()

	return cfg
}

// Validate rejects configurations the pipeline cannot run with
func (c *Config) Validate() error {
	if err := c.PipelineParams().Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := caseload.Composites(c.Data.CompositeOrgans).Validate(); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if c.Data.AffineTolerance < 0 {
		return fmt.Errorf("data: affine tolerance must not be negative")
	}
	if c.Review.RenderSize <= 0 {
		return fmt.Errorf("review: render size must be positive")
	}
	for _, t := range c.Review.Tasks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("review: %w", err)
		}
	}
	return nil
}

// PipelineParams converts the pipeline section into transform parameters
func (c *Config) PipelineParams() transform.Params {
	return transform.Params{
		TargetShape:     models.Shape(c.Pipeline.TargetShape),
		LowerPercentile: c.Pipeline.LowerPercentile,
		UpperPercentile: c.Pipeline.UpperPercentile,
		EmptyForeground: transform.EmptyForegroundPolicy(c.Pipeline.EmptyForeground),
		NumCores:        c.Pipeline.NumCores,
	}
}

// LoaderOptions converts the data section into case loader options
func (c *Config) LoaderOptions() []caseload.Option {
	return []caseload.Option{
		caseload.WithSearchRoots(c.Data.SearchRoots...),
		caseload.WithSegmentationDir(c.Data.SegmentationsDir),
		caseload.WithComposites(caseload.Composites(c.Data.CompositeOrgans)),
		caseload.WithAffineTolerance(c.Data.AffineTolerance),
	}
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
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

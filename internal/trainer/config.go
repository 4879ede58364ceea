package trainer

import (
	"errors"

	"github.com/ChizhovVadim/valuenet/internal/amp"
	"github.com/ChizhovVadim/valuenet/internal/corpus"
	"github.com/ChizhovVadim/valuenet/internal/loader"
	"github.com/ChizhovVadim/valuenet/internal/nn"
)

// ResumeLatest as ResumePath continues from the newest checkpoint in CheckpointDir.
const ResumeLatest = "latest"

// ExportName is the file written into CheckpointDir when Export is set.
const ExportName = "valuenet.nn"

type Config struct {
	CorpusPath    string
	BatchSize     int
	Epochs        int
	LearningRate  float64
	Workers       int
	Network       nn.Config
	SaveEvery     int
	LogEvery      int
	CheckpointDir string
	ResumePath    string
	Export        bool
	// MaxSteps stops training after this global step. Zero means no limit.
	MaxSteps      uint64
	// Device is resolved by the caller, see amp.SelectDevice.
	Device        amp.Device
	Seed          int64
	ClipPawns     float64
	GradClip      float64
	Policy        loader.Policy
	Mirror        bool
	VerifyIndex   bool
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     32,
		Epochs:        5,
		LearningRate:  1e-4,
		Workers:       5,
		Network:       nn.DefaultConfig(),
		SaveEvery:     2000,
		LogEvery:      200,
		CheckpointDir: "checkpoints",
		Device:        amp.Device{Name: amp.DeviceCPU},
		ClipPawns:     corpus.DefaultClipPawns,
		GradClip:      5.0,
		Policy:        loader.PolicyAbort,
	}
}

func (c *Config) Validate() error {
	if c.CorpusPath == "" {
		return errors.New("corpus path is required")
	}
	if c.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	if c.Epochs < 0 {
		return errors.New("epochs must not be negative")
	}
	if c.LearningRate <= 0 {
		return errors.New("learning rate must be positive")
	}
	if c.SaveEvery <= 0 || c.LogEvery <= 0 {
		return errors.New("save and log intervals must be positive")
	}
	if c.CheckpointDir == "" {
		return errors.New("checkpoint directory is required")
	}
	if c.ClipPawns <= 0 || c.GradClip <= 0 {
		return errors.New("clip values must be positive")
	}
	return c.Network.Validate()
}

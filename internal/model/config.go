package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

// HeadDim is the only attention head width the causal mask operator supports.
const HeadDim = 64

// Config holds the GPT-2 hyperparameters read from a Hugging Face
// config.json.
type Config struct {
	ModelType        string  `json:"model_type"`
	VocabSize        int     `json:"vocab_size"`
	NPositions       int     `json:"n_positions"`
	NEmbd            int     `json:"n_embd"`
	NLayer           int     `json:"n_layer"`
	NHead            int     `json:"n_head"`
	NInner           *int    `json:"n_inner"`
	LayerNormEpsilon float64 `json:"layer_norm_epsilon"`
}

// ParseConfig decodes and validates a config.json payload.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse model config: %w", err)
	}
	if cfg.LayerNormEpsilon == 0 {
		cfg.LayerNormEpsilon = 1e-5
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads the config.json at path.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read model config: %w", err)
	}
	return ParseConfig(raw)
}

// Validate checks that the dimensions describe a model the graph can run.
func (c Config) Validate() error {
	if c.ModelType != "" && c.ModelType != "gpt2" {
		return fmt.Errorf("unsupported model_type %q", c.ModelType)
	}
	switch {
	case c.VocabSize <= 0:
		return errors.New("vocab_size must be set")
	case c.NPositions <= 0:
		return errors.New("n_positions must be set")
	case c.NEmbd <= 0:
		return errors.New("n_embd must be set")
	case c.NLayer <= 0:
		return errors.New("n_layer must be set")
	case c.NHead <= 0:
		return errors.New("n_head must be set")
	}
	if c.NEmbd%c.NHead != 0 || c.NEmbd/c.NHead != HeadDim {
		return fmt.Errorf("head dim %d/%d: attention requires %d", c.NEmbd, c.NHead, HeadDim)
	}
	if c.NInner != nil && *c.NInner <= 0 {
		return fmt.Errorf("invalid n_inner %d", *c.NInner)
	}
	return nil
}

// Inner returns the MLP width, 4*n_embd unless n_inner is set.
func (c Config) Inner() int {
	if c.NInner != nil {
		return *c.NInner
	}
	return 4 * c.NEmbd
}

// ResolveArtifact maps a model path to its config and weights files. path is
// either a directory holding config.json and model.safetensors, or a
// .safetensors file with config.json next to it.
func ResolveArtifact(path string) (configPath, weightsPath string, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", fmt.Errorf("model path: %w", err)
	}
	if info.IsDir() {
		configPath = filepath.Join(path, "config.json")
		weightsPath = filepath.Join(path, "model.safetensors")
	} else {
		if !strings.HasSuffix(strings.ToLower(path), ".safetensors") {
			return "", "", fmt.Errorf("model path %s: expected a directory or .safetensors file", path)
		}
		configPath = filepath.Join(filepath.Dir(path), "config.json")
		weightsPath = path
	}
	for _, p := range []string{configPath, weightsPath} {
		if _, err := os.Stat(p); err != nil {
			return "", "", fmt.Errorf("model artifact: %w", err)
		}
	}
	return configPath, weightsPath, nil
}

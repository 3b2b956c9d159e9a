package checkpoint

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"math"
	"path/filepath"
)

// SigmoidTrainable is a minimal trainable whose reward follows
// tanh(timestep/width)*height. It is used to exercise checkpointing without a
// real workload.
type SigmoidTrainable struct {
	Timestep int64
	Width    float64
	Height   float64
}

var _ Trainable = (*SigmoidTrainable)(nil)

type sigmoidState struct {
	Timestep int64 `json:"timestep"`
}

// Setup reads the optional "width" and "height" keys, both defaulting to 1.
func (s *SigmoidTrainable) Setup(cfg Config) error {
	s.Timestep = 0
	s.Width, s.Height = 1, 1

	for key, dst := range map[string]*float64{"width": &s.Width, "height": &s.Height} {
		v, ok := cfg[key]
		if !ok {
			continue
		}
		f, err := toFloat(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = f
	}
	if s.Width == 0 {
		return fmt.Errorf("width must not be zero")
	}
	return nil
}

func (s *SigmoidTrainable) Step() (Result, error) {
	s.Timestep++
	v := math.Tanh(float64(s.Timestep)/s.Width) * s.Height
	return Result{"timestep": s.Timestep, "episode_reward_mean": v}, nil
}

func (s *SigmoidTrainable) SaveCheckpoint(dir string) (string, error) {
	p := filepath.Join(dir, "checkpoint")
	b, err := json.Marshal(sigmoidState{Timestep: s.Timestep})
	if err != nil {
		return "", err
	}
	return p, ioutil.WriteFile(p, b, 0o644)
}

func (s *SigmoidTrainable) LoadCheckpoint(path string) error {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	var st sigmoidState
	if err := json.Unmarshal(b, &st); err != nil {
		return &CorruptionError{Path: path, Reason: "malformed state", Err: err}
	}
	s.Timestep = st.Timestep
	return nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

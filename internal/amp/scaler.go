package amp

const (
	InitialScale   = 65536.0
	GrowthFactor   = 2.0
	BackoffFactor  = 0.5
	GrowthInterval = 2000
)

type ScalerState struct {
	Scale     float64
	GoodSteps uint64
}

// Scaler adapts the loss multiplier: it backs off when scaled gradients
// overflow and grows after GrowthInterval consecutive finite steps.
// A disabled scaler always reports scale 1.
type Scaler struct {
	enabled bool
	state   ScalerState
}

func NewScaler(enabled bool) *Scaler {
	var s = &Scaler{enabled: enabled}
	s.state.Scale = 1
	if enabled {
		s.state.Scale = InitialScale
	}
	return s
}

func (s *Scaler) Enabled() bool { return s.enabled }

func (s *Scaler) Scale() float64 { return s.state.Scale }

func (s *Scaler) Update(foundNonFinite bool) {
	if !s.enabled {
		return
	}
	if foundNonFinite {
		s.state.Scale *= BackoffFactor
		s.state.GoodSteps = 0
		return
	}
	s.state.GoodSteps++
	if s.state.GoodSteps >= GrowthInterval {
		s.state.Scale *= GrowthFactor
		s.state.GoodSteps = 0
	}
}

func (s *Scaler) State() ScalerState { return s.state }

// SetState is ignored by a disabled scaler, so checkpoints move freely between devices.
func (s *Scaler) SetState(state ScalerState) {
	if !s.enabled || state.Scale <= 0 {
		return
	}
	s.state = state
}

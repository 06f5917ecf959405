package search

// Params are the tunable search constants. Every field has a documented
// default and a clamped range. The UCI layer surfaces the PUCT, FPU,
// policy temperature, batch size, smart-pruning, KLD-gain, move overhead
// and slowmover fields as options; the rest keep their defaults there.
type Params struct {
	// PUCT exploration: C(N) = CpuctInit + log((N + CpuctBase + 1) / CpuctBase).
	CpuctInit float64 // [0, 100], default 1.745
	CpuctBase float64 // [1, 1e9], default 19652

	// First-play urgency: an unvisited child is scored as the parent's
	// value minus FpuReduction scaled by the square root of the prior
	// mass already visited.
	FpuReduction float64 // [-100, 100], default 0.33

	// Softmax temperature applied to policy logits at expansion.
	PolicySoftmaxTemp float64 // [0.1, 10], default 1.0

	// Root move sampling temperature. Zero picks the max-visit move;
	// self-play sets it positive for opening diversity.
	Temperature float64 // [0, 10], default 0

	// Batch collection.
	MiniBatchSize      int // [1, 64], default 16
	MaxCollisionEvents int // [1, 1024], default 32

	// Stoppers.
	SmartPruningFactor     float64 // [0, 10], default 1.33; 0 disables
	KLDGainAverageInterval int64   // [1, 1e6], default 100
	MinimumKLDGainPerNode  float64 // [0, 1], default 0; 0 disables

	// Time management.
	MoveOverheadMs  int64   // [0, 10000], default 100
	Slowmover       float64 // [0.01, 100], default 1.0
	MaxTimeFraction float64 // (0, 1], default 0.3
	TimeSpareCapMs  int64   // [0, 60000], default 5000
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		CpuctInit:              1.745,
		CpuctBase:              19652,
		FpuReduction:           0.33,
		PolicySoftmaxTemp:      1.0,
		Temperature:            0,
		MiniBatchSize:          16,
		MaxCollisionEvents:     32,
		SmartPruningFactor:     1.33,
		KLDGainAverageInterval: 100,
		MinimumKLDGainPerNode:  0,
		MoveOverheadMs:         100,
		Slowmover:              1.0,
		MaxTimeFraction:        0.3,
		TimeSpareCapMs:         5000,
	}
}

// Clamp forces every field into its documented range.
func (p *Params) Clamp() {
	clampF(&p.CpuctInit, 0, 100)
	clampF(&p.CpuctBase, 1, 1e9)
	clampF(&p.FpuReduction, -100, 100)
	clampF(&p.PolicySoftmaxTemp, 0.1, 10)
	clampF(&p.Temperature, 0, 10)
	clampI(&p.MiniBatchSize, 1, 64)
	clampI(&p.MaxCollisionEvents, 1, 1024)
	clampF(&p.SmartPruningFactor, 0, 10)
	clampI64(&p.KLDGainAverageInterval, 1, 1e6)
	clampF(&p.MinimumKLDGainPerNode, 0, 1)
	clampI64(&p.MoveOverheadMs, 0, 10000)
	clampF(&p.Slowmover, 0.01, 100)
	clampF(&p.MaxTimeFraction, 0.001, 1)
	clampI64(&p.TimeSpareCapMs, 0, 60000)
}

func clampF(v *float64, lo, hi float64) {
	if *v < lo {
		*v = lo
	} else if *v > hi {
		*v = hi
	}
}

func clampI(v *int, lo, hi int) {
	if *v < lo {
		*v = lo
	} else if *v > hi {
		*v = hi
	}
}

func clampI64(v *int64, lo, hi int64) {
	if *v < lo {
		*v = lo
	} else if *v > hi {
		*v = hi
	}
}

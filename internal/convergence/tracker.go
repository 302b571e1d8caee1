// Package convergence tracks whether a healing session's error count is
// actually moving toward zero.
package convergence

// Classification is the trend label for a tail of error counts.
type Classification string

const (
	Unknown   Classification = "UNKNOWN"
	Improving Classification = "IMPROVING"
	Plateau   Classification = "PLATEAU"
	Worsening Classification = "WORSENING"
)

// DefaultImprovementWindow is the number of trailing counts classified.
const DefaultImprovementWindow = 3

// Config configures a Tracker.
type Config struct {
	// ImprovementWindow is how many trailing error counts are classified (default: 3).
	ImprovementWindow int `koanf:"improvement_window"`

	// WindowSize is the capacity of trend windows (default: 20).
	WindowSize int `koanf:"window_size"`
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		ImprovementWindow: DefaultImprovementWindow,
		WindowSize:        DefaultWindowSize,
	}
}

// Observation is the tracker's reading of the latest attempt.
type Observation struct {
	Delta          int            `json:"delta"`
	Classification Classification `json:"classification"`
	Oscillating    bool           `json:"oscillating"`
}

// Tracker classifies error count series.
type Tracker struct {
	window int
}

// NewTracker creates a tracker. A non-positive window uses the default.
func NewTracker(window int) *Tracker {
	if window < 2 {
		window = DefaultImprovementWindow
	}
	return &Tracker{window: window}
}

// Window returns the classification window size.
func (t *Tracker) Window() int {
	return t.window
}

// Delta returns prev - cur. Positive values are improvements.
func Delta(prev, cur int) int {
	return prev - cur
}

// Classify labels the trailing window of counts.
//
// An oscillating tail never classifies as IMPROVING: a net gain is downgraded
// to PLATEAU and anything else is WORSENING.
func (t *Tracker) Classify(counts []int) Classification {
	tail := t.tail(counts)
	if len(tail) < 2 {
		return Unknown
	}
	net := tail[0] - tail[len(tail)-1]

	if IsOscillating(tail) {
		if net > 0 {
			return Plateau
		}
		return Worsening
	}
	switch {
	case net > 0:
		return Improving
	case net < 0:
		return Worsening
	default:
		return Plateau
	}
}

// Observe reports the latest delta and the classification of counts.
func (t *Tracker) Observe(counts []int) Observation {
	obs := Observation{Classification: t.Classify(counts)}
	if n := len(counts); n >= 2 {
		obs.Delta = Delta(counts[n-2], counts[n-1])
	}
	obs.Oscillating = IsOscillating(t.tail(counts))
	return obs
}

func (t *Tracker) tail(counts []int) []int {
	if len(counts) > t.window {
		return counts[len(counts)-t.window:]
	}
	return counts
}

// IsOscillating reports whether counts both rise and fall between consecutive points.
func IsOscillating(counts []int) bool {
	if len(counts) < 3 {
		return false
	}
	var up, down bool
	for i := 1; i < len(counts); i++ {
		switch {
		case counts[i] > counts[i-1]:
			up = true
		case counts[i] < counts[i-1]:
			down = true
		}
	}
	return up && down
}

// Quality scores one attempt's fix quality in [0,1]: the fraction of errors removed.
func Quality(before, after int) float64 {
	if after <= 0 {
		return 1
	}
	if before <= 0 || after >= before {
		return 0
	}
	return float64(before-after) / float64(before)
}

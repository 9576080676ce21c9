package stats

import (
	"math"
	"time"

	"github.com/cubewise-code/rushti/internal/model"
)

// EstimatorConfig carries the Estimator's tunables (spec §4.7).
type EstimatorConfig struct {
	Alpha        float64 // smoothing factor, default 0.3
	MinSamples   int
	LookbackRuns int
	CacheFor     time.Duration
	TimeOfDay    bool
}

// DefaultEstimatorConfig returns the spec's documented defaults.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{Alpha: 0.3, MinSamples: 3, LookbackRuns: 20, CacheFor: 6 * time.Hour}
}

// Estimator computes an EWMA-based duration estimate per TaskSignature,
// used by the Scheduler's ordering policy (spec §4.4). The
// ContentionAnalyzer computes its own EWMA and does not use it.
type Estimator struct {
	store  *Store
	config EstimatorConfig
	now    func() time.Time

	cache map[string]cachedEstimate
}

type cachedEstimate struct {
	seconds    float64
	computedAt time.Time
}

// NewEstimator constructs an Estimator reading through store.
func NewEstimator(store *Store, config EstimatorConfig) *Estimator {
	return &Estimator{store: store, config: config, now: time.Now, cache: map[string]cachedEstimate{}}
}

// Cost returns the estimated duration for a task, or ok=false if fewer than
// MinSamples successful observations exist for its signature.
func (e *Estimator) Cost(t model.Task) (time.Duration, bool) {
	sig := t.Signature()

	if !e.config.TimeOfDay {
		if c, ok := e.cache[sig]; ok && e.now().Sub(c.computedAt) < e.config.CacheFor {
			return time.Duration(c.seconds * float64(time.Second)), true
		}
	}

	obs, err := e.store.Recent(sig, e.config.LookbackRuns)
	if err != nil || len(obs) < e.config.MinSamples {
		return 0, false
	}

	var value float64
	var weightedAny bool
	if e.config.TimeOfDay {
		value, weightedAny = e.weightedEWMA(obs)
	} else {
		value = ewma(obs, e.config.Alpha)
		weightedAny = true
	}
	if !weightedAny {
		return 0, false
	}

	if !e.config.TimeOfDay {
		e.cache[sig] = cachedEstimate{seconds: value, computedAt: e.now()}
	}
	return time.Duration(value * float64(time.Second)), true
}

// ewma applies the update rule of spec §3 over observations ordered
// most-recent-first, folding oldest to newest so the final value weighs
// recent samples most heavily.
func ewma(obs []Observation, alpha float64) float64 {
	// obs is most-recent-first; fold in reverse (oldest first).
	value := obs[len(obs)-1].Duration.Seconds()
	for i := len(obs) - 2; i >= 0; i-- {
		d := obs[i].Duration.Seconds()
		value = alpha*d + (1-alpha)*value
	}
	return value
}

// weightedEWMA implements the optional "time-of-day" mode: samples are
// weighted by the cosine-similarity of their hour-of-day to the current
// hour (spec §4.7), rather than uniformly.
func (e *Estimator) weightedEWMA(obs []Observation) (float64, bool) {
	nowHour := float64(e.now().Hour())
	var weightedSum, weightTotal float64
	for _, o := range obs {
		h := float64(o.Start.Hour())
		angle := 2 * math.Pi * (h - nowHour) / 24.0
		w := (math.Cos(angle) + 1) / 2 // in [0,1], 1 = same hour
		weightedSum += w * o.Duration.Seconds()
		weightTotal += w
	}
	if weightTotal == 0 {
		return 0, false
	}
	return weightedSum / weightTotal, true
}

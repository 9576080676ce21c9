// Package contention implements the ContentionAnalyzer of spec §4.7: it
// mines a workflow's execution history for a parameter that drives duration
// variance, detects which values of that parameter form heavy outlier
// groups, and proposes predecessor chains that keep heavy groups from
// running concurrently, plus a recommended worker count.
//
// The pipeline (driver detection -> IQR fencing -> chain building -> worker
// recommendation) is grounded on original_source/rushti/contention_analyzer.py;
// the surrounding Store/Estimator plumbing is grounded on
// github.com/cubewise-code/rushti/internal/stats.
package contention

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cubewise-code/rushti/internal/model"
	"github.com/cubewise-code/rushti/internal/stats"
)

// Config carries the analyzer's tunables, mirroring analyze_contention's
// keyword defaults in the original.
type Config struct {
	Sensitivity   float64 // IQR multiplier; higher is more conservative
	LookbackRuns  int
	EWMAAlpha     float64
	MinRangeRatio float64 // winner must exceed runner-up range by this ratio
}

// DefaultConfig returns the original's documented defaults.
func DefaultConfig() Config {
	return Config{Sensitivity: 10.0, LookbackRuns: 10, EWMAAlpha: 0.3, MinRangeRatio: 5.0}
}

// ParameterAnalysis is one candidate parameter's influence on duration.
type ParameterAnalysis struct {
	Key            string
	DistinctValues int
	GroupAverages  map[string]float64
	RangeSeconds   float64
}

// Group is the set of tasks sharing one contention-driver value.
type Group struct {
	DriverValue string
	TaskIDs     []string
	AvgDuration float64
	IsHeavy     bool
}

// Result is the complete output of one analysis pass.
type Result struct {
	ContentionDriver    string
	FanOutKeys          []string
	HeavyGroups         []Group
	LightGroups         []Group
	AllGroups           []Group
	ChainLength         int
	FanOutSize          int
	CriticalPathSeconds float64
	RecommendedWorkers  int
	Sensitivity         float64
	IQRStats            map[string]float64
	PredecessorMap      map[string][]string
	Warnings            []string
	ParameterAnalyses   []ParameterAnalysis
	Message             string // set on the inconclusive/empty path
}

func (r *Result) TotalTasks() int {
	n := 0
	for _, g := range r.AllGroups {
		n += len(g.TaskIDs)
	}
	return n
}

type taskParam struct {
	taskID     string
	signature  string
	parameters map[string]string
}

// Analyze runs the full pipeline against a workflow's history in store.
func Analyze(store *stats.Store, workflow string, cfg Config) (*Result, error) {
	rows, err := store.WorkflowHistory(workflow, cfg.LookbackRuns)
	if err != nil {
		return nil, err
	}

	ewmaMap := computeEWMADurations(rows, cfg.EWMAAlpha)
	if len(ewmaMap) == 0 {
		return emptyResult("no historical data found for workflow", cfg.Sensitivity), nil
	}

	taskParams := latestTaskParameters(rows)
	if len(taskParams) == 0 {
		return emptyResult("no task data found for workflow", cfg.Sensitivity), nil
	}

	varyingKeys := identifyVaryingParameters(taskParams)
	if len(varyingKeys) == 0 {
		return emptyResult("no varying parameters found: all tasks have identical parameters", cfg.Sensitivity), nil
	}

	driver, allAnalyses := findContentionDriver(taskParams, ewmaMap, varyingKeys, cfg.MinRangeRatio)
	if driver == nil {
		msg := "could not identify a clear contention-driving parameter"
		if len(allAnalyses) > 0 {
			n := len(allAnalyses)
			if n > 3 {
				n = 3
			}
			var details []string
			for _, a := range allAnalyses[:n] {
				details = append(details, a.Key)
			}
			msg += " (candidates: " + strings.Join(details, ", ") + ")"
		}
		res := emptyResult(msg, cfg.Sensitivity)
		res.ParameterAnalyses = allAnalyses
		return res, nil
	}

	contentionDriver := driver.Key
	var fanOutKeys []string
	for _, k := range varyingKeys {
		if k != contentionDriver {
			fanOutKeys = append(fanOutKeys, k)
		}
	}

	fanOutSize := countFanOutValues(taskParams, fanOutKeys)

	groupsByValue := map[string]*Group{}
	for _, tp := range taskParams {
		v := tp.parameters[contentionDriver]
		g, ok := groupsByValue[v]
		if !ok {
			g = &Group{DriverValue: v}
			groupsByValue[v] = g
		}
		g.TaskIDs = append(g.TaskIDs, tp.taskID)
	}
	for v, g := range groupsByValue {
		g.AvgDuration = driver.GroupAverages[v]
	}
	var allGroups []Group
	for _, g := range groupsByValue {
		allGroups = append(allGroups, *g)
	}
	sort.Slice(allGroups, func(i, j int) bool { return allGroups[i].AvgDuration > allGroups[j].AvgDuration })

	heavy, light, iqrStats := detectHeavyOutliers(allGroups, cfg.Sensitivity)

	if len(heavy) < 2 {
		warn := "fewer than 2 heavy groups detected: chaining requires at least 2"
		lightOut := light
		if len(heavy) == 0 {
			lightOut = allGroups
		}
		return &Result{
			ContentionDriver:    contentionDriver,
			FanOutKeys:          fanOutKeys,
			HeavyGroups:         heavy,
			LightGroups:         lightOut,
			AllGroups:           allGroups,
			ChainLength:         len(heavy),
			FanOutSize:          fanOutSize,
			CriticalPathSeconds: sumDurations(heavy),
			RecommendedWorkers:  fanOutSize,
			Sensitivity:         cfg.Sensitivity,
			IQRStats:            iqrStats,
			PredecessorMap:      map[string][]string{},
			Warnings:            []string{warn},
			ParameterAnalyses:   allAnalyses,
		}, nil
	}

	predecessorMap := buildPredecessorChains(heavy, taskParams, contentionDriver, fanOutKeys)
	recommendedWorkers := recommendMaxWorkers(heavy, light, fanOutSize)

	return &Result{
		ContentionDriver:    contentionDriver,
		FanOutKeys:          fanOutKeys,
		HeavyGroups:         heavy,
		LightGroups:         light,
		AllGroups:           allGroups,
		ChainLength:         len(heavy),
		FanOutSize:          fanOutSize,
		CriticalPathSeconds: sumDurations(heavy),
		RecommendedWorkers:  recommendedWorkers,
		Sensitivity:         cfg.Sensitivity,
		IQRStats:            iqrStats,
		PredecessorMap:      predecessorMap,
		ParameterAnalyses:   allAnalyses,
	}, nil
}

func emptyResult(message string, sensitivity float64) *Result {
	return &Result{
		Sensitivity:    sensitivity,
		IQRStats:       map[string]float64{"q1": 0, "q3": 0, "iqr": 0, "upper_fence": 0},
		PredecessorMap: map[string][]string{},
		Message:        message,
	}
}

// computeEWMADurations folds each signature's successful durations into one
// smoothed estimate, applying the same outlier-dampening rule as the
// optimizer's EWMA: a duration more than 3x the running average is clamped
// to 2x before it's folded in, so a single stalled run doesn't blow out the
// driver-detection signal. This is intentionally separate from
// internal/stats.Estimator's plain ewma - the analyzer needs dampening
// because it is specifically hunting for genuine per-group variance, not
// approximating "what will this task cost next".
func computeEWMADurations(rows []stats.TaskHistoryRow, alpha float64) map[string]float64 {
	bySignature := map[string][]stats.TaskHistoryRow{}
	for _, r := range rows {
		bySignature[r.Signature] = append(bySignature[r.Signature], r)
	}

	out := map[string]float64{}
	for sig, obs := range bySignature {
		sort.Slice(obs, func(i, j int) bool { return obs[i].Start.Before(obs[j].Start) })
		durations := make([]float64, len(obs))
		for i, o := range obs {
			durations[i] = o.Duration.Seconds()
		}
		if len(durations) == 0 {
			continue
		}
		ewma := durations[0]
		for _, d := range durations[1:] {
			if ewma > 0 && d > ewma*3.0 {
				d = math.Min(d, ewma*2.0)
			}
			ewma = alpha*d + (1-alpha)*ewma
		}
		out[sig] = ewma
	}
	return out
}

// latestTaskParameters collapses history rows to one entry per task id,
// keeping the most recent observation's parameter set.
func latestTaskParameters(rows []stats.TaskHistoryRow) []taskParam {
	latest := map[string]stats.TaskHistoryRow{}
	for _, r := range rows {
		cur, ok := latest[r.TaskID]
		if !ok || r.Start.After(cur.Start) {
			latest[r.TaskID] = r
		}
	}
	out := make([]taskParam, 0, len(latest))
	for id, r := range latest {
		params := map[string]string{}
		if r.ParametersJSON != "" {
			_ = json.Unmarshal([]byte(r.ParametersJSON), &params)
		}
		out = append(out, taskParam{taskID: id, signature: r.Signature, parameters: params})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].taskID < out[j].taskID })
	return out
}

// identifyVaryingParameters returns parameter keys that take more than one
// distinct value across taskParams, i.e. the candidates for contention
// driver or fan-out dimension.
func identifyVaryingParameters(taskParams []taskParam) []string {
	keyValues := map[string]map[string]bool{}
	for _, tp := range taskParams {
		for k, v := range tp.parameters {
			if keyValues[k] == nil {
				keyValues[k] = map[string]bool{}
			}
			keyValues[k][v] = true
		}
	}
	var out []string
	for k, vs := range keyValues {
		if len(vs) > 1 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// findContentionDriver picks the varying parameter whose per-value group
// average durations range the widest, requiring the winner's range to
// exceed the runner-up's by minRangeRatio so an ambiguous signal isn't
// mistaken for a real driver.
func findContentionDriver(taskParams []taskParam, ewmaMap map[string]float64, varyingKeys []string, minRangeRatio float64) (*ParameterAnalysis, []ParameterAnalysis) {
	var analyses []ParameterAnalysis
	for _, key := range varyingKeys {
		groups := map[string][]float64{}
		for _, tp := range taskParams {
			v := tp.parameters[key]
			if d, ok := ewmaMap[tp.signature]; ok {
				groups[v] = append(groups[v], d)
			}
		}
		groupAvgs := map[string]float64{}
		for v, durations := range groups {
			if len(durations) == 0 {
				continue
			}
			groupAvgs[v] = mean(durations)
		}
		if len(groupAvgs) == 0 {
			continue
		}
		lo, hi := minMax(groupAvgs)
		analyses = append(analyses, ParameterAnalysis{
			Key:            key,
			DistinctValues: len(groupAvgs),
			GroupAverages:  groupAvgs,
			RangeSeconds:   hi - lo,
		})
	}

	sort.SliceStable(analyses, func(i, j int) bool { return analyses[i].RangeSeconds > analyses[j].RangeSeconds })
	if len(analyses) == 0 {
		return nil, analyses
	}

	winner := analyses[0]
	if len(analyses) > 1 {
		runnerUp := analyses[1]
		if runnerUp.RangeSeconds > 0 {
			ratio := winner.RangeSeconds / runnerUp.RangeSeconds
			if ratio < minRangeRatio {
				return nil, analyses
			}
		}
	}
	return &winner, analyses
}

// detectHeavyOutliers separates groups into heavy/light using an IQR upper
// fence; fewer than 4 groups is too few for a meaningful IQR and everything
// is treated as light.
func detectHeavyOutliers(groups []Group, sensitivity float64) (heavy, light []Group, iqrStats map[string]float64) {
	if len(groups) < 4 {
		return nil, groups, map[string]float64{"q1": 0, "q3": 0, "iqr": 0, "upper_fence": 0}
	}

	durations := make([]float64, len(groups))
	for i, g := range groups {
		durations[i] = g.AvgDuration
	}
	sort.Float64s(durations)
	n := len(durations)
	q1 := durations[n/4]
	q3 := durations[(3*n)/4]
	iqr := q3 - q1
	upperFence := q3 + sensitivity*iqr

	iqrStats = map[string]float64{"q1": q1, "q3": q3, "iqr": iqr, "upper_fence": upperFence}

	for _, g := range groups {
		if g.AvgDuration > upperFence {
			g.IsHeavy = true
			heavy = append(heavy, g)
		} else {
			light = append(light, g)
		}
	}
	sort.Slice(heavy, func(i, j int) bool { return heavy[i].AvgDuration > heavy[j].AvgDuration })
	sort.Slice(light, func(i, j int) bool { return light[i].AvgDuration > light[j].AvgDuration })
	return heavy, light, iqrStats
}

// buildPredecessorChains chains heavy groups heaviest-to-lightest within
// each distinct fan-out tuple, so heavy work on one fan-out lane never
// overlaps heavy work on the same lane.
func buildPredecessorChains(heavy []Group, taskParams []taskParam, contentionDriver string, fanOutKeys []string) map[string][]string {
	if len(heavy) < 2 {
		return map[string][]string{}
	}

	heavyDriverValues := make([]string, len(heavy))
	for i, g := range heavy {
		heavyDriverValues[i] = g.DriverValue
	}

	sortedFanOutKeys := append([]string{}, fanOutKeys...)
	sort.Strings(sortedFanOutKeys)

	fanOutTuple := func(tp taskParam) string {
		parts := make([]string, len(sortedFanOutKeys))
		for i, k := range sortedFanOutKeys {
			parts[i] = tp.parameters[k]
		}
		return strings.Join(parts, "|")
	}

	lookup := map[[2]string]string{} // [driverValue, fanOutTuple] -> taskID
	fanOutValues := map[string]bool{}
	for _, tp := range taskParams {
		tuple := fanOutTuple(tp)
		fanOutValues[tuple] = true
		lookup[[2]string{tp.parameters[contentionDriver], tuple}] = tp.taskID
	}

	predecessorMap := map[string][]string{}
	for tuple := range fanOutValues {
		for i := 1; i < len(heavyDriverValues); i++ {
			current := lookup[[2]string{heavyDriverValues[i], tuple}]
			pred := lookup[[2]string{heavyDriverValues[i-1], tuple}]
			if current != "" && pred != "" {
				predecessorMap[current] = []string{pred}
			}
		}
	}
	return predecessorMap
}

// recommendMaxWorkers sizes the pool as one slot per fan-out chain, plus
// enough extra slots to drain light work within the time a heavy chain
// takes to complete.
func recommendMaxWorkers(heavy, light []Group, fanOutSize int) int {
	chainSlots := fanOutSize

	criticalPath := sumDurations(heavy)
	if criticalPath <= 0 {
		criticalPath = 1.0
	}

	var lightTotalWork float64
	for _, g := range light {
		lightTotalWork += g.AvgDuration * float64(len(g.TaskIDs))
	}

	lightSlots := 0
	if criticalPath > 0 {
		lightSlots = int(math.Ceil(lightTotalWork / criticalPath))
	}

	recommended := chainSlots + lightSlots
	if recommended < fanOutSize {
		return fanOutSize
	}
	return recommended
}

func countFanOutValues(taskParams []taskParam, fanOutKeys []string) int {
	sortedFanOutKeys := append([]string{}, fanOutKeys...)
	sort.Strings(sortedFanOutKeys)
	values := map[string]bool{}
	for _, tp := range taskParams {
		parts := make([]string, len(sortedFanOutKeys))
		for i, k := range sortedFanOutKeys {
			parts[i] = tp.parameters[k]
		}
		values[strings.Join(parts, "|")] = true
	}
	if len(values) == 0 {
		return 1
	}
	return len(values)
}

func sumDurations(groups []Group) float64 {
	var total float64
	for _, g := range groups {
		total += g.AvgDuration
	}
	return total
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Optimize rewrites tasks/meta/settings per a Result, the analyzer's
// mandated output (spec §4.7): heavy groups' predecessor chains are applied,
// tasks are reordered contention-driver-major (heaviest group first, then
// the remaining light groups, any uncovered tasks left in place at the
// end), and the recommended worker count is embedded in settings so it
// takes effect automatically. Grounded on
// original_source/rushti/contention_analyzer.py's write_optimized_taskfile.
func Optimize(tasks []model.Task, meta model.Metadata, settings model.Settings, result *Result) ([]model.Task, model.Metadata, model.Settings) {
	out := append([]model.Task{}, tasks...)

	byID := make(map[string]int, len(out))
	for i, t := range out {
		byID[t.ID] = i
	}
	for taskID, preds := range result.PredecessorMap {
		if i, ok := byID[taskID]; ok {
			out[i].Predecessors = preds
		}
	}

	if result.ContentionDriver != "" {
		var groupOrder []string
		for _, g := range result.HeavyGroups {
			groupOrder = append(groupOrder, g.DriverValue)
		}
		for _, g := range result.LightGroups {
			groupOrder = append(groupOrder, g.DriverValue)
		}

		byDriver := map[string][]model.Task{}
		for _, t := range out {
			v, _ := t.Parameters.Get(result.ContentionDriver)
			byDriver[v] = append(byDriver[v], t)
		}

		covered := map[string]bool{}
		reordered := make([]model.Task, 0, len(out))
		for _, v := range groupOrder {
			for _, t := range byDriver[v] {
				reordered = append(reordered, t)
				covered[t.ID] = true
			}
		}
		for _, t := range out {
			if !covered[t.ID] {
				reordered = append(reordered, t)
			}
		}
		out = reordered
	}

	if result.RecommendedWorkers > 0 {
		settings.MaxWorkers = result.RecommendedWorkers
	}

	var heavyVals []string
	for _, g := range result.HeavyGroups {
		heavyVals = append(heavyVals, g.DriverValue)
	}
	chainDesc := "none"
	if len(heavyVals) > 0 {
		chainDesc = strings.Join(heavyVals, ">")
	}
	meta.Description = fmt.Sprintf("Contention-aware optimized: driver=%s, chain=[%s], sensitivity=%v, recommended_workers=%d",
		result.ContentionDriver, chainDesc, result.Sensitivity, result.RecommendedWorkers)

	return out, meta, settings
}

// SweetSpot examines historical runs of a workflow at varying max_workers
// and returns the fewest workers that finished within 10% of the fastest
// observed wall-clock duration (spec §4.7 step 6). Runs still in progress
// (zero FinishedAt) are ignored. Returns 0 if no finished runs exist.
func SweetSpot(store *stats.Store, workflow string, lookbackRuns int) (int, error) {
	runs, err := store.RecentRuns(workflow, lookbackRuns)
	if err != nil {
		return 0, err
	}

	type sample struct {
		workers  int
		duration float64
	}
	var samples []sample
	fastest := math.Inf(1)
	for _, r := range runs {
		if r.FinishedAt.IsZero() || r.MaxWorkers <= 0 {
			continue
		}
		d := r.FinishedAt.Sub(r.StartedAt).Seconds()
		samples = append(samples, sample{workers: r.MaxWorkers, duration: d})
		if d < fastest {
			fastest = d
		}
	}
	if len(samples) == 0 {
		return 0, nil
	}

	threshold := fastest * 1.10
	best := -1
	for _, s := range samples {
		if s.duration <= threshold && (best == -1 || s.workers < best) {
			best = s.workers
		}
	}
	return best, nil
}

func minMax(m map[string]float64) (lo, hi float64) {
	first := true
	for _, v := range m {
		if first {
			lo, hi = v, v
			first = false
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

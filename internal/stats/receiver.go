// Package stats provides the runtime metrics wrapper and the durable
// execution-history store. The metrics wrapper is adapted from scoot's
// common/stats package: a thin, swappable layer over go-metrics that scopes
// instruments hierarchically and exposes Counter/Gauge/Latency as small
// interfaces rather than leaking go-metrics types to callers.
package stats

import (
	"strings"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

// Receiver is the scheduler/executor/worker-pool's handle onto runtime
// counters, gauges, and latency histograms. Components receive one via
// constructor injection (never a package-level singleton - see DESIGN.md's
// note on dropping common/log's global logger for the same reason).
type Receiver interface {
	Scope(scope ...string) Receiver
	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	Latency(name ...string) Latency
	Render() map[string]int64
}

type Counter interface {
	Inc(int64)
	Count() int64
}

type Gauge interface {
	Update(int64)
	Value() int64
}

type Latency interface {
	Time() Stopwatch
	Observe(time.Duration)
}

type Stopwatch interface {
	Stop()
}

type receiver struct {
	registry metrics.Registry
	scope    []string
}

// NewReceiver constructs a Receiver backed by a fresh go-metrics registry.
func NewReceiver() Receiver {
	return &receiver{registry: metrics.NewRegistry()}
}

// Nil returns a Receiver that discards everything, for tests and CLI paths
// that don't care about metrics.
func Nil() Receiver { return &nilReceiver{} }

func (r *receiver) Scope(scope ...string) Receiver {
	return &receiver{registry: r.registry, scope: append(append([]string{}, r.scope...), scope...)}
}

func (r *receiver) name(parts ...string) string {
	all := append(append([]string{}, r.scope...), parts...)
	return strings.Join(all, "/")
}

func (r *receiver) Counter(name ...string) Counter {
	c := metrics.GetOrRegisterCounter(r.name(name...), r.registry)
	return &goCounter{c}
}

func (r *receiver) Gauge(name ...string) Gauge {
	g := metrics.GetOrRegisterGauge(r.name(name...), r.registry)
	return &goGauge{g}
}

func (r *receiver) Latency(name ...string) Latency {
	h := metrics.GetOrRegisterHistogram(r.name(name...), r.registry, metrics.NewUniformSample(1028))
	return &goLatency{h}
}

func (r *receiver) Render() map[string]int64 {
	out := map[string]int64{}
	r.registry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			out[name] = m.Count()
		case metrics.Gauge:
			out[name] = m.Value()
		case metrics.Histogram:
			out[name+"_mean_ns"] = int64(m.Mean())
		}
	})
	return out
}

type goCounter struct{ metrics.Counter }

func (c *goCounter) Inc(v int64)  { c.Counter.Inc(v) }
func (c *goCounter) Count() int64 { return c.Counter.Count() }

type goGauge struct{ metrics.Gauge }

func (g *goGauge) Update(v int64) { g.Gauge.Update(v) }
func (g *goGauge) Value() int64   { return g.Gauge.Value() }

type goLatency struct{ metrics.Histogram }

func (l *goLatency) Observe(d time.Duration) { l.Histogram.Update(int64(d)) }
func (l *goLatency) Time() Stopwatch         { return &stopwatch{l: l, start: time.Now()} }

type stopwatch struct {
	l     *goLatency
	start time.Time
}

func (s *stopwatch) Stop() { s.l.Observe(time.Since(s.start)) }

type nilReceiver struct{}

func (n *nilReceiver) Scope(scope ...string) Receiver   { return n }
func (n *nilReceiver) Counter(name ...string) Counter   { return &nilCounter{} }
func (n *nilReceiver) Gauge(name ...string) Gauge       { return &nilGauge{} }
func (n *nilReceiver) Latency(name ...string) Latency   { return &nilLatency{} }
func (n *nilReceiver) Render() map[string]int64         { return nil }

type nilCounter struct{ v int64 }

func (c *nilCounter) Inc(v int64)  { c.v += v }
func (c *nilCounter) Count() int64 { return c.v }

type nilGauge struct{ v int64 }

func (g *nilGauge) Update(v int64) { g.v = v }
func (g *nilGauge) Value() int64   { return g.v }

type nilLatency struct{}

func (l *nilLatency) Time() Stopwatch       { return &nilStopwatch{} }
func (l *nilLatency) Observe(time.Duration) {}

type nilStopwatch struct{}

func (n *nilStopwatch) Stop() {}

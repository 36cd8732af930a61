// Package metrics maintains daemon metrics and renders them in the
// Prometheus text exposition format. The metric surface is small and fully
// known at startup, so the collector is a plain registry of gauges and
// counters rather than a full client library.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type kind int

const (
	gauge kind = iota
	counter
)

type metric struct {
	name string
	help string
	kind kind
	// values keyed by rendered label string ("" for the unlabeled series).
	values map[string]float64
}

// Collector holds the metric registry. Registration order is preserved in
// the exported output so scrapes are stable and diffable.
type Collector struct {
	mu      sync.Mutex
	order   []string
	metrics map[string]*metric
}

func NewCollector() *Collector {
	return &Collector{metrics: make(map[string]*metric)}
}

func (c *Collector) register(name, help string, k kind) *metric {
	m, ok := c.metrics[name]
	if !ok {
		m = &metric{name: name, help: help, kind: k, values: make(map[string]float64)}
		c.metrics[name] = m
		c.order = append(c.order, name)
	}
	return m
}

// RegisterGauge declares a gauge so it appears in output even before the
// first Set.
func (c *Collector) RegisterGauge(name, help string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.register(name, help, gauge)
	if _, ok := m.values[""]; !ok && len(m.values) == 0 {
		m.values[""] = 0
	}
}

// RegisterCounter declares a counter starting at zero.
func (c *Collector) RegisterCounter(name, help string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.register(name, help, counter)
	if len(m.values) == 0 {
		m.values[""] = 0
	}
}

// SetGauge sets the unlabeled series of a gauge.
func (c *Collector) SetGauge(name string, value float64) {
	c.SetGaugeLabels(name, nil, value)
}

// SetGaugeLabels sets one labeled series of a gauge.
func (c *Collector) SetGaugeLabels(name string, labels map[string]string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.register(name, "", gauge)
	m.values[renderLabels(labels)] = value
}

// Add increments the unlabeled series of a counter.
func (c *Collector) Add(name string, delta float64) {
	c.AddLabels(name, nil, delta)
}

// AddLabels increments one labeled series of a counter.
func (c *Collector) AddLabels(name string, labels map[string]string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.register(name, "", counter)
	m.values[renderLabels(labels)] += delta
}

// Inc is Add(name, 1).
func (c *Collector) Inc(name string) {
	c.Add(name, 1)
}

// ClearLabels drops every labeled series of a metric. Used before
// re-sampling per-tenant gauges so stopped tenants disappear from output.
func (c *Collector) ClearLabels(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metrics[name]
	if !ok {
		return
	}
	for key := range m.values {
		if key != "" {
			delete(m.values, key)
		}
	}
}

// Export renders all metrics in the text exposition format.
func (c *Collector) Export() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	for _, name := range c.order {
		m := c.metrics[name]
		if m.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", m.name, m.help)
		}
		typ := "gauge"
		if m.kind == counter {
			typ = "counter"
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", m.name, typ)

		keys := make([]string, 0, len(m.values))
		for key := range m.values {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, "%s%s %s\n", m.name, key, formatValue(m.values[key]))
		}
	}
	return b.String()
}

func renderLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		// %q escapes quotes, backslashes and newlines, which matches the
		// exposition format's label escaping rules.
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

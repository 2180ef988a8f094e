// Package heapmetrics exports isolate heap statistics to Prometheus.
//
// Heap statistics can only be read on the goroutine that owns an isolate,
// while Prometheus scrapes from its own goroutines. The Collector therefore
// keeps the last sample per isolate: owners call Observe directly or let
// Schedule post a repeating sampling task on the isolate's task runner.
package heapmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cryguy/hostv8"
)

const namespace = "hostv8"

type gauge struct {
	desc  *prometheus.Desc
	value func(hostv8.HeapStatistics) uint64
}

func newGauge(name, help string, value func(hostv8.HeapStatistics) uint64) gauge {
	return gauge{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "heap", name), help, []string{"isolate"}, nil),
		value: value,
	}
}

var gauges = []gauge{
	newGauge("total_bytes", "Total heap size.", func(s hostv8.HeapStatistics) uint64 { return s.TotalHeapSize }),
	newGauge("executable_bytes", "Executable part of the heap.", func(s hostv8.HeapStatistics) uint64 { return s.TotalHeapSizeExecutable }),
	newGauge("physical_bytes", "Committed physical memory.", func(s hostv8.HeapStatistics) uint64 { return s.TotalPhysicalSize }),
	newGauge("available_bytes", "Memory still available to the heap.", func(s hostv8.HeapStatistics) uint64 { return s.TotalAvailableSize }),
	newGauge("used_bytes", "Heap memory in use.", func(s hostv8.HeapStatistics) uint64 { return s.UsedHeapSize }),
	newGauge("limit_bytes", "Heap size limit.", func(s hostv8.HeapStatistics) uint64 { return s.HeapSizeLimit }),
	newGauge("malloced_bytes", "Memory allocated through malloc.", func(s hostv8.HeapStatistics) uint64 { return s.MallocedMemory }),
	newGauge("peak_malloced_bytes", "Peak memory allocated through malloc.", func(s hostv8.HeapStatistics) uint64 { return s.PeakMallocedMemory }),
	newGauge("external_bytes", "Memory held by external resources.", func(s hostv8.HeapStatistics) uint64 { return s.ExternalMemory }),
	newGauge("native_contexts", "Live native contexts.", func(s hostv8.HeapStatistics) uint64 { return s.NumberOfNativeContexts }),
	newGauge("detached_contexts", "Detached contexts not yet collected.", func(s hostv8.HeapStatistics) uint64 { return s.NumberOfDetachedContexts }),
}

var samplesDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "heap", "samples_total"),
	"Heap statistics samples taken.", []string{"isolate"}, nil)

type sample struct {
	stats hostv8.HeapStatistics
	count uint64
	task  *sampleTask
}

// Collector is a prometheus.Collector over sampled heap statistics.
type Collector struct {
	mu      sync.Mutex
	samples map[string]*sample
}

// New returns an empty collector.
func New() *Collector {
	return &Collector{samples: make(map[string]*sample)}
}

// Observe samples iso under the given label. It must run on the goroutine
// that owns iso.
func (c *Collector) Observe(name string, iso *hostv8.Isolate) {
	stats := iso.HeapStatistics()
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.samples[name]
	if !ok {
		s = &sample{}
		c.samples[name] = s
	}
	s.stats = stats
	s.count++
}

// Remove drops the series for name and stops its scheduled sampling.
func (c *Collector) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.samples[name]; ok {
		if s.task != nil {
			s.task.stopped = true
		}
		delete(c.samples, name)
	}
}

// Schedule samples iso every interval from its foreground task runner. The
// samples are taken while the owner pumps the isolate's message loop;
// sampling stops on Remove or once the isolate is disposed.
func (c *Collector) Schedule(name string, iso *hostv8.Isolate, interval time.Duration) {
	t := &sampleTask{TaskBase: hostv8.NewTaskBase[sampleTask](), c: c, name: name, iso: iso, interval: interval}
	c.mu.Lock()
	s, ok := c.samples[name]
	if !ok {
		s = &sample{}
		c.samples[name] = s
	}
	if s.task != nil {
		s.task.stopped = true
	}
	s.task = t
	c.mu.Unlock()
	iso.Handle().PostTask(t)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range gauges {
		ch <- g.desc
	}
	ch <- samplesDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, s := range c.samples {
		if s.count == 0 {
			continue
		}
		for _, g := range gauges {
			ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, float64(g.value(s.stats)), name)
		}
		ch <- prometheus.MustNewConstMetric(samplesDesc, prometheus.CounterValue, float64(s.count), name)
	}
}

type sampleTask struct {
	hostv8.TaskBase
	c        *Collector
	name     string
	iso      *hostv8.Isolate
	interval time.Duration
	stopped  bool // guarded by c.mu
}

func (t *sampleTask) Run() {
	t.c.mu.Lock()
	stopped := t.stopped
	t.c.mu.Unlock()
	if stopped {
		return
	}
	if t.iso.IsDisposed() {
		t.c.Remove(t.name)
		return
	}
	t.c.Observe(t.name, t.iso)
	if t.interval > 0 {
		t.iso.Handle().PostDelayedTask(t, t.interval)
	}
}

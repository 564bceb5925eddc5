package main

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"
)

type benchSummary struct {
	count int
	avg   time.Duration
	min   time.Duration
	max   time.Duration
	p50   time.Duration
	p90   time.Duration
	p95   time.Duration
	p99   time.Duration
	p999  time.Duration
}

type benchStats struct {
	label     string
	ops       int
	opsPerSec float64
	avg       time.Duration
	min       time.Duration
	max       time.Duration
	p50       time.Duration
	p90       time.Duration
	p95       time.Duration
	p99       time.Duration
	p999      time.Duration
	errs      int64
	statuses  map[int]int
}

func buildStats(label string, elapsed time.Duration, samples []time.Duration, errs int64, statuses map[int]int) benchStats {
	summary := summarize(samples)
	opsPerSec := 0.0
	if elapsed > 0 {
		opsPerSec = float64(summary.count) / elapsed.Seconds()
	}
	return benchStats{
		label:     label,
		ops:       summary.count,
		opsPerSec: opsPerSec,
		avg:       summary.avg,
		min:       summary.min,
		max:       summary.max,
		p50:       summary.p50,
		p90:       summary.p90,
		p95:       summary.p95,
		p99:       summary.p99,
		p999:      summary.p999,
		errs:      errs,
		statuses:  statuses,
	}
}

func summarize(samples []time.Duration) benchSummary {
	if len(samples) == 0 {
		return benchSummary{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	total := time.Duration(0)
	for _, d := range samples {
		total += d
	}
	return benchSummary{
		count: len(samples),
		avg:   time.Duration(int64(total) / int64(len(samples))),
		min:   samples[0],
		max:   samples[len(samples)-1],
		p50:   percentile(samples, 50),
		p90:   percentile(samples, 90),
		p95:   percentile(samples, 95),
		p99:   percentile(samples, 99),
		p999:  percentile(samples, 99.9),
	}
}

// percentile expects samples sorted ascending.
func percentile(samples []time.Duration, pct float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if pct <= 0 {
		return samples[0]
	}
	if pct >= 100 {
		return samples[len(samples)-1]
	}
	idx := int(math.Round((pct / 100.0) * float64(len(samples)-1)))
	return samples[min(max(idx, 0), len(samples)-1)]
}

func medianStats(label string, stats []benchStats) benchStats {
	if len(stats) == 0 {
		return benchStats{label: label}
	}
	pick := func(sel func(benchStats) time.Duration) time.Duration {
		values := make([]time.Duration, 0, len(stats))
		for _, s := range stats {
			values = append(values, sel(s))
		}
		return medianDuration(values)
	}
	ops := make([]int, 0, len(stats))
	rates := make([]float64, 0, len(stats))
	var errs int64
	statuses := make(map[int]int)
	for _, s := range stats {
		ops = append(ops, s.ops)
		rates = append(rates, s.opsPerSec)
		errs += s.errs
		for code, n := range s.statuses {
			statuses[code] += n
		}
	}
	return benchStats{
		label:     label,
		ops:       medianInt(ops),
		opsPerSec: medianFloat(rates),
		avg:       pick(func(s benchStats) time.Duration { return s.avg }),
		min:       pick(func(s benchStats) time.Duration { return s.min }),
		max:       pick(func(s benchStats) time.Duration { return s.max }),
		p50:       pick(func(s benchStats) time.Duration { return s.p50 }),
		p90:       pick(func(s benchStats) time.Duration { return s.p90 }),
		p95:       pick(func(s benchStats) time.Duration { return s.p95 }),
		p99:       pick(func(s benchStats) time.Duration { return s.p99 }),
		p999:      pick(func(s benchStats) time.Duration { return s.p999 }),
		errs:      errs,
		statuses:  statuses,
	}
}

func medianInt(values []int) int {
	if len(values) == 0 {
		return 0
	}
	sort.Ints(values)
	return values[len(values)/2]
}

func medianFloat(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	return values[len(values)/2]
}

func medianDuration(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	return values[len(values)/2]
}

func printStats(w io.Writer, stats benchStats) {
	fmt.Fprintf(w, "%s: ops=%d ops/s=%.1f avg=%s p50=%s p90=%s p95=%s p99=%s p99.9=%s min=%s max=%s errors=%d",
		stats.label, stats.ops, stats.opsPerSec, stats.avg, stats.p50, stats.p90, stats.p95, stats.p99, stats.p999, stats.min, stats.max, stats.errs)
	codes := make([]int, 0, len(stats.statuses))
	for code := range stats.statuses {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Fprintf(w, " %d=%d", code, stats.statuses[code])
	}
	fmt.Fprintln(w)
}

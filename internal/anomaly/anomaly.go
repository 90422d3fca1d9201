// Package anomaly implements the statistical-anomaly detector behind
// detect_statistical_anomalies: a z-score pass and an IQR fence pass in fast
// mode, plus a percentile-trimmed pass in robust mode, over a caller-supplied numeric
// series (event counts per bucket, unique source IPs per bucket, etc).
package anomaly

import (
	"math"
	"sort"
)

// Mode selects the detector: fast runs z-score/IQR only, robust adds a
// percentile-trimmed pass so a handful of extreme points can't skew the
// mean used by the z-score pass.
type Mode string

const (
	ModeFast   Mode = "fast"
	ModeRobust Mode = "robust"
)

// Point is one sample in the series under analysis, keyed by its bucket
// label (a timestamp or group name) so findings can be reported back
// against the caller's own axis.
type Point struct {
	Key   string
	Value float64
}

// Finding is one flagged point.
type Finding struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	ZScore    float64 `json:"z_score"`
	Method    string  `json:"method"`
	Threshold float64 `json:"threshold"`
}

// Result is the tool-level output of detect_statistical_anomalies.
type Result struct {
	Mode       Mode      `json:"mode"`
	SampleSize int       `json:"sample_size"`
	Mean       float64   `json:"mean"`
	StdDev     float64   `json:"std_dev"`
	Findings   []Finding `json:"findings"`
}

const defaultZThreshold = 3.0
const defaultIQRMultiplier = 1.5

// Detect runs the configured mode over series and returns every point
// flagged by at least one method. Requires at least 4 points: fewer than
// that and a standard deviation or quartile split carries no real signal.
func Detect(series []Point, mode Mode) Result {
	if mode == "" {
		mode = ModeFast
	}
	result := Result{Mode: mode, SampleSize: len(series)}
	if len(series) < 4 {
		return result
	}

	values := make([]float64, len(series))
	for i, p := range series {
		values[i] = p.Value
	}

	mean, stddev := meanStdDev(values)
	result.Mean = mean
	result.StdDev = stddev

	flagged := map[string]Finding{}

	if stddev > 0 {
		for _, p := range series {
			z := (p.Value - mean) / stddev
			if math.Abs(z) >= defaultZThreshold {
				flagged[p.Key] = Finding{Key: p.Key, Value: p.Value, ZScore: z, Method: "z_score", Threshold: defaultZThreshold}
			}
		}
	}

	lowerFence, upperFence := iqrFences(values, defaultIQRMultiplier)
	for _, p := range series {
		if upperFence > lowerFence && (p.Value < lowerFence || p.Value > upperFence) {
			z := 0.0
			if stddev > 0 {
				z = (p.Value - mean) / stddev
			}
			if existing, ok := flagged[p.Key]; !ok || existing.Method != "z_score" {
				flagged[p.Key] = Finding{Key: p.Key, Value: p.Value, ZScore: z, Method: "iqr", Threshold: defaultIQRMultiplier}
			}
		}
	}

	if mode == ModeRobust {
		trimmedMean, trimmedStd := trimmedMeanStdDev(values, 0.1)
		if trimmedStd > 0 {
			for _, p := range series {
				z := (p.Value - trimmedMean) / trimmedStd
				if math.Abs(z) >= defaultZThreshold {
					flagged[p.Key] = Finding{Key: p.Key, Value: p.Value, ZScore: z, Method: "trimmed_z_score", Threshold: defaultZThreshold}
				}
			}
		}
	}

	for _, f := range flagged {
		result.Findings = append(result.Findings, f)
	}
	sort.Slice(result.Findings, func(i, j int) bool { return result.Findings[i].Key < result.Findings[j].Key })
	return result
}

func meanStdDev(values []float64) (mean, stddev float64) {
	n := float64(len(values))
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean = sum / n

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= n
	return mean, math.Sqrt(variance)
}

// trimmedMeanStdDev drops the top and bottom fraction of sorted values
// before computing mean/stddev, so a few extreme outliers don't dominate
// the baseline the robust pass measures everything else against.
func trimmedMeanStdDev(values []float64, fraction float64) (mean, stddev float64) {
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)

	trim := int(float64(len(sorted)) * fraction)
	trimmed := sorted[trim : len(sorted)-trim]
	if len(trimmed) < 2 {
		trimmed = sorted
	}
	return meanStdDev(trimmed)
}

func iqrFences(values []float64, multiplier float64) (lower, upper float64) {
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)

	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)
	iqr := q3 - q1
	return q1 - multiplier*iqr, q3 + multiplier*iqr
}

// percentile uses linear interpolation between closest ranks, the common
// convention for small in-memory samples.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

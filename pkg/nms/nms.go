package nms

import (
	"fmt"
	"sort"

	"github.com/menta2k/face-landmarker/pkg/detection"
	"github.com/menta2k/face-landmarker/pkg/types"
)

// Policy selects how overlapping detections are collapsed
type Policy int

const (
	// Greedy keeps the best detection of each cluster and drops the rest
	Greedy Policy = iota
	// Weighted replaces each cluster with its score-weighted average, keeping the
	// cluster's maximum score
	Weighted
)

func (p Policy) String() string {
	switch p {
	case Greedy:
		return "greedy"
	case Weighted:
		return "weighted"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration name to a policy
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "greedy":
		return Greedy, nil
	case "", "weighted":
		return Weighted, nil
	default:
		return 0, fmt.Errorf("%w: unknown suppression policy %q", types.ErrConfiguration, s)
	}
}

// Config configures suppression
type Config struct {
	Policy       Policy
	IoUThreshold float32
	MaxResults   int
}

// DefaultConfig returns weighted suppression at IoU 0.3 keeping a single face
func DefaultConfig() Config {
	return Config{Policy: Weighted, IoUThreshold: 0.3, MaxResults: 1}
}

// IoU computes intersection over union of two center/size boxes. A non-positive union
// yields 0.
func IoU(a, b types.Box) float32 {
	ax0, ay0 := a.XCenter-a.Width/2, a.YCenter-a.Height/2
	ax1, ay1 := a.XCenter+a.Width/2, a.YCenter+a.Height/2
	bx0, by0 := b.XCenter-b.Width/2, b.YCenter-b.Height/2
	bx1, by1 := b.XCenter+b.Width/2, b.YCenter+b.Height/2

	iw := max32(0, min32(ax1, bx1)-max32(ax0, bx0))
	ih := max32(0, min32(ay1, by1)-max32(ay0, by0))
	inter := iw * ih

	union := a.Width*a.Height + b.Width*b.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Apply reduces dets according to cfg. The input slice is not modified. Candidates are
// consumed in descending score order, ties broken by ascending anchor index.
func Apply(dets []detection.RawDetection, cfg Config) []detection.RawDetection {
	if len(dets) == 0 || cfg.MaxResults <= 0 {
		return nil
	}

	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := dets[order[i]], dets[order[j]]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.AnchorIndex < b.AnchorIndex
	})

	out := make([]detection.RawDetection, 0, minInt(cfg.MaxResults, len(dets)))
	remaining := order
	for len(remaining) > 0 && len(out) < cfg.MaxResults {
		top := dets[remaining[0]]
		topBox := top.Box()

		cluster := []int{remaining[0]}
		rest := make([]int, 0, len(remaining))
		for _, j := range remaining[1:] {
			if IoU(topBox, dets[j].Box()) > cfg.IoUThreshold {
				cluster = append(cluster, j)
			} else {
				rest = append(rest, j)
			}
		}
		remaining = rest

		if cfg.Policy == Weighted {
			out = append(out, merge(dets, cluster))
		} else {
			out = append(out, top)
		}
	}
	return out
}

// merge averages the cluster weighted by score. The first index is the kept detection.
func merge(dets []detection.RawDetection, cluster []int) detection.RawDetection {
	merged := dets[cluster[0]]
	if len(cluster) == 1 {
		return merged
	}

	var sumW, sumX, sumY, sumWidth, sumHeight float32
	var sumKp [detection.MaxKeypoints]types.Keypoint
	maxScore := merged.Score
	kpCount := merged.KeypointCount

	for _, idx := range cluster {
		d := dets[idx]
		w := d.Score
		sumW += w
		sumX += d.XCenter * w
		sumY += d.YCenter * w
		sumWidth += d.Width * w
		sumHeight += d.Height * w
		for k := 0; k < kpCount; k++ {
			sumKp[k].X += d.Keypoints[k].X * w
			sumKp[k].Y += d.Keypoints[k].Y * w
		}
		if d.Score > maxScore {
			maxScore = d.Score
		}
	}

	if sumW <= 0 {
		return merged
	}
	inv := 1 / sumW
	merged.XCenter = sumX * inv
	merged.YCenter = sumY * inv
	merged.Width = sumWidth * inv
	merged.Height = sumHeight * inv
	for k := 0; k < kpCount; k++ {
		merged.Keypoints[k] = types.Keypoint{X: sumKp[k].X * inv, Y: sumKp[k].Y * inv}
	}
	merged.Score = maxScore
	return merged
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

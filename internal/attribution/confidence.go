package attribution

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/gazetteer/internal/place"
)

// Score computes the effective confidence of one attribute record:
// the source's base trust, plus a freshness bonus that halves every
// HalfLifeDays, minus an outlier penalty when the value deviates from
// its numeric peers. The result is clamped to [0,1].
func (p *Policy) Score(rec *place.AttributeRecord, peers []*place.AttributeRecord, now time.Time) float64 {
	base := p.BaseConfidence(rec.Source)
	if rec.Confidence > 0 {
		// Candidate-supplied confidence overrides the static table.
		base = rec.Confidence
	}
	score := base + p.recencyBonus(rec.ObservedAt, now) - p.outlierPenalty(rec, peers)
	return clamp01(score)
}

func (p *Policy) recencyBonus(observedAt, now time.Time) float64 {
	if observedAt.IsZero() || p.Recency.MaxBonus == 0 {
		return 0
	}
	ageDays := now.Sub(observedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return p.Recency.MaxBonus * math.Exp2(-ageDays/float64(p.Recency.HalfLifeDays))
}

// outlierPenalty applies only to numeric values with at least two numeric
// peers. Deviation is measured against the peer median, scaled by the
// median's magnitude so the threshold is relative.
func (p *Policy) outlierPenalty(rec *place.AttributeRecord, peers []*place.AttributeRecord) float64 {
	if p.Outlier.MaxPenalty == 0 {
		return 0
	}
	v, ok := place.Number(rec.Value)
	if !ok {
		return 0
	}
	nums := make([]float64, 0, len(peers))
	for _, peer := range peers {
		if n, ok := place.Number(peer.Value); ok {
			nums = append(nums, n)
		}
	}
	if len(nums) < 3 {
		return 0
	}
	med := median(nums)
	deviation := math.Abs(v-med) / math.Max(math.Abs(med), 1)
	if deviation > p.Outlier.DeviationThreshold {
		return p.Outlier.MaxPenalty
	}
	return 0
}

func median(nums []float64) float64 {
	sorted := make([]float64, len(nums))
	copy(sorted, nums)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

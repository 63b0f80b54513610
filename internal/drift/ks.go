package drift

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat"
)

// KolmogorovSmirnov is the two-sample KS test. The statistic comes from
// gonum; the p-value is the asymptotic Kolmogorov distribution with the
// Stephens small-sample correction.
func KolmogorovSmirnov(a, b []float64) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, eris.New("drift: ks test needs two non-empty samples")
	}
	x := sortedCopy(a)
	y := sortedCopy(b)
	d := stat.KolmogorovSmirnov(x, nil, y, nil)
	if math.IsNaN(d) {
		return 0, eris.New("drift: ks statistic is NaN")
	}

	n, m := float64(len(x)), float64(len(y))
	ne := math.Sqrt(n * m / (n + m))
	return kolmogorovQ((ne + 0.12 + 0.11/ne) * d), nil
}

// kolmogorovQ is the survival function of the Kolmogorov distribution.
func kolmogorovQ(lambda float64) float64 {
	a2 := -2 * lambda * lambda
	fac, sum, prev := 2.0, 0.0, 0.0
	for j := 1; j <= 100; j++ {
		term := fac * math.Exp(a2*float64(j*j))
		sum += term
		if math.Abs(term) <= 1e-3*prev || math.Abs(term) <= 1e-8*sum {
			return clampUnit(sum)
		}
		fac = -fac
		prev = math.Abs(term)
	}
	// The series does not converge for lambda near zero, where p is 1.
	return 1
}

func clampUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func sortedCopy(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	sort.Float64s(out)
	return out
}

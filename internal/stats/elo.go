package stats

import "math"

// EloCalculator applies the standard rating update. K and Default come from
// configuration; with equal ratings and K=32 a decisive game moves each side
// by 16 points.
type EloCalculator struct {
	K       float64
	Default float64
}

// Expected returns the expected score of a player rated ra against rb.
func (c EloCalculator) Expected(ra, rb float64) float64 {
	return 1 / (1 + math.Pow(10, (rb-ra)/400))
}

// Update returns the new ratings for a and b given a's actual score
// (1 win, 0.5 draw, 0 loss). Rating changes are zero-sum.
func (c EloCalculator) Update(ra, rb, scoreA float64) (newA, newB float64) {
	ea := c.Expected(ra, rb)
	delta := c.K * (scoreA - ea)
	return ra + delta, rb - delta
}

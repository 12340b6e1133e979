package heading

import (
	"math"

	"github.com/noorlabs/qiblad/internal/geo"
	"github.com/noorlabs/qiblad/internal/queue"
)

// DefaultWindow is the number of samples averaged by a Smoother.
const DefaultWindow = 5

// Smoother keeps the last few headings and returns their circular mean.
// Averaging unit vectors instead of raw degrees keeps 350° and 10° from
// averaging to 180°. A Smoother belongs to one session and is not safe for
// concurrent use.
type Smoother struct {
	history *queue.Ring[float64]
}

// NewSmoother creates a smoother over the given number of samples.
// A window below 1 falls back to DefaultWindow.
func NewSmoother(window int) *Smoother {
	if window < 1 {
		window = DefaultWindow
	}
	return &Smoother{history: queue.NewRing[float64](window)}
}

// Add records a heading in degrees and returns the circular mean of the window.
func (s *Smoother) Add(deg float64) float64 {
	s.history.Push(deg)
	mean, _ := s.Mean()
	return mean
}

// Mean returns the circular mean of the held samples. ok is false when no sample
// has been added yet.
func (s *Smoother) Mean() (mean float64, ok bool) {
	n := s.history.Len()
	if n == 0 {
		return 0, false
	}

	var sumSin, sumCos float64
	s.history.Each(func(deg float64) {
		rad := geo.Radians(deg)
		sumSin += math.Sin(rad)
		sumCos += math.Cos(rad)
	})
	avgSin := sumSin / float64(n)
	avgCos := sumCos / float64(n)

	return geo.NormalizeDegrees(geo.Degrees(math.Atan2(avgSin, avgCos))), true
}

// Len returns the number of samples currently held.
func (s *Smoother) Len() int {
	return s.history.Len()
}

// Window returns the maximum number of samples averaged.
func (s *Smoother) Window() int {
	return s.history.Cap()
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

package optimizer

import (
	"math"
	"sync"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"
)

// gaussianProcess is a GP regressor over points of the unit hypercube with an
// RBF kernel. Targets are standardized before fitting, predictions are
// returned on the original scale.
type gaussianProcess struct {
	mu sync.RWMutex

	// lengthScale is the RBF kernel width in unit-cube coordinates.
	lengthScale float64
	// noise is added to the kernel diagonal; it absorbs seed-to-seed variance
	// of the training runs.
	noise float64

	X [][]float64
	Y []float64

	// fitted state, rebuilt lazily after Update.
	dirty bool
	chol  *mat.Cholesky
	alpha *mat.VecDense
	yMean float64
	yStd  float64
}

func newGaussianProcess() *gaussianProcess {
	return &gaussianProcess{
		lengthScale: 0.25,
		noise:       1e-4,
	}
}

func (gp *gaussianProcess) kernel(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Exp(-sum / (2 * gp.lengthScale * gp.lengthScale))
}

// Update adds one observation. x is copied.
func (gp *gaussianProcess) Update(x []float64, y float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	cp := make([]float64, len(x))
	copy(cp, x)
	gp.X = append(gp.X, cp)
	gp.Y = append(gp.Y, y)
	gp.dirty = true
}

// Len returns the number of observations.
func (gp *gaussianProcess) Len() int {
	gp.mu.RLock()
	defer gp.mu.RUnlock()
	return len(gp.X)
}

// fit factorizes the kernel matrix. Caller holds the write lock.
func (gp *gaussianProcess) fit() error {
	n := len(gp.X)
	if n == 0 {
		gp.chol, gp.alpha, gp.dirty = nil, nil, false
		return nil
	}

	var mean float64
	for _, y := range gp.Y {
		mean += y
	}
	mean /= float64(n)
	var ss float64
	for _, y := range gp.Y {
		ss += (y - mean) * (y - mean)
	}
	std := math.Sqrt(ss / float64(n))
	if std < 1e-12 {
		std = 1
	}

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := gp.kernel(gp.X[i], gp.X[j])
			if i == j {
				v += gp.noise
			}
			k.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	jitter := gp.noise
	for !chol.Factorize(k) {
		// Duplicate points make the matrix singular; grow the diagonal until
		// it factorizes.
		jitter *= 10
		if jitter > 1 {
			return eris.New("gp: kernel matrix is not positive definite")
		}
		for i := 0; i < n; i++ {
			k.SetSym(i, i, k.At(i, i)+jitter)
		}
	}

	ys := mat.NewVecDense(n, nil)
	for i, y := range gp.Y {
		ys.SetVec(i, (y-mean)/std)
	}
	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, ys); err != nil {
		return eris.Wrap(err, "gp: solve")
	}

	gp.chol = &chol
	gp.alpha = alpha
	gp.yMean = mean
	gp.yStd = std
	gp.dirty = false
	return nil
}

// Predict returns the posterior mean and variance at x.
func (gp *gaussianProcess) Predict(x []float64) (mean, variance float64, err error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.dirty {
		if err := gp.fit(); err != nil {
			return 0, 0, err
		}
	}
	if gp.chol == nil {
		return 0, 1, nil
	}

	n := len(gp.X)
	ks := mat.NewVecDense(n, nil)
	for i := range gp.X {
		ks.SetVec(i, gp.kernel(x, gp.X[i]))
	}

	mu := mat.Dot(ks, gp.alpha)

	v := mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(v, ks); err != nil {
		return 0, 0, eris.Wrap(err, "gp: solve variance")
	}
	s2 := 1 + gp.noise - mat.Dot(ks, v)
	if s2 < 1e-12 {
		s2 = 1e-12
	}

	return gp.yMean + mu*gp.yStd, s2 * gp.yStd * gp.yStd, nil
}

package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// Fit failure causes. Engine callers match them with errors.Is.
var (
	ErrInsufficientData = errors.New("insufficient data for model order")
	ErrNonFinite        = errors.New("series contains non-finite values")
	ErrDegenerateSeries = errors.New("degenerate series: zero innovation variance")
	ErrNotConverged     = errors.New("optimizer did not converge")
)

const (
	// Partial autocorrelations are kept strictly inside the unit interval so
	// the AR part stays stationary and the MA part invertible.
	maxPartialCorrelation = 0.999

	// Scaled innovation variance at or below this is treated as zero.
	degenerateVariance = 1e-10

	defaultMaxIterations = 1000
)

// Order is the (p, d, q) order of an ARIMA model
type Order struct {
	P int `json:"p"`
	D int `json:"d"`
	Q int `json:"q"`
}

func (o Order) String() string {
	return fmt.Sprintf("ARIMA(%d,%d,%d)", o.P, o.D, o.Q)
}

// MinObservations is the smallest series length that leaves at least one
// conditional residual after differencing.
func (o Order) MinObservations() int {
	return o.D + o.P + 1
}

// Model fits a forecasting model to an equally spaced series
type Model interface {
	Fit(ctx context.Context, values []float64) (Fitted, error)
}

// Fitted projects a fitted model forward
type Fitted interface {
	Forecast(steps int) ([]float64, error)
}

// ARIMA estimates ARIMA(p,d,q) by conditional sum of squares. For d > 0 the
// model has no constant; for d == 0 the sample mean is removed before the fit
// and restored in the projection.
type ARIMA struct {
	Order         Order
	MaxIterations int
	// Timeout bounds the optimizer wall clock. Zero means no limit.
	Timeout time.Duration
}

// ARIMAFit is a fitted model. It is owned by one caller and never shared.
type ARIMAFit struct {
	Order      Order
	AR         []float64
	MA         []float64
	Mean       float64
	Sigma2     float64
	SSE        float64
	NObs       int
	Iterations int
	// Residuals of the differenced series; the first p are conditioned to zero.
	Residuals []float64

	levels [][]float64
	w      []float64
}

// Fit estimates the model. The returned error wraps one of the package
// sentinel errors or the context error.
func (a ARIMA) Fit(ctx context.Context, values []float64) (Fitted, error) {
	return a.FitARIMA(ctx, values)
}

// FitARIMA is Fit with the concrete result type
func (a ARIMA) FitARIMA(ctx context.Context, values []float64) (*ARIMAFit, error) {
	p, d, q := a.Order.P, a.Order.D, a.Order.Q
	if p < 0 || d < 0 || q < 0 {
		return nil, fmt.Errorf("invalid order %s", a.Order)
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: index %d", ErrNonFinite, i)
		}
	}
	if len(values) < a.Order.MinObservations() {
		return nil, fmt.Errorf("%w: %d observations, %s needs %d",
			ErrInsufficientData, len(values), a.Order, a.Order.MinObservations())
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fit interrupted: %w", err)
	}

	levels := make([][]float64, d+1)
	levels[0] = append([]float64(nil), values...)
	for k := 1; k <= d; k++ {
		levels[k] = difference(levels[k-1])
	}

	w := append([]float64(nil), levels[d]...)
	fit := &ARIMAFit{Order: a.Order, levels: levels}
	if d == 0 {
		fit.Mean = stat.Mean(w, nil)
		floats.AddConst(-fit.Mean, w)
	}
	fit.w = w

	nEff := len(w) - p
	fit.NObs = nEff

	scale := floats.Norm(w, math.Inf(1))
	if scale == 0 {
		scale = 1
	}
	scaled := append([]float64(nil), w...)
	floats.Scale(1/scale, scaled)

	k := p + q
	params := make([]float64, k)

	// With no more residuals than parameters the fit keeps neutral
	// parameters and is a random walk on the integrated scale. For (1,1,1)
	// that is every series of 3 or 4 months.
	if k > 0 && nEff > k {
		x, iterations, err := a.minimize(ctx, scaled, p, q)
		if err != nil {
			return nil, err
		}
		params = x
		fit.Iterations = iterations
	}

	fit.AR = constrain(params[:p])
	fit.MA = constrain(params[p:])
	floats.Scale(-1, fit.MA)

	fit.Residuals = cssResiduals(w, fit.AR, fit.MA)
	fit.SSE = floats.Dot(fit.Residuals, fit.Residuals)
	fit.Sigma2 = fit.SSE / float64(nEff)

	if math.IsNaN(fit.Sigma2) || math.IsInf(fit.Sigma2, 0) {
		return nil, fmt.Errorf("%w: innovation variance", ErrNonFinite)
	}
	if nEff > k && fit.Sigma2/(scale*scale) <= degenerateVariance {
		return nil, fmt.Errorf("%w: sigma2=%g over %d residuals", ErrDegenerateSeries, fit.Sigma2, nEff)
	}

	return fit, nil
}

func (a ARIMA) minimize(ctx context.Context, w []float64, p, q int) ([]float64, int, error) {
	nEff := float64(len(w) - p)
	ar := make([]float64, p)
	ma := make([]float64, q)

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			constrainInto(ar, x[:p])
			constrainInto(ma, x[p:])
			floats.Scale(-1, ma)
			e := cssResiduals(w, ar, ma)
			return floats.Dot(e, e) / nEff
		},
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}

	maxIter := a.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	settings := &optimize.Settings{
		MajorIterations: maxIter,
		Runtime:         a.Timeout,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-9,
			Iterations: 50,
		},
	}

	result, err := optimize.Minimize(problem, make([]float64, p+q), settings, &optimize.NelderMead{SimplexSize: 0.5})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, 0, fmt.Errorf("fit interrupted: %w", ctxErr)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNotConverged, err)
	}
	if result.Status.Early() {
		return nil, result.Stats.MajorIterations, fmt.Errorf("%w: %s after %d iterations",
			ErrNotConverged, result.Status, result.Stats.MajorIterations)
	}
	for _, v := range result.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, result.Stats.MajorIterations, fmt.Errorf("%w: parameters", ErrNonFinite)
		}
	}
	return result.X, result.Stats.MajorIterations, nil
}

// Forecast projects steps values past the end of the fitted series
func (f *ARIMAFit) Forecast(steps int) ([]float64, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("forecast steps must be positive, got %d", steps)
	}

	m := len(f.w)
	w := make([]float64, m+steps)
	copy(w, f.w)
	e := make([]float64, m+steps)
	copy(e, f.Residuals)

	for t := m; t < m+steps; t++ {
		var v float64
		for i, phi := range f.AR {
			if t-i-1 >= 0 {
				v += phi * w[t-i-1]
			}
		}
		for j, theta := range f.MA {
			if t-j-1 >= 0 {
				v += theta * e[t-j-1]
			}
		}
		w[t] = v
	}

	out := make([]float64, steps)
	for h := range out {
		out[h] = w[m+h] + f.Mean
	}

	// Undo the differencing one level at a time, starting from the last
	// observed value of each level.
	for k := f.Order.D - 1; k >= 0; k-- {
		last := f.levels[k][len(f.levels[k])-1]
		for h := range out {
			last += out[h]
			out[h] = last
		}
	}

	for _, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: projection", ErrNonFinite)
		}
	}
	return out, nil
}

func difference(x []float64) []float64 {
	if len(x) < 2 {
		return nil
	}
	out := make([]float64, len(x)-1)
	for i := 1; i < len(x); i++ {
		out[i-1] = x[i] - x[i-1]
	}
	return out
}

// cssResiduals returns the conditional residuals of w under
// w[t] = sum(ar[i]*w[t-1-i]) + e[t] + sum(ma[j]*e[t-1-j]), with e[t] = 0 for t < len(ar).
func cssResiduals(w, ar, ma []float64) []float64 {
	p := len(ar)
	e := make([]float64, len(w))
	for t := p; t < len(w); t++ {
		v := w[t]
		for i, phi := range ar {
			v -= phi * w[t-i-1]
		}
		for j, theta := range ma {
			if t-j-1 >= 0 {
				v -= theta * e[t-j-1]
			}
		}
		e[t] = v
	}
	return e
}

func constrain(x []float64) []float64 {
	out := make([]float64, len(x))
	constrainInto(out, x)
	return out
}

// constrainInto maps unconstrained values to the coefficients of a stationary
// polynomial through bounded partial autocorrelations and the Durbin-Levinson
// recursion.
func constrainInto(dst, x []float64) {
	n := len(x)
	if n == 0 {
		return
	}
	tmp := make([]float64, n)
	for k := 0; k < n; k++ {
		r := maxPartialCorrelation * math.Tanh(x[k])
		dst[k] = r
		for j := 0; j < k; j++ {
			dst[j] = tmp[j] - r*tmp[k-1-j]
		}
		copy(tmp[:k+1], dst[:k+1])
	}
}

// ResidualSeries returns the residuals that carry information, skipping the
// conditioned start.
func (f *ARIMAFit) ResidualSeries() []float64 {
	return append([]float64(nil), f.Residuals[f.Order.P:]...)
}

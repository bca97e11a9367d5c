package algorithm

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/integrate/quad"
)

// Physical constants, SI
const (
	SpeedOfLight = 299792458.0
	Epsilon0     = 8.8541878128e-12
	Mu0          = 1 / (Epsilon0 * SpeedOfLight * SpeedOfLight)
)

// Drifting modes with c|k|dt below driftQuadPhase and |k_c.v dt| below
// driftQuadDrift take their differences from driftRule instead of the
// closed forms, which lose about log10(1/(c|k|dt)^2) digits.
const (
	driftQuadPhase = 1.0
	driftQuadDrift = 8.0
	driftQuadNodes = 32
)

// legendreRule is a Gauss-Legendre rule on [0, 1]
type legendreRule struct {
	s, w []float64
}

func newLegendreRule(n int) legendreRule {
	r := legendreRule{s: make([]float64, n), w: make([]float64, n)}
	quad.Legendre{}.FixedLocations(r.s, r.w, 0, 1)
	return r
}

var driftRule = newLegendreRule(driftQuadNodes)

// CoefficientSet holds the per-wavenumber update coefficients of one
// partition, x-fastest like the spectral fields
type CoefficientSet struct {
	// Modified wavenumber of every point, per axis
	K [3][]float64

	C []float64 // cos(c|k|dt)
	S []float64 // sin(c|k|dt)/(c|k|)

	T2             []complex128 // exp(i k_c.v dt)
	X1, X2, X3, X4 []complex128

	// Averaging coefficients, nil when averaging is off
	Psi1, Psi2     []complex128
	Y1, Y2, Y3, Y4 []complex128

	InvK2      []float64    // 1/|k|^2, 0 at k = 0
	InvK       [3][]float64 // 1/k_d, 0 where k_d = 0
	Continuity []complex128 // k.J = Continuity*(rho_new - T2*rho_old)
}

// NumPoints returns the number of wavenumbers covered by the set
func (cs *CoefficientSet) NumPoints() int { return len(cs.C) }

func newCoefficientSet(n int, averaging bool) *CoefficientSet {
	cs := &CoefficientSet{
		C:          make([]float64, n),
		S:          make([]float64, n),
		T2:         make([]complex128, n),
		X1:         make([]complex128, n),
		X2:         make([]complex128, n),
		X3:         make([]complex128, n),
		X4:         make([]complex128, n),
		InvK2:      make([]float64, n),
		Continuity: make([]complex128, n),
	}
	for d := 0; d < 3; d++ {
		cs.K[d] = make([]float64, n)
		cs.InvK[d] = make([]float64, n)
	}
	if averaging {
		cs.Psi1 = make([]complex128, n)
		cs.Psi2 = make([]complex128, n)
		cs.Y1 = make([]complex128, n)
		cs.Y2 = make([]complex128, n)
		cs.Y3 = make([]complex128, n)
		cs.Y4 = make([]complex128, n)
	}
	return cs
}

// modeCoefs are the coefficients of a single wavenumber
type modeCoefs struct {
	C, S               float64
	T2, X1, X2, X3, X4 complex128
	Psi1, Psi2         complex128
	Y1, Y2, Y3, Y4     complex128
	Continuity         complex128
}

// modeParams are the settings shared by every mode of a run
type modeParams struct {
	dt        float64
	withRho   bool
	averaging bool
	// Continuity is required, by the rho update or by current correction
	continuity bool
}

// phi1 returns (exp(z)-1)/z
func phi1(z complex128) complex128 {
	if cmplx.Abs(z) < 0.1 {
		// sum z^n/(n+1)!
		r := complex(1.0/39916800, 0) // 1/11!
		for n := 9; n >= 0; n-- {
			r = r*z + complex(1/factorial(n+1), 0)
		}
		return r
	}
	return (cmplx.Exp(z) - 1) / z
}

// phi2 returns (exp(z)-1-z)/z^2
func phi2(z complex128) complex128 {
	if cmplx.Abs(z) < 0.1 {
		// sum z^n/(n+2)!
		r := complex(1.0/479001600, 0) // 1/12!
		for n := 9; n >= 0; n-- {
			r = r*z + complex(1/factorial(n+2), 0)
		}
		return r
	}
	return (cmplx.Exp(z) - 1 - z) / (z * z)
}

func factorial(n int) float64 {
	f := 1.0
	for i := 2; i <= n; i++ {
		f *= float64(i)
	}
	return f
}

// Even functions of x = c|k|dt used by the laboratory-frame coefficients.
// Each is evaluated by its Taylor series near 0 where the closed form
// cancels.
//
//	sinc(x)  = sin(x)/x
//	cosc(x)  = (1 - cos x)/x^2
//	sinc3(x) = (x - sin x)/x^3
//	cosc4(x) = (x^2/2 - 1 + cos x)/x^4
func sinc(x float64) float64 {
	if math.Abs(x) < 0.5 {
		return evenSeries(x, 1)
	}
	return math.Sin(x) / x
}

func cosc(x float64) float64 {
	if math.Abs(x) < 0.5 {
		return evenSeries(x, 2)
	}
	return (1 - math.Cos(x)) / (x * x)
}

func sinc3(x float64) float64 {
	if math.Abs(x) < 0.5 {
		return evenSeries(x, 3)
	}
	return (x - math.Sin(x)) / (x * x * x)
}

func cosc4(x float64) float64 {
	if math.Abs(x) < 0.5 {
		return evenSeries(x, 4)
	}
	x2 := x * x
	return (x2/2 - 1 + math.Cos(x)) / (x2 * x2)
}

// evenSeries sums (-1)^n x^(2n)/(2n+m)! for n < 10
func evenSeries(x float64, m int) float64 {
	x2 := x * x
	r := 0.0
	for n := 9; n >= 0; n-- {
		r = 1/factorial(2*n+m) - x2*r
	}
	return r
}

// standardMode returns the coefficients of a mode with |k|^2 = k2 in the
// laboratory frame. k2 = 0 yields the k = 0 limits.
func standardMode(k2 float64, mp modeParams) modeCoefs {
	dt, withRho, averaging := mp.dt, mp.withRho, mp.averaging
	x := SpeedOfLight * math.Sqrt(k2) * dt
	cdt2 := c2 * dt * dt
	sc, cc, s3 := sinc(x), cosc(x), sinc3(x)

	m := modeCoefs{
		C:          math.Cos(x),
		S:          dt * sc,
		T2:         1,
		X1:         complex(dt*dt*cc/Epsilon0, 0),
		X4:         complex(-dt*sc/Epsilon0, 0),
		Continuity: complex(0, 1/dt),
	}
	if withRho {
		m.X2 = complex(cdt2*s3/Epsilon0, 0)
		m.X3 = complex(cdt2*(s3-cc)/Epsilon0, 0)
	} else {
		m.X2 = complex(cdt2*cc, 0)
		m.X3 = complex(-cdt2*dt*s3/Epsilon0, 0)
	}
	if averaging {
		c4 := cosc4(x)
		m.Psi1 = complex(sc, 0)
		m.Psi2 = complex(dt*cc, 0)
		m.Y1 = complex(dt*dt*s3/Epsilon0, 0)
		m.Y4 = complex(-dt*cc/Epsilon0, 0)
		if withRho {
			m.Y2 = complex(cdt2*c4/Epsilon0, 0)
			m.Y3 = complex(cdt2*(s3-c4)/Epsilon0, 0)
		} else {
			m.Y2 = complex(cdt2*s3, 0)
			m.Y3 = complex(-cdt2*dt*c4/Epsilon0, 0)
		}
	}
	return m
}

// driftDiffs are the scaled divided differences of g1(q) = phi1(i q dt)
// and g2(q) = phi2(i q dt) around q = w with step a, x = a dt:
//
//	Is = (g1(w+a) - g1(w-a))/(2ix)        = int_0^1 e^{iws dt} s sinc(xs) ds
//	Ic = (g1(w) - (g1(w+a) + g1(w-a))/2)/x^2 = int_0^1 e^{iws dt} s^2 cosc(xs) ds
//
// and Js, Jc the same for g2, whose integrands carry an extra (1-s).
type driftDiffs struct {
	Is, Ic, Js, Jc complex128
}

// quadDiffs integrates the differences with r; accurate for any x > 0
// while |u| + x stays well below the rule's degree
func (r legendreRule) quadDiffs(u, x float64) driftDiffs {
	var d driftDiffs
	for j, s := range r.s {
		e := cmplx.Exp(complex(0, u*s)) * complex(r.w[j], 0)
		fs := e * complex(s*sinc(x*s), 0)
		fc := e * complex(s*s*cosc(x*s), 0)
		d.Is += fs
		d.Ic += fc
		d.Js += fs * complex(1-s, 0)
		d.Jc += fc * complex(1-s, 0)
	}
	return d
}

// closedDiffs evaluates the differences from their definitions
func closedDiffs(u, x float64) driftDiffs {
	g1 := func(q float64) complex128 { return phi1(complex(0, q)) }
	g2 := func(q float64) complex128 { return phi2(complex(0, q)) }
	odd := func(g func(float64) complex128) complex128 {
		return (g(u+x) - g(u-x)) / complex(0, 2*x)
	}
	even := func(g func(float64) complex128) complex128 {
		return (g(u) - (g(u+x)+g(u-x))/2) / complex(x*x, 0)
	}
	return driftDiffs{Is: odd(g1), Ic: even(g1), Js: odd(g2), Jc: even(g2)}
}

// galileanMode returns the coefficients of a mode with |k|^2 = k2 > 0 in a
// frame drifting such that k_c.v = w. The w = 0 limit reproduces
// standardMode. With h(q) = dt phi1(i q dt), H(q) = dt phi2(i q dt) and
// a = c|k|:
//
//	X1 = (h(w+a) - h(w-a))/(2ia eps0)   X4 = -(h(w+a) + h(w-a))/(2 eps0)
//
// and the remaining coefficients follow from the differences in driftDiffs.
func galileanMode(k2, w float64, mp modeParams) (modeCoefs, error) {
	dt, withRho, averaging := mp.dt, mp.withRho, mp.averaging
	x := SpeedOfLight * math.Sqrt(k2) * dt
	u := w * dt
	i := complex(0, 1)
	cdt := complex(dt, 0)
	eps := complex(Epsilon0, 0)
	cdt2 := complex(c2*dt*dt, 0)

	e1 := phi1(complex(0, u))
	h0 := cdt * e1
	// h(w) vanishes when w*dt is a nonzero multiple of 2 pi
	resonant := cmplx.Abs(h0) < 1e-10*dt
	if resonant && (withRho || mp.continuity) {
		return modeCoefs{}, fmt.Errorf("%w: w*dt = %g", ErrGalileanResonance, u)
	}

	var d driftDiffs
	if x < driftQuadPhase && math.Abs(u) < driftQuadDrift {
		d = driftRule.quadDiffs(u, x)
	} else {
		d = closedDiffs(u, x)
	}
	t2 := cmplx.Exp(complex(0, u))
	cc := complex(cosc(x), 0)
	x2 := complex(x*x, 0)
	ic := h0 - cdt*x2*d.Ic

	m := modeCoefs{
		C:  math.Cos(x),
		S:  dt * sinc(x),
		T2: t2,
		X1: cdt * cdt * d.Is / eps,
		X4: -ic / eps,
	}
	if !resonant {
		m.Continuity = i / h0
	}
	if withRho {
		m.X2 = cdt2 * cdt * d.Ic / (h0 * eps)
		m.X3 = cdt2 * (cdt*d.Ic/h0 - cc) / eps
	} else {
		m.X2 = t2 * cdt2 * cc
		m.X3 = -cdt2 * cdt * d.Ic / eps
	}
	if averaging {
		ac := cdt * (phi2(complex(0, u)) - x2*d.Jc)
		m.Psi1 = e1 - x2*d.Ic
		m.Psi2 = cdt * d.Is
		m.Y1 = cdt * cdt * d.Js / eps
		m.Y4 = -ac / eps
		if withRho {
			m.Y2 = cdt2 * cdt * d.Jc / (h0 * eps)
			m.Y3 = cdt2 * (d.Ic - t2*cdt*d.Jc/h0) / eps
		} else {
			m.Y2 = cdt2 * d.Ic
			m.Y3 = -cdt2 * cdt * d.Jc / eps
		}
	}
	return m, nil
}

// store writes m at index idx of cs
func (cs *CoefficientSet) store(idx int, m modeCoefs) {
	cs.C[idx], cs.S[idx] = m.C, m.S
	cs.T2[idx] = m.T2
	cs.X1[idx], cs.X2[idx], cs.X3[idx], cs.X4[idx] = m.X1, m.X2, m.X3, m.X4
	cs.Continuity[idx] = m.Continuity
	if cs.Psi1 != nil {
		cs.Psi1[idx], cs.Psi2[idx] = m.Psi1, m.Psi2
		cs.Y1[idx], cs.Y2[idx], cs.Y3[idx], cs.Y4[idx] = m.Y1, m.Y2, m.Y3, m.Y4
	}
}

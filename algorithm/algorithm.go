// Package algorithm implements the pseudo-spectral analytical time-domain
// (PSATD) update of Maxwell's equations on the spectral fields of a
// fielddata.SpectralFieldData, with optional Galilean drift, time averaging
// and the two charge-conserving current treatments.
package algorithm

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/notargets/PSATDKernel/fielddata"
	"github.com/notargets/PSATDKernel/kspace"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	ErrInvalidConfig      = errors.New("invalid algorithm configuration")
	ErrInsufficientFields = errors.New("field store has too few components")
	ErrLayoutMismatch     = errors.New("field store built on a different partition layout")
	ErrCurrentScheme      = errors.New("operation does not match the configured current scheme")
	ErrGalileanResonance  = errors.New("galilean velocity is resonant with a grid mode")
)

// CurrentScheme selects how the deposited current is made consistent with
// the charge before the push
type CurrentScheme int

const (
	CurrentSchemeNone       CurrentScheme = iota
	CurrentSchemeCorrection               // project J onto the continuity equation
	CurrentSchemeVay                      // J slots hold D = -dJ_d/dx_d
)

func (cs CurrentScheme) String() string {
	switch cs {
	case CurrentSchemeNone:
		return "none"
	case CurrentSchemeCorrection:
		return "correction"
	case CurrentSchemeVay:
		return "vay"
	}
	return fmt.Sprintf("CurrentScheme(%d)", int(cs))
}

// ParseCurrentScheme maps a name produced by String back to its scheme
func ParseCurrentScheme(name string) (CurrentScheme, error) {
	for _, cs := range []CurrentScheme{CurrentSchemeNone, CurrentSchemeCorrection, CurrentSchemeVay} {
		if cs.String() == name {
			return cs, nil
		}
	}
	if name == "" {
		return CurrentSchemeNone, nil
	}
	return 0, fmt.Errorf("%w: unknown current scheme %q", ErrInvalidConfig, name)
}

// Config fixes every run-time choice of the update
type Config struct {
	// Finite-difference order per axis, even >= 2 or kspace.InfiniteOrder
	Order [3]int
	// Nodal selects the nodal stencil for the modified k, staggered otherwise
	Nodal bool
	// Galilean frame velocity; zero for the laboratory frame
	VGalilean [3]float64
	Dt        float64

	UpdateWithRho bool
	TimeAveraging bool
	CurrentScheme CurrentScheme

	// Workers bounds the partitions processed concurrently; <= 0 is unbounded
	Workers int
}

// Galilean reports whether the configuration uses a drifting frame
func (c Config) Galilean() bool {
	return c.VGalilean != [3]float64{}
}

// Validate checks the configuration independently of any grid
func (c Config) Validate() error {
	if !(c.Dt > 0) {
		return fmt.Errorf("%w: dt must be positive, got %g", ErrInvalidConfig, c.Dt)
	}
	for d, o := range c.Order {
		if o != kspace.InfiniteOrder && (o < 2 || o%2 != 0) {
			return fmt.Errorf("%w: order %d along axis %d", ErrInvalidConfig, o, d)
		}
	}
	v := c.VGalilean
	if math.Sqrt(v[0]*v[0]+v[1]*v[1]+v[2]*v[2]) >= SpeedOfLight {
		return fmt.Errorf("%w: galilean velocity %v is not below c", ErrInvalidConfig, v)
	}
	switch c.CurrentScheme {
	case CurrentSchemeNone, CurrentSchemeCorrection, CurrentSchemeVay:
	default:
		return fmt.Errorf("%w: %v", ErrInvalidConfig, c.CurrentScheme)
	}
	return nil
}

// SpectralAlgorithm advances the spectral fields of a store by one step
type SpectralAlgorithm interface {
	PushSpectralFields(f *fielddata.SpectralFieldData) error
	PushPartition(f *fielddata.SpectralFieldData, p int) error
	RequiredNumberOfFields() int
	CurrentCorrection(f *fielddata.SpectralFieldData) error
	VayDeposition(f *fielddata.SpectralFieldData) error
	ComputeSpectralDivE(f *fielddata.SpectralFieldData, p int) error
}

// NewSpectralAlgorithm builds the update configured by cfg on ks. PSATD is
// the only variant.
func NewSpectralAlgorithm(ks *kspace.SpectralKSpace, cfg Config) (SpectralAlgorithm, error) {
	return NewPsatdAlgorithm(ks, cfg)
}

// PsatdAlgorithm holds the coefficients of every partition. It is immutable
// after construction and may be shared by concurrent pushes on distinct
// partitions.
type PsatdAlgorithm struct {
	cfg    Config
	ks     *kspace.SpectralKSpace
	coefs  []*CoefficientSet
	fields int

	push    func(v *fieldView, cs *CoefficientSet)
	average func(v *fieldView, cs *CoefficientSet)
}

// NewPsatdAlgorithm computes the coefficient sets of every partition of ks
func NewPsatdAlgorithm(ks *kspace.SpectralKSpace, cfg Config) (*PsatdAlgorithm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	var modK, centeredK [3]kspace.KVectorComponent
	for d := 0; d < 3; d++ {
		var err error
		if modK[d], err = ks.GetModifiedKComponent(d, cfg.Order[d], cfg.Nodal); err != nil {
			return nil, fmt.Errorf("axis %d: %w", d, err)
		}
		if centeredK[d], err = ks.GetModifiedKComponent(d, cfg.Order[d], true); err != nil {
			return nil, fmt.Errorf("axis %d: %w", d, err)
		}
	}

	a := &PsatdAlgorithm{
		cfg:    cfg,
		ks:     ks,
		coefs:  make([]*CoefficientSet, ks.NumPartitions()),
		fields: fielddata.NumFields,
	}
	if cfg.TimeAveraging {
		a.fields = fielddata.NumAvgFields
	}

	mp := modeParams{
		dt:         cfg.Dt,
		withRho:    cfg.UpdateWithRho,
		averaging:  cfg.TimeAveraging,
		continuity: cfg.CurrentScheme == CurrentSchemeCorrection,
	}
	var g errgroup.Group
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}
	for p := range a.coefs {
		g.Go(func() error {
			cs, err := a.initCoefficients(p, modK, centeredK, mp)
			if err != nil {
				return fmt.Errorf("partition %d: %w", p, err)
			}
			a.coefs[p] = cs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if cfg.UpdateWithRho {
		a.push = pushWithRho
	} else {
		a.push = pushWithoutRho
	}
	if cfg.TimeAveraging {
		if cfg.UpdateWithRho {
			a.average = averageWithRho
		} else {
			a.average = averageWithoutRho
		}
	}

	klog.V(2).Infof("psatd coefficients for %d partitions in %v (galilean=%v, rho=%v, averaging=%v, current=%v)",
		len(a.coefs), time.Since(start), cfg.Galilean(), cfg.UpdateWithRho, cfg.TimeAveraging, cfg.CurrentScheme)
	return a, nil
}

func (a *PsatdAlgorithm) initCoefficients(p int, modK, centeredK [3]kspace.KVectorComponent,
	mp modeParams) (*CoefficientSet, error) {
	n := a.ks.Extent(p)
	cs := newCoefficientSet(n[0]*n[1]*n[2], a.cfg.TimeAveraging)
	kx, ky, kz := modK[0][p], modK[1][p], modK[2][p]
	cx, cy, cz := centeredK[0][p], centeredK[1][p], centeredK[2][p]
	v := a.cfg.VGalilean
	galilean := a.cfg.Galilean()

	for k := 0; k < n[2]; k++ {
		for j := 0; j < n[1]; j++ {
			for i := 0; i < n[0]; i++ {
				idx := i + n[0]*(j+n[1]*k)
				kv := [3]float64{kx[i], ky[j], kz[k]}
				for d := 0; d < 3; d++ {
					cs.K[d][idx] = kv[d]
					if kv[d] != 0 {
						cs.InvK[d][idx] = 1 / kv[d]
					}
				}
				k2 := kv[0]*kv[0] + kv[1]*kv[1] + kv[2]*kv[2]

				var m modeCoefs
				if galilean && k2 != 0 {
					w := cx[i]*v[0] + cy[j]*v[1] + cz[k]*v[2]
					var err error
					if m, err = galileanMode(k2, w, mp); err != nil {
						return nil, fmt.Errorf("mode (%d,%d,%d): %w", i, j, k, err)
					}
				} else {
					m = standardMode(k2, mp)
				}
				if k2 != 0 {
					cs.InvK2[idx] = 1 / k2
				}
				cs.store(idx, m)
			}
		}
	}
	return cs, nil
}

// RequiredNumberOfFields returns the spectral components the update reads
// and writes
func (a *PsatdAlgorithm) RequiredNumberOfFields() int { return a.fields }

// Config returns the configuration the algorithm was built with
func (a *PsatdAlgorithm) Config() Config { return a.cfg }

// Coefficients returns the coefficient set of partition p
func (a *PsatdAlgorithm) Coefficients(p int) *CoefficientSet { return a.coefs[p] }

// NumPartitions returns the number of coefficient sets
func (a *PsatdAlgorithm) NumPartitions() int { return len(a.coefs) }

// CheckFields reports whether f can be pushed by a
func (a *PsatdAlgorithm) CheckFields(f *fielddata.SpectralFieldData) error {
	if f.NumFields() < a.fields {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFields, f.NumFields(), a.fields)
	}
	if f.NumPartitions() != len(a.coefs) {
		return fmt.Errorf("%w: %d partitions, algorithm has %d", ErrLayoutMismatch,
			f.NumPartitions(), len(a.coefs))
	}
	if f.KSpace().Layout == a.ks.Layout {
		return nil
	}
	for p := range a.coefs {
		if f.KSpace().Extent(p) != a.ks.Extent(p) {
			return fmt.Errorf("%w: partition %d extent %v, algorithm has %v", ErrLayoutMismatch,
				p, f.KSpace().Extent(p), a.ks.Extent(p))
		}
	}
	return nil
}

// PushSpectralFields advances every partition of f by one step
func (a *PsatdAlgorithm) PushSpectralFields(f *fielddata.SpectralFieldData) error {
	if err := a.CheckFields(f); err != nil {
		return err
	}
	return a.forEachPartition(func(p int) error { return a.pushPartition(f, p) })
}

// PushPartition advances partition p of f by one step
func (a *PsatdAlgorithm) PushPartition(f *fielddata.SpectralFieldData, p int) error {
	if err := a.CheckFields(f); err != nil {
		return err
	}
	return a.pushPartition(f, p)
}

func (a *PsatdAlgorithm) pushPartition(f *fielddata.SpectralFieldData, p int) error {
	if err := f.Reserve(p); err != nil {
		return err
	}
	defer f.Release(p)

	v := newFieldView(f, p, a.cfg.TimeAveraging)
	cs := a.coefs[p]
	// Averages read the fields before they are overwritten
	if a.average != nil {
		a.average(v, cs)
	}
	a.push(v, cs)
	return nil
}

func (a *PsatdAlgorithm) forEachPartition(fn func(p int) error) error {
	var g errgroup.Group
	if a.cfg.Workers > 0 {
		g.SetLimit(a.cfg.Workers)
	}
	for p := range a.coefs {
		g.Go(func() error { return fn(p) })
	}
	return g.Wait()
}

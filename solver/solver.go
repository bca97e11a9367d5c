// Package solver assembles the spectral k-space, field store and PSATD
// update into a per-step pipeline over all partitions of a layout.
package solver

import (
	"errors"
	"fmt"
	"time"

	"github.com/notargets/PSATDKernel/algorithm"
	"github.com/notargets/PSATDKernel/anyfft"
	"github.com/notargets/PSATDKernel/fielddata"
	"github.com/notargets/PSATDKernel/kspace"
	"github.com/notargets/PSATDKernel/metrics"
	"github.com/notargets/PSATDKernel/partitions"
	"github.com/notargets/PSATDKernel/runner"
	"github.com/notargets/PSATDKernel/utils"
	"github.com/notargets/gocca"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

var (
	ErrPatchCount   = errors.New("one PatchFields per partition required")
	ErrMissingField = errors.New("patch is missing a field the update needs")
)

// Staggering gives the sample positions of every real-space component
type Staggering struct {
	E, B, J [3]partitions.IndexType
	Rho     partitions.IndexType
}

// NodalStaggering samples every component on the nodes
func NodalStaggering() Staggering {
	return Staggering{}
}

// YeeStaggering places E and J at edge centers and B at face centers; rho
// stays on the nodes
func YeeStaggering() Staggering {
	var s Staggering
	for d := 0; d < 3; d++ {
		for a := 0; a < 3; a++ {
			if a == d {
				s.E[d][a] = partitions.Cell
			} else {
				s.B[d][a] = partitions.Cell
			}
		}
	}
	s.J = s.E
	return s
}

// Config of a SpectralSolver
type Config struct {
	Dx        [3]float64
	Algorithm algorithm.Config

	PeriodicSingleBox bool
	Backend           anyfft.Backend
	MaxPrimeFactor    int
	Staggering        Staggering

	// Device holds OCCA device properties for the push; empty pushes on the host
	Device string

	Metrics *metrics.Collector
}

// PatchFields holds the real-space components of one partition. The rho
// arrays are required when the update reads the charge; the averaged
// arrays when time averaging is enabled.
type PatchFields struct {
	E, B, J        [3]*fielddata.RealArray
	RhoOld, RhoNew *fielddata.RealArray
	EAvg, BAvg     [3]*fielddata.RealArray
}

// SpectralSolver owns the spectral state of every partition
type SpectralSolver struct {
	Layout    *partitions.PartitionLayout
	KSpace    *kspace.SpectralKSpace
	Algorithm *algorithm.PsatdAlgorithm
	Fields    *fielddata.SpectralFieldData

	cfg     Config
	needRho bool
	device  *gocca.OCCADevice
	pusher  *runner.PushRunner
}

// NewSpectralSolver builds the k-space, update and field store for layout
func NewSpectralSolver(layout *partitions.PartitionLayout, cfg Config) (*SpectralSolver, error) {
	ks, err := kspace.NewSpectralKSpace(layout, cfg.Dx, cfg.PeriodicSingleBox)
	if err != nil {
		return nil, err
	}
	alg, err := algorithm.NewPsatdAlgorithm(ks, cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	fields, err := fielddata.NewSpectralFieldData(ks, fielddata.Config{
		NumFields:         alg.RequiredNumberOfFields(),
		PeriodicSingleBox: cfg.PeriodicSingleBox,
		Backend:           cfg.Backend,
		MaxPrimeFactor:    cfg.MaxPrimeFactor,
	})
	if err != nil {
		return nil, err
	}
	s := &SpectralSolver{
		Layout:    layout,
		KSpace:    ks,
		Algorithm: alg,
		Fields:    fields,
		cfg:       cfg,
		needRho: cfg.Algorithm.UpdateWithRho ||
			cfg.Algorithm.CurrentScheme == algorithm.CurrentSchemeCorrection,
	}
	if cfg.Device != "" {
		if err := s.openDevice(); err != nil {
			s.Free()
			return nil, err
		}
	}
	klog.V(1).Infof("spectral solver: %d partitions, domain %v, device=%q", layout.NumPartitions,
		layout.Domain, cfg.Device)
	return s, nil
}

func (s *SpectralSolver) openDevice() (err error) {
	if s.device, err = utils.OpenDevice(s.cfg.Device); err != nil {
		return err
	}
	s.pusher, err = runner.NewPushRunner(s.device, s.Algorithm, s.Fields)
	return err
}

// NumPartitions returns the number of partitions advanced by Step
func (s *SpectralSolver) NumPartitions() int { return s.Layout.NumPartitions }

// NewPatchFields allocates zeroed real-space arrays for partition p with the
// configured staggering
func (s *SpectralSolver) NewPatchFields(p int) *PatchFields {
	box := s.Layout.Partitions[p].Box
	st := s.cfg.Staggering
	pf := &PatchFields{}
	for d := 0; d < 3; d++ {
		pf.E[d] = fielddata.NewRealArray(box, st.E[d])
		pf.B[d] = fielddata.NewRealArray(box, st.B[d])
		pf.J[d] = fielddata.NewRealArray(box, st.J[d])
		if s.cfg.Algorithm.TimeAveraging {
			pf.EAvg[d] = fielddata.NewRealArray(box, st.E[d])
			pf.BAvg[d] = fielddata.NewRealArray(box, st.B[d])
		}
	}
	if s.needRho {
		pf.RhoOld = fielddata.NewRealArray(box, st.Rho)
		pf.RhoNew = fielddata.NewRealArray(box, st.Rho)
	}
	return pf
}

func (s *SpectralSolver) checkPatch(p int, pf *PatchFields) error {
	if pf == nil {
		return fmt.Errorf("partition %d: %w", p, ErrMissingField)
	}
	if s.needRho && (pf.RhoOld == nil || pf.RhoNew == nil) {
		return fmt.Errorf("partition %d: rho: %w", p, ErrMissingField)
	}
	if s.cfg.Algorithm.TimeAveraging {
		for d := 0; d < 3; d++ {
			if pf.EAvg[d] == nil || pf.BAvg[d] == nil {
				return fmt.Errorf("partition %d: averaged fields: %w", p, ErrMissingField)
			}
		}
	}
	return nil
}

// Step advances the fields of every partition by one time step: forward
// transforms, current treatment, push, backward transforms. patches[p]
// belongs to partition p; E and B are overwritten with the new fields.
func (s *SpectralSolver) Step(patches []*PatchFields) error {
	if len(patches) != s.NumPartitions() {
		return fmt.Errorf("%w: got %d for %d partitions", ErrPatchCount, len(patches), s.NumPartitions())
	}
	for p, pf := range patches {
		if err := s.checkPatch(p, pf); err != nil {
			return err
		}
	}
	start := time.Now()

	var err error
	if s.pusher == nil {
		err = s.forEachPartition(func(p int) error {
			if err := s.forward(p, patches[p]); err != nil {
				return err
			}
			if err := s.push(p); err != nil {
				return err
			}
			return s.backward(p, patches[p])
		})
	} else {
		err = s.forEachPartition(func(p int) error { return s.forward(p, patches[p]) })
		if err == nil {
			if err = s.pusher.Push(s.Fields); err == nil {
				s.cfg.Metrics.IncDevicePush()
				err = s.forEachPartition(func(p int) error { return s.backward(p, patches[p]) })
			}
		}
	}
	if err != nil {
		if errors.Is(err, fielddata.ErrPartitionBusy) {
			s.cfg.Metrics.IncPartitionBusy()
		}
		return err
	}
	s.cfg.Metrics.ObserveStep(time.Since(start))
	return nil
}

func (s *SpectralSolver) forward(p int, pf *PatchFields) error {
	n := 9
	for d := 0; d < 3; d++ {
		if err := s.Fields.ForwardTransform(p, pf.E[d], fielddata.Ex+d); err != nil {
			return fmt.Errorf("E[%d]: %w", d, err)
		}
		if err := s.Fields.ForwardTransform(p, pf.B[d], fielddata.Bx+d); err != nil {
			return fmt.Errorf("B[%d]: %w", d, err)
		}
		if err := s.Fields.ForwardTransform(p, pf.J[d], fielddata.Jx+d); err != nil {
			return fmt.Errorf("J[%d]: %w", d, err)
		}
	}
	if s.needRho {
		if err := s.Fields.ForwardTransform(p, pf.RhoOld, fielddata.RhoOld); err != nil {
			return fmt.Errorf("rho old: %w", err)
		}
		if err := s.Fields.ForwardTransform(p, pf.RhoNew, fielddata.RhoNew); err != nil {
			return fmt.Errorf("rho new: %w", err)
		}
		n += 2
	}
	s.cfg.Metrics.AddTransforms(metrics.Forward, n)

	switch s.cfg.Algorithm.CurrentScheme {
	case algorithm.CurrentSchemeCorrection:
		return s.Algorithm.CorrectPartitionCurrent(s.Fields, p)
	case algorithm.CurrentSchemeVay:
		return s.Algorithm.VayPartition(s.Fields, p)
	}
	return nil
}

func (s *SpectralSolver) push(p int) error {
	start := time.Now()
	if err := s.Algorithm.PushPartition(s.Fields, p); err != nil {
		return err
	}
	s.cfg.Metrics.ObservePush(time.Since(start))
	return nil
}

func (s *SpectralSolver) backward(p int, pf *PatchFields) error {
	n := 6
	for d := 0; d < 3; d++ {
		if err := s.Fields.BackwardTransform(p, pf.E[d], fielddata.Ex+d); err != nil {
			return fmt.Errorf("E[%d]: %w", d, err)
		}
		if err := s.Fields.BackwardTransform(p, pf.B[d], fielddata.Bx+d); err != nil {
			return fmt.Errorf("B[%d]: %w", d, err)
		}
	}
	if s.cfg.Algorithm.TimeAveraging {
		for d := 0; d < 3; d++ {
			if err := s.Fields.BackwardTransform(p, pf.EAvg[d], fielddata.ExAvg+d); err != nil {
				return fmt.Errorf("averaged E[%d]: %w", d, err)
			}
			if err := s.Fields.BackwardTransform(p, pf.BAvg[d], fielddata.BxAvg+d); err != nil {
				return fmt.Errorf("averaged B[%d]: %w", d, err)
			}
		}
		n += 6
	}
	s.cfg.Metrics.AddTransforms(metrics.Backward, n)
	return nil
}

func (s *SpectralSolver) forEachPartition(fn func(p int) error) error {
	var g errgroup.Group
	if w := s.cfg.Algorithm.Workers; w > 0 {
		g.SetLimit(w)
	}
	for p := 0; p < s.NumPartitions(); p++ {
		g.Go(func() error {
			if err := fn(p); err != nil {
				return fmt.Errorf("partition %d: %w", p, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ComputeDivE writes the spectral divergence of E on partition p into out.
// The spectral B of p is overwritten; the next Step restores it.
func (s *SpectralSolver) ComputeDivE(p int, E [3]*fielddata.RealArray, out *fielddata.RealArray) error {
	for d := 0; d < 3; d++ {
		if err := s.Fields.ForwardTransform(p, E[d], fielddata.Ex+d); err != nil {
			return fmt.Errorf("E[%d]: %w", d, err)
		}
	}
	if err := s.Algorithm.ComputeSpectralDivE(s.Fields, p); err != nil {
		return err
	}
	return s.Fields.BackwardTransform(p, out, fielddata.DivE)
}

// FieldEnergy returns the electromagnetic energy of partition p held in the
// spectral store, eps0/2 |E|^2 + |B|^2/(2 mu0) summed over the cells by
// Parseval's theorem
func (s *SpectralSolver) FieldEnergy(p int) float64 {
	sq := make([]float64, len(s.Fields.Field(p, fielddata.Ex)))
	sumSq := func(comp int) float64 {
		for i, v := range s.Fields.Field(p, comp) {
			sq[i] = real(v)*real(v) + imag(v)*imag(v)
		}
		return floats.Sum(sq)
	}
	var e2, b2 float64
	for d := 0; d < 3; d++ {
		e2 += sumSq(fielddata.Ex + d)
		b2 += sumSq(fielddata.Bx + d)
	}
	dv := s.cfg.Dx[0] * s.cfg.Dx[1] * s.cfg.Dx[2]
	return dv / float64(len(sq)) * (0.5*algorithm.Epsilon0*e2 + 0.5*b2/algorithm.Mu0)
}

// TotalEnergy sums FieldEnergy over all partitions and reports it to the
// metrics collector
func (s *SpectralSolver) TotalEnergy() float64 {
	e := make([]float64, s.NumPartitions())
	for p := range e {
		e[p] = s.FieldEnergy(p)
	}
	total := floats.Sum(e)
	s.cfg.Metrics.SetFieldEnergy(total)
	return total
}

// Free releases the device kernel, device and transform plans
func (s *SpectralSolver) Free() {
	if s == nil {
		return
	}
	if s.pusher != nil {
		s.pusher.Free()
		s.pusher = nil
	}
	if s.device != nil {
		s.device.Free()
		s.device = nil
	}
	if s.Fields != nil {
		s.Fields.Free()
	}
}

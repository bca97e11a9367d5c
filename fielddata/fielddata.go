// Package fielddata owns the spectral representation of the fields of every
// partition: the complex component buffers, the FFT plans and scratch used to
// move real-space arrays in and out of Fourier space, and the staggering
// phase correction applied on the way.
package fielddata

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/notargets/PSATDKernel/anyfft"
	"github.com/notargets/PSATDKernel/kspace"
	"github.com/notargets/PSATDKernel/partitions"
	"k8s.io/klog/v2"
)

// Spectral field slots
const (
	Ex = iota
	Ey
	Ez
	Bx
	By
	Bz
	Jx
	Jy
	Jz
	RhoOld
	RhoNew
	NumFields
)

// Time-averaged slots, present only when averaging is enabled
const (
	ExAvg = NumFields + iota
	EyAvg
	EzAvg
	BxAvg
	ByAvg
	BzAvg
	NumAvgFields
)

// DivE shares the Bx slot; it is only written by the div E diagnostic
const DivE = Bx

var (
	ErrConventionMismatch = errors.New("wavenumber convention mismatch")
	ErrShapeMismatch      = errors.New("real array shape does not match partition")
	ErrPartitionBusy      = errors.New("partition already in use")
	ErrComponentRange     = errors.New("component index out of range")
)

// RealArray is one real-space component on one partition
type RealArray struct {
	Box  partitions.Box
	Type partitions.IndexType
	Data []float64 // x-fastest, len == Box.NumPts()
}

// NewRealArray allocates a zeroed array covering box
func NewRealArray(box partitions.Box, typ partitions.IndexType) *RealArray {
	return &RealArray{Box: box, Type: typ, Data: make([]float64, box.NumPts())}
}

// Config for NewSpectralFieldData
type Config struct {
	NumFields         int
	PeriodicSingleBox bool
	Backend           anyfft.Backend
	MaxPrimeFactor    int
}

type partitionScratch struct {
	extent   [3]int
	forward  *anyfft.Plan
	backward *anyfft.Plan
	tmp      []complex128

	// Per axis phase factors, indexed [axis][i]
	fromCell [3][]complex128
	toCell   [3][]complex128

	busy atomic.Bool
}

// SpectralFieldData is the spectral store of all partitions. Distinct
// partitions may be transformed concurrently; calls on one partition must
// not overlap.
type SpectralFieldData struct {
	Fields *partitions.PartitionedArray[complex128]

	ks      *kspace.SpectralKSpace
	nFields int
	scratch []*partitionScratch
}

// NewSpectralFieldData allocates cfg.NumFields spectral components and the
// transform plans of every partition of ks
func NewSpectralFieldData(ks *kspace.SpectralKSpace, cfg Config) (*SpectralFieldData, error) {
	if cfg.NumFields < 1 {
		return nil, fmt.Errorf("need at least one field component, got %d", cfg.NumFields)
	}
	if cfg.PeriodicSingleBox != ks.PeriodicSingleBox {
		return nil, fmt.Errorf("%w: store periodic=%v, k-space periodic=%v",
			ErrConventionMismatch, cfg.PeriodicSingleBox, ks.PeriodicSingleBox)
	}

	var from, to [3]kspace.SpectralShiftFactor
	for d := 0; d < 3; d++ {
		from[d] = ks.GetSpectralShiftFactor(d, kspace.TransformFromCellCentered)
		to[d] = ks.GetSpectralShiftFactor(d, kspace.TransformToCellCentered)
	}

	sf := &SpectralFieldData{
		Fields:  partitions.NewPartitionedArray[complex128](ks.Layout, cfg.NumFields),
		ks:      ks,
		nFields: cfg.NumFields,
		scratch: make([]*partitionScratch, ks.NumPartitions()),
	}
	for p := range sf.scratch {
		ext := ks.Extent(p)
		fwd, err := anyfft.CreatePlan(ext, anyfft.Forward, cfg.Backend, cfg.MaxPrimeFactor)
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", p, err)
		}
		bwd, err := anyfft.CreatePlan(ext, anyfft.Backward, cfg.Backend, cfg.MaxPrimeFactor)
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", p, err)
		}
		ps := &partitionScratch{
			extent:   ext,
			forward:  fwd,
			backward: bwd,
			tmp:      make([]complex128, fwd.Len()),
		}
		for d := 0; d < 3; d++ {
			ps.fromCell[d] = from[d][p]
			ps.toCell[d] = to[d][p]
		}
		sf.scratch[p] = ps
	}

	klog.V(2).Infof("spectral field data: %d partitions x %d components, %d complex values",
		len(sf.scratch), cfg.NumFields, len(sf.Fields.GlobalData))
	return sf, nil
}

// NumFields returns the number of spectral components per partition
func (sf *SpectralFieldData) NumFields() int { return sf.nFields }

// NumPartitions returns the number of partitions
func (sf *SpectralFieldData) NumPartitions() int { return len(sf.scratch) }

// KSpace returns the wavenumber space the store was built on
func (sf *SpectralFieldData) KSpace() *kspace.SpectralKSpace { return sf.ks }

// Field returns spectral component comp of partition p, or nil if either is
// out of range
func (sf *SpectralFieldData) Field(p, comp int) []complex128 {
	return sf.Fields.GetComponent(p, comp)
}

// ForwardTransform transforms arr into spectral component comp of partition
// p, using arr.Type as the staggering
func (sf *SpectralFieldData) ForwardTransform(p int, arr *RealArray, comp int) error {
	if arr == nil {
		return fmt.Errorf("partition %d: nil array: %w", p, ErrShapeMismatch)
	}
	return sf.ForwardTransformStaggered(p, arr, comp, arr.Type)
}

// ForwardTransformStaggered transforms arr into spectral component comp of
// partition p. Every cell-centered axis of stag is shifted to nodal.
func (sf *SpectralFieldData) ForwardTransformStaggered(p int, arr *RealArray, comp int,
	stag partitions.IndexType) error {
	ps, err := sf.acquire(p, arr, comp)
	if err != nil {
		return err
	}
	defer ps.busy.Store(false)

	for i, v := range arr.Data {
		ps.tmp[i] = complex(v, 0)
	}
	ps.forward.Execute(ps.tmp)
	ps.applyShift(ps.fromCell, stag)
	copy(sf.Field(p, comp), ps.tmp)
	return nil
}

// BackwardTransform transforms spectral component comp of partition p back
// into arr, shifting to arr.Type's staggering and normalizing by the
// transform length. Only the real part is kept.
func (sf *SpectralFieldData) BackwardTransform(p int, arr *RealArray, comp int) error {
	ps, err := sf.acquire(p, arr, comp)
	if err != nil {
		return err
	}
	defer ps.busy.Store(false)

	copy(ps.tmp, sf.Field(p, comp))
	ps.applyShift(ps.toCell, arr.Type)
	ps.backward.Execute(ps.tmp)
	inv := 1 / float64(len(ps.tmp))
	for i := range arr.Data {
		arr.Data[i] = real(ps.tmp[i]) * inv
	}
	return nil
}

// Free releases the transform plans. The store must not be used afterwards.
func (sf *SpectralFieldData) Free() {
	for _, ps := range sf.scratch {
		ps.forward.Destroy()
		ps.backward.Destroy()
		ps.tmp = nil
	}
}

func (sf *SpectralFieldData) acquire(p int, arr *RealArray, comp int) (*partitionScratch, error) {
	if p < 0 || p >= len(sf.scratch) {
		return nil, fmt.Errorf("partition %d of %d: %w", p, len(sf.scratch), ErrComponentRange)
	}
	if comp < 0 || comp >= sf.nFields {
		return nil, fmt.Errorf("component %d of %d: %w", comp, sf.nFields, ErrComponentRange)
	}
	ps := sf.scratch[p]
	if arr == nil || arr.Box.Length() != ps.extent || len(arr.Data) != len(ps.tmp) {
		got := "nil"
		if arr != nil {
			got = fmt.Sprintf("box %v with %d values", arr.Box, len(arr.Data))
		}
		return nil, fmt.Errorf("partition %d has extent %v, got %s: %w", p, ps.extent, got, ErrShapeMismatch)
	}
	if !ps.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("partition %d: %w", p, ErrPartitionBusy)
	}
	return ps, nil
}

// Reserve marks partition p in use by an operation working on its spectral
// components directly. Every successful Reserve must be paired with Release.
func (sf *SpectralFieldData) Reserve(p int) error {
	if p < 0 || p >= len(sf.scratch) {
		return fmt.Errorf("partition %d of %d: %w", p, len(sf.scratch), ErrComponentRange)
	}
	if !sf.scratch[p].busy.CompareAndSwap(false, true) {
		return fmt.Errorf("partition %d: %w", p, ErrPartitionBusy)
	}
	return nil
}

// Release ends a Reserve on partition p
func (sf *SpectralFieldData) Release(p int) {
	sf.scratch[p].busy.Store(false)
}

// applyShift multiplies tmp by the factor of every cell-centered axis
func (ps *partitionScratch) applyShift(factors [3][]complex128, stag partitions.IndexType) {
	if stag.IsNodal() {
		return
	}
	n := ps.extent
	for k := 0; k < n[2]; k++ {
		for j := 0; j < n[1]; j++ {
			s := complex(1, 0)
			if stag[1] == partitions.Cell {
				s *= factors[1][j]
			}
			if stag[2] == partitions.Cell {
				s *= factors[2][k]
			}
			row := ps.tmp[n[0]*(j+n[1]*k) : n[0]*(j+n[1]*k+1)]
			for i := range row {
				if stag[0] == partitions.Cell {
					row[i] *= s * factors[0][i]
				} else {
					row[i] *= s
				}
			}
		}
	}
}

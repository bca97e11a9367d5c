// Package kspace builds the wavenumber grids of every partition: the
// discrete k values per axis, their finite-order "modified" variants, and
// the phase factors that move data between nodal and cell-centered grids.
package kspace

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/notargets/PSATDKernel/partitions"
	"k8s.io/klog/v2"
)

// InfiniteOrder requests the exact spectral derivative (k_mod == k)
const InfiniteOrder = -1

var (
	ErrInvalidOrder   = errors.New("invalid stencil order")
	ErrPeriodicLayout = errors.New("periodic single box requires one partition covering the domain")
)

// KVectorComponent holds one axis of k values per partition: [partition][i]
type KVectorComponent [][]float64

// SpectralShiftFactor holds one axis of phase factors per partition
type SpectralShiftFactor [][]complex128

// ShiftType selects the direction of a staggering phase correction
type ShiftType int

const (
	TransformFromCellCentered ShiftType = iota // cell-centered data -> nodal spectral data
	TransformToCellCentered                    // nodal spectral data -> cell-centered data
)

// SpectralKSpace is the spectral counterpart of a partition layout at one
// refinement level. It is immutable after construction.
type SpectralKSpace struct {
	Layout            *partitions.PartitionLayout
	Dx                [3]float64
	PeriodicSingleBox bool

	kVec [3]KVectorComponent
}

// NewSpectralKSpace computes the k vectors of every partition of layout
func NewSpectralKSpace(layout *partitions.PartitionLayout, dx [3]float64,
	periodicSingleBox bool) (*SpectralKSpace, error) {
	if layout == nil || layout.NumPartitions == 0 {
		return nil, fmt.Errorf("empty partition layout")
	}
	for d := 0; d < 3; d++ {
		if !(dx[d] > 0) {
			return nil, fmt.Errorf("cell size along axis %d must be positive, got %g", d, dx[d])
		}
	}
	if periodicSingleBox {
		if layout.NumPartitions != 1 {
			return nil, fmt.Errorf("%w: layout has %d partitions", ErrPeriodicLayout, layout.NumPartitions)
		}
		if layout.Domain.Ok() && layout.Partitions[0].Box != layout.Domain {
			return nil, fmt.Errorf("%w: box %v != domain %v", ErrPeriodicLayout,
				layout.Partitions[0].Box, layout.Domain)
		}
	}

	ks := &SpectralKSpace{
		Layout:            layout,
		Dx:                dx,
		PeriodicSingleBox: periodicSingleBox,
	}
	for d := 0; d < 3; d++ {
		ks.kVec[d] = ks.getKComponent(d)
	}
	klog.V(2).Infof("k-space: %d partitions, dx=%v, periodic single box=%v",
		layout.NumPartitions, dx, periodicSingleBox)
	return ks, nil
}

// NumPartitions returns the number of partitions of the underlying layout
func (ks *SpectralKSpace) NumPartitions() int {
	return ks.Layout.NumPartitions
}

// Extent returns the spectral (and real-space) extent of partition p
func (ks *SpectralKSpace) Extent(p int) [3]int {
	return ks.Layout.Extent(p)
}

// GetKComponent returns the exact k values along axis dim
func (ks *SpectralKSpace) GetKComponent(dim int) KVectorComponent {
	return ks.kVec[dim]
}

func (ks *SpectralKSpace) getKComponent(dim int) KVectorComponent {
	kc := make(KVectorComponent, ks.Layout.NumPartitions)
	for p := range kc {
		N := ks.Layout.Extent(p)[dim]
		dk := 2 * math.Pi / (float64(N) * ks.Dx[dim])
		// Last index with a non-negative k
		midPoint := (N + 1) / 2
		if ks.PeriodicSingleBox {
			midPoint = N/2 + 1
		}
		k := make([]float64, N)
		for i := 0; i < N; i++ {
			if i < midPoint {
				k[i] = float64(i) * dk
			} else {
				k[i] = float64(i-N) * dk
			}
		}
		kc[p] = k
	}
	return kc
}

// GetModifiedKComponent returns the k values seen by a centered finite
// difference of the given order along axis dim, on a nodal or staggered
// stencil. InfiniteOrder returns a copy of the exact k values.
func (ks *SpectralKSpace) GetModifiedKComponent(dim, order int, nodal bool) (KVectorComponent, error) {
	kc := ks.kVec[dim]
	modified := make(KVectorComponent, len(kc))
	if order == InfiniteOrder {
		for p := range kc {
			modified[p] = append([]float64(nil), kc[p]...)
		}
		return modified, nil
	}

	coefs, err := FornbergStencilCoefficients(order, nodal)
	if err != nil {
		return nil, err
	}
	dx := ks.Dx[dim]
	for p := range kc {
		k := kc[p]
		km := make([]float64, len(k))
		for i := range k {
			for n, c := range coefs {
				s := float64(n + 1)
				if !nodal {
					s -= 0.5
				}
				km[i] += c * math.Sin(k[i]*s*dx) / (s * dx)
			}
		}
		modified[p] = km
	}
	return modified, nil
}

// GetSpectralShiftFactor returns exp(-i k dx/2) for data leaving a
// cell-centered grid and exp(+i k dx/2) for data returning to one
func (ks *SpectralKSpace) GetSpectralShiftFactor(dim int, shift ShiftType) SpectralShiftFactor {
	kc := ks.kVec[dim]
	sign := -1.0
	if shift == TransformToCellCentered {
		sign = 1.0
	}
	half := 0.5 * ks.Dx[dim]
	sf := make(SpectralShiftFactor, len(kc))
	for p := range kc {
		s := make([]complex128, len(kc[p]))
		for i, k := range kc[p] {
			s[i] = cmplx.Exp(complex(0, sign*k*half))
		}
		sf[p] = s
	}
	return sf
}

// FornbergStencilCoefficients returns the order/2 weights c_n of the
// centered finite difference of the given even order, such that the
// derivative of exp(ikx) is i*sum_n c_n sin(k s_n dx)/(s_n dx), with
// s_n = n on a nodal stencil and n-1/2 on a staggered one
func FornbergStencilCoefficients(order int, nodal bool) ([]float64, error) {
	if order < 2 || order%2 != 0 {
		return nil, fmt.Errorf("%w: %d (must be even and >= 2, or %d)", ErrInvalidOrder, order, InfiniteOrder)
	}
	m := order / 2
	fm := float64(m)
	coefs := make([]float64, m)

	if nodal {
		coefs[0] = 2 * fm / (fm + 1)
		for n := 1; n < m; n++ {
			fn := float64(n)
			coefs[n] = -coefs[n-1] * (fm - fn) / (fm + fn + 1)
		}
		return coefs, nil
	}

	prod := 1.0
	for j := 1; j <= m; j++ {
		prod *= (fm + float64(j)) / (4 * float64(j))
	}
	coefs[0] = 4 * fm * prod * prod
	for n := 1; n < m; n++ {
		fn := float64(n)
		coefs[n] = -coefs[n-1] * (2*fn - 1) * (fm - fn) / ((2*fn + 1) * (fm + fn))
	}
	return coefs, nil
}

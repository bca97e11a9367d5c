package algorithm

import (
	"fmt"

	"github.com/notargets/PSATDKernel/fielddata"
)

// CurrentCorrection replaces the longitudinal part of J on every partition
// so that the discrete continuity equation holds exactly with the old and
// new charge densities. The k = 0 mode is left untouched.
func (a *PsatdAlgorithm) CurrentCorrection(f *fielddata.SpectralFieldData) error {
	if a.cfg.CurrentScheme != CurrentSchemeCorrection {
		return fmt.Errorf("%w: current correction with scheme %v", ErrCurrentScheme, a.cfg.CurrentScheme)
	}
	if err := a.CheckFields(f); err != nil {
		return err
	}
	return a.forEachPartition(func(p int) error { return a.CorrectPartitionCurrent(f, p) })
}

// CorrectPartitionCurrent applies CurrentCorrection to partition p only
func (a *PsatdAlgorithm) CorrectPartitionCurrent(f *fielddata.SpectralFieldData, p int) error {
	if err := f.Reserve(p); err != nil {
		return err
	}
	defer f.Release(p)

	cs := a.coefs[p]
	jx, jy, jz := f.Field(p, fielddata.Jx), f.Field(p, fielddata.Jy), f.Field(p, fielddata.Jz)
	rhoOld, rhoNew := f.Field(p, fielddata.RhoOld), f.Field(p, fielddata.RhoNew)
	for idx := range cs.C {
		if cs.InvK2[idx] == 0 {
			continue
		}
		kx := complex(cs.K[0][idx], 0)
		ky := complex(cs.K[1][idx], 0)
		kz := complex(cs.K[2][idx], 0)
		kJ := kx*jx[idx] + ky*jy[idx] + kz*jz[idx]
		target := cs.Continuity[idx] * (rhoNew[idx] - cs.T2[idx]*rhoOld[idx])
		s := (kJ - target) * complex(cs.InvK2[idx], 0)
		jx[idx] -= s * kx
		jy[idx] -= s * ky
		jz[idx] -= s * kz
	}
	return nil
}

// VayDeposition turns the deposited D_d = -dJ_d/dx_d held in the J slots
// into J_d = i D_d / k_d. Components with k_d = 0 are set to zero.
func (a *PsatdAlgorithm) VayDeposition(f *fielddata.SpectralFieldData) error {
	if a.cfg.CurrentScheme != CurrentSchemeVay {
		return fmt.Errorf("%w: Vay deposition with scheme %v", ErrCurrentScheme, a.cfg.CurrentScheme)
	}
	if err := a.CheckFields(f); err != nil {
		return err
	}
	return a.forEachPartition(func(p int) error { return a.VayPartition(f, p) })
}

// VayPartition applies VayDeposition to partition p only
func (a *PsatdAlgorithm) VayPartition(f *fielddata.SpectralFieldData, p int) error {
	if err := f.Reserve(p); err != nil {
		return err
	}
	defer f.Release(p)

	cs := a.coefs[p]
	for d := 0; d < 3; d++ {
		j := f.Field(p, fielddata.Jx+d)
		invK := cs.InvK[d]
		for idx := range j {
			j[idx] = complex(0, invK[idx]) * j[idx]
		}
	}
	return nil
}

// ComputeSpectralDivE writes i k.E of partition p into the DivE slot
func (a *PsatdAlgorithm) ComputeSpectralDivE(f *fielddata.SpectralFieldData, p int) error {
	if err := a.CheckFields(f); err != nil {
		return err
	}
	if err := f.Reserve(p); err != nil {
		return err
	}
	defer f.Release(p)

	cs := a.coefs[p]
	ex, ey, ez := f.Field(p, fielddata.Ex), f.Field(p, fielddata.Ey), f.Field(p, fielddata.Ez)
	div := f.Field(p, fielddata.DivE)
	for idx := range cs.C {
		kE := complex(cs.K[0][idx], 0)*ex[idx] + complex(cs.K[1][idx], 0)*ey[idx] +
			complex(cs.K[2][idx], 0)*ez[idx]
		div[idx] = complex(0, 1) * kE
	}
	return nil
}

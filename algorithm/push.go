package algorithm

import (
	"github.com/notargets/PSATDKernel/fielddata"
)

// fieldView names the spectral components of one partition
type fieldView struct {
	E, B, J        [3][]complex128
	RhoOld, RhoNew []complex128
	EAvg, BAvg     [3][]complex128
}

func newFieldView(f *fielddata.SpectralFieldData, p int, averaging bool) *fieldView {
	v := &fieldView{
		RhoOld: f.Field(p, fielddata.RhoOld),
		RhoNew: f.Field(p, fielddata.RhoNew),
	}
	for d := 0; d < 3; d++ {
		v.E[d] = f.Field(p, fielddata.Ex+d)
		v.B[d] = f.Field(p, fielddata.Bx+d)
		v.J[d] = f.Field(p, fielddata.Jx+d)
		if averaging {
			v.EAvg[d] = f.Field(p, fielddata.ExAvg+d)
			v.BAvg[d] = f.Field(p, fielddata.BxAvg+d)
		}
	}
	return v
}

const c2 = SpeedOfLight * SpeedOfLight

// cross returns k x u for real k
func cross(kx, ky, kz float64, u0, u1, u2 complex128) (complex128, complex128, complex128) {
	return complex(ky, 0)*u2 - complex(kz, 0)*u1,
		complex(kz, 0)*u0 - complex(kx, 0)*u2,
		complex(kx, 0)*u1 - complex(ky, 0)*u0
}

// transverse applies the E and B updates shared by both variants, given the
// longitudinal correction l of E
func transverse(v *fieldView, cs *CoefficientSet, idx int, l0, l1, l2 complex128) {
	kx, ky, kz := cs.K[0][idx], cs.K[1][idx], cs.K[2][idx]
	ex, ey, ez := v.E[0][idx], v.E[1][idx], v.E[2][idx]
	bx, by, bz := v.B[0][idx], v.B[1][idx], v.B[2][idx]
	jx, jy, jz := v.J[0][idx], v.J[1][idx], v.J[2][idx]

	t2 := cs.T2[idx]
	t2c := t2 * complex(cs.C[idx], 0)
	es := complex(0, c2*cs.S[idx]) * t2 // i c^2 T2 S
	bs := complex(0, -cs.S[idx]) * t2   // -i T2 S
	x1 := complex(0, 1) * cs.X1[idx]
	x4 := cs.X4[idx]

	kbx, kby, kbz := cross(kx, ky, kz, bx, by, bz)
	kex, key, kez := cross(kx, ky, kz, ex, ey, ez)
	kjx, kjy, kjz := cross(kx, ky, kz, jx, jy, jz)

	v.E[0][idx] = t2c*ex + es*kbx + x4*jx + l0
	v.E[1][idx] = t2c*ey + es*kby + x4*jy + l1
	v.E[2][idx] = t2c*ez + es*kbz + x4*jz + l2

	v.B[0][idx] = t2c*bx + bs*kex + x1*kjx
	v.B[1][idx] = t2c*by + bs*key + x1*kjy
	v.B[2][idx] = t2c*bz + bs*kez + x1*kjz
}

// pushWithRho closes the longitudinal E update with the old and new charge
func pushWithRho(v *fieldView, cs *CoefficientSet) {
	for idx := range cs.C {
		kx, ky, kz := cs.K[0][idx], cs.K[1][idx], cs.K[2][idx]
		s := complex(0, -1) * (cs.X2[idx]*v.RhoNew[idx] - cs.T2[idx]*cs.X3[idx]*v.RhoOld[idx])
		transverse(v, cs, idx, s*complex(kx, 0), s*complex(ky, 0), s*complex(kz, 0))
	}
}

// pushWithoutRho closes the longitudinal E update with k.E and k.J
func pushWithoutRho(v *fieldView, cs *CoefficientSet) {
	for idx := range cs.C {
		kx, ky, kz := cs.K[0][idx], cs.K[1][idx], cs.K[2][idx]
		ck := [3]complex128{complex(kx, 0), complex(ky, 0), complex(kz, 0)}
		kE := ck[0]*v.E[0][idx] + ck[1]*v.E[1][idx] + ck[2]*v.E[2][idx]
		kJ := ck[0]*v.J[0][idx] + ck[1]*v.J[1][idx] + ck[2]*v.J[2][idx]
		s := cs.X2[idx]*kE + cs.X3[idx]*kJ
		transverse(v, cs, idx, s*ck[0], s*ck[1], s*ck[2])
	}
}

// averageTransverse writes the time-averaged E and B given the averaged
// longitudinal correction l
func averageTransverse(v *fieldView, cs *CoefficientSet, idx int, l0, l1, l2 complex128) {
	kx, ky, kz := cs.K[0][idx], cs.K[1][idx], cs.K[2][idx]
	ex, ey, ez := v.E[0][idx], v.E[1][idx], v.E[2][idx]
	bx, by, bz := v.B[0][idx], v.B[1][idx], v.B[2][idx]
	jx, jy, jz := v.J[0][idx], v.J[1][idx], v.J[2][idx]

	psi1 := cs.Psi1[idx]
	es := complex(0, c2) * cs.Psi2[idx]
	bs := complex(0, -1) * cs.Psi2[idx]
	y1 := complex(0, 1) * cs.Y1[idx]
	y4 := cs.Y4[idx]

	kbx, kby, kbz := cross(kx, ky, kz, bx, by, bz)
	kex, key, kez := cross(kx, ky, kz, ex, ey, ez)
	kjx, kjy, kjz := cross(kx, ky, kz, jx, jy, jz)

	v.EAvg[0][idx] = psi1*ex + es*kbx + y4*jx + l0
	v.EAvg[1][idx] = psi1*ey + es*kby + y4*jy + l1
	v.EAvg[2][idx] = psi1*ez + es*kbz + y4*jz + l2

	v.BAvg[0][idx] = psi1*bx + bs*kex + y1*kjx
	v.BAvg[1][idx] = psi1*by + bs*key + y1*kjy
	v.BAvg[2][idx] = psi1*bz + bs*kez + y1*kjz
}

func averageWithRho(v *fieldView, cs *CoefficientSet) {
	for idx := range cs.C {
		kx, ky, kz := cs.K[0][idx], cs.K[1][idx], cs.K[2][idx]
		s := complex(0, -1) * (cs.Y2[idx]*v.RhoNew[idx] + cs.Y3[idx]*v.RhoOld[idx])
		averageTransverse(v, cs, idx, s*complex(kx, 0), s*complex(ky, 0), s*complex(kz, 0))
	}
}

func averageWithoutRho(v *fieldView, cs *CoefficientSet) {
	for idx := range cs.C {
		kx, ky, kz := cs.K[0][idx], cs.K[1][idx], cs.K[2][idx]
		ck := [3]complex128{complex(kx, 0), complex(ky, 0), complex(kz, 0)}
		kE := ck[0]*v.E[0][idx] + ck[1]*v.E[1][idx] + ck[2]*v.E[2][idx]
		kJ := ck[0]*v.J[0][idx] + ck[1]*v.J[1][idx] + ck[2]*v.J[2][idx]
		s := cs.Y2[idx]*kE + cs.Y3[idx]*kJ
		averageTransverse(v, cs, idx, s*ck[0], s*ck[1], s*ck[2])
	}
}

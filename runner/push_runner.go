package runner

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/notargets/PSATDKernel/algorithm"
	"github.com/notargets/PSATDKernel/fielddata"
	"github.com/notargets/PSATDKernel/runner/builder"
	"github.com/notargets/gocca"
	"k8s.io/klog/v2"
)

var ErrStoreMismatch = errors.New("field store does not match the device layout")

// Rows of the packed coefficient array of a partition. Complex coefficients
// take two rows, real part first.
const (
	qKx = iota
	qKy
	qKz
	qC
	qS
	qT2
	_
	qX1
	_
	qX2
	_
	qX3
	_
	qX4
	_
	numPushCoefs
)

const (
	qPsi1 = numPushCoefs + 2*iota
	qPsi2
	qY1
	qY2
	qY3
	qY4
	numAvgCoefs
)

// PushRunner executes the PSATD push of every partition in one OCCA kernel
// launch. The coefficients are uploaded once; each Push copies the spectral
// fields to the device and back.
type PushRunner struct {
	*Runner
	Kernel *gocca.OCCAKernel

	alg     *algorithm.PsatdAlgorithm
	nFields int
}

const pushKernel = "psatdPush"

// NewPushRunner compiles the push kernel for alg and the layout of f
func NewPushRunner(device *gocca.OCCADevice, alg *algorithm.PsatdAlgorithm,
	f *fielddata.SpectralFieldData) (*PushRunner, error) {
	if device == nil {
		return nil, fmt.Errorf("nil device")
	}
	if err := alg.CheckFields(f); err != nil {
		return nil, err
	}
	K := make([]int64, alg.NumPartitions())
	for p := range K {
		K[p] = int64(alg.Coefficients(p).NumPoints())
	}
	kr, err := NewRunner(device, builder.Config{K: K, IntType: builder.INT64})
	if err != nil {
		return nil, err
	}
	pr := &PushRunner{Runner: kr, alg: alg, nFields: f.NumFields()}
	if err := pr.setup(f); err != nil {
		pr.Free()
		return nil, err
	}
	klog.V(1).Infof("psatd push kernel built on %s: %d partitions, KpartMax %d, %d fields",
		device.Mode(), pr.NumPartitions, pr.KpartMax, pr.nFields)
	return pr, nil
}

func (pr *PushRunner) setup(f *fielddata.SpectralFieldData) (err error) {
	cfg := pr.alg.Config()
	ncoef := numPushCoefs
	if cfg.TimeAveraging {
		ncoef = numAvgCoefs
	}
	total := pr.GetTotalElements()

	// Fields stay packed exactly as on the host, two doubles per value
	fieldOffsets, err := pr.AllocateArray(builder.ArraySpec{
		Name: "fields", Size: total * int64(pr.nFields) * 16, DataType: builder.Float64,
		Alignment: builder.NoAlignment,
	}, nil)
	if err != nil {
		return err
	}
	for p := 0; p < pr.NumPartitions; p++ {
		if fieldOffsets[p] != 2*int64(f.Fields.Offsets[p]) {
			return fmt.Errorf("%w: partition %d offset %d, host %d", ErrStoreMismatch,
				p, fieldOffsets[p], 2*f.Fields.Offsets[p])
		}
	}

	spec := builder.ArraySpec{
		Name: "coefs", Size: total * int64(ncoef) * 8, DataType: builder.Float64,
		Alignment: builder.CacheLineAlign,
	}
	coefOffsets, _ := pr.CalculateAlignedOffsetsAndSize(spec)
	host := make([]float64, coefOffsets[pr.NumPartitions])
	for p := 0; p < pr.NumPartitions; p++ {
		packCoefficients(pr.alg.Coefficients(p), host[coefOffsets[p]:coefOffsets[p+1]])
	}
	if _, err = pr.AllocateArray(spec, unsafe.Pointer(&host[0])); err != nil {
		return err
	}

	pr.defineConstants(cfg)
	pr.Kernel, err = pr.BuildKernel(psatdPushSource, pushKernel)
	return err
}

func (pr *PushRunner) defineConstants(cfg algorithm.Config) {
	flag := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	pr.AddDefine("UPDATE_WITH_RHO", flag(cfg.UpdateWithRho))
	pr.AddDefine("TIME_AVERAGING", flag(cfg.TimeAveraging))
	pr.AddRealDefine("C2", algorithm.SpeedOfLight*algorithm.SpeedOfLight)
	for _, d := range []struct {
		name  string
		value int
	}{
		{"EX", fielddata.Ex}, {"BX", fielddata.Bx}, {"JX", fielddata.Jx},
		{"RHO_OLD", fielddata.RhoOld}, {"RHO_NEW", fielddata.RhoNew},
		{"EX_AVG", fielddata.ExAvg}, {"BX_AVG", fielddata.BxAvg},
		{"Q_KX", qKx}, {"Q_C", qC}, {"Q_S", qS}, {"Q_T2", qT2},
		{"Q_X1", qX1}, {"Q_X2", qX2}, {"Q_X3", qX3}, {"Q_X4", qX4},
		{"Q_PSI1", qPsi1}, {"Q_PSI2", qPsi2},
		{"Q_Y1", qY1}, {"Q_Y2", qY2}, {"Q_Y3", qY3}, {"Q_Y4", qY4},
	} {
		pr.AddDefine(d.name, d.value)
	}
}

// packCoefficients lays cs out row by row in dst, x-fastest within a row
func packCoefficients(cs *algorithm.CoefficientSet, dst []float64) {
	n := cs.NumPoints()
	row := func(q int) []float64 { return dst[q*n : (q+1)*n] }
	putComplex := func(q int, v []complex128) {
		re, im := row(q), row(q+1)
		for i, c := range v {
			re[i], im[i] = real(c), imag(c)
		}
	}
	for d := 0; d < 3; d++ {
		copy(row(qKx+d), cs.K[d])
	}
	copy(row(qC), cs.C)
	copy(row(qS), cs.S)
	putComplex(qT2, cs.T2)
	putComplex(qX1, cs.X1)
	putComplex(qX2, cs.X2)
	putComplex(qX3, cs.X3)
	putComplex(qX4, cs.X4)
	if cs.Psi1 == nil {
		return
	}
	putComplex(qPsi1, cs.Psi1)
	putComplex(qPsi2, cs.Psi2)
	putComplex(qY1, cs.Y1)
	putComplex(qY2, cs.Y2)
	putComplex(qY3, cs.Y3)
	putComplex(qY4, cs.Y4)
}

// Push advances every partition of f by one step on the device
func (pr *PushRunner) Push(f *fielddata.SpectralFieldData) (err error) {
	if err = pr.alg.CheckFields(f); err != nil {
		return err
	}
	if f.NumFields() != pr.nFields {
		return fmt.Errorf("%w: store has %d fields, kernel built for %d", ErrStoreMismatch,
			f.NumFields(), pr.nFields)
	}
	for p := 0; p < pr.NumPartitions; p++ {
		if err = f.Reserve(p); err != nil {
			for q := 0; q < p; q++ {
				f.Release(q)
			}
			return err
		}
	}
	defer func() {
		for p := 0; p < pr.NumPartitions; p++ {
			f.Release(p)
		}
	}()

	data := unsafe.Pointer(&f.Fields.GlobalData[0])
	if err = pr.CopyToDevice("fields", data); err != nil {
		return err
	}
	if err = pr.RunKernel(pushKernel, "fields", "coefs"); err != nil {
		return err
	}
	return pr.CopyFromDevice("fields", data)
}

// Free releases the kernel and every device allocation
func (pr *PushRunner) Free() {
	if pr == nil {
		return
	}
	pr.Runner.Free()
	pr.Kernel = nil
}

const psatdPushSource = `
#define FIELD_RE(c) F[2*((c)*n + i)]
#define FIELD_IM(c) F[2*((c)*n + i) + 1]
#define COEF(q) Q[(q)*n + i]

#define CROSS(outr, outi, ur, ui) \
	outr[0] = ky*ur[2] - kz*ur[1]; outi[0] = ky*ui[2] - kz*ui[1]; \
	outr[1] = kz*ur[0] - kx*ur[2]; outi[1] = kz*ui[0] - kx*ui[2]; \
	outr[2] = kx*ur[1] - ky*ur[0]; outi[2] = kx*ui[1] - ky*ui[0];

@kernel void psatdPush(
	const int_t* K,
	real_t* fields_global,
	const int_t* fields_offsets,
	const real_t* coefs_global,
	const int_t* coefs_offsets
) {
	for (int part = 0; part < NPART; ++part; @outer) {
		real_t* F = fields_PART(part);
		const real_t* Q = coefs_PART(part);

		for (int i = 0; i < KpartMax; ++i; @inner) {
			if (i < K[part]) {
				const int_t n = K[part];
				const real_t kx = COEF(Q_KX);
				const real_t ky = COEF(Q_KX + 1);
				const real_t kz = COEF(Q_KX + 2);
				const real_t kv[3] = {kx, ky, kz};

				real_t er[3], ei[3], br[3], bi[3], jr[3], ji[3];
				for (int d = 0; d < 3; ++d) {
					er[d] = FIELD_RE(EX + d); ei[d] = FIELD_IM(EX + d);
					br[d] = FIELD_RE(BX + d); bi[d] = FIELD_IM(BX + d);
					jr[d] = FIELD_RE(JX + d); ji[d] = FIELD_IM(JX + d);
				}
				const real_t ror = FIELD_RE(RHO_OLD), roi = FIELD_IM(RHO_OLD);
				const real_t rnr = FIELD_RE(RHO_NEW), rni = FIELD_IM(RHO_NEW);

				real_t kbr[3], kbi[3], ker[3], kei[3], kjr[3], kji[3];
				CROSS(kbr, kbi, br, bi)
				CROSS(ker, kei, er, ei)
				CROSS(kjr, kji, jr, ji)

				const real_t kEr = kx*er[0] + ky*er[1] + kz*er[2];
				const real_t kEi = kx*ei[0] + ky*ei[1] + kz*ei[2];
				const real_t kJr = kx*jr[0] + ky*jr[1] + kz*jr[2];
				const real_t kJi = kx*ji[0] + ky*ji[1] + kz*ji[2];

#if TIME_AVERAGING
				{
					const real_t p1r = COEF(Q_PSI1), p1i = COEF(Q_PSI1 + 1);
					const real_t p2r = COEF(Q_PSI2), p2i = COEF(Q_PSI2 + 1);
					const real_t y1r = COEF(Q_Y1), y1i = COEF(Q_Y1 + 1);
					const real_t y2r = COEF(Q_Y2), y2i = COEF(Q_Y2 + 1);
					const real_t y3r = COEF(Q_Y3), y3i = COEF(Q_Y3 + 1);
					const real_t y4r = COEF(Q_Y4), y4i = COEF(Q_Y4 + 1);
#if UPDATE_WITH_RHO
					// s = -i (Y2 rho_new + Y3 rho_old)
					const real_t ur = CMUL_RE(y2r, y2i, rnr, rni) + CMUL_RE(y3r, y3i, ror, roi);
					const real_t ui = CMUL_IM(y2r, y2i, rnr, rni) + CMUL_IM(y3r, y3i, ror, roi);
					const real_t sr = ui, si = -ur;
#else
					const real_t sr = CMUL_RE(y2r, y2i, kEr, kEi) + CMUL_RE(y3r, y3i, kJr, kJi);
					const real_t si = CMUL_IM(y2r, y2i, kEr, kEi) + CMUL_IM(y3r, y3i, kJr, kJi);
#endif
					// i c^2 Psi2, -i Psi2, i Y1
					const real_t esr = -C2*p2i, esi = C2*p2r;
					const real_t bsr = p2i, bsi = -p2r;
					const real_t iyr = -y1i, iyi = y1r;
					for (int d = 0; d < 3; ++d) {
						FIELD_RE(EX_AVG + d) = CMUL_RE(p1r, p1i, er[d], ei[d]) + CMUL_RE(esr, esi, kbr[d], kbi[d])
							+ CMUL_RE(y4r, y4i, jr[d], ji[d]) + sr*kv[d];
						FIELD_IM(EX_AVG + d) = CMUL_IM(p1r, p1i, er[d], ei[d]) + CMUL_IM(esr, esi, kbr[d], kbi[d])
							+ CMUL_IM(y4r, y4i, jr[d], ji[d]) + si*kv[d];
						FIELD_RE(BX_AVG + d) = CMUL_RE(p1r, p1i, br[d], bi[d]) + CMUL_RE(bsr, bsi, ker[d], kei[d])
							+ CMUL_RE(iyr, iyi, kjr[d], kji[d]);
						FIELD_IM(BX_AVG + d) = CMUL_IM(p1r, p1i, br[d], bi[d]) + CMUL_IM(bsr, bsi, ker[d], kei[d])
							+ CMUL_IM(iyr, iyi, kjr[d], kji[d]);
					}
				}
#endif

				const real_t cc = COEF(Q_C), ss = COEF(Q_S);
				const real_t t2r = COEF(Q_T2), t2i = COEF(Q_T2 + 1);
				const real_t x1r = COEF(Q_X1), x1i = COEF(Q_X1 + 1);
				const real_t x2r = COEF(Q_X2), x2i = COEF(Q_X2 + 1);
				const real_t x3r = COEF(Q_X3), x3i = COEF(Q_X3 + 1);
				const real_t x4r = COEF(Q_X4), x4i = COEF(Q_X4 + 1);

#if UPDATE_WITH_RHO
				// s = -i (X2 rho_new - T2 X3 rho_old)
				const real_t tx3r = CMUL_RE(t2r, t2i, x3r, x3i), tx3i = CMUL_IM(t2r, t2i, x3r, x3i);
				const real_t ur = CMUL_RE(x2r, x2i, rnr, rni) - CMUL_RE(tx3r, tx3i, ror, roi);
				const real_t ui = CMUL_IM(x2r, x2i, rnr, rni) - CMUL_IM(tx3r, tx3i, ror, roi);
				const real_t sr = ui, si = -ur;
#else
				const real_t sr = CMUL_RE(x2r, x2i, kEr, kEi) + CMUL_RE(x3r, x3i, kJr, kJi);
				const real_t si = CMUL_IM(x2r, x2i, kEr, kEi) + CMUL_IM(x3r, x3i, kJr, kJi);
#endif
				// T2 C, i c^2 S T2, -i S T2, i X1
				const real_t tcr = t2r*cc, tci = t2i*cc;
				const real_t esr = -C2*ss*t2i, esi = C2*ss*t2r;
				const real_t bsr = ss*t2i, bsi = -ss*t2r;
				const real_t ixr = -x1i, ixi = x1r;
				for (int d = 0; d < 3; ++d) {
					FIELD_RE(EX + d) = CMUL_RE(tcr, tci, er[d], ei[d]) + CMUL_RE(esr, esi, kbr[d], kbi[d])
						+ CMUL_RE(x4r, x4i, jr[d], ji[d]) + sr*kv[d];
					FIELD_IM(EX + d) = CMUL_IM(tcr, tci, er[d], ei[d]) + CMUL_IM(esr, esi, kbr[d], kbi[d])
						+ CMUL_IM(x4r, x4i, jr[d], ji[d]) + si*kv[d];
					FIELD_RE(BX + d) = CMUL_RE(tcr, tci, br[d], bi[d]) + CMUL_RE(bsr, bsi, ker[d], kei[d])
						+ CMUL_RE(ixr, ixi, kjr[d], kji[d]);
					FIELD_IM(BX + d) = CMUL_IM(tcr, tci, br[d], bi[d]) + CMUL_IM(bsr, bsi, ker[d], kei[d])
						+ CMUL_IM(ixr, ixi, kjr[d], kji[d]);
				}
			}
		}
	}
}
`

package solver

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/notargets/PSATDKernel/algorithm"
	"github.com/notargets/PSATDKernel/fielddata"
	"github.com/notargets/PSATDKernel/kspace"
	"github.com/notargets/PSATDKernel/metrics"
	"github.com/notargets/PSATDKernel/partitions"
	"github.com/notargets/PSATDKernel/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var infinite = [3]int{kspace.InfiniteOrder, kspace.InfiniteOrder, kspace.InfiniteOrder}

func newSolver(t *testing.T, n, splits [3]int, cfg Config) *SpectralSolver {
	t.Helper()
	layout, err := partitions.NewLayout(n, splits)
	require.NoError(t, err)
	s, err := NewSpectralSolver(layout, cfg)
	require.NoError(t, err)
	t.Cleanup(s.Free)
	return s
}

func allPatches(s *SpectralSolver) []*PatchFields {
	patches := make([]*PatchFields, s.NumPartitions())
	for p := range patches {
		patches[p] = s.NewPatchFields(p)
	}
	return patches
}

// position returns the coordinate along x of sample i for centering c
func position(i int, c partitions.Centering, dx float64) float64 {
	if c == partitions.Cell {
		return (float64(i) + 0.5) * dx
	}
	return float64(i) * dx
}

func TestYeeStaggering(t *testing.T) {
	s := YeeStaggering()
	assert.Equal(t, partitions.IndexType{partitions.Cell, partitions.Nodal, partitions.Nodal}, s.E[0])
	assert.Equal(t, partitions.IndexType{partitions.Cell, partitions.Cell, partitions.Nodal}, s.B[2])
	assert.Equal(t, s.E, s.J)
	assert.True(t, s.Rho.IsNodal())
	assert.True(t, NodalStaggering().B[1].IsNodal())
}

func TestStep_PlaneWave(t *testing.T) {
	const (
		nx    = 16
		dx    = 1.0
		mode  = 2
		steps = 10
	)
	dt := 0.7 * dx / algorithm.SpeedOfLight
	for _, st := range []struct {
		name string
		stag Staggering
	}{
		{"Nodal", NodalStaggering()},
		{"Yee", YeeStaggering()},
	} {
		t.Run(st.name, func(t *testing.T) {
			s := newSolver(t, [3]int{nx, 1, 1}, [3]int{1, 1, 1}, Config{
				Dx:                [3]float64{dx, dx, dx},
				PeriodicSingleBox: true,
				Staggering:        st.stag,
				Algorithm:         algorithm.Config{Order: infinite, Dt: dt, Nodal: st.name == "Nodal"},
			})
			patches := allPatches(s)
			pf := patches[0]
			k := 2 * math.Pi * mode / (nx * dx)
			w := algorithm.SpeedOfLight * k
			fill := func(time float64) ([]float64, []float64) {
				ey := make([]float64, nx)
				bz := make([]float64, nx)
				for i := 0; i < nx; i++ {
					ey[i] = math.Cos(k*position(i, st.stag.E[1][0], dx) - w*time)
					bz[i] = math.Cos(k*position(i, st.stag.B[2][0], dx)-w*time) / algorithm.SpeedOfLight
				}
				return ey, bz
			}
			ey, bz := fill(0)
			copy(pf.E[1].Data, ey)
			copy(pf.B[2].Data, bz)

			var e0 float64
			for n := 1; n <= steps; n++ {
				require.NoError(t, s.Step(patches))
				if n == 1 {
					e0 = s.TotalEnergy()
				}
			}
			assert.InDelta(t, 1, s.TotalEnergy()/e0, 1e-12)

			ey, bz = fill(steps * dt)
			for i := 0; i < nx; i++ {
				assert.InDelta(t, ey[i], pf.E[1].Data[i], 1e-10, "Ey[%d]", i)
				assert.InDelta(t, bz[i]*algorithm.SpeedOfLight, pf.B[2].Data[i]*algorithm.SpeedOfLight, 1e-10,
					"Bz[%d]", i)
				assert.InDelta(t, 0, pf.E[0].Data[i], 1e-12)
				assert.InDelta(t, 0, pf.E[2].Data[i], 1e-12)
			}
		})
	}
}

func TestStep_PatchValidation(t *testing.T) {
	dt := 0.5 / algorithm.SpeedOfLight
	s := newSolver(t, [3]int{8, 8, 4}, [3]int{2, 2, 1}, Config{
		Dx:        [3]float64{1, 1, 1},
		Algorithm: algorithm.Config{Order: [3]int{4, 4, 4}, Dt: dt, UpdateWithRho: true, TimeAveraging: true},
	})
	patches := allPatches(s)
	require.Len(t, patches, 4)
	assert.NotNil(t, patches[0].RhoOld)
	assert.NotNil(t, patches[3].BAvg[2])

	assert.ErrorIs(t, s.Step(patches[:3]), ErrPatchCount)

	rho := patches[1].RhoNew
	patches[1].RhoNew = nil
	assert.ErrorIs(t, s.Step(patches), ErrMissingField)
	patches[1].RhoNew = rho

	avg := patches[2].EAvg[0]
	patches[2].EAvg[0] = nil
	assert.ErrorIs(t, s.Step(patches), ErrMissingField)
	patches[2].EAvg[0] = avg

	wrong := patches[0].E[0]
	patches[0].E[0] = fielddata.NewRealArray(partitions.NewBox([3]int{3, 3, 3}), wrong.Type)
	assert.ErrorIs(t, s.Step(patches), fielddata.ErrShapeMismatch)
	patches[0].E[0] = wrong

	assert.NoError(t, s.Step(patches))
}

func TestStep_NoRhoPatches(t *testing.T) {
	dt := 0.5 / algorithm.SpeedOfLight
	s := newSolver(t, [3]int{8, 4, 4}, [3]int{2, 1, 1}, Config{
		Dx:        [3]float64{1, 1, 1},
		Algorithm: algorithm.Config{Order: [3]int{2, 2, 2}, Dt: dt},
	})
	patches := allPatches(s)
	assert.Nil(t, patches[0].RhoOld)
	assert.NoError(t, s.Step(patches))
}

func TestStep_AveragedFieldsWritten(t *testing.T) {
	const nx = 16
	dt := 0.5 / algorithm.SpeedOfLight
	s := newSolver(t, [3]int{nx, 1, 1}, [3]int{1, 1, 1}, Config{
		Dx:                [3]float64{1, 1, 1},
		PeriodicSingleBox: true,
		Algorithm:         algorithm.Config{Order: infinite, Dt: dt, Nodal: true, TimeAveraging: true},
	})
	patches := allPatches(s)
	pf := patches[0]
	// A static uniform field averages to itself
	for i := range pf.E[2].Data {
		pf.E[2].Data[i] = 3
	}
	require.NoError(t, s.Step(patches))
	for i := 0; i < nx; i++ {
		assert.InDelta(t, 3, pf.EAvg[2].Data[i], 1e-12)
		assert.InDelta(t, 3, pf.E[2].Data[i], 1e-12)
	}
}

func TestComputeDivE(t *testing.T) {
	const nx = 16
	dx := 0.5
	s := newSolver(t, [3]int{nx, 1, 1}, [3]int{1, 1, 1}, Config{
		Dx:                [3]float64{dx, dx, dx},
		PeriodicSingleBox: true,
		Algorithm:         algorithm.Config{Order: infinite, Dt: 1e-10, Nodal: true},
	})
	pf := s.NewPatchFields(0)
	k := 2 * math.Pi * 3 / (nx * dx)
	for i := 0; i < nx; i++ {
		pf.E[0].Data[i] = math.Sin(k * float64(i) * dx)
	}
	out := fielddata.NewRealArray(s.Layout.Partitions[0].Box, partitions.NodalType)
	require.NoError(t, s.ComputeDivE(0, pf.E, out))
	for i := 0; i < nx; i++ {
		assert.InDelta(t, k*math.Cos(k*float64(i)*dx), out.Data[i], 1e-12*k)
	}
}

func TestStep_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	dt := 0.5 / algorithm.SpeedOfLight
	s := newSolver(t, [3]int{8, 4, 4}, [3]int{2, 1, 1}, Config{
		Dx:        [3]float64{1, 1, 1},
		Algorithm: algorithm.Config{Order: [3]int{2, 2, 2}, Dt: dt, UpdateWithRho: true},
		Metrics:   m,
	})
	patches := allPatches(s)
	require.NoError(t, s.Step(patches))
	require.NoError(t, s.Step(patches))
	s.TotalEnergy()

	expected := `
# HELP psatd_transforms_total Counts spectral transforms of one real-space component by direction
# TYPE psatd_transforms_total counter
psatd_transforms_total{direction="backward"} 24
psatd_transforms_total{direction="forward"} 44
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "psatd_transforms_total"))
	count, err := testutil.GatherAndCount(reg, "psatd_step_seconds", "psatd_field_energy_joules")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestStep_DeviceMatchesHost(t *testing.T) {
	dt := 0.5 / algorithm.SpeedOfLight
	base := Config{
		Dx:         [3]float64{1, 1, 1},
		Staggering: YeeStaggering(),
		Algorithm: algorithm.Config{Order: [3]int{8, 8, 8}, Dt: dt, UpdateWithRho: true,
			CurrentScheme: algorithm.CurrentSchemeCorrection},
	}
	host := newSolver(t, [3]int{8, 8, 4}, [3]int{2, 1, 1}, base)
	base.Device = `{"mode": "Serial"}`
	dev := newSolver(t, [3]int{8, 8, 4}, [3]int{2, 1, 1}, base)

	hp, dp := allPatches(host), allPatches(dev)
	rng := rand.New(rand.NewSource(11))
	for p := range hp {
		for d := 0; d < 3; d++ {
			for _, f := range []struct {
				h, d  *fielddata.RealArray
				scale float64
			}{
				{hp[p].E[d], dp[p].E[d], 1},
				{hp[p].B[d], dp[p].B[d], 1 / algorithm.SpeedOfLight},
				{hp[p].J[d], dp[p].J[d], 1e-3},
			} {
				for i := range f.h.Data {
					f.h.Data[i] = f.scale * rng.NormFloat64()
				}
				copy(f.d.Data, f.h.Data)
			}
		}
		for i := range hp[p].RhoNew.Data {
			hp[p].RhoNew.Data[i] = 1e-11 * rng.NormFloat64()
		}
		copy(dp[p].RhoNew.Data, hp[p].RhoNew.Data)
	}

	for step := 0; step < 2; step++ {
		require.NoError(t, host.Step(hp))
		require.NoError(t, dev.Step(dp))
	}
	for p := range hp {
		for d := 0; d < 3; d++ {
			for i := range hp[p].E[d].Data {
				want := hp[p].E[d].Data[i]
				assert.InDelta(t, want, dp[p].E[d].Data[i], 1e-10*math.Max(1, math.Abs(want)))
			}
		}
	}
}

func TestNewSpectralSolver_BadDevice(t *testing.T) {
	layout, err := partitions.NewLayout([3]int{8, 4, 4}, [3]int{2, 1, 1})
	require.NoError(t, err)
	for _, props := range []string{`{bad`, `{"mode": "Bogus"}`} {
		s, err := NewSpectralSolver(layout, Config{
			Dx:        [3]float64{1, 1, 1},
			Algorithm: algorithm.Config{Order: [3]int{2, 2, 2}, Dt: 0.5 / algorithm.SpeedOfLight},
			Device:    props,
		})
		assert.ErrorIs(t, err, utils.ErrDeviceProps, props)
		assert.Nil(t, s)
	}
	var s *SpectralSolver
	s.Free()
}

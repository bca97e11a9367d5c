package runner

import (
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/notargets/PSATDKernel/algorithm"
	"github.com/notargets/PSATDKernel/fielddata"
	"github.com/notargets/PSATDKernel/kspace"
	"github.com/notargets/PSATDKernel/partitions"
	"github.com/notargets/PSATDKernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPushSetup(t *testing.T, cfg algorithm.Config) (*algorithm.PsatdAlgorithm, *fielddata.SpectralFieldData,
	*fielddata.SpectralFieldData) {
	t.Helper()
	layout, err := partitions.NewLayout([3]int{8, 6, 4}, [3]int{2, 1, 2})
	require.NoError(t, err)
	ks, err := kspace.NewSpectralKSpace(layout, [3]float64{1e-6, 1e-6, 1e-6}, false)
	require.NoError(t, err)
	alg, err := algorithm.NewPsatdAlgorithm(ks, cfg)
	require.NoError(t, err)

	newStore := func() *fielddata.SpectralFieldData {
		f, err := fielddata.NewSpectralFieldData(ks, fielddata.Config{NumFields: alg.RequiredNumberOfFields()})
		require.NoError(t, err)
		t.Cleanup(f.Free)
		return f
	}
	host, dev := newStore(), newStore()
	rng := rand.New(rand.NewSource(3))
	for i := range host.Fields.GlobalData {
		host.Fields.GlobalData[i] = complex(rng.NormFloat64(), rng.NormFloat64())
	}
	copy(dev.Fields.GlobalData, host.Fields.GlobalData)
	return alg, host, dev
}

func TestPushRunner_MatchesHost(t *testing.T) {
	dt := 0.5e-6 / algorithm.SpeedOfLight
	tests := []struct {
		name string
		cfg  algorithm.Config
	}{
		{"StandardRho", algorithm.Config{Order: [3]int{kspace.InfiniteOrder, kspace.InfiniteOrder, kspace.InfiniteOrder},
			Dt: dt, UpdateWithRho: true}},
		{"StandardNoRhoAveraged", algorithm.Config{Order: [3]int{4, 4, 4}, Nodal: true, Dt: dt,
			TimeAveraging: true}},
		{"GalileanRhoAveraged", algorithm.Config{Order: [3]int{16, 16, 16}, Dt: dt,
			VGalilean: [3]float64{0, 0, 0.3 * algorithm.SpeedOfLight}, UpdateWithRho: true, TimeAveraging: true}},
	}

	device := utils.CreateTestDevice()
	defer device.Free()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alg, host, dev := newPushSetup(t, tt.cfg)
			pr, err := NewPushRunner(device, alg, dev)
			require.NoError(t, err)
			defer pr.Free()

			for step := 0; step < 3; step++ {
				require.NoError(t, alg.PushSpectralFields(host))
				require.NoError(t, pr.Push(dev))
			}
			for i, want := range host.Fields.GlobalData {
				got := dev.Fields.GlobalData[i]
				scale := math.Max(1, cmplx.Abs(want))
				if !assert.LessOrEqual(t, cmplx.Abs(want-got)/scale, 1e-10, "value %d", i) {
					return
				}
			}
		})
	}
}

func TestPushRunner_Errors(t *testing.T) {
	dt := 0.5e-6 / algorithm.SpeedOfLight
	cfg := algorithm.Config{Order: [3]int{2, 2, 2}, Dt: dt, UpdateWithRho: true}
	alg, _, dev := newPushSetup(t, cfg)

	device := utils.CreateTestDevice()
	defer device.Free()

	_, err := NewPushRunner(nil, alg, dev)
	assert.Error(t, err)

	t.Run("OtherLayout", func(t *testing.T) {
		layout, err := partitions.NewLayout([3]int{8, 6, 4}, [3]int{1, 1, 2})
		require.NoError(t, err)
		ks, err := kspace.NewSpectralKSpace(layout, [3]float64{1e-6, 1e-6, 1e-6}, false)
		require.NoError(t, err)
		other, err := fielddata.NewSpectralFieldData(ks, fielddata.Config{NumFields: fielddata.NumFields})
		require.NoError(t, err)
		defer other.Free()
		pr, err := NewPushRunner(device, alg, other)
		assert.ErrorIs(t, err, algorithm.ErrLayoutMismatch)
		assert.Nil(t, pr)
	})

	t.Run("Undersized", func(t *testing.T) {
		avg, err := algorithm.NewPsatdAlgorithm(dev.KSpace(), algorithm.Config{Order: [3]int{2, 2, 2}, Dt: dt,
			TimeAveraging: true})
		require.NoError(t, err)
		_, err = NewPushRunner(device, avg, dev)
		assert.ErrorIs(t, err, algorithm.ErrInsufficientFields)
	})

	pr, err := NewPushRunner(device, alg, dev)
	require.NoError(t, err)
	defer pr.Free()
	assert.Equal(t, []string{"coefs", "fields"}, pr.GetAllocatedArrays())

	t.Run("FieldCount", func(t *testing.T) {
		wide, err := fielddata.NewSpectralFieldData(dev.KSpace(), fielddata.Config{NumFields: fielddata.NumAvgFields})
		require.NoError(t, err)
		defer wide.Free()
		assert.ErrorIs(t, pr.Push(wide), ErrStoreMismatch)
	})

	t.Run("Busy", func(t *testing.T) {
		require.NoError(t, dev.Reserve(1))
		assert.ErrorIs(t, pr.Push(dev), fielddata.ErrPartitionBusy)
		dev.Release(1)
		// partition 0 was released on failure
		assert.NoError(t, pr.Push(dev))
	})
}

func TestPackCoefficients(t *testing.T) {
	dt := 0.5e-6 / algorithm.SpeedOfLight
	cfg := algorithm.Config{Order: [3]int{2, 2, 2}, Dt: dt, TimeAveraging: true}
	alg, _, _ := newPushSetup(t, cfg)
	cs := alg.Coefficients(0)
	n := cs.NumPoints()
	dst := make([]float64, numAvgCoefs*n)
	packCoefficients(cs, dst)
	for _, idx := range []int{0, n / 2, n - 1} {
		assert.Equal(t, cs.K[2][idx], dst[(qKx+2)*n+idx])
		assert.Equal(t, cs.C[idx], dst[qC*n+idx])
		assert.Equal(t, imag(cs.X1[idx]), dst[(qX1+1)*n+idx])
		assert.Equal(t, real(cs.Y4[idx]), dst[qY4*n+idx])
		assert.Equal(t, imag(cs.Y4[idx]), dst[(qY4+1)*n+idx])
	}
}

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/notargets/PSATDKernel/fielddata"
	"github.com/notargets/PSATDKernel/partitions"
	"github.com/notargets/PSATDKernel/solver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCmd_PlaneWave(t *testing.T) {
	metricsFile := filepath.Join(t.TempDir(), "psatd.prom")
	cmd := newRunCmd()
	cmd.SetArgs([]string{
		"--run.steps=20", "--grid.n=32,1,1", "--run.metrics_file=" + metricsFile,
	})
	require.NoError(t, cmd.Execute())

	out, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(out), "psatd_steps_total 20"))
}

func TestRunCmd_EnergyConserved(t *testing.T) {
	rc := &runCmd{}
	cmd := newRunCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--run.steps=15", "--grid.n=16,1,1", "--grid.staggering=nodal"}))
	require.NoError(t, rc.run(cmd.Flags()))
	assert.Greater(t, rc.firstEnergy, 0.0)
	assert.InDelta(t, 1, rc.lastEnergy/rc.firstEnergy, 1e-12)
}

func TestRunCmd_SplitGrid(t *testing.T) {
	rc := &runCmd{}
	cmd := newRunCmd()
	require.NoError(t, cmd.Flags().Parse([]string{
		"--run.steps=6", "--grid.n=16,8,1", "--grid.splits=4,2,1", "--algorithm.order=8,8,8",
	}))
	require.NoError(t, rc.run(cmd.Flags()))
	assert.Greater(t, rc.firstEnergy, 0.0)
	assert.InDelta(t, 1, rc.lastEnergy/rc.firstEnergy, 1e-10)

	// a split grid cannot use the single box convention
	cmd = newRunCmd()
	cmd.SetArgs([]string{"--grid.splits=2,1,1", "--grid.periodic_single_box"})
	assert.Error(t, cmd.Execute())
}

func TestRunCmd_BadConfig(t *testing.T) {
	cmd := newRunCmd()
	cmd.SetArgs([]string{"--fft.backend=fftw"})
	assert.Error(t, cmd.Execute())
}

func TestInitPlaneWave(t *testing.T) {
	domain := partitions.NewBox([3]int{8, 1, 1})
	box := partitions.Box{Lo: [3]int{4, 0, 0}, Hi: [3]int{7, 0, 0}}
	pf := &solver.PatchFields{}
	stag := solver.YeeStaggering()
	for d := 0; d < 3; d++ {
		pf.E[d] = fielddata.NewRealArray(box, stag.E[d])
		pf.B[d] = fielddata.NewRealArray(box, stag.B[d])
	}
	initPlaneWave(pf, box, domain, [3]float64{1, 1, 1}, 1, 2)
	// x = 4 is half a wavelength into the domain
	assert.InDelta(t, -2, pf.E[1].Data[0], 1e-12)
	assert.Equal(t, 0.0, pf.E[0].Data[0])
}

package main

import (
	"math"
	"time"

	"github.com/notargets/PSATDKernel/algorithm"
	"github.com/notargets/PSATDKernel/config"
	"github.com/notargets/PSATDKernel/metrics"
	"github.com/notargets/PSATDKernel/partitions"
	"github.com/notargets/PSATDKernel/solver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

type runCmd struct {
	configFile string
	// energy of the first and last report, kept for tests
	firstEnergy, lastEnergy float64
}

func newRunCmd() *cobra.Command {
	rc := &runCmd{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Propagate a vacuum plane wave along x",
		Example: `
  psatd run --run.steps=200
  psatd run --config run.yaml --device '{"mode": "OpenMP"}'
  psatd run --grid.n=64,32,1 --grid.splits=4,2,1 --algorithm.order=8,8,8 -v=2
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.run(cmd.Flags())
		},
	}
	cmd.Flags().StringVar(&rc.configFile, "config", "", "Configuration file (yaml, json or toml)")
	config.AddFlags(cmd.Flags())
	return cmd
}

func (rc *runCmd) run(fs *pflag.FlagSet) error {
	cfg, err := config.Load(rc.configFile, fs)
	if err != nil {
		return err
	}
	layout, err := cfg.Layout()
	if err != nil {
		return err
	}
	sc, err := cfg.SolverConfig()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	if sc.Metrics, err = metrics.NewCollector(reg); err != nil {
		return err
	}

	s, err := solver.NewSpectralSolver(layout, sc)
	if err != nil {
		return err
	}
	defer s.Free()

	patches := make([]*solver.PatchFields, s.NumPartitions())
	for p := range patches {
		patches[p] = s.NewPatchFields(p)
		initPlaneWave(patches[p], layout.Partitions[p].Box, layout.Domain, sc.Dx, cfg.Run.Mode, cfg.Run.Amplitude)
	}

	dt := sc.Algorithm.Dt
	klog.Infof("running %d steps of dt=%.4e s on %v in %d partitions", cfg.Run.Steps, dt,
		layout.Domain, layout.NumPartitions)
	start := time.Now()
	for n := 1; n <= cfg.Run.Steps; n++ {
		if err := s.Step(patches); err != nil {
			return err
		}
		if n == 1 || n == cfg.Run.Steps || (cfg.Run.ReportEvery > 0 && n%cfg.Run.ReportEvery == 0) {
			e := s.TotalEnergy()
			if n == 1 {
				rc.firstEnergy = e
			}
			rc.lastEnergy = e
			klog.Infof("step %d t=%.4e s energy=%.9e J drift=%.2e", n, float64(n)*dt, e,
				e/rc.firstEnergy-1)
		}
	}
	klog.Infof("done in %v", time.Since(start))

	if cfg.Run.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(cfg.Run.MetricsFile, reg); err != nil {
			return err
		}
		klog.V(1).Infof("metrics written to %s", cfg.Run.MetricsFile)
	}
	return nil
}

// initPlaneWave sets Ey = A cos(k x), Bz = A/c cos(k x) with k fitting mode
// wavelengths into the domain, sampled at each component's staggered
// position
func initPlaneWave(pf *solver.PatchFields, box, domain partitions.Box, dx [3]float64, mode int,
	amplitude float64) {
	length := float64(domain.Length()[0]) * dx[0]
	k := 2 * math.Pi * float64(mode) / length
	fill := func(arr []float64, c partitions.Centering, scale float64) {
		n := box.Length()
		shift := 0.0
		if c == partitions.Cell {
			shift = 0.5
		}
		for kk := 0; kk < n[2]; kk++ {
			for j := 0; j < n[1]; j++ {
				for i := 0; i < n[0]; i++ {
					x := (float64(box.Lo[0]+i) + shift) * dx[0]
					arr[box.Index(i, j, kk)] = scale * math.Cos(k*x)
				}
			}
		}
	}
	fill(pf.E[1].Data, pf.E[1].Type[0], amplitude)
	fill(pf.B[2].Data, pf.B[2].Type[0], amplitude/algorithm.SpeedOfLight)
}

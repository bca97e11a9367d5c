// Package config loads the run configuration of the psatd driver from
// defaults, an optional config file, PSATD_ environment variables and
// command line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/notargets/PSATDKernel/algorithm"
	"github.com/notargets/PSATDKernel/anyfft"
	"github.com/notargets/PSATDKernel/kspace"
	"github.com/notargets/PSATDKernel/partitions"
	"github.com/notargets/PSATDKernel/solver"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by Load, e.g.
// PSATD_RUN_STEPS
const EnvPrefix = "PSATD"

var ErrInvalid = errors.New("invalid configuration")

// Grid is the domain, its partitioning and the field staggering
type Grid struct {
	N      []int     `mapstructure:"n"`
	Splits []int     `mapstructure:"splits"`
	Dx     []float64 `mapstructure:"dx"`
	// Unset means true for a single partition, false otherwise
	PeriodicSingleBox *bool  `mapstructure:"periodic_single_box"`
	Staggering        string `mapstructure:"staggering"` // nodal or yee
}

// Algorithm holds the PSATD update settings
type Algorithm struct {
	// Stencil order per axis; -1 is the infinite order
	Order []int `mapstructure:"order"`
	Nodal bool  `mapstructure:"nodal"`
	// Galilean velocity in units of c
	Beta []float64 `mapstructure:"beta"`
	// Dt is used when positive, otherwise dt = CFL / (c sqrt(sum 1/dx^2))
	Dt            float64 `mapstructure:"dt"`
	CFL           float64 `mapstructure:"cfl"`
	UpdateWithRho bool    `mapstructure:"update_with_rho"`
	TimeAveraging bool    `mapstructure:"time_averaging"`
	CurrentScheme string  `mapstructure:"current_scheme"`
	Workers       int     `mapstructure:"workers"`
}

// FFT selects the transform backend
type FFT struct {
	Backend        string `mapstructure:"backend"`
	MaxPrimeFactor int    `mapstructure:"max_prime_factor"`
}

// Run controls the plane-wave run of the driver
type Run struct {
	Steps       int     `mapstructure:"steps"`
	ReportEvery int     `mapstructure:"report_every"`
	Mode        int     `mapstructure:"mode"`
	Amplitude   float64 `mapstructure:"amplitude"`
	MetricsFile string  `mapstructure:"metrics_file"`
}

// Config is the complete driver configuration
type Config struct {
	Grid      Grid      `mapstructure:"grid"`
	Algorithm Algorithm `mapstructure:"algorithm"`
	FFT       FFT       `mapstructure:"fft"`
	// OCCA device properties; empty pushes on the host
	Device string `mapstructure:"device"`
	Run    Run    `mapstructure:"run"`
}

// SetDefaults installs the default of every key on vip
func SetDefaults(vip *viper.Viper) {
	vip.SetDefault("grid.n", []int{64, 1, 1})
	vip.SetDefault("grid.splits", []int{1, 1, 1})
	vip.SetDefault("grid.dx", []float64{1e-6, 1e-6, 1e-6})
	vip.SetDefault("grid.staggering", "yee")

	vip.SetDefault("algorithm.order", []int{kspace.InfiniteOrder, kspace.InfiniteOrder, kspace.InfiniteOrder})
	vip.SetDefault("algorithm.nodal", false)
	vip.SetDefault("algorithm.beta", []float64{0, 0, 0})
	vip.SetDefault("algorithm.dt", 0.0)
	vip.SetDefault("algorithm.cfl", 0.9)
	vip.SetDefault("algorithm.update_with_rho", true)
	vip.SetDefault("algorithm.time_averaging", false)
	vip.SetDefault("algorithm.current_scheme", algorithm.CurrentSchemeNone.String())
	vip.SetDefault("algorithm.workers", 0)

	vip.SetDefault("fft.backend", string(anyfft.BackendGonum))
	vip.SetDefault("fft.max_prime_factor", anyfft.DefaultMaxPrimeFactor)

	vip.SetDefault("device", "")

	vip.SetDefault("run.steps", 100)
	vip.SetDefault("run.report_every", 10)
	vip.SetDefault("run.mode", 1)
	vip.SetDefault("run.amplitude", 1.0)
	vip.SetDefault("run.metrics_file", "")
}

// AddFlags registers the overridable keys on fs. Flag names equal the keys
// they override.
func AddFlags(fs *pflag.FlagSet) {
	fs.IntSlice("grid.n", nil, "Grid points per axis")
	fs.IntSlice("grid.splits", nil, "Partitions per axis")
	fs.Bool("grid.periodic_single_box", false,
		"Single partition covering the periodic domain; defaults to true when grid.splits is 1,1,1")
	fs.String("grid.staggering", "", "Field staggering: nodal or yee")
	fs.IntSlice("algorithm.order", nil, "Stencil order per axis, -1 for spectral accuracy")
	fs.Float64("algorithm.cfl", 0, "Courant number used when dt is not set")
	fs.StringSlice("algorithm.beta", nil, "Galilean velocity in units of c, e.g. 0,0,0.5")
	fs.String("algorithm.current_scheme", "", "Current treatment: none, correction or vay")
	fs.Int("algorithm.workers", 0, "Partitions processed concurrently, 0 for unbounded")
	fs.String("fft.backend", "", "FFT backend: gonum or godsp")
	fs.String("device", "", "OCCA device properties, e.g. {\"mode\": \"OpenMP\"}")
	fs.Int("run.steps", 0, "Number of time steps")
	fs.String("run.metrics_file", "", "Write prometheus metrics to this file at exit")
}

// Load reads the configuration. path may be empty; flags may be nil. Only
// flags changed on the command line override the other sources.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	vip := viper.New()
	SetDefaults(vip)
	vip.SetEnvPrefix(EnvPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vip.AutomaticEnv()
	// no default, so AutomaticEnv alone would not see it
	if err := vip.BindEnv("grid.periodic_single_box"); err != nil {
		return nil, err
	}

	if path != "" {
		vip.SetConfigFile(path)
		if err := vip.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	if flags != nil {
		var bindErr error
		flags.Visit(func(f *pflag.Flag) {
			if err := vip.BindPFlag(f.Name, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	c := &Config{}
	if err := vip.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func triple[T int | float64](name string, v []T) ([3]T, error) {
	var out [3]T
	if len(v) != 3 {
		return out, fmt.Errorf("%w: %s needs 3 values, got %v", ErrInvalid, name, v)
	}
	copy(out[:], v)
	return out, nil
}

// Validate checks what can be checked without building the solver
func (c *Config) Validate() error {
	if _, err := triple("grid.n", c.Grid.N); err != nil {
		return err
	}
	if _, err := triple("grid.splits", c.Grid.Splits); err != nil {
		return err
	}
	dx, err := triple("grid.dx", c.Grid.Dx)
	if err != nil {
		return err
	}
	for d, h := range dx {
		if !(h > 0) {
			return fmt.Errorf("%w: grid.dx[%d] = %g", ErrInvalid, d, h)
		}
	}
	switch c.Grid.Staggering {
	case "nodal", "yee":
	default:
		return fmt.Errorf("%w: grid.staggering %q", ErrInvalid, c.Grid.Staggering)
	}
	if _, err := triple("algorithm.order", c.Algorithm.Order); err != nil {
		return err
	}
	if _, err := triple("algorithm.beta", c.Algorithm.Beta); err != nil {
		return err
	}
	if c.Algorithm.Dt <= 0 && !(c.Algorithm.CFL > 0) {
		return fmt.Errorf("%w: either algorithm.dt or algorithm.cfl must be positive", ErrInvalid)
	}
	if _, err := algorithm.ParseCurrentScheme(c.Algorithm.CurrentScheme); err != nil {
		return err
	}
	switch anyfft.Backend(c.FFT.Backend) {
	case anyfft.BackendGonum, anyfft.BackendGoDSP:
	default:
		return fmt.Errorf("%w: fft.backend %q", ErrInvalid, c.FFT.Backend)
	}
	if c.Run.Steps < 0 {
		return fmt.Errorf("%w: run.steps %d", ErrInvalid, c.Run.Steps)
	}
	return nil
}

// PeriodicSingleBox returns the wavenumber convention: the configured one,
// or true exactly when the grid is not split
func (c *Config) PeriodicSingleBox() bool {
	if c.Grid.PeriodicSingleBox != nil {
		return *c.Grid.PeriodicSingleBox
	}
	for _, n := range c.Grid.Splits {
		if n != 1 {
			return false
		}
	}
	return true
}

// TimeStep returns the configured dt, or the CFL-limited one when dt is unset
func (c *Config) TimeStep() float64 {
	if c.Algorithm.Dt > 0 {
		return c.Algorithm.Dt
	}
	s := 0.0
	for _, h := range c.Grid.Dx {
		s += 1 / (h * h)
	}
	return c.Algorithm.CFL / (algorithm.SpeedOfLight * math.Sqrt(s))
}

// Layout builds the partition layout of the grid
func (c *Config) Layout() (*partitions.PartitionLayout, error) {
	n, err := triple("grid.n", c.Grid.N)
	if err != nil {
		return nil, err
	}
	splits, err := triple("grid.splits", c.Grid.Splits)
	if err != nil {
		return nil, err
	}
	return partitions.NewLayout(n, splits)
}

// SolverConfig converts c into the solver's configuration
func (c *Config) SolverConfig() (solver.Config, error) {
	if err := c.Validate(); err != nil {
		return solver.Config{}, err
	}
	dx, _ := triple("grid.dx", c.Grid.Dx)
	order, _ := triple("algorithm.order", c.Algorithm.Order)
	beta, _ := triple("algorithm.beta", c.Algorithm.Beta)
	scheme, _ := algorithm.ParseCurrentScheme(c.Algorithm.CurrentScheme)

	var v [3]float64
	for d := range beta {
		v[d] = beta[d] * algorithm.SpeedOfLight
	}
	stag := solver.NodalStaggering()
	if c.Grid.Staggering == "yee" {
		stag = solver.YeeStaggering()
	}
	return solver.Config{
		Dx: dx,
		Algorithm: algorithm.Config{
			Order:         order,
			Nodal:         c.Algorithm.Nodal,
			VGalilean:     v,
			Dt:            c.TimeStep(),
			UpdateWithRho: c.Algorithm.UpdateWithRho,
			TimeAveraging: c.Algorithm.TimeAveraging,
			CurrentScheme: scheme,
			Workers:       c.Algorithm.Workers,
		},
		PeriodicSingleBox: c.PeriodicSingleBox(),
		Backend:           anyfft.Backend(c.FFT.Backend),
		MaxPrimeFactor:    c.FFT.MaxPrimeFactor,
		Staggering:        stag,
		Device:            c.Device,
	}, nil
}

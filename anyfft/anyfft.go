// Package anyfft hides the FFT library behind per-partition plans. A plan
// transforms a complex x-fastest 3D array in place, one axis at a time, and
// is never normalized: Backward(Forward(x)) == N*x.
package anyfft

import (
	"errors"
	"fmt"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/dsp/fourier"
	"k8s.io/klog/v2"
)

// Direction of a transform
type Direction int

const (
	Forward  Direction = iota // exp(-i k x) kernel
	Backward                  // exp(+i k x) kernel
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// Backend names the library executing the 1D transforms
type Backend string

const (
	BackendGonum Backend = "gonum" // gonum dsp/fourier, precomputed twiddles per plan
	BackendGoDSP Backend = "godsp" // mjibson/go-dsp, shared factor cache
)

// DefaultMaxPrimeFactor bounds the largest prime factor accepted in an axis
// length
const DefaultMaxPrimeFactor = 13

var (
	ErrUnsupportedSize = errors.New("unsupported transform size")
	ErrUnknownBackend  = errors.New("unknown FFT backend")
)

// lineTransform executes unnormalized 1D transforms of a fixed length
type lineTransform interface {
	forward(dst, src []complex128)
	backward(dst, src []complex128)
}

type gonumLine struct {
	fft *fourier.CmplxFFT
}

func (g gonumLine) forward(dst, src []complex128)  { g.fft.Coefficients(dst, src) }
func (g gonumLine) backward(dst, src []complex128) { g.fft.Sequence(dst, src) }

type godspLine struct {
	n int
}

func (g godspLine) forward(dst, src []complex128) {
	copy(dst, fft.FFT(src))
}

func (g godspLine) backward(dst, src []complex128) {
	// go-dsp normalizes the inverse, plans do not
	scale := complex(float64(g.n), 0)
	for i, v := range fft.IFFT(src) {
		dst[i] = v * scale
	}
}

// Plan is an opaque per-partition transform descriptor. It owns its line
// buffers and must not be executed concurrently with itself.
type Plan struct {
	Direction Direction
	Extent    [3]int
	Backend   Backend

	axes [3]lineTransform
	line []complex128
	out  []complex128
}

// CreatePlan builds a plan for arrays of the given extent. Axis lengths with
// a prime factor above maxPrime are rejected; maxPrime <= 0 selects
// DefaultMaxPrimeFactor.
func CreatePlan(extent [3]int, dir Direction, backend Backend, maxPrime int) (*Plan, error) {
	if maxPrime <= 0 {
		maxPrime = DefaultMaxPrimeFactor
	}
	if backend == "" {
		backend = BackendGonum
	}

	p := &Plan{
		Direction: dir,
		Extent:    extent,
		Backend:   backend,
	}
	maxLen := 0
	for d := 0; d < 3; d++ {
		n := extent[d]
		if err := CheckSize(n, maxPrime); err != nil {
			return nil, fmt.Errorf("axis %d: %w", d, err)
		}
		if n > maxLen {
			maxLen = n
		}
		if n == 1 {
			continue
		}
		switch backend {
		case BackendGonum:
			p.axes[d] = gonumLine{fft: fourier.NewCmplxFFT(n)}
		case BackendGoDSP:
			p.axes[d] = godspLine{n: n}
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
		}
	}
	p.line = make([]complex128, maxLen)
	p.out = make([]complex128, maxLen)

	klog.V(4).Infof("created %s %s plan for extent %v", backend, dir, extent)
	return p, nil
}

// Execute transforms data in place along every axis of length > 1
func (p *Plan) Execute(data []complex128) {
	n := p.Extent
	strides := [3]int{1, n[0], n[0] * n[1]}
	for d := 0; d < 3; d++ {
		lt := p.axes[d]
		if lt == nil {
			continue
		}
		// The two other axes enumerate the lines of axis d
		a, b := (d+1)%3, (d+2)%3
		line, out := p.line[:n[d]], p.out[:n[d]]
		for ib := 0; ib < n[b]; ib++ {
			for ia := 0; ia < n[a]; ia++ {
				start := ia*strides[a] + ib*strides[b]
				for i := range line {
					line[i] = data[start+i*strides[d]]
				}
				if p.Direction == Forward {
					lt.forward(out, line)
				} else {
					lt.backward(out, line)
				}
				for i := range out {
					data[start+i*strides[d]] = out[i]
				}
			}
		}
	}
}

// Len returns the number of points transformed by the plan
func (p *Plan) Len() int {
	return p.Extent[0] * p.Extent[1] * p.Extent[2]
}

// Destroy releases the plan's buffers and transforms
func (p *Plan) Destroy() {
	p.axes = [3]lineTransform{}
	p.line, p.out = nil, nil
}

// CheckSize reports ErrUnsupportedSize if n is not positive or has a prime
// factor larger than maxPrime
func CheckSize(n, maxPrime int) error {
	if n < 1 {
		return fmt.Errorf("%w: length %d", ErrUnsupportedSize, n)
	}
	if f := LargestPrimeFactor(n); f > maxPrime {
		return fmt.Errorf("%w: length %d has prime factor %d > %d", ErrUnsupportedSize, n, f, maxPrime)
	}
	return nil
}

// LargestPrimeFactor returns the largest prime factor of n, or 1 for n == 1
func LargestPrimeFactor(n int) int {
	largest := 1
	for f := 2; f*f <= n; f++ {
		for n%f == 0 {
			largest = f
			n /= f
		}
	}
	if n > 1 {
		largest = n
	}
	return largest
}

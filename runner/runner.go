package runner

import (
	"errors"
	"fmt"
	"sort"
	"unsafe"

	"github.com/notargets/PSATDKernel/runner/builder"
	"github.com/notargets/gocca"
	"k8s.io/klog/v2"
)

var (
	ErrKpartMax      = errors.New("KpartMax exceeds 2^20")
	ErrUnknownArray  = errors.New("array not allocated")
	ErrUnknownKernel = errors.New("kernel not built")
	ErrOffsets       = errors.New("device offsets corrupted")
)

// maxKpart bounds the @inner loop of a partition
const maxKpart = 1048576 // 2^20

// ArrayMetadata stores information about allocated arrays
type ArrayMetadata struct {
	Spec    builder.ArraySpec
	Offsets []int64 // host copy of the device offsets, in values
	Bytes   int64
}

// Runner owns a device, the partitioned arrays allocated on it and the
// kernels built against their layout. Every kernel receives K first, then
// name_global, name_offsets for each array it is run with.
type Runner struct {
	*builder.Builder
	Device        *gocca.OCCADevice
	Kernels       map[string]*gocca.OCCAKernel
	PooledMemory  map[string]*gocca.OCCAMemory
	arrayMetadata map[string]ArrayMetadata
}

// NewRunner creates a Runner for partitions of K[p] points each
func NewRunner(device *gocca.OCCADevice, cfg builder.Config) (*Runner, error) {
	if device == nil {
		return nil, fmt.Errorf("nil device")
	}
	if len(cfg.K) == 0 {
		return nil, fmt.Errorf("K array cannot be empty")
	}
	bld := builder.NewBuilder(cfg)
	if bld.KpartMax > maxKpart {
		return nil, fmt.Errorf("%w: found KpartMax=%d, use more partitions", ErrKpartMax, bld.KpartMax)
	}
	kr := &Runner{
		Builder:       bld,
		Device:        device,
		Kernels:       make(map[string]*gocca.OCCAKernel),
		PooledMemory:  make(map[string]*gocca.OCCAMemory),
		arrayMetadata: make(map[string]ArrayMetadata),
	}
	kr.PooledMemory["K"] = device.Malloc(int64(len(bld.K)*bld.GetIntSize()),
		unsafe.Pointer(&bld.K[0]), nil)
	return kr, nil
}

// AllocateArray allocates spec on the device with its offset array and
// registers it for the preamble. host, when not nil, must hold the whole
// packed array and is uploaded.
func (kr *Runner) AllocateArray(spec builder.ArraySpec, host unsafe.Pointer) ([]int64, error) {
	if _, exists := kr.arrayMetadata[spec.Name]; exists {
		return nil, fmt.Errorf("array %s already allocated", spec.Name)
	}
	offsets, totalSize := kr.CalculateAlignedOffsetsAndSize(spec)
	kr.PooledMemory[spec.Name+"_global"] = kr.Device.Malloc(totalSize, host, nil)

	intSize := kr.GetIntSize()
	offsetsSize := int64(len(offsets) * intSize)
	if intSize == 4 {
		offsets32 := make([]int32, len(offsets))
		for i, v := range offsets {
			offsets32[i] = int32(v)
		}
		kr.PooledMemory[spec.Name+"_offsets"] = kr.Device.Malloc(offsetsSize,
			unsafe.Pointer(&offsets32[0]), nil)
	} else {
		kr.PooledMemory[spec.Name+"_offsets"] = kr.Device.Malloc(offsetsSize,
			unsafe.Pointer(&offsets[0]), nil)
	}

	kr.AddArray(spec.Name)
	kr.arrayMetadata[spec.Name] = ArrayMetadata{
		Spec:    spec,
		Offsets: append([]int64(nil), offsets...),
		Bytes:   totalSize,
	}
	if err := kr.validateOffsets(spec.Name); err != nil {
		return nil, fmt.Errorf("after allocation: %w", err)
	}
	return offsets, nil
}

// GetMemory returns the device memory for a named array
func (kr *Runner) GetMemory(arrayName string) *gocca.OCCAMemory {
	return kr.PooledMemory[arrayName+"_global"]
}

// GetOffsets returns the offset memory for a named array
func (kr *Runner) GetOffsets(arrayName string) *gocca.OCCAMemory {
	return kr.PooledMemory[arrayName+"_offsets"]
}

// GetArrayMetadata returns metadata for a named array
func (kr *Runner) GetArrayMetadata(arrayName string) (ArrayMetadata, bool) {
	meta, exists := kr.arrayMetadata[arrayName]
	return meta, exists
}

// GetAllocatedArrays returns a sorted list of allocated array names
func (kr *Runner) GetAllocatedArrays() []string {
	arrays := make([]string, 0, len(kr.arrayMetadata))
	for name := range kr.arrayMetadata {
		arrays = append(arrays, name)
	}
	sort.Strings(arrays)
	return arrays
}

// CopyToDevice uploads the whole packed array from host
func (kr *Runner) CopyToDevice(arrayName string, host unsafe.Pointer) error {
	meta, ok := kr.arrayMetadata[arrayName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArray, arrayName)
	}
	kr.GetMemory(arrayName).CopyFrom(host, meta.Bytes)
	return nil
}

// CopyFromDevice downloads the whole packed array into host
func (kr *Runner) CopyFromDevice(arrayName string, host unsafe.Pointer) error {
	meta, ok := kr.arrayMetadata[arrayName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArray, arrayName)
	}
	kr.GetMemory(arrayName).CopyTo(host, meta.Bytes)
	return nil
}

// BuildKernel compiles and registers a kernel with the program
func (kr *Runner) BuildKernel(kernelSource, kernelName string) (*gocca.OCCAKernel, error) {
	kr.GeneratePreamble()
	fullSource := kr.KernelPreamble + "\n" + kernelSource

	var kernel *gocca.OCCAKernel
	var err error
	if kr.Device.Mode() == "OpenMP" {
		// Workaround for OCCA bug: OpenMP doesn't get default -O3 flag
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = kr.Device.BuildKernelFromString(fullSource, kernelName, props)
	} else {
		kernel, err = kr.Device.BuildKernelFromString(fullSource, kernelName, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build kernel %s: %w", kernelName, err)
	}
	if kernel == nil {
		return nil, fmt.Errorf("kernel build returned nil for %s", kernelName)
	}
	kr.Kernels[kernelName] = kernel
	return kernel, nil
}

// RunKernel launches kernelName with K and the named arrays, in order, and
// waits for the device
func (kr *Runner) RunKernel(kernelName string, arrays ...string) error {
	kernel, ok := kr.Kernels[kernelName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKernel, kernelName)
	}
	args := []interface{}{kr.PooledMemory["K"]}
	for _, name := range arrays {
		if _, ok := kr.arrayMetadata[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownArray, name)
		}
		args = append(args, kr.GetMemory(name), kr.GetOffsets(name))
	}
	if err := kernel.RunWithArgs(args...); err != nil {
		return fmt.Errorf("kernel execution failed: %w", err)
	}
	kr.Device.Finish()
	if klog.V(4).Enabled() {
		for _, name := range arrays {
			if err := kr.validateOffsets(name); err != nil {
				return fmt.Errorf("after kernel %s: %w", kernelName, err)
			}
		}
	}
	return nil
}

// validateOffsets reads the offsets of arrayName back from the device and
// compares them with the host copy
func (kr *Runner) validateOffsets(arrayName string) error {
	meta, ok := kr.arrayMetadata[arrayName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArray, arrayName)
	}
	expected := meta.Offsets
	actual := make([]int64, len(expected))
	mem := kr.GetOffsets(arrayName)
	if kr.GetIntSize() == 4 {
		offsets32 := make([]int32, len(expected))
		mem.CopyTo(unsafe.Pointer(&offsets32[0]), int64(len(offsets32)*4))
		for i, v := range offsets32 {
			actual[i] = int64(v)
		}
	} else {
		mem.CopyTo(unsafe.Pointer(&actual[0]), int64(len(actual)*8))
	}
	for i := range expected {
		if expected[i] != actual[i] {
			return fmt.Errorf("%w: %s offset[%d] expected %d, got %d", ErrOffsets, arrayName,
				i, expected[i], actual[i])
		}
	}
	return nil
}

// Free releases all kernels and device memory; the device stays open
func (kr *Runner) Free() {
	if kr == nil {
		return
	}
	for name, kernel := range kr.Kernels {
		kernel.Free()
		delete(kr.Kernels, name)
	}
	for name, mem := range kr.PooledMemory {
		mem.Free()
		delete(kr.PooledMemory, name)
	}
}

package runner

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/notargets/PSATDKernel/runner/builder"
	"github.com/notargets/PSATDKernel/utils"
)

func TestNewRunner_Errors(t *testing.T) {
	t.Run("NilDevice", func(t *testing.T) {
		if _, err := NewRunner(nil, builder.Config{K: []int64{10}}); err == nil {
			t.Error("Expected error for nil Device")
		}
	})

	device := utils.CreateTestDevice()
	defer device.Free()

	t.Run("EmptyKArray", func(t *testing.T) {
		if _, err := NewRunner(device, builder.Config{}); err == nil {
			t.Error("Expected error for empty K array")
		}
	})

	t.Run("KpartMax", func(t *testing.T) {
		_, err := NewRunner(device, builder.Config{K: []int64{10, maxKpart + 1}})
		if !errors.Is(err, ErrKpartMax) {
			t.Errorf("Expected ErrKpartMax, got %v", err)
		}
	})
}

func TestRunner_AllocateAndCopy(t *testing.T) {
	device := utils.CreateTestDevice()
	defer device.Free()

	kr, err := NewRunner(device, builder.Config{K: []int64{3, 5, 2}})
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	defer kr.Free()

	host := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	spec := builder.ArraySpec{Name: "data", Size: int64(len(host) * 8), DataType: builder.Float64,
		Alignment: builder.NoAlignment}
	offsets, err := kr.AllocateArray(spec, unsafe.Pointer(&host[0]))
	if err != nil {
		t.Fatalf("AllocateArray failed: %v", err)
	}
	expected := []int64{0, 3, 8, 10}
	for i, v := range expected {
		if offsets[i] != v {
			t.Errorf("offset[%d]: expected %d, got %d", i, v, offsets[i])
		}
	}
	if _, err := kr.AllocateArray(spec, nil); err == nil {
		t.Error("Expected error for duplicate allocation")
	}
	if names := kr.GetAllocatedArrays(); len(names) != 1 || names[0] != "data" {
		t.Errorf("Expected [data], got %v", names)
	}
	meta, ok := kr.GetArrayMetadata("data")
	if !ok || meta.Bytes != 80 {
		t.Errorf("Expected 80 bytes of metadata, got %+v", meta)
	}

	out := make([]float64, len(host))
	if err := kr.CopyFromDevice("data", unsafe.Pointer(&out[0])); err != nil {
		t.Fatalf("CopyFromDevice failed: %v", err)
	}
	for i := range host {
		if out[i] != host[i] {
			t.Errorf("data[%d]: expected %f, got %f", i, host[i], out[i])
		}
	}

	if err := kr.CopyToDevice("missing", unsafe.Pointer(&out[0])); !errors.Is(err, ErrUnknownArray) {
		t.Errorf("Expected ErrUnknownArray, got %v", err)
	}
}

func TestRunner_RunKernel(t *testing.T) {
	device := utils.CreateTestDevice()
	defer device.Free()

	kr, err := NewRunner(device, builder.Config{K: []int64{4, 6}})
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	defer kr.Free()

	host := make([]float64, 10)
	for i := range host {
		host[i] = float64(i)
	}
	_, err = kr.AllocateArray(builder.ArraySpec{Name: "data", Size: 80, DataType: builder.Float64,
		Alignment: builder.CacheLineAlign}, nil)
	if err != nil {
		t.Fatalf("AllocateArray failed: %v", err)
	}
	meta, _ := kr.GetArrayMetadata("data")
	// partition 1 starts on the next cache line
	if meta.Offsets[1] != 8 {
		t.Fatalf("Expected partition 1 at offset 8, got %d", meta.Offsets[1])
	}
	padded := make([]float64, meta.Bytes/8)
	copy(padded[0:4], host[0:4])
	copy(padded[8:14], host[4:10])
	if err := kr.CopyToDevice("data", unsafe.Pointer(&padded[0])); err != nil {
		t.Fatalf("CopyToDevice failed: %v", err)
	}

	kernelSource := `
@kernel void scale(const int_t* K, real_t* data_global, const int_t* data_offsets) {
	for (int part = 0; part < NPART; ++part; @outer) {
		real_t* data = data_PART(part);
		for (int i = 0; i < KpartMax; ++i; @inner) {
			if (i < K[part]) {
				data[i] = 2.0*data[i] + part;
			}
		}
	}
}
`
	if _, err := kr.BuildKernel(kernelSource, "scale"); err != nil {
		t.Fatalf("BuildKernel failed: %v", err)
	}
	if err := kr.RunKernel("scale", "data"); err != nil {
		t.Fatalf("RunKernel failed: %v", err)
	}
	if err := kr.RunKernel("missing", "data"); !errors.Is(err, ErrUnknownKernel) {
		t.Errorf("Expected ErrUnknownKernel, got %v", err)
	}
	if err := kr.RunKernel("scale", "missing"); !errors.Is(err, ErrUnknownArray) {
		t.Errorf("Expected ErrUnknownArray, got %v", err)
	}
	if err := kr.validateOffsets("data"); err != nil {
		t.Errorf("offsets changed by kernel: %v", err)
	}

	if err := kr.CopyFromDevice("data", unsafe.Pointer(&padded[0])); err != nil {
		t.Fatalf("CopyFromDevice failed: %v", err)
	}
	got := append(append([]float64{}, padded[0:4]...), padded[8:14]...)
	for i, v := range got {
		part := 0
		if i >= 4 {
			part = 1
		}
		if want := 2*host[i] + float64(part); v != want {
			t.Errorf("data[%d]: expected %f, got %f", i, want, v)
		}
	}
}

func TestRunner_FreeTwice(t *testing.T) {
	device := utils.CreateTestDevice()
	defer device.Free()

	kr, err := NewRunner(device, builder.Config{K: []int64{2}})
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	kr.Free()
	kr.Free()
	if len(kr.PooledMemory) != 0 {
		t.Errorf("Expected no pooled memory after Free, got %d", len(kr.PooledMemory))
	}
	var nilRunner *Runner
	nilRunner.Free()
}

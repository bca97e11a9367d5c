package builder

import (
	"strings"
	"testing"
)

func TestBuilder_EmptyK(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for empty K array")
		}
	}()
	NewBuilder(Config{K: []int64{}})
}

func TestBuilder_Defaults(t *testing.T) {
	kb := NewBuilder(Config{K: []int64{10, 30, 20}})
	if kb.NumPartitions != 3 {
		t.Errorf("Expected NumPartitions=3, got %d", kb.NumPartitions)
	}
	if kb.KpartMax != 30 {
		t.Errorf("Expected KpartMax=30, got %d", kb.KpartMax)
	}
	if kb.IntType != INT64 || kb.GetIntSize() != 8 {
		t.Errorf("Expected INT64 default, got %v", kb.IntType)
	}
	if kb.GetTotalElements() != 60 {
		t.Errorf("Expected 60 total elements, got %d", kb.GetTotalElements())
	}
	kb32 := NewBuilder(Config{K: []int64{4}, IntType: INT32})
	if kb32.GetIntSize() != 4 {
		t.Errorf("Expected 4 byte int_t, got %d", kb32.GetIntSize())
	}
}

func TestBuilder_Offsets(t *testing.T) {
	kb := NewBuilder(Config{K: []int64{3, 5}})

	t.Run("Packed", func(t *testing.T) {
		// two doubles per element
		offsets, size := kb.CalculateAlignedOffsetsAndSize(ArraySpec{
			Name: "u", Size: 8 * 16, DataType: Float64, Alignment: NoAlignment,
		})
		want := []int64{0, 6, 16}
		for i := range want {
			if offsets[i] != want[i] {
				t.Errorf("offset[%d]: expected %d, got %d", i, want[i], offsets[i])
			}
		}
		if size != 128 {
			t.Errorf("Expected 128 bytes, got %d", size)
		}
	})

	t.Run("CacheLine", func(t *testing.T) {
		offsets, size := kb.CalculateAlignedOffsetsAndSize(ArraySpec{
			Name: "u", Size: 8 * 8, DataType: Float64, Alignment: CacheLineAlign,
		})
		// partition 0 uses 24 bytes, partition 1 starts at byte 64
		if offsets[1] != 8 {
			t.Errorf("Expected aligned offset 8, got %d", offsets[1])
		}
		if offsets[2] != 16 || size != 128 {
			t.Errorf("Expected end offset 16 and 128 bytes, got %d and %d", offsets[2], size)
		}
		for _, off := range offsets {
			if (off*8)%64 != 0 {
				t.Errorf("offset %d is not cache line aligned", off)
			}
		}
	})
}

func TestBuilder_Preamble(t *testing.T) {
	kb := NewBuilder(Config{K: []int64{7, 9}})
	kb.AddArray("fields")
	kb.AddArray("coefs")
	kb.AddArray("fields")
	kb.AddDefine("NCOEF", 15)
	kb.AddRealDefine("C2", 4.0)

	pre := kb.GeneratePreamble()
	if pre != kb.KernelPreamble {
		t.Error("KernelPreamble not stored")
	}
	for _, want := range []string{
		"typedef double real_t;",
		"typedef long int_t;",
		"#define NPART 2",
		"#define KpartMax 9",
		"#define NCOEF 15",
		"#define C2 4.00000000000000000e+00",
		"#define fields_PART(part) (fields_global + fields_offsets[part])",
		"#define coefs_PART(part) (coefs_global + coefs_offsets[part])",
		"#define CMUL_RE(",
	} {
		if !strings.Contains(pre, want) {
			t.Errorf("preamble missing %q", want)
		}
	}
	if strings.Count(pre, "fields_PART") != 1 {
		t.Error("duplicate array registered twice")
	}
}

package builder

import (
	"fmt"
	"strings"
)

// DataType represents the precision of numerical data
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
	INT32
	INT64
)

// AlignmentType specifies memory alignment requirements
type AlignmentType int

const (
	NoAlignment    AlignmentType = 1
	CacheLineAlign AlignmentType = 64
	WarpAlign      AlignmentType = 128
	PageAlign      AlignmentType = 4096
)

// ArraySpec defines user requirements for array allocation. Size is the
// total number of bytes over all partitions.
type ArraySpec struct {
	Name      string
	Size      int64
	Alignment AlignmentType
	DataType  DataType
}

// define is a named preprocessor constant emitted into the preamble
type define struct {
	name, value string
}

// Builder generates the preamble shared by partition-parallel kernels: the
// scalar typedefs, the partition count, the largest partition size and one
// _PART access macro per allocated array.
type Builder struct {
	// Partition configuration; K holds the points per partition
	NumPartitions int
	K             []int64
	KpartMax      int

	IntType DataType

	// Array tracking for macro generation
	AllocatedArrays []string

	defines []define

	// Generated code
	KernelPreamble string
}

// Config holds configuration for creating a Builder
type Config struct {
	K       []int64
	IntType DataType
}

// NewBuilder creates a new Builder instance
func NewBuilder(cfg Config) *Builder {
	if len(cfg.K) == 0 {
		panic("K array cannot be empty")
	}
	kpartMax := int64(0)
	for _, k := range cfg.K {
		if k > kpartMax {
			kpartMax = k
		}
	}
	intType := cfg.IntType
	if intType == 0 {
		intType = INT64
	}
	kb := &Builder{
		NumPartitions:   len(cfg.K),
		K:               make([]int64, len(cfg.K)),
		KpartMax:        int(kpartMax),
		IntType:         intType,
		AllocatedArrays: []string{},
	}
	copy(kb.K, cfg.K)
	return kb
}

// AddArray registers a partitioned array; kernels receive name_global and
// name_offsets and reach partition part through name_PART(part)
func (kb *Builder) AddArray(name string) {
	for _, a := range kb.AllocatedArrays {
		if a == name {
			return
		}
	}
	kb.AllocatedArrays = append(kb.AllocatedArrays, name)
}

// AddDefine adds an integer constant to the preamble
func (kb *Builder) AddDefine(name string, value int) {
	kb.defines = append(kb.defines, define{name, fmt.Sprintf("%d", value)})
}

// AddRealDefine adds a floating point constant to the preamble
func (kb *Builder) AddRealDefine(name string, value float64) {
	kb.defines = append(kb.defines, define{name, fmt.Sprintf("%.17e", value)})
}

// CalculateAlignedOffsetsAndSize computes partition offsets with alignment.
// Offsets are in values, not bytes, so that name_global + offset addresses
// the first value of a partition.
func (kb *Builder) CalculateAlignedOffsetsAndSize(spec ArraySpec) (
	[]int64, int64) {
	offsets := make([]int64, kb.NumPartitions+1)
	totalElements := kb.GetTotalElements()
	bytesPerElement := spec.Size / totalElements

	var valueSize int64
	switch spec.DataType {
	case Float32, INT32:
		valueSize = 4
	default:
		valueSize = 8
	}
	valuesPerElement := bytesPerElement / valueSize

	alignment := int64(spec.Alignment)
	if alignment == 0 {
		alignment = int64(NoAlignment)
	}
	currentByteOffset := int64(0)

	for i := 0; i < kb.NumPartitions; i++ {
		if currentByteOffset%alignment != 0 {
			currentByteOffset = ((currentByteOffset + alignment - 1) / alignment) * alignment
		}
		offsets[i] = currentByteOffset / valueSize
		currentByteOffset += kb.K[i] * valuesPerElement * valueSize
	}

	if currentByteOffset%alignment != 0 {
		currentByteOffset = ((currentByteOffset + alignment - 1) / alignment) * alignment
	}
	offsets[kb.NumPartitions] = currentByteOffset / valueSize

	return offsets, offsets[kb.NumPartitions] * valueSize
}

// GetTotalElements returns sum of all K values
func (kb *Builder) GetTotalElements() int64 {
	total := int64(0)
	for _, k := range kb.K {
		total += k
	}
	return total
}

// GetIntSize returns the byte width of int_t
func (kb *Builder) GetIntSize() int {
	if kb.IntType == INT32 {
		return 4
	}
	return 8
}

// GeneratePreamble generates the kernel preamble
func (kb *Builder) GeneratePreamble() string {
	var sb strings.Builder

	sb.WriteString(kb.generateTypeDefinitions())
	sb.WriteString(kb.generateDefines())
	sb.WriteString(kb.generatePartitionMacros())
	sb.WriteString(generateComplexMacros())

	kb.KernelPreamble = sb.String()
	return kb.KernelPreamble
}

func (kb *Builder) generateTypeDefinitions() string {
	var sb strings.Builder

	intTypeStr := "long"
	if kb.IntType == INT32 {
		intTypeStr = "int"
	}

	sb.WriteString("typedef double real_t;\n")
	sb.WriteString(fmt.Sprintf("typedef %s int_t;\n", intTypeStr))
	sb.WriteString("#define REAL_ZERO 0.0\n")
	sb.WriteString("#define REAL_ONE 1.0\n")
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("#define NPART %d\n", kb.NumPartitions))
	sb.WriteString(fmt.Sprintf("#define KpartMax %d\n", kb.KpartMax))
	sb.WriteString("\n")

	return sb.String()
}

func (kb *Builder) generateDefines() string {
	if len(kb.defines) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, d := range kb.defines {
		sb.WriteString(fmt.Sprintf("#define %s %s\n", d.name, d.value))
	}
	sb.WriteString("\n")
	return sb.String()
}

// generatePartitionMacros creates macros for partition data access
func (kb *Builder) generatePartitionMacros() string {
	var sb strings.Builder

	sb.WriteString("// Partition access macros\n")
	for _, arrayName := range kb.AllocatedArrays {
		sb.WriteString(fmt.Sprintf("#define %s_PART(part) (%s_global + %s_offsets[part])\n",
			arrayName, arrayName, arrayName))
	}
	if len(kb.AllocatedArrays) > 0 {
		sb.WriteString("\n")
	}

	return sb.String()
}

// generateComplexMacros emits the real and imaginary parts of a complex
// product (ar + i ai)(br + i bi)
func generateComplexMacros() string {
	return "// Complex product\n" +
		"#define CMUL_RE(ar, ai, br, bi) ((ar)*(br) - (ai)*(bi))\n" +
		"#define CMUL_IM(ar, ai, br, bi) ((ar)*(bi) + (ai)*(br))\n\n"
}

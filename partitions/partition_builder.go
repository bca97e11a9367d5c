package partitions

import (
	"fmt"
	"sort"
)

// PartitionBuilder constructs partitions from a block-structured domain
type PartitionBuilder struct {
	// Domain in cell indices
	Domain Box

	// Partitioning parameters
	Splits   [3]int // Number of blocks along each axis
	Strategy PartitionStrategy
}

// PartitionStrategy defines how blocks are ordered into partitions
type PartitionStrategy int

const (
	BlockPartition PartitionStrategy = iota // x-fastest block ordering
	ZOrder                                  // Morton ordering of the blocks
)

// NewLayout builds the layout of a domain of extent n split into the given
// number of blocks per axis
func NewLayout(n, splits [3]int) (*PartitionLayout, error) {
	pb := &PartitionBuilder{
		Domain: NewBox(n),
		Splits: splits,
	}
	return pb.BuildPartitions()
}

// BuildPartitions creates a partition layout from the domain and splits
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	if !pb.Domain.Ok() {
		return nil, fmt.Errorf("invalid domain %v", pb.Domain)
	}
	n := pb.Domain.Length()
	for d := 0; d < 3; d++ {
		if pb.Splits[d] < 1 {
			return nil, fmt.Errorf("axis %d: split count %d must be at least 1", d, pb.Splits[d])
		}
		if pb.Splits[d] > n[d] {
			return nil, fmt.Errorf("axis %d: %d splits exceed %d cells", d, pb.Splits[d], n[d])
		}
	}

	// Cut points per axis
	var cuts [3][]int
	for d := 0; d < 3; d++ {
		cuts[d] = splitAxis(pb.Domain.Lo[d], n[d], pb.Splits[d])
	}

	// Create partition structures
	blocks := pb.orderBlocks()
	partitions := make([]Partition, len(blocks))
	for id, b := range blocks {
		var box Box
		for d := 0; d < 3; d++ {
			box.Lo[d] = cuts[d][b[d]]
			box.Hi[d] = cuts[d][b[d]+1] - 1
		}
		partitions[id] = Partition{
			ID:        id,
			Box:       box,
			NumPoints: box.NumPts(),
		}
	}

	// Create the layout
	layout := &PartitionLayout{
		Domain:        pb.Domain,
		Partitions:    partitions,
		KpartMax:      calculateKpartMax(partitions),
		TotalPoints:   pb.Domain.NumPts(),
		NumPartitions: len(partitions),
	}

	// Validate the layout
	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}

	return layout, nil
}

// splitAxis returns nsplit+1 cut points; the first len%nsplit blocks get one
// extra cell
func splitAxis(lo, length, nsplit int) []int {
	cuts := make([]int, nsplit+1)
	base, rem := length/nsplit, length%nsplit
	cuts[0] = lo
	for i := 0; i < nsplit; i++ {
		size := base
		if i < rem {
			size++
		}
		cuts[i+1] = cuts[i] + size
	}
	return cuts
}

// orderBlocks lists block coordinates in the order partitions are numbered
func (pb *PartitionBuilder) orderBlocks() [][3]int {
	s := pb.Splits
	blocks := make([][3]int, 0, s[0]*s[1]*s[2])
	for k := 0; k < s[2]; k++ {
		for j := 0; j < s[1]; j++ {
			for i := 0; i < s[0]; i++ {
				blocks = append(blocks, [3]int{i, j, k})
			}
		}
	}

	switch pb.Strategy {
	case ZOrder:
		sort.SliceStable(blocks, func(a, b int) bool {
			return mortonKey(blocks[a]) < mortonKey(blocks[b])
		})
	default:
	}

	return blocks
}

// mortonKey interleaves the bits of the block coordinates
func mortonKey(b [3]int) uint64 {
	var key uint64
	for bit := 0; bit < 21; bit++ {
		for d := 0; d < 3; d++ {
			key |= uint64((b[d]>>bit)&1) << (3*bit + d)
		}
	}
	return key
}

// calculateKpartMax finds maximum points across all partitions
func calculateKpartMax(partitions []Partition) int {
	kpartMax := 0
	for _, p := range partitions {
		if p.NumPoints > kpartMax {
			kpartMax = p.NumPoints
		}
	}
	return kpartMax
}

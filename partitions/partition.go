package partitions

import (
	"fmt"
)

// Centering identifies where a field sample sits along one axis
type Centering uint8

const (
	Nodal Centering = iota // Sample on cell corners
	Cell                   // Sample on cell centers
)

// IndexType is the staggering of a field, one Centering per axis (x, y, z)
type IndexType [3]Centering

var (
	NodalType = IndexType{Nodal, Nodal, Nodal}
	CellType  = IndexType{Cell, Cell, Cell}
)

// IsNodal reports whether the field is nodal along every axis
func (it IndexType) IsNodal() bool {
	return it[0] == Nodal && it[1] == Nodal && it[2] == Nodal
}

// Box is an axis-aligned region of cell indices, Lo and Hi inclusive.
// Unused axes of 1D and 2D grids have Lo == Hi.
type Box struct {
	Lo [3]int
	Hi [3]int
}

// NewBox returns the box starting at the origin with extent n
func NewBox(n [3]int) Box {
	return Box{Hi: [3]int{n[0] - 1, n[1] - 1, n[2] - 1}}
}

// Length returns the number of points along each axis
func (b Box) Length() [3]int {
	return [3]int{b.Hi[0] - b.Lo[0] + 1, b.Hi[1] - b.Lo[1] + 1, b.Hi[2] - b.Lo[2] + 1}
}

// NumPts returns the total number of points in the box
func (b Box) NumPts() int {
	n := b.Length()
	return n[0] * n[1] * n[2]
}

// Ok reports whether the box has a positive extent along every axis
func (b Box) Ok() bool {
	n := b.Length()
	return n[0] > 0 && n[1] > 0 && n[2] > 0
}

// Intersects reports whether two boxes share at least one cell
func (b Box) Intersects(o Box) bool {
	for d := 0; d < 3; d++ {
		if b.Hi[d] < o.Lo[d] || o.Hi[d] < b.Lo[d] {
			return false
		}
	}
	return true
}

// Index returns the x-fastest linear offset of local index (i, j, k)
func (b Box) Index(i, j, k int) int {
	n := b.Length()
	return i + n[0]*(j+n[1]*k)
}

func (b Box) String() string {
	return fmt.Sprintf("(%v,%v)", b.Lo, b.Hi)
}

// Partition is one grid patch: a box whose data is transformed and updated
// independently of every other partition
type Partition struct {
	// Unique identifier, also the index into every per-partition arena
	ID int

	Box       Box
	NumPoints int // Number of grid points in Box
}

// PartitionLayout manages the complete domain decomposition
type PartitionLayout struct {
	Domain Box

	// All partitions of the domain
	Partitions []Partition

	// Global sizing information
	KpartMax      int // max(NumPoints) across all partitions, sizes @inner loops
	TotalPoints   int // Sum of points across partitions
	NumPartitions int
}

// PartitionedArray is data distributed across partitions in one contiguous
// allocation
type PartitionedArray[T float64 | complex128] struct {
	// Layout: [Partition 0 Data][Partition 1 Data]...[Partition N-1 Data]
	GlobalData []T

	// Partition p's data is GlobalData[Offsets[p]:Offsets[p+1]]
	Offsets []int

	// Number of values per grid point (e.g. number of field components)
	Stride int
}

// Methods for PartitionLayout

// GetPartition returns the partition whose box contains the cell (i, j, k)
func (pl *PartitionLayout) GetPartition(i, j, k int) int {
	cell := Box{Lo: [3]int{i, j, k}, Hi: [3]int{i, j, k}}
	for _, p := range pl.Partitions {
		if p.Box.Intersects(cell) {
			return p.ID
		}
	}
	return -1
}

// Extent returns the number of points along each axis of partition p
func (pl *PartitionLayout) Extent(p int) [3]int {
	return pl.Partitions[p].Box.Length()
}

// ValidateLayout checks partition consistency: ids, sizing, overlap and
// coverage of the domain
func (pl *PartitionLayout) ValidateLayout() error {
	if pl.NumPartitions != len(pl.Partitions) {
		return fmt.Errorf("NumPartitions %d != len(Partitions) %d",
			pl.NumPartitions, len(pl.Partitions))
	}
	actualMax, total := 0, 0
	for i, p := range pl.Partitions {
		if p.ID != i {
			return fmt.Errorf("partition at position %d has ID %d", i, p.ID)
		}
		if !p.Box.Ok() {
			return fmt.Errorf("partition %d: empty box %v", p.ID, p.Box)
		}
		if p.NumPoints != p.Box.NumPts() {
			return fmt.Errorf("partition %d: NumPoints %d != box size %d",
				p.ID, p.NumPoints, p.Box.NumPts())
		}
		if p.NumPoints > actualMax {
			actualMax = p.NumPoints
		}
		total += p.NumPoints
		for _, q := range pl.Partitions[i+1:] {
			if p.Box.Intersects(q.Box) {
				return fmt.Errorf("partitions %d and %d overlap", p.ID, q.ID)
			}
		}
	}
	if actualMax != pl.KpartMax {
		return fmt.Errorf("computed KpartMax %d != stored KpartMax %d",
			actualMax, pl.KpartMax)
	}
	if total != pl.TotalPoints {
		return fmt.Errorf("computed TotalPoints %d != stored TotalPoints %d",
			total, pl.TotalPoints)
	}
	if pl.Domain.Ok() && total != pl.Domain.NumPts() {
		return fmt.Errorf("partitions cover %d points, domain has %d",
			total, pl.Domain.NumPts())
	}
	return nil
}

// Methods for PartitionedArray

// NewPartitionedArray allocates stride values per point for every partition
// of the layout
func NewPartitionedArray[T float64 | complex128](pl *PartitionLayout, stride int) *PartitionedArray[T] {
	offsets := make([]int, pl.NumPartitions+1)
	for i, p := range pl.Partitions {
		offsets[i+1] = offsets[i] + p.NumPoints*stride
	}
	return &PartitionedArray[T]{
		GlobalData: make([]T, offsets[pl.NumPartitions]),
		Offsets:    offsets,
		Stride:     stride,
	}
}

// GetPartitionData returns a slice for partition p's data
func (pa *PartitionedArray[T]) GetPartitionData(partitionID int) []T {
	if partitionID < 0 || partitionID >= len(pa.Offsets)-1 {
		return nil
	}
	start := pa.Offsets[partitionID]
	end := pa.Offsets[partitionID+1]
	return pa.GlobalData[start:end]
}

// GetComponent returns component comp of partition p, for arrays laid out
// [component][point] inside each partition
func (pa *PartitionedArray[T]) GetComponent(partitionID, comp int) []T {
	data := pa.GetPartitionData(partitionID)
	if data == nil || comp < 0 || comp >= pa.Stride {
		return nil
	}
	npts := len(data) / pa.Stride
	return data[comp*npts : (comp+1)*npts]
}

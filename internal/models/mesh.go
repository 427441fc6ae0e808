package models

// ITK cell type identifiers used in an ITK-Wasm cell buffer.
const (
	CellVertex        = 0
	CellLine          = 1
	CellTriangle      = 2
	CellQuadrilateral = 3
	CellPolygon       = 4
	CellPolyLine      = 8
)

// Mesh is the subset of an ITK-Wasm mesh needed to produce a surface mesh.
type Mesh struct {
	// Name is a free-form label carried with the mesh
	Name string

	// Dimension is the number of coordinates per point
	Dimension int

	// Points holds Dimension coordinates per point
	Points []float64

	// NumberOfPoints is the declared point count
	NumberOfPoints uint64

	// Cells is the ITK cell buffer: for every cell its type, its point count
	// and then that many point indices
	Cells []uint64

	// NumberOfCells is the declared cell count
	NumberOfCells uint64
}

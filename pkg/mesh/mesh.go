// Package mesh converts ITK-Wasm meshes (.iwm.cbor) into the surface formats the
// viewer loads natively: MZ3 and binary STL.
package mesh

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"iwibridge/internal/models"
	"iwibridge/pkg/codec"
	"iwibridge/pkg/stl"
)

// MZ3 header values.
const (
	mz3Magic      uint16 = 0x5A4D // "MZ" little-endian
	mz3AttrFaces  uint16 = 1
	mz3AttrVertex uint16 = 2
)

type mz3Header struct {
	Magic uint16
	Attr  uint16
	NFace uint32
	NVert uint32
	NSkip uint32
}

// Decode parses an ITK-Wasm mesh payload. Points and cells are required; the
// declared counts, when present, must agree with the buffers.
func Decode(data []byte) (*models.Mesh, error) {
	fields, err := codec.Fields(data)
	if err != nil {
		return nil, err
	}
	for _, required := range []string{"meshType", "points", "cells"} {
		if _, ok := fields[required]; !ok {
			return nil, errors.Wrapf(models.ErrMalformedPayload, "missing field %q", required)
		}
	}

	m := &models.Mesh{Dimension: 3}
	var meshType map[string]cbor.RawMessage
	if err := codec.Unmarshal(fields["meshType"], &meshType); err != nil {
		return nil, errors.Wrap(err, "meshType")
	}
	if raw, ok := meshType["dimension"]; ok {
		dim, err := count(raw)
		if err != nil {
			return nil, errors.Wrap(err, "meshType.dimension")
		}
		m.Dimension = int(dim)
	}
	if m.Dimension < 2 || m.Dimension > 3 {
		return nil, errors.Wrapf(models.ErrMalformedPayload, "mesh dimension %d, want 2 or 3", m.Dimension)
	}

	if raw, ok := fields["name"]; ok {
		// A name that is not a string is ignored
		var name string
		if err := codec.Unmarshal(raw, &name); err == nil {
			m.Name = name
		}
	}

	if m.Points, err = numbers(fields["points"]); err != nil {
		return nil, errors.Wrap(err, "points")
	}
	if len(m.Points)%m.Dimension != 0 {
		return nil, errors.Wrapf(models.ErrMalformedPayload, "%d point coordinates is not a multiple of dimension %d", len(m.Points), m.Dimension)
	}
	m.NumberOfPoints = uint64(len(m.Points) / m.Dimension)
	if err := checkCount(fields, "numberOfPoints", m.NumberOfPoints); err != nil {
		return nil, err
	}

	cells, err := numbers(fields["cells"])
	if err != nil {
		return nil, errors.Wrap(err, "cells")
	}
	m.Cells = make([]uint64, len(cells))
	for i, c := range cells {
		if c < 0 || c != math.Trunc(c) {
			return nil, errors.Wrapf(models.ErrMalformedPayload, "cell buffer entry %d = %v", i, c)
		}
		m.Cells[i] = uint64(c)
	}
	if err := checkCount(fields, "cellBufferSize", uint64(len(m.Cells))); err != nil {
		return nil, err
	}
	if raw, ok := fields["numberOfCells"]; ok {
		if m.NumberOfCells, err = count(raw); err != nil {
			return nil, errors.Wrap(err, "numberOfCells")
		}
	}
	return m, nil
}

// ToMZ3 triangulates the mesh cells and writes an MZ3 file. Triangles are kept,
// quadrilaterals and polygons become triangle fans, other cell types are skipped.
func ToMZ3(m *models.Mesh, compress bool) ([]byte, error) {
	faces, err := triangulate(m)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, errors.Wrap(models.ErrMalformedPayload, "mesh has no surface cells")
	}

	hdr := mz3Header{
		Magic: mz3Magic,
		Attr:  mz3AttrFaces | mz3AttrVertex,
		NFace: uint32(len(faces) / 3),
		NVert: uint32(m.NumberOfPoints),
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return nil, errors.Wrap(err, "writing mz3 header")
	}
	if err := binary.Write(&buf, binary.LittleEndian, faces); err != nil {
		return nil, errors.Wrap(err, "writing mz3 faces")
	}

	vertices := make([]float32, 0, m.NumberOfPoints*3)
	for p := 0; p < int(m.NumberOfPoints); p++ {
		v := vertex(m, p)
		vertices = append(vertices, v[:]...)
	}
	if err := binary.Write(&buf, binary.LittleEndian, vertices); err != nil {
		return nil, errors.Wrap(err, "writing mz3 vertices")
	}

	if !compress {
		return buf.Bytes(), nil
	}
	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(buf.Bytes()); err != nil {
		return nil, errors.Wrap(err, "compressing mz3")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compressing mz3")
	}
	return out.Bytes(), nil
}

// ToSTL triangulates the mesh cells like ToMZ3 and writes a binary STL file.
func ToSTL(m *models.Mesh) ([]byte, error) {
	faces, err := triangulate(m)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, errors.Wrap(models.ErrMalformedPayload, "mesh has no surface cells")
	}

	triangles := make([]stl.Triangle, 0, len(faces)/3)
	for i := 0; i < len(faces); i += 3 {
		triangles = append(triangles, stl.NewTriangle(
			vertex(m, int(faces[i])), vertex(m, int(faces[i+1])), vertex(m, int(faces[i+2]))))
	}
	var buf bytes.Buffer
	if err := stl.Write(&buf, m.Name, triangles); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// vertex returns point p in 3D, with z = 0 for 2D meshes.
func vertex(m *models.Mesh, p int) [3]float32 {
	coords := m.Points[p*m.Dimension : (p+1)*m.Dimension]
	v := [3]float32{float32(coords[0]), float32(coords[1])}
	if m.Dimension == 3 {
		v[2] = float32(coords[2])
	}
	return v
}

// triangulate walks the ITK cell buffer and returns point indices, three per face.
func triangulate(m *models.Mesh) ([]int32, error) {
	var faces []int32
	cells := m.Cells
	var walked uint64
	for i := 0; i < len(cells); walked++ {
		if i+2 > len(cells) {
			return nil, errors.Wrapf(models.ErrMalformedPayload, "cell %d header is truncated", walked)
		}
		cellType, n := cells[i], cells[i+1]
		start := i + 2
		if n > uint64(len(cells)-start) {
			return nil, errors.Wrapf(models.ErrMalformedPayload, "cell %d declares %d points past the end of the buffer", walked, n)
		}
		ids := cells[start : start+int(n)]
		i = start + int(n)

		for _, id := range ids {
			if id >= m.NumberOfPoints || id > math.MaxInt32 {
				return nil, errors.Wrapf(models.ErrMalformedPayload, "cell %d references point %d of %d", walked, id, m.NumberOfPoints)
			}
		}

		switch cellType {
		case models.CellTriangle, models.CellQuadrilateral, models.CellPolygon:
			for k := 1; k+1 < len(ids); k++ {
				faces = append(faces, int32(ids[0]), int32(ids[k]), int32(ids[k+1]))
			}
		}
	}
	if m.NumberOfCells != 0 && walked != m.NumberOfCells {
		return nil, errors.Wrapf(models.ErrMalformedPayload, "cell buffer holds %d cells, %d declared", walked, m.NumberOfCells)
	}
	return faces, nil
}

func numbers(raw cbor.RawMessage) ([]float64, error) {
	v, err := codec.Value(raw)
	if err != nil {
		return nil, err
	}
	return codec.Numbers(v)
}

func count(raw cbor.RawMessage) (uint64, error) {
	v, err := codec.Value(raw)
	if err != nil {
		return 0, err
	}
	f, err := codec.Dimension(v)
	if err != nil {
		return 0, err
	}
	return models.WidenDimension(f)
}

func checkCount(fields map[string]cbor.RawMessage, name string, actual uint64) error {
	raw, ok := fields[name]
	if !ok {
		return nil
	}
	declared, err := count(raw)
	if err != nil {
		return errors.Wrap(err, name)
	}
	if declared != actual {
		return errors.Wrapf(models.ErrMalformedPayload, "%s = %d, buffer holds %d", name, declared, actual)
	}
	return nil
}

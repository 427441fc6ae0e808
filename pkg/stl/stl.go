// Package stl writes binary STL surface files.
package stl

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// headerSize is the length of the free-form header of a binary STL file.
const headerSize = 80

// Triangle is one facet of an STL surface
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// NewTriangle returns the facet a, b, c with its right-handed unit normal. A
// degenerate facet gets a zero normal.
func NewTriangle(a, b, c [3]float32) Triangle {
	u := [3]float64{float64(b[0] - a[0]), float64(b[1] - a[1]), float64(b[2] - a[2])}
	v := [3]float64{float64(c[0] - a[0]), float64(c[1] - a[1]), float64(c[2] - a[2])}
	n := [3]float64{
		u[1]*v[2] - u[2]*v[1],
		u[2]*v[0] - u[0]*v[2],
		u[0]*v[1] - u[1]*v[0],
	}
	t := Triangle{Vertex1: a, Vertex2: b, Vertex3: c}
	if l := math.Sqrt(n[0]*n[0] + n[1]*n[1] + n[2]*n[2]); l > 0 {
		t.Normal = [3]float32{float32(n[0] / l), float32(n[1] / l), float32(n[2] / l)}
	}
	return t
}

// Write encodes triangles as a binary STL file.
func Write(w io.Writer, header string, triangles []Triangle) error {
	if uint64(len(triangles)) > math.MaxUint32 {
		return errors.Errorf("%d triangles do not fit a binary STL file", len(triangles))
	}
	bw := bufio.NewWriter(w)

	var hdr [headerSize]byte
	copy(hdr[:], header)
	if _, err := bw.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "writing STL header")
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return errors.Wrap(err, "writing STL triangle count")
	}

	for _, t := range triangles {
		// 12 float32 followed by a zero attribute byte count
		if err := binary.Write(bw, binary.LittleEndian, t); err != nil {
			return errors.Wrap(err, "writing STL triangle")
		}
		if err := binary.Write(bw, binary.LittleEndian, uint16(0)); err != nil {
			return errors.Wrap(err, "writing STL triangle")
		}
	}
	return bw.Flush()
}

package adapter

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// quaternToRotation builds the qform rotation from the quaternion parameters b, c, d
// and the handedness factor qfac, following the NIfTI-1 definition: a is derived so
// the quaternion has unit length and qfac scales the third column.
func quaternToRotation(b, c, d, qfac float64) *mat.Dense {
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// Degenerate quaternion, a 180 degree rotation
		a = 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = a*b, a*c, a*d
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	if qfac < 0 {
		qfac = -1
	} else {
		qfac = 1
	}

	return mat.NewDense(3, 3, []float64{
		a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c) * qfac,
		2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b) * qfac,
		2 * (b*d - a*c), 2 * (c*d + a*b), (a*a + d*d - c*c - b*b) * qfac,
	})
}

// rotationToQuatern is the inverse of quaternToRotation for an orthonormal matrix.
// It returns the quaternion parameters b, c, d and qfac.
func rotationToQuatern(r mat.Matrix) (b, c, d, qfac float64) {
	m := mat.DenseCopyOf(r)
	qfac = 1
	if mat.Det(m) < 0 {
		qfac = -1
		for i := 0; i < 3; i++ {
			m.Set(i, 2, -m.At(i, 2))
		}
	}

	r11, r12, r13 := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	r21, r22, r23 := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	r31, r32, r33 := m.At(2, 0), m.At(2, 1), m.At(2, 2)

	var a float64
	if trace := r11 + r22 + r33 + 1; trace > 0.5 {
		a = 0.5 * math.Sqrt(trace)
		b = 0.25 * (r32 - r23) / a
		c = 0.25 * (r13 - r31) / a
		d = 0.25 * (r21 - r12) / a
	} else {
		xd := 1 + r11 - (r22 + r33)
		yd := 1 + r22 - (r11 + r33)
		zd := 1 + r33 - (r11 + r22)
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r12 + r21) / b
			d = 0.25 * (r13 + r31) / b
			a = 0.25 * (r32 - r23) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r12 + r21) / c
			d = 0.25 * (r23 + r32) / c
			a = 0.25 * (r13 - r31) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r13 + r31) / d
			c = 0.25 * (r23 + r32) / d
			a = 0.25 * (r21 - r12) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	return b, c, d, qfac
}

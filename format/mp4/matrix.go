package mp4

import (
	"math"
)

// identityMatrix is the unity transform in 16.16 (a,b,c,d,tx,ty) and 2.30 (u,v,w).
var identityMatrix = [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000}

// NormalizeRotation maps any angle in degrees into [0,360).
func NormalizeRotation(deg int) int {
	return ((deg % 360) + 360) % 360
}

// rotationMatrix builds the tkhd display matrix that rotates a width x height
// picture clockwise by deg degrees. Right angles translate the picture back
// into the positive quadrant.
func rotationMatrix(deg, width, height int) [9]int32 {
	m := identityMatrix
	w := int32(width) << 16
	h := int32(height) << 16
	switch NormalizeRotation(deg) {
	case 0:
		return m
	case 90:
		m[0], m[1], m[3], m[4] = 0, 0x10000, -0x10000, 0
		m[6], m[7] = h, 0
	case 180:
		m[0], m[4] = -0x10000, -0x10000
		m[6], m[7] = w, h
	case 270:
		m[0], m[1], m[3], m[4] = 0, -0x10000, 0x10000, 0
		m[6], m[7] = 0, w
	default:
		rad := float64(NormalizeRotation(deg)) * math.Pi / 180
		cos := int32(math.Round(math.Cos(rad) * 0x10000))
		sin := int32(math.Round(math.Sin(rad) * 0x10000))
		m[0], m[1], m[3], m[4] = cos, sin, -sin, cos
	}
	return m
}

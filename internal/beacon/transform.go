package beacon

import (
	"fmt"
	"math"
)

// Transform converts the raw bits of a field to its value.
type Transform interface {
	Apply(raw uint64, width int) any
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(raw uint64, width int) any

func (f TransformFunc) Apply(raw uint64, width int) any { return f(raw, width) }

// Identity keeps the raw unsigned value (uint64).
var Identity Transform = TransformFunc(func(raw uint64, _ int) any { return raw })

// Bool maps non-zero to true.
var Bool Transform = TransformFunc(func(raw uint64, _ int) any { return raw != 0 })

// Signed interprets the field as two's complement of its width (int64).
var Signed Transform = TransformFunc(func(raw uint64, width int) any { return signExtend(raw, width) })

func signExtend(raw uint64, width int) int64 {
	if width >= 64 {
		return int64(raw)
	}
	shift := uint(64 - width)
	return int64(raw<<shift) >> shift
}

// Scale returns raw*factor + offset (float64).
func Scale(factor, offset float64) Transform {
	return TransformFunc(func(raw uint64, _ int) any {
		return float64(raw)*factor + offset
	})
}

// SignedScale sign-extends before scaling.
func SignedScale(factor, offset float64) Transform {
	return TransformFunc(func(raw uint64, width int) any {
		return float64(signExtend(raw, width))*factor + offset
	})
}

// Enum maps raw values to names; unmapped values become "unknown(N)".
func Enum(names map[uint64]string) Transform {
	return TransformFunc(func(raw uint64, _ int) any {
		if s, ok := names[raw]; ok {
			return s
		}
		return fmt.Sprintf("unknown(%d)", raw)
	})
}

// Poly evaluates c0 + c1*raw + c2*raw^2 + ... (float64).
func Poly(coeffs ...float64) Transform {
	return TransformFunc(func(raw uint64, _ int) any {
		x := float64(raw)
		var v float64
		for i := len(coeffs) - 1; i >= 0; i-- {
			v = v*x + coeffs[i]
		}
		if math.IsNaN(v) {
			return 0.0
		}
		return v
	})
}

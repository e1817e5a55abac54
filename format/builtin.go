package format

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Bool is one byte, 0 or 1
func Bool() Format[bool] {
	return Funcs[bool]{
		MarshalFunc: func(v bool) ([]byte, error) {
			if v {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		},
		UnmarshalFunc: func(data []byte) (bool, error) {
			if err := needLen(data, 1); err != nil {
				return false, err
			}
			return data[0] != 0, nil
		},
	}
}

// Int32 is four little-endian bytes
func Int32() Format[int32] {
	return Funcs[int32]{
		MarshalFunc: func(v int32) ([]byte, error) {
			return binary.LittleEndian.AppendUint32(nil, uint32(v)), nil
		},
		UnmarshalFunc: func(data []byte) (int32, error) {
			if err := needLen(data, 4); err != nil {
				return 0, err
			}
			return int32(binary.LittleEndian.Uint32(data)), nil
		},
	}
}

// Int64 is eight little-endian bytes
func Int64() Format[int64] {
	return Funcs[int64]{
		MarshalFunc: func(v int64) ([]byte, error) {
			return binary.LittleEndian.AppendUint64(nil, uint64(v)), nil
		},
		UnmarshalFunc: func(data []byte) (int64, error) {
			if err := needLen(data, 8); err != nil {
				return 0, err
			}
			return int64(binary.LittleEndian.Uint64(data)), nil
		},
	}
}

// Float64 is an IEEE 754 double, little-endian
func Float64() Format[float64] {
	return Funcs[float64]{
		MarshalFunc: func(v float64) ([]byte, error) {
			return appendFloats(nil, v), nil
		},
		UnmarshalFunc: func(data []byte) (float64, error) {
			if err := needLen(data, 8); err != nil {
				return 0, err
			}
			return readFloats(data, 1)[0], nil
		},
	}
}

// String is the raw UTF-8 bytes; the frame carries the length
func String() Format[string] {
	return Funcs[string]{
		MarshalFunc:   func(v string) ([]byte, error) { return []byte(v), nil },
		UnmarshalFunc: func(data []byte) (string, error) { return string(data), nil },
	}
}

// Bytes passes the payload through
func Bytes() Format[[]byte] {
	return Funcs[[]byte]{
		MarshalFunc: func(v []byte) ([]byte, error) { return v, nil },
		UnmarshalFunc: func(data []byte) ([]byte, error) {
			return append([]byte(nil), data...), nil
		},
	}
}

// Vec3 is three doubles X, Y, Z
func Vec3() Format[r3.Vec] {
	return Funcs[r3.Vec]{
		MarshalFunc: func(v r3.Vec) ([]byte, error) {
			return appendFloats(nil, v.X, v.Y, v.Z), nil
		},
		UnmarshalFunc: func(data []byte) (r3.Vec, error) {
			if err := needLen(data, 24); err != nil {
				return r3.Vec{}, err
			}
			f := readFloats(data, 3)
			return r3.Vec{X: f[0], Y: f[1], Z: f[2]}, nil
		},
	}
}

// Vec2 is two doubles X, Y
func Vec2() Format[r2.Vec] {
	return Funcs[r2.Vec]{
		MarshalFunc: func(v r2.Vec) ([]byte, error) {
			return appendFloats(nil, v.X, v.Y), nil
		},
		UnmarshalFunc: func(data []byte) (r2.Vec, error) {
			if err := needLen(data, 16); err != nil {
				return r2.Vec{}, err
			}
			f := readFloats(data, 2)
			return r2.Vec{X: f[0], Y: f[1]}, nil
		},
	}
}

// Pose is a position and an orientation
type Pose struct {
	Position    r3.Vec `json:"position"`
	Orientation r3.Vec `json:"orientation"`
}

// PoseFormat is six doubles: position then orientation
func PoseFormat() Format[Pose] {
	return Funcs[Pose]{
		MarshalFunc: func(v Pose) ([]byte, error) {
			return appendFloats(nil,
				v.Position.X, v.Position.Y, v.Position.Z,
				v.Orientation.X, v.Orientation.Y, v.Orientation.Z), nil
		},
		UnmarshalFunc: func(data []byte) (Pose, error) {
			if err := needLen(data, 48); err != nil {
				return Pose{}, err
			}
			f := readFloats(data, 6)
			return Pose{
				Position:    r3.Vec{X: f[0], Y: f[1], Z: f[2]},
				Orientation: r3.Vec{X: f[3], Y: f[4], Z: f[5]},
			}, nil
		},
	}
}

// JSON encodes structured values with encoding/json
func JSON[T any]() Format[T] {
	return Funcs[T]{
		MarshalFunc: func(v T) ([]byte, error) { return json.Marshal(v) },
		UnmarshalFunc: func(data []byte) (T, error) {
			var v T
			err := json.Unmarshal(data, &v)
			return v, err
		},
	}
}

func appendFloats(dst []byte, values ...float64) []byte {
	for _, v := range values {
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
	}
	return dst
}

func readFloats(data []byte, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out
}

package transport

import (
	"encoding/binary"
	"math"
)

// Elem constrains the element types that may travel on the wire. The set
// mirrors the static type dispatch of the runtime's numeric surface.
type Elem interface {
	~int32 | ~int64 | ~uint32 | ~float32 | ~float64
}

// KindOf reports the wire kind for the element type T.
func KindOf[T Elem]() ElemKind {
	switch any(*new(T)).(type) {
	case int32:
		return Int32
	case int64:
		return Int64
	case uint32:
		return Uint32
	case float32:
		return Float32
	default:
		return Float64
	}
}

// Marshal encodes the elements little-endian.
func Marshal[T Elem](src []T) []byte {
	kind := KindOf[T]()
	buf := make([]byte, len(src)*kind.size())
	for i, v := range src {
		switch kind {
		case Int32:
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(int32(v)))
		case Int64:
			binary.LittleEndian.PutUint64(buf[i*8:], uint64(int64(v)))
		case Uint32:
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
		case Float32:
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
		case Float64:
			binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(float64(v)))
		}
	}
	return buf
}

// Unmarshal decodes little-endian elements into dst and returns the number
// of elements decoded.
func Unmarshal[T Elem](buf []byte, dst []T) int {
	kind := KindOf[T]()
	n := len(buf) / kind.size()
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		switch kind {
		case Int32:
			dst[i] = T(int32(binary.LittleEndian.Uint32(buf[i*4:])))
		case Int64:
			dst[i] = T(int64(binary.LittleEndian.Uint64(buf[i*8:])))
		case Uint32:
			dst[i] = T(binary.LittleEndian.Uint32(buf[i*4:]))
		case Float32:
			dst[i] = T(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
		case Float64:
			dst[i] = T(math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:])))
		}
	}
	return n
}

// Package quantization provides vector quantization for memory-efficient
// on-device storage. Quantization is lossy: decoded vectors approximate the
// originals within the error bound documented per quantizer.
package quantization

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Codec identifies a quantization codec in configuration and persistence.
type Codec string

const (
	// CodecNone stores raw float32 vectors.
	CodecNone Codec = "none"
	// CodecScalarInt8 stores one int8 per dimension (4x compression).
	CodecScalarInt8 Codec = "scalar-quantize-int8"
	// CodecProduct stores one centroid code per subspace.
	CodecProduct Codec = "product-quantize"
)

// ErrNotTrained is returned when encoding is attempted before training.
var ErrNotTrained = errors.New("quantizer not trained")

// Quantizer defines the interface for vector quantization methods.
type Quantizer interface {
	// Codec identifies the quantizer for configuration and persistence.
	Codec() Codec

	// Train calibrates the quantizer on a sample of vectors.
	Train(vectors [][]float32) error

	// Trained reports whether Encode may be called.
	Trained() bool

	// Encode quantizes a float32 vector to its compressed representation.
	Encode(v []float32) ([]byte, error)

	// Decode reconstructs an approximate float32 vector from codes.
	Decode(b []byte) ([]float32, error)

	// BytesPerVector returns the encoded size for the given dimension.
	BytesPerVector(dim int) int

	// MarshalBinary serializes trained parameters for persistence.
	MarshalBinary() ([]byte, error)

	// UnmarshalBinary restores trained parameters.
	UnmarshalBinary(data []byte) error
}

// New returns a quantizer for the given codec, or nil for CodecNone.
func New(codec Codec, dim int) (Quantizer, error) {
	switch codec {
	case CodecNone, "":
		return nil, nil
	case CodecScalarInt8:
		return NewScalarQuantizer(dim), nil
	case CodecProduct:
		return NewProductQuantizer(dim, defaultSubspaces(dim), defaultCentroids), nil
	default:
		return nil, fmt.Errorf("unsupported quantization codec: %q", codec)
	}
}

// ScalarQuantizer implements 8-bit scalar quantization.
// Each dimension is linearly mapped from the trained [min, max] range to
// [-128, 127], compressing float32 (4 bytes/dim) to int8 (1 byte/dim).
type ScalarQuantizer struct {
	dim     int
	min     float32
	max     float32
	trained bool
}

// NewScalarQuantizer creates an untrained int8 scalar quantizer.
func NewScalarQuantizer(dim int) *ScalarQuantizer {
	return &ScalarQuantizer{dim: dim}
}

// Codec implements Quantizer.
func (sq *ScalarQuantizer) Codec() Codec { return CodecScalarInt8 }

// Trained implements Quantizer.
func (sq *ScalarQuantizer) Trained() bool { return sq.trained }

// Train calibrates the quantizer by finding min/max across all components.
func (sq *ScalarQuantizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return errors.New("no vectors provided for training")
	}

	sq.min = math.MaxFloat32
	sq.max = -math.MaxFloat32

	for _, vec := range vectors {
		for _, val := range vec {
			if val < sq.min {
				sq.min = val
			}
			if val > sq.max {
				sq.max = val
			}
		}
	}

	// All components identical: widen the range to keep the scale finite.
	if sq.min == sq.max {
		sq.max = sq.min + 1
	}

	sq.trained = true
	return nil
}

// Encode implements Quantizer.
func (sq *ScalarQuantizer) Encode(v []float32) ([]byte, error) {
	if !sq.trained {
		return nil, ErrNotTrained
	}

	codes := make([]byte, len(v))
	scale := 255.0 / (sq.max - sq.min)

	for i, val := range v {
		if val < sq.min {
			val = sq.min
		} else if val > sq.max {
			val = sq.max
		}
		q := int((val-sq.min)*scale + 0.5) // [0, 255], rounded
		codes[i] = byte(int8(q - 128))
	}

	return codes, nil
}

// Decode implements Quantizer.
func (sq *ScalarQuantizer) Decode(b []byte) ([]float32, error) {
	if !sq.trained {
		return nil, ErrNotTrained
	}

	decoded := make([]float32, len(b))
	scale := (sq.max - sq.min) / 255.0

	for i, code := range b {
		q := int(int8(code)) + 128
		decoded[i] = float32(q)*scale + sq.min
	}

	return decoded, nil
}

// BytesPerVector implements Quantizer.
func (sq *ScalarQuantizer) BytesPerVector(dim int) int { return dim }

// MaxError returns the worst-case reconstruction error per component
// (half of one quantization step).
func (sq *ScalarQuantizer) MaxError() float32 {
	return (sq.max - sq.min) / 510.0
}

// MarshalBinary implements Quantizer.
// Format (little-endian): [dim:u32][min:f32][max:f32]
func (sq *ScalarQuantizer) MarshalBinary() ([]byte, error) {
	if !sq.trained {
		return nil, ErrNotTrained
	}
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:4], uint32(sq.dim))
	binary.LittleEndian.PutUint32(b[4:8], math.Float32bits(sq.min))
	binary.LittleEndian.PutUint32(b[8:12], math.Float32bits(sq.max))
	return b, nil
}

// UnmarshalBinary implements Quantizer.
func (sq *ScalarQuantizer) UnmarshalBinary(data []byte) error {
	if len(data) != 12 {
		return errors.New("invalid scalar quantizer binary length")
	}
	sq.dim = int(binary.LittleEndian.Uint32(data[0:4]))
	sq.min = math.Float32frombits(binary.LittleEndian.Uint32(data[4:8]))
	sq.max = math.Float32frombits(binary.LittleEndian.Uint32(data[8:12]))
	sq.trained = true
	return nil
}

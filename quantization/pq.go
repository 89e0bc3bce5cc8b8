package quantization

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/vektordb/vektor/internal/kmeans"
)

const (
	defaultCentroids  = 256
	trainIterations   = 20
	trainSeed         = 1
	minTrainVectors   = 16
	maxSubspaceTarget = 8 // aim for subvectors of at least 8 dims
)

// defaultSubspaces picks a subspace count that divides dim evenly.
func defaultSubspaces(dim int) int {
	for _, m := range []int{8, 4, 2, 1} {
		if dim%m == 0 && dim/m >= maxSubspaceTarget {
			return m
		}
	}
	return 1
}

// ProductQuantizer implements product quantization (PQ).
//
// The vector is split into m contiguous subvectors; each subvector is encoded
// as the index of its nearest centroid in a per-subspace codebook trained
// with k-means. Storage is one byte per subspace (k <= 256).
type ProductQuantizer struct {
	dim       int
	m         int // number of subspaces
	k         int // centroids per subspace
	subDim    int
	codebooks []float32 // m * k * subDim, flattened
	trained   bool
}

// NewProductQuantizer creates an untrained product quantizer.
// dim must be divisible by m; k must be at most 256.
func NewProductQuantizer(dim, m, k int) *ProductQuantizer {
	if m <= 0 || dim%m != 0 {
		m = 1
	}
	if k <= 0 || k > 256 {
		k = defaultCentroids
	}
	return &ProductQuantizer{
		dim:    dim,
		m:      m,
		k:      k,
		subDim: dim / m,
	}
}

// Codec implements Quantizer.
func (pq *ProductQuantizer) Codec() Codec { return CodecProduct }

// Trained implements Quantizer.
func (pq *ProductQuantizer) Trained() bool { return pq.trained }

// Train builds the per-subspace codebooks with k-means.
func (pq *ProductQuantizer) Train(vectors [][]float32) error {
	if len(vectors) < minTrainVectors {
		return fmt.Errorf("product quantization requires at least %d training vectors, got %d", minTrainVectors, len(vectors))
	}
	for _, v := range vectors {
		if len(v) != pq.dim {
			return fmt.Errorf("training vector has dimension %d, want %d", len(v), pq.dim)
		}
	}

	k := pq.k
	if k > len(vectors) {
		k = len(vectors)
	}

	rng := rand.New(rand.NewSource(trainSeed))
	pq.codebooks = make([]float32, pq.m*k*pq.subDim)

	sub := make([]float32, len(vectors)*pq.subDim)
	for s := 0; s < pq.m; s++ {
		lo := s * pq.subDim
		for i, v := range vectors {
			copy(sub[i*pq.subDim:(i+1)*pq.subDim], v[lo:lo+pq.subDim])
		}
		centroids := kmeans.Train(sub, pq.subDim, k, trainIterations, rng)
		copy(pq.codebooks[s*k*pq.subDim:], centroids)
	}

	pq.k = k
	pq.trained = true
	return nil
}

// Encode implements Quantizer.
func (pq *ProductQuantizer) Encode(v []float32) ([]byte, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}
	if len(v) != pq.dim {
		return nil, fmt.Errorf("vector has dimension %d, want %d", len(v), pq.dim)
	}

	codes := make([]byte, pq.m)
	for s := 0; s < pq.m; s++ {
		subvec := v[s*pq.subDim : (s+1)*pq.subDim]
		codes[s] = byte(pq.nearestCentroid(s, subvec))
	}
	return codes, nil
}

// Decode implements Quantizer.
func (pq *ProductQuantizer) Decode(b []byte) ([]float32, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}
	if len(b) != pq.m {
		return nil, fmt.Errorf("code has length %d, want %d", len(b), pq.m)
	}

	decoded := make([]float32, pq.dim)
	for s, code := range b {
		centroid := pq.centroid(s, int(code))
		copy(decoded[s*pq.subDim:], centroid)
	}
	return decoded, nil
}

// BytesPerVector implements Quantizer.
func (pq *ProductQuantizer) BytesPerVector(int) int { return pq.m }

func (pq *ProductQuantizer) centroid(subspace, idx int) []float32 {
	base := (subspace*pq.k + idx) * pq.subDim
	return pq.codebooks[base : base+pq.subDim]
}

func (pq *ProductQuantizer) nearestCentroid(subspace int, subvec []float32) int {
	best := 0
	minDist := float32(math.MaxFloat32)
	for j := 0; j < pq.k; j++ {
		c := pq.centroid(subspace, j)
		var d float32
		for i := range subvec {
			diff := subvec[i] - c[i]
			d += diff * diff
		}
		if d < minDist {
			minDist = d
			best = j
		}
	}
	return best
}

// MarshalBinary implements Quantizer.
// Format (little-endian): [dim:u32][m:u32][k:u32][codebooks:f32...]
func (pq *ProductQuantizer) MarshalBinary() ([]byte, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}
	b := make([]byte, 12+4*len(pq.codebooks))
	binary.LittleEndian.PutUint32(b[0:4], uint32(pq.dim))
	binary.LittleEndian.PutUint32(b[4:8], uint32(pq.m))
	binary.LittleEndian.PutUint32(b[8:12], uint32(pq.k))
	for i, f := range pq.codebooks {
		binary.LittleEndian.PutUint32(b[12+i*4:], math.Float32bits(f))
	}
	return b, nil
}

// UnmarshalBinary implements Quantizer.
func (pq *ProductQuantizer) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return errors.New("invalid product quantizer binary length")
	}
	pq.dim = int(binary.LittleEndian.Uint32(data[0:4]))
	pq.m = int(binary.LittleEndian.Uint32(data[4:8]))
	pq.k = int(binary.LittleEndian.Uint32(data[8:12]))
	if pq.m <= 0 || pq.dim <= 0 || pq.dim%pq.m != 0 {
		return errors.New("invalid product quantizer parameters")
	}
	pq.subDim = pq.dim / pq.m

	n := pq.m * pq.k * pq.subDim
	if len(data) != 12+4*n {
		return errors.New("invalid product quantizer codebook length")
	}
	pq.codebooks = make([]float32, n)
	for i := range pq.codebooks {
		pq.codebooks[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[12+i*4:]))
	}
	pq.trained = true
	return nil
}

// Package vectorstore provides durable record storage for embedding vectors.
//
// The store owns the vector records: id, embedding bytes, metadata and flags.
// The graph index references records only by internal id and never owns
// vector data. Deletes are tombstones; bytes are reclaimed by Compact.
package vectorstore

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/vektordb/vektor/metadata"
	"github.com/vektordb/vektor/quantization"
)

const (
	// normEpsilon is the tolerance used to flag a vector as unit-length.
	normEpsilon = 1e-4

	// DefaultTrainThreshold is the live-record count at which a configured
	// quantizer is trained and the store switches to compressed codes.
	DefaultTrainThreshold = 256
)

var (
	// ErrNotFound is returned when no live record exists for an id.
	ErrNotFound = errors.New("record not found")

	// ErrEmptyID is returned when the caller passes an empty record id.
	ErrEmptyID = errors.New("record id must not be empty")

	// ErrDuplicateID is returned when storing an id that is already live.
	// Replacing an embedding is modeled as delete followed by store.
	ErrDuplicateID = errors.New("record id already exists")
)

// DimensionMismatchError indicates a vector of the wrong dimensionality.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// InvalidVectorError indicates a NaN or Inf vector component.
type InvalidVectorError struct {
	Index int
}

func (e *InvalidVectorError) Error() string {
	return fmt.Sprintf("vector component %d is NaN or Inf", e.Index)
}

// CapacityError indicates the configured storage budget would be exceeded.
type CapacityError struct {
	Limit  int64
	Needed int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("storage budget exceeded: need %d bytes, limit %d", e.Needed, e.Limit)
}

// Record is a stored vector record.
//
// Exactly one of Vector and Code is populated: Vector holds raw float32
// components, Code holds the quantized representation once the store's
// quantizer is trained.
type Record struct {
	ID         string
	Internal   uint32
	Vector     []float32
	Code       []byte
	Metadata   metadata.Document
	Normalized bool
	Compressed bool
	Tombstoned bool
}

// Options configures a Store.
type Options struct {
	Dimension       int
	Codec           quantization.Codec
	MaxStorageBytes int64
	TrainThreshold  int
}

// DefaultOptions are the default store options.
var DefaultOptions = Options{
	Codec:          quantization.CodecNone,
	TrainThreshold: DefaultTrainThreshold,
}

// Store is an in-memory record store with tombstone deletes and optional
// transparent quantization.
type Store struct {
	mu           sync.RWMutex
	opts         Options
	quantizer    quantization.Quantizer
	byID         map[string]*Record
	byInternal   map[uint32]*Record
	nextInternal uint32
	tombstones   int
	bytesUsed    int64
}

// New creates a Store.
func New(optFns ...func(o *Options)) (*Store, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", opts.Dimension)
	}
	if opts.TrainThreshold <= 0 {
		opts.TrainThreshold = DefaultTrainThreshold
	}

	q, err := quantization.New(opts.Codec, opts.Dimension)
	if err != nil {
		return nil, err
	}

	return &Store{
		opts:       opts,
		quantizer:  q,
		byID:       make(map[string]*Record),
		byInternal: make(map[uint32]*Record),
	}, nil
}

// Dimension returns the fixed vector dimension of the store.
func (s *Store) Dimension() int { return s.opts.Dimension }

// Quantizer returns the configured quantizer, or nil when compression is off.
func (s *Store) Quantizer() quantization.Quantizer { return s.quantizer }

// Validate checks a candidate record without mutating the store.
// It fails fast on empty ids, dimension mismatches and NaN/Inf components.
func (s *Store) Validate(id string, vector []float32) error {
	if id == "" {
		return ErrEmptyID
	}
	if len(vector) != s.opts.Dimension {
		return &DimensionMismatchError{Expected: s.opts.Dimension, Actual: len(vector)}
	}
	for i, c := range vector {
		if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
			return &InvalidVectorError{Index: i}
		}
	}
	return nil
}

// Put validates and stores a new record, returning it with its assigned
// internal id. Validation failures leave the store untouched.
func (s *Store) Put(id string, vector []float32, meta metadata.Document) (*Record, error) {
	if err := s.Validate(id, vector); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}

	rec := &Record{
		ID:         id,
		Internal:   s.nextInternal,
		Metadata:   meta.Clone(),
		Normalized: isUnitLength(vector),
	}

	if s.quantizer != nil && s.quantizer.Trained() {
		code, err := s.quantizer.Encode(vector)
		if err != nil {
			return nil, err
		}
		rec.Code = code
		rec.Compressed = true
	} else {
		rec.Vector = slices.Clone(vector)
	}

	need := s.recordBytes(rec)
	if s.opts.MaxStorageBytes > 0 && s.bytesUsed+need > s.opts.MaxStorageBytes {
		return nil, &CapacityError{Limit: s.opts.MaxStorageBytes, Needed: s.bytesUsed + need}
	}

	s.nextInternal++
	s.byID[id] = rec
	s.byInternal[rec.Internal] = rec
	s.bytesUsed += need

	if s.quantizer != nil && !s.quantizer.Trained() && s.liveCountLocked() >= s.opts.TrainThreshold {
		// Threshold reached: train on the raw vectors accumulated so far and
		// switch the store over to compressed codes.
		if err := s.recompressLocked(); err != nil {
			// Training is best-effort here; records stay raw and a later
			// recompress pass can retry.
			return rec, nil
		}
	}

	return rec, nil
}

// Get returns a materialized copy of the live record for id: the vector is
// decoded back to float32 (lossy when quantization is enabled) and metadata
// is deep-copied.
func (s *Store) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s.materializeLocked(rec)
}

// GetByInternal returns a materialized copy of the record with the given
// internal id, including tombstoned records.
func (s *Store) GetByInternal(internal uint32) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byInternal[internal]
	if !ok {
		return nil, fmt.Errorf("%w: internal %d", ErrNotFound, internal)
	}
	return s.materializeLocked(rec)
}

// GetVector returns the decoded vector for an internal id.
func (s *Store) GetVector(internal uint32) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byInternal[internal]
	if !ok {
		return nil, false
	}
	v, err := s.decodeLocked(rec)
	if err != nil {
		return nil, false
	}
	return v, true
}

// UpdateMetadata applies a metadata patch to the live record for id.
// With merge true the patch is laid over the existing document; otherwise the
// document is replaced. Returns the updated record.
func (s *Store) UpdateMetadata(id string, patch metadata.Document, merge bool) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	s.bytesUsed -= int64(rec.Metadata.ApproxSize())
	if merge {
		rec.Metadata = rec.Metadata.Merge(patch)
	} else {
		rec.Metadata = patch.Clone()
	}
	s.bytesUsed += int64(rec.Metadata.ApproxSize())

	return rec, nil
}

// Delete tombstones the live record for id and returns its internal id.
// The record stays physically present until Compact.
func (s *Store) Delete(id string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	delete(s.byID, id)
	rec.Tombstoned = true
	s.tombstones++
	return rec.Internal, nil
}

// ExternalID resolves an internal id to the external id of a live record.
func (s *Store) ExternalID(internal uint32) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byInternal[internal]
	if !ok || rec.Tombstoned {
		return "", false
	}
	return rec.ID, true
}

// Count returns the number of live records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveCountLocked()
}

// TombstoneCount returns the number of tombstoned records.
func (s *Store) TombstoneCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tombstones
}

// TombstoneRatio returns tombstoned records as a fraction of live records.
func (s *Store) TombstoneRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live := s.liveCountLocked()
	if live == 0 {
		if s.tombstones > 0 {
			return 1
		}
		return 0
	}
	return float64(s.tombstones) / float64(live)
}

// BytesUsed returns the approximate storage footprint in bytes.
func (s *Store) BytesUsed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytesUsed
}

// Compact physically removes tombstoned records.
// It returns the removed internal ids (for graph repair) and the number of
// bytes reclaimed.
func (s *Store) Compact() (removed []uint32, reclaimed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for internal, rec := range s.byInternal {
		if !rec.Tombstoned {
			continue
		}
		removed = append(removed, internal)
		reclaimed += s.recordBytes(rec)
		delete(s.byInternal, internal)
	}

	slices.Sort(removed)
	s.bytesUsed -= reclaimed
	s.tombstones = 0
	return removed, reclaimed
}

// Recompress trains the quantizer (if untrained) and re-encodes all raw
// records. It is a no-op when compression is disabled.
func (s *Store) Recompress() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quantizer == nil {
		return nil
	}
	return s.recompressLocked()
}

// ForEachLive calls fn for every live record in ascending internal order.
// fn returning false stops iteration. The records passed to fn are the
// store's own; callers must not mutate them.
func (s *Store) ForEachLive(fn func(rec *Record) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, internal := range s.sortedInternalsLocked() {
		rec := s.byInternal[internal]
		if rec.Tombstoned {
			continue
		}
		if !fn(rec) {
			return
		}
	}
}

// ForEachRecord calls fn for every record, tombstoned included, in ascending
// internal order. Used by persistence.
func (s *Store) ForEachRecord(fn func(rec *Record) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, internal := range s.sortedInternalsLocked() {
		if !fn(s.byInternal[internal]) {
			return
		}
	}
}

// Restore places a record loaded from a snapshot, preserving its internal id.
func (s *Store) Restore(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byInternal[rec.Internal]; ok {
		return fmt.Errorf("internal id %d already present", rec.Internal)
	}

	s.byInternal[rec.Internal] = rec
	if !rec.Tombstoned {
		s.byID[rec.ID] = rec
	} else {
		s.tombstones++
	}
	s.bytesUsed += s.recordBytes(rec)
	if rec.Internal >= s.nextInternal {
		s.nextInternal = rec.Internal + 1
	}
	return nil
}

func (s *Store) liveCountLocked() int {
	return len(s.byID)
}

func (s *Store) sortedInternalsLocked() []uint32 {
	internals := make([]uint32, 0, len(s.byInternal))
	for internal := range s.byInternal {
		internals = append(internals, internal)
	}
	slices.Sort(internals)
	return internals
}

func (s *Store) materializeLocked(rec *Record) (*Record, error) {
	vec, err := s.decodeLocked(rec)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:         rec.ID,
		Internal:   rec.Internal,
		Vector:     vec,
		Metadata:   rec.Metadata.Clone(),
		Normalized: rec.Normalized,
		Compressed: rec.Compressed,
		Tombstoned: rec.Tombstoned,
	}, nil
}

func (s *Store) decodeLocked(rec *Record) ([]float32, error) {
	if !rec.Compressed {
		return slices.Clone(rec.Vector), nil
	}
	return s.quantizer.Decode(rec.Code)
}

func (s *Store) recompressLocked() error {
	if !s.quantizer.Trained() {
		sample := make([][]float32, 0, len(s.byInternal))
		for _, rec := range s.byInternal {
			if !rec.Compressed {
				sample = append(sample, rec.Vector)
			}
		}
		if err := s.quantizer.Train(sample); err != nil {
			return err
		}
	}

	for _, rec := range s.byInternal {
		if rec.Compressed {
			continue
		}
		code, err := s.quantizer.Encode(rec.Vector)
		if err != nil {
			return err
		}
		s.bytesUsed -= int64(4 * len(rec.Vector))
		s.bytesUsed += int64(len(code))
		rec.Code = code
		rec.Vector = nil
		rec.Compressed = true
	}
	return nil
}

func (s *Store) recordBytes(rec *Record) int64 {
	size := int64(len(rec.ID)) + int64(rec.Metadata.ApproxSize())
	if rec.Compressed {
		size += int64(len(rec.Code))
	} else {
		size += int64(4 * len(rec.Vector))
	}
	return size
}

func isUnitLength(v []float32) bool {
	var norm2 float64
	for _, c := range v {
		norm2 += float64(c) * float64(c)
	}
	return math.Abs(norm2-1) < normEpsilon
}

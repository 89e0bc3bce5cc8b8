// Package hnsw implements the Hierarchical Navigable Small World graph used
// for approximate nearest neighbor search.
//
// The graph stores topology only. Vector data is owned by the record store
// and reached through a VectorSource, so nodes are identified by the store's
// internal ids. Deletes are tombstones that searches skip; Remove physically
// drops nodes and repairs the surrounding neighborhood.
package hnsw

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vektordb/vektor/distance"
	"github.com/vektordb/vektor/internal/bitset"
	"github.com/vektordb/vektor/internal/queue"
	"github.com/vektordb/vektor/internal/visited"
)

const (
	// layer0Multiplier is the connection capacity multiplier at layer 0.
	layer0Multiplier = 2

	// minimumM is the smallest valid value for M.
	minimumM = 2

	// DefaultM is the default number of bidirectional links per node.
	DefaultM = 16

	// DefaultEfConstruction is the default candidate list size during insert.
	DefaultEfConstruction = 200

	// DefaultEfSearch is the default candidate list size during search.
	DefaultEfSearch = 50

	// ctxCheckInterval is how many candidate expansions happen between
	// context deadline checks during beam search.
	ctxCheckInterval = 64

	numLockShards = 1024
)

// VectorSource resolves internal ids to their (decoded, metric-adjusted)
// vectors. Implementations must be safe for concurrent use.
type VectorSource interface {
	Vector(internal uint32) ([]float32, bool)
}

// Result is a single nearest-neighbor hit, ordered closest first.
type Result struct {
	ID       uint32
	Distance float32
}

// Options represents the options for configuring the graph.
type Options struct {
	Dimension      int
	M              int
	EfConstruction int
	EfSearch       int
	Metric         distance.Metric
	RandomSeed     *int64
}

// DefaultOptions are the default graph options.
var DefaultOptions = Options{
	M:              DefaultM,
	EfConstruction: DefaultEfConstruction,
	EfSearch:       DefaultEfSearch,
	Metric:         distance.MetricCosine,
}

// node is the per-id adjacency data. neighbors has level+1 layers.
type node struct {
	level     int32
	neighbors [][]uint32
}

// Graph is the HNSW index.
//
// One writer may mutate the graph while readers search concurrently: the node
// table is copy-on-write, per-node adjacency is guarded by sharded locks, and
// the entry point is atomic, so a reader never observes a torn neighbor list.
type Graph struct {
	entryPoint atomic.Int64 // internal id, -1 when the graph is empty
	maxLevel   atomic.Int32
	count      atomic.Int64 // live (non-tombstoned) nodes

	nodes  atomic.Pointer[[]*node]
	growMu sync.Mutex

	shardedLocks []sync.RWMutex

	tombMu     sync.RWMutex
	tombstones *bitset.Set

	source   VectorSource
	distFunc distance.Func

	rngMu sync.Mutex
	rng   *rand.Rand

	maxConnsPerLayer int
	maxConnsLayer0   int
	levelMultiplier  float64
	opts             Options

	minQueuePool *sync.Pool
	maxQueuePool *sync.Pool
	visitedPool  *sync.Pool
}

// New creates a Graph backed by the given vector source.
func New(source VectorSource, optFns ...func(o *Options)) (*Graph, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if source == nil {
		return nil, fmt.Errorf("hnsw: nil vector source")
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: invalid dimension: %d", opts.Dimension)
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EfConstruction <= 0 {
		opts.EfConstruction = DefaultEfConstruction
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = DefaultEfSearch
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	g := &Graph{
		source:           source,
		distFunc:         distFunc,
		rng:              rng,
		maxConnsPerLayer: opts.M,
		maxConnsLayer0:   layer0Multiplier * opts.M,
		levelMultiplier:  1.0 / math.Log(float64(opts.M)),
		opts:             opts,
		shardedLocks:     make([]sync.RWMutex, numLockShards),
		tombstones:       bitset.New(1024),
		minQueuePool: &sync.Pool{
			New: func() any { return queue.NewMin(opts.EfConstruction) },
		},
		maxQueuePool: &sync.Pool{
			New: func() any { return queue.NewMax(opts.EfConstruction) },
		},
		visitedPool: &sync.Pool{
			New: func() any { return visited.New(1024) },
		},
	}

	g.entryPoint.Store(-1)
	empty := make([]*node, 0)
	g.nodes.Store(&empty)

	return g, nil
}

// Options returns the effective graph options.
func (g *Graph) Options() Options { return g.opts }

// Count returns the number of live nodes.
func (g *Graph) Count() int { return int(g.count.Load()) }

// TombstoneCount returns the number of tombstoned nodes still in the graph.
func (g *Graph) TombstoneCount() int {
	g.tombMu.RLock()
	defer g.tombMu.RUnlock()
	return g.tombstones.Count()
}

// Contains reports whether id is a live node.
func (g *Graph) Contains(id uint32) bool {
	if g.isTombstoned(id) {
		return false
	}
	return g.node(id) != nil
}

// EntryPoint returns the current entry point id, or false when empty.
func (g *Graph) EntryPoint() (uint32, bool) {
	ep := g.entryPoint.Load()
	if ep < 0 {
		return 0, false
	}
	return uint32(ep), true
}

// MemoryBytes estimates the adjacency memory footprint.
func (g *Graph) MemoryBytes() int64 {
	nodes := *g.nodes.Load()
	size := int64(len(nodes)) * 8
	for id, n := range nodes {
		if n == nil {
			continue
		}
		g.lockShard(uint32(id)).RLock()
		for _, conns := range n.neighbors {
			size += 24 + int64(cap(conns))*4
		}
		g.lockShard(uint32(id)).RUnlock()
	}
	return size
}

// Insert adds the vector with the given internal id to the graph.
// The vector is fetched from the source; the id must resolve.
func (g *Graph) Insert(ctx context.Context, id uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	vec, ok := g.source.Vector(id)
	if !ok {
		return fmt.Errorf("hnsw: no vector for id %d", id)
	}
	if g.node(id) != nil {
		return fmt.Errorf("hnsw: id %d already in graph", id)
	}

	level := g.randomLevel()
	n := &node{level: int32(level), neighbors: make([][]uint32, level+1)}

	// First node becomes the entry point.
	if g.entryPoint.Load() < 0 {
		g.growMu.Lock()
		if g.entryPoint.Load() < 0 {
			g.setNodeLocked(id, n)
			g.maxLevel.Store(int32(level))
			g.entryPoint.Store(int64(id))
			g.count.Add(1)
			g.growMu.Unlock()
			return nil
		}
		g.growMu.Unlock()
	}

	g.setNode(id, n)

	if err := g.link(id, vec, level); err != nil {
		return err
	}
	g.count.Add(1)

	if level > int(g.maxLevel.Load()) {
		g.growMu.Lock()
		if level > int(g.maxLevel.Load()) {
			g.maxLevel.Store(int32(level))
			g.entryPoint.Store(int64(id))
		}
		g.growMu.Unlock()
	}

	return nil
}

// link runs the greedy descent and bidirectional linking for a new node.
func (g *Graph) link(id uint32, vec []float32, level int) error {
	currID := uint32(g.entryPoint.Load())
	currDist := g.dist(vec, currID)
	maxLevel := int(g.maxLevel.Load())

	for l := maxLevel; l > level; l-- {
		currID, currDist = g.greedyStep(vec, currID, currDist, l)
	}

	for l := min(level, maxLevel); l >= 0; l-- {
		candidates := g.searchLayer(context.Background(), vec, currID, currDist, l, g.opts.EfConstruction, nil, true)

		if best, ok := candidates.MinItem(); ok {
			currID = best.ID
			currDist = best.Distance
		}

		maxConns := g.maxConnsPerLayer
		if l == 0 {
			maxConns = g.maxConnsLayer0
		}

		neighbors := g.selectNeighbors(candidates, maxConns)

		candidates.Reset()
		g.maxQueuePool.Put(candidates)

		g.lockShard(id).Lock()
		g.setConnections(id, l, neighbors)
		g.lockShard(id).Unlock()

		for _, neighborID := range neighbors {
			g.addConnection(neighborID, id, l)
		}
	}

	return nil
}

// Delete tombstones a node. Searches skip it immediately; the node stays in
// the graph for routing until Remove. If the node was the entry point, a live
// node is promoted so insertion and search always start from live data.
func (g *Graph) Delete(id uint32) error {
	if g.node(id) == nil {
		return fmt.Errorf("hnsw: id %d not in graph", id)
	}

	g.tombMu.Lock()
	changed := g.tombstones.Set(id)
	g.tombMu.Unlock()
	if !changed {
		return nil
	}

	g.count.Add(-1)

	if uint32(g.entryPoint.Load()) == id {
		g.promoteEntryPoint()
	}
	return nil
}

// promoteEntryPoint moves the entry point to the highest-level live node,
// or clears it when no live node remains.
func (g *Graph) promoteEntryPoint() {
	g.growMu.Lock()
	defer g.growMu.Unlock()

	nodes := *g.nodes.Load()

	bestID := int64(-1)
	bestLevel := int32(-1)
	for id, n := range nodes {
		if n == nil || g.isTombstoned(uint32(id)) {
			continue
		}
		if n.level > bestLevel {
			bestLevel = n.level
			bestID = int64(id)
		}
	}

	g.entryPoint.Store(bestID)
	if bestID < 0 {
		g.maxLevel.Store(0)
	} else {
		g.maxLevel.Store(bestLevel)
	}
}

// Remove physically drops the given nodes and repairs connectivity by
// relinking each removed node's live neighbors to each other.
func (g *Graph) Remove(ctx context.Context, ids []uint32) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := g.node(id)
		if n == nil {
			continue
		}

		for l := 0; l <= int(n.level); l++ {
			conns := g.getConnections(id, l)

			live := make([]uint32, 0, len(conns))
			for _, c := range conns {
				g.removeConnection(c, id, l)
				if !g.isTombstoned(c) && g.node(c) != nil {
					live = append(live, c)
				}
			}

			// Bridge the hole: offer each surviving neighbor the others as
			// candidate links, subject to the usual pruning.
			for i, a := range live {
				for j, b := range live {
					if i == j {
						continue
					}
					g.addConnection(a, b, l)
				}
			}
		}

		g.setNode(id, nil)
		g.tombMu.Lock()
		g.tombstones.Unset(id)
		g.tombMu.Unlock()

		if uint32(g.entryPoint.Load()) == id {
			g.promoteEntryPoint()
		}
	}

	return nil
}

// Search returns up to k live nodes closest to the query, ordered closest
// first with ties broken toward the smaller id. filter restricts results
// during traversal. When the context deadline expires mid-search the best
// results found so far are returned.
func (g *Graph) Search(ctx context.Context, query []float32, k, ef int, filter func(uint32) bool) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ep := g.entryPoint.Load()
	if ep < 0 {
		return nil, nil
	}

	if ef <= 0 {
		ef = g.opts.EfSearch
	}
	if ef < k {
		ef = k
	}

	currID := uint32(ep)
	currDist := g.dist(query, currID)
	maxLevel := int(g.maxLevel.Load())

	for l := maxLevel; l > 0; l-- {
		currID, currDist = g.greedyStep(query, currID, currDist, l)
	}

	results := g.searchLayer(ctx, query, currID, currDist, 0, ef, filter, false)
	defer func() {
		results.Reset()
		g.maxQueuePool.Put(results)
	}()

	for results.Len() > k {
		_, _ = results.PopItem()
	}

	res := make([]Result, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := results.PopItem()
		res[i] = Result{ID: item.ID, Distance: item.Distance}
	}
	return res, nil
}

// greedyStep descends greedily within one layer, returning the closest node.
func (g *Graph) greedyStep(query []float32, currID uint32, currDist float32, level int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		for _, nextID := range g.getConnections(currID, level) {
			nextDist := g.dist(query, nextID)
			if nextDist < currDist || (nextDist == currDist && nextID < currID) {
				currID = nextID
				currDist = nextDist
				changed = true
			}
		}
	}
	return currID, currDist
}

// searchLayer runs beam search within one layer. The returned max-queue holds
// up to ef results and must be returned to maxQueuePool by the caller.
// Tombstoned nodes are traversed for routing but never enter the results
// unless includeTombstoned is set (insertion links through them).
func (g *Graph) searchLayer(ctx context.Context, query []float32, epID uint32, epDist float32, level, ef int, filter func(uint32) bool, includeTombstoned bool) *queue.PriorityQueue {
	vis := g.visitedPool.Get().(*visited.Set)
	vis.Reset()
	defer g.visitedPool.Put(vis)

	candidates := g.minQueuePool.Get().(*queue.PriorityQueue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		g.minQueuePool.Put(candidates)
	}()

	results := g.maxQueuePool.Get().(*queue.PriorityQueue)
	results.Reset()

	vis.Visit(epID)
	candidates.PushItem(queue.Item{ID: epID, Distance: epDist})
	if g.admissible(epID, filter, includeTombstoned) {
		results.PushItem(queue.Item{ID: epID, Distance: epDist})
	}

	steps := 0
	for candidates.Len() > 0 {
		steps++
		if steps%ctxCheckInterval == 0 && ctx.Err() != nil {
			break
		}

		curr, _ := candidates.PopItem()

		if results.Len() >= ef {
			worst, _ := results.TopItem()
			if curr.Distance > worst.Distance {
				break
			}
		}

		for _, nextID := range g.getConnections(curr.ID, level) {
			if vis.Visited(nextID) {
				continue
			}
			vis.Visit(nextID)

			nextDist := g.dist(query, nextID)

			// Once ef results are held, skip candidates that cannot improve.
			// With a filter active traversal stays permissive so the search
			// does not get trapped inside a filtered-out region.
			if filter == nil && results.Len() >= ef {
				worst, _ := results.TopItem()
				if nextDist > worst.Distance {
					continue
				}
			}

			candidates.PushItem(queue.Item{ID: nextID, Distance: nextDist})
			if g.admissible(nextID, filter, includeTombstoned) {
				results.PushItem(queue.Item{ID: nextID, Distance: nextDist})
				if results.Len() > ef {
					_, _ = results.PopItem()
				}
			}
		}
	}

	return results
}

func (g *Graph) admissible(id uint32, filter func(uint32) bool, includeTombstoned bool) bool {
	if filter != nil && !filter(id) {
		return false
	}
	if includeTombstoned {
		return true
	}
	return !g.isTombstoned(id)
}

// selectNeighbors applies the diversity heuristic to a max-queue of
// candidates, keeping up to m neighbors.
func (g *Graph) selectNeighbors(candidates *queue.PriorityQueue, m int) []uint32 {
	if candidates.Len() <= m {
		return g.selectNeighborsSimple(candidates, m)
	}

	// Drain to a slice ordered nearest first. The queue is a max-heap, so
	// popping yields farthest first.
	temp := make([]queue.Item, candidates.Len())
	for i := len(temp) - 1; i >= 0; i-- {
		temp[i], _ = candidates.PopItem()
	}

	result := make([]uint32, 0, m)
	resultVecs := make([][]float32, 0, m)

	// Relative neighborhood: keep a candidate only if no already-selected
	// neighbor is closer to it than the new node is.
	for _, cand := range temp {
		if len(result) >= m {
			break
		}

		candVec, ok := g.source.Vector(cand.ID)
		if !ok {
			continue
		}

		good := true
		for _, resVec := range resultVecs {
			if g.distFunc(candVec, resVec) < cand.Distance {
				good = false
				break
			}
		}

		if good {
			result = append(result, cand.ID)
			resultVecs = append(resultVecs, candVec)
		}
	}

	// Top up with the nearest remaining candidates.
	for _, cand := range temp {
		if len(result) >= m {
			break
		}
		seen := false
		for _, r := range result {
			if r == cand.ID {
				seen = true
				break
			}
		}
		if !seen {
			result = append(result, cand.ID)
		}
	}

	return result
}

func (g *Graph) selectNeighborsSimple(candidates *queue.PriorityQueue, m int) []uint32 {
	for candidates.Len() > m {
		_, _ = candidates.PopItem()
	}

	res := make([]uint32, 0, candidates.Len())
	for candidates.Len() > 0 {
		item, _ := candidates.PopItem()
		res = append(res, item.ID)
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res
}

// addConnection links source -> target at the given level, pruning with the
// diversity heuristic when the layer is full.
func (g *Graph) addConnection(sourceID, targetID uint32, level int) {
	g.lockShard(sourceID).Lock()
	defer g.lockShard(sourceID).Unlock()

	n := g.node(sourceID)
	if n == nil || level > int(n.level) {
		return
	}

	conns := n.neighbors[level]
	for _, c := range conns {
		if c == targetID {
			return
		}
	}

	maxConns := g.maxConnsPerLayer
	if level == 0 {
		maxConns = g.maxConnsLayer0
	}

	if len(conns) < maxConns {
		g.setConnections(sourceID, level, append(conns, targetID))
		return
	}

	vSource, ok := g.source.Vector(sourceID)
	if !ok {
		return
	}

	candidates := g.maxQueuePool.Get().(*queue.PriorityQueue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		g.maxQueuePool.Put(candidates)
	}()

	for _, c := range conns {
		candidates.PushItem(queue.Item{ID: c, Distance: g.dist(vSource, c)})
	}
	candidates.PushItem(queue.Item{ID: targetID, Distance: g.dist(vSource, targetID)})

	g.setConnections(sourceID, level, g.selectNeighbors(candidates, maxConns))
}

func (g *Graph) removeConnection(sourceID, targetID uint32, level int) {
	g.lockShard(sourceID).Lock()
	defer g.lockShard(sourceID).Unlock()

	n := g.node(sourceID)
	if n == nil || level > int(n.level) {
		return
	}

	conns := n.neighbors[level]
	for i, c := range conns {
		if c == targetID {
			conns[i] = conns[len(conns)-1]
			n.neighbors[level] = conns[:len(conns)-1]
			return
		}
	}
}

// getConnections returns a snapshot of a node's neighbors at a level.
func (g *Graph) getConnections(id uint32, level int) []uint32 {
	g.lockShard(id).RLock()
	defer g.lockShard(id).RUnlock()

	n := g.node(id)
	if n == nil || level > int(n.level) {
		return nil
	}

	conns := n.neighbors[level]
	out := make([]uint32, len(conns))
	copy(out, conns)
	return out
}

// setConnections replaces a node's neighbor list at a level.
// Caller holds the node's shard lock.
func (g *Graph) setConnections(id uint32, level int, conns []uint32) {
	n := g.node(id)
	if n == nil || level > int(n.level) {
		return
	}
	n.neighbors[level] = conns
}

func (g *Graph) node(id uint32) *node {
	nodes := *g.nodes.Load()
	if int(id) >= len(nodes) {
		return nil
	}
	return nodes[id]
}

// setNode publishes a node in the table, growing copy-on-write so concurrent
// readers keep a consistent view.
func (g *Graph) setNode(id uint32, n *node) {
	g.growMu.Lock()
	defer g.growMu.Unlock()
	g.setNodeLocked(id, n)
}

func (g *Graph) setNodeLocked(id uint32, n *node) {
	nodes := *g.nodes.Load()
	if int(id) < len(nodes) {
		nodes[id] = n
		return
	}

	newLen := len(nodes) * 2
	if newLen < int(id)+1 {
		newLen = int(id) + 1
	}
	grown := make([]*node, newLen)
	copy(grown, nodes)
	grown[id] = n
	g.nodes.Store(&grown)
}

func (g *Graph) isTombstoned(id uint32) bool {
	g.tombMu.RLock()
	defer g.tombMu.RUnlock()
	return g.tombstones.Test(id)
}

func (g *Graph) lockShard(id uint32) *sync.RWMutex {
	return &g.shardedLocks[id%numLockShards]
}

func (g *Graph) dist(v []float32, id uint32) float32 {
	vec, ok := g.source.Vector(id)
	if !ok {
		return math.MaxFloat32
	}
	return g.distFunc(v, vec)
}

// randomLevel draws a level from the exponential layer distribution.
func (g *Graph) randomLevel() int {
	g.rngMu.Lock()
	r := g.rng.Float64()
	g.rngMu.Unlock()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	return int(math.Floor(-math.Log(r) * g.levelMultiplier))
}

package hnsw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Snapshot wire layout, little-endian:
//
//	u32 nodeCount
//	per node: u32 id, i32 level, per layer: u32 connCount, u32 conns...
//	i64 entryPoint
//	i32 maxLevel
//	u32 tombstoneCount, u32 ids...
//
// Framing, compression and checksumming are the persistence layer's job.

const snapshotMaxLevel = 64

// WriteTo serializes the graph topology. Callers must not mutate the graph
// concurrently.
func (g *Graph) WriteTo(w io.Writer) (int64, error) {
	buf := bufio.NewWriter(w)
	bw := &countingWriter{w: buf}

	nodes := *g.nodes.Load()

	var nodeCount uint32
	for _, n := range nodes {
		if n != nil {
			nodeCount++
		}
	}

	if err := writeU32(bw, nodeCount); err != nil {
		return bw.n, err
	}

	for id, n := range nodes {
		if n == nil {
			continue
		}
		if err := writeU32(bw, uint32(id)); err != nil {
			return bw.n, err
		}
		if err := writeI32(bw, n.level); err != nil {
			return bw.n, err
		}
		for _, conns := range n.neighbors {
			if err := writeU32(bw, uint32(len(conns))); err != nil {
				return bw.n, err
			}
			for _, c := range conns {
				if err := writeU32(bw, c); err != nil {
					return bw.n, err
				}
			}
		}
	}

	if err := binary.Write(bw, binary.LittleEndian, g.entryPoint.Load()); err != nil {
		return bw.n, err
	}
	if err := writeI32(bw, g.maxLevel.Load()); err != nil {
		return bw.n, err
	}

	g.tombMu.RLock()
	tombs := make([]uint32, 0, g.tombstones.Count())
	g.tombstones.ForEach(func(id uint32) bool {
		tombs = append(tombs, id)
		return true
	})
	g.tombMu.RUnlock()

	if err := writeU32(bw, uint32(len(tombs))); err != nil {
		return bw.n, err
	}
	for _, id := range tombs {
		if err := writeU32(bw, id); err != nil {
			return bw.n, err
		}
	}

	return bw.n, buf.Flush()
}

// ReadFrom restores graph topology serialized by WriteTo into an empty graph.
func (g *Graph) ReadFrom(r io.Reader) (int64, error) {
	if len(*g.nodes.Load()) != 0 {
		return 0, fmt.Errorf("hnsw: snapshot restore into non-empty graph")
	}

	br := &countingReader{r: bufio.NewReader(r)}

	nodeCount, err := readU32(br)
	if err != nil {
		return br.n, err
	}

	for i := uint32(0); i < nodeCount; i++ {
		id, err := readU32(br)
		if err != nil {
			return br.n, err
		}
		level, err := readI32(br)
		if err != nil {
			return br.n, err
		}
		if level < 0 || level > snapshotMaxLevel {
			return br.n, fmt.Errorf("hnsw: snapshot node %d has invalid level %d", id, level)
		}

		n := &node{level: level, neighbors: make([][]uint32, level+1)}
		for l := int32(0); l <= level; l++ {
			connCount, err := readU32(br)
			if err != nil {
				return br.n, err
			}
			if int(connCount) > g.maxConnsLayer0 {
				return br.n, fmt.Errorf("hnsw: snapshot node %d layer %d has %d connections", id, l, connCount)
			}
			conns := make([]uint32, connCount)
			for c := range conns {
				if conns[c], err = readU32(br); err != nil {
					return br.n, err
				}
			}
			n.neighbors[l] = conns
		}
		g.setNode(id, n)
	}

	var entryPoint int64
	if err := binary.Read(br, binary.LittleEndian, &entryPoint); err != nil {
		return br.n, err
	}
	maxLevel, err := readI32(br)
	if err != nil {
		return br.n, err
	}

	tombCount, err := readU32(br)
	if err != nil {
		return br.n, err
	}
	g.tombMu.Lock()
	for i := uint32(0); i < tombCount; i++ {
		id, err := readU32(br)
		if err != nil {
			g.tombMu.Unlock()
			return br.n, err
		}
		g.tombstones.Set(id)
	}
	tombstoned := g.tombstones.Count()
	g.tombMu.Unlock()

	g.entryPoint.Store(entryPoint)
	g.maxLevel.Store(maxLevel)
	g.count.Store(int64(int(nodeCount) - tombstoned))

	return br.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeI32(w io.Writer, v int32) error {
	return writeU32(w, uint32(v))
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readI32(r io.Reader) (int32, error) {
	v, err := readU32(r)
	return int32(v), err
}

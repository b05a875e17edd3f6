package vector

import (
	"bufio"
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"
	"sync"

	"github.com/hyperjump/shiori/pkg/utils"
)

const (
	hnswMagic   = "SHNW"
	hnswVersion = uint32(1)
	// upper bound for a node's random layer
	hnswLevelCap = 16
	// compaction is skipped for graphs this small.
	hnswCompactMin = 64
)

// HNSWConfig holds graph construction and search parameters.
type HNSWConfig struct {
	M              int   // neighbours per node on upper layers; layer 0 keeps 2*M
	EfConstruction int   // candidate list size while inserting
	EfSearch       int   // candidate list size while searching
	Seed           int64 // level generator seed
}

// DefaultHNSWConfig returns the parameters used when none are configured.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: 16, EfConstruction: 200, EfSearch: 64, Seed: 42}
}

func (c HNSWConfig) withDefaults() HNSWConfig {
	d := DefaultHNSWConfig()
	if c.M < 2 {
		c.M = d.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = d.EfConstruction
	}
	if c.EfConstruction < c.M {
		c.EfConstruction = c.M
	}
	if c.EfSearch <= 0 {
		c.EfSearch = d.EfSearch
	}
	return c
}

type hnswNode struct {
	id      string
	vec     []float32
	level   int
	friends [][]uint32
	deleted bool
}

// HNSWIndex is an approximate nearest-neighbour index over a hierarchical navigable
// small-world graph. Removed and replaced vectors are tombstoned and stay in the
// graph for traversal until the next compaction.
type HNSWIndex struct {
	dimensions int
	cfg        HNSWConfig
	ml         float64
	rng        *rand.Rand

	nodes    []*hnswNode
	byID     map[string]uint32
	entry    int
	maxLevel int
	deleted  int

	mu sync.RWMutex
}

// NewHNSWIndex creates an empty graph index of the given dimension.
func NewHNSWIndex(dimensions int, cfg HNSWConfig) (*HNSWIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	cfg = cfg.withDefaults()
	h := &HNSWIndex{dimensions: dimensions, cfg: cfg}
	h.reset()
	return h, nil
}

func (h *HNSWIndex) reset() {
	h.ml = 1 / math.Log(float64(h.cfg.M))
	h.rng = rand.New(rand.NewSource(h.cfg.Seed))
	h.nodes = nil
	h.byID = make(map[string]uint32)
	h.entry = -1
	h.maxLevel = 0
	h.deleted = 0
}

// Type returns the index type identifier.
func (h *HNSWIndex) Type() string {
	return string(IndexTypeHNSW)
}

// Add inserts vectors. An id already present is tombstoned and inserted again.
func (h *HNSWIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	norm := make([][]float32, len(vectors))
	for i, v := range vectors {
		n, err := normalized(v, h.dimensions)
		if err != nil {
			return fmt.Errorf("vector %q: %w", ids[i], err)
		}
		norm[i] = n
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.tombstone(id)
		h.insert(id, norm[i])
	}
	h.maybeCompact()
	return nil
}

// Remove tombstones the given ids. Unknown ids are ignored.
func (h *HNSWIndex) Remove(ctx context.Context, ids []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		h.tombstone(id)
	}
	h.maybeCompact()
	return nil
}

func (h *HNSWIndex) tombstone(id string) {
	n, ok := h.byID[id]
	if !ok {
		return
	}
	h.nodes[n].deleted = true
	h.deleted++
	delete(h.byID, id)
}

// maybeCompact rebuilds the graph from live nodes once tombstones dominate it.
func (h *HNSWIndex) maybeCompact() {
	if len(h.byID) == 0 {
		h.reset()
		return
	}
	if h.deleted*2 <= len(h.nodes) || len(h.nodes) <= hnswCompactMin {
		return
	}
	live := make([]*hnswNode, 0, len(h.byID))
	for _, n := range h.nodes {
		if !n.deleted {
			live = append(live, n)
		}
	}
	h.reset()
	for _, n := range live {
		h.insert(n.id, n.vec)
	}
}

func (h *HNSWIndex) randomLevel() int {
	l := int(math.Floor(-math.Log(1-h.rng.Float64()) * h.ml))
	if l > hnswLevelCap {
		l = hnswLevelCap
	}
	return l
}

func (h *HNSWIndex) maxConn(level int) int {
	if level == 0 {
		return 2 * h.cfg.M
	}
	return h.cfg.M
}

func (h *HNSWIndex) dist(q []float32, n uint32) float64 {
	return CosineDistance(q, h.nodes[n].vec)
}

func (h *HNSWIndex) insert(id string, vec []float32) {
	level := h.randomLevel()
	n := uint32(len(h.nodes))
	node := &hnswNode{id: id, vec: vec, level: level, friends: make([][]uint32, level+1)}
	h.nodes = append(h.nodes, node)
	h.byID[id] = n
	if h.entry < 0 {
		h.entry = int(n)
		h.maxLevel = level
		return
	}

	ep := []candidate{{id: uint32(h.entry), dist: h.dist(vec, uint32(h.entry))}}
	for l := h.maxLevel; l > level; l-- {
		ep = h.searchLayer(vec, ep, 1, l)[:1]
	}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		cands := h.searchLayer(vec, ep, h.cfg.EfConstruction, l)
		neighbours := h.selectNeighbours(cands, h.cfg.M)
		node.friends[l] = make([]uint32, 0, len(neighbours))
		for _, c := range neighbours {
			node.friends[l] = append(node.friends[l], c.id)
			h.link(c.id, n, l)
		}
		ep = cands
	}
	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = int(n)
	}
}

// link adds a directed edge from a to b and shrinks a's list when it overflows.
func (h *HNSWIndex) link(a, b uint32, level int) {
	node := h.nodes[a]
	node.friends[level] = append(node.friends[level], b)
	limit := h.maxConn(level)
	if len(node.friends[level]) <= limit {
		return
	}
	cands := make([]candidate, len(node.friends[level]))
	for i, f := range node.friends[level] {
		cands[i] = candidate{id: f, dist: h.dist(node.vec, f)}
	}
	sortCandidates(cands)
	kept := h.selectNeighbours(cands, limit)
	node.friends[level] = node.friends[level][:0]
	for _, c := range kept {
		node.friends[level] = append(node.friends[level], c.id)
	}
}

// selectNeighbours applies the diversity heuristic to cands (ascending by
// distance) and tops up with pruned candidates while fewer than m are kept.
func (h *HNSWIndex) selectNeighbours(cands []candidate, m int) []candidate {
	if len(cands) <= m {
		return cands
	}
	selected := make([]candidate, 0, m)
	var pruned []candidate
	for _, c := range cands {
		if len(selected) >= m {
			break
		}
		good := true
		for _, s := range selected {
			if CosineDistance(h.nodes[c.id].vec, h.nodes[s.id].vec) < c.dist {
				good = false
				break
			}
		}
		if good {
			selected = append(selected, c)
		} else {
			pruned = append(pruned, c)
		}
	}
	for _, p := range pruned {
		if len(selected) >= m {
			break
		}
		selected = append(selected, p)
	}
	return selected
}

// searchLayer returns up to ef nodes closest to q on one layer, ascending by
// distance. Tombstoned nodes are traversed and returned.
func (h *HNSWIndex) searchLayer(q []float32, ep []candidate, ef, level int) []candidate {
	visited := make(map[uint32]struct{}, ef*4)
	cands := &minHeap{}
	found := &maxHeap{}
	for _, c := range ep {
		visited[c.id] = struct{}{}
		heap.Push(cands, c)
		heap.Push(found, c)
	}
	for found.Len() > ef {
		heap.Pop(found)
	}
	for cands.Len() > 0 {
		c := heap.Pop(cands).(candidate)
		if found.Len() >= ef && c.dist > (*found)[0].dist {
			break
		}
		for _, nb := range h.nodes[c.id].friends[level] {
			if _, ok := visited[nb]; ok {
				continue
			}
			visited[nb] = struct{}{}
			d := h.dist(q, nb)
			if found.Len() < ef || d < (*found)[0].dist {
				heap.Push(cands, candidate{id: nb, dist: d})
				heap.Push(found, candidate{id: nb, dist: d})
				if found.Len() > ef {
					heap.Pop(found)
				}
			}
		}
	}
	out := make([]candidate, found.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(found).(candidate)
	}
	return out
}

// Search returns up to k live vectors accepted by filter, closest first. When the
// filter rejects too much of the candidate list, ef is doubled and the search repeated.
func (h *HNSWIndex) Search(ctx context.Context, query []float32, k int, filter Filter) ([]*VectorResult, error) {
	q, err := normalized(query, h.dimensions)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if k <= 0 || len(h.byID) == 0 {
		return nil, nil
	}
	ep := []candidate{{id: uint32(h.entry), dist: h.dist(q, uint32(h.entry))}}
	for l := h.maxLevel; l > 0; l-- {
		ep = h.searchLayer(q, ep, 1, l)[:1]
	}
	ef := max(h.cfg.EfSearch, k)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cands := h.searchLayer(q, ep, ef, 0)
		results := make([]*VectorResult, 0, k)
		for _, c := range cands {
			node := h.nodes[c.id]
			if node.deleted || (filter != nil && !filter(node.id)) {
				continue
			}
			results = append(results, newResult(node.id, c.dist))
		}
		if len(results) >= k || ef >= len(h.nodes) {
			sortResults(results)
			if len(results) > k {
				results = results[:k]
			}
			return results, nil
		}
		ef *= 2
	}
}

// Contains reports whether id is indexed and live.
func (h *HNSWIndex) Contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byID[id]
	return ok
}

// IDs returns the live ids in insertion order.
func (h *HNSWIndex) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byID))
	for _, n := range h.nodes {
		if !n.deleted {
			out = append(out, n.id)
		}
	}
	return out
}

// Size returns the number of live vectors.
func (h *HNSWIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// Close is a no-op.
func (h *HNSWIndex) Close() error {
	return nil
}

// Save writes the graph, tombstones included, to path.
func (h *HNSWIndex) Save(path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if path == "" {
		return nil
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		if _, err := io.WriteString(w, hnswMagic); err != nil {
			return fmt.Errorf("write magic: %w", err)
		}
		header := []any{
			hnswVersion, uint32(h.dimensions),
			uint32(h.cfg.M), uint32(h.cfg.EfConstruction), uint32(h.cfg.EfSearch), h.cfg.Seed,
			uint32(len(h.nodes)), int32(h.entry), int32(h.maxLevel),
		}
		for _, v := range header {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return fmt.Errorf("write header: %w", err)
			}
		}
		for _, n := range h.nodes {
			if err := writeString(w, n.id); err != nil {
				return err
			}
			var deleted uint8
			if n.deleted {
				deleted = 1
			}
			if err := binary.Write(w, binary.LittleEndian, deleted); err != nil {
				return fmt.Errorf("write node: %w", err)
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(n.level)); err != nil {
				return fmt.Errorf("write node: %w", err)
			}
			if _, err := w.Write(utils.Float32sToBytes(n.vec)); err != nil {
				return fmt.Errorf("write vector: %w", err)
			}
			for _, fr := range n.friends {
				if err := binary.Write(w, binary.LittleEndian, uint32(len(fr))); err != nil {
					return fmt.Errorf("write neighbours: %w", err)
				}
				if err := binary.Write(w, binary.LittleEndian, fr); err != nil {
					return fmt.Errorf("write neighbours: %w", err)
				}
			}
		}
		return nil
	})
}

// Load replaces the graph with the one stored at path. A missing file leaves the
// index unchanged. The configured EfSearch is kept; construction parameters come
// from the file.
func (h *HNSWIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, len(hnswMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != hnswMagic {
		return fmt.Errorf("not an hnsw index file: %s", path)
	}
	var (
		version, dim, m, efc, efs, count uint32
		seed                             int64
		entry, maxLevel                  int32
	)
	for _, v := range []any{&version, &dim, &m, &efc, &efs, &seed, &count, &entry, &maxLevel} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("read header: %w", err)
		}
	}
	if version != hnswVersion {
		return fmt.Errorf("unsupported hnsw index version %d", version)
	}
	if int(dim) != h.dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, index expects %d", dim, h.dimensions)
	}

	nodes := make([]*hnswNode, 0, count)
	byID := make(map[string]uint32, count)
	deleted := 0
	buf := make([]byte, h.dimensions*4)
	for i := uint32(0); i < count; i++ {
		id, err := readString(r)
		if err != nil {
			return err
		}
		var del uint8
		var level uint32
		if err := binary.Read(r, binary.LittleEndian, &del); err != nil {
			return fmt.Errorf("read node: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &level); err != nil {
			return fmt.Errorf("read node: %w", err)
		}
		if level > hnswLevelCap {
			return fmt.Errorf("corrupt hnsw index: node level %d", level)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		vec, _ := utils.BytesToFloat32s(buf)
		node := &hnswNode{id: id, vec: vec, level: int(level), deleted: del == 1, friends: make([][]uint32, level+1)}
		for l := range node.friends {
			var n uint32
			if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
				return fmt.Errorf("read neighbours: %w", err)
			}
			if n > count {
				return fmt.Errorf("corrupt hnsw index: %d neighbours", n)
			}
			node.friends[l] = make([]uint32, n)
			if err := binary.Read(r, binary.LittleEndian, node.friends[l]); err != nil {
				return fmt.Errorf("read neighbours: %w", err)
			}
			for _, fr := range node.friends[l] {
				if fr >= count {
					return fmt.Errorf("corrupt hnsw index: neighbour %d of %d nodes", fr, count)
				}
			}
		}
		if node.deleted {
			deleted++
		} else {
			byID[id] = i
		}
		nodes = append(nodes, node)
	}
	if count > 0 && (entry < 0 || int(entry) >= len(nodes)) {
		return fmt.Errorf("corrupt hnsw index: entry %d", entry)
	}
	if count > 0 && int(maxLevel) != nodes[entry].level {
		return fmt.Errorf("corrupt hnsw index: max level %d, entry level %d", maxLevel, nodes[entry].level)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = HNSWConfig{M: int(m), EfConstruction: int(efc), EfSearch: h.cfg.EfSearch, Seed: seed}.withDefaults()
	h.reset()
	h.rng = rand.New(rand.NewSource(seed + int64(count)))
	h.nodes, h.byID, h.deleted = nodes, byID, deleted
	h.entry, h.maxLevel = int(entry), int(maxLevel)
	if count == 0 {
		h.entry = -1
	}
	return nil
}

type candidate struct {
	id   uint32
	dist float64
}

func sortCandidates(cs []candidate) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].dist < cs[j].dist })
}

type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

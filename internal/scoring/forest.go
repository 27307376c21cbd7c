package scoring

import (
	"context"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"
)

const eulerGamma = 0.5772156649

// Node is one entry of a flattened isolation tree. Leaves have Left == -1.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Size      int     `json:"n"`
}

func (n Node) leaf() bool {
	return n.Left < 0
}

// Tree is an isolation tree stored as a node slice with the root at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Forest is a trained isolation forest.
type Forest struct {
	Trees      []Tree `json:"trees"`
	SampleSize int    `json:"sample_size"`
	MaxDepth   int    `json:"max_depth"`
}

type forestParams struct {
	trees       int
	maxSamples  int
	maxFeatures float64
	bootstrap   bool
	seed        int64
}

// buildForest grows params.trees trees over rows. Every tree draws from its own RNG seeded
// from a master RNG in tree order, so the result does not depend on goroutine scheduling.
func buildForest(ctx context.Context, rows [][]float64, params forestParams) (*Forest, error) {
	n := len(rows)
	width := len(rows[0])

	sampleSize := params.maxSamples
	if sampleSize <= 0 || sampleSize > n {
		sampleSize = n
	}
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(sampleSize), 2))))

	featuresPerTree := int(params.maxFeatures * float64(width))
	if featuresPerTree < 1 {
		featuresPerTree = 1
	}
	if featuresPerTree > width {
		featuresPerTree = width
	}

	master := rand.New(rand.NewSource(params.seed))
	seeds := make([]int64, params.trees)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	forest := &Forest{
		Trees:      make([]Tree, params.trees),
		SampleSize: sampleSize,
		MaxDepth:   maxDepth,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range seeds {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(seeds[i]))
			b := &treeBuilder{
				rows:     rows,
				rng:      rng,
				maxDepth: maxDepth,
				features: rng.Perm(width)[:featuresPerTree],
			}
			sample := b.sample(n, sampleSize, params.bootstrap)
			b.grow(sample, 0)
			forest.Trees[i] = Tree{Nodes: b.nodes}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return forest, nil
}

type treeBuilder struct {
	rows     [][]float64
	rng      *rand.Rand
	maxDepth int
	features []int
	nodes    []Node
}

func (b *treeBuilder) sample(n, size int, bootstrap bool) []int {
	idx := make([]int, size)
	if bootstrap {
		for i := range idx {
			idx[i] = b.rng.Intn(n)
		}
		return idx
	}
	copy(idx, b.rng.Perm(n)[:size])
	return idx
}

// grow appends the subtree for sample and returns its node index.
func (b *treeBuilder) grow(sample []int, depth int) int {
	pos := len(b.nodes)
	b.nodes = append(b.nodes, Node{Left: -1, Right: -1, Size: len(sample)})

	if len(sample) <= 1 || depth >= b.maxDepth {
		return pos
	}

	// Try the tree's features in random order until one still varies in this node.
	for _, k := range b.rng.Perm(len(b.features)) {
		feature := b.features[k]
		lo, hi := featureRange(b.rows, sample, feature)
		if !(hi > lo) {
			continue
		}
		threshold := lo + b.rng.Float64()*(hi-lo)

		left, right := partition(b.rows, sample, feature, threshold)
		if len(left) == 0 || len(right) == 0 {
			continue
		}

		b.nodes[pos].Feature = feature
		b.nodes[pos].Threshold = threshold
		l := b.grow(left, depth+1)
		r := b.grow(right, depth+1)
		b.nodes[pos].Left = l
		b.nodes[pos].Right = r
		return pos
	}
	return pos
}

func featureRange(rows [][]float64, sample []int, feature int) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, i := range sample {
		v := rows[i][feature]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func partition(rows [][]float64, sample []int, feature int, threshold float64) ([]int, []int) {
	var left, right []int
	for _, i := range sample {
		if rows[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return left, right
}

// pathLength is the depth at which x is isolated, corrected for leaves that still hold
// several samples.
func (t Tree) pathLength(x []float64) float64 {
	i, depth := 0, 0
	for {
		node := t.Nodes[i]
		if node.leaf() {
			return float64(depth) + averagePathLength(node.Size)
		}
		if x[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
		depth++
	}
}

// scoreSample returns -2^(-E[h(x)]/c(psi)); values closer to -1 are more anomalous.
func (f *Forest) scoreSample(x []float64) float64 {
	total := 0.0
	for _, t := range f.Trees {
		total += t.pathLength(x)
	}
	mean := total / float64(len(f.Trees))
	return -math.Pow(2, -mean/averagePathLength(f.SampleSize))
}

// averagePathLength is c(n), the mean path length of an unsuccessful BST search.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	return 2*harmonicNumber(n-1) - 2*float64(n-1)/float64(n)
}

func harmonicNumber(n int) float64 {
	return math.Log(float64(n)) + eulerGamma
}

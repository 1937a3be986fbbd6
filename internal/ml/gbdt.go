package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Params configures gradient boosting. Field names follow the catalog keys.
type Params struct {
	NEstimators     int     `json:"n_estimators" yaml:"n_estimators"`
	MaxDepth        int     `json:"max_depth" yaml:"max_depth"`
	LearningRate    float64 `json:"learning_rate" yaml:"learning_rate"`
	Gamma           float64 `json:"gamma" yaml:"gamma"`
	Lambda          float64 `json:"reg_lambda" yaml:"reg_lambda"`
	MinChildWeight  float64 `json:"min_child_weight" yaml:"min_child_weight"`
	Subsample       float64 `json:"subsample" yaml:"subsample"`
	ColsampleByTree float64 `json:"colsample_bytree" yaml:"colsample_bytree"`
	Seed            int64   `json:"seed" yaml:"seed"`
}

// DefaultParams mirrors the usual boosting defaults.
func DefaultParams() Params {
	return Params{
		NEstimators:     100,
		MaxDepth:        6,
		LearningRate:    0.3,
		Lambda:          1,
		MinChildWeight:  1,
		Subsample:       1,
		ColsampleByTree: 1,
	}
}

// Validate rejects parameters that cannot train.
func (p Params) Validate() error {
	switch {
	case p.NEstimators <= 0:
		return fmt.Errorf("n_estimators must be positive")
	case p.MaxDepth <= 0:
		return fmt.Errorf("max_depth must be positive")
	case p.LearningRate <= 0:
		return fmt.Errorf("learning_rate must be positive")
	case p.Gamma < 0 || p.Lambda < 0 || p.MinChildWeight < 0:
		return fmt.Errorf("gamma, reg_lambda and min_child_weight must not be negative")
	case p.Subsample <= 0 || p.Subsample > 1:
		return fmt.Errorf("subsample must lie in (0, 1]")
	case p.ColsampleByTree <= 0 || p.ColsampleByTree > 1:
		return fmt.Errorf("colsample_bytree must lie in (0, 1]")
	}
	return nil
}

// Node is a tree node. Leaves carry Value; splits send x[Feature] < Threshold left.
type Node struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

// Tree is a flat regression tree rooted at Nodes[0].
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t Tree) predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// GBDT is a binary classifier boosted on the logistic loss.
type GBDT struct {
	Params      Params  `json:"params"`
	NumFeatures int     `json:"num_features"`
	BaseMargin  float64 `json:"base_margin"`
	Trees       []Tree  `json:"trees"`
}

// ErrEmptyTrainingSet is returned when Fit receives no rows.
var ErrEmptyTrainingSet = errors.New("empty training set")

// NewGBDT returns an untrained model.
func NewGBDT(p Params) *GBDT { return &GBDT{Params: p} }

func sigmoid(m float64) float64 { return 1 / (1 + math.Exp(-m)) }

// Fit trains on X with labels y in {0, 1}.
func (m *GBDT) Fit(X [][]float64, y []float64) error {
	if err := m.Params.Validate(); err != nil {
		return err
	}
	if len(X) == 0 {
		return ErrEmptyTrainingSet
	}
	if len(X) != len(y) {
		return fmt.Errorf("fit: %d rows but %d labels", len(X), len(y))
	}
	width := len(X[0])
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("fit: row %d has %d features, want %d", i, len(row), width)
		}
	}
	m.NumFeatures = width
	m.BaseMargin = 0
	m.Trees = m.Trees[:0]

	n := len(X)
	margin := make([]float64, n)
	grad := make([]float64, n)
	hess := make([]float64, n)
	rng := rand.New(rand.NewSource(m.Params.Seed))
	b := builder{x: X, grad: grad, hess: hess, p: m.Params}

	for round := 0; round < m.Params.NEstimators; round++ {
		for i := range X {
			p := sigmoid(margin[i])
			grad[i] = p - y[i]
			hess[i] = math.Max(p*(1-p), 1e-16)
		}
		rows := sampleIndices(rng, n, m.Params.Subsample)
		b.features = sampleIndices(rng, width, m.Params.ColsampleByTree)
		tree := b.build(rows)
		m.Trees = append(m.Trees, tree)
		for i := range X {
			margin[i] += tree.predict(X[i])
		}
	}
	return nil
}

func sampleIndices(rng *rand.Rand, n int, fraction float64) []int {
	if fraction >= 1 {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	k := int(math.Floor(float64(n) * fraction))
	if k < 1 {
		k = 1
	}
	out := rng.Perm(n)[:k]
	sort.Ints(out)
	return out
}

// Margin returns the raw log-odds for x.
func (m *GBDT) Margin(x []float64) float64 {
	out := m.BaseMargin
	for _, t := range m.Trees {
		out += t.predict(x)
	}
	return out
}

// PredictProba returns the positive-class probability of x.
func (m *GBDT) PredictProba(x []float64) float64 {
	return sigmoid(m.Margin(x))
}

// PredictProbaAll scores every row of X.
func (m *GBDT) PredictProbaAll(X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, x := range X {
		out[i] = m.PredictProba(x)
	}
	return out
}

type builder struct {
	x        [][]float64
	grad     []float64
	hess     []float64
	features []int
	p        Params
	tree     Tree
}

func (b *builder) build(rows []int) Tree {
	b.tree = Tree{}
	b.grow(rows, 0)
	return b.tree
}

func (b *builder) sums(rows []int) (g, h float64) {
	for _, r := range rows {
		g += b.grad[r]
		h += b.hess[r]
	}
	return g, h
}

func (b *builder) score(g, h float64) float64 { return g * g / (h + b.p.Lambda) }

func (b *builder) grow(rows []int, depth int) int {
	idx := len(b.tree.Nodes)
	b.tree.Nodes = append(b.tree.Nodes, Node{})
	g, h := b.sums(rows)
	leaf := Node{Leaf: true, Value: -g / (h + b.p.Lambda) * b.p.LearningRate}
	if depth >= b.p.MaxDepth || len(rows) < 2 || h < 2*b.p.MinChildWeight {
		b.tree.Nodes[idx] = leaf
		return idx
	}

	parent := b.score(g, h)
	bestGain, bestFeature, bestThreshold := 0.0, -1, 0.0
	sorted := make([]int, len(rows))
	for _, f := range b.features {
		copy(sorted, rows)
		sort.SliceStable(sorted, func(i, j int) bool { return b.x[sorted[i]][f] < b.x[sorted[j]][f] })
		var gl, hl float64
		for i := 0; i < len(sorted)-1; i++ {
			r := sorted[i]
			gl += b.grad[r]
			hl += b.hess[r]
			cur, next := b.x[r][f], b.x[sorted[i+1]][f]
			if cur == next {
				continue
			}
			gr, hr := g-gl, h-hl
			if hl < b.p.MinChildWeight || hr < b.p.MinChildWeight {
				continue
			}
			gain := 0.5*(b.score(gl, hl)+b.score(gr, hr)-parent) - b.p.Gamma
			if gain > bestGain {
				bestGain, bestFeature, bestThreshold = gain, f, (cur+next)/2
			}
		}
	}
	if bestFeature < 0 {
		b.tree.Nodes[idx] = leaf
		return idx
	}

	var left, right []int
	for _, r := range rows {
		if b.x[r][bestFeature] < bestThreshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	node := Node{Feature: bestFeature, Threshold: bestThreshold}
	node.Left = b.grow(left, depth+1)
	node.Right = b.grow(right, depth+1)
	b.tree.Nodes[idx] = node
	return idx
}

package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Oversampler balances a binary training set by synthesizing minority rows.
// Implementations append synthetic rows after the originals and never
// modify their inputs.
type Oversampler interface {
	Resample(X [][]float64, y []float64) ([][]float64, []float64, error)
}

// Oversampler names accepted by NewOversampler.
const (
	KindSMOTE           = "SMOTE"
	KindRSMOTE          = "R-SMOTE"
	KindBorderlineSMOTE = "Borderline-SMOTE"
	KindSVMSMOTE        = "SVM-SMOTE"
	KindADASYN          = "ADASYN"
)

const (
	defaultK = 5
	defaultM = 10
)

// NewOversampler builds the named oversampler wrapped in Rounding.
func NewOversampler(kind string, seed int64) (Oversampler, error) {
	var inner Oversampler
	switch kind {
	case KindSMOTE, "":
		inner = SMOTE{K: defaultK, Seed: seed}
	case KindRSMOTE:
		inner = RSMOTE{K: defaultK, Seed: seed}
	case KindBorderlineSMOTE:
		inner = BorderlineSMOTE{K: defaultK, M: defaultM, Seed: seed}
	case KindSVMSMOTE:
		inner = SVMSMOTE{K: defaultK, M: defaultM, Seed: seed}
	case KindADASYN:
		inner = ADASYN{K: defaultK, Seed: seed}
	default:
		return nil, fmt.Errorf("unknown oversampler %q", kind)
	}
	return Rounding{Inner: inner}, nil
}

// Rounding rounds every resampled value to the nearest integer so synthetic
// one-hot rows stay binary.
type Rounding struct {
	Inner Oversampler
}

// Resample delegates to Inner and rounds the result.
func (r Rounding) Resample(X [][]float64, y []float64) ([][]float64, []float64, error) {
	outX, outY, err := r.Inner.Resample(X, y)
	if err != nil {
		return nil, nil, err
	}
	rounded := make([][]float64, len(outX))
	for i, row := range outX {
		cp := make([]float64, len(row))
		for j, v := range row {
			cp[j] = math.Round(v)
		}
		rounded[i] = cp
	}
	return rounded, outY, nil
}

// classes splits row indices by label and reports the minority label.
type classes struct {
	minority, majority []int
	label              float64
}

func splitClasses(X [][]float64, y []float64) (classes, error) {
	if len(X) != len(y) {
		return classes{}, fmt.Errorf("resample: %d rows but %d labels", len(X), len(y))
	}
	var pos, neg []int
	for i, v := range y {
		if v > 0.5 {
			pos = append(pos, i)
		} else {
			neg = append(neg, i)
		}
	}
	if len(pos) <= len(neg) {
		return classes{minority: pos, majority: neg, label: 1}, nil
	}
	return classes{minority: neg, majority: pos, label: 0}, nil
}

// degenerate reports whether no synthesis is possible or needed.
func (c classes) degenerate() bool {
	return len(c.minority) < 2 || len(c.majority) == 0 || len(c.minority) == len(c.majority)
}

func copyInput(X [][]float64, y []float64) ([][]float64, []float64) {
	outX := make([][]float64, len(X))
	for i, row := range X {
		outX[i] = append([]float64(nil), row...)
	}
	return outX, append([]float64(nil), y...)
}

// neighbors returns the k indices from pool nearest to X[query], skipping query itself.
func neighbors(X [][]float64, pool []int, query, k int) []int {
	type cand struct {
		idx  int
		dist float64
	}
	cands := make([]cand, 0, len(pool))
	for _, p := range pool {
		if p == query {
			continue
		}
		cands = append(cands, cand{idx: p, dist: floats.Distance(X[query], X[p], 2)})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if k > len(cands) {
		k = len(cands)
	}
	out := make([]int, k)
	for i := 0; i < k; i++ {
		out[i] = cands[i].idx
	}
	return out
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// interpolate returns a + gap*(b - a).
func interpolate(a, b []float64, gap float64) []float64 {
	diff := make([]float64, len(a))
	floats.SubTo(diff, b, a)
	out := make([]float64, len(a))
	floats.AddScaledTo(out, a, gap, diff)
	return out
}

func countIn(set map[int]bool, idx []int) int {
	n := 0
	for _, i := range idx {
		if set[i] {
			n++
		}
	}
	return n
}

func indexSet(idx []int) map[int]bool {
	out := make(map[int]bool, len(idx))
	for _, i := range idx {
		out[i] = true
	}
	return out
}

// synthesize appends n rows interpolated from seeds towards minority neighbors.
func synthesize(rng *rand.Rand, X [][]float64, outX [][]float64, outY []float64, c classes, seeds []int, weights []float64, n, k int) ([][]float64, []float64) {
	if len(seeds) == 0 || n <= 0 {
		return outX, outY
	}
	knn := make(map[int][]int, len(seeds))
	for _, s := range seeds {
		knn[s] = neighbors(X, c.minority, s, k)
	}
	var cumulative []float64
	if weights != nil {
		cumulative = make([]float64, len(weights))
		floats.CumSum(cumulative, weights)
	}
	for i := 0; i < n; i++ {
		var seed int
		if cumulative != nil {
			seed = seeds[pickWeighted(rng, cumulative)]
		} else {
			seed = seeds[rng.Intn(len(seeds))]
		}
		nn := knn[seed]
		if len(nn) == 0 {
			continue
		}
		partner := nn[rng.Intn(len(nn))]
		outX = append(outX, interpolate(X[seed], X[partner], rng.Float64()))
		outY = append(outY, c.label)
	}
	return outX, outY
}

func pickWeighted(rng *rand.Rand, cumulative []float64) int {
	total := cumulative[len(cumulative)-1]
	target := rng.Float64() * total
	i := sort.SearchFloat64s(cumulative, target)
	if i >= len(cumulative) {
		i = len(cumulative) - 1
	}
	return i
}

// SMOTE interpolates between random minority rows and their minority neighbors.
type SMOTE struct {
	K    int
	Seed int64
}

// Resample balances the classes.
func (s SMOTE) Resample(X [][]float64, y []float64) ([][]float64, []float64, error) {
	c, err := splitClasses(X, y)
	if err != nil {
		return nil, nil, err
	}
	outX, outY := copyInput(X, y)
	if c.degenerate() {
		return outX, outY, nil
	}
	rng := rand.New(rand.NewSource(s.Seed))
	outX, outY = synthesize(rng, X, outX, outY, c, c.minority, nil, len(c.majority)-len(c.minority), s.K)
	return outX, outY, nil
}

// BorderlineSMOTE seeds only from minority rows in danger: at least half,
// but not all, of their M nearest neighbors are majority rows.
type BorderlineSMOTE struct {
	K    int
	M    int
	Seed int64
}

// Resample balances the classes. Inputs without danger rows are returned unchanged.
func (s BorderlineSMOTE) Resample(X [][]float64, y []float64) ([][]float64, []float64, error) {
	c, err := splitClasses(X, y)
	if err != nil {
		return nil, nil, err
	}
	outX, outY := copyInput(X, y)
	if c.degenerate() {
		return outX, outY, nil
	}
	majority := indexSet(c.majority)
	all := allIndices(len(X))
	var danger []int
	for _, i := range c.minority {
		nn := neighbors(X, all, i, s.M)
		maj := countIn(majority, nn)
		if 2*maj >= len(nn) && maj < len(nn) {
			danger = append(danger, i)
		}
	}
	rng := rand.New(rand.NewSource(s.Seed))
	outX, outY = synthesize(rng, X, outX, outY, c, danger, nil, len(c.majority)-len(c.minority), s.K)
	return outX, outY, nil
}

// SVMSMOTE approximates support vectors by the minority rows closest to the
// majority class. Rows in danger interpolate towards minority neighbors,
// safe rows extrapolate away from them.
type SVMSMOTE struct {
	K       int
	M       int
	OutStep float64
	Seed    int64
}

// Resample balances the classes.
func (s SVMSMOTE) Resample(X [][]float64, y []float64) ([][]float64, []float64, error) {
	c, err := splitClasses(X, y)
	if err != nil {
		return nil, nil, err
	}
	outX, outY := copyInput(X, y)
	if c.degenerate() {
		return outX, outY, nil
	}
	outStep := s.OutStep
	if outStep == 0 {
		outStep = 0.5
	}

	type margin struct {
		idx  int
		dist float64
	}
	margins := make([]margin, len(c.minority))
	for i, m := range c.minority {
		nearest := neighbors(X, c.majority, m, 1)
		margins[i] = margin{idx: m, dist: floats.Distance(X[m], X[nearest[0]], 2)}
	}
	sort.SliceStable(margins, func(i, j int) bool { return margins[i].dist < margins[j].dist })
	support := margins[:(len(margins)+1)/2]

	majority := indexSet(c.majority)
	all := allIndices(len(X))
	var danger, safe []int
	for _, sv := range support {
		nn := neighbors(X, all, sv.idx, s.M)
		maj := countIn(majority, nn)
		switch {
		case maj == len(nn):
			// noise
		case 2*maj >= len(nn):
			danger = append(danger, sv.idx)
		default:
			safe = append(safe, sv.idx)
		}
	}
	total := len(c.majority) - len(c.minority)
	if len(danger)+len(safe) == 0 {
		return outX, outY, nil
	}
	nDanger := int(math.Round(float64(total) * float64(len(danger)) / float64(len(danger)+len(safe))))
	rng := rand.New(rand.NewSource(s.Seed))
	outX, outY = synthesize(rng, X, outX, outY, c, danger, nil, nDanger, s.K)
	for i := 0; i < total-nDanger && len(safe) > 0; i++ {
		seed := safe[rng.Intn(len(safe))]
		nn := neighbors(X, c.minority, seed, s.K)
		if len(nn) == 0 {
			continue
		}
		partner := nn[rng.Intn(len(nn))]
		outX = append(outX, interpolate(X[seed], X[partner], -outStep*rng.Float64()))
		outY = append(outY, c.label)
	}
	return outX, outY, nil
}

// ADASYN generates more rows around minority rows surrounded by the majority class.
type ADASYN struct {
	K    int
	Seed int64
}

// Resample balances the classes. Inputs whose minority rows have no majority
// neighbors are returned unchanged.
func (s ADASYN) Resample(X [][]float64, y []float64) ([][]float64, []float64, error) {
	c, err := splitClasses(X, y)
	if err != nil {
		return nil, nil, err
	}
	outX, outY := copyInput(X, y)
	if c.degenerate() {
		return outX, outY, nil
	}
	majority := indexSet(c.majority)
	all := allIndices(len(X))
	ratios := make([]float64, len(c.minority))
	for i, m := range c.minority {
		nn := neighbors(X, all, m, s.K)
		ratios[i] = float64(countIn(majority, nn)) / float64(len(nn))
	}
	sum := floats.Sum(ratios)
	if sum == 0 {
		return outX, outY, nil
	}
	floats.Scale(1/sum, ratios)
	total := len(c.majority) - len(c.minority)
	rng := rand.New(rand.NewSource(s.Seed))
	generated := 0
	for i, m := range c.minority {
		count := int(math.Round(ratios[i] * float64(total)))
		if count > total-generated {
			count = total - generated
		}
		outX, outY = synthesize(rng, X, outX, outY, c, []int{m}, nil, count, s.K)
		generated += count
	}
	return outX, outY, nil
}

// RSMOTE weights seeds by relative density, the ratio of the mean distance
// to majority neighbors over the mean distance to minority neighbors.
// Rows denser in majority than minority neighbors are treated as outliers.
type RSMOTE struct {
	K    int
	Seed int64
}

// Resample balances the classes.
func (s RSMOTE) Resample(X [][]float64, y []float64) ([][]float64, []float64, error) {
	c, err := splitClasses(X, y)
	if err != nil {
		return nil, nil, err
	}
	outX, outY := copyInput(X, y)
	if c.degenerate() {
		return outX, outY, nil
	}
	meanDist := func(i int, pool []int) float64 {
		nn := neighbors(X, pool, i, s.K)
		d := make([]float64, len(nn))
		for j, n := range nn {
			d[j] = floats.Distance(X[i], X[n], 2)
		}
		return floats.Sum(d) / float64(len(d))
	}
	var seeds []int
	var weights []float64
	for _, m := range c.minority {
		toMin := meanDist(m, c.minority)
		toMaj := meanDist(m, c.majority)
		density := toMaj / math.Max(toMin, 1e-9)
		if density < 1 {
			continue
		}
		seeds = append(seeds, m)
		weights = append(weights, density)
	}
	if len(seeds) == 0 {
		seeds, weights = c.minority, nil
	}
	rng := rand.New(rand.NewSource(s.Seed))
	outX, outY = synthesize(rng, X, outX, outY, c, seeds, weights, len(c.majority)-len(c.minority), s.K)
	return outX, outY, nil
}

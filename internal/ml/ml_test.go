package ml

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"
)

func TestEncoderAndProjection(t *testing.T) {
	records := []Record{
		{"species": "dog", "S/I/R_oxacillin": "R"},
		{"species": "cat", "S/I/R_oxacillin": ""},
	}
	enc := FitEncoder(records)
	want := []string{"S/I/R_oxacillin_R", "species_cat", "species_dog"}
	if !reflect.DeepEqual(enc.Columns(), want) {
		t.Fatalf("unexpected schema %v", enc.Columns())
	}
	if got := enc.Encode(Record{"species": "dog", "genus": "new"}); !reflect.DeepEqual(got, []float64{0, 0, 1}) {
		t.Fatalf("unexpected encoding %v", got)
	}
	projected := Project([]string{"species_dog", "missing"}, Dummies(Record{"species": "dog", "extra": "x"}))
	if !reflect.DeepEqual(projected, []float64{1, 0}) {
		t.Fatalf("unexpected projection %v", projected)
	}
	rows := ProjectMatrix([]string{"species_dog", "zzz", "species_cat"}, enc.Columns(), enc.EncodeAll(records))
	if !reflect.DeepEqual(rows, [][]float64{{1, 0, 0}, {0, 0, 1}}) {
		t.Fatalf("unexpected matrix projection %v", rows)
	}
}

func TestBinRare(t *testing.T) {
	values := []string{"ear", "ear", "ear", "skin", "urine", "urine", "urine"}
	binned, vocab := BinRare(values, 3, "other")
	if binned[3] != "other" || binned[0] != "ear" {
		t.Fatalf("unexpected binning %v", binned)
	}
	if !reflect.DeepEqual(vocab, []string{"ear", "other", "urine"}) {
		t.Fatalf("unexpected vocabulary %v", vocab)
	}
}

func TestStratifiedSplit(t *testing.T) {
	ids := make([]int64, 50)
	strata := make([]string, 50)
	for i := range ids {
		ids[i] = int64(i + 1)
		strata[i] = "dog"
		if i%5 == 0 {
			strata[i] = "cat"
		}
	}
	train, test, err := StratifiedSplit(ids, strata, 0.2, 0)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(test) != 10 || len(train) != 40 {
		t.Fatalf("unexpected sizes train=%d test=%d", len(train), len(test))
	}
	cats := 0
	for _, id := range test {
		if strata[id-1] == "cat" {
			cats++
		}
	}
	if cats != 2 {
		t.Fatalf("expected proportional stratum allocation, got %d cats", cats)
	}
	train2, test2, _ := StratifiedSplit(ids, strata, 0.2, 0)
	if !reflect.DeepEqual(train, train2) || !reflect.DeepEqual(test, test2) {
		t.Fatalf("expected deterministic split")
	}
	seen := map[int64]bool{}
	for _, id := range append(append([]int64(nil), train...), test...) {
		if seen[id] {
			t.Fatalf("id %d on both sides", id)
		}
		seen[id] = true
	}

	if tr, te, _ := StratifiedSplit([]int64{7}, []string{"x"}, 0.1, 0); len(tr) != 1 || len(te) != 0 {
		t.Fatalf("expected single id in train")
	}
	if _, _, err := StratifiedSplit(ids, strata[:3], 0.1, 0); err == nil {
		t.Fatalf("expected length mismatch error")
	}
	if _, _, err := StratifiedSplit(ids, strata, 1, 0); err == nil {
		t.Fatalf("expected fraction error")
	}
}

func separable() ([][]float64, []float64) {
	var X [][]float64
	var y []float64
	for i := 0; i < 240; i++ {
		f0 := float64(i % 2)
		f1 := float64((i / 2) % 2)
		X = append(X, []float64{f0, f1, float64(i % 3 % 2)})
		if f0 == 1 && f1 == 1 {
			y = append(y, 1)
		} else {
			y = append(y, 0)
		}
	}
	return X, y
}

func TestGBDTLearnsConjunction(t *testing.T) {
	X, y := separable()
	model := NewGBDT(DefaultParams())
	if err := model.Fit(X, y); err != nil {
		t.Fatalf("fit: %v", err)
	}
	if p := model.PredictProba([]float64{1, 1, 0}); p < 0.9 {
		t.Fatalf("expected confident positive, got %v", p)
	}
	if p := model.PredictProba([]float64{1, 0, 1}); p > 0.1 {
		t.Fatalf("expected confident negative, got %v", p)
	}
	truth := make([]bool, len(y))
	for i := range y {
		truth[i] = y[i] == 1
	}
	m, err := Evaluate(truth, model.PredictProbaAll(X), Threshold)
	if err != nil || m.F1 != 1 || m.Accuracy != 1 {
		t.Fatalf("expected perfect training fit, got %+v err=%v", m, err)
	}

	data, err := json.Marshal(model)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored GBDT
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, x := range X {
		if math.Abs(restored.PredictProba(x)-model.PredictProba(x)) > 1e-12 {
			t.Fatalf("restored model scores differently")
		}
	}
}

func TestBuilderSumsOnlyNodeRows(t *testing.T) {
	b := builder{grad: []float64{0.5, -1, 2, 4}, hess: []float64{0.25, 0.5, 1, 2}}
	g, h := b.sums([]int{1, 3})
	if g != 3 || h != 2.5 {
		t.Fatalf("expected sums over rows 1 and 3 to be (3, 2.5), got (%v, %v)", g, h)
	}
	if g, h := b.sums(nil); g != 0 || h != 0 {
		t.Fatalf("expected zero sums for an empty node, got (%v, %v)", g, h)
	}
}

func TestGBDTSubsamplingIsSeeded(t *testing.T) {
	X, y := separable()
	p := DefaultParams()
	p.NEstimators = 10
	p.Subsample = 0.7
	p.ColsampleByTree = 0.7
	p.Seed = 3
	a, b := NewGBDT(p), NewGBDT(p)
	if err := a.Fit(X, y); err != nil {
		t.Fatalf("fit a: %v", err)
	}
	if err := b.Fit(X, y); err != nil {
		t.Fatalf("fit b: %v", err)
	}
	if !reflect.DeepEqual(a.Trees, b.Trees) {
		t.Fatalf("expected identical trees for identical seeds")
	}
}

func TestGBDTRejectsBadInput(t *testing.T) {
	if err := NewGBDT(DefaultParams()).Fit(nil, nil); err != ErrEmptyTrainingSet {
		t.Fatalf("expected empty training set error, got %v", err)
	}
	if err := NewGBDT(DefaultParams()).Fit([][]float64{{1}, {1, 2}}, []float64{0, 1}); err == nil {
		t.Fatalf("expected ragged rows error")
	}
	p := DefaultParams()
	p.Subsample = 0
	if err := NewGBDT(p).Fit([][]float64{{1}}, []float64{1}); err == nil {
		t.Fatalf("expected invalid params error")
	}
}

func imbalanced() ([][]float64, []float64) {
	var X [][]float64
	var y []float64
	for i := 0; i < 16; i++ {
		X = append(X, []float64{float64(i % 2), float64(i % 3 % 2), 0, 1})
		y = append(y, 0)
	}
	minority := [][]float64{{1, 1, 1, 0}, {1, 0, 1, 0}, {0, 1, 1, 0}, {1, 1, 0, 1}, {0, 0, 1, 1}}
	for _, row := range minority {
		X = append(X, row)
		y = append(y, 1)
	}
	return X, y
}

func TestOversamplers(t *testing.T) {
	for _, kind := range []string{KindSMOTE, KindRSMOTE, KindBorderlineSMOTE, KindSVMSMOTE, KindADASYN} {
		t.Run(kind, func(t *testing.T) {
			X, y := imbalanced()
			sampler, err := NewOversampler(kind, 0)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			outX, outY, err := sampler.Resample(X, y)
			if err != nil {
				t.Fatalf("resample: %v", err)
			}
			if len(outX) != len(outY) || len(outY) < len(y) {
				t.Fatalf("unexpected output sizes %d/%d", len(outX), len(outY))
			}
			if !reflect.DeepEqual(outX[:len(X)], X) {
				t.Fatalf("original rows must be preserved")
			}
			positives := 0
			for i, label := range outY {
				if label == 1 {
					positives++
				}
				if i >= len(y) && label != 1 {
					t.Fatalf("synthetic row %d labelled %v", i, label)
				}
				for _, v := range outX[i] {
					if v != 0 && v != 1 {
						t.Fatalf("expected rounded binary values, got %v", outX[i])
					}
				}
			}
			if positives > 16+1 {
				t.Fatalf("oversampled past balance: %d positives", positives)
			}
		})
	}

	X, y := imbalanced()
	a, _, _ := SMOTE{K: 5, Seed: 9}.Resample(X, y)
	b, _, _ := SMOTE{K: 5, Seed: 9}.Resample(X, y)
	if !reflect.DeepEqual(a, b) || len(a) != 32 {
		t.Fatalf("expected seeded SMOTE to balance deterministically, got %d rows", len(a))
	}
	if _, err := NewOversampler("GAN", 0); err == nil {
		t.Fatalf("expected unknown oversampler error")
	}
}

func TestOversamplerDegenerateMinority(t *testing.T) {
	X := [][]float64{{0}, {1}, {0}, {1}}
	y := []float64{0, 0, 0, 1}
	outX, outY, err := SMOTE{K: 5}.Resample(X, y)
	if err != nil || len(outX) != 4 || len(outY) != 4 {
		t.Fatalf("expected single minority row to be left alone, got %d rows err=%v", len(outX), err)
	}
}

func TestMetrics(t *testing.T) {
	m, err := Score([]bool{true, true, false, false}, []bool{true, false, true, false})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if m.Accuracy != 0.5 || m.Precision != 0.5 || m.Recall != 0.5 || m.F1 != 0.5 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	m, _ = Score([]bool{false, false}, []bool{false, false})
	if m.Precision != 0 || m.Recall != 0 || m.F1 != 0 || m.Accuracy != 1 {
		t.Fatalf("expected zero-division to yield 0, got %+v", m)
	}
	if _, err := Score([]bool{true}, nil); err == nil {
		t.Fatalf("expected length mismatch error")
	}
}

func TestCaseScore(t *testing.T) {
	answers := [][]bool{
		{false, false, false},
		{false, false, false},
		{true, false, true},
		{true, false, false},
	}
	predicted := [][]bool{
		{false, false, false},
		{true, false, false},
		{true, false, false},
		{false, false, false},
	}
	m, err := CaseScore(answers, predicted)
	if err != nil {
		t.Fatalf("case score: %v", err)
	}
	// rows: (1,1,1,1) (2/3,0,0,0) (2/3,1,0.5,2/3) (2/3,0,0,0)
	want := struct{ acc, prec, rec, f1 float64 }{
		acc:  (1 + 2.0/3 + 2.0/3 + 2.0/3) / 4,
		prec: (1 + 0 + 1 + 0) / 4.0,
		rec:  (1 + 0 + 0.5 + 0) / 4,
		f1:   (1 + 0 + 2.0/3 + 0) / 4,
	}
	if math.Abs(m.Accuracy-want.acc) > 1e-9 || math.Abs(m.Precision-want.prec) > 1e-9 ||
		math.Abs(m.Recall-want.rec) > 1e-9 || math.Abs(m.F1-want.f1) > 1e-9 {
		t.Fatalf("unexpected case score %+v", m)
	}
	if m, err := CaseScore(nil, nil); err != nil || m.F1 != 0 {
		t.Fatalf("expected empty score, got %+v err=%v", m, err)
	}
	if _, err := CaseScore([][]bool{{true}}, [][]bool{{true, false}}); err == nil {
		t.Fatalf("expected ragged row error")
	}
}

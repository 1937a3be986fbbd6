package ml

import (
	"amrcore/pkg/domain"
	"fmt"
)

// Threshold is the probability at which a drug counts as recommended.
const Threshold = 0.5

// Predict thresholds probabilities.
func Predict(proba []float64, threshold float64) []bool {
	out := make([]bool, len(proba))
	for i, p := range proba {
		out[i] = p >= threshold
	}
	return out
}

type confusion struct{ tp, fp, fn, tn int }

func count(truth, pred []bool) confusion {
	var c confusion
	for i := range truth {
		switch {
		case truth[i] && pred[i]:
			c.tp++
		case !truth[i] && pred[i]:
			c.fp++
		case truth[i] && !pred[i]:
			c.fn++
		default:
			c.tn++
		}
	}
	return c
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func (c confusion) metrics() domain.Metrics {
	m := domain.Metrics{
		Accuracy:  ratio(c.tp+c.tn, c.tp+c.tn+c.fp+c.fn),
		Precision: ratio(c.tp, c.tp+c.fp),
		Recall:    ratio(c.tp, c.tp+c.fn),
	}
	m.F1 = ratio(2*c.tp, 2*c.tp+c.fp+c.fn)
	return m
}

// Score compares predicted labels with the truth. Undefined ratios are 0.
func Score(truth, pred []bool) (domain.Metrics, error) {
	if len(truth) != len(pred) {
		return domain.Metrics{}, fmt.Errorf("score: %d labels but %d predictions", len(truth), len(pred))
	}
	return count(truth, pred).metrics(), nil
}

// Evaluate thresholds proba and scores it against truth.
func Evaluate(truth []bool, proba []float64, threshold float64) (domain.Metrics, error) {
	return Score(truth, Predict(proba, threshold))
}

// CaseScore averages per-report metrics over the drug panel. answers[i] and
// predicted[i] hold one flag per drug for report i. A report with no answers
// scores 1 on precision, recall and F1 when nothing was predicted and 0
// otherwise.
func CaseScore(answers, predicted [][]bool) (domain.Metrics, error) {
	if len(answers) != len(predicted) {
		return domain.Metrics{}, fmt.Errorf("case score: %d answer rows but %d prediction rows", len(answers), len(predicted))
	}
	if len(answers) == 0 {
		return domain.Metrics{}, nil
	}
	var sum domain.Metrics
	for i := range answers {
		if len(answers[i]) != len(predicted[i]) {
			return domain.Metrics{}, fmt.Errorf("case score: row %d has %d answers but %d predictions", i, len(answers[i]), len(predicted[i]))
		}
		c := count(answers[i], predicted[i])
		row := c.metrics()
		if c.tp+c.fn == 0 {
			score := 0.0
			if c.tp+c.fp == 0 {
				score = 1
			}
			row.Precision, row.Recall, row.F1 = score, score, score
		}
		sum.Accuracy += row.Accuracy
		sum.Precision += row.Precision
		sum.Recall += row.Recall
		sum.F1 += row.F1
	}
	n := float64(len(answers))
	return domain.Metrics{
		Accuracy:  sum.Accuracy / n,
		Precision: sum.Precision / n,
		Recall:    sum.Recall / n,
		F1:        sum.F1 / n,
	}, nil
}

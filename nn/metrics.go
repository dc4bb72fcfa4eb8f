package nn

import "gonum.org/v1/gonum/mat"

// Accuracy scores the predictions against a single-column matrix of integer
// class labels: a row counts as correct when its argmax matches the label.
func Accuracy(labels, preds *mat.Dense) float64 {
	rows, cols := preds.Dims()
	if rows == 0 {
		return 0
	}
	correct := 0.0
	for i := 0; i < rows; i++ {
		best, bestVal := 0, preds.At(i, 0)
		for j := 1; j < cols; j++ {
			if preds.At(i, j) > bestVal {
				best, bestVal = j, preds.At(i, j)
			}
		}
		if int(labels.At(i, 0)) == best {
			correct++
		}
	}
	return correct / float64(rows)
}

// OneHot expands a single-column matrix of integer class labels into a
// (rows, classes) indicator matrix. The class count is fixed by the caller
// rather than inferred from the batch, so batches missing the largest class
// still encode at full width.
func OneHot(labels *mat.Dense, classes int) *mat.Dense {
	rows, _ := labels.Dims()
	out := mat.NewDense(rows, classes, nil)
	for i := 0; i < rows; i++ {
		class := int(labels.At(i, 0))
		if class >= 0 && class < classes {
			out.Set(i, class, 1)
		}
	}
	return out
}

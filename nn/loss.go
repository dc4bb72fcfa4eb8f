package nn

import "gonum.org/v1/gonum/mat"

// MSE is the mean squared error loss.
type MSE struct{}

// Forward returns the squared error of the prediction, normalized by the
// number of rows.
func (MSE) Forward(y, yPred *mat.Dense) float64 {
	var diff mat.Dense
	diff.Sub(yPred, y)
	rows, _ := y.Dims()
	sum := 0.0
	diff.Apply(func(_, _ int, v float64) float64 {
		sum += v * v
		return v
	}, &diff)
	return sum / float64(rows)
}

// Backward returns the loss gradient with respect to the prediction.
func (MSE) Backward(y, yPred *mat.Dense) *mat.Dense {
	var dloss mat.Dense
	dloss.Sub(yPred, y)
	rows, _ := y.Dims()
	dloss.Scale(2/float64(rows), &dloss)
	return &dloss
}

// Name identifies the loss kind.
func (MSE) Name() string { return "MSE" }

// Package nn implements the module stack the runtime trains: linear layers
// borrowing their parameters from the store, the ReLU and Softmax
// activations, the MSE loss and the accuracy metric.
package nn

import "gonum.org/v1/gonum/mat"

// Module is one element of a linear model stack.
type Module interface {
	// Forward applies the module to x and returns its activation.
	Forward(x *mat.Dense) *mat.Dense

	// Backward consumes the gradient of the loss with respect to the
	// module's output, applies any parameter update, and returns the
	// gradient with respect to its input.
	Backward(dout *mat.Dense) *mat.Dense

	// Name identifies the module kind.
	Name() string

	// ParameterCount returns the number of trainable parameters.
	ParameterCount() int

	// SetLearningRate sets the update step size. A no-op for modules
	// without parameters.
	SetLearningRate(lr float64)
}

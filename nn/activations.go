package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ReLU zeroes negative inputs.
type ReLU struct {
	forwardInput *mat.Dense
}

// NewReLU builds the activation.
func NewReLU() *ReLU { return &ReLU{} }

// Forward records the input and rectifies it.
func (r *ReLU) Forward(x *mat.Dense) *mat.Dense {
	r.forwardInput = mat.DenseCopyOf(x)
	return r.Replay(x)
}

// Replay rectifies x without recording the input.
func (r *ReLU) Replay(x *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	}, x)
	return &out
}

// Backward gates the output gradient by the sign of the recorded input.
func (r *ReLU) Backward(dout *mat.Dense) *mat.Dense {
	var din mat.Dense
	din.Apply(func(i, j int, v float64) float64 {
		if r.forwardInput.At(i, j) < 0 {
			return 0
		}
		return v
	}, dout)
	return &din
}

// Name identifies the module kind.
func (r *ReLU) Name() string { return "ReLU" }

// ParameterCount returns zero; the activation is parameter-free.
func (r *ReLU) ParameterCount() int { return 0 }

// SetLearningRate is a no-op.
func (r *ReLU) SetLearningRate(float64) {}

// Softmax normalizes each row into a probability distribution.
type Softmax struct {
	activated *mat.Dense
}

// NewSoftmax builds the activation.
func NewSoftmax() *Softmax { return &Softmax{} }

// Forward applies the row-wise softmax and records the activated output for
// the backward pass.
func (s *Softmax) Forward(x *mat.Dense) *mat.Dense {
	out := s.Replay(x)
	s.activated = mat.DenseCopyOf(out)
	return out
}

// Replay applies the row-wise softmax without recording the output.
func (s *Softmax) Replay(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < cols; j++ {
			sum += math.Exp(x.At(i, j))
		}
		for j := 0; j < cols; j++ {
			out.Set(i, j, math.Exp(x.At(i, j))/sum)
		}
	}
	return out
}

// Backward folds the softmax Jacobian into the output gradient. The input
// gradient starts from the output gradient values and accumulates the
// Jacobian terms on top.
func (s *Softmax) Backward(dout *mat.Dense) *mat.Dense {
	din := mat.DenseCopyOf(dout)
	rows, cols := dout.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			acc := din.At(i, j)
			for k := 0; k < cols; k++ {
				if j == k {
					acc += dout.At(i, k) * s.activated.At(i, k) * (1 - s.activated.At(i, j))
				} else {
					acc += dout.At(i, k) * s.activated.At(i, k) * (-s.activated.At(i, j))
				}
			}
			din.Set(i, j, acc)
		}
	}
	return din
}

// Name identifies the module kind.
func (s *Softmax) Name() string { return "Softmax" }

// ParameterCount returns zero; the activation is parameter-free.
func (s *Softmax) ParameterCount() int { return 0 }

// SetLearningRate is a no-op.
func (s *Softmax) SetLearningRate(float64) {}

package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/featherml/feather/params"
)

// Linear is a fully connected layer computing out = x·W - bias. The weight
// matrix and bias row are owned by the parameter store; the layer borrows
// them by its global layer index on every use, so background pulls that
// overwrite the slot are picked up by the next forward pass.
type Linear struct {
	store *params.Store
	layer int
	in    int
	out   int
	lr    float64

	forwardInput *mat.Dense
}

// NewLinear builds the layer for the given global layer index.
func NewLinear(store *params.Store, layer int) *Linear {
	shape := store.Shape()
	return &Linear{
		store: store,
		layer: layer,
		in:    shape[layer],
		out:   shape[layer+1],
		lr:    0.01,
	}
}

// Layer returns the global layer index.
func (l *Linear) Layer() int { return l.layer }

// Forward records the input for the backward pass and applies the layer.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	l.forwardInput = mat.DenseCopyOf(x)
	return l.apply(x)
}

// apply computes the affine map without recording the input. The bias row
// is subtracted, matching the update sign in Backward.
func (l *Linear) apply(x *mat.Dense) *mat.Dense {
	weights := l.store.Weights(l.layer)
	bias := l.store.Bias(l.layer)
	var out mat.Dense
	out.Mul(x, weights)
	out.Apply(func(_, j int, v float64) float64 {
		return v - bias.At(0, j)
	}, &out)
	return &out
}

// Replay re-applies the layer to x without recording the input. The
// pipeline streamer uses it to re-materialize activations during backward.
func (l *Linear) Replay(x *mat.Dense) *mat.Dense { return l.apply(x) }

// Backward updates the parameters from the recorded forward input and
// returns the gradient with respect to the layer input.
func (l *Linear) Backward(dout *mat.Dense) *mat.Dense {
	return l.BackwardFrom(dout, l.forwardInput)
}

// BackwardFrom updates the parameters using the provided activation as the
// forward input. The pipeline streamer passes a re-materialized activation
// here; everywhere else input is the recorded one. The input gradient is
// computed against the freshly updated weights.
func (l *Linear) BackwardFrom(dout, input *mat.Dense) *mat.Dense {
	weights := l.store.Weights(l.layer)
	bias := l.store.Bias(l.layer)

	var gradW mat.Dense
	gradW.Mul(input.T(), dout)
	gradW.Scale(l.lr, &gradW)
	weights.Sub(weights, &gradW)

	rows, cols := dout.Dims()
	for j := 0; j < cols; j++ {
		mean := 0.0
		for i := 0; i < rows; i++ {
			mean += dout.At(i, j)
		}
		mean /= float64(rows)
		bias.Set(0, j, bias.At(0, j)-l.lr*mean)
	}

	var din mat.Dense
	din.Mul(dout, weights.T())
	return &din
}

// Name identifies the module kind.
func (l *Linear) Name() string {
	return fmt.Sprintf("Linear [%d, %d]", l.in, l.out)
}

// ParameterCount returns the weight and bias element count.
func (l *Linear) ParameterCount() int { return l.in*l.out + l.out }

// SetLearningRate sets the update step size.
func (l *Linear) SetLearningRate(lr float64) { l.lr = lr }

package dispatch_test

import (
	"context"
	"sync/atomic"

	gc "gopkg.in/check.v1"
	"gonum.org/v1/gonum/mat"

	"github.com/featherml/feather/cluster"
	"github.com/featherml/feather/dispatch"
	"github.com/featherml/feather/params"
	"github.com/featherml/feather/transport"
	"github.com/featherml/feather/transport/memfabric"
)

var _ = gc.Suite(new(DispatcherTestSuite))

type DispatcherTestSuite struct {
}

// countingFabric records how many frames cross the transport.
type countingFabric struct {
	*memfabric.Fabric
	ops atomic.Int64
}

func (f *countingFabric) Send(ctx context.Context, to int, ch transport.Channel, env transport.Envelope) error {
	f.ops.Add(1)
	return f.Fabric.Send(ctx, to, ch, env)
}

func (f *countingFabric) Recv(ctx context.Context, from int, ch transport.Channel, tag transport.Tag) (transport.Envelope, error) {
	f.ops.Add(1)
	return f.Fabric.Recv(ctx, from, ch, tag)
}

func newPeer(c *gc.C, fabric transport.Fabric, mode cluster.TrainMode) (*cluster.Runtime, *dispatch.Dispatcher) {
	rt, err := cluster.NewRuntime(cluster.Config{
		Fabric:      fabric,
		Parallelism: cluster.DataParallelism,
		TrainMode:   mode,
	})
	c.Assert(err, gc.IsNil)
	store, err := params.NewStore([]int{2, 3, 2}, params.Range{Min: 0, Max: 1}, params.DefaultSeed)
	c.Assert(err, gc.IsNil)
	d, err := dispatch.New(dispatch.Config{Runtime: rt, Store: store})
	c.Assert(err, gc.IsNil)
	return rt, d
}

func (s *DispatcherTestSuite) TestDrainedDispatcherIssuesNoTransportCalls(c *gc.C) {
	fabrics := memfabric.NewGroup(2)
	counting := &countingFabric{Fabric: fabrics[0]}
	rt, d := newPeer(c, counting, cluster.Sync)

	// With every other peer finished, dispatched operations must return
	// without touching the transport.
	rt.SetDoneRanks(rt.Size() - 1)

	c.Assert(d.PullParameters(context.TODO(), rt.Status()), gc.IsNil)
	c.Assert(d.PushGradients(context.TODO(), rt.Status(), mat.NewDense(1, 2, nil), 0), gc.IsNil)
	c.Assert(d.Barrier(context.TODO(), rt.Status()), gc.IsNil)
	c.Assert(counting.ops.Load(), gc.Equals, int64(0))
}

func (s *DispatcherTestSuite) TestPullDistributesRootParameters(c *gc.C) {
	// Peers start from different seeds; after one pull every slot must
	// match rank 0's values exactly.
	stores := make([]*params.Store, 3)
	err := memfabric.RunGroup(3, func(rank int, fabric *memfabric.Fabric) error {
		rt, err := cluster.NewRuntime(cluster.Config{
			Fabric:      fabric,
			Parallelism: cluster.DataParallelism,
		})
		if err != nil {
			return err
		}
		store, err := params.NewStore([]int{2, 3, 2}, params.Range{Min: 0, Max: 1}, int64(rank+1))
		if err != nil {
			return err
		}
		stores[rank] = store
		d, err := dispatch.New(dispatch.Config{Runtime: rt, Store: store})
		if err != nil {
			return err
		}
		return d.PullParameters(context.TODO(), rt.Status())
	})
	c.Assert(err, gc.IsNil)

	for rank := 1; rank < 3; rank++ {
		for layer := 0; layer <= 1; layer++ {
			c.Assert(stores[rank].Weights(layer).RawMatrix().Data, gc.DeepEquals,
				stores[0].Weights(layer).RawMatrix().Data,
				gc.Commentf("rank %d layer %d weights diverge from root", rank, layer))
			c.Assert(stores[rank].Bias(layer).RawMatrix().Data, gc.DeepEquals,
				stores[0].Bias(layer).RawMatrix().Data,
				gc.Commentf("rank %d layer %d bias diverge from root", rank, layer))
		}
	}
}

func (s *DispatcherTestSuite) TestPushAveragesGradientsAtRoot(c *gc.C) {
	// Each peer contributes a constant gradient of its rank+1; the root
	// must end up with the group mean.
	err := memfabric.RunGroup(4, func(rank int, fabric *memfabric.Fabric) error {
		rt, d := newPeer(c, fabric, cluster.Sync)
		grad := mat.NewDense(2, 2, []float64{
			float64(rank + 1), float64(rank + 1),
			float64(rank + 1), float64(rank + 1),
		})
		if err := d.PushGradients(context.TODO(), rt.Status(), grad, 0); err != nil {
			return err
		}
		if rank == 0 {
			// (1+2+3+4)/4 = 2.5 elementwise.
			for i := 0; i < 2; i++ {
				for j := 0; j < 2; j++ {
					c.Check(grad.At(i, j), gc.Equals, 2.5)
				}
			}
		}
		return nil
	})
	c.Assert(err, gc.IsNil)
}

func (s *DispatcherTestSuite) TestDoneCountIncrementsExactlyOnce(c *gc.C) {
	// Rank 1 stamps its finish flag early; rank 0 keeps dispatching and
	// must observe the done count rise from 0 to 1 exactly once.
	err := memfabric.RunGroup(2, func(rank int, fabric *memfabric.Fabric) error {
		rt, d := newPeer(c, fabric, cluster.Sync)
		finish := cluster.TrainStatus{Epoch: 0, Batch: 10}
		if rank == 1 {
			finish = cluster.TrainStatus{Epoch: 0, Batch: 3}
		}
		rt.SetFinishFlag(finish)

		if rank == 1 {
			for batch := int32(0); batch <= 3; batch++ {
				rt.StampStatus(0, batch)
				if err := d.Barrier(context.TODO(), rt.Status()); err != nil {
					return err
				}
			}
			return nil
		}

		transitions := 0
		last := rt.DoneRanks()
		for batch := int32(0); batch <= 10; batch++ {
			rt.StampStatus(0, batch)
			if err := d.Barrier(context.TODO(), rt.Status()); err != nil {
				return err
			}
			if rt.DoneRanks() != last {
				transitions++
				last = rt.DoneRanks()
			}
		}
		c.Check(transitions, gc.Equals, 1)
		c.Check(rt.DoneRanks(), gc.Equals, 1)
		return nil
	})
	c.Assert(err, gc.IsNil)
}

func (s *DispatcherTestSuite) TestAsyncPullsAllComplete(c *gc.C) {
	err := memfabric.RunGroup(2, func(rank int, fabric *memfabric.Fabric) error {
		rt, d := newPeer(c, fabric, cluster.Async)
		defer d.Close()
		for i := 0; i < 5; i++ {
			if err := d.PullParameters(context.TODO(), rt.Status()); err != nil {
				return err
			}
		}
		d.Close()
		return d.Err()
	})
	c.Assert(err, gc.IsNil)
}

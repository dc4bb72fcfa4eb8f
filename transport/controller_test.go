package transport_test

import (
	"context"
	"testing"

	gc "gopkg.in/check.v1"

	"github.com/featherml/feather/transport"
	"github.com/featherml/feather/transport/memfabric"
)

func Test(t *testing.T) { gc.TestingT(t) }

var _ = gc.Suite(new(ControllerTestSuite))

type ControllerTestSuite struct {
}

func (s *ControllerTestSuite) TestBcast(c *gc.C) {
	err := memfabric.RunGroup(3, func(rank int, fabric *memfabric.Fabric) error {
		ctrl := transport.NewController(fabric)
		buf := []float64{0, 0, 0}
		if rank == 0 {
			buf = []float64{1.5, -2.25, 3}
		}
		if err := transport.Bcast(context.TODO(), ctrl, buf, 0); err != nil {
			return err
		}
		c.Check(buf, gc.DeepEquals, []float64{1.5, -2.25, 3}, gc.Commentf("rank %d", rank))
		return nil
	})
	c.Assert(err, gc.IsNil)
}

func (s *ControllerTestSuite) TestScatter(c *gc.C) {
	err := memfabric.RunGroup(4, func(rank int, fabric *memfabric.Fabric) error {
		ctrl := transport.NewController(fabric)
		var send []int64
		if rank == 0 {
			send = []int64{10, 11, 12, 13}
		}
		got, err := transport.Scatter(context.TODO(), ctrl, send, 0)
		if err != nil {
			return err
		}
		c.Check(got, gc.Equals, int64(10+rank))
		return nil
	})
	c.Assert(err, gc.IsNil)
}

func (s *ControllerTestSuite) TestScatterv(c *gc.C) {
	err := memfabric.RunGroup(3, func(rank int, fabric *memfabric.Fabric) error {
		ctrl := transport.NewController(fabric)
		var send []int64
		if rank == 0 {
			send = []int64{0, 1, 2, 3, 4, 5, 6}
		}
		got, err := transport.Scatterv(context.TODO(), ctrl, send, []int{3, 2, 2}, 0)
		if err != nil {
			return err
		}
		switch rank {
		case 0:
			c.Check(got, gc.DeepEquals, []int64{0, 1, 2})
		case 1:
			c.Check(got, gc.DeepEquals, []int64{3, 4})
		case 2:
			c.Check(got, gc.DeepEquals, []int64{5, 6})
		}
		return nil
	})
	c.Assert(err, gc.IsNil)
}

func (s *ControllerTestSuite) TestReduceSumVisibleAtRoot(c *gc.C) {
	err := memfabric.RunGroup(4, func(rank int, fabric *memfabric.Fabric) error {
		ctrl := transport.NewController(fabric)
		src := []int32{int32(rank + 1)}
		dst := []int32{0}
		if err := transport.Reduce(context.TODO(), ctrl, src, dst, transport.OpSum, 0); err != nil {
			return err
		}
		if rank == 0 {
			c.Check(dst[0], gc.Equals, int32(10))
		} else {
			// Non-root peers only observe their own contribution.
			c.Check(dst[0], gc.Equals, src[0])
		}
		return nil
	})
	c.Assert(err, gc.IsNil)
}

func (s *ControllerTestSuite) TestAllreduce(c *gc.C) {
	err := memfabric.RunGroup(3, func(rank int, fabric *memfabric.Fabric) error {
		ctrl := transport.NewController(fabric)
		src := []float64{float64(rank), 1}
		dst := []float64{0, 0}
		if err := transport.Allreduce(context.TODO(), ctrl, src, dst, transport.OpSum); err != nil {
			return err
		}
		c.Check(dst, gc.DeepEquals, []float64{3, 3}, gc.Commentf("rank %d", rank))
		return nil
	})
	c.Assert(err, gc.IsNil)
}

func (s *ControllerTestSuite) TestBarrier(c *gc.C) {
	err := memfabric.RunGroup(4, func(rank int, fabric *memfabric.Fabric) error {
		ctrl := transport.NewController(fabric)
		for i := 0; i < 3; i++ {
			if err := ctrl.Barrier(context.TODO()); err != nil {
				return err
			}
		}
		return nil
	})
	c.Assert(err, gc.IsNil)
}

func (s *ControllerTestSuite) TestRequestPullOverwritesNonRoot(c *gc.C) {
	master := []float64{3.5, -1, 0.25}
	err := memfabric.RunGroup(3, func(rank int, fabric *memfabric.Fabric) error {
		ctrl := transport.NewController(fabric)
		buf := make([]float64, len(master))
		if rank == 0 {
			copy(buf, master)
		}
		if err := transport.RequestPull(context.TODO(), ctrl, buf, 7); err != nil {
			return err
		}
		c.Check(buf, gc.DeepEquals, master, gc.Commentf("rank %d", rank))
		return nil
	})
	c.Assert(err, gc.IsNil)
}

func (s *ControllerTestSuite) TestCollectPushAccumulatesAtRoot(c *gc.C) {
	err := memfabric.RunGroup(4, func(rank int, fabric *memfabric.Fabric) error {
		ctrl := transport.NewController(fabric)
		buf := []float64{float64(rank + 1), 2}
		if err := transport.CollectPush(context.TODO(), ctrl, buf, buf, 3); err != nil {
			return err
		}
		if rank == 0 {
			// 1+2+3+4 in the first slot, 2*4 in the second.
			c.Check(buf, gc.DeepEquals, []float64{10, 8})
		}
		return nil
	})
	c.Assert(err, gc.IsNil)
}

func (s *ControllerTestSuite) TestNeighbourStream(c *gc.C) {
	err := memfabric.RunGroup(3, func(rank int, fabric *memfabric.Fabric) error {
		ctrl := transport.NewController(fabric)
		buf := []int32{int32(rank)}
		// Pass a token down the chain, adding one per hop.
		if err := transport.RecvPrev(context.TODO(), ctrl, buf, transport.TagForwardPayload); err != nil {
			return err
		}
		buf[0]++
		if err := transport.SendNext(context.TODO(), ctrl, buf, transport.TagForwardPayload); err != nil {
			return err
		}
		if rank == 2 {
			c.Check(buf[0], gc.Equals, int32(3))
		}
		return nil
	})
	c.Assert(err, gc.IsNil)
}

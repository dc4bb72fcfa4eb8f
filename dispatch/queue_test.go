package dispatch

import (
	"sync"
	"testing"

	gc "gopkg.in/check.v1"
)

func Test(t *testing.T) { gc.TestingT(t) }

var _ = gc.Suite(new(QueueTestSuite))

type QueueTestSuite struct {
}

func (s *QueueTestSuite) TestItemsRunInSubmissionOrder(c *gc.C) {
	q := NewQueue(4)

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		err := q.Enqueue(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
		c.Assert(err, gc.IsNil)
	}
	q.Close()

	c.Assert(got, gc.HasLen, 100)
	for i, v := range got {
		c.Assert(v, gc.Equals, i, gc.Commentf("item %d executed out of order", i))
	}
}

func (s *QueueTestSuite) TestCloseDrainsPendingItems(c *gc.C) {
	q := NewQueue(64)
	ran := 0
	for i := 0; i < 10; i++ {
		c.Assert(q.Enqueue(func() { ran++ }), gc.IsNil)
	}
	q.Close()
	c.Assert(ran, gc.Equals, 10)
}

func (s *QueueTestSuite) TestCloseIsIdempotent(c *gc.C) {
	q := NewQueue(1)
	q.Close()
	q.Close()
	c.Assert(q.Enqueue(func() {}), gc.Equals, ErrQueueClosed)
}

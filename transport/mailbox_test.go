package transport_test

import (
	"context"
	"time"

	gc "gopkg.in/check.v1"

	"github.com/featherml/feather/transport"
)

var _ = gc.Suite(new(MailboxTestSuite))

type MailboxTestSuite struct {
}

func (s *MailboxTestSuite) TestTakePreservesArrivalOrder(c *gc.C) {
	box := transport.NewMailbox()
	for i := 0; i < 3; i++ {
		err := box.Put(transport.Envelope{From: 1, Tag: 5, Payload: []byte{byte(i)}})
		c.Assert(err, gc.IsNil)
	}
	for i := 0; i < 3; i++ {
		env, err := box.Take(context.TODO(), 1, 5)
		c.Assert(err, gc.IsNil)
		c.Assert(env.Payload[0], gc.Equals, byte(i))
	}
}

func (s *MailboxTestSuite) TestTakeMatchesTagAndSource(c *gc.C) {
	box := transport.NewMailbox()
	c.Assert(box.Put(transport.Envelope{From: 2, Tag: 1}), gc.IsNil)
	c.Assert(box.Put(transport.Envelope{From: 1, Tag: 9}), gc.IsNil)
	c.Assert(box.Put(transport.Envelope{From: 3, Tag: 9}), gc.IsNil)

	env, err := box.Take(context.TODO(), 3, 9)
	c.Assert(err, gc.IsNil)
	c.Assert(env.From, gc.Equals, 3)

	env, err = box.Take(context.TODO(), transport.AnySource, 9)
	c.Assert(err, gc.IsNil)
	c.Assert(env.From, gc.Equals, 1)
}

func (s *MailboxTestSuite) TestTakeHonoursContext(c *gc.C) {
	box := transport.NewMailbox()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := box.Take(ctx, transport.AnySource, 1)
	c.Assert(err, gc.Equals, context.DeadlineExceeded)
}

func (s *MailboxTestSuite) TestCloseFailsPendingTake(c *gc.C) {
	box := transport.NewMailbox()
	errCh := make(chan error, 1)
	go func() {
		_, err := box.Take(context.TODO(), transport.AnySource, 1)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	box.Close()
	c.Assert(<-errCh, gc.Equals, transport.ErrClosed)
}

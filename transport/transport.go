// Package transport provides the typed communication layer used by the
// training runtime. A Fabric moves tagged binary frames between a fixed set
// of peers over three logical channels; the Controller layers the collective
// and point-to-point operations the coordination protocols are built from.
package transport

import (
	"context"

	"golang.org/x/xerrors"
)

// AnySource may be passed as the source rank to Recv to accept a matching
// frame from any peer.
const AnySource = -1

// Channel identifies one of the three logical channels shared by the peer
// group. Distinct channels keep a background parameter pull from matching
// against a foreground gradient push.
type Channel uint8

const (
	// Ctrl carries collectives, barriers and pipeline streaming.
	Ctrl Channel = iota
	// PullCh carries parameter pull requests and replies.
	PullCh
	// PushCh carries gradient pushes.
	PushCh
)

func (c Channel) String() string {
	switch c {
	case Ctrl:
		return "ctrl"
	case PullCh:
		return "pull"
	case PushCh:
		return "push"
	default:
		return "unknown"
	}
}

// Tag disambiguates frames travelling on the same channel.
type Tag int32

// Tags used by the pipeline streamer and the internal collectives. User
// operations (pulls, pushes) use small non-negative tags derived from layer
// positions, so the reserved tags start high.
const (
	TagForwardFlag Tag = 1<<20 + iota
	TagForwardShape
	TagForwardPayload
	TagBackwardFlag
	TagBackwardShape
	TagBackwardPayload
	tagBcast
	tagScatter
	tagScatterv
	tagReduce
	tagAllreduce
	tagBarrierEnter
	tagBarrierRelease
	tagPullRequest
)

// ElemKind enumerates the element types a frame may carry.
type ElemKind uint8

const (
	Int32 ElemKind = iota
	Int64
	Uint32
	Float32
	Float64
)

func (k ElemKind) String() string {
	switch k {
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// size in bytes of one element of the kind.
func (k ElemKind) size() int {
	switch k {
	case Int32, Uint32, Float32:
		return 4
	default:
		return 8
	}
}

// Envelope is one received frame.
type Envelope struct {
	From    int
	Tag     Tag
	Kind    ElemKind
	Payload []byte
}

// Fabric is implemented by the concrete frame movers (in-memory for tests
// and single-host runs, websocket mesh for multi-process runs). Sends are
// buffered and never block on the receiver; Recv blocks until a frame
// matching (from, tag) arrives on the channel or the context expires.
type Fabric interface {
	Rank() int
	Size() int
	Send(ctx context.Context, to int, ch Channel, env Envelope) error
	Recv(ctx context.Context, from int, ch Channel, tag Tag) (Envelope, error)
	Close() error
}

// ErrClosed is returned by fabric operations after Close.
var ErrClosed = xerrors.New("transport: fabric closed")

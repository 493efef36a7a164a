package playout

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type OutputState int32

const (
	OutputStateOk OutputState = iota
	OutputStateMuted
	OutputStateDelete
)

// Writer is where forwarded packets go: a UDP socket towards the renderer or
// a local track.
type Writer interface {
	WriteRTP(*rtp.Packet) error
}

// Output is one destination of a forwarder with its own mute state.
type Output struct {
	w     Writer
	state atomic.Int32 // zero is OutputStateOk
}

func NewOutput(w Writer) *Output {
	return &Output{w: w}
}

func (o *Output) State() OutputState {
	return OutputState(o.state.Load())
}

func (o *Output) MarkOk() {
	o.state.CompareAndSwap(int32(OutputStateMuted), int32(OutputStateOk))
}

func (o *Output) MarkMuted() {
	o.state.CompareAndSwap(int32(OutputStateOk), int32(OutputStateMuted))
}

func (o *Output) MarkDelete() {
	o.state.Store(int32(OutputStateDelete))
}

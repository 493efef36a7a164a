package playout

import (
	"context"
	"io"
	"maps"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// Source is the read side of a remote track.
type Source interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Forwarder copies packets of one remote track to its outputs.
type Forwarder struct {
	src Source

	mu      sync.RWMutex
	outputs map[string]*Output
	closers []io.Closer

	packets uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

func newForwarder(src Source, cancel context.CancelFunc) *Forwarder {
	return &Forwarder{
		src:     src,
		outputs: make(map[string]*Output),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (f *Forwarder) AddOutput(name string, o *Output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[name] = o
}

// loop reads packets until the track ends or ctx is done. Packets are read
// even with no outputs so the engine's buffers keep draining.
func (f *Forwarder) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(f.done)
	defer f.closeWriters(logger)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("forwarder ctx done")
			f.markAllDelete()
			return
		default:
		}
		pkt, _, err := f.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("remote track ended")
			f.markAllDelete()
			return
		}
		f.forward(pkt, logger)
	}
}

func (f *Forwarder) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	f.mu.RLock()
	snapshot := maps.Clone(f.outputs)
	f.mu.RUnlock()

	var dirty []string
	for name, o := range snapshot {
		switch o.State() {
		case OutputStateDelete:
			dirty = append(dirty, name)
		case OutputStateMuted:
		case OutputStateOk:
			if err := o.w.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("output", name).Msg("playout write failed, dropping output")
				o.MarkDelete()
				dirty = append(dirty, name)
			}
		}
	}
	f.mu.Lock()
	f.packets++
	for _, name := range dirty {
		delete(f.outputs, name)
	}
	f.mu.Unlock()
}

func (f *Forwarder) setMuted(muted bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, o := range f.outputs {
		if muted {
			o.MarkMuted()
		} else {
			o.MarkOk()
		}
	}
}

func (f *Forwarder) markAllDelete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.outputs {
		o.MarkDelete()
	}
}

func (f *Forwarder) closeWriters(logger *zerolog.Logger) {
	f.mu.Lock()
	closers := f.closers
	f.closers = nil
	f.mu.Unlock()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Debug().Err(err).Msg("close playout writer")
		}
	}
}

// Packets is the number of packets read from the source so far.
func (f *Forwarder) Packets() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.packets
}

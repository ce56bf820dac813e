package session

import (
	"context"
	"errors"
	"io"

	"samotop/smtp"
)

// Input is the source of inbound events. Read returns io.EOF once the peer
// has gone and any other error when reading failed.
type Input interface {
	Read(ctx context.Context) (ReadControl, error)
}

// InputFunc adapts a function to Input.
type InputFunc func(ctx context.Context) (ReadControl, error)

// Read calls f.
func (f InputFunc) Read(ctx context.Context) (ReadControl, error) { return f(ctx) }

type driverMode int

const (
	driverReady driverMode = iota
	driverPending
	driverTaken
)

// Driver turns a stream of inbound events into a stream of outbound events
// for one connection. Only one event is applied at a time: the next input is
// not read until the previous Apply has finished and its replies have been
// handed out. A Driver is not reusable across connections.
type Driver struct {
	input Input
	mode  driverMode
	// st is nil while an Apply owns it.
	st      *Context
	done    chan *Context
	cancel  context.CancelFunc
	lastErr error
}

// NewDriver creates a driver reading from input and applying to st.
func NewDriver(input Input, st *Context) *Driver {
	return &Driver{input: input, st: st}
}

// Next returns the next outbound event. It returns io.EOF when the input ends
// with no work pending, or after the session has shut down. A read error is
// reported once as a shutdown carrying a processing error reply.
func (d *Driver) Next(ctx context.Context) (WriteControl, error) {
	for {
		switch d.mode {
		case driverTaken:
			return WriteControl{}, io.EOF

		case driverPending:
			select {
			case st := <-d.done:
				d.cancel()
				if err := ctx.Err(); err != nil {
					d.mode = driverTaken
					return WriteControl{}, err
				}
				d.st, d.done, d.cancel = st, nil, nil
				d.mode = driverReady
			case <-ctx.Done():
				d.cancel()
				d.mode = driverTaken
				return WriteControl{}, ctx.Err()
			}

		case driverReady:
			if wc, ok := d.st.Pop(); ok {
				if wc.Kind == WriteShutdown {
					d.take()
				}
				return wc, nil
			}

			rc, err := d.input.Read(ctx)
			if err != nil {
				d.lastErr = err
				d.take()
				if errors.Is(err, io.EOF) {
					return WriteControl{}, io.EOF
				}
				if ctx.Err() != nil {
					return WriteControl{}, ctx.Err()
				}
				return d.readFailed(), nil
			}
			d.start(ctx, rc)
		}
	}
}

// Err returns the input error that ended the session, if any.
func (d *Driver) Err() error {
	return d.lastErr
}

// State returns the session state while no Apply is running, nil otherwise.
func (d *Driver) State() *Context {
	if d.mode == driverPending {
		return nil
	}
	return d.st
}

func (d *Driver) start(ctx context.Context, rc ReadControl) {
	actx, cancel := context.WithCancel(ctx)
	st := d.st
	done := make(chan *Context, 1)
	d.st, d.done, d.cancel = nil, done, cancel
	d.mode = driverPending
	go func() {
		Apply(actx, st, rc)
		if actx.Err() != nil {
			// Abandoned: nothing written so far may be committed.
			st.Transaction().Reset()
		}
		done <- st
	}()
}

// take ends the session. An open sink is aborted.
func (d *Driver) take() {
	if d.st != nil {
		d.st.Transaction().Reset()
	}
	d.mode = driverTaken
}

func (d *Driver) readFailed() WriteControl {
	wc := WriteControl{Kind: WriteShutdown, Reply: smtp.ReplyProcessingError()}
	if d.st != nil {
		d.st.svc.observer().OnReply(&d.st.info, wc)
	}
	return wc
}

package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/VideoPeers/internal/app/orch"
	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Loopback attaches a core.Signaler directly to an in-process relay.
// It is both the participant's Signaler and the relay's SignalConnection.
type Loopback struct {
	orch  *orch.Orchestrator
	sid   core.SessionID
	inbox chan core.Frame

	handlers dispatcher
	ctx      context.Context
	cancel   context.CancelFunc
	wg       conc.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var (
	_ core.Signaler         = (*Loopback)(nil)
	_ core.SignalConnection = (*Loopback)(nil)
)

func NewLoopback(o *orch.Orchestrator, buffer int) *Loopback {
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loopback{
		orch:   o,
		sid:    core.SessionID(uuid.NewString()),
		inbox:  make(chan core.Frame, buffer),
		ctx:    ctx,
		cancel: cancel,
	}
	o.Connect(l.sid, "", l, cancel)
	l.wg.Go(l.pump)
	return l
}

// ID is the participant identifier the relay knows this end by.
func (l *Loopback) ID() string { return string(l.sid) }

func (l *Loopback) pump() {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		l.orch.Disconnect(l.sid)
		log.Debug().Str("module", "signal.loopback").Str("sid", string(l.sid)).Msg("pump stopped")
	}()
	for {
		select {
		case <-l.ctx.Done():
			return
		case f := <-l.inbox:
			l.handlers.dispatch(f)
		}
	}
}

func (l *Loopback) Emit(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.ctx.Err() != nil {
		return core.ErrConnClosed
	}
	frame, err := core.NewFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	l.orch.OnFrame(l.sid, frame)
	return nil
}

func (l *Loopback) On(event string, fn func(json.RawMessage)) func() {
	return l.handlers.on(event, fn)
}

func (l *Loopback) TrySend(f core.Frame) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return core.ErrConnClosed
	}
	select {
	case l.inbox <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// Close disconnects from the relay; the other members see user:left.
func (l *Loopback) Close() {
	l.cancel()
	l.wg.Wait()
}

package signal

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/rs/zerolog/log"
)

type handlerEntry struct {
	id int
	fn func(json.RawMessage)
}

// dispatcher fans decoded envelopes out to the handlers subscribed per event.
type dispatcher struct {
	mu       sync.RWMutex
	next     int
	handlers map[string][]handlerEntry
}

func (d *dispatcher) on(event string, fn func(json.RawMessage)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[string][]handlerEntry)
	}
	d.next++
	id := d.next
	d.handlers[event] = append(d.handlers[event], handlerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			list := d.handlers[event]
			for i, h := range list {
				if h.id == id {
					d.handlers[event] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

func (d *dispatcher) dispatch(data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad envelope")
		return
	}
	d.mu.RLock()
	list := append([]handlerEntry(nil), d.handlers[env.Event]...)
	d.mu.RUnlock()
	if len(list) == 0 {
		log.Debug().Str("module", "signal").Str("event", env.Event).Msg("no handler")
		return
	}
	for _, h := range list {
		h.fn(env.Data)
	}
}

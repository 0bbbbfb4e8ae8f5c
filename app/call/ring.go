package call

import (
	"io"
	"sync"
	"time"
)

// Ringer plays the outgoing or incoming ringtone. Exactly one tone plays
// at a time; Stop is idempotent. A playback rejection is non-fatal: the
// implementation falls back to whatever attention cue it has.
type Ringer interface {
	PlayOutgoing()
	PlayIncoming()
	Stop()
}

type NopRinger struct{}

func (NopRinger) PlayOutgoing() {}
func (NopRinger) PlayIncoming() {}
func (NopRinger) Stop()         {}

// BellRinger cues the terminal bell on an interval, the closest thing a
// TTY has to a ringtone. Incoming rings faster than outgoing.
type BellRinger struct {
	Out io.Writer

	mu   sync.Mutex
	stop chan struct{}
}

func (r *BellRinger) PlayOutgoing() {
	r.play(2 * time.Second)
}

func (r *BellRinger) PlayIncoming() {
	r.play(time.Second)
}

func (r *BellRinger) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
}

func (r *BellRinger) play(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		close(r.stop)
	}

	stop := make(chan struct{})
	r.stop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// Write failures just mean no bell this tick.
				r.Out.Write([]byte("\a"))
			}
		}
	}()
}

package session

import (
	"sync"
	"time"
)

// Detector ends a session after a stretch with no final transcript. It is
// armed on every utterance end and disarmed by speech.
type Detector struct {
	timeout      time.Duration
	mu           sync.Mutex
	timer        *time.Timer
	onSessionEnd func()
}

func NewDetector(timeout time.Duration) *Detector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Detector{timeout: timeout}
}

func (d *Detector) OnSessionEnd(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSessionEnd = callback
}

func (d *Detector) OnSpeech() {
	d.Stop()
}

func (d *Detector) OnUtteranceEnd() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d.timeout, func() {
		d.mu.Lock()
		if d.timer != timer {
			d.mu.Unlock()
			return
		}
		callback := d.onSessionEnd
		d.timer = nil
		d.mu.Unlock()

		if callback != nil {
			callback()
		}
	})
	d.timer = timer
}

// Armed reports whether a session-end timer is pending.
func (d *Detector) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop disarms the detector without firing the callback.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

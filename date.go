package aeronet

import (
	"sync/atomic"
	"time"
)

const httpDateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// dateClock synthesizes the Date header once per second and reuses it
// (§4.4 item 5), avoiding a time.Now().Format() call per response. It
// is safe for the loop goroutine only to call refresh; Current is read
// on the same goroutine during serialization.
type dateClock struct {
	current atomic.Value // string
	lastSec int64
}

func newDateClock() *dateClock {
	d := &dateClock{}
	d.refresh(time.Now())
	return d
}

func (d *dateClock) refresh(now time.Time) {
	sec := now.Unix()
	if sec == atomic.LoadInt64(&d.lastSec) {
		return
	}
	atomic.StoreInt64(&d.lastSec, sec)
	d.current.Store(now.UTC().Format(httpDateFormat))
}

func (d *dateClock) Current() string {
	return d.current.Load().(string)
}

package liveness

import (
	"sync/atomic"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
)

const DefaultOnlineToken = "online"

// Tracker holds the liveness of the producing device. It is written by the
// status-topic worker and read by every data worker.
type Tracker struct {
	onlineToken []byte
	now         func() time.Time
	state       atomic.Pointer[mqtmodels.DeviceStatus]
}

type Option func(*Tracker)

// WithClock replaces time.Now for Since stamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a tracker in the OFFLINE state. An empty token falls
// back to DefaultOnlineToken.
func NewTracker(onlineToken string, opts ...Option) *Tracker {
	if onlineToken == "" {
		onlineToken = DefaultOnlineToken
	}
	t := &Tracker{
		onlineToken: []byte(onlineToken),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.state.Store(&mqtmodels.DeviceStatus{})
	return t
}

// SetStatus applies a status message. Only an exact, case-sensitive match of
// the online token means ONLINE; anything else (including an empty payload)
// means OFFLINE. Since moves only when the state flips.
func (t *Tracker) SetStatus(raw []byte) mqtmodels.DeviceStatus {
	online := string(raw) == string(t.onlineToken)
	for {
		cur := t.state.Load()
		if cur.Online == online {
			return *cur
		}
		next := &mqtmodels.DeviceStatus{Online: online, Since: t.now().UTC()}
		if t.state.CompareAndSwap(cur, next) {
			return *next
		}
	}
}

func (t *Tracker) IsOnline() bool {
	return t.state.Load().Online
}

func (t *Tracker) Snapshot() mqtmodels.DeviceStatus {
	return *t.state.Load()
}

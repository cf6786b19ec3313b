package mqtmodels

import "time"

const (
	StateOnline  = "ONLINE"
	StateOffline = "OFFLINE"
)

// DeviceStatus is the liveness of the single producing device.
// The zero value is OFFLINE.
type DeviceStatus struct {
	Online bool      `json:"online"`
	Since  time.Time `json:"since"`
}

func (s DeviceStatus) State() string {
	if s.Online {
		return StateOnline
	}
	return StateOffline
}

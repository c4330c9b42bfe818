package domain

import "time"

// Event is a typed notification on the in-process bus. The set is closed.
type Event interface {
	isEvent()
}

// RemoteVideoObserved is published by a provider the first time inbound
// remote video arrives for an attempt.
type RemoteVideoObserved struct {
	PairingKey PairingKey
	Provider   ProviderID
	Attempt    uint64
}

// ProviderLost is published when an established connection fails on its own.
type ProviderLost struct {
	PairingKey PairingKey
	Provider   ProviderID
	Attempt    uint64
	Err        error
}

type HealthChanged struct {
	Snapshot HealthSnapshot
	Bars     int
	Attempt  uint64
}

// LivenessLost fires once when every stream went quiet for a full window.
type LivenessLost struct {
	Snapshot HealthSnapshot
	Attempt  uint64
}

type RemoteHealth struct {
	PairingKey PairingKey
	Snapshot   HealthSnapshot
}

type CaptureProfileChanged struct {
	Profile CaptureProfile
}

type StatusChanged struct {
	Descriptor SessionDescriptor
}

type RemoteStopped struct {
	PairingKey PairingKey
	Reason     StopReason
	At         time.Time
}

type OfferPushed struct {
	PairingKey PairingKey
	SDP        string
}

type RemoteProviderChanged struct {
	PairingKey PairingKey
	Provider   ProviderID
}

func (RemoteVideoObserved) isEvent()   {}
func (ProviderLost) isEvent()          {}
func (HealthChanged) isEvent()         {}
func (LivenessLost) isEvent()          {}
func (RemoteHealth) isEvent()          {}
func (CaptureProfileChanged) isEvent() {}
func (StatusChanged) isEvent()         {}
func (RemoteStopped) isEvent()         {}
func (OfferPushed) isEvent()           {}
func (RemoteProviderChanged) isEvent() {}

// WithAttempt tags an attempt scoped event with the provider attempt that
// produced it. Other events are returned unchanged.
func WithAttempt(ev Event, attempt uint64) Event {
	switch e := ev.(type) {
	case RemoteVideoObserved:
		e.Attempt = attempt
		return e
	case ProviderLost:
		e.Attempt = attempt
		return e
	case HealthChanged:
		e.Attempt = attempt
		return e
	case LivenessLost:
		e.Attempt = attempt
		return e
	}
	return ev
}

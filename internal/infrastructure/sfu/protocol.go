package sfu

import (
	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

type signalType string

const (
	signalJoin        signalType = "join"
	signalJoined      signalType = "joined"
	signalOffer       signalType = "offer"
	signalAnswer      signalType = "answer"
	signalTrickle     signalType = "trickle"
	signalPublication signalType = "publication"
	signalSubscribe   signalType = "subscribe"
	signalLeave       signalType = "leave"
	signalError       signalType = "error"
)

// target names the transport a description or candidate belongs to. The
// client offers on the publisher transport; the server offers on the
// subscriber transport.
type target string

const (
	targetPublisher  target = "publisher"
	targetSubscriber target = "subscriber"
)

type publication struct {
	SID         string `json:"sid"`
	Participant string `json:"participant"`
	Kind        string `json:"kind"`
}

func (p publication) toPort() ports.RemotePublication {
	return ports.RemotePublication{SID: p.SID, Participant: p.Participant, Kind: p.Kind}
}

type signal struct {
	Type         signalType                 `json:"type"`
	Identity     string                     `json:"identity,omitempty"`
	Target       target                     `json:"target,omitempty"`
	SDP          *domain.SessionDescription `json:"sdp,omitempty"`
	Candidate    *domain.ICECandidate       `json:"candidate,omitempty"`
	Publication  *publication               `json:"publication,omitempty"`
	Publications []publication              `json:"publications,omitempty"`
	ICEServers   []domain.ICEServer         `json:"iceServers,omitempty"`
	Error        string                     `json:"error,omitempty"`
}

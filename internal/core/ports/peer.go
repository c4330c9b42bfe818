package ports

import (
	"context"
	"time"

	"kiosklink/internal/core/domain"
)

type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

type PeerConfig struct {
	ICEServers []domain.ICEServer
	Policy     domain.ICEPolicy
	// Media attaches local audio and video tracks.
	Media bool
	// Transceivers declares sendrecv audio and video up front (offerer side).
	Transceivers bool
}

// TrackInfo is the renderer-facing handle of a remote track.
type TrackInfo struct {
	ID       string
	StreamID string
	Kind     string
}

type MediaSample struct {
	Data     []byte
	Duration time.Duration
}

// MediaSink receives encoded local media from a capture device.
type MediaSink interface {
	WriteAudio(s MediaSample) error
	WriteVideo(s MediaSample) error
}

type PeerConnection interface {
	MediaSink
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c domain.ICECandidate) error
	OnICECandidate(fn func(domain.ICECandidate))
	OnStateChange(fn func(PeerState))
	OnTrack(fn func(TrackInfo))
	// OnRemoteVideo fires once per remote video track, on its first keyframe.
	OnRemoteVideo(fn func())
	CreateDataChannel(label string) (DataChannel, error)
	OnDataChannel(fn func(DataChannel))
	SelectedPair() (local, remote domain.CandidateInfo, ok bool)
	Counters() domain.ByteCounters
	SetMicMuted(muted bool)
	Close() error
}

type DataChannel interface {
	Label() string
	OnOpen(fn func())
	OnMessage(fn func([]byte))
	Send(data []byte) error
	Close() error
}

type PeerFactory interface {
	NewPeer(cfg PeerConfig) (PeerConnection, error)
}

// RemotePublication is a track offered by another participant of an SFU room.
type RemotePublication struct {
	SID         string
	Participant string
	Kind        string
}

type Room interface {
	MediaSink
	Publish(ctx context.Context) error
	Publications() []RemotePublication
	OnPublication(fn func(RemotePublication))
	Subscribe(ctx context.Context, pub RemotePublication) (TrackInfo, error)
	OnRemoteVideo(fn func())
	OnDisconnected(fn func(error))
	Counters() domain.ByteCounters
	SetMicMuted(muted bool)
	Close() error
}

type RoomConnector interface {
	Connect(ctx context.Context, token domain.RoomToken, identity string) (Room, error)
}

// Renderer is the surface remote tracks are attached to. Attach fails with
// an error while the surface is not ready yet.
type Renderer interface {
	Attach(track TrackInfo) error
	Detach(trackID string)
}

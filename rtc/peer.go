// Package rtc wraps the WebRTC peer connection behind the narrow surface
// the signaling client needs: open, negotiate, close, connection-state
// changes. Media-plane details stay inside pion.
package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Peer is the collaborator interface consumed for call-session media
// establishment. The signaling core never reaches past it.
type Peer interface {
	// Start configures internal callbacks and binds the peer lifetime to ctx.
	Start(ctx context.Context) error
	// CreateAndSetOffer produces the local SDP after ICE gathering.
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// ApplyAnswer installs the remote SDP.
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnStateChange sets a callback for peer connection state transitions.
	OnStateChange(func(webrtc.PeerConnectionState))
	// Close stops all underlying media resources.
	Close()
}

// DefaultConfig returns a configuration with a public STUN server.
func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// PeerConnection is the pion-backed Peer used for outbound calls.
type PeerConnection struct {
	pc     *webrtc.PeerConnection
	callID string
	cancel context.CancelFunc

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
}

func NewPeerConnection(cfg webrtc.Configuration, callID string) (*PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &PeerConnection{pc: pc, callID: callID}, nil
}

func (c *PeerConnection) Start(ctx context.Context) error {
	_, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("call_id", c.callID).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected ||
			s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("call_id", c.callID).Str("peer_connection_state", s.String()).Msg("Peer state")
		if c.onState != nil {
			c.onState(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	return nil
}

// CreateAndSetOffer creates the local offer and waits for ICE gathering to
// complete so the SDP carries the candidates.
func (c *PeerConnection) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return c.pc.LocalDescription(), nil
}

func (c *PeerConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *PeerConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *PeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.onICE = fn
}

func (c *PeerConnection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.onState = fn
}

func (c *PeerConnection) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("call_id", c.callID).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("call_id", c.callID).Msg("closed")
		}
	}
}

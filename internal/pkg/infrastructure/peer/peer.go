package peer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/pion/webrtc/v4"

	"github.com/diwise/fleet-mgmt/internal/pkg/application/signaling"
	"github.com/diwise/fleet-mgmt/pkg/types"
)

type Config struct {
	iceServers []string
}

func NewConfig(iceServers ...string) Config {
	return Config{iceServers: iceServers}
}

func LoadConfiguration(ctx context.Context) Config {
	return NewConfig(env.GetVariableOrDefault(ctx, "ICE_SERVER_URL", "stun:stun.l.google.com:19302"))
}

// Factory returns a capability factory creating one receive-only peer
// connection per signaling session.
func Factory(config Config) signaling.CapabilityFactory {
	return func(ctx context.Context) (signaling.Capability, error) {
		return newConnection(config)
	}
}

// connection adapts a pion peer connection to the capability contract the
// signaling engine consumes. The console only ever receives media, so both
// transceivers are recvonly.
type connection struct {
	pc *webrtc.PeerConnection
}

func newConnection(config Config) (*connection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: config.iceServers},
		},
	})
	if err != nil {
		return nil, err
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		_, err = pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("could not add %s transceiver: %w", kind, err)
		}
	}

	return &connection{pc: pc}, nil
}

func (c *connection) CreateOffer(ctx context.Context) (types.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return types.SessionDescription{}, err
	}

	err = c.pc.SetLocalDescription(offer)
	if err != nil {
		return types.SessionDescription{}, err
	}

	return types.SessionDescription{
		Type: offer.Type.String(),
		SDP:  offer.SDP,
	}, nil
}

func (c *connection) SetRemoteAnswer(desc types.SessionDescription) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  desc.SDP,
	})
}

func (c *connection) AddRemoteCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	err := json.Unmarshal(candidate, &init)
	if err != nil {
		return fmt.Errorf("malformed candidate: %w", err)
	}

	return c.pc.AddICECandidate(init)
}

func (c *connection) OnLocalCandidate(fn func(candidate json.RawMessage)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}

		b, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}

		fn(b)
	})
}

func (c *connection) OnRemoteTrack(fn func(id, kind string)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		fn(track.ID(), track.Kind().String())
	})
}

func (c *connection) Close() error {
	return c.pc.Close()
}

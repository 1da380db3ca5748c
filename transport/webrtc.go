// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface check.
var _ Dialer = (*WebRTCTransport)(nil)

// defaultSignalingPollInterval is how often the transport polls for
// inbound signaling offers when the configuration does not say.
const defaultSignalingPollInterval = 250 * time.Millisecond

// iceGatherTimeout is the maximum time to wait for ICE candidate gathering
// to complete before publishing the SDP.
const iceGatherTimeout = 15 * time.Second

// answerPollInterval is how often the dialer polls for an SDP answer after
// publishing an offer.
const answerPollInterval = 100 * time.Millisecond

// answerTimeout is the maximum time to wait for an SDP answer before giving up.
const answerTimeout = 30 * time.Second

// dataChannelOpenTimeout bounds how long a new data channel may take to open.
const dataChannelOpenTimeout = 10 * time.Second

// initLabel names the data channel that exists only to put a data
// channel section into the SDP offer.
const initLabel = "init"

// WebRTCConfig configures a WebRTCTransport.
type WebRTCConfig struct {
	Signaler Signaler

	// Localpart names this endpoint on the signaling plane.
	Localpart string

	// Peer is the endpoint Dial connects to, normally the relay. A
	// relay that only accepts leaves it empty.
	Peer string

	ICE ICEConfig

	// PollInterval is how often Serve polls for inbound offers.
	PollInterval time.Duration

	Logger *slog.Logger
}

// WebRTCTransport carries sync channels over WebRTC data channels. A
// client dials the relay; the relay serves.
//
// Each peer gets one PeerConnection with potentially many data
// channels, one per sync key. The data channel label is the key, so the
// accepting side knows which document a channel belongs to before the
// first frame arrives.
//
// Connection establishment uses vanilla ICE: all candidates are
// gathered before the SDP is published, so signaling requires exactly
// one round-trip.
type WebRTCTransport struct {
	signaler     Signaler
	localpart    string
	peer         string
	pollInterval time.Duration
	logger       *slog.Logger

	// iceConfig is the ICE server configuration. Protected by configMu
	// because TURN credentials may be refreshed while running.
	configMu  sync.RWMutex
	iceConfig ICEConfig

	// peers maps peer localpart to its PeerConnection.
	mu    sync.Mutex
	peers map[string]*peerState

	// accept receives inbound data channels. It is nil until Serve runs;
	// inbound channels arriving before then are refused.
	acceptMu sync.RWMutex
	accept   func(Key, Channel)

	// ready is closed when Serve has started the signaling poller.
	ready     chan struct{}
	readyOnce sync.Once

	// closed signals shutdown.
	closed    chan struct{}
	closeOnce sync.Once
}

// peerState tracks the WebRTC PeerConnection to a single remote peer.
// Protected by WebRTCTransport.mu.
type peerState struct {
	connection  *webrtc.PeerConnection
	localpart   string
	established chan struct{} // closed when ICE reaches Connected/Completed
}

// NewWebRTCTransport creates a WebRTC transport.
func NewWebRTCTransport(config WebRTCConfig) (*WebRTCTransport, error) {
	if config.Signaler == nil {
		return nil, fmt.Errorf("transport: webrtc requires a signaler")
	}
	if config.Localpart == "" {
		return nil, fmt.Errorf("transport: webrtc requires a localpart")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultSignalingPollInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &WebRTCTransport{
		signaler:     config.Signaler,
		localpart:    config.Localpart,
		peer:         config.Peer,
		pollInterval: config.PollInterval,
		iceConfig:    config.ICE,
		logger:       config.Logger.With("localpart", config.Localpart),
		peers:        make(map[string]*peerState),
		ready:        make(chan struct{}),
		closed:       make(chan struct{}),
	}, nil
}

// Ready returns a channel that is closed when Serve has started the
// signaling poller and is ready to accept inbound channels.
func (wt *WebRTCTransport) Ready() <-chan struct{} {
	return wt.ready
}

// Serve answers inbound offers and hands every inbound data channel to
// accept as a Channel. accept must not block for long. Serve blocks
// until ctx is cancelled or Close is called.
func (wt *WebRTCTransport) Serve(ctx context.Context, accept func(Key, Channel)) error {
	wt.acceptMu.Lock()
	wt.accept = accept
	wt.acceptMu.Unlock()

	go wt.signalingPoller(ctx)
	wt.readyOnce.Do(func() { close(wt.ready) })

	select {
	case <-ctx.Done():
		wt.Close()
		return nil
	case <-wt.closed:
		return nil
	}
}

// Close shuts down all PeerConnections and stops the signaling poller.
func (wt *WebRTCTransport) Close() error {
	wt.closeOnce.Do(func() {
		close(wt.closed)
	})

	wt.mu.Lock()
	defer wt.mu.Unlock()

	for localpart, peer := range wt.peers {
		peer.connection.Close()
		delete(wt.peers, localpart)
	}
	return nil
}

// UpdateICEConfig replaces the ICE configuration for new PeerConnections.
// Existing PeerConnections continue using their current configuration.
func (wt *WebRTCTransport) UpdateICEConfig(config ICEConfig) {
	wt.configMu.Lock()
	defer wt.configMu.Unlock()
	wt.iceConfig = config
}

// Dial opens a data channel labelled with key to the configured peer,
// establishing the PeerConnection first if none exists.
func (wt *WebRTCTransport) Dial(ctx context.Context, key Key) (Channel, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if wt.peer == "" {
		return nil, fmt.Errorf("transport: webrtc transport %s has no peer to dial", wt.localpart)
	}
	select {
	case <-wt.closed:
		return nil, ErrClosed
	default:
	}

	peer, err := wt.getOrCreatePeer(ctx, wt.peer)
	if err != nil {
		return nil, fmt.Errorf("establishing peer connection to %s: %w: %v", wt.peer, ErrTransient, err)
	}

	select {
	case <-peer.established:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, ErrClosed
	}

	conn, err := wt.openDataChannel(ctx, peer, key.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return NewStreamChannel(conn, wt.logger.With("key", key.String(), "peer", peer.localpart)), nil
}

// getOrCreatePeer returns the peerState for the given peer localpart,
// creating and signaling a new PeerConnection if necessary. If another
// goroutine is already establishing a connection to this peer, callers
// wait for that attempt rather than starting a parallel one.
func (wt *WebRTCTransport) getOrCreatePeer(ctx context.Context, peerLocalpart string) (*peerState, error) {
	wt.mu.Lock()

	if peer, ok := wt.peers[peerLocalpart]; ok {
		state := peer.connection.ICEConnectionState()
		if state != webrtc.ICEConnectionStateFailed &&
			state != webrtc.ICEConnectionStateClosed &&
			state != webrtc.ICEConnectionStateDisconnected {
			wt.mu.Unlock()
			return peer, nil
		}
		// Connection is dead. Tear down and re-establish.
		peer.connection.Close()
		delete(wt.peers, peerLocalpart)
	}

	// Register the entry before releasing the lock so concurrent
	// callers wait on peer.established instead of signaling again.
	pc, err := wt.newPeerConnection()
	if err != nil {
		wt.mu.Unlock()
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := &peerState{
		connection:  pc,
		localpart:   peerLocalpart,
		established: make(chan struct{}),
	}
	wt.peers[peerLocalpart] = peer
	wt.mu.Unlock()

	if err := wt.establishOutbound(ctx, peer); err != nil {
		wt.mu.Lock()
		if current, ok := wt.peers[peerLocalpart]; ok && current == peer {
			delete(wt.peers, peerLocalpart)
		}
		wt.mu.Unlock()
		pc.Close()
		return nil, err
	}

	return peer, nil
}

// establishOutbound performs SDP signaling for a PeerConnection already
// stored in the peers map. On success peer.established is closed by the
// ICE state handler.
func (wt *WebRTCTransport) establishOutbound(ctx context.Context, peer *peerState) error {
	peerLocalpart := peer.localpart
	pc := peer.connection

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt.handleInboundDataChannel(dc, peerLocalpart)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.handleICEStateChange(peerLocalpart, peer, state)
	})

	// The init channel forces pion to include a data channel section
	// in the offer. Neither side sends on it.
	if _, err := pc.CreateDataChannel(initLabel, nil); err != nil {
		return fmt.Errorf("creating init data channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	completeSDP := pc.LocalDescription().SDP
	if err := wt.signaler.PublishOffer(ctx, wt.localpart, peerLocalpart, completeSDP); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}
	wt.logger.Info("WebRTC offer published", "peer", peerLocalpart)

	answerSDP, err := wt.waitForAnswer(ctx, peerLocalpart)
	if err != nil {
		return fmt.Errorf("waiting for SDP answer from %s: %w", peerLocalpart, err)
	}

	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	wt.logger.Info("WebRTC outbound connection signaled", "peer", peerLocalpart)
	return nil
}

// waitForAnswer polls the signaler for an SDP answer from the specified peer.
func (wt *WebRTCTransport) waitForAnswer(ctx context.Context, peerLocalpart string) (string, error) {
	deadline := time.After(answerTimeout)
	ticker := time.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("timed out after %s", answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wt.closed:
			return "", net.ErrClosed
		case <-ticker.C:
			answers, err := wt.signaler.PollAnswers(ctx, wt.localpart)
			if err != nil {
				wt.logger.Warn("polling for SDP answer failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.PeerLocalpart == peerLocalpart {
					return answer.SDP, nil
				}
			}
		}
	}
}

// signalingPoller runs in the background and answers incoming offers.
func (wt *WebRTCTransport) signalingPoller(ctx context.Context) {
	ticker := time.NewTicker(wt.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wt.closed:
			return
		case <-ticker.C:
			wt.processInboundOffers(ctx)
		}
	}
}

// processInboundOffers checks for new SDP offers and answers them. A
// new offer from a peer replaces any existing connection to it: the
// client re-offers only after it has given up on the old one.
func (wt *WebRTCTransport) processInboundOffers(ctx context.Context) {
	offers, err := wt.signaler.PollOffers(ctx, wt.localpart)
	if err != nil {
		wt.logger.Warn("polling for SDP offers failed", "error", err)
		return
	}

	for _, offer := range offers {
		wt.mu.Lock()
		if existing, ok := wt.peers[offer.PeerLocalpart]; ok {
			existing.connection.Close()
			delete(wt.peers, offer.PeerLocalpart)
		}
		wt.mu.Unlock()

		if err := wt.answerOffer(ctx, offer); err != nil {
			wt.logger.Error("answering WebRTC offer failed",
				"peer", offer.PeerLocalpart,
				"error", err,
			)
		}
	}
}

// answerOffer creates a PeerConnection in response to an incoming SDP offer.
func (wt *WebRTCTransport) answerOffer(ctx context.Context, offer SignalMessage) error {
	pc, err := wt.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := &peerState{
		connection:  pc,
		localpart:   offer.PeerLocalpart,
		established: make(chan struct{}),
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt.handleInboundDataChannel(dc, offer.PeerLocalpart)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.handleICEStateChange(offer.PeerLocalpart, peer, state)
	})

	remoteOffer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		pc.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	completeSDP := pc.LocalDescription().SDP
	if err := wt.signaler.PublishAnswer(ctx, offer.PeerLocalpart, wt.localpart, completeSDP); err != nil {
		pc.Close()
		return fmt.Errorf("publishing SDP answer: %w", err)
	}

	wt.mu.Lock()
	wt.peers[offer.PeerLocalpart] = peer
	wt.mu.Unlock()

	wt.logger.Info("WebRTC inbound connection answered", "peer", offer.PeerLocalpart)
	return nil
}

// handleInboundDataChannel parses the data channel label as a sync key
// and hands the opened channel to the accept function.
func (wt *WebRTCTransport) handleInboundDataChannel(dc *webrtc.DataChannel, peerLocalpart string) {
	// Accepting the init channel would leave a reader blocked on it for
	// the life of the association.
	if dc.Label() == initLabel {
		dc.OnOpen(func() {
			dc.Close()
		})
		return
	}

	key, err := ParseKey(dc.Label())
	if err != nil {
		wt.logger.Warn("refusing data channel with invalid label",
			"peer", peerLocalpart,
			"label", dc.Label(),
			"error", err,
		)
		dc.OnOpen(func() {
			dc.Close()
		})
		return
	}

	dc.OnOpen(func() {
		wt.acceptMu.RLock()
		accept := wt.accept
		wt.acceptMu.RUnlock()
		if accept == nil {
			wt.logger.Warn("refusing data channel before Serve", "peer", peerLocalpart, "key", key.String())
			dc.Close()
			return
		}

		rawChannel, err := dc.Detach()
		if err != nil {
			wt.logger.Error("detaching inbound data channel failed",
				"peer", peerLocalpart,
				"label", dc.Label(),
				"error", err,
			)
			return
		}

		select {
		case <-wt.closed:
			rawChannel.Close()
			return
		default:
		}

		conn := NewDataChannelConn(
			rawChannel,
			wt.localpart+"/"+dc.Label(),
			peerLocalpart+"/"+dc.Label(),
			nil,
		)
		wt.logger.Debug("inbound sync channel opened", "peer", peerLocalpart, "key", key.String())
		accept(key, NewStreamChannel(conn, wt.logger.With("key", key.String(), "peer", peerLocalpart)))
	})
}

// handleICEStateChange monitors PeerConnection state and manages the
// established signal.
func (wt *WebRTCTransport) handleICEStateChange(peerLocalpart string, peer *peerState, state webrtc.ICEConnectionState) {
	wt.logger.Info("ICE state change",
		"peer", peerLocalpart,
		"state", state.String(),
	)

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		select {
		case <-peer.established:
		default:
			close(peer.established)
		}

	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		// getOrCreatePeer checks the state and re-establishes on the
		// next dial. Data channels on the association fail on their
		// own, which the reconciler observes as a dropped channel.
		wt.logger.Warn("WebRTC connection lost, will re-establish on next dial",
			"peer", peerLocalpart,
		)

	case webrtc.ICEConnectionStateClosed:
		wt.mu.Lock()
		if current, ok := wt.peers[peerLocalpart]; ok && current == peer {
			delete(wt.peers, peerLocalpart)
		}
		wt.mu.Unlock()
	}
}

// openDataChannel creates an ordered, reliable data channel with the
// given label and returns it as a net.Conn once open.
func (wt *WebRTCTransport) openDataChannel(ctx context.Context, peer *peerState, label string) (net.Conn, error) {
	wt.logger.Debug("opening data channel", "label", label, "peer", peer.localpart)

	ordered := true
	dc, err := peer.connection.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	openChan := make(chan struct{})
	dc.OnOpen(func() {
		close(openChan)
	})

	select {
	case <-openChan:
	case <-time.After(dataChannelOpenTimeout):
		dc.Close()
		return nil, fmt.Errorf("data channel %s did not open within %s", label, dataChannelOpenTimeout)
	case <-ctx.Done():
		dc.Close()
		return nil, ctx.Err()
	case <-wt.closed:
		dc.Close()
		return nil, net.ErrClosed
	}

	rawChannel, err := dc.Detach()
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("detaching data channel %s: %w", label, err)
	}

	return NewDataChannelConn(
		rawChannel,
		wt.localpart+"/"+label,
		peer.localpart+"/"+label,
		nil,
	), nil
}

// newPeerConnection creates a pion PeerConnection with the current ICE config.
func (wt *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	wt.configMu.RLock()
	config := webrtc.Configuration{
		ICEServers: wt.iceConfig.Servers,
	}
	wt.configMu.RUnlock()

	// Detach gives stream access to data channels; loopback candidates
	// let a client and relay on one machine find each other.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/pairspace/lib/netutil"
	"github.com/bureau-foundation/pairspace/transport"
)

// leaveTimeout bounds the resource DELETE sent on Leave.
const leaveTimeout = 5 * time.Second

// WHIPProvider joins conferences through a WHIP endpoint: the offer is
// POSTed as application/sdp with the conference token as a bearer
// credential, the answer comes back in a 201 response, and the Location
// header names the session resource deleted on Leave.
//
// The offer carries one sendrecv transceiver per kind. Publishing
// swaps a capture track onto the kind's sender and unpublishing swaps
// it off, so neither renegotiates.
type WHIPProvider struct {
	ICE        transport.ICEConfig
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Join implements Provider. It returns once the peer connection is
// connected.
func (p *WHIPProvider) Join(ctx context.Context, serverURL, token string, local Identity) (Conference, error) {
	if serverURL == "" {
		return nil, errors.New("conference server URL is not configured")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	api, err := newMediaAPI()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: p.ICE.Servers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	conference := &whipConference{
		pc:           pc,
		client:       p.httpClient(),
		token:        token,
		local:        local,
		logger:       logger.With("conference", serverURL),
		senders:      make(map[Kind]*webrtc.RTPSender, len(Kinds)),
		publications: make(map[string]Kind),
		published:    make(map[Kind]string),
		owners:       make(map[string]int),
		events:       make(chan Event, 16),
		connected:    make(chan struct{}),
		lost:         make(chan struct{}),
		left:         make(chan struct{}),
	}
	for _, kind := range Kinds {
		transceiver, err := pc.AddTransceiverFromKind(codecType(kind), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding %s transceiver: %w", kind, err)
		}
		conference.senders[kind] = transceiver.Sender()
	}
	pc.OnTrack(conference.handleTrack)
	pc.OnConnectionStateChange(conference.handleConnectionState)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	answer, resource, err := p.exchange(ctx, serverURL, token, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		return nil, err
	}
	conference.resource = resource
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		conference.Leave()
		return nil, fmt.Errorf("setting remote description: %w", err)
	}

	select {
	case <-conference.connected:
		return conference, nil
	case <-conference.lost:
		conference.Leave()
		return nil, fmt.Errorf("%w: conference connection failed", transport.ErrTransient)
	case <-ctx.Done():
		conference.Leave()
		return nil, ctx.Err()
	}
}

func (p *WHIPProvider) httpClient() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

// exchange POSTs the offer and returns the answer SDP and the absolute
// session resource URL.
func (p *WHIPProvider) exchange(ctx context.Context, endpoint, token, offer string) (string, string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer))
	if err != nil {
		return "", "", fmt.Errorf("building offer request: %w", err)
	}
	request.Header.Set("Content-Type", "application/sdp")
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := p.httpClient().Do(request)
	if err != nil {
		return "", "", fmt.Errorf("%w: posting offer: %v", transport.ErrTransient, err)
	}
	defer response.Body.Close()
	if err := netutil.CheckResponse("conference", response); err != nil {
		return "", "", err
	}
	answer, err := io.ReadAll(io.LimitReader(response.Body, netutil.MaxResponseSize))
	if err != nil {
		return "", "", fmt.Errorf("reading answer: %w", err)
	}

	location := response.Header.Get("Location")
	if location == "" {
		return string(answer), "", nil
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("parsing conference URL: %w", err)
	}
	reference, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("parsing session resource %q: %w", location, err)
	}
	return string(answer), base.ResolveReference(reference).String(), nil
}

func newMediaAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

func codecType(kind Kind) webrtc.RTPCodecType {
	if kind == Video {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

type whipConference struct {
	pc       *webrtc.PeerConnection
	client   *http.Client
	token    string
	resource string
	local    Identity
	logger   *slog.Logger
	senders  map[Kind]*webrtc.RTPSender

	mu           sync.Mutex
	publications map[string]Kind
	published    map[Kind]string
	// owners counts live remote tracks per stream id.
	owners  map[string]int
	leaving bool

	events        chan Event
	connected     chan struct{}
	connectedOnce sync.Once
	lost          chan struct{}
	lostOnce      sync.Once
	left          chan struct{}
	leaveOnce     sync.Once
	leaveErr      error
}

func (c *whipConference) Events() <-chan Event { return c.events }

func (c *whipConference) Publish(ctx context.Context, kind Kind, capture Capture) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sender, ok := c.senders[kind]
	if !ok {
		return "", fmt.Errorf("no %s transceiver", kind)
	}
	if capture.Kind() != kind {
		return "", fmt.Errorf("capture is %s, not %s", capture.Kind(), kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaving {
		return "", errors.New("conference is closed")
	}
	if existing := c.published[kind]; existing != "" {
		return "", fmt.Errorf("%s already published as %s", kind, existing)
	}
	if err := sender.ReplaceTrack(capture.Track()); err != nil {
		return "", fmt.Errorf("attaching %s track: %w", kind, err)
	}
	publication := uuid.NewString()
	c.publications[publication] = kind
	c.published[kind] = publication
	return publication, nil
}

func (c *whipConference) Unpublish(ctx context.Context, publication string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	kind, ok := c.publications[publication]
	if !ok {
		return fmt.Errorf("unknown publication %s", publication)
	}
	delete(c.publications, publication)
	delete(c.published, kind)
	if c.leaving {
		return nil
	}
	if err := c.senders[kind].ReplaceTrack(nil); err != nil {
		return fmt.Errorf("detaching %s track: %w", kind, err)
	}
	return nil
}

// Leave closes the peer connection and deletes the session resource.
func (c *whipConference) Leave() error {
	c.leaveOnce.Do(func() {
		c.mu.Lock()
		c.leaving = true
		c.mu.Unlock()
		close(c.left)

		var errs []error
		if err := c.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing peer connection: %w", err))
		}
		if c.resource != "" {
			if err := c.deleteResource(); err != nil {
				errs = append(errs, err)
			}
		}
		c.leaveErr = errors.Join(errs...)
	})
	return c.leaveErr
}

func (c *whipConference) deleteResource() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.resource, nil)
	if err != nil {
		return fmt.Errorf("building leave request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("deleting conference session: %w", err)
	}
	defer response.Body.Close()
	return netutil.CheckResponse("conference", response)
}

func (c *whipConference) emit(event Event) {
	select {
	case c.events <- event:
	case <-c.left:
	}
}

func (c *whipConference) handleConnectionState(state webrtc.PeerConnectionState) {
	c.logger.Debug("conference connection state", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.connectedOnce.Do(func() { close(c.connected) })
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		c.mu.Lock()
		leaving := c.leaving
		c.mu.Unlock()
		if leaving {
			return
		}
		c.lostOnce.Do(func() {
			close(c.lost)
			go c.emit(Disconnected{Err: fmt.Errorf("%w: conference connection %s", transport.ErrTransient, state)})
		})
	}
}

// handleTrack turns a remote track into roster events. A stream's
// first track announces its owner; the end of its last track
// withdraws them.
func (c *whipConference) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := Audio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = Video
	}
	owner := remote.StreamID()
	if owner == c.local.ID {
		return
	}
	track := Track{Kind: kind, Owner: owner, PublicationID: remote.ID(), Enabled: true}

	c.mu.Lock()
	c.owners[owner]++
	first := c.owners[owner] == 1
	c.mu.Unlock()
	if first {
		c.emit(ParticipantJoined{Participant: Identity{ID: owner}})
	}
	c.emit(TrackPublished{Track: track})

	for {
		if _, _, err := remote.ReadRTP(); err != nil {
			break
		}
	}

	c.emit(TrackUnpublished{Owner: owner, PublicationID: track.PublicationID})
	c.mu.Lock()
	c.owners[owner]--
	last := c.owners[owner] == 0
	if last {
		delete(c.owners, owner)
	}
	c.mu.Unlock()
	if last {
		c.emit(ParticipantLeft{ID: owner})
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/pairspace/lib/clock"
	"github.com/bureau-foundation/pairspace/lib/netutil"
	"github.com/bureau-foundation/pairspace/lib/testutil"
)

// whipServer answers WHIP offers with a pion peer that reports the
// tracks it receives and optionally sends one track of its own.
type whipServer struct {
	t        *testing.T
	token    string
	outbound webrtc.TrackLocal

	received chan webrtc.RTPCodecType
	deleted  chan string

	mu    sync.Mutex
	peers []*webrtc.PeerConnection
}

func newWHIPServer(t *testing.T, token string, outbound webrtc.TrackLocal) (*whipServer, *httptest.Server) {
	s := &whipServer{
		t:        t,
		token:    token,
		outbound: outbound,
		received: make(chan webrtc.RTPCodecType, 8),
		deleted:  make(chan string, 1),
	}
	server := httptest.NewServer(s)
	t.Cleanup(func() {
		server.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, pc := range s.peers {
			pc.Close()
		}
	})
	return s, server
}

func (s *whipServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.answer(w, r)
	case http.MethodDelete:
		s.deleted <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *whipServer) answer(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != "application/sdp" {
		http.Error(w, "want application/sdp", http.StatusUnsupportedMediaType)
		return
	}
	offer, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	api, err := newMediaAPI()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	s.peers = append(s.peers, pc)
	s.mu.Unlock()

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.received <- track.Kind()
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	})
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(offer)}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.outbound != nil {
		if _, err := pc.AddTrack(s.outbound); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	<-gatherComplete

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", "/whip/session-1")
	w.WriteHeader(http.StatusCreated)
	w.Write([]byte(pc.LocalDescription().SDP))
}

func TestWHIPProvider_PublishReceiveLeave(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	remoteDevice := NewSyntheticDevice("bob", clock.Real())
	remoteCapture, err := remoteDevice.Acquire(ctx, Audio)
	if err != nil {
		t.Fatal(err)
	}
	defer remoteCapture.Release()

	server, httpServer := newWHIPServer(t, "jwt-alice", remoteCapture.Track())
	provider := &WHIPProvider{HTTPClient: httpServer.Client(), Logger: testLogger()}

	conference, err := provider.Join(ctx, httpServer.URL+"/whip", "jwt-alice", Identity{ID: "alice"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	joined := testutil.RequireReceive(t, conference.Events(), 10*time.Second, "waiting for remote participant")
	if event, ok := joined.(ParticipantJoined); !ok || event.Participant.ID != "bob" {
		t.Fatalf("first event = %#v, want bob joining", joined)
	}
	published := testutil.RequireReceive(t, conference.Events(), 10*time.Second, "waiting for remote track")
	if event, ok := published.(TrackPublished); !ok || event.Track.Owner != "bob" || event.Track.Kind != Audio {
		t.Fatalf("second event = %#v, want bob's audio track", published)
	}

	localDevice := NewSyntheticDevice("alice", clock.Real())
	capture, err := localDevice.Acquire(ctx, Video)
	if err != nil {
		t.Fatal(err)
	}
	defer capture.Release()

	publication, err := conference.Publish(ctx, Video, capture)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if kind := testutil.RequireReceive(t, server.received, 10*time.Second, "waiting for the server to receive video"); kind != webrtc.RTPCodecTypeVideo {
		t.Errorf("server received %s, want video", kind)
	}
	if _, err := conference.Publish(ctx, Video, capture); err == nil {
		t.Error("second video publish succeeded")
	}

	if err := conference.Unpublish(ctx, publication); err != nil {
		t.Fatalf("Unpublish: %v", err)
	}
	if err := conference.Unpublish(ctx, publication); err == nil {
		t.Error("unpublishing twice succeeded")
	}

	if err := conference.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if path := testutil.RequireReceive(t, server.deleted, 5*time.Second, "waiting for session delete"); path != "/whip/session-1" {
		t.Errorf("deleted %q, want /whip/session-1", path)
	}
	if err := conference.Leave(); err != nil {
		t.Errorf("second Leave: %v", err)
	}
}

func TestWHIPProvider_RejectedToken(t *testing.T) {
	_, httpServer := newWHIPServer(t, "jwt-alice", nil)
	provider := &WHIPProvider{HTTPClient: httpServer.Client(), Logger: testLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := provider.Join(ctx, httpServer.URL+"/whip", "forged", Identity{ID: "mallory"})
	var statusErr *netutil.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Join error = %v, want HTTP 401", err)
	}
}

func TestSyntheticDevice_ExclusivePerKind(t *testing.T) {
	device := NewSyntheticDevice("alice", clock.Fake(epoch))
	ctx := context.Background()

	first, err := device.Acquire(ctx, Audio)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := device.Acquire(ctx, Audio); !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("second audio Acquire error = %v, want ErrCaptureUnavailable", err)
	}
	if _, err := device.Acquire(ctx, Video); err != nil {
		t.Fatalf("video Acquire while audio held: %v", err)
	}

	first.Release()
	first.Release()
	if device.Held(Audio) {
		t.Fatal("audio still held after Release")
	}
	if _, err := device.Acquire(ctx, Audio); err != nil {
		t.Fatalf("audio Acquire after Release: %v", err)
	}
	if _, err := device.Acquire(ctx, Kind("screen")); !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("unknown kind error = %v, want ErrCaptureUnavailable", err)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/pairspace/lib/clock"
)

// SyntheticDevice produces generated RTP streams in place of a camera
// and microphone. Headless clients and tests use it; each kind can be
// held by at most one capture at a time, like a physical device.
type SyntheticDevice struct {
	streamID string
	clock    clock.Clock

	mu          sync.Mutex
	held        map[Kind]*syntheticCapture
	unavailable map[Kind]bool
}

// NewSyntheticDevice returns a device whose tracks carry streamID,
// which conference peers see as the track owner.
func NewSyntheticDevice(streamID string, clk clock.Clock) *SyntheticDevice {
	if clk == nil {
		clk = clock.Real()
	}
	return &SyntheticDevice{
		streamID:    streamID,
		clock:       clk,
		held:        make(map[Kind]*syntheticCapture),
		unavailable: make(map[Kind]bool),
	}
}

// SetUnavailable makes Acquire fail for kind, as a denied permission
// would.
func (d *SyntheticDevice) SetUnavailable(kind Kind, unavailable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unavailable[kind] = unavailable
}

// Held reports whether a capture of kind is outstanding.
func (d *SyntheticDevice) Held(kind Kind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held[kind] != nil
}

type syntheticProfile struct {
	capability webrtc.RTPCodecCapability
	interval   time.Duration
	// step is the RTP timestamp advance per packet.
	step    uint32
	payload []byte
}

var syntheticProfiles = map[Kind]syntheticProfile{
	// 20ms Opus frames; the payload is an Opus silence frame.
	Audio: {
		capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		interval:   20 * time.Millisecond,
		step:       960,
		payload:    []byte{0xf8, 0xff, 0xfe},
	},
	// 10fps VP8 keyframe-sized placeholder.
	Video: {
		capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		interval:   100 * time.Millisecond,
		step:       9000,
		payload:    make([]byte, 256),
	},
}

// Acquire implements CaptureDevice.
func (d *SyntheticDevice) Acquire(ctx context.Context, kind Kind) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	profile, ok := syntheticProfiles[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrCaptureUnavailable, kind)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unavailable[kind] {
		return nil, fmt.Errorf("%w: %s capture denied", ErrCaptureUnavailable, kind)
	}
	if d.held[kind] != nil {
		return nil, fmt.Errorf("%w: %s already in use", ErrCaptureUnavailable, kind)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(profile.capability, string(kind), d.streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s track: %v", ErrCaptureUnavailable, kind, err)
	}
	capture := &syntheticCapture{
		device: d,
		kind:   kind,
		track:  track,
		done:   make(chan struct{}),
	}
	d.held[kind] = capture
	go capture.pump(d.clock, profile)
	return capture, nil
}

type syntheticCapture struct {
	device *SyntheticDevice
	kind   Kind
	track  *webrtc.TrackLocalStaticRTP

	releaseOnce sync.Once
	done        chan struct{}
}

func (c *syntheticCapture) Kind() Kind { return c.kind }
func (c *syntheticCapture) Track() webrtc.TrackLocal { return c.track }

func (c *syntheticCapture) Release() error {
	c.releaseOnce.Do(func() {
		close(c.done)
		c.device.mu.Lock()
		if c.device.held[c.kind] == c {
			delete(c.device.held, c.kind)
		}
		c.device.mu.Unlock()
	})
	return nil
}

func (c *syntheticCapture) pump(clk clock.Clock, profile syntheticProfile) {
	ticker := clk.NewTicker(profile.interval)
	defer ticker.Stop()

	// TrackLocalStaticRTP rewrites SSRC and payload type per binding.
	packet := &rtp.Packet{
		Header:  rtp.Header{Version: 2, Marker: true},
		Payload: profile.payload,
	}
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			packet.SequenceNumber++
			packet.Timestamp += profile.step
			if err := c.track.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				return
			}
		}
	}
}

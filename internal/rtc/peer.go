// SPDX-FileCopyrightText: 2026 Pairtime contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/pairtime/voicecall/internal/call"
)

// peerConn adapts *webrtc.PeerConnection to call.PeerConnection.
type peerConn struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger
}

func (p *peerConn) AddAudioTrack(h call.MediaHandle) error {
	mh, ok := h.(*micHandle)
	if !ok {
		return fmt.Errorf("unsupported media handle type %T", h)
	}
	sender, err := p.pc.AddTrack(mh.track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	mh.bind(sender)
	return nil
}

func (p *peerConn) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (p *peerConn) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (p *peerConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *peerConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		fn(c.ToJSON())
	})
}

func (p *peerConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state changed", "state", st.String())
		fn(st)
	})
}

func (p *peerConn) OnRemoteTrack(fn func(call.RemoteTrack)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if tr.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		p.log.Debug("receiving audio track",
			"track_id", tr.ID(), "codec", tr.Codec().MimeType)
		rt := &remoteTrack{tr: tr}
		go rt.drain(p.log)
		fn(rt)
	})
}

func (p *peerConn) Close() error {
	return p.pc.Close()
}

// remoteTrack continuously reads inbound RTP (pion requires draining) and
// records packet arrival so callers can tell whether remote audio is
// flowing. Playback is left to the host application.
type remoteTrack struct {
	tr         *webrtc.TrackRemote
	lastPacket atomic.Int64
}

func (t *remoteTrack) ID() string   { return t.tr.ID() }
func (t *remoteTrack) Kind() string { return t.tr.Kind().String() }

func (t *remoteTrack) Active(within time.Duration) bool {
	last := t.lastPacket.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) <= within
}

// drain runs until the track errors out, which happens when the connection
// closes.
func (t *remoteTrack) drain(log *slog.Logger) {
	buf := make([]byte, 4096)
	for {
		n, _, err := t.tr.Read(buf)
		if err != nil {
			log.Debug("track read finished", "track_id", t.tr.ID(), "error", err)
			return
		}
		if n == 0 {
			continue
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		t.lastPacket.Store(time.Now().UnixNano())
	}
}

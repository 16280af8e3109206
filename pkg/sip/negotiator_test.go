package sip

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gb28181-restreamer/pkg/recording"
)

func TestHandleInvite_LiveStream(t *testing.T) {
	h := newHarness(t)
	msg := h.invite(t, "call-live-1", h.channelID(), liveOffer(""))

	h.negotiator.HandleInvite(context.Background(), msg)

	resp := h.readFinalResponse(t)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, strings.ToLower(resp.ContentType), "sdp")

	answer := string(resp.Body)
	// Platform offered recvonly, we send.
	assert.Contains(t, answer, "a=sendonly")
	// Platform SSRC echoed on the vendor line.
	assert.Contains(t, answer, "y=0100000001")
	assert.Contains(t, answer, "f=v/2/25")
	// Real local RTP port, not a placeholder.
	assert.Contains(t, answer, "m=video 40000 RTP/AVP 96")

	require.Equal(t, 1, h.engine.callCount())
	req := h.engine.lastCall()
	assert.Equal(t, "rtsp://camera.local/stream", req.SourceRef)
	assert.Equal(t, "127.0.0.1", req.DestIP)
	assert.Equal(t, 30000, req.DestPort)
	assert.False(t, req.Playback)

	session, ok := h.tracker.Get("call-live-1")
	require.True(t, ok)
	assert.Equal(t, SessionPlay, session.Kind)
	assert.Equal(t, "0100000001", session.SSRC)
}

func TestHandleInvite_UnknownChannel(t *testing.T) {
	h := newHarness(t)
	msg := h.invite(t, "call-miss-1", "34020000001320009999", liveOffer(""))

	h.negotiator.HandleInvite(context.Background(), msg)

	resp := h.readFinalResponse(t)
	assert.Equal(t, 404, resp.StatusCode)
	// No media may start for a channel the catalog does not list.
	assert.Equal(t, 0, h.engine.callCount())
	assert.Equal(t, 0, h.tracker.Count())
}

func TestHandleInvite_DeviceIDSelectsFirstChannel(t *testing.T) {
	h := newHarness(t)
	msg := h.invite(t, "call-dev-1", h.cfg.DeviceID, liveOffer(""))

	h.negotiator.HandleInvite(context.Background(), msg)

	resp := h.readFinalResponse(t)
	assert.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 1, h.engine.callCount())
	assert.Equal(t, h.channelID(), h.engine.lastCall().ChannelID)
}

func TestHandleInvite_BadSDP(t *testing.T) {
	h := newHarness(t)
	msg := h.invite(t, "call-bad-1", h.channelID(), "this is not sdp\n")

	h.negotiator.HandleInvite(context.Background(), msg)

	resp := h.readFinalResponse(t)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, 0, h.engine.callCount())
}

func TestHandleInvite_TCPActiveAnswer(t *testing.T) {
	h := newHarness(t)
	offer := liveOffer("m=video 30000 TCP/RTP/AVP 96") + "a=setup:passive\n"
	msg := h.invite(t, "call-tcp-1", h.channelID(), offer)

	h.negotiator.HandleInvite(context.Background(), msg)

	resp := h.readFinalResponse(t)
	require.Equal(t, 200, resp.StatusCode)
	answer := string(resp.Body)
	// We dial out, so the answer advertises the discard port.
	assert.Contains(t, answer, "m=video 9 TCP/RTP/AVP 96")
	assert.Contains(t, answer, "a=setup:active")
	assert.Contains(t, answer, "a=connection:new")
	assert.Equal(t, MediaTCPActive, h.engine.lastCall().Transport)
}

func TestHandleInvite_TCPPassiveRejected(t *testing.T) {
	h := newHarness(t)
	offer := liveOffer("m=video 30000 TCP/RTP/AVP 96") + "a=setup:active\n"
	msg := h.invite(t, "call-tcpp-1", h.channelID(), offer)

	h.negotiator.HandleInvite(context.Background(), msg)

	resp := h.readFinalResponse(t)
	assert.Equal(t, 488, resp.StatusCode)
	assert.Equal(t, 0, h.engine.callCount())
}

func TestHandleInvite_MediaStartFailureAnswers488(t *testing.T) {
	h := newHarness(t)
	h.engine.err = errors.New("origin down")
	msg := h.invite(t, "call-fail-1", h.channelID(), liveOffer(""))

	h.negotiator.HandleInvite(context.Background(), msg)

	resp := h.readFinalResponse(t)
	assert.Equal(t, 488, resp.StatusCode)
	assert.Equal(t, 1, h.engine.callCount())
	assert.Equal(t, 0, h.tracker.Count())
}

func TestHandleInvite_RetransmissionReplaysAnswer(t *testing.T) {
	h := newHarness(t)
	msg := h.invite(t, "call-rtx-1", h.channelID(), liveOffer(""))

	h.negotiator.HandleInvite(context.Background(), msg)
	first := h.readFinalResponse(t)
	require.Equal(t, 200, first.StatusCode)

	h.negotiator.HandleInvite(context.Background(), msg)
	second := h.readFinalResponse(t)
	assert.Equal(t, 200, second.StatusCode)
	assert.Equal(t, first.Body, second.Body)
	// The retransmit must not start a second stream.
	assert.Equal(t, 1, h.engine.callCount())
	assert.Equal(t, 1, h.tracker.Count())
}

func TestHandleInvite_Playback(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	h.index.recs = []recording.Recording{{
		ChannelID: h.channelID(),
		Name:      "clip",
		FilePath:  "rtsp://nvr.local/clip1",
		StartTime: start,
		EndTime:   end,
	}}

	offer := `v=0
o=34020000002000000001 0 0 IN IP4 127.0.0.1
s=Playback
c=IN IP4 127.0.0.1
t=` + itoa(start.Unix()) + ` ` + itoa(end.Unix()) + `
m=video 30002 RTP/AVP 96
a=recvonly
a=rtpmap:96 PS/90000
y=1000000001
`
	msg := h.invite(t, "call-pb-1", h.channelID(), offer)
	h.negotiator.HandleInvite(context.Background(), msg)

	resp := h.readFinalResponse(t)
	require.Equal(t, 200, resp.StatusCode)
	// Playback answers carry the requested time window.
	assert.Contains(t, string(resp.Body), "t="+itoa(start.Unix())+" "+itoa(end.Unix()))

	require.Equal(t, 1, h.engine.callCount())
	req := h.engine.lastCall()
	assert.True(t, req.Playback)
	assert.Equal(t, "rtsp://nvr.local/clip1", req.SourceRef)
	assert.Equal(t, start.Unix(), req.StartTime)

	session, ok := h.tracker.Get("call-pb-1")
	require.True(t, ok)
	assert.Equal(t, SessionPlayback, session.Kind)
}

func TestHandleInvite_PlaybackNoRecording(t *testing.T) {
	h := newHarness(t)
	offer := `v=0
o=34020000002000000001 0 0 IN IP4 127.0.0.1
s=Playback
c=IN IP4 127.0.0.1
t=1767600000 1767603600
m=video 30002 RTP/AVP 96
a=recvonly
`
	msg := h.invite(t, "call-pb-miss", h.channelID(), offer)
	h.negotiator.HandleInvite(context.Background(), msg)

	resp := h.readFinalResponse(t)
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, 0, h.engine.callCount())
}

func TestHandleByeAndAck(t *testing.T) {
	h := newHarness(t)
	msg := h.invite(t, "call-bye-1", h.channelID(), liveOffer(""))
	h.negotiator.HandleInvite(context.Background(), msg)
	require.Equal(t, 200, h.readFinalResponse(t).StatusCode)

	h.negotiator.HandleAck(msg)
	session, ok := h.tracker.Get("call-bye-1")
	require.True(t, ok)
	assert.True(t, session.Confirmed)

	stream := h.engine.streams[0]
	h.negotiator.HandleBye(msg)
	assert.Equal(t, 200, h.readFinalResponse(t).StatusCode)
	assert.Equal(t, 0, h.tracker.Count())
	assert.Equal(t, 1, stream.stopCount())

	// BYE for a dead dialog is still answered 200.
	h.negotiator.HandleBye(msg)
	assert.Equal(t, 200, h.readFinalResponse(t).StatusCode)
}

func TestUriUser(t *testing.T) {
	assert.Equal(t, "34020000001320000001", uriUser("sip:34020000001320000001@3402000000"))
	assert.Equal(t, "34020000001320000001", uriUser("<sip:34020000001320000001@host:5060>;tag=abc"))
	assert.Equal(t, "34020000001320000001", uriUser(`"Platform" <sip:34020000001320000001@host>`))
	assert.Equal(t, "", uriUser(""))
}

func TestGenerateSSRC(t *testing.T) {
	live := generateSSRC(false)
	assert.Len(t, live, 10)
	assert.Equal(t, byte('0'), live[0])

	playback := generateSSRC(true)
	assert.Len(t, playback, 10)
	assert.Equal(t, byte('1'), playback[0])
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

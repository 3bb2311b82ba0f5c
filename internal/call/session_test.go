package call

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"linkup/internal/database"
	apperrors "linkup/internal/errors"
	"linkup/internal/models"
	"linkup/internal/peer"
	"linkup/internal/peer/peertest"
	"linkup/pkg/signaling/signalingtest"
	"linkup/pkg/signaling/types"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type endReport struct {
	callID   string
	status   models.CallStatus
	duration int
}

type fixture struct {
	server  *signalingtest.Server
	api     *mockAPI
	peers   *peertest.Factory
	media   *peertest.MediaSource
	gate    *slot
	sess    *Session
	reports chan endReport
	// endGate, when set before the first call, holds EndCall until closed
	endGate chan struct{}

	mu   sync.Mutex
	seen []State
}

func newFixture(t *testing.T, cfg Config, store Store) *fixture {
	t.Helper()
	if cfg.UserID == "" {
		cfg.UserID = "bob"
	}
	server := signalingtest.NewServer()
	ch := signalingtest.OpenChannel(t, server)
	logger, _ := test.NewNullLogger()

	f := &fixture{
		server:  server,
		api:     &mockAPI{},
		peers:   &peertest.Factory{},
		media:   &peertest.MediaSource{},
		gate:    &slot{},
		reports: make(chan endReport, 16),
	}
	f.api.On("StartCall", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.api.On("EndCall", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			if f.endGate != nil {
				<-f.endGate
			}
			f.reports <- endReport{
				callID:   args.String(1),
				status:   args.Get(2).(models.CallStatus),
				duration: args.Int(3),
			}
		}).Return(nil).Maybe()

	f.sess = New(cfg, Deps{
		Channel: ch,
		API:     f.api,
		Store:   store,
		Peers:   f.peers,
		Media:   f.media,
		Gate:    f.gate,
	}, logger)
	t.Cleanup(f.sess.Close)

	f.sess.OnStateChange(func(st State) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.seen = append(f.seen, st)
	})
	return f
}

func (f *fixture) offer(t *testing.T, callID string) {
	t.Helper()
	require.NoError(t, f.server.Push(types.TypeCallOffer, types.Offer{
		CallID:       callID,
		RoomID:       "42",
		SenderID:     "alice",
		TargetUserID: "bob",
		SDP:          "remote-offer:" + callID,
	}))
}

func (f *fixture) candidate(t *testing.T, callID, candidate string) {
	t.Helper()
	require.NoError(t, f.server.Push(types.TypeICECandidate, types.ICECandidate{
		CallID:       callID,
		RoomID:       "42",
		SenderID:     "alice",
		TargetUserID: "bob",
		Candidate:    types.Candidate{Candidate: candidate},
	}))
}

func (f *fixture) waitState(t *testing.T, name, callID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := f.sess.State()
		return st.Name() == name && st.CallID() == callID
	}, waitFor, tick, "expected %s %s, have %s", name, callID, f.sess.State().Name())
}

func (f *fixture) activeIncoming(t *testing.T, callID string) *peertest.Connection {
	t.Helper()
	f.offer(t, callID)
	f.waitState(t, "incoming", callID)
	require.NoError(t, f.sess.Accept(context.Background()))
	f.waitState(t, "active", callID)
	pc := f.peers.ByLabel("call:" + callID)
	require.NotNil(t, pc)
	return pc
}

func (f *fixture) endedCount(callID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, st := range f.seen {
		if e, ok := st.(Ended); ok && e.ID == callID {
			n++
		}
	}
	return n
}

func (f *fixture) waitReport(t *testing.T) endReport {
	t.Helper()
	select {
	case r := <-f.reports:
		return r
	case <-time.After(waitFor):
		t.Fatal("call end was not reported")
		return endReport{}
	}
}

func (f *fixture) noReport(t *testing.T) {
	t.Helper()
	select {
	case r := <-f.reports:
		t.Fatalf("unexpected call end report for %s", r.callID)
	default:
	}
}

func decodeEnded(t *testing.T, frame types.Frame) types.CallEnded {
	t.Helper()
	var p types.CallEnded
	require.NoError(t, frame.Decode(&p))
	return p
}

func TestSession_OfferWhileActiveAnsweredBusy(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	pc := f.activeIncoming(t, "k2")

	f.offer(t, "k1")

	frames := f.server.WaitFrames(types.TypeCallEnded, 1, waitFor)
	require.Len(t, frames, 1)
	busy := decodeEnded(t, frames[0])
	assert.Equal(t, "k1", busy.CallID)
	assert.Equal(t, string(models.CallStatusBusy), busy.CallStatus)
	assert.Equal(t, "bob", busy.SenderID)

	active, ok := f.sess.State().(Active)
	require.True(t, ok)
	assert.Equal(t, "k2", active.ID)
	assert.Equal(t, "alice", active.PeerID)
	assert.Len(t, f.peers.Conns(), 1)
	assert.False(t, pc.Closed())
	assert.Equal(t, "k2", f.gate.Owner())
	assert.Zero(t, f.endedCount("k2"))
}

func TestSession_RemoteCallEndedAppliedOnce(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	pc := f.activeIncoming(t, "k2")

	ended := types.CallEnded{CallID: "k2", RoomID: "42", SenderID: "alice", CallStatus: "completed", Duration: 5}
	require.NoError(t, f.server.Push(types.TypeCallEnded, ended))
	require.NoError(t, f.server.Push(types.TypeCallEnded, ended))

	// frames are dispatched in order, so the next offer proves both were handled
	f.offer(t, "k3")
	f.waitState(t, "incoming", "k3")

	assert.Equal(t, 1, f.endedCount("k2"))
	assert.Equal(t, 1, pc.CloseCount())
	assert.True(t, f.media.AllStopped())
	assert.Empty(t, f.server.Frames(types.TypeCallEnded), "remote end is not echoed")
	f.noReport(t)
	assert.Equal(t, "k3", f.gate.Owner())
}

func TestSession_LocalEndTwice(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	pc := f.activeIncoming(t, "k2")

	require.NoError(t, f.sess.End())
	assert.ErrorIs(t, f.sess.End(), ErrNoCall)

	frames := f.server.WaitFrames(types.TypeCallEnded, 1, waitFor)
	require.Len(t, frames, 1)
	assert.Equal(t, string(models.CallStatusCompleted), decodeEnded(t, frames[0]).CallStatus)

	r := f.waitReport(t)
	assert.Equal(t, "k2", r.callID)
	assert.Equal(t, models.CallStatusCompleted, r.status)

	assert.Equal(t, 1, pc.CloseCount())
	assert.Equal(t, 1, f.endedCount("k2"))
	assert.IsType(t, Idle{}, f.sess.State())
	assert.Empty(t, f.gate.Owner())
}

func TestSession_StartCallWhileBusy(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.activeIncoming(t, "k2")

	_, err := f.sess.StartCall(context.Background(), "42", "carol")
	require.ErrorIs(t, err, ErrBusy)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
	assert.Equal(t, "k2", f.sess.State().CallID())
	assert.Empty(t, f.server.Frames(types.TypeCallOffer))
}

func TestSession_GateHeldByBroadcast(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.True(t, f.gate.Acquire("broadcast:s1"))

	_, err := f.sess.StartCall(context.Background(), "42", "alice")
	require.ErrorIs(t, err, ErrBusy)

	f.offer(t, "k1")
	frames := f.server.WaitFrames(types.TypeCallEnded, 1, waitFor)
	require.Len(t, frames, 1)
	assert.Equal(t, string(models.CallStatusBusy), decodeEnded(t, frames[0]).CallStatus)
	assert.IsType(t, Idle{}, f.sess.State())
	assert.Equal(t, "broadcast:s1", f.gate.Owner())
}

func TestSession_OutgoingBuffersCandidatesUntilAnswer(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	callID, err := f.sess.StartCall(context.Background(), "42", "alice")
	require.NoError(t, err)
	f.waitState(t, "outgoing", callID)

	frames := f.server.WaitFrames(types.TypeCallOffer, 1, waitFor)
	require.Len(t, frames, 1)
	var offer types.Offer
	require.NoError(t, frames[0].Decode(&offer))
	assert.Equal(t, callID, offer.CallID)
	assert.Equal(t, "alice", offer.TargetUserID)
	assert.Equal(t, "offer-sdp:call:"+callID+":1", offer.SDP)

	pc := f.peers.ByLabel("call:" + callID)
	require.NotNil(t, pc)
	assert.Equal(t, 1, pc.TrackCount())

	f.candidate(t, callID, "c1")
	f.candidate(t, "other-call", "x")
	f.candidate(t, callID, "c2")
	require.Eventually(t, func() bool { return f.sess.ice.Len() == 2 }, waitFor, tick)
	assert.Empty(t, pc.Candidates())

	require.NoError(t, f.server.Push(types.TypeCallAnswer, types.Answer{
		CallID:       callID,
		RoomID:       "42",
		SenderID:     "alice",
		TargetUserID: "bob",
		SDP:          "remote-answer",
	}))
	f.waitState(t, "active", callID)

	kind, sdp := pc.RemoteSDP()
	assert.Equal(t, peer.SDPAnswer, kind)
	assert.Equal(t, "remote-answer", sdp)
	assert.Equal(t, []string{"c1", "c2"}, pc.Candidates())

	f.candidate(t, callID, "c3")
	require.Eventually(t, func() bool { return len(pc.Candidates()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"c1", "c2", "c3"}, pc.Candidates())

	active := f.sess.State().(Active)
	assert.True(t, active.Outgoing)
	assert.Equal(t, "alice", active.PeerID)
}

func TestSession_LocalCandidatesSent(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	callID, err := f.sess.StartCall(context.Background(), "42", "alice")
	require.NoError(t, err)

	f.peers.ByLabel("call:" + callID).EmitCandidate("local-1")

	frames := f.server.WaitFrames(types.TypeICECandidate, 1, waitFor)
	require.Len(t, frames, 1)
	var p types.ICECandidate
	require.NoError(t, frames[0].Decode(&p))
	assert.Equal(t, callID, p.CallID)
	assert.Equal(t, "bob", p.SenderID)
	assert.Equal(t, "alice", p.TargetUserID)
	assert.Equal(t, "local-1", p.Candidate.Candidate)
	assert.Empty(t, p.StreamID)
}

func TestSession_AcceptAppliesOfferAndBufferedCandidates(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.offer(t, "k1")
	f.waitState(t, "incoming", "k1")

	f.candidate(t, "k1", "r1")
	require.Eventually(t, func() bool { return f.sess.ice.Len() == 1 }, waitFor, tick)

	require.NoError(t, f.sess.Accept(context.Background()))

	pc := f.peers.ByLabel("call:k1")
	require.NotNil(t, pc)
	kind, sdp := pc.RemoteSDP()
	assert.Equal(t, peer.SDPOffer, kind)
	assert.Equal(t, "remote-offer:k1", sdp)
	assert.Equal(t, []string{"r1"}, pc.Candidates())

	frames := f.server.WaitFrames(types.TypeCallAnswer, 1, waitFor)
	require.Len(t, frames, 1)
	var answer types.Answer
	require.NoError(t, frames[0].Decode(&answer))
	assert.Equal(t, "k1", answer.CallID)
	assert.Equal(t, "alice", answer.TargetUserID)
	assert.Equal(t, "answer-sdp:call:k1:1", answer.SDP)

	assert.ErrorIs(t, f.sess.Accept(context.Background()), ErrNoCall)
}

func TestSession_IgnoresOffersForOthers(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	require.NoError(t, f.server.Push(types.TypeCallOffer, types.Offer{
		CallID: "k0", RoomID: "42", SenderID: "alice", TargetUserID: "carol", SDP: "v=0",
	}))
	require.NoError(t, f.server.Push(types.TypeCallOffer, types.Offer{
		CallID: "k-self", RoomID: "42", SenderID: "bob", SDP: "v=0",
	}))
	f.offer(t, "k5")
	f.waitState(t, "incoming", "k5")

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.seen, 1)
	assert.Equal(t, "k5", f.seen[0].CallID())
}

func TestSession_RingTimeoutMissed(t *testing.T) {
	f := newFixture(t, Config{RingTimeout: 50 * time.Millisecond}, nil)

	callID, err := f.sess.StartCall(context.Background(), "42", "alice")
	require.NoError(t, err)

	r := f.waitReport(t)
	assert.Equal(t, callID, r.callID)
	assert.Equal(t, models.CallStatusMissed, r.status)

	frames := f.server.WaitFrames(types.TypeCallEnded, 1, waitFor)
	require.Len(t, frames, 1)
	assert.Equal(t, string(models.CallStatusMissed), decodeEnded(t, frames[0]).CallStatus)

	f.waitState(t, "idle", "")
	assert.True(t, f.peers.ByLabel("call:"+callID).Closed())
	assert.True(t, f.media.AllStopped())
	assert.Empty(t, f.gate.Owner())
}

func TestSession_RemoteBusyEndsOutgoing(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	callID, err := f.sess.StartCall(context.Background(), "42", "alice")
	require.NoError(t, err)

	require.NoError(t, f.server.Push(types.TypeCallEnded, types.CallEnded{
		CallID: callID, RoomID: "42", SenderID: "alice", CallStatus: string(models.CallStatusBusy),
	}))

	r := f.waitReport(t)
	assert.Equal(t, models.CallStatusBusy, r.status)
	f.waitState(t, "idle", "")
	assert.Empty(t, f.server.Frames(types.TypeCallEnded))
}

func TestSession_SlowEndReportDoesNotStallFrames(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.endGate = make(chan struct{})
	release := sync.OnceFunc(func() { close(f.endGate) })
	t.Cleanup(release)
	callID, err := f.sess.StartCall(context.Background(), "42", "alice")
	require.NoError(t, err)

	require.NoError(t, f.server.Push(types.TypeCallEnded, types.CallEnded{
		CallID: callID, RoomID: "42", SenderID: "alice", CallStatus: string(models.CallStatusRejected),
	}))
	f.offer(t, "k3")
	require.Eventually(t, func() bool {
		st := f.sess.State()
		return st.Name() == "incoming" && st.CallID() == "k3"
	}, 500*time.Millisecond, tick, "offer waited behind the end report")
	f.noReport(t)

	release()
	r := f.waitReport(t)
	assert.Equal(t, callID, r.callID)
	assert.Equal(t, models.CallStatusRejected, r.status)
}

func TestSession_PeerFailureEndsCall(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	pc := f.activeIncoming(t, "k2")

	pc.EmitState(peer.StateDisconnected)
	assert.Equal(t, "active", f.sess.State().Name())

	pc.EmitState(peer.StateFailed)

	r := f.waitReport(t)
	assert.Equal(t, models.CallStatusFailed, r.status)
	frames := f.server.WaitFrames(types.TypeCallEnded, 1, waitFor)
	require.Len(t, frames, 1)
	assert.Equal(t, string(models.CallStatusFailed), decodeEnded(t, frames[0]).CallStatus)
	assert.IsType(t, Idle{}, f.sess.State())
}

func TestSession_DurationTicks(t *testing.T) {
	f := newFixture(t, Config{DurationTick: 10 * time.Millisecond}, nil)

	var mu sync.Mutex
	var elapsed []time.Duration
	f.sess.OnDuration(func(callID string, d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if callID == "k2" {
			elapsed = append(elapsed, d)
		}
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(elapsed)
	}

	f.activeIncoming(t, "k2")
	require.Eventually(t, func() bool { return count() >= 3 }, waitFor, tick)

	require.NoError(t, f.sess.End())
	time.Sleep(20 * time.Millisecond)
	stopped := count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, count())

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(elapsed); i++ {
		assert.Greater(t, elapsed[i], elapsed[i-1])
	}
}

func TestSession_RejectIncoming(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.offer(t, "k1")
	f.waitState(t, "incoming", "k1")

	require.NoError(t, f.sess.Reject())

	frames := f.server.WaitFrames(types.TypeCallEnded, 1, waitFor)
	require.Len(t, frames, 1)
	assert.Equal(t, string(models.CallStatusRejected), decodeEnded(t, frames[0]).CallStatus)
	assert.Equal(t, models.CallStatusRejected, f.waitReport(t).status)
	assert.Empty(t, f.peers.Conns())
	assert.ErrorIs(t, f.sess.Reject(), ErrNoCall)

	// a replay of the same offer is not rung again
	f.offer(t, "k1")
	f.offer(t, "k2")
	f.waitState(t, "incoming", "k2")
	assert.Equal(t, 1, f.endedCount("k1"))
}

func TestSession_MediaFailureReleasesCall(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.media.Err = errors.New("no camera")

	_, err := f.sess.StartCall(context.Background(), "42", "alice")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNegotiation))

	assert.IsType(t, Idle{}, f.sess.State())
	assert.Empty(t, f.gate.Owner())
	assert.Empty(t, f.peers.Conns())
	assert.Empty(t, f.server.Frames(types.TypeCallOffer))
	assert.Equal(t, models.CallStatusFailed, f.waitReport(t).status)
}

func TestSession_HistoryFallsBackToStore(t *testing.T) {
	db, err := database.New(context.Background(), filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	defer db.Close()

	f := newFixture(t, Config{}, db)
	f.offer(t, "k1")
	f.waitState(t, "incoming", "k1")
	require.NoError(t, f.sess.Reject())
	f.waitReport(t)

	f.api.On("GetCallHistory", mock.Anything, "42").Return(nil, errors.New("offline")).Once()
	records, err := f.sess.History(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "k1", records[0].CallID)
	assert.Equal(t, "alice", records[0].CounterpartID)
	assert.Equal(t, models.CallStatusRejected, records[0].Status)
	assert.False(t, records[0].Outgoing)

	remote := []models.CallRecord{{CallID: "k9", RoomID: "42", Status: models.CallStatusCompleted}}
	f.api.On("GetCallHistory", mock.Anything, "42").Return(remote, nil).Once()
	records, err = f.sess.History(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, remote, records)
}

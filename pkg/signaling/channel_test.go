package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"linkup/pkg/signaling/types"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEndpoint = "wss://signal.example.com/ws"
	testToken    = "token-abcdef123456"
	waitFor      = 2 * time.Second
	tick         = 5 * time.Millisecond
)

func testConfig() Config {
	return Config{
		ReconnectInitial: time.Millisecond,
		ReconnectMax:     4 * time.Millisecond,
		MaxAttempts:      3,
		OpenTimeout:      200 * time.Millisecond,
		WriteTimeout:     200 * time.Millisecond,
		SendQueueSize:    8,
	}
}

func newTestChannel(t *testing.T, cfg Config) (*Channel, *fakeDialer) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	dialer := &fakeDialer{}
	ch := NewChannel(cfg, dialer, logger)
	t.Cleanup(ch.Close)
	return ch, dialer
}

func openChannel(t *testing.T, ch *Channel) {
	t.Helper()
	require.NoError(t, ch.Connect(testEndpoint, testToken))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, ch.WaitOpen(ctx))
}

func frame(t *testing.T, ft types.FrameType, payload interface{}) []byte {
	t.Helper()
	data, err := types.Encode(ft, payload)
	require.NoError(t, err)
	return data
}

func TestConnect_EmptyCredentialIsFatal(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())

	var got []error
	ch.OnStateChange(func(_ State, err error) { got = append(got, err) })

	err := ch.Connect(testEndpoint, "")
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.Equal(t, StateClosed, ch.State())
	assert.Equal(t, 0, dialer.dialCount())
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], ErrNoCredential)
}

func TestConnect_EmptyCredentialKeepsLiveConnection(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())
	openChannel(t, ch)

	assert.ErrorIs(t, ch.Connect(testEndpoint, ""), ErrNoCredential)
	assert.Equal(t, StateOpen, ch.State())
	assert.False(t, dialer.conn(0).isClosed())

	require.NoError(t, ch.Connect(testEndpoint, testToken))
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, 1, dialer.connCount())

	require.NoError(t, ch.Send(types.TypeJoinStream, nil))
	require.Eventually(t, func() bool { return len(dialer.conn(0).writes()) == 1 }, waitFor, tick)
}

func TestConnect_OpensAndPresentsToken(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())
	openChannel(t, ch)

	assert.Equal(t, StateOpen, ch.State())
	assert.Equal(t, []string{testToken}, dialer.tokens)

	// second Connect while open is a no-op
	require.NoError(t, ch.Connect(testEndpoint, testToken))
	assert.Equal(t, 1, dialer.dialCount())
}

func TestSend_RequiresOpen(t *testing.T) {
	ch, _ := newTestChannel(t, testConfig())

	err := ch.Send(types.TypeMarkAsRead, types.MarkAsRead{RoomID: "42"})
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestSend_WritesFrame(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())
	openChannel(t, ch)

	require.NoError(t, ch.Send(types.TypeMarkAsRead, types.MarkAsRead{RoomID: "42", LastReadID: "m7"}))

	conn := dialer.conn(0)
	require.Eventually(t, func() bool { return len(conn.writes()) == 1 }, waitFor, tick)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(conn.writes()[0], &decoded))
	assert.Equal(t, "mark_as_read", decoded["type"])
	assert.Equal(t, "m7", decoded["last_read_id"])
}

func TestSend_Backpressure(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueueSize = 1
	cfg.WriteTimeout = 0
	ch, dialer := newTestChannel(t, cfg)
	gate := make(chan struct{})
	dialer.writeGate = gate
	defer close(gate)
	openChannel(t, ch)

	// the write pump takes one frame and blocks on the gate, one more fits the queue
	require.NoError(t, ch.Send(types.TypeJoinStream, nil))
	require.Eventually(t, func() bool {
		return ch.Send(types.TypeJoinStream, nil) == nil
	}, waitFor, tick)

	assert.ErrorIs(t, ch.Send(types.TypeJoinStream, nil), ErrBackpressure)
}

func TestDispatch_OrderAndUnsubscribe(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())

	var mu sync.Mutex
	var seen []string
	record := func(tag string) Handler {
		return func(f types.Frame) {
			var p types.UserStatus
			_ = f.Decode(&p)
			mu.Lock()
			seen = append(seen, tag+":"+p.UserID)
			mu.Unlock()
		}
	}
	ch.Subscribe(types.TypeUserStatus, record("a"))
	subB := ch.Subscribe(types.TypeUserStatus, record("b"))

	openChannel(t, ch)
	conn := dialer.conn(0)
	conn.in <- frame(t, types.TypeUserStatus, types.UserStatus{UserID: "1"})
	conn.in <- frame(t, types.TypeUserStatus, types.UserStatus{UserID: "2"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []string{"a:1", "b:1", "a:2", "b:2"}, seen)
	mu.Unlock()

	subB.Unsubscribe()
	subB.Unsubscribe()
	conn.in <- frame(t, types.TypeUserStatus, types.UserStatus{UserID: "3"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, "a:3", seen[4])
	mu.Unlock()
}

func TestDispatch_HandlerPanicDoesNotStopOthers(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())
	done := make(chan struct{})
	ch.Subscribe(types.TypeError, func(types.Frame) { panic("boom") })
	ch.Subscribe(types.TypeError, func(types.Frame) { close(done) })

	openChannel(t, ch)
	dialer.conn(0).in <- frame(t, types.TypeError, types.ErrorFrame{Error: "bad request"})

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("second handler not invoked")
	}
}

func TestDispatch_MalformedFrameIgnored(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())
	got := make(chan struct{}, 1)
	ch.Subscribe(types.TypeUserStatus, func(types.Frame) { got <- struct{}{} })

	openChannel(t, ch)
	conn := dialer.conn(0)
	conn.in <- []byte(`{not json`)
	conn.in <- []byte(`{"no_type":true}`)
	conn.in <- frame(t, types.TypeUserStatus, types.UserStatus{UserID: "1"})

	select {
	case <-got:
	case <-time.After(waitFor):
		t.Fatal("valid frame after malformed ones not dispatched")
	}
	assert.Equal(t, StateOpen, ch.State())
}

func TestReconnect_AfterAbnormalClose(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())
	openChannel(t, ch)

	dialer.conn(0).serverClose(1006)

	require.Eventually(t, func() bool { return dialer.connCount() == 2 && ch.State() == StateOpen }, waitFor, tick)
	// a reconnect never starts while the previous handle is still open
	dialer.mu.Lock()
	for _, open := range dialer.openAtDial {
		assert.Equal(t, 0, open)
	}
	dialer.mu.Unlock()
	ch.mu.Lock()
	assert.Zero(t, ch.attempt)
	ch.mu.Unlock()

	// the new connection carries traffic
	require.NoError(t, ch.Send(types.TypeJoinStream, nil))
	require.Eventually(t, func() bool { return len(dialer.conn(1).writes()) == 1 }, waitFor, tick)
}

func TestReconnect_WaitsForFailedHandleToClose(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())
	openChannel(t, ch)

	release := dialer.conn(0).failWrites(errors.New("broken pipe"))
	require.NoError(t, ch.Send(types.TypeJoinStream, nil))

	require.Eventually(t, func() bool { return ch.State() == StateConnecting }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount(), "redial started before the old handle closed")

	close(release)
	require.Eventually(t, func() bool { return dialer.connCount() == 2 && ch.State() == StateOpen }, waitFor, tick)
	dialer.mu.Lock()
	for _, open := range dialer.openAtDial {
		assert.Equal(t, 0, open)
	}
	dialer.mu.Unlock()
}

func TestReconnect_NetworkDrop(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())
	openChannel(t, ch)

	dialer.conn(0).drop()
	require.Eventually(t, func() bool { return dialer.connCount() == 2 && ch.State() == StateOpen }, waitFor, tick)
}

func TestReconnect_AttemptCounterResetsOnOpen(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())
	openChannel(t, ch)

	// two failed redials, then success; then two more failed after another drop
	for round := 0; round < 2; round++ {
		dialer.mu.Lock()
		dialer.errs = []error{assert.AnError, assert.AnError}
		dialer.mu.Unlock()

		dialer.conn(round).serverClose(1011)
		want := round + 2
		require.Eventually(t, func() bool { return dialer.connCount() == want && ch.State() == StateOpen }, waitFor, tick)
	}
	assert.Equal(t, StateOpen, ch.State())
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())
	dialer.errs = []error{assert.AnError, assert.AnError, assert.AnError, assert.AnError, assert.AnError}

	require.NoError(t, ch.Connect(testEndpoint, testToken))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	err := ch.WaitOpen(ctx)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, StateUnreachable, ch.State())
	// initial dial plus MaxAttempts redials
	assert.Equal(t, 4, dialer.dialCount())

	// stays down until Connect is called again
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, dialer.dialCount())

	openChannel(t, ch)
	assert.Equal(t, StateOpen, ch.State())
}

func TestOpenTimeout_TreatedAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.OpenTimeout = 10 * time.Millisecond
	cfg.MaxAttempts = 1
	ch, dialer := newTestChannel(t, cfg)
	dialer.block = true

	require.NoError(t, ch.Connect(testEndpoint, testToken))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	assert.ErrorIs(t, ch.WaitOpen(ctx), ErrUnreachable)
	assert.Equal(t, 2, dialer.dialCount())
}

func TestNormalServerClose_NoReconnect(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())
	openChannel(t, ch)

	dialer.conn(0).serverClose(CloseNormal)

	require.Eventually(t, func() bool { return ch.State() == StateClosed }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
	assert.NoError(t, ch.Err())
}

func TestAuthenticationLoss_IsFatal(t *testing.T) {
	for _, code := range []int{CloseUnauthorized, CloseForbidden} {
		ch, dialer := newTestChannel(t, testConfig())
		openChannel(t, ch)

		dialer.conn(0).serverClose(code)

		require.Eventually(t, func() bool { return ch.State() == StateClosed }, waitFor, tick)
		assert.ErrorIs(t, ch.Err(), ErrAuthentication)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, dialer.dialCount())
	}
}

func TestHandshakeRejected_IsFatal(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())
	dialer.errs = []error{&HandshakeError{StatusCode: 401, Err: assert.AnError}}

	require.NoError(t, ch.Connect(testEndpoint, testToken))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	assert.ErrorIs(t, ch.WaitOpen(ctx), ErrAuthentication)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestClose_NormalCodeAndNoReconnect(t *testing.T) {
	ch, dialer := newTestChannel(t, testConfig())

	var mu sync.Mutex
	var states []State
	ch.OnStateChange(func(s State, _ error) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	openChannel(t, ch)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, waitFor, tick)

	ch.Close()
	conn := dialer.conn(0)
	assert.True(t, conn.isClosed())
	conn.mu.Lock()
	assert.Equal(t, CloseNormal, conn.localCode)
	conn.mu.Unlock()
	assert.Equal(t, StateClosed, ch.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
	assert.ErrorIs(t, ch.Send(types.TypeJoinStream, nil), ErrNotOpen)

	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateOpen, StateClosing, StateClosed}, states)
	mu.Unlock()
}

func TestClose_CancelsPendingReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInitial = time.Hour
	cfg.ReconnectMax = time.Hour
	ch, dialer := newTestChannel(t, cfg)
	openChannel(t, ch)

	dialer.conn(0).serverClose(1006)
	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.reconnectTimer != nil
	}, waitFor, tick)

	ch.Close()
	ch.mu.Lock()
	assert.Nil(t, ch.reconnectTimer)
	ch.mu.Unlock()
	assert.Equal(t, StateClosed, ch.State())
}

func TestWaitOpen_ContextExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.OpenTimeout = time.Hour
	ch, dialer := newTestChannel(t, cfg)
	dialer.block = true

	require.NoError(t, ch.Connect(testEndpoint, testToken))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ch.WaitOpen(ctx), context.DeadlineExceeded)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unreachable", StateUnreachable.String())
	assert.Equal(t, "unknown", State(99).String())
}

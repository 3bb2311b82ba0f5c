package signalingtest

import (
	"context"
	"testing"
	"time"

	"linkup/pkg/signaling"

	"github.com/sirupsen/logrus/hooks/test"
)

// Token is the credential used by OpenChannel
const Token = "test-token"

// OpenChannel returns a channel connected to s and waits for it to open.
// The channel is closed when the test ends.
func OpenChannel(tb testing.TB, s *Server) *signaling.Channel {
	tb.Helper()
	ch := NewChannel(s)
	tb.Cleanup(ch.Close)

	if err := ch.Connect("mem://signaling", Token); err != nil {
		tb.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.WaitOpen(ctx); err != nil {
		tb.Fatalf("channel did not open: %v", err)
	}
	return ch
}

// NewChannel returns an unconnected channel dialing s with short timeouts
func NewChannel(s *Server) *signaling.Channel {
	logger, _ := test.NewNullLogger()
	return signaling.NewChannel(signaling.Config{
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		MaxAttempts:      3,
		OpenTimeout:      time.Second,
		WriteTimeout:     time.Second,
		SendQueueSize:    64,
	}, s, logger)
}

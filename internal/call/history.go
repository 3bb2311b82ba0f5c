package call

import (
	"context"
	"time"

	"linkup/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	reportTimeout     = 10 * time.Second
	historyLocalLimit = 50
)

// record stores an ended call locally and, when report is set, tells the
// server how it ended. Both run in the background; Close waits for them.
func (s *Session) record(ended Ended, report bool) {
	rec := models.CallRecord{
		CallID:        ended.ID,
		RoomID:        ended.RoomID,
		CounterpartID: ended.PeerID,
		Outgoing:      ended.Outgoing,
		Status:        ended.Status,
		DurationSec:   int(ended.Duration / time.Second),
		EndedAt:       time.Now().UTC(),
	}

	s.reporting.Add(1)
	go func() {
		defer s.reporting.Done()
		s.report(rec, report)
	}()
}

func (s *Session) report(rec models.CallRecord, toServer bool) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	if s.deps.Store != nil {
		if err := s.deps.Store.SaveCallRecord(ctx, rec); err != nil {
			s.logger.WithError(err).WithField("call_id", rec.CallID).Warn("Failed to store call record")
		}
	}
	if !toServer || s.deps.API == nil {
		return
	}
	if err := s.deps.API.EndCall(ctx, rec.CallID, rec.Status, rec.DurationSec); err != nil {
		s.logger.WithFields(logrus.Fields{
			"call_id": rec.CallID,
			"status":  rec.Status,
		}).WithError(err).Warn("Failed to report call end")
	}
}

// History returns a room's call history from the server, falling back to
// the local store when the server cannot be reached.
func (s *Session) History(ctx context.Context, roomID string) ([]models.CallRecord, error) {
	records, err := s.deps.API.GetCallHistory(ctx, roomID)
	if err == nil {
		return records, nil
	}
	if s.deps.Store == nil {
		return nil, err
	}
	s.logger.WithError(err).WithField("room_id", roomID).Warn("Call history unavailable, using local records")
	local, lerr := s.deps.Store.GetCallHistory(ctx, roomID, historyLocalLimit)
	if lerr != nil {
		return nil, err
	}
	return local, nil
}

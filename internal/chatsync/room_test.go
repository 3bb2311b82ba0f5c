package chatsync

import (
	"testing"

	"linkup/internal/models"

	"github.com/stretchr/testify/assert"
)

func pending(corr string) models.Message {
	return models.Message{CorrelationID: corr, SenderID: "alice", SentAt: base}
}

func TestRoom_InsertKeepsSortOrderAheadOfPending(t *testing.T) {
	r := newRoom("42")
	r.insertConfirmed(msg("2", 2))
	r.appendPending(pending("c1"))
	r.insertConfirmed(msg("3", 3))
	r.insertConfirmed(msg("1", 1))

	assert.Equal(t, []string{"1", "2", "3", "pending:c1"}, ids(r.messages))
}

func TestRoom_TieBrokenByID(t *testing.T) {
	r := newRoom("42")
	b := msg("b", 1)
	a := msg("a", 1)
	r.insertConfirmed(b)
	r.insertConfirmed(a)
	assert.Equal(t, []string{"a", "b"}, ids(r.messages))
}

func TestRoom_Dedup(t *testing.T) {
	r := newRoom("42")
	assert.True(t, r.insertConfirmed(msg("1", 1)))
	assert.False(t, r.insertConfirmed(msg("1", 1)), "same server id")

	other := msg("9", 9)
	other.CorrelationID = "corr-1"
	assert.False(t, r.insertConfirmed(other), "same correlation id")
	assert.Len(t, r.messages, 1)
}

func TestRoom_ConfirmationReplacesPendingInPlace(t *testing.T) {
	r := newRoom("42")
	r.insertConfirmed(msg("1", 1))
	r.appendPending(pending("c1"))
	r.appendPending(pending("c2"))

	confirmed := msg("7", 7)
	confirmed.CorrelationID = "c1"
	assert.True(t, r.insertConfirmed(confirmed))
	assert.Equal(t, []string{"1", "7", "pending:c2"}, ids(r.messages))

	assert.False(t, r.removePending("c1"), "confirmed entries are not retracted")
	assert.True(t, r.removePending("c2"))
	assert.Equal(t, []string{"1", "7"}, ids(r.messages))
}

func TestRoom_MergePendingReappended(t *testing.T) {
	r := newRoom("42")
	r.appendPending(pending("c1"))
	r.deferred = append(r.deferred, func(r *room) bool { return r.insertConfirmed(msg("4", 4)) })
	r.deferred = append(r.deferred, func(r *room) bool { return r.markDeleted("2") })

	r.merge([]models.Message{msg("3", 3), msg("2", 2), msg("2", 2)})

	assert.Equal(t, []string{"2", "3", "4", "pending:c1"}, ids(r.messages))
	assert.True(t, r.messages[0].Deleted)
	assert.Empty(t, r.deferred)
}

func TestRoom_MergeDropsPendingConfirmedByHistory(t *testing.T) {
	r := newRoom("42")
	r.appendPending(pending("c1"))

	confirmed := msg("5", 5)
	confirmed.CorrelationID = "c1"
	r.merge([]models.Message{msg("1", 1), confirmed})

	assert.Equal(t, []string{"1", "5"}, ids(r.messages))
}

func TestRoom_MarkRead(t *testing.T) {
	r := newRoom("42")
	r.insertConfirmed(msg("1", 1))
	r.insertConfirmed(msg("2", 2))
	r.insertConfirmed(msg("3", 3))
	r.appendPending(pending("c1"))

	assert.True(t, r.markRead(nil, "2"))
	assert.True(t, r.messages[0].Read)
	assert.True(t, r.messages[1].Read)
	assert.False(t, r.messages[2].Read)

	assert.True(t, r.markRead([]string{"3"}, ""))
	assert.False(t, r.markRead([]string{"3", "unknown"}, ""))
	assert.False(t, r.messages[3].Read)
	assert.Equal(t, "3", r.lastConfirmedID())
}

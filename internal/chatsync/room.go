package chatsync

import (
	"sort"

	"linkup/internal/models"
)

// room is the cached state of one chat room. messages holds confirmed
// entries in sort-key order followed by the pending tail; a pending entry
// confirmed in place keeps its position.
type room struct {
	info     models.Room
	messages []models.Message
	presence map[string]models.Presence

	loaded  bool
	stale   bool
	loading *fetch
	// deferred holds frame effects received before history was loaded
	deferred []func(*room) bool
}

type fetch struct {
	done chan struct{}
	err  error
}

func newRoom(id string) *room {
	return &room{
		info:     models.Room{ID: id},
		presence: make(map[string]models.Presence),
	}
}

func (r *room) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := range r.messages {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *room) indexByCorrelation(correlationID string) int {
	if correlationID == "" {
		return -1
	}
	for i := range r.messages {
		if r.messages[i].CorrelationID == correlationID {
			return i
		}
	}
	return -1
}

// firstPending returns the start of the pending tail
func (r *room) firstPending() int {
	for i := range r.messages {
		if r.messages[i].IsPending() {
			return i
		}
	}
	return len(r.messages)
}

// appendPending adds an optimistic entry at the end of the list
func (r *room) appendPending(msg models.Message) {
	r.messages = append(r.messages, msg)
}

// removePending retracts the pending entry for correlationID. Entries that
// were already confirmed are kept.
func (r *room) removePending(correlationID string) bool {
	i := r.indexByCorrelation(correlationID)
	if i < 0 || !r.messages[i].IsPending() {
		return false
	}
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
	return true
}

// insertConfirmed applies a server-confirmed message. Duplicates are
// detected by server id, then by correlation id; a matching pending entry
// is replaced in place. It reports whether the list changed.
func (r *room) insertConfirmed(msg models.Message) bool {
	if r.indexByID(msg.ID) >= 0 {
		return false
	}
	if i := r.indexByCorrelation(msg.CorrelationID); i >= 0 {
		if !r.messages[i].IsPending() {
			return false
		}
		r.messages[i] = msg
		return true
	}

	tail := r.firstPending()
	pos := sort.Search(tail, func(i int) bool {
		return msg.Before(&r.messages[i])
	})
	r.messages = append(r.messages, models.Message{})
	copy(r.messages[pos+1:], r.messages[pos:])
	r.messages[pos] = msg
	return true
}

// merge installs fetched history. Server history is authoritative for
// confirmed messages; confirmed entries it lacks are kept, deferred frame
// effects are replayed, and pending entries are re-appended at the end.
func (r *room) merge(history []models.Message) {
	var pending, extra []models.Message
	for _, m := range r.messages {
		if m.IsPending() {
			pending = append(pending, m)
		} else {
			extra = append(extra, m)
		}
	}

	confirmed := make([]models.Message, 0, len(history))
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		if m.IsPending() || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		confirmed = append(confirmed, m)
	}
	sort.SliceStable(confirmed, func(i, j int) bool {
		return confirmed[i].Before(&confirmed[j])
	})

	r.messages = confirmed
	for _, m := range extra {
		r.insertConfirmed(m)
	}
	for _, apply := range r.deferred {
		apply(r)
	}
	r.deferred = nil
	for _, m := range pending {
		if r.indexByCorrelation(m.CorrelationID) < 0 {
			r.messages = append(r.messages, m)
		}
	}
}

// markRead sets the read flag on ids, or on every confirmed message up to
// and including lastReadID.
func (r *room) markRead(ids []string, lastReadID string) bool {
	changed := false
	for _, id := range ids {
		if i := r.indexByID(id); i >= 0 && !r.messages[i].Read {
			r.messages[i].Read = true
			changed = true
		}
	}
	if lastReadID != "" {
		end := r.indexByID(lastReadID)
		for i := 0; i <= end; i++ {
			if !r.messages[i].IsPending() && !r.messages[i].Read {
				r.messages[i].Read = true
				changed = true
			}
		}
	}
	return changed
}

func (r *room) markDeleted(id string) bool {
	i := r.indexByID(id)
	if i < 0 || r.messages[i].Deleted {
		return false
	}
	r.messages[i].Deleted = true
	return true
}

func (r *room) hasMember(userID string) bool {
	for _, m := range r.info.Members {
		if m == userID {
			return true
		}
	}
	return false
}

func (r *room) lastConfirmedID() string {
	for i := len(r.messages) - 1; i >= 0; i-- {
		if !r.messages[i].IsPending() {
			return r.messages[i].ID
		}
	}
	return ""
}

func (r *room) snapshot() RoomSnapshot {
	info := r.info
	info.Members = append([]string(nil), r.info.Members...)
	messages := make([]models.Message, len(r.messages))
	copy(messages, r.messages)
	presence := make(map[string]models.Presence, len(r.presence))
	for k, v := range r.presence {
		presence[k] = v
	}
	return RoomSnapshot{
		Room:     info,
		Messages: messages,
		Presence: presence,
		Loaded:   r.loaded,
		Stale:    r.stale,
	}
}

func confirmedOnly(messages []models.Message) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if !m.IsPending() {
			out = append(out, m)
		}
	}
	return out
}

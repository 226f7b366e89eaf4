package chatsync

import (
	"sort"
	"sync"
)

// ============================================================================
// Conversation Aggregator
// ============================================================================

// Aggregator folds a stream of messages into per-partner conversation
// summaries. Applying the same set of messages in any order, any number of
// times, yields the same summaries as long as the active partner is unchanged.
type Aggregator struct {
	mu     sync.Mutex
	convs  map[string]*conversationState
	active string
}

type conversationState struct {
	Conversation
	// counted tracks every id seen for the partner and whether it is
	// currently contributing to UnreadCount.
	counted map[string]bool
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{convs: make(map[string]*conversationState)}
}

// SetActive marks partnerID as the conversation currently being viewed and
// returns the previous one. Pass "" when no conversation is open.
func (a *Aggregator) SetActive(partnerID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.active
	a.active = partnerID
	return prev
}

// Active returns the partner currently being viewed.
func (a *Aggregator) Active() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Apply folds one message into its conversation and reports whether the
// summary changed.
func (a *Aggregator) Apply(msg Message) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applyLocked(msg)
}

// Seed folds a batch of messages, typically a bulk fetch, and reports whether
// anything changed.
func (a *Aggregator) Seed(msgs []Message) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	changed := false
	for _, m := range msgs {
		if a.applyLocked(m) {
			changed = true
		}
	}
	return changed
}

func (a *Aggregator) applyLocked(msg Message) bool {
	partner := msg.PartnerID()
	if partner == "" || msg.ID == "" {
		return false
	}

	cs, ok := a.convs[partner]
	if !ok {
		cs = &conversationState{
			Conversation: Conversation{PartnerID: partner},
			counted:      make(map[string]bool),
		}
		a.convs[partner] = cs
	}
	changed := !ok

	if cs.LastMessageID == "" || msg.newerThan(cs.LastMessageTime, cs.LastMessageID) {
		cs.LastMessage = msg.Content
		cs.LastMessageID = msg.ID
		cs.LastMessageTime = msg.CreatedAt
		changed = true
	}

	wasCounted, seen := cs.counted[msg.ID]
	switch {
	case !seen:
		count := msg.Inbound() && !msg.Read && partner != a.active
		cs.counted[msg.ID] = count
		if count {
			cs.UnreadCount++
			changed = true
		}
	case wasCounted && msg.Read:
		// read elsewhere since we first saw it
		cs.counted[msg.ID] = false
		cs.UnreadCount--
		changed = true
	}
	return changed
}

// ClearUnread sets the partner's unread count to zero. Messages already seen
// will not be counted again.
func (a *Aggregator) ClearUnread(partnerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs, ok := a.convs[partnerID]
	if !ok || cs.UnreadCount == 0 {
		return false
	}
	for id, c := range cs.counted {
		if c {
			cs.counted[id] = false
		}
	}
	cs.UnreadCount = 0
	return true
}

// MarkRead stops counting one message as unread and reports whether the
// partner's count dropped. Other unread messages keep counting.
func (a *Aggregator) MarkRead(partnerID, messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs, ok := a.convs[partnerID]
	if !ok {
		return false
	}
	counted, seen := cs.counted[messageID]
	cs.counted[messageID] = false
	if !seen || !counted {
		return false
	}
	cs.UnreadCount--
	return true
}

// Conversation returns the summary for one partner.
func (a *Aggregator) Conversation(partnerID string) (Conversation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs, ok := a.convs[partnerID]
	if !ok {
		return Conversation{}, false
	}
	return cs.Conversation, true
}

// Conversations returns a snapshot sorted by last message time, newest first,
// with ties broken by partner id.
func (a *Aggregator) Conversations() []Conversation {
	a.mu.Lock()
	out := make([]Conversation, 0, len(a.convs))
	for _, cs := range a.convs {
		out = append(out, cs.Conversation)
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].PartnerID < out[j].PartnerID
	})
	return out
}

// TotalUnread sums unread counts across all conversations.
func (a *Aggregator) TotalUnread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, cs := range a.convs {
		total += cs.UnreadCount
	}
	return total
}

// Len returns the number of conversations.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.convs)
}

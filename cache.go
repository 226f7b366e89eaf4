package chatsync

import (
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Message Cache
// ============================================================================

// MessageCache holds the messages of the open conversation, sorted by
// CreatedAt and unique by id.
type MessageCache struct {
	mu        sync.RWMutex
	partnerID string
	msgs      []Message
	byID      map[string]int
	log       *zerolog.Logger
	metrics   *Metrics
}

// NewMessageCache creates an empty cache with no conversation open.
func NewMessageCache(logger *zerolog.Logger, metrics *Metrics) *MessageCache {
	return &MessageCache{
		byID:    make(map[string]int),
		log:     componentLogger(logger, "message-cache"),
		metrics: metrics,
	}
}

// PartnerID returns the partner whose conversation is cached.
func (c *MessageCache) PartnerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.partnerID
}

// ReplaceAll swaps in a freshly fetched conversation. Duplicates keep their
// first occurrence and the result is stably sorted by CreatedAt.
func (c *MessageCache) ReplaceAll(partnerID string, msgs []Message) {
	seen := make(map[string]struct{}, len(msgs))
	list := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			c.metrics.duplicate(SourceFetch)
			continue
		}
		if m.PartnerID() != partnerID {
			continue
		}
		seen[m.ID] = struct{}{}
		list = append(list, m)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.partnerID = partnerID
	c.msgs = list
	c.reindexLocked()
}

// Begin opens partnerID's conversation before its history has loaded, so
// pushes and send results that arrive meanwhile are kept. Reopening the
// conversation that is already cached keeps its messages.
func (c *MessageCache) Begin(partnerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.partnerID == partnerID {
		return
	}
	c.partnerID = partnerID
	c.msgs = nil
	clear(c.byID)
}

// Merge folds fetched history into the open conversation. Ids already cached
// keep their copy, read flags only advance, and the list stays stably sorted
// by CreatedAt. It reports false if partnerID is no longer the cached
// conversation.
func (c *MessageCache) Merge(partnerID string, msgs []Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if partnerID == "" || c.partnerID != partnerID {
		return false
	}
	for _, m := range msgs {
		if m.PartnerID() != partnerID {
			continue
		}
		if i, ok := c.byID[m.ID]; ok {
			if m.Read {
				c.msgs[i].Read = true
			}
			continue
		}
		c.byID[m.ID] = len(c.msgs)
		c.msgs = append(c.msgs, m)
	}
	sort.SliceStable(c.msgs, func(i, j int) bool {
		return c.msgs[i].CreatedAt.Before(c.msgs[j].CreatedAt)
	})
	c.reindexLocked()
	return true
}

// AppendFromPush inserts a pushed message if it belongs to the open
// conversation and its id is new.
func (c *MessageCache) AppendFromPush(msg Message) bool {
	return c.insert(msg, SourcePush)
}

// AppendFromSendResult inserts the server's echo of a message we sent.
func (c *MessageCache) AppendFromSendResult(msg Message) bool {
	return c.insert(msg, SourceSend)
}

func (c *MessageCache) insert(msg Message, source MessageSource) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.partnerID == "" || msg.PartnerID() != c.partnerID {
		return false
	}
	if i, ok := c.byID[msg.ID]; ok {
		c.metrics.duplicate(source)
		if existing := c.msgs[i]; existing.conflicts(msg) {
			c.log.Warn().
				Err(ErrDuplicateMessage).
				Str("message_id", msg.ID).
				Str("source", string(source)).
				Msg("id collision with differing fields, keeping existing copy")
		}
		return false
	}

	// after any messages with an equal timestamp
	pos := sort.Search(len(c.msgs), func(i int) bool {
		return c.msgs[i].CreatedAt.After(msg.CreatedAt)
	})
	c.msgs = slices.Insert(c.msgs, pos, msg)
	c.reindexLocked()
	return true
}

func (c *MessageCache) reindexLocked() {
	clear(c.byID)
	for i, m := range c.msgs {
		c.byID[m.ID] = i
	}
}

// MarkRead sets the read flag of a cached message.
func (c *MessageCache) MarkRead(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.byID[id]
	if !ok || c.msgs[i].Read {
		return false
	}
	c.msgs[i].Read = true
	return true
}

// Messages returns a copy of the cached conversation in display order.
func (c *MessageCache) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.msgs)
}

// Len returns the number of cached messages.
func (c *MessageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.msgs)
}

// Reset closes the cached conversation.
func (c *MessageCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partnerID = ""
	c.msgs = nil
	clear(c.byID)
}

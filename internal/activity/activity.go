// Package activity watches conversations for long silences.
package activity

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultThreshold = 300 * time.Second
	DefaultCooldown  = 600 * time.Second
)

type conversation struct {
	lastActivity time.Time
	lastSpeaker  string
	notified     bool
	notifiedAt   time.Time
}

// Due is a conversation that has gone quiet and should be nudged.
type Due struct {
	ConversationID string
	LastSpeaker    string
	Silence        time.Duration
}

type Monitor struct {
	mu        sync.Mutex
	convs     map[string]*conversation
	threshold time.Duration
	cooldown  time.Duration
	now       func() time.Time
}

func New(threshold, cooldown time.Duration, now func() time.Time) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown < 0 {
		cooldown = DefaultCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		convs:     make(map[string]*conversation),
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
	}
}

// Touch records activity and re-arms the silence notification.
func (m *Monitor) Touch(conversationID, speakerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		c = &conversation{}
		m.convs[conversationID] = c
	}
	c.lastActivity = m.now()
	c.lastSpeaker = speakerID
	c.notified = false
}

// Check returns every conversation silent for longer than the threshold
// that has not been nudged during this silence and is outside the cooldown
// of its previous nudge. Returned conversations are marked notified.
func (m *Monitor) Check() []Due {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	var due []Due
	for id, c := range m.convs {
		silence := now.Sub(c.lastActivity)
		if silence <= m.threshold || c.notified {
			continue
		}
		if !c.notifiedAt.IsZero() && now.Sub(c.notifiedAt) < m.cooldown {
			continue
		}
		c.notified = true
		c.notifiedAt = now
		due = append(due, Due{ConversationID: id, LastSpeaker: c.lastSpeaker, Silence: silence})
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ConversationID < due[j].ConversationID })
	return due
}

// Forget stops tracking a conversation.
func (m *Monitor) Forget(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, conversationID)
}

func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}

package chatstore

// Snapshot is an immutable, ascending view of the newest messages of a room.
// Consumers must not modify it: the same value is fanned out to all of them.
type Snapshot struct {
	RoomID    string     `json:"room_id"`
	Seq       int64      `json:"seq"`
	IsInitial bool       `json:"is_initial"`
	Messages  []*Message `json:"messages"`

	// Added lists ids newly present since the prior snapshot, in the order of
	// `Messages`.
	Added []string `json:"added,omitempty"`

	byID map[string]*Message
}

func NewSnapshot(roomID string, seq int64, messages []*Message, added []string) *Snapshot {
	s := &Snapshot{
		RoomID:    roomID,
		Seq:       seq,
		IsInitial: seq == 1,
		Messages:  messages,
		Added:     added,
		byID:      make(map[string]*Message, len(messages)),
	}
	for _, m := range messages {
		s.byID[m.ID] = m
	}
	return s
}

func (s *Snapshot) Get(id string) *Message {
	return s.byID[id]
}

func (s *Snapshot) IsAdded(id string) bool {
	for _, v := range s.Added {
		if v == id {
			return true
		}
	}
	return false
}

// Notification is a command to raise one local alert.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

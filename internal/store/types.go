package store

import "time"

// Kind is the media type of an inbound message.
type Kind string

const (
	KindText     Kind = "text"
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindSticker  Kind = "sticker"
	KindVoice    Kind = "voice"
	KindDocument Kind = "document"
	KindOther    Kind = "other"
)

type StoredMessage struct {
	ID             int64
	SpeakerID      string
	ConversationID string
	Text           string
	Kind           Kind
	Timestamp      time.Time
	IsCommand      bool
	IsSpam         bool
	Processed      bool
}

// PopularPhrase is one aggregated group from QueryPopular. Text is the
// normalized form shared by every message in the group.
type PopularPhrase struct {
	Text             string
	Count            int
	DistinctSpeakers int
}

type Stats struct {
	Total         int
	Unprocessed   int
	Conversations int
	Speakers      int
	Oldest        time.Time
	Newest        time.Time
}

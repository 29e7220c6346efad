package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stellarlinkco/chatclaw/internal/classifier"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "messages.db"), Options{
		Classifier: classifier.New([]string{"/", "!"}),
		Now:        func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insert(t *testing.T, s *Store, speaker, text string, age time.Duration) int64 {
	t.Helper()
	id, err := s.Insert(context.Background(), StoredMessage{
		SpeakerID:      speaker,
		ConversationID: "chat-1",
		Text:           text,
		Timestamp:      testNow.Add(-age),
	})
	if err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	return id
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.db")
	s, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if v, err := s.SchemaVersion(); err != nil || v != len(migrations) {
		t.Fatalf("SchemaVersion = %d, %v; want %d", v, err, len(migrations))
	}
	s.Close()

	s2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s2.Close()
	if v, _ := s2.SchemaVersion(); v != len(migrations) {
		t.Errorf("SchemaVersion after reopen = %d", v)
	}
}

func TestSaveMessage_Gating(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rejected := []string{"/start", "!points", "gm", "12345", "?!?!", "ok!"}
	for _, text := range rejected {
		ok, err := s.SaveMessage(ctx, StoredMessage{SpeakerID: "u1", ConversationID: "c", Text: text})
		if err != nil {
			t.Fatalf("SaveMessage(%q) error: %v", text, err)
		}
		if ok {
			t.Errorf("SaveMessage(%q) = true, want false", text)
		}
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 0 {
		t.Fatalf("expected no rows after rejected saves, got %d", st.Total)
	}

	ok, err := s.SaveMessage(ctx, StoredMessage{SpeakerID: "u1", ConversationID: "c", Text: "good morning all"})
	if err != nil || !ok {
		t.Fatalf("SaveMessage(valid) = %v, %v", ok, err)
	}
	msgs, err := s.QueryUnprocessed(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Text != "good morning all" || msgs[0].Kind != KindText {
		t.Errorf("unexpected messages: %+v", msgs)
	}
	if !msgs[0].Timestamp.Equal(testNow) {
		t.Errorf("timestamp = %v, want %v", msgs[0].Timestamp, testNow)
	}
}

func TestQueryPopular(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, sp := range []string{"a", "b", "c", "d", "a", "b", "c", "d", "a", "b"} {
		insert(t, s, sp, "GM", time.Duration(i)*time.Hour)
	}
	insert(t, s, "a", "to the moon", time.Hour)
	insert(t, s, "b", "To  the Moon", 2*time.Hour)
	insert(t, s, "c", "to the moon", 3*time.Hour)
	insert(t, s, "a", "rare phrase", time.Hour)
	// outside the 7 day window
	for i := 0; i < 5; i++ {
		insert(t, s, "z", "old news", 10*24*time.Hour)
	}
	// flagged rows never count
	s.Insert(ctx, StoredMessage{SpeakerID: "x", Text: "spammy", IsSpam: true, Timestamp: testNow})
	s.Insert(ctx, StoredMessage{SpeakerID: "x", Text: "spammy", IsSpam: true, Timestamp: testNow})
	s.Insert(ctx, StoredMessage{SpeakerID: "x", Text: "spammy", IsSpam: true, Timestamp: testNow})

	got, err := s.QueryPopular(ctx, 7, 3)
	if err != nil {
		t.Fatalf("QueryPopular error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 phrases, got %+v", got)
	}
	if got[0].Text != "gm" || got[0].Count != 10 || got[0].DistinctSpeakers != 4 {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Text != "to the moon" || got[1].Count != 3 || got[1].DistinctSpeakers != 3 {
		t.Errorf("second = %+v", got[1])
	}
}

func TestSearchContaining(t *testing.T) {
	s := newTestStore(t)
	insert(t, s, "a", "gm", 0)
	insert(t, s, "a", "GM frens", 3*time.Hour)
	insert(t, s, "b", "gm frens", 2*time.Hour)
	insert(t, s, "c", "big GM energy today", time.Hour)
	insert(t, s, "d", "good night", time.Hour)

	got, err := s.SearchContaining(context.Background(), "GM", 7, 10)
	if err != nil {
		t.Fatalf("SearchContaining error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 distinct texts, got %q", got)
	}
	if got[0] != "gm frens" && got[1] != "gm frens" {
		t.Errorf("expected deduplicated gm frens, got %q", got)
	}
	for _, text := range got {
		if text == "gm" || text == "good night" {
			t.Errorf("unexpected text %q", text)
		}
	}

	limited, _ := s.SearchContaining(context.Background(), "gm", 7, 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %q", limited)
	}
}

func TestSearchContaining_Cyrillic(t *testing.T) {
	s := newTestStore(t)
	insert(t, s, "a", "Всем Привет", 0)
	insert(t, s, "b", "ПРИВЕТ, как дела", 0)

	got, err := s.SearchContaining(context.Background(), "привет", 7, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected case-insensitive Cyrillic matches, got %q", got)
	}
}

func TestSearchContaining_Window(t *testing.T) {
	s := newTestStore(t)
	insert(t, s, "a", "wen moon ser, 20 days ago", 20*24*time.Hour)
	insert(t, s, "b", "wen moon ser", time.Hour)

	got, err := s.SearchContaining(context.Background(), "wen moon", 7, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "wen moon ser" {
		t.Errorf("expected only the in-window text, got %q", got)
	}
}

func TestMarkProcessedAndIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := insert(t, s, "a", "gm", 0)
	b := insert(t, s, "b", "GM", time.Hour)
	insert(t, s, "c", "hello there", 0)
	insert(t, s, "d", "gm", 9*24*time.Hour)

	ids, err := s.IDsForTexts(ctx, []string{"gm"}, 7)
	if err != nil {
		t.Fatalf("IDsForTexts error: %v", err)
	}
	if len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Fatalf("ids = %v, want [%d %d]", ids, a, b)
	}

	n, err := s.MarkProcessed(ctx, ids)
	if err != nil || n != 2 {
		t.Fatalf("MarkProcessed = %d, %v", n, err)
	}
	n, _ = s.MarkProcessed(ctx, ids)
	if n != 0 {
		t.Errorf("second MarkProcessed affected %d rows", n)
	}

	rest, err := s.QueryUnprocessed(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Errorf("expected 2 unprocessed, got %+v", rest)
	}
	if ids, _ := s.IDsForTexts(ctx, []string{"gm"}, 7); len(ids) != 0 {
		t.Errorf("processed rows returned again: %v", ids)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insert(t, s, "a", "fresh message", time.Hour)
	insert(t, s, "a", "stale message", 40*24*time.Hour)
	insert(t, s, "b", "ancient message", 400*24*time.Hour)

	n, err := s.CleanupOlderThan(ctx, 30)
	if err != nil || n != 2 {
		t.Fatalf("CleanupOlderThan = %d, %v", n, err)
	}
	st, _ := s.Stats(ctx)
	if st.Total != 1 {
		t.Errorf("Total = %d, want 1", st.Total)
	}
	if _, err := s.CleanupOlderThan(ctx, 0); err == nil {
		t.Error("expected error for zero retention")
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.Stats(ctx)
	if err != nil || empty.Total != 0 || !empty.Oldest.IsZero() {
		t.Fatalf("empty stats = %+v, %v", empty, err)
	}

	id := insert(t, s, "a", "first one", 2*time.Hour)
	insert(t, s, "b", "second one", time.Hour)
	s.MarkProcessed(ctx, []int64{id})

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 2 || st.Unprocessed != 1 || st.Speakers != 2 || st.Conversations != 1 {
		t.Errorf("stats = %+v", st)
	}
	if !st.Newest.Equal(testNow.Add(-time.Hour)) {
		t.Errorf("Newest = %v", st.Newest)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(3); got != "?,?,?" {
		t.Errorf("placeholders(3) = %q", got)
	}
	if got := placeholders(0); got != "" {
		t.Errorf("placeholders(0) = %q", got)
	}
}

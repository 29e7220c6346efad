package miner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/chatclaw/internal/kv"
	"github.com/stellarlinkco/chatclaw/internal/store"
	"github.com/stellarlinkco/chatclaw/internal/triggers"
)

func setup(t *testing.T) (*store.Store, *triggers.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "messages.db"), store.Options{})
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	b, err := kv.NewFileBackend(filepath.Join(dir, "kv"))
	if err != nil {
		t.Fatal(err)
	}
	return s, triggers.New(kv.Open[triggers.State](b, "triggers"), 20, zerolog.Nop())
}

func seed(t *testing.T, s *store.Store, text string, speakers ...string) {
	t.Helper()
	for _, sp := range speakers {
		if _, err := s.Insert(context.Background(), store.StoredMessage{
			SpeakerID:      sp,
			ConversationID: "chat",
			Text:           text,
			Timestamp:      time.Now().Add(-time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func newMiner(s Source, trig *triggers.Store, batch int) *Miner {
	return New(s, trig, Options{
		WindowDays:      7,
		MinCount:        3,
		BatchSize:       batch,
		VariantLimit:    10,
		MaxPhraseLen:    100,
		CommandPrefixes: []string{"/", "!"},
		Fallback:        []string{"+1", "👍"},
	}, zerolog.Nop())
}

func TestRun_PromotesGM(t *testing.T) {
	s, trig := setup(t)
	seed(t, s, "gm", "a", "b", "c", "d", "a", "b", "c", "d", "a", "b")

	res := newMiner(s, trig, 10).Run(context.Background())
	if !res.Success {
		t.Fatalf("pass failed: %s", res.Message)
	}
	if len(res.Promoted) != 1 || res.Promoted[0].Phrase != "gm" {
		t.Fatalf("promoted = %+v", res.Promoted)
	}
	if res.Promoted[0].Count != 10 || res.Promoted[0].DistinctSpeakers != 4 {
		t.Errorf("candidate = %+v", res.Promoted[0])
	}
	if got := trig.Get("gm"); len(got) == 0 {
		t.Error("gm promoted without responses")
	}
	if !res.Promoted[0].UsedFallback {
		t.Error("expected fallback responses when nothing elaborates on gm")
	}
	if res.Processed != 10 {
		t.Errorf("processed = %d, want 10", res.Processed)
	}
}

func TestRun_Idempotent(t *testing.T) {
	s, trig := setup(t)
	seed(t, s, "gm", "a", "b", "c", "d")
	m := newMiner(s, trig, 10)
	ctx := context.Background()

	if res := m.Run(ctx); len(res.Promoted) != 1 {
		t.Fatalf("first pass promoted %d", len(res.Promoted))
	}
	res := m.Run(ctx)
	if !res.Success || len(res.Promoted) != 0 {
		t.Errorf("second pass = %+v", res)
	}
	if trig.Len() != 1 {
		t.Errorf("trigger count = %d", trig.Len())
	}
}

func TestRun_UsesContainingMessages(t *testing.T) {
	s, trig := setup(t)
	seed(t, s, "to the moon", "a", "b", "c")
	seed(t, s, "btc to the moon soon", "a")
	seed(t, s, "we go TO THE MOON", "b")
	seed(t, s, "unrelated chatter", "c")

	res := newMiner(s, trig, 10).Run(context.Background())
	if len(res.Promoted) != 1 {
		t.Fatalf("promoted = %+v", res.Promoted)
	}
	got := trig.Get("to the moon")
	want := []string{"we go TO THE MOON", "btc to the moon soon"}
	if !slices.Equal(got, want) {
		t.Errorf("responses = %q, want %q", got, want)
	}
}

func TestRun_IgnoresVariantsOutsideWindow(t *testing.T) {
	s, trig := setup(t)
	seed(t, s, "wen moon", "a", "b", "c")
	if _, err := s.Insert(context.Background(), store.StoredMessage{
		SpeakerID:      "d",
		ConversationID: "chat",
		Text:           "wen moon ser, 20 days ago",
		Timestamp:      time.Now().Add(-20 * 24 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	seed(t, s, "wen moon ser", "e")

	res := newMiner(s, trig, 10).Run(context.Background())
	if len(res.Promoted) != 1 {
		t.Fatalf("promoted = %+v", res.Promoted)
	}
	got := trig.Get("wen moon")
	if !slices.Equal(got, []string{"wen moon ser"}) {
		t.Errorf("responses = %q, want only the in-window variant", got)
	}
}

func TestSelect_Filters(t *testing.T) {
	s, trig := setup(t)
	ctx := context.Background()
	long := strings.Repeat("очень длинная фраза ", 10)
	seed(t, s, long, "a", "b", "c")
	seed(t, s, "/start", "a", "b", "c")
	seed(t, s, "known phrase", "a", "b", "c")
	seed(t, s, "rare phrase", "a", "b")
	seed(t, s, "fresh phrase", "a", "b", "c")
	trig.Put(ctx, "known phrase", []string{"yes"})

	got, err := newMiner(s, trig, 10).Select(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Phrase != "fresh phrase" {
		t.Errorf("Select = %+v", got)
	}
}

func TestSelect_BatchAndRanking(t *testing.T) {
	s, trig := setup(t)
	for i := 0; i < 5; i++ {
		speakers := make([]string, 3+i)
		for j := range speakers {
			speakers[j] = fmt.Sprintf("u%d", j)
		}
		seed(t, s, fmt.Sprintf("phrase number %d", i), speakers...)
	}

	got, err := newMiner(s, trig, 2).Select(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Phrase != "phrase number 4" || got[1].Phrase != "phrase number 3" {
		t.Errorf("Select = %+v", got)
	}
}

type brokenSource struct {
	Source
	popularErr error
	marked     bool
}

func (b *brokenSource) QueryPopular(context.Context, int, int) ([]store.PopularPhrase, error) {
	if b.popularErr != nil {
		return nil, b.popularErr
	}
	return []store.PopularPhrase{{Text: "gm", Count: 5, DistinctSpeakers: 2}}, nil
}

func (b *brokenSource) SearchContaining(context.Context, string, int, int) ([]string, error) {
	return nil, errors.New("search timeout")
}

func (b *brokenSource) IDsForTexts(context.Context, []string, int) ([]int64, error) {
	return []int64{1, 2}, nil
}

func (b *brokenSource) MarkProcessed(context.Context, []int64) (int64, error) {
	b.marked = true
	return 2, nil
}

type failingDoc struct{}

func (failingDoc) Load(context.Context) (triggers.State, error) { return nil, nil }
func (failingDoc) Save(context.Context, triggers.State) error   { return errors.New("disk full") }

func TestRun_QueryFailure(t *testing.T) {
	_, trig := setup(t)
	res := newMiner(&brokenSource{popularErr: errors.New("db locked")}, trig, 10).Run(context.Background())
	if res.Success || !strings.Contains(res.Message, "db locked") {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_SearchFailureFallsBack(t *testing.T) {
	_, trig := setup(t)
	src := &brokenSource{}
	res := newMiner(src, trig, 10).Run(context.Background())
	if !res.Success || len(res.Promoted) != 1 || !res.Promoted[0].UsedFallback {
		t.Fatalf("result = %+v", res)
	}
	if !slices.Equal(trig.Get("gm"), []string{"+1", "👍"}) {
		t.Errorf("responses = %q", trig.Get("gm"))
	}
	if !src.marked {
		t.Error("messages not marked processed")
	}
}

func TestRun_TriggerWriteFailure(t *testing.T) {
	trig := triggers.New(failingDoc{}, 20, zerolog.Nop())
	src := &brokenSource{}
	res := newMiner(src, trig, 10).Run(context.Background())
	if res.Success {
		t.Fatal("expected failure")
	}
	if src.marked {
		t.Error("messages marked processed although triggers were not stored")
	}
	if trig.Len() != 0 {
		t.Error("partial trigger state left behind")
	}
}

func TestCleanup(t *testing.T) {
	s, trig := setup(t)
	ctx := context.Background()
	s.Insert(ctx, store.StoredMessage{SpeakerID: "a", Text: "old one", Timestamp: time.Now().Add(-60 * 24 * time.Hour)})
	seed(t, s, "new one", "a")

	m := newMiner(s, trig, 10)
	res := m.Cleanup(ctx, 30)
	if !res.Success || res.Cleaned != 1 {
		t.Errorf("cleanup = %+v", res)
	}
	if res := m.Cleanup(ctx, 0); res.Success {
		t.Error("expected failure for zero retention")
	}
}

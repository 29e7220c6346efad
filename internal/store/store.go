// Package store is the relational message log the miner reads from.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/chatclaw/internal/classifier"
	"github.com/stellarlinkco/chatclaw/internal/lexical"

	_ "modernc.org/sqlite"
)

const (
	DefaultTimeout = 5 * time.Second
	// sqlite caps bound parameters per statement; batches stay well below it.
	maxBatch = 500
)

type Options struct {
	Classifier *classifier.Classifier
	Timeout    time.Duration
	Now        func() time.Time
}

type Store struct {
	db         *sql.DB
	mu         sync.Mutex
	classifier *classifier.Classifier
	timeout    time.Duration
	now        func() time.Time
}

func Open(dbPath string, opts Options) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if opts.Classifier == nil {
		opts.Classifier = classifier.New([]string{"/", "!"})
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{db: db, classifier: opts.Classifier, timeout: opts.Timeout, now: opts.Now}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// SaveMessage classifies msg and stores it only when it is a learning
// candidate. It reports whether a row was written.
func (s *Store) SaveMessage(ctx context.Context, msg StoredMessage) (bool, error) {
	verdict := s.classifier.Classify(msg.Text)
	if !verdict.Learnable() {
		return false, nil
	}
	msg.IsCommand, msg.IsSpam = false, false
	if _, err := s.Insert(ctx, msg); err != nil {
		return false, err
	}
	return true, nil
}

// Insert writes msg as given, without classification.
func (s *Store) Insert(ctx context.Context, msg StoredMessage) (int64, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	kind := msg.Kind
	if kind == "" {
		kind = KindText
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (speaker_id, conversation_id, text, norm_text, kind, created_at, is_command, is_spam, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, strings.TrimSpace(msg.SpeakerID), strings.TrimSpace(msg.ConversationID), msg.Text, lexical.Normalize(msg.Text),
		string(kind), ts.UnixMilli(), boolToInt(msg.IsCommand), boolToInt(msg.IsSpam), boolToInt(msg.Processed))
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) QueryUnprocessed(ctx context.Context, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, speaker_id, conversation_id, text, kind, created_at, is_command, is_spam, processed
		FROM messages
		WHERE processed = 0 AND is_command = 0 AND is_spam = 0
		ORDER BY id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// QueryPopular groups learnable messages from the last windowDays by
// normalized text and returns groups seen at least minCount times, most
// frequent first.
func (s *Store) QueryPopular(ctx context.Context, windowDays, minCount int) ([]PopularPhrase, error) {
	if minCount <= 0 {
		minCount = 1
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT norm_text, COUNT(*) AS n, COUNT(DISTINCT speaker_id)
		FROM messages
		WHERE is_command = 0 AND is_spam = 0 AND created_at >= ? AND norm_text != ''
		GROUP BY norm_text
		HAVING n >= ?
		ORDER BY n DESC, norm_text ASC
	`, s.since(windowDays).UnixMilli(), minCount)
	if err != nil {
		return nil, fmt.Errorf("query popular: %w", err)
	}
	defer rows.Close()

	result := make([]PopularPhrase, 0)
	for rows.Next() {
		var p PopularPhrase
		if err := rows.Scan(&p.Text, &p.Count, &p.DistinctSpeakers); err != nil {
			return nil, fmt.Errorf("scan popular: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate popular: %w", err)
	}
	return result, nil
}

// SearchContaining returns up to limit distinct message texts from the last
// windowDays whose normalized form contains phrase but is not equal to it,
// newest first.
func (s *Store) SearchContaining(ctx context.Context, phrase string, windowDays, limit int) ([]string, error) {
	phrase = lexical.Normalize(phrase)
	if phrase == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT text, MAX(id) AS last_id FROM messages
		WHERE is_command = 0 AND is_spam = 0 AND created_at >= ?
		  AND instr(norm_text, ?) > 0 AND norm_text != ?
		GROUP BY norm_text
		ORDER BY last_id DESC
		LIMIT ?
	`, s.since(windowDays).UnixMilli(), phrase, phrase, limit)
	if err != nil {
		return nil, fmt.Errorf("search containing: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var text string
		var lastID int64
		if err := rows.Scan(&text, &lastID); err != nil {
			return nil, fmt.Errorf("scan containing: %w", err)
		}
		if text = strings.TrimSpace(text); text != "" {
			out = append(out, text)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate containing: %w", err)
	}
	return out, nil
}

// IDsForTexts returns the unprocessed message ids in the window whose
// normalized text is one of norms.
func (s *Store) IDsForTexts(ctx context.Context, norms []string, windowDays int) ([]int64, error) {
	if len(norms) == 0 {
		return nil, nil
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var ids []int64
	for start := 0; start < len(norms); start += maxBatch {
		end := min(start+maxBatch, len(norms))
		chunk := norms[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, s.since(windowDays).UnixMilli())
		for _, n := range chunk {
			args = append(args, n)
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT id FROM messages
			WHERE processed = 0 AND created_at >= ? AND norm_text IN (`+placeholders(len(chunk))+`)
			ORDER BY id ASC
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("query ids: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan id: %w", err)
			}
			ids = append(ids, id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate ids: %w", err)
		}
	}
	return ids, nil
}

// MarkProcessed flips the processed flag for ids in one transaction.
func (s *Store) MarkProcessed(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark processed: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for start := 0; start < len(ids); start += maxBatch {
		end := min(start+maxBatch, len(ids))
		args := make([]any, 0, end-start)
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		res, err := tx.ExecContext(ctx, `UPDATE messages SET processed = 1 WHERE processed = 0 AND id IN (`+placeholders(len(args))+`)`, args...)
		if err != nil {
			return 0, fmt.Errorf("mark processed: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark processed: %w", err)
	}
	return total, nil
}

// CleanupOlderThan deletes messages older than days and returns the count.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("cleanup: retention must be positive, got %d", days)
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, s.since(days).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup messages: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var st Stats
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN processed = 0 THEN 1 ELSE 0 END), 0),
		       COUNT(DISTINCT conversation_id),
		       COUNT(DISTINCT speaker_id),
		       MIN(created_at), MAX(created_at)
		FROM messages
	`).Scan(&st.Total, &st.Unprocessed, &st.Conversations, &st.Speakers, &oldest, &newest)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if oldest.Valid {
		st.Oldest = time.UnixMilli(oldest.Int64)
	}
	if newest.Valid {
		st.Newest = time.UnixMilli(newest.Int64)
	}
	return st, nil
}

func (s *Store) since(days int) time.Time {
	return s.now().Add(-time.Duration(days) * 24 * time.Hour)
}

func scanMessages(rows *sql.Rows) ([]StoredMessage, error) {
	result := make([]StoredMessage, 0)
	for rows.Next() {
		var m StoredMessage
		var kind string
		var ts int64
		var cmd, spam, processed int
		if err := rows.Scan(&m.ID, &m.SpeakerID, &m.ConversationID, &m.Text, &kind, &ts, &cmd, &spam, &processed); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Kind = Kind(kind)
		m.Timestamp = time.UnixMilli(ts)
		m.IsCommand = cmd == 1
		m.IsSpam = spam == 1
		m.Processed = processed == 1
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

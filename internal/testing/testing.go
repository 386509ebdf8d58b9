// package testing contains shared testing utilities
package testing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/services"
)

// ErrFake is the cause wrapped by every failure a fake produces.
var ErrFake = errors.New("fake failure")

// FakeSource is a scripted in-memory remote entity.
//
// Fetch fails transiently TransientFailures[id] times before succeeding and always fails
// permanently for ids in Permanent. It records attempts and the peak number of concurrent fetches.
type FakeSource struct {
	Refs              []models.RemoteRecordRef
	TransientFailures map[int64]int
	Permanent         map[int64]bool
	ListErr           error // returned after ListErrAfter refs have been yielded
	ListErrAfter      int
	Delay             time.Duration
	OnFetch           func(id int64) // called at the start of every attempt

	mu          sync.Mutex
	attempts    map[int64]int
	inFlight    int
	maxInFlight int
	lists       int
}

// NewFakeSource creates a source listing refs.
func NewFakeSource(refs ...models.RemoteRecordRef) *FakeSource {
	return &FakeSource{
		Refs:              refs,
		TransientFailures: make(map[int64]int),
		Permanent:         make(map[int64]bool),
	}
}

// Refs builds refs numbered INV-<id> with version 1.
func Refs(ids ...int64) []models.RemoteRecordRef {
	out := make([]models.RemoteRecordRef, len(ids))
	for i, id := range ids {
		out[i] = models.RemoteRecordRef{ExternalID: id, DisplayNumber: fmt.Sprintf("INV-%d", id), VersionToken: 1}
	}
	return out
}

func (s *FakeSource) List(ctx context.Context, scope string, filter models.Filter) iter.Seq2[models.RemoteRecordRef, error] {
	s.mu.Lock()
	s.lists++
	s.mu.Unlock()

	return func(yield func(models.RemoteRecordRef, error) bool) {
		for i, ref := range s.Refs {
			if s.ListErr != nil && i == s.ListErrAfter {
				yield(models.RemoteRecordRef{}, s.ListErr)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(models.RemoteRecordRef{}, err)
				return
			}
			if !yield(ref, nil) {
				return
			}
		}
		if s.ListErr != nil && s.ListErrAfter >= len(s.Refs) {
			yield(models.RemoteRecordRef{}, s.ListErr)
		}
	}
}

func (s *FakeSource) Fetch(ctx context.Context, scope string, id int64) (json.RawMessage, error) {
	if s.OnFetch != nil {
		s.OnFetch(id)
	}

	s.mu.Lock()
	if s.attempts == nil {
		s.attempts = make(map[int64]int)
	}
	s.attempts[id]++
	attempt := s.attempts[id]
	s.inFlight++
	s.maxInFlight = max(s.maxInFlight, s.inFlight)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}

	if s.Permanent[id] {
		return nil, &services.PermanentError{Op: "fetch detail", Status: http.StatusNotFound, Err: ErrFake}
	}
	if attempt <= s.TransientFailures[id] {
		return nil, &services.TransientError{Op: "fetch detail", Status: http.StatusServiceUnavailable, Err: ErrFake}
	}

	for _, ref := range s.Refs {
		if ref.ExternalID == id {
			return Payload(ref, 2), nil
		}
	}
	return Payload(models.RemoteRecordRef{ExternalID: id}, 0), nil
}

// Attempts returns how many times id was fetched.
func (s *FakeSource) Attempts(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

// TotalAttempts returns the number of fetches across all ids.
func (s *FakeSource) TotalAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		n += a
	}
	return n
}

// MaxInFlight returns the peak number of concurrent fetches.
func (s *FakeSource) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// Lists returns how many listings were started.
func (s *FakeSource) Lists() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

type fakeLine struct {
	Seq int64 `json:"seq"`
	Qty int   `json:"qty"`
}

type fakePayload struct {
	ID      int64      `json:"id"`
	Number  string     `json:"number"`
	Version int64      `json:"version"`
	Lines   []fakeLine `json:"lines"`
}

// Payload builds the detail payload FakeSource returns for ref, with n lines.
func Payload(ref models.RemoteRecordRef, n int) json.RawMessage {
	p := fakePayload{ID: ref.ExternalID, Number: ref.DisplayNumber, Version: ref.VersionToken}
	for i := range n {
		p.Lines = append(p.Lines, fakeLine{Seq: int64(i + 1), Qty: i + 1})
	}
	data, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return data
}

// MapPayload maps a [Payload] to rows; it fails for payloads that are not objects.
func MapPayload(ref models.RemoteRecordRef, payload json.RawMessage) (models.Rows, error) {
	var p fakePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return models.Rows{}, err
	}
	rows := models.Rows{Header: models.HeaderRow{
		ExternalID:    p.ID,
		DisplayNumber: p.Number,
		VersionToken:  p.Version,
		Fields:        map[string]any{"lines": len(p.Lines)},
	}}
	for _, l := range p.Lines {
		rows.Children = append(rows.Children, models.ChildRow{Sequence: l.Seq, Fields: map[string]any{"qty": l.Qty}})
	}
	return rows, nil
}

// MemoryStore is an in-memory local store with a ledger, records and run history.
type MemoryStore struct {
	PersistErr map[int64]error // returned by PersistRecord for the id
	LedgerErr  error
	RunErr     error

	mu      sync.Mutex
	ledger  map[models.LedgerKey]models.LedgerEntry
	records map[models.LedgerKey]models.Rows
	runs    []models.SyncReport
	writes  int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		PersistErr: make(map[int64]error),
		ledger:     make(map[models.LedgerKey]models.LedgerEntry),
		records:    make(map[models.LedgerKey]models.Rows),
	}
}

// Seed writes ledger entries directly.
func (m *MemoryStore) Seed(entity string, entries ...models.LedgerEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		e.Entity = entity
		m.ledger[e.Key()] = e
	}
}

func (m *MemoryStore) LoadLedger(ctx context.Context, entity, scope string) ([]models.LedgerEntry, error) {
	if m.LedgerErr != nil {
		return nil, m.LedgerErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range m.ledger {
		if e.Entity == entity && e.ScopeKey == scope {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) PersistRecord(ctx context.Context, entity, scope string, rows models.Rows, policy models.ChildPolicy, syncedAt time.Time) error {
	if err := m.PersistErr[rows.Header.ExternalID]; err != nil {
		return err
	}
	if err := rows.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := models.LedgerKey{ExternalID: rows.Header.ExternalID, ScopeKey: scope}
	m.records[key] = rows
	m.ledger[key] = models.LedgerEntry{
		Entity:       entity,
		ExternalID:   rows.Header.ExternalID,
		ScopeKey:     scope,
		VersionToken: rows.Header.VersionToken,
		LastSyncedAt: syncedAt,
	}
	m.writes++
	return nil
}

func (m *MemoryStore) RecordRun(ctx context.Context, report models.SyncReport) error {
	if m.RunErr != nil {
		return m.RunErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, report)
	return nil
}

// Record returns the stored rows of id in scope.
func (m *MemoryStore) Record(scope string, id int64) (models.Rows, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[models.LedgerKey{ExternalID: id, ScopeKey: scope}]
	return r, ok
}

// LedgerVersion returns the ledger version of id in scope, or -1 when absent.
func (m *MemoryStore) LedgerVersion(scope string, id int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ledger[models.LedgerKey{ExternalID: id, ScopeKey: scope}]
	if !ok {
		return -1
	}
	return e.VersionToken
}

// Runs returns the recorded reports, oldest first.
func (m *MemoryStore) Runs() []models.SyncReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SyncReport(nil), m.runs...)
}

// Writes returns the number of successful PersistRecord calls.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// LimitedWriter fails after a certain number of writes
type LimitedWriter struct {
	maxWrites int
	written   int
	target    io.Writer
}

func (l *LimitedWriter) Write(p []byte) (n int, err error) {
	if l.written >= l.maxWrites {
		return 0, errors.New("write limit exceeded")
	}
	l.written++
	return l.target.Write(p)
}

func NewLimitedWriter(maxWrites, written int, target io.Writer) LimitedWriter {
	return LimitedWriter{maxWrites: maxWrites, written: written, target: target}
}

func MustGetwd(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	return wd
}

func MustChdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Failed to change directory to %s: %v", dir, err)
	}
}

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}

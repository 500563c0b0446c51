package usage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/pario-ai/tenantgate/pkg/models"
)

// ErrNoSpool is returned when no spool path is configured.
var ErrNoSpool = errors.New("no spool configured")

// Spool is an append-only JSON-lines file of undeliverable records.
type Spool struct {
	path string
	mu   sync.Mutex
}

// NewSpool creates a Spool at path. An empty path disables spooling.
func NewSpool(path string) *Spool {
	return &Spool{path: path}
}

// Path returns the spool file path.
func (s *Spool) Path() string { return s.path }

// Append writes rec as one line.
func (s *Spool) Append(rec models.UsageRecord) error {
	if s.path == "" {
		return ErrNoSpool
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write spool: %w", err)
	}
	return f.Close()
}

// Read returns every spooled record.
func (s *Spool) Read() ([]models.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *Spool) read() ([]models.UsageRecord, error) {
	if s.path == "" {
		return nil, nil
	}
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()

	var out []models.UsageRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec models.UsageRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("parse spool line: %w", err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// Replay hands every spooled record to write and rewrites the spool with
// the records that still failed.
func (s *Spool) Replay(ctx context.Context, write func(models.UsageRecord) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.read()
	if err != nil || len(recs) == 0 {
		return 0, err
	}
	var left []models.UsageRecord
	for _, rec := range recs {
		if ctx.Err() != nil || write(rec) != nil {
			left = append(left, rec)
		}
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("rewrite spool: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, rec := range left {
		if err := enc.Encode(rec); err != nil {
			f.Close()
			return 0, fmt.Errorf("rewrite spool: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("rewrite spool: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, fmt.Errorf("rewrite spool: %w", err)
	}
	return len(recs) - len(left), nil
}

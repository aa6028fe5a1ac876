// Package jsonl implements a ResultSink that appends JSON lines to a file per
// run.
package jsonl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/scrapebot/internal/report"
	"github.com/JakeFAU/scrapebot/internal/scrape"
)

// Config captures the output directory.
type Config struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Sink writes <Dir>/results_<runID>.jsonl. It is safe for concurrent use.
type Sink struct {
	dir   string
	clock scrape.Clock

	mu    sync.Mutex
	files map[string]*os.File
}

// New creates the output directory if needed.
func New(cfg Config, clock scrape.Clock) (*Sink, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, &scrape.ConfigurationError{Setting: "crawler.output_dir", Reason: "is required"}
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &Sink{
		dir:   cfg.Dir,
		clock: clock,
		files: make(map[string]*os.File),
	}, nil
}

// Path returns the file that holds runID's results.
func (s *Sink) Path(runID string) string {
	return filepath.Join(s.dir, "results_"+runID+".jsonl")
}

// Write appends result as one line.
func (s *Sink) Write(_ context.Context, runID string, result scrape.Result) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return fmt.Errorf("invalid run id %q", runID)
	}
	line, err := json.Marshal(report.Record{RunID: runID, ResolvedAt: s.clock.Now(), Result: result})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[runID]
	if !ok {
		f, err = os.OpenFile(s.Path(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open results file: %w", err)
		}
		s.files[runID] = f
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// Close closes every open results file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for runID, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", f.Name(), err))
		}
		delete(s.files, runID)
	}
	return errors.Join(errs...)
}

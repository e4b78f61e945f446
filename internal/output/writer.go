package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zinc-sig/harness/internal/verdict"
)

// Formats accepted by --format
const (
	FormatJSON   = "json"
	FormatNDJSON = "ndjson"
	FormatText   = "text"
)

// WriteJSON writes the report as indented JSON
func WriteJSON(w io.Writer, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// WriteFile writes the report as JSON to path, creating its parent directories
func WriteFile(path string, report *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := WriteJSON(f, report); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// recipeRecord is one NDJSON line
type recipeRecord struct {
	RunID string `json:"run_id"`
	Recipe
}

// summaryRecord is the final NDJSON line
type summaryRecord struct {
	RunID    string          `json:"run_id"`
	Status   string          `json:"status"`
	PassRate string          `json:"pass_rate"`
	Summary  verdict.Summary `json:"summary"`
}

// Stream emits one JSON line per recipe as verdicts arrive. It is safe for
// concurrent use.
type Stream struct {
	mu    sync.Mutex
	enc   *json.Encoder
	runID string
}

// NewStream returns an NDJSON stream writing to w
func NewStream(w io.Writer, runID string) *Stream {
	return &Stream{enc: json.NewEncoder(w), runID: runID}
}

// Verdict writes the record of one finished recipe
func (s *Stream) Verdict(v *verdict.Verdict) error {
	return s.encode(recipeRecord{RunID: s.runID, Recipe: NewRecipe(v)})
}

// Summary writes the closing summary line
func (s *Stream) Summary(report *Report) error {
	return s.encode(summaryRecord{
		RunID:    s.runID,
		Status:   report.Status,
		PassRate: report.PassRate,
		Summary:  report.Summary,
	})
}

func (s *Stream) encode(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

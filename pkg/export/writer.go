package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ShardName is the final export name of one shard.
func ShardName(shard int) string {
	return fmt.Sprintf("shard-%d", shard)
}

// CheckpointName is the checkpoint export name of one shard. It never
// collides with a final or shard export name.
func CheckpointName(shard int) string {
	return fmt.Sprintf("checkpoint-shard-%d", shard)
}

// Writer persists tables and run artifacts into one directory. Every file
// is written to a temporary name and renamed into place, so a reader sees
// either the previous version or the new one.
type Writer struct {
	outputDir string
	encoders  []Encoder
}

// NewWriter returns a Writer producing every format in formats.
func NewWriter(outputDir string, formats []Format) (*Writer, error) {
	if len(formats) == 0 {
		return nil, fmt.Errorf("at least one export format is required")
	}
	w := &Writer{outputDir: outputDir}
	for _, f := range formats {
		enc, err := EncoderFor(f)
		if err != nil {
			return nil, err
		}
		w.encoders = append(w.encoders, enc)
	}
	return w, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.outputDir }

// WriteTable writes t as <name>.<ext> for each format and returns the paths.
func (w *Writer) WriteTable(name string, t Table) ([]string, error) {
	paths := make([]string, 0, len(w.encoders))
	for _, enc := range w.encoders {
		path := filepath.Join(w.outputDir, name+enc.Ext())
		err := WriteFileAtomic(path, func(out io.Writer) error {
			return enc.Encode(out, t)
		})
		if err != nil {
			return paths, fmt.Errorf("failed to export %s: %w", filepath.Base(path), err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// WriteList writes one entry per line to <name>.txt.
func (w *Writer) WriteList(name string, entries []string) (string, error) {
	path := filepath.Join(w.outputDir, name+".txt")
	err := WriteFileAtomic(path, func(out io.Writer) error {
		for _, e := range entries {
			if _, err := io.WriteString(out, e+"\n"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return path, nil
}

// ShardSummary counts what one worker did.
type ShardSummary struct {
	Shard         int    `json:"shard"`
	Assigned      int    `json:"assigned"`
	Processed     int    `json:"processed"`
	Measured      int    `json:"measured"`
	StateRequired int    `json:"state_required"`
	Missing       int    `json:"missing"`
	Recycled      int    `json:"recycled"`
	Aborted       bool   `json:"aborted"`
	Error         string `json:"error,omitempty"`
}

// Summary describes a finished run.
type Summary struct {
	RunID         string         `json:"run_id"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	Duration      string         `json:"duration"`
	Regions       int            `json:"regions"`
	Magnitudes    []float64      `json:"magnitudes"`
	Workers       int            `json:"workers"`
	Shards        []ShardSummary `json:"shards"`
	StateRequired []string       `json:"state_required"`
	Missing       []string       `json:"missing"`
	Files         []string       `json:"files"`
	Error         string         `json:"error,omitempty"`
}

// WriteSummary writes summary.json and summary.md.
func (w *Writer) WriteSummary(summary *Summary) ([]string, error) {
	jsonPath := filepath.Join(w.outputDir, "summary.json")
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := WriteFileAtomic(jsonPath, func(out io.Writer) error {
		_, err := out.Write(data)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to write summary JSON: %w", err)
	}

	mdPath := filepath.Join(w.outputDir, "summary.md")
	if err := WriteFileAtomic(mdPath, func(out io.Writer) error {
		_, err := io.WriteString(out, SummaryMarkdown(summary))
		return err
	}); err != nil {
		return []string{jsonPath}, fmt.Errorf("failed to write summary markdown: %w", err)
	}
	return []string{jsonPath, mdPath}, nil
}

// SummaryMarkdown renders a human-readable run report.
func SummaryMarkdown(summary *Summary) string {
	var md strings.Builder

	md.WriteString("# Harvest Summary\n\n")
	md.WriteString(fmt.Sprintf("**Run:** %s\n\n", summary.RunID))
	md.WriteString(fmt.Sprintf("**Started:** %s\n\n", summary.StartTime.Format(time.RFC3339)))
	md.WriteString(fmt.Sprintf("**Completed:** %s\n\n", summary.EndTime.Format(time.RFC3339)))
	md.WriteString(fmt.Sprintf("**Duration:** %s\n\n", summary.Duration))

	md.WriteString("## Result\n\n")
	if summary.Error != "" {
		md.WriteString(fmt.Sprintf("**Error:** %s\n\n", summary.Error))
	} else {
		md.WriteString("**Success**\n\n")
	}

	md.WriteString("## Shards\n\n")
	md.WriteString("| Shard | Assigned | Processed | Measured | State required | Missing | Recycled | Aborted |\n")
	md.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, s := range summary.Shards {
		md.WriteString(fmt.Sprintf("| %d | %d | %d | %d | %d | %d | %d | %t |\n",
			s.Shard, s.Assigned, s.Processed, s.Measured, s.StateRequired, s.Missing, s.Recycled, s.Aborted))
	}
	md.WriteString("\n")

	if len(summary.StateRequired) > 0 {
		md.WriteString("## State Required\n\n")
		for _, e := range summary.StateRequired {
			md.WriteString(fmt.Sprintf("- %s\n", e))
		}
		md.WriteString("\n")
	}

	if len(summary.Missing) > 0 {
		md.WriteString("## Missing\n\n")
		for _, e := range summary.Missing {
			md.WriteString(fmt.Sprintf("- %s\n", e))
		}
		md.WriteString("\n")
	}

	if len(summary.Files) > 0 {
		md.WriteString("## Files\n\n")
		for _, f := range summary.Files {
			md.WriteString(fmt.Sprintf("- `%s`\n", f))
		}
	}
	return md.String()
}

// WriteFileAtomic writes through a temporary file in the target directory
// and renames it over path once fully written.
func WriteFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	file, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := file.Name()

	buf := bufio.NewWriter(file)
	if err := write(buf); err != nil {
		file.Close()
		os.Remove(tempPath)
		return err
	}
	if err := buf.Flush(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to flush temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to set file mode: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

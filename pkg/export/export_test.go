package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/entrhq/calcharvest/pkg/results"
)

func scenarioTable() Table {
	set := results.Set{"Alpha": {50: 42.5, 100: 85}}
	return Build([]string{"Alpha", "Beta"}, []float64{50, 100}, set, DefaultLayout())
}

func TestBuildMarksMissingCells(t *testing.T) {
	table := scenarioTable()

	assert.Equal(t, [][]string{
		{"Country", "50kwh", "100kwh"},
		{"Alpha", "42.5", "85"},
		{"Beta", "N/A", "N/A"},
	}, table.Records())
}

func TestBuildPartialRow(t *testing.T) {
	set := results.Set{"Alpha": {1000: 850}}
	table := Build([]string{"Alpha"}, []float64{1000, 5000}, set, Layout{RegionHeader: "Region", Unavailable: "-"})

	assert.Equal(t, []string{"Region", "1000", "5000"}, table.Header())
	assert.Equal(t, []string{"Alpha", "850", "-"}, table.Records()[1])
}

func TestCSVIsByteStable(t *testing.T) {
	enc, err := EncoderFor(FormatCSV)
	require.NoError(t, err)

	var first, second bytes.Buffer
	require.NoError(t, enc.Encode(&first, scenarioTable()))
	require.NoError(t, enc.Encode(&second, scenarioTable()))

	assert.Equal(t, first.Bytes(), second.Bytes())
	assert.Equal(t, "Country,50kwh,100kwh\nAlpha,42.5,85\nBeta,N/A,N/A\n", first.String())
}

func TestXLSXRoundTrip(t *testing.T) {
	enc, err := EncoderFor(FormatXLSX)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, enc.Encode(&buf, scenarioTable()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Country", "50kwh", "100kwh"},
		{"Alpha", "42.5", "85"},
		{"Beta", "N/A", "N/A"},
	}, rows)
}

func TestXLSXIsByteStable(t *testing.T) {
	enc, err := EncoderFor(FormatXLSX)
	require.NoError(t, err)

	var first, second bytes.Buffer
	require.NoError(t, enc.Encode(&first, scenarioTable()))
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, enc.Encode(&second, scenarioTable()))

	assert.NotZero(t, first.Len())
	assert.Equal(t, first.Bytes(), second.Bytes(), "re-exporting the same table must not change the workbook")
}

func TestEncoderForUnknown(t *testing.T) {
	_, err := EncoderFor("parquet")
	assert.Error(t, err)
}

func TestWriterWritesEveryFormat(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, []Format{FormatCSV, FormatXLSX})
	require.NoError(t, err)

	paths, err := w.WriteTable("results", scenarioTable())
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "results.csv"),
		filepath.Join(dir, "results.xlsx"),
	}, paths)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temporary files may remain")
}

func TestWriterRewriteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, []Format{FormatCSV})
	require.NoError(t, err)

	_, err = w.WriteTable("results", scenarioTable())
	require.NoError(t, err)
	first, err := os.ReadFile(filepath.Join(dir, "results.csv"))
	require.NoError(t, err)

	_, err = w.WriteTable("results", scenarioTable())
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(dir, "results.csv"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestWriteFileAtomicKeepsOldFileOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint-shard-1.csv")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	boom := errors.New("boom")
	err := WriteFileAtomic(path, func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return boom
	})
	require.ErrorIs(t, err, boom)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "shard-3", ShardName(3))
	assert.Equal(t, "checkpoint-shard-3", CheckpointName(3))
	assert.NotEqual(t, ShardName(1), CheckpointName(1))
}

func TestWriteList(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, []Format{FormatCSV})
	require.NoError(t, err)

	path, err := w.WriteList("state_required", []string{"Beta", "Delta"})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Beta\nDelta\n", string(data))
}

func TestWriteSummary(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, []Format{FormatCSV})
	require.NoError(t, err)

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	summary := &Summary{
		RunID:         "run-1",
		StartTime:     start,
		EndTime:       start.Add(time.Minute),
		Duration:      "1m0s",
		Regions:       2,
		Workers:       1,
		Shards:        []ShardSummary{{Shard: 1, Assigned: 2, Processed: 2, Measured: 1, StateRequired: 1}},
		StateRequired: []string{"Beta"},
	}
	paths, err := w.WriteSummary(summary)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	var decoded Summary
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []string{"Beta"}, decoded.StateRequired)
	assert.Equal(t, 1, decoded.Shards[0].Measured)

	md, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Contains(t, string(md), "## State Required")
	assert.Contains(t, string(md), "- Beta")
}

func TestNewWriterRequiresFormat(t *testing.T) {
	_, err := NewWriter(t.TempDir(), nil)
	assert.Error(t, err)
}

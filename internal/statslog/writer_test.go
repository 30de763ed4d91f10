package statslog

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gander/internal/record"
)

func TestWriterJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.jsonl")
	w, err := New(path, FormatJSON, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	w.Send(record.Raw{Name: "/ping", Success: true, StatusCode: 200})
	time.Sleep(20 * time.Millisecond)
	cancel()
	w.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var rec record.Raw
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &rec)) // trim trailing newline
	assert.Equal(t, "/ping", rec.Name)
	assert.True(t, rec.Success)
}

func TestWriterCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.csv")
	w, err := New(path, FormatCSV, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	w.Send(record.Raw{Name: "/search", Method: "GET", StatusCode: 200, Success: true, UserID: 7})
	time.Sleep(20 * time.Millisecond)
	cancel()
	w.Wait()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))
	rows, err := reader.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2) // header + one row
	assert.Equal(t, record.CSVHeader, rows[0])
	assert.Equal(t, "/search", rows[1][2])
}

func TestWriterDisablesOnWriteFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.jsonl")
	w, err := New(path, FormatJSON, zerolog.Nop())
	require.NoError(t, err)

	w.f.Close() // force subsequent writes to fail
	w.write(record.Raw{Name: "/x"})
	assert.True(t, w.disabled.Load())

	// Further sends after disabling must not panic and Send always reports ok.
	assert.True(t, w.Send(record.Raw{Name: "/y"}))
}

func TestDebugWriterJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.jsonl")
	w, err := NewDebugWriter(path, DebugFormatJSON, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	w.SendDebug(record.Debug{Tag: "set_failure", Headers: map[string]string{"X-Test": "1"}, Body: "oops"})
	time.Sleep(20 * time.Millisecond)
	cancel()
	w.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line debugLine
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &line))
	assert.Equal(t, "set_failure", line.Tag)
	assert.Equal(t, "oops", line.Body)
	assert.Contains(t, line.Header, "X-Test")
}

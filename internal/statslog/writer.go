// Package statslog implements the optional stats-log and debug-log file
// writers: streaming RawRequest/DebugRecord events to disk in JSON, CSV,
// or a raw structural dump.
package statslog

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"gander/internal/record"
)

// Format is one of the three stats-log encodings.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatRaw  Format = "raw"
)

// Writer drains a cloned stream of RawRequests and formats them to a file
// that is overwritten on open. A write error disables the writer and is
// reported to stderr exactly once.
type Writer struct {
	log    zerolog.Logger
	format Format

	f    *os.File
	csvW *csv.Writer

	in       chan record.Raw
	disabled atomic.Bool
	mu       sync.Mutex
	done     chan struct{}
}

// New opens path, truncating any existing file, and prepares a consumer
// for the given format. Call Run in its own goroutine; cancelling its
// context flushes and closes the file, and Wait blocks until that is done.
func New(path string, format Format, log zerolog.Logger) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		log:    log.With().Str("component", "stats-log").Str("file", path).Logger(),
		format: format,
		f:      f,
		in:     make(chan record.Raw, 1024),
		done:   make(chan struct{}),
	}

	if format == FormatCSV {
		w.csvW = csv.NewWriter(f)
		if err := w.csvW.Write(record.CSVHeader); err != nil {
			f.Close()
			return nil, err
		}
		w.csvW.Flush()
	}

	return w, nil
}

// Send implements record.RawSender. A full or disabled writer drops the
// record rather than applying backpressure to the request pipeline.
func (w *Writer) Send(rec record.Raw) bool {
	if w.disabled.Load() {
		return true
	}
	select {
	case w.in <- rec:
	default:
	}
	return true
}

// Run consumes records until ctx is done and the channel drains, then
// flushes and closes the file.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	defer w.flushClose()

	for {
		select {
		case rec := <-w.in:
			w.write(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-w.in:
					w.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(rec record.Raw) {
	if w.disabled.Load() {
		return
	}

	var err error
	switch w.format {
	case FormatJSON:
		err = w.writeJSON(rec)
	case FormatCSV:
		err = w.writeCSV(rec)
	default:
		err = w.writeRaw(rec)
	}

	if err != nil {
		w.log.Error().Err(err).Msg("stats log write failed, disabling writer")
		w.disabled.Store(true)
	}
}

func (w *Writer) writeJSON(rec record.Raw) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = w.f.Write(append(line, '\n'))
	return err
}

func (w *Writer) writeCSV(rec record.Raw) error {
	row := []string{
		strconv.FormatInt(rec.ElapsedMs, 10),
		rec.Method,
		rec.Name,
		rec.URL,
		rec.FinalURL,
		strconv.FormatBool(rec.Redirected),
		strconv.FormatInt(rec.ResponseTimeMs, 10),
		strconv.Itoa(rec.StatusCode),
		strconv.FormatBool(rec.Success),
		strconv.FormatBool(rec.Update),
		strconv.FormatUint(rec.UserID, 10),
	}
	if err := w.csvW.Write(row); err != nil {
		return err
	}
	w.csvW.Flush()
	return w.csvW.Error()
}

func (w *Writer) writeRaw(rec record.Raw) error {
	_, err := fmt.Fprintf(w.f, "%+v\n", rec)
	return err
}

func (w *Writer) flushClose() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.csvW != nil {
		w.csvW.Flush()
	}
	w.f.Close()
}

// Wait blocks until Run has finished flushing.
func (w *Writer) Wait() { <-w.done }

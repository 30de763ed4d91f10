package statslog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"

	"gander/internal/record"
)

// DebugFormat is one of the two debug-log encodings.
type DebugFormat string

const (
	DebugFormatJSON DebugFormat = "json"
	DebugFormatRaw  DebugFormat = "raw"
)

// debugLine is the wire shape of one debug-log entry: header is a
// JSON-encoded string of the header map, not a nested object, preserving
// the format the original tool used.
type debugLine struct {
	Tag     string      `json:"tag"`
	Request *record.Raw `json:"request,omitempty"`
	Header  string      `json:"header,omitempty"`
	Body    string      `json:"body,omitempty"`
}

// DebugWriter is the analogue of Writer for DebugRecords.
type DebugWriter struct {
	log    zerolog.Logger
	format DebugFormat
	f      *os.File

	in       chan record.Debug
	disabled atomic.Bool
	done     chan struct{}
}

func NewDebugWriter(path string, format DebugFormat, log zerolog.Logger) (*DebugWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &DebugWriter{
		log:    log.With().Str("component", "debug-log").Str("file", path).Logger(),
		format: format,
		f:      f,
		in:     make(chan record.Debug, 1024),
		done:   make(chan struct{}),
	}, nil
}

// SendDebug implements record.DebugSender.
func (w *DebugWriter) SendDebug(rec record.Debug) {
	if w.disabled.Load() {
		return
	}
	select {
	case w.in <- rec:
	default:
	}
}

func (w *DebugWriter) Run(ctx context.Context) {
	defer close(w.done)
	defer w.f.Close()

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

func (w *DebugWriter) write(rec record.Debug) {
	if w.disabled.Load() {
		return
	}

	var err error
	if w.format == DebugFormatJSON {
		err = w.writeJSON(rec)
	} else {
		err = w.writeRaw(rec)
	}

	if err != nil {
		w.log.Error().Err(err).Msg("debug log write failed, disabling writer")
		w.disabled.Store(true)
	}
}

func (w *DebugWriter) writeJSON(rec record.Debug) error {
	line := debugLine{Tag: rec.Tag, Request: rec.Request, Body: rec.Body}
	if rec.Headers != nil {
		h, err := json.Marshal(rec.Headers)
		if err != nil {
			return err
		}
		line.Header = string(h)
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	_, err = w.f.Write(append(data, '\n'))
	return err
}

func (w *DebugWriter) writeRaw(rec record.Debug) error {
	_, err := fmt.Fprintf(w.f, "%+v\n", rec)
	return err
}

func (w *DebugWriter) Wait() { <-w.done }

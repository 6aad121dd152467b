package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// LogEmitter writes events to an io.Writer, either as human-readable
// lines or as JSONL. When writing to a terminal (detected with
// go-isatty) and JSON mode is off, failures and retries are colorized so
// an operator watching a run can spot trouble without reading closely.
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
	colorize bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	colorize := false
	if !jsonMode {
		if f, ok := writer.(*os.File); ok {
			colorize = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode, colorize: colorize}
}

func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID     string                 `json:"runID"`
		Step      int                    `json:"step"`
		StageName string                 `json:"stage"`
		Msg       string                 `json:"msg"`
		Meta      map[string]interface{} `json:"meta"`
	}{
		RunID:     event.RunID,
		Step:      event.Step,
		StageName: event.StageName,
		Msg:       event.Msg,
		Meta:      event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	line := fmt.Sprintf("[%s] runID=%s step=%d stage=%s", event.Msg, event.RunID, event.Step, event.StageName)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			line += fmt.Sprintf(" meta=%s", metaJSON)
		}
	}

	if l.colorize {
		switch event.Msg {
		case "item_failed", "run_aborted":
			line = color.RedString(line)
		case "item_retry", "batch_poll_pending":
			line = color.YellowString(line)
		case "stage_end", "run_complete":
			line = color.GreenString(line)
		}
	}

	_, _ = fmt.Fprintln(l.writer, line)
}

func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes synchronously and maintains no
// internal buffer. If the underlying writer buffers (e.g. bufio.Writer),
// flush that directly.
func (l *LogEmitter) Flush(_ context.Context) error {
	return nil
}

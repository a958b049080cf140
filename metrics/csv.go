package metrics

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/arloliu/go-pingpong/logger"
	"github.com/arloliu/go-pingpong/message"
)

// DefaultBufferLimit is the number of buffered records per direction that triggers a flush.
const DefaultBufferLimit = 1000

var csvHeader = []string{"message_id", "timestamp_ms", "message_length"}

// ErrNoRunPath is returned by Flush when records are buffered but no file path is set.
var ErrNoRunPath = errors.New("no log file path for the current run")

// Record is one CSV row.
type Record struct {
	// ID is the message id.
	ID string
	// TimestampMs is the send time of outbound frames or the arrival time of inbound frames.
	TimestampMs int64
	// Size is the wire length of the frame in bytes.
	Size int
}

type sink struct {
	path      string
	records   []Record
	threshold int
}

// CSVLogger is a buffered per-direction CSV writer keyed by run.
//
// Records are kept in memory until a direction holds limit records, or until Flush, SetRun or
// Close is called. A failed write keeps the records buffered and retries after another limit
// records. It is safe for concurrent use.
type CSVLogger struct {
	mu     sync.Mutex
	limit  int
	logger logger.Logger
	sinks  [2]sink
}

// NewCSVLogger creates a logger that flushes a direction once it buffers limit records.
// A limit <= 0 selects DefaultBufferLimit.
func NewCSVLogger(limit int, l logger.Logger) *CSVLogger {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	if l == nil {
		l = logger.GetLogger()
	}

	c := &CSVLogger{limit: limit, logger: l}
	for i := range c.sinks {
		c.sinks[i].threshold = limit
		c.sinks[i].records = make([]Record, 0, limit)
	}

	return c
}

// SetRun flushes what is buffered for the previous run and directs new records to the given files.
func (c *CSVLogger) SetRun(inboundPath, outboundPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.flushLocked()
	c.sinks[message.Inbound].path = inboundPath
	c.sinks[message.Outbound].path = outboundPath

	return err
}

// Path returns the file records of the given direction are written to.
func (c *CSVLogger) Path(dir message.Direction) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sinks[dir].path
}

// Log buffers one record. Records logged while no run path is set are discarded.
func (c *CSVLogger) Log(dir message.Direction, rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.sinks[dir]
	if s.path == "" {
		return
	}

	s.records = append(s.records, rec)
	if len(s.records) < s.threshold {
		return
	}

	if err := c.flushSink(s); err != nil {
		c.logger.Error("failed to flush frame log", "path", s.path, "buffered", len(s.records), "error", err)
	}
}

// LogMessage buffers the record of msg with the given timestamp and wire size.
func (c *CSVLogger) LogMessage(msg *message.Message, tsMs int64, size int) {
	c.Log(msg.Direction(), Record{ID: msg.ID(), TimestampMs: tsMs, Size: size})
}

// Buffered returns how many records of the given direction wait for a flush.
func (c *CSVLogger) Buffered(dir message.Direction) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.sinks[dir].records)
}

// Flush writes every buffered record of both directions.
func (c *CSVLogger) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.flushLocked()
}

// Close flushes both directions and detaches the run files. Later records are discarded until SetRun.
func (c *CSVLogger) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.flushLocked()
	for i := range c.sinks {
		c.sinks[i].path = ""
		c.sinks[i].records = c.sinks[i].records[:0]
		c.sinks[i].threshold = c.limit
	}

	return err
}

func (c *CSVLogger) flushLocked() error {
	var errs []error
	for i := range c.sinks {
		if err := c.flushSink(&c.sinks[i]); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (c *CSVLogger) flushSink(s *sink) error {
	if len(s.records) == 0 {
		return nil
	}
	if s.path == "" {
		return ErrNoRunPath
	}

	if err := appendRecords(s.path, s.records); err != nil {
		s.threshold = len(s.records) + c.limit
		return err
	}

	c.logger.Debug("flushed frame log", "path", s.path, "count", len(s.records))
	s.records = s.records[:0]
	s.threshold = c.limit

	return nil
}

// appendRecords appends records to path, writing the header only when the file is created.
func appendRecords(path string, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	_, statErr := os.Stat(path)
	isNew := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	w := csv.NewWriter(f)
	if isNew {
		_ = w.Write(csvHeader)
	}
	row := make([]string, 3)
	for _, rec := range records {
		row[0] = rec.ID
		row[1] = strconv.FormatInt(rec.TimestampMs, 10)
		row[2] = strconv.Itoa(rec.Size)
		_ = w.Write(row)
	}
	w.Flush()

	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write log file: %w", err)
	}

	return f.Close()
}

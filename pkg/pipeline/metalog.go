package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// MetaLog writes one "seq device_ts host_ts" line per persisted unit. The host
// timestamp is Unix nanoseconds.
type MetaLog struct {
	dest io.WriteCloser
	buf  *bufio.Writer
}

func NewMetaLog(dest io.WriteCloser) *MetaLog {
	return &MetaLog{dest: dest, buf: bufio.NewWriter(dest)}
}

func (m *MetaLog) Write(meta Meta) error {
	_, err := fmt.Fprintf(m.buf, "%d %d %d\n", meta.Seq, meta.DeviceTS, meta.HostTS.UnixNano())
	return err
}

func (m *MetaLog) Flush() error {
	return m.buf.Flush()
}

func (m *MetaLog) Close() error {
	ferr := m.buf.Flush()
	cerr := m.dest.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// ReadMetaLog parses a sidecar written by MetaLog.
func ReadMetaLog(r io.Reader) ([]Meta, error) {
	var out []Meta
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: want 3 fields, got %d", line, len(fields))
		}
		seq, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		dev, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		host, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, Meta{Seq: seq, DeviceTS: dev, HostTS: time.Unix(0, host)})
	}
	return out, scanner.Err()
}

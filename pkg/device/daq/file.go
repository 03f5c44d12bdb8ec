package daq

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

const headerEnd = "---"

// Header is the YAML document at the top of a recording.
type Header struct {
	Device       string    `yaml:"device"`
	Serial       string    `yaml:"serial"`
	Session      string    `yaml:"session"`
	Started      string    `yaml:"started"`
	ScanRate     float64   `yaml:"scan_rate"`
	ScansPerRead int       `yaml:"scans_per_read"`
	Channels     []Channel `yaml:"channels"`
}

// FileWriter writes a header followed by one comma separated row per batch.
type FileWriter struct {
	file *os.File
	buf  *bufio.Writer
	line []byte
}

func CreateFile(path string, h Header) (*FileWriter, error) {
	contents, err := yaml.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("error marshaling header: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &FileWriter{file: f, buf: bufio.NewWriterSize(f, 1<<20)}
	w.buf.Write(contents)
	w.buf.WriteString(headerEnd + "\n")
	// Flushed now so a crash still leaves a readable header.
	if err := w.buf.Flush(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *FileWriter) Encode(b *ScanBatch) error {
	w.line = w.line[:0]
	for i, s := range b.Samples {
		if i > 0 {
			w.line = append(w.line, ',')
		}
		w.line = strconv.AppendFloat(w.line, s, 'g', -1, 64)
	}
	w.line = append(w.line, '\n')
	_, err := w.buf.Write(w.line)
	return err
}

func (w *FileWriter) Close() error {
	return errors.Join(w.buf.Flush(), w.file.Close())
}

// ReadFile loads a recording written by FileWriter. Each row is one batch.
func ReadFile(path string) (Header, [][]float64, error) {
	var h Header
	contents, err := os.ReadFile(path)
	if err != nil {
		return h, nil, err
	}

	sep := []byte("\n" + headerEnd + "\n")
	idx := bytes.Index(contents, sep)
	if idx == -1 {
		return h, nil, fmt.Errorf("%s: no header terminator", path)
	}
	if err := yaml.Unmarshal(contents[:idx+1], &h); err != nil {
		return h, nil, fmt.Errorf("error unmarshaling header: %w", err)
	}

	var rows [][]float64
	scanner := bufio.NewScanner(bytes.NewReader(contents[idx+len(sep):]))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		row := make([]float64, len(fields))
		for i, f := range fields {
			if row[i], err = strconv.ParseFloat(f, 64); err != nil {
				return h, nil, fmt.Errorf("row %d: %w", len(rows)+1, err)
			}
		}
		rows = append(rows, row)
	}
	return h, rows, scanner.Err()
}

package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
)

// ErrNoResult is returned when a log holds nothing a parser recognizes.
var ErrNoResult = errors.New("no result record in log")

const maxLine = 1 << 20

// JSONParser takes the last line of stdout that is a JSON object as the
// result record.
type JSONParser struct{}

func (JSONParser) Name() string { return "json" }

func (JSONParser) Parse(stdout, _ io.Reader, exitCode int) (Record, error) {
	var last Record
	s := bufio.NewScanner(stdout)
	s.Buffer(make([]byte, 64*1024), maxLine)
	for s.Scan() {
		line := bytes.TrimSpace(s.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var rec Record
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&rec); err != nil {
			continue
		}
		last = rec
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrNoResult
	}
	last[KeyExitCode] = exitCode
	return last, nil
}

// KeyValueParser reads "key: value" or "key = value" lines. Numeric values
// are stored as float64, everything else as strings. Later lines win.
type KeyValueParser struct{}

func (KeyValueParser) Name() string { return "keyvalue" }

func (KeyValueParser) Parse(stdout, _ io.Reader, exitCode int) (Record, error) {
	rec := Record{}
	s := bufio.NewScanner(stdout)
	s.Buffer(make([]byte, 64*1024), maxLine)
	for s.Scan() {
		key, val, ok := splitKV(s.Text())
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			rec[key] = f
		} else {
			rec[key] = val
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(rec) == 0 {
		return nil, ErrNoResult
	}
	rec[KeyExitCode] = exitCode
	return rec, nil
}

func splitKV(line string) (string, string, bool) {
	i := strings.IndexAny(line, ":=")
	if i <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:i])
	val := strings.TrimSpace(line[i+1:])
	if key == "" || val == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	return key, val, true
}

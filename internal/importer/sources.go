package importer

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	FormatCSV    = "csv"
	FormatJSON   = "json"
	FormatNDJSON = "ndjson"

	maxJSONBytes   = 50 << 20
	maxNDJSONLine  = 4 << 20
	ndjsonBufStart = 64 << 10
)

// Record is one letter read from an import file.
type Record struct {
	Content      string `json:"content"`
	Title        string `json:"title,omitempty"`
	SubmissionIP string `json:"submission_ip,omitempty"`
}

var (
	contentAliases = []string{"content", "letter", "message", "body"}
	titleAliases   = []string{"title", "subject", "name"}
	ipAliases      = []string{"submission_ip", "ip"}
)

// source streams the records of one file. each is called once per data row, line or
// element; ok is false when the row could not be decoded at all.
type source interface {
	count() (int, error)
	each(fn func(record Record, ok bool) error) error
}

func canonicalKey(key string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(key, "\ufeff")))
}

func lookup(fields map[string]string, aliases []string) string {
	for _, alias := range aliases {
		if value := strings.TrimSpace(fields[alias]); value != "" {
			return value
		}
	}
	return ""
}

func recordFromFields(fields map[string]string) Record {
	return Record{
		Content:      lookup(fields, contentAliases),
		Title:        lookup(fields, titleAliases),
		SubmissionIP: lookup(fields, ipAliases),
	}
}

type csvSource struct {
	path string
}

func newCSVReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true
	return reader
}

func (s csvSource) count() (int, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	reader := newCSVReader(file)
	rows := 0
	for {
		_, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				rows++
				continue
			}
			return 0, err
		}
		rows++
	}
	if rows == 0 {
		return 0, nil
	}
	return rows - 1, nil
}

func (s csvSource) each(fn func(Record, bool) error) error {
	file, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer file.Close()
	reader := newCSVReader(file)
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	columns := make([]string, len(header))
	for i, name := range header {
		columns[i] = canonicalKey(name)
	}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				if err := fn(Record{}, false); err != nil {
					return err
				}
				continue
			}
			return err
		}
		fields := make(map[string]string, len(columns))
		for i, value := range row {
			if i < len(columns) && columns[i] != "" {
				if _, seen := fields[columns[i]]; !seen {
					fields[columns[i]] = value
				}
			}
		}
		if err := fn(recordFromFields(fields), true); err != nil {
			return err
		}
	}
}

func fieldsFromJSON(value gjson.Result) (map[string]string, bool) {
	if !value.IsObject() {
		return nil, false
	}
	fields := map[string]string{}
	value.ForEach(func(key, v gjson.Result) bool {
		name := canonicalKey(key.String())
		if _, seen := fields[name]; !seen {
			fields[name] = v.String()
		}
		return true
	})
	return fields, true
}

type ndjsonSource struct {
	path string
}

func (s ndjsonSource) scan(fn func(line []byte) error) error {
	file, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, ndjsonBufStart), maxNDJSONLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := fn([]byte(line)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s ndjsonSource) count() (int, error) {
	total := 0
	err := s.scan(func([]byte) error {
		total++
		return nil
	})
	return total, err
}

func (s ndjsonSource) each(fn func(Record, bool) error) error {
	return s.scan(func(line []byte) error {
		if !gjson.ValidBytes(line) {
			return fn(Record{}, false)
		}
		fields, ok := fieldsFromJSON(gjson.ParseBytes(line))
		if !ok {
			return fn(Record{}, false)
		}
		return fn(recordFromFields(fields), true)
	})
}

// jsonSource holds a whole JSON array; it is only built for files under the size ceiling.
type jsonSource struct {
	root gjson.Result
}

func loadJSONSource(path string) (jsonSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return jsonSource{}, err
	}
	if !gjson.ValidBytes(data) {
		return jsonSource{}, errInvalidJSON
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return jsonSource{}, errInvalidJSON
	}
	return jsonSource{root: root}, nil
}

var errInvalidJSON = errors.New("import file is not a JSON array")

func (s jsonSource) count() (int, error) {
	return len(s.root.Array()), nil
}

func (s jsonSource) each(fn func(Record, bool) error) error {
	var err error
	s.root.ForEach(func(_, value gjson.Result) bool {
		fields, ok := fieldsFromJSON(value)
		if !ok {
			err = fn(Record{}, false)
		} else {
			err = fn(recordFromFields(fields), true)
		}
		return err == nil
	})
	return err
}

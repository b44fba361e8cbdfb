package poller

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Loader reads a poller table from disk
type Loader struct {
	path string
}

// NewLoader creates a loader for a CSV, JSONL or Parquet poller table
func NewLoader(path string) *Loader {
	return &Loader{
		path: path,
	}
}

// Load reads every record of the table. Values that fail to parse do not
// abort the load; they reject the record's visit when the table is parsed.
func (l *Loader) Load() ([]Record, error) {
	ext := strings.ToLower(filepath.Ext(l.path))

	switch ext {
	case ".parquet":
		return l.loadParquet()
	case ".jsonl", ".json":
		return l.loadJSONL()
	case ".csv", ".out":
		return l.loadCSV()
	default:
		return nil, fmt.Errorf("unsupported file format: %s (supported: .csv, .out, .jsonl, .parquet)", ext)
	}
}

func (l *Loader) loadCSV() ([]Record, error) {
	slog.Debug("Opening CSV poller table", "path", l.path)

	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open poller table: %w", err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.TrimLeadingSpace = true
	r.Comment = '#'
	r.FieldsPerRecord = -1

	head, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}
	columns := make([]string, len(head))
	for i, h := range head {
		columns[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var records []Record
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read poller table: %w", err)
		}
		line, _ := r.FieldPos(0)

		rec := Record{Line: line}
		for i, value := range row {
			if i >= len(columns) {
				break
			}
			rec.set(columns[i], value)
		}
		records = append(records, rec)
	}

	slog.Debug("Finished reading CSV poller table", "total_records", len(records))
	return records, nil
}

func (r *Record) set(column, value string) {
	value = strings.TrimSpace(value)
	switch column {
	case "filename":
		r.Filename = value
	case "proposal_id":
		r.ProposalID = value
	case "visit_id":
		r.VisitID = value
	case "instrument":
		r.Instrument = value
	case "detector":
		r.Detector = value
	case "filter", "filters":
		r.Filter = value
	case "exposure_time", "exptime":
		r.ExposureTime = r.parseFloat(column, value)
	case "exp_start", "expstart":
		r.ExpStart = r.parseFloat(column, value)
	case "exp_end", "expend":
		r.ExpEnd = r.parseFloat(column, value)
	case "target", "targname":
		r.Target = value
	case "aperture":
		r.Aperture = value
	case "path", "pathname":
		r.Path = value
	default:
		if value == "" {
			return
		}
		if r.Extra == nil {
			r.Extra = make(map[string]string)
		}
		r.Extra[column] = value
	}
}

func (r *Record) parseFloat(column, value string) float64 {
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.markInvalid(column, value)
		return 0
	}
	return f
}

func (l *Loader) loadJSONL() ([]Record, error) {
	slog.Debug("Opening JSONL poller table", "path", l.path)

	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open poller table: %w", err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)

	const maxCapacity = 1024 * 1024
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()

		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("failed to parse JSON at line %d: %w", lineNum, err)
		}
		record.Line = lineNum
		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading poller table: %w", err)
	}

	slog.Debug("Finished reading JSONL poller table", "total_records", len(records), "total_lines", lineNum)
	return records, nil
}

func (l *Loader) loadParquet() ([]Record, error) {
	slog.Debug("Opening Parquet poller table", "path", l.path)

	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}

	slog.Debug("Parquet file opened successfully", "num_rows", pf.NumRows(), "num_row_groups", len(pf.RowGroups()))

	reader := parquet.NewGenericReader[Record](pf)
	defer reader.Close()

	var records []Record
	rows := make([]Record, 128)

	for {
		n, err := reader.Read(rows)
		for i := 0; i < n; i++ {
			rows[i].Line = len(records) + 1
			records = append(records, rows[i])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}

	slog.Debug("Finished reading Parquet poller table", "total_records", len(records))
	return records, nil
}

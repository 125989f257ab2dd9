package snapshot

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/metrics"
)

// entityColumns is the fixed, order-significant CSV column set per entity
// type. Fields outside the set are dropped from the CSV but preserved in
// the JSONL store.
var entityColumns = map[domain.EntityType][]string{
	domain.EntityStudents:    {"sourcedId", "givenName", "familyName", "email", "grade", "status", "identifier"},
	domain.EntityParents:     {"sourcedId", "givenName", "familyName", "email", "phone", "sms", "role", "status"},
	domain.EntityClasses:     {"sourcedId", "title", "classCode", "classType", "subjects", "status"},
	domain.EntitySchools:     {"sourcedId", "name", "type", "identifier", "status"},
	domain.EntityEnrollments: {"sourcedId", "userId", "classSourcedId", "schoolSourcedId", "role", "status", "beginDate", "endDate"},
}

// defaultSearchColumns is the per-entity column set searched when the
// caller does not name columns explicitly.
var defaultSearchColumns = map[domain.EntityType][]string{
	domain.EntityStudents: {"givenName", "familyName", "email", "sourcedId", "identifier"},
	domain.EntityParents:  {"givenName", "familyName", "email", "phone", "sourcedId"},
	domain.EntityClasses:  {"title", "classCode", "sourcedId"},
}

// maxJSONLLine bounds a single JSONL record when scanning.
const maxJSONLLine = 4 * 1024 * 1024

// ErrUnknownEntityType is returned for entity types outside the fixed
// column map.
var ErrUnknownEntityType = errors.New("snapshot: unknown entity type")

// FileStats summarizes one entity's files on disk.
type FileStats struct {
	EntityType     domain.EntityType `json:"entity_type"`
	CSVExists      bool              `json:"csv_exists"`
	JSONLExists    bool              `json:"jsonl_exists"`
	Rows           int               `json:"rows"`
	CSVSizeBytes   int64             `json:"csv_size_bytes"`
	JSONLSizeBytes int64             `json:"jsonl_size_bytes"`
}

// Writer persists entity records for one snapshot directory in two
// formats: a filtered-column CSV for fast substring search and a
// full-fidelity JSONL store for payload retrieval.
type Writer struct {
	dir string
	log *logger.Logger
}

// NewWriter creates a writer for the given snapshot directory, creating
// the directory if needed.
func NewWriter(dir string, log *logger.Logger) (*Writer, error) {
	if log == nil {
		log = logger.GetDefault()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Writer{dir: dir, log: log}, nil
}

func (w *Writer) csvPath(entity domain.EntityType) string {
	return filepath.Join(w.dir, string(entity)+".csv")
}

func (w *Writer) jsonlPath(entity domain.EntityType) string {
	return filepath.Join(w.dir, string(entity)+".jsonl")
}

// WriteEntity streams records to the CSV and JSONL files in a single
// forward pass and returns metadata about both outputs. Records are
// written in input order; the identifier field is shared by both formats.
func (w *Writer) WriteEntity(entity domain.EntityType, records []domain.Record) (*domain.FileMetadata, error) {
	columns, ok := entityColumns[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entity)
	}

	csvFile, err := os.Create(w.csvPath(entity))
	if err != nil {
		return nil, fmt.Errorf("create csv: %w", err)
	}
	defer csvFile.Close()

	jsonlFile, err := os.Create(w.jsonlPath(entity))
	if err != nil {
		return nil, fmt.Errorf("create jsonl: %w", err)
	}
	defer jsonlFile.Close()

	csvWriter := csv.NewWriter(csvFile)
	jsonlWriter := bufio.NewWriter(jsonlFile)

	if err := csvWriter.Write(columns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	rows := 0
	row := make([]string, len(columns))
	for _, record := range records {
		for i, col := range columns {
			row[i] = flatValue(record[col])
		}
		if err := csvWriter.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}

		line, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		if _, err := jsonlWriter.Write(append(line, '\n')); err != nil {
			return nil, fmt.Errorf("write jsonl row: %w", err)
		}
		rows++
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	if err := jsonlWriter.Flush(); err != nil {
		return nil, fmt.Errorf("flush jsonl: %w", err)
	}

	csvInfo, err := csvFile.Stat()
	if err != nil {
		return nil, err
	}
	jsonlInfo, err := jsonlFile.Stat()
	if err != nil {
		return nil, err
	}

	metrics.RecordsWritten.WithLabelValues(string(entity)).Add(float64(rows))

	w.log.WithFields(logger.Fields{
		logger.FieldEntityType: string(entity),
		"rows":                 rows,
		"csv_bytes":            csvInfo.Size(),
		"jsonl_bytes":          jsonlInfo.Size(),
	}).Info("Entity data written")

	return &domain.FileMetadata{
		Rows:           rows,
		SizeBytes:      csvInfo.Size(),
		Columns:        columns,
		JSONLSizeBytes: jsonlInfo.Size(),
	}, nil
}

// SearchFlat scans the entity CSV row-by-row for case-insensitive
// substring matches of query in the given columns (or the entity default
// set), returning at most limit matches in file order. A missing file
// yields an empty result.
func (w *Writer) SearchFlat(entity domain.EntityType, query string, columns []string, limit int) ([]map[string]string, error) {
	if _, ok := entityColumns[entity]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entity)
	}
	if limit <= 0 {
		limit = 50
	}
	if columns == nil {
		columns = defaultSearchColumns[entity]
	}

	file, err := os.Open(w.csvPath(entity))
	if err != nil {
		if os.IsNotExist(err) {
			return []map[string]string{}, nil
		}
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return []map[string]string{}, nil
	}

	searchIdx := make([]int, 0, len(columns))
	for i, name := range header {
		for _, col := range columns {
			if name == col {
				searchIdx = append(searchIdx, i)
				break
			}
		}
	}

	queryLower := strings.ToLower(query)
	results := make([]map[string]string, 0, limit)

	for len(results) < limit {
		row, err := reader.Read()
		if err != nil {
			break
		}
		matched := false
		for _, idx := range searchIdx {
			if idx < len(row) && strings.Contains(strings.ToLower(row[idx]), queryLower) {
				matched = true
				break
			}
		}
		if matched {
			results = append(results, rowToMap(header, row))
		}
	}

	return results, nil
}

// LookupFull scans the entity JSONL store for the first record whose
// sourcedId equals recordID and returns the full untruncated payload.
// Returns nil when the record or the file is absent.
func (w *Writer) LookupFull(entity domain.EntityType, recordID string) (domain.Record, error) {
	if _, ok := entityColumns[entity]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entity)
	}

	file, err := os.Open(w.jsonlPath(entity))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxJSONLLine)
	for scanner.Scan() {
		var record domain.Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.SourcedID() == recordID {
			return record, nil
		}
	}
	return nil, scanner.Err()
}

// Stats reports row count and byte sizes for an entity's files.
func (w *Writer) Stats(entity domain.EntityType) (*FileStats, error) {
	if _, ok := entityColumns[entity]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entity)
	}

	stats := &FileStats{EntityType: entity}

	if info, err := os.Stat(w.csvPath(entity)); err == nil {
		stats.CSVExists = true
		stats.CSVSizeBytes = info.Size()
		stats.Rows = w.countRows(entity)
	}
	if info, err := os.Stat(w.jsonlPath(entity)); err == nil {
		stats.JSONLExists = true
		stats.JSONLSizeBytes = info.Size()
	}
	return stats, nil
}

func (w *Writer) countRows(entity domain.EntityType) int {
	file, err := os.Open(w.csvPath(entity))
	if err != nil {
		return 0
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return 0
	}
	rows := 0
	for {
		if _, err := reader.Read(); err != nil {
			break
		}
		rows++
	}
	return rows
}

// Columns returns the CSV column set for an entity type.
func Columns(entity domain.EntityType) ([]string, bool) {
	cols, ok := entityColumns[entity]
	return cols, ok
}

// flatValue renders one record field for CSV output. Missing values
// become empty strings; non-string values use their default formatting.
func flatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		// JSON numbers decode as float64; render integers without a
		// trailing .0
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func rowToMap(header, row []string) map[string]string {
	m := make(map[string]string, len(header))
	for i, name := range header {
		if i < len(row) {
			m[name] = row[i]
		} else {
			m[name] = ""
		}
	}
	return m
}

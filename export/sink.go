package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/model"
)

// FileSink writes export results as files under a base directory, one file
// per job, named by job id.
type FileSink struct {
	dir    string
	format string
}

// NewCSVSink returns a sink writing RFC 4180 CSV files.
func NewCSVSink(dir string) *FileSink { return &FileSink{dir: dir, format: "csv"} }

// NewJSONSink returns a sink writing a single JSON document per job.
func NewJSONSink(dir string) *FileSink { return &FileSink{dir: dir, format: "json"} }

func (s *FileSink) Format() string { return s.format }

// Write persists rows and returns the file path as the result location.
func (s *FileSink) Write(_ context.Context, job *model.ExportJob, rows []Row) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", errors.Wrap(err, "FileSink", "Write", "create export directory")
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s.%s", job.JobID, s.format))

	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "FileSink", "Write", "create result file")
	}
	defer f.Close()

	switch s.format {
	case "csv":
		err = writeCSV(f, job, rows)
	default:
		err = writeJSON(f, job, rows)
	}
	if err != nil {
		return "", errors.Wrap(err, "FileSink", "Write", "encode result")
	}
	if err := f.Sync(); err != nil {
		return "", errors.Wrap(err, "FileSink", "Write", "flush result file")
	}
	return path, nil
}

func writeCSV(f *os.File, job *model.ExportJob, rows []Row) error {
	w := csv.NewWriter(f)

	aggregated := job.Spec.Aggregation != model.AggRaw
	header := []string{"sensor_id", "timestamp", "value"}
	if aggregated {
		header = append(header, "count")
	} else {
		header = append(header, "equipment_id", "quality", "source_protocol")
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		rec := []string{
			r.SensorID,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(r.Value, 'g', -1, 64),
		}
		if aggregated {
			rec = append(rec, strconv.FormatInt(r.Count, 10))
		} else {
			rec = append(rec, r.EquipmentID, string(r.Quality), string(r.Protocol))
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// jsonDocument is the envelope written by the JSON sink. Metadata is
// included only when the job asked for it.
type jsonDocument struct {
	JobID       string           `json:"job_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	Records     int              `json:"records"`
	Query       *model.QuerySpec `json:"query,omitempty"`
	Rows        []Row            `json:"rows"`
}

func writeJSON(f *os.File, job *model.ExportJob, rows []Row) error {
	doc := jsonDocument{
		JobID:       job.JobID,
		GeneratedAt: time.Now().UTC(),
		Records:     len(rows),
		Rows:        rows,
	}
	if job.IncludeMetadata {
		spec := job.Spec
		doc.Query = &spec
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

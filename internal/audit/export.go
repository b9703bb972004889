package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// CSVExporter writes audit records as CSV.
type CSVExporter struct {
	// IncludeHeader includes a header row with column names.
	IncludeHeader bool
}

// NewCSVExporter creates a CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{IncludeHeader: includeHeader}
}

// ExportExecutions writes policy execution records to w.
func (e *CSVExporter) ExportExecutions(w io.Writer, records []*PolicyExecution) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if e.IncludeHeader {
		header := []string{
			"id", "run_id", "table", "quarter", "policy", "action",
			"from_state", "to_state", "status", "error", "error_code",
			"files", "bytes", "rows", "started_at", "finished_at",
		}
		if err := writer.Write(header); err != nil {
			return fmt.Errorf("export executions csv: %w", err)
		}
	}

	for _, r := range records {
		row := []string{
			r.ID, r.RunID, r.Table, r.Quarter, r.Policy, r.Action,
			r.FromState, r.ToState, string(r.Status), r.Error, r.ErrorCode,
			fmt.Sprintf("%d", r.Files),
			fmt.Sprintf("%d", r.Bytes),
			fmt.Sprintf("%d", r.Rows),
			formatTime(r.StartedAt),
			formatTimePtr(r.FinishedAt),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("export executions csv: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// ExportRetrievals writes retrieval records to w.
func (e *CSVExporter) ExportRetrievals(w io.Writer, records []*RetrievalRecord) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if e.IncludeHeader {
		header := []string{
			"id", "table", "destination", "predicate", "status",
			"error", "error_code", "files", "bytes", "rows", "credits",
			"started_at", "finished_at",
		}
		if err := writer.Write(header); err != nil {
			return fmt.Errorf("export retrievals csv: %w", err)
		}
	}

	for _, r := range records {
		row := []string{
			r.ID, r.Table, r.Destination, r.Predicate, string(r.Status),
			r.Error, r.ErrorCode,
			fmt.Sprintf("%d", r.Files),
			fmt.Sprintf("%d", r.Bytes),
			fmt.Sprintf("%d", r.Rows),
			fmt.Sprintf("%.6f", r.Credits),
			formatTime(r.StartedAt),
			formatTimePtr(r.FinishedAt),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("export retrievals csv: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// JSONExporter writes audit records as JSON.
type JSONExporter struct {
	// Pretty enables indented output.
	Pretty bool
}

// NewJSONExporter creates a JSON exporter.
func NewJSONExporter(pretty bool) *JSONExporter {
	return &JSONExporter{Pretty: pretty}
}

// ExportExecutions writes policy execution records to w as a JSON
// array.
func (e *JSONExporter) ExportExecutions(w io.Writer, records []*PolicyExecution) error {
	if len(records) == 0 {
		_, err := w.Write([]byte("[]"))
		return err
	}
	return e.write(w, records)
}

// ExportRetrievals writes retrieval records to w as a JSON array.
func (e *JSONExporter) ExportRetrievals(w io.Writer, records []*RetrievalRecord) error {
	if len(records) == 0 {
		_, err := w.Write([]byte("[]"))
		return err
	}
	return e.write(w, records)
}

func (e *JSONExporter) write(w io.Writer, v interface{}) error {
	var data []byte
	var err error
	if e.Pretty {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("export json: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("export json: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

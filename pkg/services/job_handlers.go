package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-bi/lumen-engine/pkg/jobs"
	"github.com/lumen-bi/lumen-engine/pkg/query"
)

// JobHandlers implements the worker handlers for the built-in job types.
// Each handler pulls its target datasource and query from the job payload,
// executes through the shared connection registry and returns a result
// reference for the job record.
type JobHandlers struct {
	datasources DatasourceService
	exportDir   string
	logger      *zap.Logger
}

// NewJobHandlers creates the built-in job handlers. exportDir is where
// data-export output files are written.
func NewJobHandlers(datasources DatasourceService, exportDir string, logger *zap.Logger) *JobHandlers {
	return &JobHandlers{
		datasources: datasources,
		exportDir:   exportDir,
		logger:      logger,
	}
}

// RegisterAll wires every built-in handler into the worker.
func (h *JobHandlers) RegisterAll(w *jobs.Worker) {
	w.Register(jobs.TypeReportGenerate, h.GenerateReport)
	w.Register(jobs.TypeChartRender, h.RenderChart)
	w.Register(jobs.TypeDataExport, h.ExportData)
	w.Register(jobs.TypeScheduledRefresh, h.RefreshSchema)
}

// GenerateReport runs the report query and returns a row-count summary.
func (h *JobHandlers) GenerateReport(ctx context.Context, job *jobs.Job) (map[string]any, error) {
	id, req, err := h.parseQueryPayload(job)
	if err != nil {
		return nil, err
	}

	result, err := h.datasources.Query(ctx, id, req)
	if err != nil {
		return nil, fmt.Errorf("report query failed: %w", err)
	}

	return map[string]any{
		"rowCount":  result.RowCount,
		"columns":   len(result.Columns),
		"truncated": result.Truncated,
		"elapsedMs": result.ElapsedMs,
	}, nil
}

// RenderChart runs the chart query and returns the series data reference.
// Rendering itself happens client-side; the job prepares the data.
func (h *JobHandlers) RenderChart(ctx context.Context, job *jobs.Job) (map[string]any, error) {
	id, req, err := h.parseQueryPayload(job)
	if err != nil {
		return nil, err
	}

	result, err := h.datasources.Query(ctx, id, req)
	if err != nil {
		return nil, fmt.Errorf("chart query failed: %w", err)
	}

	chartType, _ := job.Payload["chartType"].(string)
	if chartType == "" {
		chartType = "table"
	}

	return map[string]any{
		"chartType": chartType,
		"points":    result.RowCount,
		"truncated": result.Truncated,
	}, nil
}

// ExportData runs the export query and writes the rows to a file in the
// export directory. Supported formats are csv (default) and json.
func (h *JobHandlers) ExportData(ctx context.Context, job *jobs.Job) (map[string]any, error) {
	id, req, err := h.parseQueryPayload(job)
	if err != nil {
		return nil, err
	}

	format, _ := job.Payload["format"].(string)
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		return nil, fmt.Errorf("unsupported export format %q", format)
	}

	result, err := h.datasources.Query(ctx, id, req)
	if err != nil {
		return nil, fmt.Errorf("export query failed: %w", err)
	}

	if err := os.MkdirAll(h.exportDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	fileName := fmt.Sprintf("%s-%d.%s", job.ID, time.Now().Unix(), format)
	path := filepath.Join(h.exportDir, fileName)

	switch format {
	case "csv":
		err = writeCSV(path, result)
	case "json":
		err = writeJSON(path, result)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write export file: %w", err)
	}

	h.logger.Info("Wrote export file",
		zap.String("jobID", job.ID),
		zap.String("path", path),
		zap.Int("rows", result.RowCount),
	)

	return map[string]any{
		"exportRef": path,
		"format":    format,
		"rowCount":  result.RowCount,
		"truncated": result.Truncated,
	}, nil
}

// RefreshSchema re-introspects the datasource so cached schema consumers see
// fresh metadata. Used by cron-repeated refresh jobs.
func (h *JobHandlers) RefreshSchema(ctx context.Context, job *jobs.Job) (map[string]any, error) {
	id, err := payloadDatasourceID(job)
	if err != nil {
		return nil, err
	}

	schema, err := h.datasources.Introspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("schema refresh failed: %w", err)
	}

	return map[string]any{
		"tables": len(schema.Tables),
		"views":  len(schema.Views),
	}, nil
}

// parseQueryPayload extracts the datasource id and query request shared by
// the report, chart and export handlers.
func (h *JobHandlers) parseQueryPayload(job *jobs.Job) (uuid.UUID, query.Request, error) {
	id, err := payloadDatasourceID(job)
	if err != nil {
		return uuid.Nil, query.Request{}, err
	}

	sqlText, _ := job.Payload["sql"].(string)
	if sqlText == "" {
		return uuid.Nil, query.Request{}, fmt.Errorf("job payload is missing sql")
	}

	req := query.Request{SQL: sqlText}
	if params, ok := job.Payload["params"].([]any); ok {
		req.Params = params
	}
	if limit, ok := job.Payload["rowLimit"].(float64); ok {
		req.RowLimit = int(limit)
	}

	return id, req, nil
}

func payloadDatasourceID(job *jobs.Job) (uuid.UUID, error) {
	raw, _ := job.Payload["datasourceId"].(string)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("job payload is missing datasourceId")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid datasourceId in job payload: %w", err)
	}
	return id, nil
}

func writeCSV(path string, result *query.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)

	header := make([]string, len(result.Columns))
	for i, col := range result.Columns {
		header[i] = col.Name
	}
	if err := w.Write(header); err != nil {
		return err
	}

	record := make([]string, len(result.Columns))
	for _, row := range result.Rows {
		for i, col := range result.Columns {
			record[i] = formatCSVValue(row[col.Name])
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

func formatCSVValue(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func writeJSON(path string, result *query.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result.Rows); err != nil {
		return err
	}
	return f.Close()
}

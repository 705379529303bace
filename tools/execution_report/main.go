package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	commands "aep-command/internal/commands/domain"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const dateLayout = "2006-01-02"

type config struct {
	dbURL    string
	tenantID string
	taskID   int64
	from     string
	to       string
	outDir   string
}

type executionRow struct {
	ID                int64
	TaskID            int64
	TenantID          string
	PipelineID        int64
	DeviceID          int64
	DeviceSN          string
	ServiceIdentifier string
	AepTaskID         string
	Status            commands.ExecutionStatus
	ErrorMsg          string
	SentTime          *time.Time
	LastCallbackTime  *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type serviceSummary struct {
	PipelineID        int64
	ServiceIdentifier string
	Counts            map[commands.ExecutionStatus]int
	Total             int
	AckLatencies      []time.Duration
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	from, to, err := parseRange(cfg.from, cfg.to)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := os.MkdirAll(cfg.outDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "create out dir:", err)
		os.Exit(2)
	}

	db, err := sql.Open("pgx", cfg.dbURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db open:", err)
		os.Exit(2)
	}
	defer db.Close()

	ctx := context.Background()
	rows, err := loadExecutions(ctx, db, cfg.tenantID, cfg.taskID, from, to)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load executions:", err)
		os.Exit(2)
	}
	if err := writeExecutions(cfg.outDir, rows); err != nil {
		fmt.Fprintln(os.Stderr, "write executions:", err)
		os.Exit(2)
	}
	if err := writeSummary(cfg.outDir, summarize(rows)); err != nil {
		fmt.Fprintln(os.Stderr, "write summary:", err)
		os.Exit(2)
	}

	fmt.Printf("Execution report (%d rows) written to %s\n", len(rows), cfg.outDir)
}

func parseFlags() (config, error) {
	var cfg config
	flag.StringVar(&cfg.dbURL, "db", getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")), "Postgres DSN")
	flag.StringVar(&cfg.tenantID, "tenant", getenvDefault("TENANT_ID", ""), "tenant id (optional)")
	flag.Int64Var(&cfg.taskID, "task", 0, "command task id (optional)")
	flag.StringVar(&cfg.from, "from", "", "start date YYYY-MM-DD (inclusive)")
	flag.StringVar(&cfg.to, "to", "", "end date YYYY-MM-DD (exclusive, defaults to from + 1 day)")
	flag.StringVar(&cfg.outDir, "out", "./out", "output directory")
	flag.Parse()

	if cfg.dbURL == "" {
		return cfg, errors.New("missing -db or DATABASE_URL")
	}
	if cfg.from == "" && cfg.taskID == 0 {
		return cfg, errors.New("either -from or -task is required")
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseRange(fromValue, toValue string) (time.Time, time.Time, error) {
	if fromValue == "" {
		return time.Time{}, time.Time{}, nil
	}
	from, err := time.ParseInLocation(dateLayout, fromValue, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid -from: %w", err)
	}
	to := from.AddDate(0, 0, 1)
	if toValue != "" {
		to, err = time.ParseInLocation(dateLayout, toValue, time.UTC)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -to: %w", err)
		}
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.New("-to must be after -from")
	}
	return from, to, nil
}

func loadExecutions(ctx context.Context, db *sql.DB, tenantID string, taskID int64, from, to time.Time) ([]executionRow, error) {
	query := `
SELECT id, command_task_id, tenant_id, pipeline_id, device_id, device_sn, service_identifier,
	aep_task_id, status, COALESCE(external_error_msg, ''), sent_time, last_callback_time, created_at, updated_at
FROM command_execution
WHERE ($1 = '' OR tenant_id = $1)
	AND ($2 = 0 OR command_task_id = $2)
	AND ($3::timestamptz IS NULL OR created_at >= $3)
	AND ($4::timestamptz IS NULL OR created_at < $4)
ORDER BY created_at, id`
	rows, err := db.QueryContext(ctx, query, tenantID, taskID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []executionRow
	for rows.Next() {
		var row executionRow
		var status int16
		var sent, callback sql.NullTime
		if err := rows.Scan(&row.ID, &row.TaskID, &row.TenantID, &row.PipelineID, &row.DeviceID, &row.DeviceSN,
			&row.ServiceIdentifier, &row.AepTaskID, &status, &row.ErrorMsg, &sent, &callback, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		row.Status = commands.ExecutionStatus(status)
		if sent.Valid {
			t := sent.Time.UTC()
			row.SentTime = &t
		}
		if callback.Valid {
			t := callback.Time.UTC()
			row.LastCallbackTime = &t
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}

func summarize(rows []executionRow) []serviceSummary {
	type key struct {
		pipeline int64
		service  string
	}
	index := make(map[key]*serviceSummary)
	for _, row := range rows {
		k := key{pipeline: row.PipelineID, service: row.ServiceIdentifier}
		summary, ok := index[k]
		if !ok {
			summary = &serviceSummary{
				PipelineID:        row.PipelineID,
				ServiceIdentifier: row.ServiceIdentifier,
				Counts:            make(map[commands.ExecutionStatus]int),
			}
			index[k] = summary
		}
		summary.Counts[row.Status]++
		summary.Total++
		if row.Status == commands.StatusCompleted && row.SentTime != nil && row.LastCallbackTime != nil {
			summary.AckLatencies = append(summary.AckLatencies, row.LastCallbackTime.Sub(*row.SentTime))
		}
	}

	result := make([]serviceSummary, 0, len(index))
	for _, summary := range index {
		result = append(result, *summary)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].PipelineID != result[j].PipelineID {
			return result[i].PipelineID < result[j].PipelineID
		}
		return result[i].ServiceIdentifier < result[j].ServiceIdentifier
	})
	return result
}

func writeExecutions(outDir string, rows []executionRow) error {
	file, err := os.Create(filepath.Join(outDir, "executions.csv"))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"id", "command_task_id", "tenant_id", "pipeline_id", "device_id", "device_sn",
		"service_identifier", "aep_task_id", "status", "external_error_msg", "sent_time", "last_callback_time", "created_at", "updated_at"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			formatInt(row.ID),
			formatInt(row.TaskID),
			row.TenantID,
			formatInt(row.PipelineID),
			formatInt(row.DeviceID),
			row.DeviceSN,
			row.ServiceIdentifier,
			row.AepTaskID,
			row.Status.String(),
			row.ErrorMsg,
			formatOptionalTime(row.SentTime),
			formatOptionalTime(row.LastCallbackTime),
			formatTime(row.CreatedAt),
			formatTime(row.UpdatedAt),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeSummary(outDir string, rows []serviceSummary) error {
	file, err := os.Create(filepath.Join(outDir, "summary.csv"))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"pipeline_id", "service_identifier", "total"}
	for _, status := range commands.AllStatuses() {
		header = append(header, status.String())
	}
	header = append(header, "completion_rate", "p50_ack_seconds", "p95_ack_seconds")
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{formatInt(row.PipelineID), row.ServiceIdentifier, strconv.Itoa(row.Total)}
		for _, status := range commands.AllStatuses() {
			record = append(record, strconv.Itoa(row.Counts[status]))
		}
		rate := 0.0
		if row.Total > 0 {
			rate = float64(row.Counts[commands.StatusCompleted]) / float64(row.Total)
		}
		record = append(record,
			strconv.FormatFloat(rate, 'f', 4, 64),
			formatSeconds(percentile(row.AckLatencies, 0.50)),
			formatSeconds(percentile(row.AckLatencies, 0.95)),
		)
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func formatOptionalTime(value *time.Time) string {
	if value == nil {
		return ""
	}
	return formatTime(*value)
}

func formatInt(value int64) string {
	return strconv.FormatInt(value, 10)
}

func formatSeconds(value time.Duration) string {
	return strconv.FormatFloat(value.Seconds(), 'f', 3, 64)
}

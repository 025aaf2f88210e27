package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
)

// ComputeStats aggregates feedback (joined with the rated turn) and assistant
// turns matching the filter. It is recomputed on every call; nothing is cached.
// Empty matches yield zero values.
func (s *SQLiteStore) ComputeStats(ctx context.Context, filter StatsFilter) (*Stats, error) {
	var (
		where []string
		args  []any
	)
	if filter.From != nil {
		where = append(where, "f.created_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "f.created_at <= ?")
		args = append(args, formatTime(*filter.To))
	}
	if filter.ProjectID != nil {
		where = append(where, "t.project_id = ?")
		args = append(args, *filter.ProjectID)
	}
	if filter.Rating != nil {
		where = append(where, "f.rating = ?")
		args = append(args, string(*filter.Rating))
	}

	query := `SELECT COUNT(*),
        SUM(CASE WHEN f.rating = 'positive' THEN 1 ELSE 0 END),
        SUM(CASE WHEN f.rating = 'negative' THEN 1 ELSE 0 END),
        SUM(CASE WHEN f.rating = 'neutral' THEN 1 ELSE 0 END),
        AVG(t.processing_time_ms), AVG(t.sql_gen_time_ms), AVG(t.sql_exec_time_ms)
        FROM feedback f JOIN turns t ON t.id = f.turn_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	var (
		stats                    Stats
		positive, negative, neu  sql.NullInt64
		avgProc, avgGen, avgExec sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&stats.TotalFeedback, &positive, &negative, &neu,
		&avgProc, &avgGen, &avgExec)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate feedback: %w", err)
	}
	stats.Positive = int(positive.Int64)
	stats.Negative = int(negative.Int64)
	stats.Neutral = int(neu.Int64)
	if stats.TotalFeedback > 0 {
		stats.PositiveRate = round1(float64(stats.Positive) * 100 / float64(stats.TotalFeedback))
	}
	stats.AvgProcessingTimeMs = round1(avgProc.Float64)
	stats.AvgSQLGenTimeMs = round1(avgGen.Float64)
	stats.AvgSQLExecTimeMs = round1(avgExec.Float64)

	turnWhere := []string{"role = 'assistant'"}
	var turnArgs []any
	if filter.From != nil {
		turnWhere = append(turnWhere, "created_at >= ?")
		turnArgs = append(turnArgs, formatTime(*filter.From))
	}
	if filter.To != nil {
		turnWhere = append(turnWhere, "created_at <= ?")
		turnArgs = append(turnArgs, formatTime(*filter.To))
	}
	if filter.ProjectID != nil {
		turnWhere = append(turnWhere, "project_id = ?")
		turnArgs = append(turnArgs, *filter.ProjectID)
	}
	var errCount sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(CASE WHEN error_message IS NOT NULL THEN 1 ELSE 0 END)
        FROM turns WHERE `+strings.Join(turnWhere, " AND "), turnArgs...).Scan(&stats.TurnCount, &errCount)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate turns: %w", err)
	}
	stats.ErrorCount = int(errCount.Int64)

	return &stats, nil
}

func round1(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*10) / 10
}

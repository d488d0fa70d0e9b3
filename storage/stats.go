package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"flashtransfer/models"
)

// RecordTransferStats folds one client report into the rollup for day.
func (s *Store) RecordTransferStats(day string, update models.StatsUpdate, now int64) error {
	if day == "" {
		return errors.New("day is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin stats transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, err := scanStats(tx.QueryRow(
		`SELECT day, total_files, total_bytes, file_types, transfer_modes
		FROM transfer_stats
		WHERE day = ?`,
		day,
	))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read stats for %q: %w", day, err)
	}
	if current == nil {
		current = emptyStats(day)
	}

	current.TotalFilesTransferred += update.FilesTransferred
	current.TotalBytesTransferred += update.BytesTransferred
	for kind, count := range update.FileTypes {
		current.FileTypes[kind] += count
	}
	if update.TransferMode != "" {
		current.TransferModes[update.TransferMode]++
	}

	fileTypes, err := json.Marshal(current.FileTypes)
	if err != nil {
		return fmt.Errorf("marshal file types: %w", err)
	}
	modes, err := json.Marshal(current.TransferModes)
	if err != nil {
		return fmt.Errorf("marshal transfer modes: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO transfer_stats (day, total_files, total_bytes, file_types, transfer_modes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			total_files = excluded.total_files,
			total_bytes = excluded.total_bytes,
			file_types = excluded.file_types,
			transfer_modes = excluded.transfer_modes,
			updated_at = excluded.updated_at`,
		day,
		current.TotalFilesTransferred,
		current.TotalBytesTransferred,
		string(fileTypes),
		string(modes),
		now,
	); err != nil {
		return fmt.Errorf("upsert stats for %q: %w", day, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stats transaction: %w", err)
	}
	return nil
}

// GetTransferStats returns the rollup for day, or an empty rollup.
func (s *Store) GetTransferStats(day string) (*models.AggregateStats, error) {
	if day == "" {
		return nil, errors.New("day is required")
	}

	stats, err := scanStats(s.db.QueryRow(
		`SELECT day, total_files, total_bytes, file_types, transfer_modes
		FROM transfer_stats
		WHERE day = ?`,
		day,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return emptyStats(day), nil
		}
		return nil, fmt.Errorf("get stats for %q: %w", day, err)
	}
	return stats, nil
}

func emptyStats(day string) *models.AggregateStats {
	return &models.AggregateStats{
		Day:           day,
		FileTypes:     map[string]int64{},
		TransferModes: map[string]int64{},
	}
}

func scanStats(row scanner) (*models.AggregateStats, error) {
	var (
		stats     models.AggregateStats
		fileTypes string
		modes     string
	)
	if err := row.Scan(
		&stats.Day,
		&stats.TotalFilesTransferred,
		&stats.TotalBytesTransferred,
		&fileTypes,
		&modes,
	); err != nil {
		return nil, err
	}

	stats.FileTypes = map[string]int64{}
	stats.TransferModes = map[string]int64{}
	if err := json.Unmarshal([]byte(fileTypes), &stats.FileTypes); err != nil {
		return nil, fmt.Errorf("decode file types: %w", err)
	}
	if err := json.Unmarshal([]byte(modes), &stats.TransferModes); err != nil {
		return nil, fmt.Errorf("decode transfer modes: %w", err)
	}
	return &stats, nil
}

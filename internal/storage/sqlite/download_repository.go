package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/download_manager/internal/download"
)

// DownloadRepository implements storage.DownloadRepository on SQLite.
type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

func (r *DownloadRepository) List() ([]download.Record, error) {
	rows, err := r.db.Query(`SELECT url, path, progress, status FROM downloads ORDER BY path`)
	if err != nil {
		return nil, &download.StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var downloads []download.Record

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, &download.StoreError{Op: "list", Err: err}
		}

		downloads = append(downloads, record)
	}

	if err := rows.Err(); err != nil {
		return nil, &download.StoreError{Op: "list", Err: err}
	}

	return downloads, nil
}

func (r *DownloadRepository) FindByPath(path string) (download.Record, bool, error) {
	row := r.db.QueryRow(`SELECT url, path, progress, status FROM downloads WHERE path = ?`, path)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return download.Record{}, false, nil
	}

	if err != nil {
		return download.Record{}, false, &download.StoreError{Op: "find_by_path", Err: err}
	}

	return record, true, nil
}

func (r *DownloadRepository) Create(record download.Record) (download.Record, error) {
	status, err := record.Status.MarshalText()
	if err != nil {
		return download.Record{}, &download.StoreError{Op: "create", Err: err}
	}

	res, err := r.db.Exec(
		`INSERT INTO downloads (path, url, progress, status) VALUES (?, ?, ?, ?) ON CONFLICT(path) DO NOTHING`,
		record.Path, record.URL, record.Progress, string(status),
	)
	if err != nil {
		return download.Record{}, &download.StoreError{Op: "create", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return download.Record{}, &download.StoreError{Op: "create", Err: err}
	}

	if affected == 0 {
		return download.Record{}, &download.StoreError{
			Op:  "create",
			Err: fmt.Errorf("%w for path: %s", download.ErrAlreadyExists, record.Path),
		}
	}

	return record, nil
}

func (r *DownloadRepository) Update(record download.Record) error {
	status, err := record.Status.MarshalText()
	if err != nil {
		return &download.StoreError{Op: "update", Err: err}
	}

	_, err = r.db.Exec(
		`UPDATE downloads SET url = ?, progress = ?, status = ? WHERE path = ?`,
		record.URL, record.Progress, string(status), record.Path,
	)
	if err != nil {
		return &download.StoreError{Op: "update", Err: err}
	}

	return nil
}

// UpdateNoPersist is the same as Update: every SQLite statement is durable.
func (r *DownloadRepository) UpdateNoPersist(record download.Record) error {
	return r.Update(record)
}

func (r *DownloadRepository) Delete(path string) error {
	if _, err := r.db.Exec(`DELETE FROM downloads WHERE path = ?`, path); err != nil {
		return &download.StoreError{Op: "delete", Err: err}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (download.Record, error) {
	var (
		record download.Record
		status string
	)

	if err := s.Scan(&record.URL, &record.Path, &record.Progress, &status); err != nil {
		return download.Record{}, err
	}

	if err := record.Status.UnmarshalText([]byte(status)); err != nil {
		return download.Record{}, err
	}

	return record, nil
}

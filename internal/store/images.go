package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/namnv2496/go-codelab/internal/errors"
	"github.com/namnv2496/go-codelab/internal/model"
)

const imageColumns = `id, name, base_image, file_extension, requires_compilation, compile_command,
	compile_file_extension, execution_command, entrypoint_script, test_build, test_program, status,
	failure_message, build_logs, docker_image_id, image_size, architecture, build_test_stdout,
	created_at, updated_at`

func scanImage(row interface{ Scan(...any) error }) (*model.LanguageImage, error) {
	var i model.LanguageImage
	err := row.Scan(&i.ID, &i.Name, &i.BaseImage, &i.FileExtension, &i.RequiresCompilation, &i.CompileCommand,
		&i.CompileFileExtension, &i.ExecutionCommand, &i.EntrypointScript, &i.TestBuild, &i.TestProgram, &i.Status,
		&i.FailureMessage, &i.BuildLogs, &i.DockerImageID, &i.ImageSize, &i.Architecture, &i.BuildTestStdout,
		&i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (q *Queries) CreateImage(ctx context.Context, i *model.LanguageImage) error {
	now := q.now()
	i.CreatedAt, i.UpdatedAt = now, now
	_, err := q.q.ExecContext(ctx, `INSERT INTO language_images (`+imageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.Name, i.BaseImage, i.FileExtension, i.RequiresCompilation, i.CompileCommand,
		i.CompileFileExtension, i.ExecutionCommand, i.EntrypointScript, i.TestBuild, i.TestProgram, i.Status,
		i.FailureMessage, i.BuildLogs, i.DockerImageID, i.ImageSize, i.Architecture, i.BuildTestStdout,
		i.CreatedAt, i.UpdatedAt)
	return errors.Wrapf(err, "insert image %s", i.ID)
}

// SaveImage writes every mutable column of i and bumps updated_at.
func (q *Queries) SaveImage(ctx context.Context, i *model.LanguageImage) error {
	i.UpdatedAt = q.now()
	res, err := q.q.ExecContext(ctx, `
		UPDATE language_images SET name = ?, base_image = ?, file_extension = ?, requires_compilation = ?,
			compile_command = ?, compile_file_extension = ?, execution_command = ?, entrypoint_script = ?,
			test_build = ?, test_program = ?, status = ?, failure_message = ?, build_logs = ?,
			docker_image_id = ?, image_size = ?, architecture = ?, build_test_stdout = ?, updated_at = ?
		WHERE id = ?`,
		i.Name, i.BaseImage, i.FileExtension, i.RequiresCompilation,
		i.CompileCommand, i.CompileFileExtension, i.ExecutionCommand, i.EntrypointScript,
		i.TestBuild, i.TestProgram, i.Status, i.FailureMessage, i.BuildLogs,
		i.DockerImageID, i.ImageSize, i.Architecture, i.BuildTestStdout, i.UpdatedAt,
		i.ID)
	if err != nil {
		return errors.Wrapf(err, "update image %s", i.ID)
	}
	return mustAffect(res, "image", i.ID)
}

func (q *Queries) GetImage(ctx context.Context, id string) (*model.LanguageImage, error) {
	i, err := scanImage(q.q.QueryRowContext(ctx, "SELECT "+imageColumns+" FROM language_images WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "image", id)
	}
	return i, nil
}

func (q *Queries) DeleteImage(ctx context.Context, id string) error {
	res, err := q.q.ExecContext(ctx, "DELETE FROM language_images WHERE id = ?", id)
	if err != nil {
		return errors.Wrapf(err, "delete image %s", id)
	}
	return mustAffect(res, "image", id)
}

// ListImages returns images in the given statuses, or all images when none
// are given, oldest first.
func (q *Queries) ListImages(ctx context.Context, statuses ...model.ImageStatus) ([]*model.LanguageImage, error) {
	query := "SELECT " + imageColumns + " FROM language_images"
	args := statusArgs(statuses)
	if len(statuses) > 0 {
		query += " WHERE status IN (" + placeholders(len(statuses)) + ")"
	}
	query += " ORDER BY created_at, id"
	return q.queryImages(ctx, query, args...)
}

// StaleImages returns images in status whose updated_at is before cutoff.
func (q *Queries) StaleImages(ctx context.Context, status model.ImageStatus, cutoff time.Time) ([]*model.LanguageImage, error) {
	return q.queryImages(ctx, "SELECT "+imageColumns+" FROM language_images WHERE status = ? AND updated_at < ? ORDER BY updated_at",
		status, cutoff.UTC())
}

// OldestScheduledImage returns the scheduled image that was touched least
// recently, or ErrNotFound when nothing is scheduled.
func (q *Queries) OldestScheduledImage(ctx context.Context) (*model.LanguageImage, error) {
	i, err := scanImage(q.q.QueryRowContext(ctx, "SELECT "+imageColumns+` FROM language_images
		WHERE status IN (`+placeholders(len(model.ScheduledImageStatuses))+`)
		ORDER BY updated_at, id LIMIT 1`, statusArgs(model.ScheduledImageStatuses)...))
	if err != nil {
		return nil, notFound(err, "scheduled image", "")
	}
	return i, nil
}

func (q *Queries) CountImages(ctx context.Context, statuses ...model.ImageStatus) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM language_images WHERE status IN ("+placeholders(len(statuses))+")",
		statusArgs(statuses)...).Scan(&n)
	return n, errors.Wrap(err, "count images")
}

// ScheduleAllForPrune moves every image that is not already unavailable to
// scheduled_for_prune and returns how many rows changed.
func (q *Queries) ScheduleAllForPrune(ctx context.Context) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		"UPDATE language_images SET status = ?, updated_at = ? WHERE status != ?",
		model.ImageScheduledForPrune, q.now(), model.ImageUnavailable)
	if err != nil {
		return 0, errors.Wrap(err, "schedule images for prune")
	}
	return res.RowsAffected()
}

func (q *Queries) queryImages(ctx context.Context, query string, args ...any) ([]*model.LanguageImage, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query images")
	}
	defer rows.Close()

	var images []*model.LanguageImage
	for rows.Next() {
		i, err := scanImage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan image")
		}
		images = append(images, i)
	}
	return images, errors.Wrap(rows.Err(), "iterate images")
}

func mustAffect(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "%s %s", what, id)
	}
	return nil
}

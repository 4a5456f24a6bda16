package transfer

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/vexdb/internal/ingest"
	"github.com/thebtf/vexdb/internal/job"
	"github.com/thebtf/vexdb/internal/storage"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

const (
	exportBatch = 500
	importBatch = 100
)

// ExportTask streams a dataset into a transfer file under dir. The
// artifact is registered on the job, so its download URL becomes valid
// once the job completes and the file is removed when the job is swept.
func ExportTask(handles *storage.HandleCache, ds *models.Dataset, format Format, dir string) job.Task {
	return func(ctx context.Context, tr *job.Tracker) error {
		h, release, err := handles.Reader(ds.ID)
		if err != nil {
			return err
		}
		defer release()

		path := filepath.Join(dir, "export-"+tr.ID()+format.Extension())
		f, err := os.Create(path)
		if err != nil {
			return verrors.Wrap(verrors.CodeStorage, err, "create export file")
		}
		defer f.Close()

		buf := bufio.NewWriter(f)
		enc := NewEncoder(buf, format)
		tr.SetTotal(h.Count())

		for offset := 0; ; offset += exportBatch {
			if err := ctx.Err(); err != nil {
				os.Remove(path)
				return err
			}
			rows, err := h.Scan(exportBatch, offset)
			if err != nil {
				os.Remove(path)
				return err
			}
			if len(rows) == 0 {
				break
			}
			for _, v := range rows {
				if err := enc.Encode(v); err != nil {
					os.Remove(path)
					return verrors.Wrap(verrors.CodeStorage, err, "encode vector")
				}
			}
			tr.Add(len(rows), len(rows), 0, 0)
		}

		if err := enc.Close(); err != nil {
			os.Remove(path)
			return verrors.Wrap(verrors.CodeStorage, err, "finish export file")
		}
		if err := buf.Flush(); err != nil {
			os.Remove(path)
			return verrors.Wrap(verrors.CodeStorage, err, "flush export file")
		}
		tr.SetOutput("/api/v1/export/"+tr.ID()+"/download", path)
		log.Info().Str("dataset_id", ds.ID).Str("path", path).Msg("Export written")
		return nil
	}
}

// ImportTask streams a previously uploaded transfer file into a dataset.
// Malformed rows are counted and reported without aborting; the upload is
// removed once the job ends.
func ImportTask(pipeline *ingest.Pipeline, ds *models.Dataset, format Format, srcPath string, opts *models.InsertOptions) job.Task {
	return func(ctx context.Context, tr *job.Tracker) error {
		f, err := os.Open(srcPath)
		if err != nil {
			return verrors.Wrap(verrors.CodeStorage, err, "open import file")
		}
		defer func() {
			f.Close()
			os.Remove(srcPath)
		}()

		dec := NewDecoder(bufio.NewReader(f), format)
		batch := make([]*models.Vector, 0, importBatch)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			result, err := pipeline.Insert(ctx, ds, batch, opts)
			if err != nil {
				return err
			}
			tr.Add(len(batch), result.Inserted, result.Failed, result.Skipped)
			for _, msg := range result.ErrorMessages {
				tr.AddError(msg)
			}
			batch = batch[:0]
			return nil
		}

		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := dec.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				if verrors.CodeOf(err) == verrors.CodeValidation {
					tr.Add(1, 0, 1, 0)
					tr.AddError(err.Error())
					continue
				}
				return verrors.Wrap(verrors.CodeValidation, err, "read import file")
			}
			batch = append(batch, v)
			if len(batch) >= importBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	}
}

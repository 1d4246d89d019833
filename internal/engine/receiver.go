package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/otcheredev/ris-dicom-qr/internal/metrics"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/pkg/dimse"
)

// IncomingFileContext is the destination of one incoming object. It lives
// from the start of the C-STORE until the file is renamed into place.
type IncomingFileContext struct {
	Directory   string
	FileName    string
	Association *dimse.Association
}

// Write stores dataset as a Part-10 file. The file is written under a
// temporary name, synced and renamed, so a partial object is never visible
// under its final name.
func (f IncomingFileContext) Write(meta dimse.FileMeta, dataset []byte) (string, int64, error) {
	tmp, err := os.CreateTemp(f.Directory, ".incoming-*")
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", dimse.ErrStoreWriteFailed, err)
	}
	tmpName := tmp.Name()
	closed := false
	defer func() {
		if !closed {
			tmp.Close()
		}
		os.Remove(tmpName)
	}()

	w := bufio.NewWriterSize(tmp, 64*1024)
	if err := dimse.WritePart10(w, meta, dataset); err != nil {
		return "", 0, fmt.Errorf("%w: %w", dimse.ErrStoreWriteFailed, err)
	}
	if err := w.Flush(); err != nil {
		return "", 0, fmt.Errorf("%w: %w", dimse.ErrStoreWriteFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("%w: %w", dimse.ErrStoreWriteFailed, err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", dimse.ErrStoreWriteFailed, err)
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("%w: %w", dimse.ErrStoreWriteFailed, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", 0, fmt.Errorf("%w: %w", dimse.ErrStoreWriteFailed, err)
	}

	path := filepath.Join(f.Directory, f.FileName)
	if err := os.Rename(tmpName, path); err != nil {
		return "", 0, fmt.Errorf("%w: %w", dimse.ErrStoreWriteFailed, err)
	}
	return path, info.Size(), nil
}

// storeReceiver writes the objects of one retrieve target.
type storeReceiver struct {
	engine *RetrieveEngine
	target models.RetrieveTarget
	log    zerolog.Logger

	received atomic.Int32
	failed   atomic.Int32
}

func (r *storeReceiver) HandleStore(ctx context.Context, req *dimse.StoreRequest) uint16 {
	e := r.engine
	e.setState(StateReceiving)

	ds, err := dimse.Decode(req.Data, req.TransferSyntax)
	if err != nil {
		r.failed.Inc()
		metrics.StoreFailuresTotal.WithLabelValues("decode").Inc()
		r.log.Warn().Err(err).Str("sop_instance_uid", req.SOPInstanceUID).Msg("Cannot decode incoming object")
		return dimse.StatusCannotUnderstand
	}

	studyUID := ds.GetString(dimse.TagStudyInstanceUID)
	if studyUID == "" {
		studyUID = r.target.StudyInstanceUID
	}
	seriesUID := ds.GetString(dimse.TagSeriesInstanceUID)
	if seriesUID == "" {
		seriesUID = r.target.SeriesInstanceUID
	}
	sopUID := req.SOPInstanceUID
	if sopUID == "" {
		sopUID = ds.GetString(dimse.TagSOPInstanceUID)
	}
	if seriesUID == "" || sopUID == "" {
		r.failed.Inc()
		metrics.StoreFailuresTotal.WithLabelValues("decode").Inc()
		r.log.Warn().Str("sop_instance_uid", sopUID).Msg("Incoming object lacks identifying UIDs")
		return dimse.StatusCannotUnderstand
	}

	dir, err := e.layout.SeriesDirectory(ctx, studyUID, seriesUID)
	if err != nil {
		return r.writeFailed("layout", sopUID, err)
	}

	file := IncomingFileContext{
		Directory:   dir,
		FileName:    e.layout.FileName(sopUID),
		Association: req.Association,
	}
	path, size, err := file.Write(dimse.FileMeta{
		SOPClassUID:    req.SOPClassUID,
		SOPInstanceUID: sopUID,
		TransferSyntax: req.TransferSyntax,
		SourceAETitle:  req.Association.CallingAETitle(),
	}, req.Data)
	if err != nil {
		return r.writeFailed("write", sopUID, err)
	}

	e.touch(dir)
	r.received.Inc()
	metrics.StoredFilesTotal.Inc()
	metrics.StoredBytesTotal.Add(float64(size))

	r.log.Debug().
		Str("path", path).
		Int64("size", size).
		Str("calling_aet", req.Association.CallingAETitle()).
		Msg("Stored incoming object")

	e.handlers.Store.OnStoreReceived(StoredFile{
		Target:            r.target,
		Path:              path,
		Directory:         dir,
		SOPClassUID:       req.SOPClassUID,
		SOPInstanceUID:    sopUID,
		StudyInstanceUID:  studyUID,
		SeriesInstanceUID: seriesUID,
		Size:              size,
		CallingAETitle:    req.Association.CallingAETitle(),
	})
	return dimse.StatusSuccess
}

func (r *storeReceiver) writeFailed(reason, sopUID string, err error) uint16 {
	r.failed.Inc()
	metrics.StoreFailuresTotal.WithLabelValues(reason).Inc()
	r.log.Error().Err(err).Str("sop_instance_uid", sopUID).Msg("Failed to store incoming object")
	r.engine.observer.ReportError("Store write failed", fmt.Sprintf("%s: %v", sopUID, err))
	return dimse.StatusOutOfResources
}

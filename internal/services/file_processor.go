package services

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"

	"weather-ingest/internal/models"
	"weather-ingest/internal/repository"
	"weather-ingest/pkg/logging"
	"weather-ingest/pkg/metrics"
)

// maxLineBytes bounds one input line. Longer lines are consumed and counted
// as malformed.
const maxLineBytes = 1 << 20

// lineReader splits input on '\n' like bufio.Scanner, but survives lines
// longer than maxLineBytes.
type lineReader struct {
	r   *bufio.Reader
	buf []byte
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the following line without its terminator. tooLong is set
// when the line exceeded maxLineBytes; its content is then dropped. io.EOF
// is returned once no bytes remain.
func (lr *lineReader) next() (line []byte, tooLong bool, err error) {
	lr.buf = lr.buf[:0]
	n := 0
	for {
		chunk, readErr := lr.r.ReadSlice('\n')
		n += len(chunk)
		if n > maxLineBytes {
			tooLong = true
			lr.buf = lr.buf[:0]
		} else {
			lr.buf = append(lr.buf, chunk...)
		}

		switch {
		case errors.Is(readErr, bufio.ErrBufferFull):
			continue
		case errors.Is(readErr, io.EOF):
			if n == 0 {
				return nil, false, io.EOF
			}
		case readErr != nil:
			return nil, false, readErr
		}
		return bytes.TrimRight(lr.buf, "\r\n"), tooLong, nil
	}
}

// FileResult accounts for every line of one input file:
// Accepted + Duplicates + Malformed + Discarded == Lines.
type FileResult struct {
	Path      string
	StationID string
	// Checksum is the xxhash64 of the bytes read, hex encoded.
	Checksum   string
	Lines      int
	Accepted   int
	Duplicates int
	Malformed  int
	// Discarded counts accepted lines whose staging batch was rolled back.
	Discarded int
	Err       error
}

// Failed reports whether the file hit a FileProcessError.
func (r *FileResult) Failed() bool {
	return r.Err != nil
}

// FileProcessor parses one file and stages its new rows.
type FileProcessor struct {
	index   *DuplicateIndex
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewFileProcessor creates a processor that filters against index.
func NewFileProcessor(index *DuplicateIndex, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *FileProcessor {
	return &FileProcessor{
		index:   index,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Process never returns an error: failures, including panics, end up in
// FileResult.Err as a *FileProcessError. A read error commits the rows
// staged so far; a staging error rolls the whole file back.
func (p *FileProcessor) Process(ctx context.Context, session repository.StagingSession, path string) (result FileResult) {
	result = FileResult{Path: path, StationID: models.StationIDFromPath(path)}
	log := p.logger.WithFields(logging.Fields{
		"file":       path,
		"station_id": result.StationID,
	})

	var batch repository.StagingBatch
	committed := false
	defer func() {
		if r := recover(); r != nil {
			if batch != nil && !committed {
				batch.Rollback()
				result.discard()
			}
			result.Err = &FileProcessError{Path: path, Op: "process", Err: fmt.Errorf("panic: %v", r)}
			log.Error(ctx, "[INGEST_FILE_PANIC] Recovered from panic while processing file", logging.Fields{}, result.Err)
		}
		p.metrics.RecordFileResult(result.Accepted, result.Duplicates, result.Malformed, result.Failed())
	}()

	file, err := os.Open(path)
	if err != nil {
		result.Err = &FileProcessError{Path: path, Op: "open", Err: err}
		log.Error(ctx, "[INGEST_FILE_ERROR] Failed to open file", logging.Fields{}, err)
		return result
	}
	defer file.Close()

	batch, err = session.Begin(ctx)
	if err != nil {
		result.Err = &FileProcessError{Path: path, Op: "stage", Err: err}
		log.Error(ctx, "[INGEST_FILE_ERROR] Failed to open staging batch", logging.Fields{}, err)
		return result
	}

	hasher := xxhash.New()
	reader := newLineReader(io.TeeReader(file, hasher))

	var readErr error
	for {
		raw, tooLong, err := reader.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		result.Lines++

		if tooLong {
			result.Malformed++
			log.Warn(ctx, "[INGEST_LINE_SKIPPED] Malformed line skipped", logging.Fields{
				"line":  result.Lines,
				"error": fmt.Sprintf("line exceeds %d bytes", maxLineBytes),
			})
			continue
		}

		obs, err := models.ParseLine(result.StationID, string(raw))
		if err != nil {
			result.Malformed++
			var parseErr *models.LineParseError
			if errors.As(err, &parseErr) {
				parseErr.Line = result.Lines
			}
			log.Warn(ctx, "[INGEST_LINE_SKIPPED] Malformed line skipped", logging.Fields{
				"line":  result.Lines,
				"error": err.Error(),
			})
			continue
		}

		if p.index.Contains(obs.Key()) {
			result.Duplicates++
			continue
		}

		if err := batch.Add(ctx, obs); err != nil {
			batch.Rollback()
			result.Accepted++
			result.discard()
			result.Err = &FileProcessError{Path: path, Op: "stage", Err: err}
			log.Error(ctx, "[INGEST_FILE_ERROR] Failed to stage row, file rolled back", logging.Fields{
				"line": result.Lines,
			}, err)
			p.metrics.RecordIngestionError("stage_error")
			return result
		}
		result.Accepted++
	}
	result.Checksum = fmt.Sprintf("%016x", hasher.Sum64())

	if err := batch.Commit(ctx); err != nil {
		result.discard()
		result.Err = &FileProcessError{Path: path, Op: "commit", Err: err}
		log.Error(ctx, "[INGEST_FILE_ERROR] Failed to commit staging batch, file rolled back", logging.Fields{}, err)
		p.metrics.RecordIngestionError("stage_error")
		return result
	}
	committed = true

	if readErr != nil {
		result.Err = &FileProcessError{Path: path, Op: "read", Err: readErr}
		log.Error(ctx, "[INGEST_FILE_ERROR] Read failed, partial file staged", logging.Fields{
			"lines_read": result.Lines,
			"accepted":   result.Accepted,
		}, readErr)
		p.metrics.RecordIngestionError("read_error")
		return result
	}

	log.Info(ctx, "[INGEST_FILE_COMPLETE] File staged", logging.Fields{
		"lines":      result.Lines,
		"accepted":   result.Accepted,
		"duplicates": result.Duplicates,
		"malformed":  result.Malformed,
		"checksum":   result.Checksum,
	})
	return result
}

func (r *FileResult) discard() {
	r.Discarded += r.Accepted
	r.Accepted = 0
}

package stages

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/archive"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/artifacts"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/config"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/telemetry"
)

// IngestionResult describes a completed ingestion.
type IngestionResult struct {
	SourceURL   string `json:"source_url"`
	ArchivePath string `json:"archive_path"`
	ArchiveSize int64  `json:"archive_size"`
	ExtractDir  string `json:"extract_dir"`
	DatasetDir  string `json:"dataset_dir"`
	Files       int    `json:"files"`
}

// Ingestion downloads the dataset archive and extracts it.
type Ingestion struct {
	cfg     config.IngestionConfig
	fetcher Fetcher
	http    *http.Client
}

// IngestionOption configures an Ingestion.
type IngestionOption func(*Ingestion)

// WithFetcher replaces scheme-based fetcher selection.
func WithFetcher(f Fetcher) IngestionOption {
	return func(s *Ingestion) { s.fetcher = f }
}

// WithHTTPClient sets the client used for HTTP and Google Drive sources.
func WithHTTPClient(c *http.Client) IngestionOption {
	return func(s *Ingestion) { s.http = c }
}

// NewIngestion creates the ingestion stage.
func NewIngestion(cfg config.IngestionConfig, opts ...IngestionOption) *Ingestion {
	s := &Ingestion{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run downloads SourceURL to LocalArchivePath and extracts it into
// ExtractDir. The archive is written to a temporary file first, so a
// failed download never leaves a partial archive at LocalArchivePath.
func (s *Ingestion) Run(ctx context.Context) (*IngestionResult, error) {
	logger := telemetry.FromContext(ctx).NewComponentLogger("ingestion")

	fetcher := s.fetcher
	if fetcher == nil {
		f, err := SelectFetcher(s.cfg.SourceURL, s.http)
		if err != nil {
			return nil, engine.Reclassify(engine.KindIngestion, err, "cannot download %q", s.cfg.SourceURL).
				WithStage(engine.StageIngestion).WithOp("select_fetcher")
		}
		fetcher = f
	}

	size, err := s.download(ctx, fetcher)
	if err != nil {
		return nil, err
	}
	telemetry.MetricsFromContext(ctx).AddBytesDownloaded(size)
	logger.Infof("downloaded %d bytes to %s", size, s.cfg.LocalArchivePath)

	sum, err := archive.ExtractZip(ctx, s.cfg.LocalArchivePath, s.cfg.ExtractDir)
	if err != nil {
		return nil, engine.Reclassify(engine.KindIngestion, err, "failed to extract %s", s.cfg.LocalArchivePath).
			WithStage(engine.StageIngestion).WithOp("extract")
	}
	logger.Infof("extracted %d files into %s", sum.Files, s.cfg.ExtractDir)

	res := &IngestionResult{
		SourceURL:   s.cfg.SourceURL,
		ArchivePath: s.cfg.LocalArchivePath,
		ArchiveSize: size,
		ExtractDir:  s.cfg.ExtractDir,
		DatasetDir:  s.cfg.DatasetDir(),
		Files:       sum.Files,
	}
	if !artifacts.Exists(res.DatasetDir) {
		logger.Warnf("archive has no %s folder; training expects it", config.DatasetDirName)
	}
	return res, nil
}

func (s *Ingestion) download(ctx context.Context, fetcher Fetcher) (int64, error) {
	dir := filepath.Dir(s.cfg.LocalArchivePath)
	if err := artifacts.Ensure(dir); err != nil {
		return 0, engine.Reclassify(engine.KindIngestion, err, "cannot prepare %s", dir).
			WithStage(engine.StageIngestion).WithOp("download")
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return 0, engine.Reclassify(engine.KindIngestion, err, "failed to create temporary file").
			WithStage(engine.StageIngestion).WithOp("download")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := fetcher.Fetch(ctx, s.cfg.SourceURL, tmp)
	if err != nil {
		tmp.Close()
		return 0, engine.Reclassify(engine.KindIngestion, err, "failed to download %s", s.cfg.SourceURL).
			WithStage(engine.StageIngestion).WithOp("download")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, engine.Reclassify(engine.KindIngestion, err, "failed to flush archive").
			WithStage(engine.StageIngestion).WithOp("download")
	}
	if err := tmp.Close(); err != nil {
		return 0, engine.Reclassify(engine.KindIngestion, err, "failed to close archive").
			WithStage(engine.StageIngestion).WithOp("download")
	}
	if n == 0 {
		return 0, engine.New(engine.KindIngestion, "downloaded archive %s is empty", s.cfg.SourceURL).
			WithStage(engine.StageIngestion).WithOp("download")
	}

	if err := os.Rename(tmpPath, s.cfg.LocalArchivePath); err != nil {
		return 0, engine.Reclassify(engine.KindIngestion, err, "failed to move archive into place").
			WithStage(engine.StageIngestion).WithOp("download")
	}
	return n, nil
}

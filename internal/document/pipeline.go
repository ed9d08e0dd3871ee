// Package document turns a gazette document location into raw text: a guarded download,
// a primary text render and a per-page image recognition fallback.
package document

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/torwi-dev/juscash/internal/metrics"
)

const (
	defaultMaxBytes         = 50 << 20
	defaultMinDocumentBytes = 1000
	defaultPrimaryMinChars  = 100
	defaultFallbackMinChars = 50
	defaultDownloadDelay    = 2 * time.Second
)

// Method names the path that produced a document's text.
type Method string

const (
	// MethodNone means no text was accepted.
	MethodNone Method = "none"
	// MethodPrimary is the text-layer render.
	MethodPrimary Method = "primary"
	// MethodFallback is rasterization plus optical recognition.
	MethodFallback Method = "fallback"
)

// Download is a fetched document body.
type Download struct {
	URL         string
	Body        []byte
	ContentType string
}

// Downloader fetches document bytes.
type Downloader interface {
	Download(ctx context.Context, url string) (Download, error)
}

// TextRenderer reads the embedded text layer of a document page by page.
type TextRenderer interface {
	PageCount(ctx context.Context, doc []byte) (int, error)
	RenderText(ctx context.Context, doc []byte, page int) (string, error)
}

// RasterDocument is an opened document whose pages render to images.
type RasterDocument interface {
	PageCount() int
	Rasterize(ctx context.Context, page int) ([]byte, error)
	Close() error
}

// Rasterizer opens a document for page rasterization.
type Rasterizer interface {
	Open(ctx context.Context, doc []byte) (RasterDocument, error)
}

// Recognizer extracts text from a page image.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// ErrTooLarge is reported when a download exceeds the size limit.
var ErrTooLarge = errors.New("document exceeds size limit")

// ExtractionError reports a document that yielded no acceptable text. It is counted, never fatal.
type ExtractionError struct {
	URL    string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.URL, e.Reason)
}

// Result is the outcome of extracting one document.
type Result struct {
	URL     string
	Text    string
	Method  Method
	Pages   int
	Skipped bool
	// SkipReason explains a Skipped result.
	SkipReason string
}

// Config tunes the pipeline thresholds.
type Config struct {
	MaxBytes         int64
	MinDocumentBytes int
	PrimaryMinChars  int
	FallbackMinChars int
	// DownloadDelay is the minimum spacing between consecutive downloads. Negative disables it.
	DownloadDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}
	if c.MinDocumentBytes <= 0 {
		c.MinDocumentBytes = defaultMinDocumentBytes
	}
	if c.PrimaryMinChars <= 0 {
		c.PrimaryMinChars = defaultPrimaryMinChars
	}
	if c.FallbackMinChars <= 0 {
		c.FallbackMinChars = defaultFallbackMinChars
	}
	if c.DownloadDelay < 0 {
		c.DownloadDelay = 0
	} else if c.DownloadDelay == 0 {
		c.DownloadDelay = defaultDownloadDelay
	}
	return c
}

// Pipeline extracts text from document locations.
type Pipeline struct {
	cfg        Config
	downloader Downloader
	renderer   TextRenderer
	rasterizer Rasterizer
	recognizer Recognizer
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewPipeline wires the engines. A nil rasterizer or recognizer disables the fallback path.
func NewPipeline(
	cfg Config,
	downloader Downloader,
	renderer TextRenderer,
	rasterizer Rasterizer,
	recognizer Recognizer,
	logger *zap.Logger,
) *Pipeline {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.DownloadDelay > 0 {
		limit = rate.Every(cfg.DownloadDelay)
	}
	return &Pipeline{
		cfg:        cfg,
		downloader: downloader,
		renderer:   renderer,
		rasterizer: rasterizer,
		recognizer: recognizer,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

// Extract downloads url and returns its text. Guard rejections come back as a Skipped
// result with a nil error. A document with no acceptable text returns *ExtractionError.
// Other errors are download or context failures.
func (p *Pipeline) Extract(ctx context.Context, url string) (Result, error) {
	start := time.Now()
	logger := p.logger.With(zap.String("url", url))

	waitStart := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return Result{URL: url}, fmt.Errorf("wait for download slot: %w", err)
	}
	if waited := time.Since(waitStart); waited > time.Millisecond {
		metrics.ObservePoliteness("document_download", waited)
	}

	dl, err := p.downloader.Download(ctx, url)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			logger.Warn("document too large, skipping", zap.Error(err))
			metrics.ObserveDocument("skipped", time.Since(start))
			return Result{URL: url, Method: MethodNone, Skipped: true, SkipReason: "too large"}, nil
		}
		metrics.ObserveDocument("download_failed", time.Since(start))
		return Result{URL: url}, fmt.Errorf("download %s: %w", url, err)
	}

	if reason := p.guard(dl); reason != "" {
		logger.Warn("document rejected",
			zap.String("reason", reason),
			zap.String("content_type", dl.ContentType),
			zap.Int("bytes", len(dl.Body)),
		)
		metrics.ObserveDocument("skipped", time.Since(start))
		return Result{URL: url, Method: MethodNone, Skipped: true, SkipReason: reason}, nil
	}

	res := Result{URL: url, Method: MethodNone}
	text, pages := p.primary(ctx, dl.Body, logger)
	res.Pages = pages
	if textLen(text) > p.cfg.PrimaryMinChars {
		res.Text = text
		res.Method = MethodPrimary
		logger.Debug("primary text accepted", zap.Int("chars", len(text)), zap.Int("pages", pages))
		metrics.ObserveDocument(string(MethodPrimary), time.Since(start))
		return res, nil
	}

	logger.Info("primary text insufficient, trying recognition",
		zap.Int("chars", textLen(text)),
	)
	text, pages = p.fallback(ctx, dl.Body, logger)
	if pages > res.Pages {
		res.Pages = pages
	}
	if textLen(text) > p.cfg.FallbackMinChars {
		res.Text = text
		res.Method = MethodFallback
		metrics.ObserveDocument(string(MethodFallback), time.Since(start))
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("extract %s: %w", url, err)
	}

	metrics.ObserveDocument("no_text", time.Since(start))
	return res, &ExtractionError{URL: url, Reason: "no acceptable text from render or recognition"}
}

func textLen(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}

// guard returns a rejection reason, or "" when the body looks like a document.
func (p *Pipeline) guard(dl Download) string {
	size := len(dl.Body)
	if int64(size) > p.cfg.MaxBytes {
		return "too large"
	}
	if size == 0 {
		return "empty body"
	}
	isPDF := strings.Contains(strings.ToLower(dl.ContentType), "pdf")
	if !isPDF && size <= p.cfg.MinDocumentBytes {
		return "not a document"
	}
	return ""
}

func (p *Pipeline) primary(ctx context.Context, doc []byte, logger *zap.Logger) (string, int) {
	if p.renderer == nil {
		return "", 0
	}
	pages, err := p.renderer.PageCount(ctx, doc)
	if err != nil {
		logger.Warn("page count failed", zap.Error(err))
		return "", 0
	}

	var b strings.Builder
	for page := 1; page <= pages; page++ {
		if ctx.Err() != nil {
			break
		}
		text, err := p.renderer.RenderText(ctx, doc, page)
		if err != nil {
			logger.Warn("page render failed", zap.Int("page", page), zap.Error(err))
			continue
		}
		if text == "" {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), pages
}

func (p *Pipeline) fallback(ctx context.Context, doc []byte, logger *zap.Logger) (string, int) {
	if p.rasterizer == nil || p.recognizer == nil {
		return "", 0
	}
	raster, err := p.rasterizer.Open(ctx, doc)
	if err != nil {
		logger.Warn("open document for rasterization failed", zap.Error(err))
		return "", 0
	}
	defer func() {
		if cerr := raster.Close(); cerr != nil {
			logger.Debug("close raster document", zap.Error(cerr))
		}
	}()

	pages := raster.PageCount()
	var b strings.Builder
	for page := 1; page <= pages; page++ {
		if ctx.Err() != nil {
			break
		}
		img, err := raster.Rasterize(ctx, page)
		if err != nil {
			logger.Warn("page rasterization failed", zap.Int("page", page), zap.Error(err))
			continue
		}
		text, err := p.recognizer.Recognize(ctx, img)
		if err != nil {
			logger.Warn("page recognition failed", zap.Int("page", page), zap.Error(err))
			continue
		}
		logger.Debug("page recognized", zap.Int("page", page), zap.Int("chars", len(text)))
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), pages
}

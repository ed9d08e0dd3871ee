package document

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
)

const defaultDownloadTimeout = 30 * time.Second

// DownloaderConfig controls document fetches.
type DownloaderConfig struct {
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64
}

// CollyDownloader implements Downloader using the Colly collector.
type CollyDownloader struct {
	cfg           DownloaderConfig
	baseCollector *colly.Collector
}

// NewCollyDownloader builds a CollyDownloader.
func NewCollyDownloader(cfg DownloaderConfig) *CollyDownloader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDownloadTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &CollyDownloader{cfg: cfg, baseCollector: c}
}

// Download fetches url. Bodies over the size limit fail with ErrTooLarge.
func (d *CollyDownloader) Download(ctx context.Context, url string) (Download, error) {
	var (
		result   Download
		fetchErr error
		tooLarge bool
	)
	collector := d.baseCollector.Clone()
	if d.cfg.UserAgent != "" {
		collector.UserAgent = d.cfg.UserAgent
	}
	// One extra byte so truncation is detectable.
	collector.MaxBodySize = int(d.cfg.MaxBytes) + 1
	collector.SetRequestTimeout(d.cfg.Timeout)

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/pdf,*/*;q=0.8")
	})
	collector.OnResponseHeaders(func(r *colly.Response) {
		if length := r.Headers.Get("Content-Length"); length != "" {
			if n, err := strconv.ParseInt(length, 10, 64); err == nil && n > d.cfg.MaxBytes {
				tooLarge = true
				r.Request.Abort()
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		if int64(len(r.Body)) > d.cfg.MaxBytes {
			tooLarge = true
			return
		}
		result = Download{
			URL:         r.Request.URL.String(),
			Body:        append([]byte(nil), r.Body...),
			ContentType: r.Headers.Get("Content-Type"),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("HTTP %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		if tooLarge {
			return Download{}, fmt.Errorf("%s: %w", url, ErrTooLarge)
		}
		return Download{}, err
	}
	if tooLarge {
		return Download{}, fmt.Errorf("%s: %w", url, ErrTooLarge)
	}
	return result, nil
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("document download canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && !errors.Is(err, colly.ErrAbortedAfterHeaders) {
			return fmt.Errorf("document visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("document response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}

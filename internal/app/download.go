package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/turnkit/internal/turn"
)

// Attachment download defaults.
const (
	DefaultMaxAttachmentBytes = 20 << 20
	defaultDownloadWorkers    = 4
	defaultDownloadTimeout    = 30 * time.Second
)

// AttachmentDownloaderOptions configures an AttachmentDownloader.
type AttachmentDownloaderOptions struct {
	// Client fetches attachment URLs. Defaults to an http.Client with a 30s timeout.
	Client *http.Client
	// TokenSource, when set, authenticates downloads with a bearer token.
	TokenSource oauth2.TokenSource
	// MaxBytes caps each file. Larger files fail the download.
	MaxBytes int64
	// Workers bounds concurrent downloads per turn.
	Workers int
}

// AttachmentDownloader fetches the content of file attachments on the
// inbound activity. Cards and inline HTML are skipped.
type AttachmentDownloader struct {
	client   *http.Client
	maxBytes int64
	workers  int
}

// NewAttachmentDownloader builds a downloader from opts.
func NewAttachmentDownloader(opts AttachmentDownloaderOptions) *AttachmentDownloader {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultDownloadTimeout}
	}
	if opts.TokenSource != nil {
		client = &http.Client{
			Timeout:   client.Timeout,
			Transport: &oauth2.Transport{Source: opts.TokenSource, Base: client.Transport},
		}
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxAttachmentBytes
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultDownloadWorkers
	}
	return &AttachmentDownloader{client: client, maxBytes: opts.MaxBytes, workers: opts.Workers}
}

// DownloadFiles implements turn.FileDownloader. Files keep attachment order.
func (d *AttachmentDownloader) DownloadFiles(ctx context.Context, tc turn.Context, _ *turn.State) ([]turn.InputFile, error) {
	var pending []turn.InputFile
	for _, att := range tc.Activity().Attachments {
		if !downloadable(att.ContentType, att.ContentURL) {
			continue
		}
		pending = append(pending, turn.InputFile{
			ContentType: att.ContentType,
			ContentURL:  att.ContentURL,
			Filename:    att.Name,
		})
	}
	if len(pending) == 0 {
		return nil, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i := range pending {
		f := &pending[i]
		g.Go(func() error {
			data, contentType, err := d.fetch(gctx, f.ContentURL)
			if err != nil {
				return fmt.Errorf("attachment %q: %w", f.Filename, err)
			}
			f.Content = data
			if f.ContentType == "" {
				f.ContentType = contentType
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pending, nil
}

func (d *AttachmentDownloader) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > d.maxBytes {
		return nil, "", fmt.Errorf("exceeds %d bytes", d.maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func downloadable(contentType, url string) bool {
	if url == "" || !(strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")) {
		return false
	}
	ct := strings.ToLower(contentType)
	return !strings.HasPrefix(ct, "application/vnd.microsoft.card.") && ct != "text/html"
}

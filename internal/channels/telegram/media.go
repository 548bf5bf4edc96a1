package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/turnkit/internal/turn"
)

const (
	defaultMediaMaxBytes int64 = 20 * 1024 * 1024
	downloadMaxRetries         = 3
)

// DownloadFiles implements turn.FileDownloader for activities received by
// this channel. Files over the configured size limit are skipped.
func (c *Channel) DownloadFiles(ctx context.Context, tc turn.Context, _ *turn.State) ([]turn.InputFile, error) {
	if tc.Activity().ChannelID != c.Name() {
		return nil, nil
	}
	maxBytes := c.config.MediaMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMediaMaxBytes
	}
	f := &fileFetcher{
		api:      c.api,
		client:   c.httpClient,
		maxBytes: maxBytes,
		fileURL: func(path string) string {
			return fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.config.Token, path)
		},
	}
	return f.fetchAll(ctx, tc.Activity().ChannelData)
}

// fileFetcher resolves Telegram file IDs and downloads their content.
type fileFetcher struct {
	api      botAPI
	client   *http.Client
	maxBytes int64
	fileURL  func(path string) string
}

func (f *fileFetcher) fetchAll(ctx context.Context, raw json.RawMessage) ([]turn.InputFile, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var data channelData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode telegram channel data: %w", err)
	}

	var files []turn.InputFile
	for _, ref := range data.Files {
		content, err := f.download(ctx, ref.FileID)
		if err != nil {
			if ctx.Err() != nil {
				return files, ctx.Err()
			}
			slog.Warn("telegram file download failed", "file_id", ref.FileID, "error", err)
			continue
		}
		files = append(files, turn.InputFile{
			Content:     content,
			ContentType: ref.MimeType,
			Filename:    ref.Name,
		})
	}
	return files, nil
}

// download fetches a file by file_id, retrying getFile with linear backoff.
func (f *fileFetcher) download(ctx context.Context, fileID string) ([]byte, error) {
	var file *telego.File
	var err error

	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = f.api.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("retrying file download", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}

	if file.FilePath == "" {
		return nil, fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > f.maxBytes {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, f.maxBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.fileURL(file.FilePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("file exceeds max size during download: %d bytes", len(body))
	}
	return body, nil
}

package turn

import "context"

// InputFile is a file attached to the inbound activity, downloaded for handlers.
type InputFile struct {
	Content     []byte
	ContentType string
	ContentURL  string
	Filename    string
}

// FileDownloader fetches the files referenced by the inbound activity.
type FileDownloader interface {
	DownloadFiles(ctx context.Context, tc Context, ts *State) ([]InputFile, error)
}

// FileDownloaderFunc adapts a function to FileDownloader.
type FileDownloaderFunc func(ctx context.Context, tc Context, ts *State) ([]InputFile, error)

func (f FileDownloaderFunc) DownloadFiles(ctx context.Context, tc Context, ts *State) ([]InputFile, error) {
	return f(ctx, tc, ts)
}

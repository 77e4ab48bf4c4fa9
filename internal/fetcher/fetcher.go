// Package fetcher resolves county and hazard source locations to local files
// (HTTP, FTP, ZIP archives) and streams tabular and JSON content from them.
package fetcher

import (
	"context"
	"io"
)

// Downloader retrieves one remote object. HTTPFetcher and FTPFetcher
// implement it; Resolver picks one by URL scheme.
type Downloader interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

package fetcher

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Resolver turns a source location (local path, http(s) URL or ftp URL,
// optionally a ZIP archive) into a local file ready to open.
type Resolver struct {
	HTTP    Downloader
	FTP     Downloader
	WorkDir string
}

// NewResolver returns a Resolver using the default HTTP and FTP fetchers.
func NewResolver(workDir string) *Resolver {
	return &Resolver{
		HTTP:    NewHTTPFetcher(HTTPOptions{}),
		FTP:     NewFTPFetcher(FTPOptions{}),
		WorkDir: workDir,
	}
}

// Resolve downloads remote locations into WorkDir, skipping the download if a
// non-empty copy already exists. ZIP archives are extracted and the first
// member matching exts (in preference order) is returned.
func (r *Resolver) Resolve(ctx context.Context, location string, exts ...string) (string, error) {
	log := zap.L().With(
		zap.String("component", "fetcher.resolve"),
		zap.String("location", location),
	)

	local, err := r.fetch(ctx, location, log)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(filepath.Ext(local), ".zip") {
		return local, nil
	}

	extractDir := filepath.Join(r.workDir(), strings.TrimSuffix(filepath.Base(local), filepath.Ext(local)))
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return "", eris.Wrap(err, "fetcher: create extract dir")
	}
	files, err := Unpack(local, extractDir, exts...)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: extract %s", filepath.Base(local))
	}
	found, ok := pickMember(files, exts...)
	if !ok {
		return "", eris.Errorf("fetcher: no %v file in %s", exts, filepath.Base(local))
	}
	log.Debug("extracted archive member", zap.String("path", found))
	return found, nil
}

func (r *Resolver) fetch(ctx context.Context, location string, log *zap.Logger) (string, error) {
	u, err := url.Parse(location)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ftp") {
		if _, statErr := os.Stat(location); statErr != nil {
			return "", eris.Wrapf(statErr, "fetcher: source %s", location)
		}
		return location, nil
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	if err := os.MkdirAll(r.workDir(), 0o755); err != nil {
		return "", eris.Wrap(err, "fetcher: create work dir")
	}
	dest := filepath.Join(r.workDir(), name)

	if info, statErr := os.Stat(dest); statErr == nil && info.Size() > 0 {
		log.Debug("already downloaded, skipping", zap.String("path", dest))
		return dest, nil
	}

	f := r.HTTP
	if u.Scheme == "ftp" {
		f = r.FTP
	}
	if f == nil {
		return "", eris.Errorf("fetcher: no fetcher for scheme %q", u.Scheme)
	}

	log.Info("downloading source")
	n, err := f.DownloadToFile(ctx, location, dest)
	if err != nil {
		_ = os.Remove(dest)
		return "", eris.Wrapf(err, "fetcher: download %s", location)
	}
	log.Info("downloaded source", zap.Int64("bytes", n), zap.String("path", dest))
	return dest, nil
}

func (r *Resolver) workDir() string {
	if r.WorkDir == "" {
		return filepath.Join(os.TempDir(), "parcel-cli")
	}
	return r.WorkDir
}

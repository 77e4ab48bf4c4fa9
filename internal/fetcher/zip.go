package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// maxMemberBytes caps a single extracted member. The largest statewide DOR
// shapefile is well under this.
const maxMemberBytes = 8 << 30

// shapefileSidecars travel with a .shp member; the reader needs them beside it.
var shapefileSidecars = []string{".shp", ".shx", ".dbf", ".prj", ".cpg"}

// Unpack extracts the members of a ZIP archive whose extension is in exts,
// plus shapefile sidecars when exts asks for .shp. Platform junk such as
// __MACOSX/ and dotfiles is skipped. Returns extracted paths, shallowest first.
func Unpack(zipPath, destDir string, exts ...string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	want := wantedExts(exts)
	var extracted []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() || junkMember(f.Name) {
			continue
		}
		if len(want) > 0 && !want[strings.ToLower(filepath.Ext(f.Name))] {
			continue
		}
		path, err := unpackMember(f, destDir)
		if err != nil {
			return extracted, err
		}
		extracted = append(extracted, path)
	}

	sort.SliceStable(extracted, func(i, j int) bool {
		return strings.Count(extracted[i], string(os.PathSeparator)) < strings.Count(extracted[j], string(os.PathSeparator))
	})
	return extracted, nil
}

func wantedExts(exts []string) map[string]bool {
	if len(exts) == 0 {
		return nil
	}
	want := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		want[e] = true
		if e == ".shp" {
			for _, s := range shapefileSidecars {
				want[s] = true
			}
		}
	}
	return want
}

func junkMember(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") {
		return true
	}
	return strings.HasPrefix(filepath.Base(name), ".")
}

func unpackMember(f *zip.File, destDir string) (string, error) {
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("zip: illegal path %q (zip slip attempt)", f.Name)
	}
	if f.UncompressedSize64 > maxMemberBytes {
		return "", eris.Errorf("zip: member %s is %d bytes, over the %d byte limit", f.Name, f.UncompressedSize64, int64(maxMemberBytes))
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "zip: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrapf(err, "zip: open %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "zip: create file")
	}
	n, copyErr := io.Copy(out, io.LimitReader(rc, maxMemberBytes+1))
	closeErr := out.Close()
	if copyErr != nil {
		return "", eris.Wrapf(copyErr, "zip: write %s", f.Name)
	}
	if n > maxMemberBytes {
		return "", eris.Errorf("zip: member %s exceeds %d bytes", f.Name, int64(maxMemberBytes))
	}
	if closeErr != nil {
		return "", eris.Wrapf(closeErr, "zip: close %s", f.Name)
	}
	return destPath, nil
}

// pickMember returns the first path whose extension matches exts, trying
// exts in preference order. Matching is case-insensitive.
func pickMember(files []string, exts ...string) (string, bool) {
	for _, ext := range exts {
		for _, f := range files {
			if strings.EqualFold(filepath.Ext(f), ext) {
				return f, true
			}
		}
	}
	return "", false
}

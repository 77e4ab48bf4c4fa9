package fetcher

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestZIP(t *testing.T, name string, files map[string]string) string {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), name)
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return zipPath
}

func TestUnpack_ShapefileBundleKeepsSidecars(t *testing.T) {
	zipPath := createTestZIP(t, "parcels.zip", map[string]string{
		"parcels.shp": "shp",
		"parcels.shx": "shx",
		"parcels.dbf": "dbf",
		"parcels.prj": "prj",
		"README.txt":  "notes",
	})

	destDir := t.TempDir()
	extracted, err := Unpack(zipPath, destDir, ".shp")
	require.NoError(t, err)
	assert.Len(t, extracted, 4)
	assert.NoFileExists(t, filepath.Join(destDir, "README.txt"))

	data, err := os.ReadFile(filepath.Join(destDir, "parcels.dbf"))
	require.NoError(t, err)
	assert.Equal(t, "dbf", string(data))
}

func TestUnpack_NoFilterExtractsEverything(t *testing.T) {
	zipPath := createTestZIP(t, "all.zip", map[string]string{
		"a.csv": "x",
		"b.txt": "y",
	})
	extracted, err := Unpack(zipPath, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, extracted, 2)
}

func TestUnpack_SkipsPlatformJunk(t *testing.T) {
	zipPath := createTestZIP(t, "mac.zip", map[string]string{
		"parcels.geojson":           "{}",
		"__MACOSX/._parcels.json":   "junk",
		"county_15/.DS_Store":       "junk",
		"county_15/parcels.geojson": "{}",
	})
	extracted, err := Unpack(zipPath, t.TempDir(), ".geojson", ".json")
	require.NoError(t, err)
	require.Len(t, extracted, 2)
	assert.Equal(t, "parcels.geojson", filepath.Base(extracted[0]))
	assert.Contains(t, extracted[1], "county_15")
}

func TestUnpack_ZipSlipPrevention(t *testing.T) {
	zipPath := createTestZIP(t, "malicious.zip", map[string]string{"../../../etc/passwd": "x"})

	_, err := Unpack(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}

func TestUnpack_InvalidArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notazip.zip")
	require.NoError(t, os.WriteFile(path, []byte("this is not a zip"), 0o644))

	_, err := Unpack(path, t.TempDir())
	require.Error(t, err)
}

func TestPickMember(t *testing.T) {
	files := []string{"/x/parcels.DBF", "/x/parcels.SHP", "/x/readme.txt"}

	got, ok := pickMember(files, ".shp")
	assert.True(t, ok)
	assert.Equal(t, "/x/parcels.SHP", got)

	got, ok = pickMember(files, ".geojson", ".txt")
	assert.True(t, ok)
	assert.Equal(t, "/x/readme.txt", got)

	_, ok = pickMember(files, ".csv")
	assert.False(t, ok)
}

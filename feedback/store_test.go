package feedback

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.Black)
	return img
}

func readMetadata(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	require.NoError(t, err)
	return string(data)
}

func TestOpenCreatesHeader(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	s, err := Open(dir)
	require.NoError(t, err)
	assert.Empty(t, s.Records())
	assert.Equal(t, "file_name,text,feedback\n", readMetadata(t, dir))
}

func TestSaveAppendsRowAndImage(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	record, err := s.Save(testImage(), `x^2+y^2`, Perfect)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(record.FileName, "1700000000-"))
	assert.True(t, strings.HasSuffix(record.FileName, ".png"))
	assert.FileExists(t, filepath.Join(dir, record.FileName))

	assert.Equal(t, "file_name,text,feedback\n"+record.FileName+",x^2+y^2,Perfect\n", readMetadata(t, dir))
}

func TestSaveUpdatesExistingText(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	first, err := s.Save(testImage(), `\frac{a}{b}`, Normal)
	require.NoError(t, err)
	second, err := s.Save(nil, `\frac{a}{b}`, Annotation(`\frac{a}{c}`))
	require.NoError(t, err)
	assert.Equal(t, first.FileName, second.FileName)

	records := s.Records()
	require.Len(t, records, 1)
	assert.Equal(t, Label(`Annotation: \frac{a}{c}`), records[0].Label)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	pngs := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".png" {
			pngs++
		}
	}
	assert.Equal(t, 1, pngs)
}

func TestSaveQuotesText(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	text := "a, \"b\"\nc"
	_, err = s.Save(testImage(), text, Mistake)
	require.NoError(t, err)

	reopened, err := Open(dir)
	require.NoError(t, err)
	records := reopened.Records()
	require.Len(t, records, 1)
	assert.Equal(t, text, records[0].Text)
	assert.Equal(t, Mistake, records[0].Label)
}

func TestSaveWithoutImage(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.Save(nil, "x", Error)
	require.Error(t, err)
	assert.Empty(t, s.Records())
}

func TestOpenRejectsMalformedTable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte("file_name,text\na,b\n"), 0o600))
	_, err := Open(dir)
	require.Error(t, err)
}

func TestParseLabel(t *testing.T) {
	for _, s := range []string{"perfect", "normal", "mistake", "error", "repeat"} {
		label, err := ParseLabel(s)
		require.NoError(t, err)
		assert.Equal(t, strings.ToLower(string(label)), s)
	}
	_, err := ParseLabel("great")
	require.Error(t, err)
}

func TestWorth(t *testing.T) {
	assert.True(t, Worth(`\alpha+\beta`, WorthThreshold))
	assert.False(t, Worth("", WorthThreshold))
	assert.False(t, Worth(strings.Repeat("ab", WorthThreshold), WorthThreshold))
	assert.True(t, Worth(strings.Repeat("ab", WorthThreshold-1), WorthThreshold))
}

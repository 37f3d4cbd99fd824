package options

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestORTOnlyOptions(t *testing.T) {
	for _, option := range []WithOption{
		WithTelemetry(),
		WithIntraOpNumThreads(2),
		WithInterOpNumThreads(1),
		WithCPUMemArena(false),
		WithMemPattern(false),
		WithCuda(map[string]string{"device_id": "0"}),
		WithCoreML(0),
		WithDirectML(0),
		WithOpenVINO(map[string]string{"device_type": "CPU"}),
		WithTensorRT(nil),
		WithOnnxLibraryPath(t.TempDir()),
	} {
		goOptions := Defaults()
		goOptions.Backend = "GO"
		require.Error(t, option(goOptions))
	}

	o := Defaults()
	o.Backend = "ORT"
	require.NoError(t, WithIntraOpNumThreads(4)(o))
	require.NoError(t, WithCPUMemArena(false)(o))
	require.NoError(t, WithCoreML(1)(o))
	assert.Equal(t, 4, *o.ORTOptions.IntraOpNumThreads)
	assert.False(t, *o.ORTOptions.CPUMemArena)
	assert.Equal(t, uint32(1), *o.ORTOptions.CoreMLOptions)
	assert.Nil(t, o.ORTOptions.Telemetry)
}

func TestWithOnnxLibraryPath(t *testing.T) {
	o := Defaults()
	o.Backend = "ORT"

	dir := t.TempDir()
	require.Error(t, WithOnnxLibraryPath(dir)(o))
	require.Error(t, WithOnnxLibraryPath(filepath.Join(dir, "missing"))(o))

	libraryName, _, _ := getDefaultLibraryPaths()
	libraryPath := filepath.Join(dir, libraryName)
	require.NoError(t, os.WriteFile(libraryPath, []byte{0}, 0o600))
	require.Error(t, WithOnnxLibraryPath(libraryPath)(o))

	require.NoError(t, WithOnnxLibraryPath(dir)(o))
	assert.Equal(t, libraryPath, *o.ORTOptions.LibraryPath)
	assert.Equal(t, dir, *o.ORTOptions.LibraryDir)
}

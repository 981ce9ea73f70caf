package agent

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "temp")
	require.NoError(t, ioutil.WriteFile(path, []byte("23500\n"), 0600))

	fs := FileSource{Name: "temp", Path: path, Scale: 0.001}
	r, err := fs.Read()
	require.NoError(t, err)
	assert.Equal(t, "temp", r.SensorType)
	assert.Equal(t, 23.5, r.Value)

	fs.Path = filepath.Join(t.TempDir(), "nosuch")
	_, err = fs.Read()
	assert.Error(t, err)

	require.NoError(t, ioutil.WriteFile(path, []byte("not a number"), 0600))
	fs.Path = path
	_, err = fs.Read()
	assert.Error(t, err)
}

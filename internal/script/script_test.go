package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_Line(t *testing.T) {
	cmd := Command{
		Env:     []EnvVar{{Name: "CUDA_VISIBLE_DEVICES", Value: "1"}},
		Program: "python",
		Args:    []string{"run_detector_batch.py", Quote("MDV5A"), "--quiet"},
	}

	assert.Equal(t,
		`CUDA_VISIBLE_DEVICES=1 python run_detector_batch.py "MDV5A" --quiet`,
		cmd.Line(Posix{}))
	assert.Equal(t,
		`set CUDA_VISIBLE_DEVICES=1 & python run_detector_batch.py "MDV5A" --quiet`,
		cmd.Line(Batch{}))
}

func TestCommand_Multiline(t *testing.T) {
	cmd := Command{
		Program: "python crop_detections.py",
		Args:    []string{Quote("in.json"), Quote("crops"), "--square-crops"},
	}

	expected := "python crop_detections.py \\\n" +
		"  \"in.json\" \\\n" +
		"  \"crops\" \\\n" +
		"  --square-crops"
	assert.Equal(t, expected, cmd.Multiline(Posix{}))

	assert.Contains(t, cmd.Multiline(Batch{}), "^\n")
}

func TestForOS(t *testing.T) {
	assert.IsType(t, Batch{}, ForOS("windows"))
	assert.IsType(t, Posix{}, ForOS("linux"))
	assert.IsType(t, Posix{}, ForOS("darwin"))
}

func TestWrite_PosixHeaderAndMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scripts", "run.sh")
	require.NoError(t, Write(path, Posix{}, "echo hello"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/bash\n\nset -e\n\necho hello\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0100, "script must be executable")
}

func TestWrite_BatchHasNoHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.bat")
	require.NoError(t, Write(path, Batch{}, "echo hello"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "echo hello\n", string(data))
}

func TestBatchConventions(t *testing.T) {
	r := Batch{}
	assert.Equal(t, "call run.bat", r.Call("run.bat"))
	assert.Equal(t, "if %errorlevel% neq 0 exit /b %errorlevel%\n", r.CommandSuffix())
	assert.Equal(t, "REM note", r.Comment("note"))
}

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEnvelope(t *testing.T, b []byte) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(b, &resp), string(b))
	return resp
}

func TestOutputFormatter_Success(t *testing.T) {
	tests := []struct {
		name   string
		format string
		data   any
		check  func(t *testing.T, out []byte)
	}{
		{
			name:   "json wraps data",
			format: "json",
			data:   MigrateResult{LegacyTable: true, Migrated: 3},
			check: func(t *testing.T, out []byte) {
				resp := decodeEnvelope(t, out)
				assert.Equal(t, "ok", resp.Status)
				assert.Nil(t, resp.Error)
				assert.Equal(t, map[string]any{"legacy_table": true, "migrated": float64(3), "dropped": float64(0)}, resp.Data)
			},
		},
		{
			name:   "text prints value",
			format: "text",
			data:   "No provenance entries.",
			check: func(t *testing.T, out []byte) {
				assert.Equal(t, "No provenance entries.\n", string(out))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			f := &OutputFormatter{Format: tt.format, Writer: buf}
			require.NoError(t, f.Success(tt.data))
			tt.check(t, buf.Bytes())
		})
	}
}

func TestOutputFormatter_Error(t *testing.T) {
	t.Run("json envelope", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: buf}
		require.NoError(t, f.Error(CodeOpenDatabase, "failed to open database", "unable to open database file"))

		resp := decodeEnvelope(t, buf.Bytes())
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeOpenDatabase, resp.Error.Code)
		assert.Equal(t, "failed to open database", resp.Error.Message)
		assert.Equal(t, "unable to open database file", resp.Error.Details)
	})

	t.Run("text hides details unless verbose", func(t *testing.T) {
		for _, verbose := range []bool{false, true} {
			buf := &bytes.Buffer{}
			f := &OutputFormatter{Format: "text", Writer: buf, Verbose: verbose}
			require.NoError(t, f.Error(CodeWalkRoot, "failed to walk root", "no such file or directory"))

			assert.Contains(t, buf.String(), "Error [E004]: failed to walk root")
			if verbose {
				assert.Contains(t, buf.String(), "Details: no such file or directory")
			} else {
				assert.NotContains(t, buf.String(), "Details:")
			}
		}
	})
}

func TestOutputFormatter_VerboseLogGoesToErrWriter(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: true}

	f.VerboseLog("read %d entries from %s", 2, "dlp.db")
	assert.Empty(t, out.String())
	assert.Equal(t, "read 2 entries from dlp.db\n", diag.String())

	quiet := &OutputFormatter{Format: "text", Writer: out}
	quiet.VerboseLog("dropped")
	assert.Empty(t, out.String())
	assert.Same(t, out, quiet.GetErrWriter())
}

func TestFail(t *testing.T) {
	cause := errors.New("disk I/O error")

	t.Run("json writes envelope", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: buf}
		err := fail(f, CodeReadStore, WrapExitError(ExitFailure, "failed to read provenance", cause))

		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.ErrorIs(t, err, cause)
		resp := decodeEnvelope(t, buf.Bytes())
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeReadStore, resp.Error.Code)
		assert.Equal(t, "disk I/O error", resp.Error.Details)
	})

	t.Run("text stays silent", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "text", Writer: buf}
		err := fail(f, CodeBadArgument, WrapExitError(ExitCommandError, `invalid inode "x"`, nil))

		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Equal(t, `invalid inode "x"`, err.Error())
		assert.Empty(t, buf.String())
	})
}

func TestProvenanceJSONErrorEnvelope(t *testing.T) {
	db := filepath.Join(t.TempDir(), "missing", "dlp.db")

	out, err := runProvenanceCmd(t, "json", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	resp := decodeEnvelope(t, []byte(out))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeOpenDatabase, resp.Error.Code)
}

func TestGetExitCode(t *testing.T) {
	wrapped := WrapExitError(ExitCommandError, "invalid configuration", errors.New("root is required"))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "invalid configuration: root is required", wrapped.Error())
	assert.Equal(t, ExitCommandError, GetExitCode(errors.Join(wrapped, errors.New("write"))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

package cli

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rendered struct{ Name string }

func (r rendered) RenderText(w io.Writer) {
	fmt.Fprintf(w, "hello %s\n", r.Name)
}

func TestOutputFormatter_Success(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}
	require.NoError(t, f.Success(map[string]int{"total": 2}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)

	buf.Reset()
	f.Format = "text"
	require.NoError(t, f.Success(rendered{Name: "station"}))
	assert.Equal(t, "hello station\n", buf.String())

	buf.Reset()
	require.NoError(t, f.Success("plain"))
	assert.Equal(t, "plain\n", buf.String())
}

func TestOutputFormatter_Error(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}
	require.NoError(t, f.Error("TICKET_UNKNOWN", "ticket GRAD-9 does not belong to this ceremony", nil))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "TICKET_UNKNOWN", resp.Error.Code)

	buf.Reset()
	f.Format = "text"
	require.NoError(t, f.Error("E1", "boom", nil))
	assert.Equal(t, "Error [E1]: boom\n", buf.String())
}

func TestExitError(t *testing.T) {
	base := stderrors.New("disk full")
	err := WrapExitError(ExitCommandError, "failed to open station", base)

	assert.Equal(t, "failed to open station: disk full", err.Error())
	assert.True(t, stderrors.Is(err, base))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("run: %w", err)))
	assert.Equal(t, ExitFailure, GetExitCode(base))
	assert.Equal(t, "plain", NewExitError(ExitFailure, "plain").Error())
}

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndSplit(t *testing.T) {
	raw := Build(CodeLogin, "alice@example.com", "hunter2")
	assert.Equal(t, "LOGN~alice@example.com~hunter2", raw)

	code, rest, err := Split(raw)
	require.NoError(t, err)
	assert.Equal(t, CodeLogin, code)
	assert.Equal(t, "alice@example.com~hunter2", rest)

	args, err := CutArgs(rest, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com", "hunter2"}, args)
}

func TestSplitBareCode(t *testing.T) {
	code, rest, err := Split("OUTT")
	require.NoError(t, err)
	assert.Equal(t, CodeLogout, code)
	assert.Empty(t, rest)
}

func TestSplitRejectsMalformedFrames(t *testing.T) {
	_, _, err := Split("AB")
	assert.Error(t, err, "short frame must be rejected")

	// A fifth character that is not the separator is garbage.
	_, _, err = Split("LOGNx")
	assert.Error(t, err)
}

func TestLastArgumentKeepsSeparators(t *testing.T) {
	// SAVF carries a JSON body whose content may contain the separator.
	body := `{"path":"a.py","content":"x = '~'~ more"}`
	code, rest, err := Split(Build(CodeSaveFile, body))
	require.NoError(t, err)
	assert.Equal(t, CodeSaveFile, code)

	args, err := CutArgs(rest, 1)
	require.NoError(t, err)
	assert.Equal(t, body, args[0])
}

func TestCutArgsArityMismatch(t *testing.T) {
	_, err := CutArgs("only-one", 2)
	assert.Error(t, err)
}

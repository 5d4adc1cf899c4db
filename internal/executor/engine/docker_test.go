package engine

import (
	"archive/tar"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namnv2496/go-codelab/internal/errors"
)

func TestBuildContextHoldsDockerfile(t *testing.T) {
	r, err := buildContext("FROM alpine:3.20\nCMD [\"bash\"]\n")
	require.NoError(t, err)

	tr := tar.NewReader(r)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "Dockerfile", hdr.Name)

	body, err := io.ReadAll(tr)
	require.NoError(t, err)
	assert.Contains(t, string(body), "FROM alpine:3.20")

	_, err = tr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecodeBuildStreamCollectsLogs(t *testing.T) {
	stream := `{"stream":"Step 1/3 : FROM alpine\n"}
{"stream":" ---> 1234\n"}
{"aux":{"ID":"sha256:abc"}}
{"stream":"Successfully tagged codelab-1:latest\n"}
`
	logs, err := decodeBuildStream(strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, "Step 1/3 : FROM alpine\n ---> 1234\nSuccessfully tagged codelab-1:latest\n", logs)
}

func TestDecodeBuildStreamSurfacesErrors(t *testing.T) {
	stream := `{"stream":"Step 1/3 : FROM nope\n"}
{"errorDetail":{"message":"pull access denied for nope"},"error":"pull access denied for nope"}
`
	logs, err := decodeBuildStream(strings.NewReader(stream))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAPI))
	assert.Contains(t, err.Error(), "pull access denied")
	assert.Contains(t, logs, "FROM nope")
}

func TestParseTime(t *testing.T) {
	assert.True(t, parseTime("").IsZero())
	assert.True(t, parseTime("garbage").IsZero())

	ts := parseTime("2024-06-01T10:00:00.123456789Z")
	assert.Equal(t, 2024, ts.Year())
	assert.Equal(t, 10, ts.Hour())
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil, "noop"))
	err := classify(errors.New("boom"), "start container x")
	assert.True(t, errors.Is(err, ErrAPI))
	assert.False(t, errors.Is(err, ErrNotFound))
}

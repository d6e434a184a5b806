package indexcodec_test

import (
	"testing"

	"github.com/kellnr/kellnr/indexcodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleLines() []indexcodec.Line {
	return []indexcodec.Line{
		{
			Name: "demo", Vers: "0.1.0", Cksum: "abc123",
			Deps:     []indexcodec.Dependency{{Name: "log", Req: "^0.4", Kind: "normal", DefaultFeatures: true}},
			Features: map[string][]string{"default": {}},
			V:        2,
		},
		{
			Name: "demo", Vers: "0.2.0", Cksum: "def456",
			Deps:     []indexcodec.Dependency{},
			Features: map[string][]string{},
			Yanked:   true,
			V:        2,
		},
	}
}

func TestEncodeAllJoinsWithoutTrailingNewline(t *testing.T) {
	out, err := indexcodec.EncodeAll(sampleLines())
	require.NoError(t, err)
	assert.NotEqual(t, byte('\n'), out[len(out)-1])
	assert.Equal(t, 1, bytesCount(out, '\n'))
}

func bytesCount(b []byte, c byte) int {
	n := 0
	for _, x := range b {
		if x == c {
			n++
		}
	}
	return n
}

func TestRoundTrip(t *testing.T) {
	lines := sampleLines()
	encoded, err := indexcodec.EncodeAll(lines)
	require.NoError(t, err)

	decoded, err := indexcodec.DecodeAll(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, len(lines))
	assert.Equal(t, lines[0].Name, decoded[0].Name)
	assert.Equal(t, lines[1].Yanked, decoded[1].Yanked)

	reEncoded, err := indexcodec.EncodeAll(decoded)
	require.NoError(t, err)
	assert.Equal(t, encoded, reEncoded)
}

func TestETagStableAcrossEqualInput(t *testing.T) {
	lines := sampleLines()
	e1, err := indexcodec.ETag(lines)
	require.NoError(t, err)
	e2, err := indexcodec.ETag(sampleLines())
	require.NoError(t, err)
	assert.Equal(t, e1, e2)
}

func TestETagChangesWithContent(t *testing.T) {
	lines := sampleLines()
	base, err := indexcodec.ETag(lines)
	require.NoError(t, err)

	lines[0].Yanked = true
	changed, err := indexcodec.ETag(lines)
	require.NoError(t, err)
	assert.NotEqual(t, base, changed)
}

func TestDecodeAllSkipsBlankLines(t *testing.T) {
	input := []byte(`{"name":"a","vers":"1.0.0","deps":[],"cksum":"x","features":{},"yanked":false,"v":2}

{"name":"a","vers":"1.0.1","deps":[],"cksum":"y","features":{},"yanked":false,"v":2}
`)
	lines, err := indexcodec.DecodeAll(input)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

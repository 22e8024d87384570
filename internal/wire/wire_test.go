package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLine_Put(t *testing.T) {
	cmd, err := ParseLine("PUT|hello|world\n")
	require.NoError(t, err)
	require.Equal(t, VerbPut, cmd.Verb)
	require.Equal(t, []string{"hello", "world"}, cmd.Args)
}

func TestParseLine_Get(t *testing.T) {
	cmd, err := ParseLine("GET|hello")
	require.NoError(t, err)
	require.Equal(t, VerbGet, cmd.Verb)
	require.Equal(t, []string{"hello"}, cmd.Args)
}

func TestParseLine_Ping(t *testing.T) {
	cmd, err := ParseLine("PING")
	require.NoError(t, err)
	require.Equal(t, VerbPing, cmd.Verb)
	require.Empty(t, cmd.Args)
}

func TestParseLine_BatchRequiresEvenArgs(t *testing.T) {
	_, err := ParseLine("BATCH|k1|v1|k2")
	require.Error(t, err)

	cmd, err := ParseLine("BATCH|k1|v1|k2|v2")
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "v1", "k2", "v2"}, cmd.Args)
}

func TestParseLine_UnknownVerb(t *testing.T) {
	_, err := ParseLine("FROB|x")
	require.Error(t, err)
}

func TestParseLine_WrongArgCount(t *testing.T) {
	_, err := ParseLine("GET|a|b")
	require.Error(t, err)

	_, err = ParseLine("PING|x")
	require.Error(t, err)
}

func TestEncodeResponses(t *testing.T) {
	require.Equal(t, "OK", OK())
	require.Equal(t, "VALUE|world", Value([]byte("world")))
	require.Equal(t, "NOTFOUND", NotFound())
	require.Equal(t, "PONG", Pong())
	require.Equal(t, "RANGE", Range(nil, nil))
	require.Equal(t, "RANGE|a|1|b|2", Range([][]byte{[]byte("a"), []byte("b")}, [][]byte{[]byte("1"), []byte("2")}))
}

func TestCommand_Encode(t *testing.T) {
	c := Command{Verb: VerbPut, Args: []string{"k", "v"}}
	require.Equal(t, "PUT|k|v", c.Encode())

	c2 := Command{Verb: VerbPing}
	require.Equal(t, "PING", c2.Encode())
}

package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestCodecIsRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	require.NotNil(t, c, "json codec not registered")

	in := &QueryReply{
		Records: []*Record{{Id: "p1", Type: "Pet", ParentId: "o1", Data: []byte(`{"name":"rex"}`), Revision: 3}},
		Cursor:  "abc",
	}
	data, err := c.Marshal(in)
	require.NoError(t, err)

	out := new(QueryReply)
	require.NoError(t, c.Unmarshal(data, out))
	require.Equal(t, in, out)
}

func TestEmptyCursorIsOmitted(t *testing.T) {
	data, err := encoding.GetCodec(CodecName).Marshal(&QueryReply{})
	require.NoError(t, err)
	require.JSONEq(t, `{"records":null}`, string(data))
}

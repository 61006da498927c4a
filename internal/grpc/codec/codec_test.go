package codec

import (
	"testing"

	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestCodecIsRegistered(t *testing.T) {
	c := encoding.GetCodec(Name)
	require.NotNil(t, c)
	assert.Equal(t, Name, c.Name())
}

func TestCodecUsesWireFieldNames(t *testing.T) {
	data, err := Codec{}.Marshal(&protocol.ConsoleChunk{AgentUUID: "A1", BuildID: 3, Seq: 1, Lines: []string{"x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"agent_uuid":"A1","build_id":3,"seq":1,"lines":["x"]}`, string(data))

	var ack protocol.ConsoleAck
	require.NoError(t, Codec{}.Unmarshal([]byte(`{"next_seq":4,"ignored":true}`), &ack))
	assert.Equal(t, protocol.ConsoleAck{NextSeq: 4, Ignored: true}, ack)
}

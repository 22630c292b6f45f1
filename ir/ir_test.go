package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpcodeValid(t *testing.T) {
	assert.True(t, OpTrigger.Valid())
	assert.True(t, OpHandleRemoteCmd.Valid())
	assert.False(t, Opcode("NOT_AN_OPCODE").Valid())
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2, "c": []interface{}{1, 2, 3}}
	b := map[string]interface{}{"c": []interface{}{1, 2, 3}, "a": 2, "b": 1}

	outA, err := CanonicalJSON(a)
	require.NoError(t, err)
	outB, err := CanonicalJSON(b)
	require.NoError(t, err)

	assert.Equal(t, string(outA), string(outB))
	assert.Equal(t, `{"a":2,"b":1,"c":[1,2,3]}`, string(outA))
}

func TestSliceChecksumStable(t *testing.T) {
	instrs := []Instruction{
		{Index: 0, Opcode: OpTransform, Dest: "r0"},
		{Index: 1, Opcode: OpCallService, Dest: "r1", Src: []string{"r0"}},
	}
	sum1, err := SliceChecksum(instrs)
	require.NoError(t, err)
	sum2, err := SliceChecksum(instrs)
	require.NoError(t, err)
	assert.Equal(t, sum1, sum2)
	assert.Len(t, sum1, 64)
}

func TestChecksumChangesOnMutation(t *testing.T) {
	instrs := []Instruction{{Index: 0, Opcode: OpTransform, Dest: "r0"}}
	sum1, err := SliceChecksum(instrs)
	require.NoError(t, err)

	instrs[0].Dest = "r1"
	sum2, err := SliceChecksum(instrs)
	require.NoError(t, err)

	assert.NotEqual(t, sum1, sum2)
}

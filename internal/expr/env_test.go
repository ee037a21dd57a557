package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileAndEvalBool(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`quality >= 0.4 && agent != "nexus"`)
	require.NoError(t, err)
	require.Equal(t, `quality >= 0.4 && agent != "nexus"`, program.Source())

	ok, err := program.EvalBool(map[string]any{
		"agent":    "blaze",
		"quality":  0.9,
		"response": map[string]any{"content": "plan"},
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = program.EvalBool(map[string]any{
		"agent":    "nexus",
		"quality":  0.9,
		"response": map[string]any{},
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompileResponseLookup(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`"confidence" in response && double(response["confidence"]) > 0.2`)
	require.NoError(t, err)

	ok, err := program.EvalBool(map[string]any{
		"agent":    "nova",
		"quality":  0.5,
		"response": map[string]any{"confidence": 0.8},
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = program.EvalBool(map[string]any{
		"agent":    "nova",
		"quality":  0.5,
		"response": map[string]any{},
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompileRejectsEmptyAndNonBool(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile("   ")
	require.Error(t, err)

	_, err = env.Compile(`agent`)
	require.Error(t, err, "string-typed expression must be rejected")
}

func TestEvalUninitializedProgram(t *testing.T) {
	var program Program
	_, err := program.EvalBool(map[string]any{})
	require.Error(t, err)
}

package tools

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/telepersona/internal/providers"
)

type stubTool struct {
	name      string
	functions []string
	executed  []string
}

func (s *stubTool) Name() string { return s.name }

func (s *stubTool) Definitions() []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	for _, fn := range s.functions {
		defs = append(defs, providers.ToolDefinition{
			Type:     "function",
			Function: providers.ToolFunctionSchema{Name: fn},
		})
	}
	return defs
}

func (s *stubTool) Execute(_ context.Context, _ int64, name string, _ map[string]interface{}) *Result {
	s.executed = append(s.executed, name)
	return NewResult("ran " + name)
}

func (s *stubTool) Instruction() string { return "[" + s.name + "]" }

func TestRegistryDispatchByFunctionName(t *testing.T) {
	multi := &stubTool{name: "voice", functions: []string{"speak", "list_voices"}}
	reg := NewRegistry(slog.Default(), multi)

	res := reg.Execute(context.Background(), 1, "list_voices", nil)
	require.NotNil(t, res)
	assert.Equal(t, "ran list_voices", res.ForLLM)
	assert.Equal(t, []string{"list_voices"}, multi.executed)
}

func TestRegistryUnknownFunction(t *testing.T) {
	reg := NewRegistry(slog.Default(), &stubTool{name: "a", functions: []string{"fn_a"}})
	res := reg.Execute(context.Background(), 1, "fn_missing", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "fn_missing")
}

func TestRegistryForUserFiltersByToolName(t *testing.T) {
	a := &stubTool{name: "a", functions: []string{"fn_a"}}
	b := &stubTool{name: "b", functions: []string{"fn_b"}}
	reg := NewRegistry(slog.Default(), a, b).ForUser([]string{"b"})

	defs := reg.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "fn_b", defs[0].Function.Name)

	res := reg.Execute(context.Background(), 1, "fn_a", nil)
	assert.True(t, res.IsError, "disabled tools are not callable")
	assert.Equal(t, "[b]", reg.Instructions())
}

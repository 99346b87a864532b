package tools

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`  // content sent back to the LLM
	Silent  bool   `json:"silent"`   // no content worth relaying; LLM sees "OK"
	IsError bool   `json:"is_error"` // marks error
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult() *Result {
	return &Result{ForLLM: "OK", Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

package tools

// Result is the unified return type from tool execution. The ForLLM string is
// what gets spliced into the conversation as the tool result; IsError only
// flags it for logging and event payloads, the model sees the text either way.
type Result struct {
	ForLLM  string `json:"for_llm"`
	IsError bool   `json:"is_error"`
	Err     error  `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

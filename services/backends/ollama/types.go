package ollama

import "github.com/halbert/dispatch/services/backends"

// Ollama native API request/response types

type generateOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature"`
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []backends.ChatMessage `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  generateOptions        `json:"options"`
}

type chatResponse struct {
	Model           string               `json:"model"`
	Message         backends.ChatMessage `json:"message"`
	Done            bool                 `json:"done"`
	PromptEvalCount int                  `json:"prompt_eval_count"`
	EvalCount       int                  `json:"eval_count"`
}

type generateRequest struct {
	Model     string           `json:"model"`
	Prompt    string           `json:"prompt,omitempty"`
	Stream    bool             `json:"stream"`
	Options   *generateOptions `json:"options,omitempty"`
	KeepAlive *int             `json:"keep_alive,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

type tagsResponse struct {
	Models []tagModel `json:"models"`
}

type tagModel struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

type psResponse struct {
	Models []psModel `json:"models"`
}

type psModel struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	SizeVRAM int64  `json:"size_vram"`
}

type errorResponse struct {
	Error string `json:"error"`
}

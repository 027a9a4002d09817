package embed

// ollamaEmbedRequest is the request body for POST /api/embed.
// Input is either a single string or a []string for batches.
type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

// ollamaEmbedResponse is the response body for POST /api/embed.
type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// ollamaModelInfo describes one installed model from GET /api/tags.
type ollamaModelInfo struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

// ollamaModelListResponse is the response body for GET /api/tags.
type ollamaModelListResponse struct {
	Models []ollamaModelInfo `json:"models"`
}

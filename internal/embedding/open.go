package embedding

import (
	"go.uber.org/zap"
)

// Open returns the ONNX embedder for modelPath, or a MockEmbedder when no model
// is configured or it cannot be loaded. The result is wrapped in a cache when
// cacheSize > 0.
func Open(modelPath string, dimensions, maxTokens, cacheSize int, logger *zap.Logger) Embedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	var emb Embedder
	if modelPath != "" {
		onnx, err := NewONNXEmbedder(modelPath, dimensions, maxTokens)
		if err != nil {
			logger.Warn("onnx embedder unavailable, using hashed embeddings",
				zap.String("model_path", modelPath), zap.Error(err))
		} else {
			emb = onnx
		}
	}
	if emb == nil {
		emb = NewMockEmbedder(dimensions)
	}
	if cacheSize > 0 {
		return NewCachedEmbedder(emb, cacheSize)
	}
	return emb
}

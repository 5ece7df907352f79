//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/kioku/pkg/utils"
)

// maxWindows bounds inference passes for a single message.
const maxWindows = 8

// modelIO holds the tensors bound to the session. Inputs are rewritten before
// each Run and the pooled output is read back in place.
type modelIO struct {
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	output        *ort.Tensor[float32]
}

func newModelIO(maxTokens, dimensions int) (*modelIO, error) {
	t := &modelIO{}
	shape := ort.NewShape(1, int64(maxTokens))
	var err error
	if t.inputIDs, err = ort.NewEmptyTensor[int64](shape); err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	if t.attentionMask, err = ort.NewEmptyTensor[int64](shape); err != nil {
		t.destroy()
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	if t.tokenTypeIDs, err = ort.NewEmptyTensor[int64](shape); err != nil {
		t.destroy()
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	if t.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dimensions))); err != nil {
		t.destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}
	return t, nil
}

func (t *modelIO) inputs() []ort.ArbitraryTensor {
	return []ort.ArbitraryTensor{t.inputIDs, t.attentionMask, t.tokenTypeIDs}
}

func (t *modelIO) destroy() {
	if t.inputIDs != nil {
		_ = t.inputIDs.Destroy()
		t.inputIDs = nil
	}
	if t.attentionMask != nil {
		_ = t.attentionMask.Destroy()
		t.attentionMask = nil
	}
	if t.tokenTypeIDs != nil {
		_ = t.tokenTypeIDs.Destroy()
		t.tokenTypeIDs = nil
	}
	if t.output != nil {
		_ = t.output.Destroy()
		t.output = nil
	}
}

// ONNXEmbedder runs a sentence-embedding model with ONNX Runtime. It requires
// CGO and the onnxruntime shared library. Messages longer than the model's
// token limit are embedded in word windows and mean-pooled, so a long
// assistant answer is not reduced to its first paragraph.
type ONNXEmbedder struct {
	mu         sync.Mutex
	session    *ort.AdvancedSession
	tensors    *modelIO
	tokenizer  Tokenizer
	dimensions int
	maxTokens  int
}

// NewONNXEmbedder loads the model at modelPath.
func NewONNXEmbedder(modelPath string, dimensions, maxTokens int) (*ONNXEmbedder, error) {
	if maxTokens <= 2 {
		maxTokens = 256
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}
	tensors, err := newModelIO(maxTokens, dimensions)
	if err != nil {
		return nil, err
	}
	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"output"},
		tensors.inputs(),
		[]ort.ArbitraryTensor{tensors.output},
		nil,
	)
	if err != nil {
		tensors.destroy()
		return nil, fmt.Errorf("failed to create ONNX session for %s: %w", modelPath, err)
	}
	return &ONNXEmbedder{
		session:    session,
		tensors:    tensors,
		tokenizer:  &SimpleTokenizer{},
		dimensions: dimensions,
		maxTokens:  maxTokens,
	}, nil
}

// Embed runs inference for text and returns a unit-length vector.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, fmt.Errorf("onnx embedder is closed")
	}

	words := SplitWords(utils.NormalizeText(text))
	// Two positions are taken by [CLS] and [SEP].
	chunks := wordWindows(words, e.maxTokens-2, maxWindows)
	if len(chunks) == 0 {
		chunks = [][]string{nil}
	}

	pooled := make([]float32, e.dimensions)
	var total float32
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := e.run(strings.Join(chunk, " "))
		if err != nil {
			return nil, err
		}
		weight := float32(len(chunk))
		if weight == 0 {
			weight = 1
		}
		for i := range pooled {
			pooled[i] += out[i] * weight
		}
		total += weight
	}
	for i := range pooled {
		pooled[i] /= total
	}
	utils.NormalizeL2(pooled)
	return pooled, nil
}

// run embeds one window. The caller holds e.mu.
func (e *ONNXEmbedder) run(text string) ([]float32, error) {
	ids, mask, types := e.tokenizer.Tokenize(text, e.maxTokens)
	copy(e.tensors.inputIDs.GetData(), ids)
	copy(e.tensors.attentionMask.GetData(), mask)
	copy(e.tensors.tokenTypeIDs.GetData(), types)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return e.tensors.output.GetData()[:e.dimensions], nil
}

// EmbedBatch calls Embed for each text.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, e, texts)
}

// Dimensions returns the embedding dimension.
func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Close destroys the session and tensors. Embed fails after Close.
func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.tensors != nil {
		e.tensors.destroy()
		e.tensors = nil
	}
	return err
}

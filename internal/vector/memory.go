package vector

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

// MemoryIndex is an in-memory message vector backend using brute-force cosine search.
// Suitable for tests and single-user installs.
type MemoryIndex struct {
	dimensions int
	maxBatch   int
	ids        []string
	vectors    [][]float32
	payloads   []map[string]any
	pos        map[string]int
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory index with the given dimension. maxBatch
// bounds the records accepted per write; zero or less means unbounded.
func NewMemoryIndex(dimensions, maxBatch int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		maxBatch:   maxBatch,
		pos:        make(map[string]int),
	}, nil
}

// Type returns the backend type identifier.
func (m *MemoryIndex) Type() string {
	return string(BackendMemory)
}

// MaxBatchSize returns the per-write record ceiling.
func (m *MemoryIndex) MaxBatchSize() int {
	return m.maxBatch
}

// Add stores vectors with the given IDs. An existing ID is replaced.
func (m *MemoryIndex) Add(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]any) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	if payloads != nil && len(payloads) != len(ids) {
		return fmt.Errorf("ids and payloads length mismatch")
	}
	if err := checkBatch(len(ids), m.maxBatch); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		if len(vectors[i]) != m.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vectors[i]), m.dimensions)
		}
		vec := make([]float32, m.dimensions)
		copy(vec, vectors[i])
		payload := map[string]any{}
		if payloads != nil {
			for k, v := range payloads[i] {
				payload[k] = v
			}
		}
		if p, ok := m.pos[id]; ok {
			m.vectors[p] = vec
			m.payloads[p] = payload
			continue
		}
		m.pos[id] = len(m.ids)
		m.ids = append(m.ids, id)
		m.vectors = append(m.vectors, vec)
		m.payloads = append(m.payloads, payload)
	}
	return nil
}

// UpsertMetadata merges payload fields into stored vectors. Unknown IDs are skipped.
func (m *MemoryIndex) UpsertMetadata(ctx context.Context, records []MetadataRecord) error {
	if err := checkBatch(len(records), m.maxBatch); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		p, ok := m.pos[r.ID]
		if !ok {
			continue
		}
		for k, v := range r.Payload {
			m.payloads[p][k] = v
		}
	}
	return nil
}

// Payload returns a copy of the payload stored for id.
func (m *MemoryIndex) Payload(id string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pos[id]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(m.payloads[p]))
	for k, v := range m.payloads[p] {
		out[k] = v
	}
	return out, true
}

// QueryByEmbedding returns the top-k messages by cosine similarity, ties broken by ID.
func (m *MemoryIndex) QueryByEmbedding(ctx context.Context, query []float32, k int) ([]models.BaseResult, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}
	scores := make([]models.BaseResult, len(m.ids))
	for i, vec := range m.vectors {
		scores[i] = models.BaseResult{ID: m.ids[i], BaseSimilarity: utils.Cosine(query, vec)}
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].BaseSimilarity != scores[j].BaseSimilarity {
			return scores[i].BaseSimilarity > scores[j].BaseSimilarity
		}
		return scores[i].ID < scores[j].ID
	})
	if k > len(scores) {
		k = len(scores)
	}
	return scores[:k], nil
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}

// Save persists the index to path. Directory is created if needed. Format: dimension (4), n (4),
// then per entry: idLen (4), id bytes, vector (dimension*4 bytes), payloadLen (4), payload JSON.
func (m *MemoryIndex) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer f.Close()
	if err := binary.Write(f, binary.LittleEndian, uint32(m.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(m.ids))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for i, id := range m.ids {
		if err := writeChunk(f, []byte(id)); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		if _, err := f.Write(float32SliceToBytes(m.vectors[i])); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
		payload, err := json.Marshal(m.payloads[i])
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		if err := writeChunk(f, payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// Load reads the index from path and replaces the in-memory contents. Dimensions must match.
// If the file does not exist, no error is returned and the index is unchanged.
func (m *MemoryIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	var dim, n uint32
	if err := binary.Read(f, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, index expects %d", dim, m.dimensions)
	}
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	ids := make([]string, 0, n)
	vectors := make([][]float32, 0, n)
	payloads := make([]map[string]any, 0, n)
	pos := make(map[string]int, n)
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		id, err := readChunk(f)
		if err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		if _, err := io.ReadFull(f, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		raw, err := readChunk(f)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		payload := map[string]any{}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		pos[string(id)] = len(ids)
		ids = append(ids, string(id))
		vectors = append(vectors, bytesToFloat32Slice(buf))
		payloads = append(payloads, payload)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids, m.vectors, m.payloads, m.pos = ids, vectors, payloads, pos
	return nil
}

func writeChunk(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readChunk(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}

package corpus

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
)

// Memory is an in-process Corpus and ModelRegistry.
type Memory struct {
	mu     sync.RWMutex
	docs   map[string][]string
	chunks map[string][]common.Chunk
	models map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		docs:   make(map[string][]string),
		chunks: make(map[string][]common.Chunk),
		models: make(map[string]string),
	}
}

// AddDocument registers a document and its chunks under a knowledge base.
func (m *Memory) AddDocument(kbID, documentID string, chunks ...common.Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(m.docs[kbID], documentID) {
		m.docs[kbID] = append(m.docs[kbID], documentID)
		sort.Strings(m.docs[kbID])
	}
	for i := range chunks {
		chunks[i].DocumentID = documentID
	}
	m.chunks[documentID] = append(m.chunks[documentID], chunks...)
}

func (m *Memory) SetModel(domainID, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[domainID] = model
}

func (m *Memory) GetChunks(_ context.Context, documentID string) ([]common.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := slices.Clone(m.chunks[documentID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *Memory) CountDocuments(_ context.Context, kbID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.docs[kbID])), nil
}

func (m *Memory) ListDocumentIDs(_ context.Context, kbID, after string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, id := range m.docs[kbID] {
		if id <= after {
			continue
		}
		out = append(out, id)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) GetActiveExtractionModel(_ context.Context, domainID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	model, ok := m.models[domainID]
	if !ok {
		return "", fmt.Errorf("domain %q: %w", domainID, ErrNoModel)
	}
	return model, nil
}

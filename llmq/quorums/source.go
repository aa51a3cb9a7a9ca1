package quorums

import (
	"sync"

	"llmqd/db"
	"llmqd/logs"
	"llmqd/types"
)

// DBCommitmentSource 承诺保存在 badger 中
type DBCommitmentSource struct {
	db     *db.Manager
	logger logs.Logger
}

// NewDBCommitmentSource 创建
func NewDBCommitmentSource(dbm *db.Manager) *DBCommitmentSource {
	return &DBCommitmentSource{db: dbm, logger: logs.NewLogger("Commitments")}
}

// AddCommitment 写入一个挖出的承诺
func (s *DBCommitmentSource) AddCommitment(c *types.FinalCommitment) error {
	return s.db.SaveCommitment(c)
}

func (s *DBCommitmentSource) GetCommitment(llmqType types.LLMQType, quorumHash types.Hash) (*types.FinalCommitment, bool) {
	c, err := s.db.GetCommitment(llmqType, quorumHash)
	if err != nil {
		if !db.IsNotFound(err) {
			s.logger.Warn("read commitment %d/%s: %v", llmqType, quorumHash, err)
		}
		return nil, false
	}
	return c, true
}

func (s *DBCommitmentSource) ListCommitments(llmqType types.LLMQType) []*types.FinalCommitment {
	list, err := s.db.ListCommitments(llmqType)
	if err != nil {
		s.logger.Warn("list commitments %d: %v", llmqType, err)
	}
	return list
}

// MemoryCommitmentSource 内存实现，测试用
type MemoryCommitmentSource struct {
	mu          sync.RWMutex
	commitments map[types.LLMQType]map[types.Hash]*types.FinalCommitment
}

func NewMemoryCommitmentSource() *MemoryCommitmentSource {
	return &MemoryCommitmentSource{commitments: make(map[types.LLMQType]map[types.Hash]*types.FinalCommitment)}
}

func (s *MemoryCommitmentSource) AddCommitment(c *types.FinalCommitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.commitments[c.LLMQType]
	if !ok {
		m = make(map[types.Hash]*types.FinalCommitment)
		s.commitments[c.LLMQType] = m
	}
	m[c.QuorumHash] = c
	return nil
}

func (s *MemoryCommitmentSource) GetCommitment(llmqType types.LLMQType, quorumHash types.Hash) (*types.FinalCommitment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commitments[llmqType][quorumHash]
	return c, ok
}

func (s *MemoryCommitmentSource) ListCommitments(llmqType types.LLMQType) []*types.FinalCommitment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.FinalCommitment, 0, len(s.commitments[llmqType]))
	for _, c := range s.commitments[llmqType] {
		out = append(out, c)
	}
	return out
}

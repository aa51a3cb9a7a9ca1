// llmq/quorums/manager.go
// Quorum 管理器：由最终承诺构建 quorum，读写本地 DKG 产物

package quorums

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring"
	lru "github.com/hashicorp/golang-lru"
	"go.dedis.ch/kyber/v3/share"

	"llmqd/config"
	"llmqd/db"
	"llmqd/interfaces"
	"llmqd/logs"
	"llmqd/types"
	"llmqd/utils"
)

// Manager 实现 Registry 与 ArtifactStore
type Manager struct {
	netParams config.NetworkParams
	localPro  types.Hash
	chain     interfaces.ChainView
	source    CommitmentSource
	db        *db.Manager
	logger    logs.Logger

	quorumCache *lru.Cache // cacheKey -> *types.Quorum
	polyCache   *lru.Cache // cacheKey -> *share.PubPoly
}

var (
	_ Registry      = (*Manager)(nil)
	_ ArtifactStore = (*Manager)(nil)
)

// NewManager 创建 quorum 管理器
func NewManager(cfg *config.Config, chain interfaces.ChainView, source CommitmentSource, dbm *db.Manager) (*Manager, error) {
	netParams, ok := config.GetNetworkParams(cfg.Network.Name)
	if !ok {
		return nil, fmt.Errorf("unknown network %q", cfg.Network.Name)
	}
	size := cfg.Database.QuorumCacheSize
	if size <= 0 {
		size = 100
	}
	quorumCache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	polyCache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Manager{
		netParams:   netParams,
		localPro:    cfg.Node.ProTxHash,
		chain:       chain,
		source:      source,
		db:          dbm,
		logger:      logs.NewLogger("Quorums"),
		quorumCache: quorumCache,
		polyCache:   polyCache,
	}, nil
}

func cacheKey(llmqType types.LLMQType, quorumHash types.Hash) string {
	return fmt.Sprintf("%d_%s", llmqType, quorumHash)
}

// LocalProTxHash 本节点的 masternode 身份
func (m *Manager) LocalProTxHash() types.Hash {
	return m.localPro
}

// NetworkParams 当前网络参数
func (m *Manager) NetworkParams() config.NetworkParams {
	return m.netParams
}

// ========== Registry ==========

func (m *Manager) IsKnownType(llmqType types.LLMQType) bool {
	return m.netParams.IsEnabled(llmqType)
}

func (m *Manager) LookupBlock(hash types.Hash) (*types.BlockHeader, bool) {
	return m.chain.LookupBlock(hash)
}

// GetQuorum 构建（或从缓存取出）quorum
func (m *Manager) GetQuorum(llmqType types.LLMQType, quorumHash types.Hash) (*types.Quorum, error) {
	if !m.IsKnownType(llmqType) {
		return nil, ErrQuorumTypeInvalid
	}
	key := cacheKey(llmqType, quorumHash)
	if v, ok := m.quorumCache.Get(key); ok {
		return v.(*types.Quorum), nil
	}
	c, ok := m.source.GetCommitment(llmqType, quorumHash)
	if !ok {
		return nil, ErrQuorumNotFound
	}
	if _, ok := m.chain.LookupBlock(quorumHash); !ok {
		return nil, ErrQuorumNotFound
	}
	q := m.buildQuorum(c)
	m.quorumCache.Add(key, q)
	return q, nil
}

func (m *Manager) buildQuorum(c *types.FinalCommitment) *types.Quorum {
	params, _ := config.GetLLMQParams(c.LLMQType)
	q := &types.Quorum{
		Type:           c.LLMQType,
		Hash:           c.QuorumHash,
		Height:         c.QuorumHeight,
		Threshold:      params.Threshold,
		PublicKey:      c.QuorumPublicKey,
		VvecHash:       c.QuorumVvecHash,
		MinedBlockHash: c.MinedBlockHash,
		Members:        make([]*types.Member, len(c.Members)),
		CommittedValid: roaring.New(),
	}
	if c.ValidMembers != nil {
		q.CommittedValid = c.ValidMembers.Clone()
	}
	hasVvec, _ := m.db.HasVerificationVector(c.LLMQType, c.QuorumHash)
	for i, info := range c.Members {
		member := &types.Member{
			ProTxHash:             info.ProTxHash,
			OperatorPubKey:        info.OperatorPubKey,
			Index:                 i,
			IsValid:               c.ValidMembers != nil && c.ValidMembers.Contains(uint32(i)),
			HasVerificationVector: hasVvec,
		}
		if member.IsValid {
			invalid, err := m.db.IsMemberInvalid(c.LLMQType, c.QuorumHash, info.ProTxHash)
			if err != nil {
				m.logger.Warn("read member validity %s: %v", info.ProTxHash, err)
			}
			member.IsValid = !invalid
		}
		_, member.HasContributions = m.readContributions(c.LLMQType, c.QuorumHash, info.ProTxHash)
		q.Members[i] = member
	}
	return q
}

func (m *Manager) GetMember(q *types.Quorum, proTxHash types.Hash) (*types.Member, bool) {
	idx := q.MemberIndex(proTxHash)
	if idx < 0 {
		return nil, false
	}
	return q.Members[idx], true
}

func (m *Manager) ScanQuorums(llmqType types.LLMQType, baseHeight int32, count int) []*types.Quorum {
	if count <= 0 || !m.IsKnownType(llmqType) {
		return nil
	}
	var candidates []*types.FinalCommitment
	for _, c := range m.source.ListCommitments(llmqType) {
		if c.QuorumHeight > baseHeight || !m.chain.IsOnActiveChain(c.QuorumHash) {
			continue
		}
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].QuorumHeight != candidates[j].QuorumHeight {
			return candidates[i].QuorumHeight > candidates[j].QuorumHeight
		}
		return candidates[i].QuorumHash.String() < candidates[j].QuorumHash.String()
	})
	out := make([]*types.Quorum, 0, count)
	for _, c := range candidates {
		if len(out) == count {
			break
		}
		q, err := m.GetQuorum(llmqType, c.QuorumHash)
		if err != nil {
			continue
		}
		out = append(out, q)
	}
	return out
}

// ========== ArtifactStore ==========

// GetLocalArtifacts 本地 DKG 产物，缺失的字段为空
func (m *Manager) GetLocalArtifacts(q *types.Quorum) *types.DKGData {
	data := &types.DKGData{}
	vvec, err := m.db.GetVerificationVector(q.Type, q.Hash)
	if err == nil {
		data.VerificationVector = vvec
	} else if !db.IsNotFound(err) {
		m.logger.Warn("read vvec %s: %v", q.Hash, err)
	}
	sk, err := m.db.GetSecretKeyShare(q.Type, q.Hash)
	if err == nil {
		data.SecretKeyShare = sk
	} else if !db.IsNotFound(err) {
		m.logger.Warn("read sk share %s: %v", q.Hash, err)
	}
	if m.localPro != types.ZeroHash {
		data.EncryptedContributions, _ = m.readContributions(q.Type, q.Hash, m.localPro)
	}
	return data
}

// StoreArtifacts 保存本节点的 DKG 产物
func (m *Manager) StoreArtifacts(q *types.Quorum, data *types.DKGData) error {
	if err := m.db.SaveQuorumData(q.Type, q.Hash, data.VerificationVector, data.SecretKeyShare); err != nil {
		return err
	}
	if len(data.EncryptedContributions) > 0 && m.localPro != types.ZeroHash {
		if err := m.db.SaveEncryptedContributions(q.Type, q.Hash, m.localPro, data.EncryptedContributions); err != nil {
			return err
		}
	}
	m.invalidate(q)
	return nil
}

// StoreContributions 保存发给某成员的全部加密贡献（本节点作为 DKG 参与者看到的）
func (m *Manager) StoreContributions(q *types.Quorum, proTxHash types.Hash, contributions [][]byte) error {
	if err := m.db.SaveEncryptedContributions(q.Type, q.Hash, proTxHash, contributions); err != nil {
		return err
	}
	m.invalidate(q)
	return nil
}

// MarkMemberValidity 本地覆盖成员有效性；只能把链上有效的成员标记为无效或恢复有效
func (m *Manager) MarkMemberValidity(q *types.Quorum, proTxHash types.Hash, valid bool) error {
	if !q.IsMember(proTxHash) {
		return fmt.Errorf("%s is not a member of quorum %s", proTxHash, q.Hash)
	}
	if err := m.db.SetMemberInvalid(q.Type, q.Hash, proTxHash, !valid); err != nil {
		return err
	}
	m.invalidate(q)
	m.logger.Info("member %s of quorum %d/%s marked valid=%v", proTxHash, q.Type, q.Hash, valid)
	return nil
}

func (m *Manager) GetEncryptedContributions(q *types.Quorum, proTxHash types.Hash) ([][]byte, bool) {
	return m.readContributions(q.Type, q.Hash, proTxHash)
}

func (m *Manager) VerificationVector(q *types.Quorum) (*share.PubPoly, bool) {
	key := cacheKey(q.Type, q.Hash)
	if v, ok := m.polyCache.Get(key); ok {
		return v.(*share.PubPoly), true
	}
	vvec, err := m.db.GetVerificationVector(q.Type, q.Hash)
	if err != nil {
		return nil, false
	}
	poly, err := utils.ParseVerificationVector(vvec)
	if err != nil {
		m.logger.Warn("stored vvec for %s is unreadable: %v", q.Hash, err)
		return nil, false
	}
	m.polyCache.Add(key, poly)
	return poly, true
}

func (m *Manager) readContributions(llmqType types.LLMQType, quorumHash, proTxHash types.Hash) ([][]byte, bool) {
	list, err := m.db.GetEncryptedContributions(llmqType, quorumHash, proTxHash)
	if err != nil {
		if !db.IsNotFound(err) {
			m.logger.Warn("read contributions %s/%s: %v", quorumHash, proTxHash, err)
		}
		return nil, false
	}
	return list, len(list) > 0
}

func (m *Manager) invalidate(q *types.Quorum) {
	key := cacheKey(q.Type, q.Hash)
	m.quorumCache.Remove(key)
	m.polyCache.Remove(key)
}

// llmq/qdata/engine.go
// Quorum 数据交换：QGETDATA / QDATA 的处理与发送

package qdata

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.dedis.ch/kyber/v3/share"

	"llmqd/config"
	"llmqd/interfaces"
	"llmqd/llmq/dkg"
	"llmqd/llmq/quorums"
	"llmqd/logs"
	"llmqd/network"
	"llmqd/stats"
	"llmqd/types"
	"llmqd/utils"
)

var (
	// ErrPeerNotAuthenticated peer 既不是已认证 masternode 也不是 qwatch 连接
	ErrPeerNotAuthenticated = errors.New("peer is not a verified masternode or qwatch connection")
	// ErrInvalidDataMask 请求的掩码为空或含未知位
	ErrInvalidDataMask = errors.New("invalid data mask")
)

// Deps Engine 依赖集合
type Deps struct {
	Chain     interfaces.ChainView
	Registry  quorums.Registry
	Artifacts quorums.ArtifactStore
	Conn      *network.ConnManager
	Bus       interfaces.EventBus
	Stats     *stats.Stats
}

// Engine quorum 数据交换引擎
type Engine struct {
	cfg       config.QuorumDataConfig
	node      config.NodeConfig
	netParams config.NetworkParams

	chain     interfaces.ChainView
	registry  quorums.Registry
	artifacts quorums.ArtifactStore
	conn      *network.ConnManager
	bus       interfaces.EventBus
	stats     *stats.Stats
	logger    logs.Logger

	ledger *Ledger
	now    func() time.Time

	mu    sync.Mutex
	tasks map[string]*recoveryTask
	rng   *rand.Rand

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewEngine 创建引擎
func NewEngine(cfg *config.Config, deps Deps) (*Engine, error) {
	netParams, ok := config.GetNetworkParams(cfg.Network.Name)
	if !ok {
		return nil, fmt.Errorf("unknown network %q", cfg.Network.Name)
	}
	return &Engine{
		cfg:       cfg.QuorumData,
		node:      cfg.Node,
		netParams: netParams,
		chain:     deps.Chain,
		registry:  deps.Registry,
		artifacts: deps.Artifacts,
		conn:      deps.Conn,
		bus:       deps.Bus,
		stats:     deps.Stats,
		logger:    logs.NewLogger("QuorumData"),
		ledger:    NewLedger(utils.SipKey(cfg.QuorumData.LedgerSalt), cfg.QuorumData.RequestExpiry),
		now:       time.Now,
		tasks:     make(map[string]*recoveryTask),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:    make(chan struct{}),
	}, nil
}

// Ledger 请求账本
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// RegisterHandlers 把 QGETDATA / QDATA 注册到路由；inbox 非空时投递到 inbox 串行处理
func (e *Engine) RegisterHandlers(r *network.Router, inbox *network.Inbox) {
	getData := func(p *network.Peer, msg types.Message) {
		e.onGetData(p, msg.(*types.MsgQGetData))
	}
	data := func(p *network.Peer, msg types.Message) {
		e.HandleData(p, msg.(*types.MsgQData))
	}
	if inbox != nil {
		getData = network.Async(inbox, getData)
		data = network.Async(inbox, data)
	}
	r.Register(types.KindQGetData, getData)
	r.Register(types.KindQData, data)
}

func (e *Engine) onGetData(p *network.Peer, req *types.MsgQGetData) {
	resp, ok := e.HandleGetData(p, req)
	if !ok {
		return
	}
	if err := e.conn.PushMessage(p, resp); err != nil {
		e.logger.Debug("send qdata to %s: %v", p, err)
	}
}

// ========== QGETDATA ==========

// HandleGetData 处理数据请求；返回 false 表示不应答
func (e *Engine) HandleGetData(p *network.Peer, req *types.MsgQGetData) (*types.MsgQData, bool) {
	if !e.node.Masternode || !p.IsAuthenticated() {
		e.conn.Misbehaving(p, e.cfg.Penalties.Unauthenticated, "qgetdata-unauthenticated")
		return nil, false
	}

	now := e.now()
	key := RequestKey{Peer: p.ID, QuorumType: req.QuorumType, QuorumHash: req.QuorumHash, ProTxHash: req.ProTxHash}
	if _, err := e.ledger.Add(Inbound, key, req.DataMask, now); errors.Is(err, ErrAlreadyRequested) {
		// 重复请求照常应答，但计入请求量惩罚
		if e.conn.Misbehaving(p, e.cfg.Penalties.RequestLimit, "qgetdata-request-limit") {
			return nil, false
		}
	}

	resp := types.NewQDataFor(req)
	resp.Error = e.fillResponse(req, resp)
	if resp.Error != types.QDataErrNone {
		resp.VerificationVector = nil
		resp.EncryptedContributions = nil
	}
	e.stats.RecordQDataServed(resp.Error.String())
	e.logger.Debug("qgetdata from %s type=%d quorum=%s mask=%s -> %s",
		p, req.QuorumType, req.QuorumHash, req.DataMask, resp.Error)
	return resp, true
}

// fillResponse 按 (a)-(f) 顺序校验并填充数据
func (e *Engine) fillResponse(req *types.MsgQGetData, resp *types.MsgQData) types.QDataError {
	if !e.registry.IsKnownType(req.QuorumType) {
		return types.QDataErrQuorumTypeInvalid
	}
	if _, ok := e.registry.LookupBlock(req.QuorumHash); !ok {
		return types.QDataErrQuorumBlockNotFound
	}
	q, err := e.registry.GetQuorum(req.QuorumType, req.QuorumHash)
	if err != nil {
		return types.QDataErrQuorumNotFound
	}
	if needsRecipient(req.DataMask, req.ProTxHash) && !q.IsValidMember(req.ProTxHash) {
		return types.QDataErrMasternodeIsNoMember
	}
	if req.DataMask.Has(types.DataVerificationVector) {
		data := e.artifacts.GetLocalArtifacts(q)
		if !data.HasVerificationVector() {
			return types.QDataErrQuorumVerificationVectorMissing
		}
		resp.VerificationVector = data.VerificationVector
	}
	if req.DataMask.Has(types.DataEncryptedContributions) {
		enc, ok := e.artifacts.GetEncryptedContributions(q, req.ProTxHash)
		if !ok {
			return types.QDataErrEncryptedContributionsMissing
		}
		resp.EncryptedContributions = enc
	}
	return types.QDataErrNone
}

// needsRecipient 加密贡献请求，或者指定了接收者时，接收者必须是有效成员
func needsRecipient(mask types.DataMask, proTxHash types.Hash) bool {
	return mask.Has(types.DataEncryptedContributions) || proTxHash != types.ZeroHash
}

// ========== 发送请求 ==========

// RequestQuorumData 向 peer 发送 QGETDATA 并记录
func (e *Engine) RequestQuorumData(p *network.Peer, llmqType types.LLMQType, quorumHash types.Hash, mask types.DataMask, proTxHash types.Hash) error {
	if !p.IsConnected() {
		return network.ErrPeerDisconnected
	}
	if !p.IsAuthenticated() {
		return ErrPeerNotAuthenticated
	}
	if mask == 0 || !mask.Valid() {
		return ErrInvalidDataMask
	}
	if !e.registry.IsKnownType(llmqType) {
		return quorums.ErrQuorumTypeInvalid
	}
	if _, err := e.registry.GetQuorum(llmqType, quorumHash); err != nil {
		return err
	}
	key := RequestKey{Peer: p.ID, QuorumType: llmqType, QuorumHash: quorumHash, ProTxHash: proTxHash}
	if _, err := e.ledger.Add(Outbound, key, mask, e.now()); err != nil {
		return err
	}
	req := &types.MsgQGetData{QuorumType: llmqType, QuorumHash: quorumHash, DataMask: mask, ProTxHash: proTxHash}
	e.logger.Debug("request %s from %s type=%d quorum=%s", mask, p, llmqType, quorumHash)
	return e.conn.PushMessage(p, req)
}

// ========== QDATA ==========

// HandleData 处理数据应答：匹配请求、校验、保存
func (e *Engine) HandleData(p *network.Peer, msg *types.MsgQData) {
	pen := e.cfg.Penalties
	if !p.IsAuthenticated() {
		e.conn.Misbehaving(p, pen.Unauthenticated, "qdata-unauthenticated")
		return
	}

	now := e.now()
	key := RequestKey{Peer: p.ID, QuorumType: msg.QuorumType, QuorumHash: msg.QuorumHash, ProTxHash: msg.ProTxHash}
	prev, ok := e.ledger.MarkProcessed(Outbound, key, msg.DataMask, now)
	if !ok {
		e.stats.RecordQDataReceived("unsolicited")
		e.conn.Misbehaving(p, pen.Unsolicited, "qdata-unsolicited")
		return
	}
	if prev.Processed {
		e.stats.RecordQDataReceived("duplicate")
		e.conn.Misbehaving(p, pen.Unsolicited, "qdata-already-received")
		return
	}
	if prev.DataMask != msg.DataMask {
		e.stats.RecordQDataReceived("mismatch")
		e.conn.Misbehaving(p, pen.Mismatched, "qdata-mismatch")
		return
	}
	if msg.Error != types.QDataErrNone {
		e.stats.RecordQDataReceived("error")
		e.logger.Info("%s answered %s for quorum %s", p, msg.Error, msg.QuorumHash)
		e.noteAttemptDone(msg.QuorumType, msg.QuorumHash)
		return
	}

	q, err := e.registry.GetQuorum(msg.QuorumType, msg.QuorumHash)
	if err != nil {
		e.logger.Debug("qdata for unknown quorum %s: %v", msg.QuorumHash, err)
		return
	}

	data := &types.DKGData{}
	poly, hasPoly := e.artifacts.VerificationVector(q)
	if msg.DataMask.Has(types.DataVerificationVector) {
		parsed, err := e.validateVvec(q, msg.VerificationVector)
		if err != nil {
			e.stats.RecordQDataReceived("invalid-vvec")
			e.logger.Info("invalid vvec from %s for quorum %s: %v", p, q.Hash, err)
			e.conn.Misbehaving(p, pen.InvalidVvec, "qdata-invalid-vvec")
			return
		}
		data.VerificationVector = msg.VerificationVector
		poly, hasPoly = parsed, true
	}
	if msg.DataMask.Has(types.DataEncryptedContributions) {
		if err := dkg.CheckContributionSizes(msg.EncryptedContributions, q.CommittedValidCount()); err != nil {
			e.stats.RecordQDataReceived("invalid-contributions")
			e.conn.Misbehaving(p, pen.InvalidContributions, "qdata-invalid-contributions")
			return
		}
		if msg.ProTxHash == e.node.ProTxHash && e.node.ProTxHash != types.ZeroHash {
			if !hasPoly {
				e.logger.Warn("contributions for quorum %s arrived without a verification vector", q.Hash)
				return
			}
			sk, err := dkg.BuildSecretKeyShare(e.node.OperatorKey, msg.EncryptedContributions, poly, q.MemberIndex(msg.ProTxHash), q.CommittedValidCount())
			if err != nil {
				e.stats.RecordQDataReceived("invalid-contributions")
				e.logger.Info("invalid contributions from %s for quorum %s: %v", p, q.Hash, err)
				e.conn.Misbehaving(p, pen.InvalidContributions, "qdata-invalid-contributions")
				return
			}
			data.SecretKeyShare = sk
			data.EncryptedContributions = msg.EncryptedContributions
		}
	}

	if err := e.artifacts.StoreArtifacts(q, data); err != nil {
		e.logger.Error("store artifacts for quorum %s: %v", q.Hash, err)
		return
	}
	e.stats.RecordQDataReceived("ok")
	e.logger.Info("received %s for quorum %d/%s from %s", msg.DataMask, q.Type, q.Hash, p)
	e.noteAttemptDone(msg.QuorumType, msg.QuorumHash)
	if e.bus != nil {
		e.bus.Publish(types.BaseEvent{
			EventType: types.EventQuorumDataRecovered,
			EventData: types.QuorumEventData{Type: q.Type, Hash: q.Hash, Mask: msg.DataMask},
		})
	}
}

// validateVvec 长度 == 阈值，常数项 == quorum 公钥，哈希 == 承诺中的哈希
func (e *Engine) validateVvec(q *types.Quorum, vvec [][]byte) (*share.PubPoly, error) {
	poly, err := utils.ValidateVerificationVector(vvec, q.Threshold, q.PublicKey)
	if err != nil {
		return nil, err
	}
	if types.VerificationVectorHash(vvec) != q.VvecHash {
		return nil, fmt.Errorf("vvec hash mismatch")
	}
	return poly, nil
}

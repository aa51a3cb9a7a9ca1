// llmq/qdata/recovery.go
// 周期性恢复：本节点缺少 DKG 产物时，逐个向其他有效成员请求

package qdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llmqd/config"
	"llmqd/network"
	"llmqd/types"
)

// recoveryTask 单个 quorum 的恢复进度
type recoveryTask struct {
	llmqType   types.LLMQType
	quorumHash types.Hash
	mask       types.DataMask
	proTxHash  types.Hash // 请求的接收者；只拉验证向量时为零值

	candidates  []types.Hash // 打乱后的候选成员
	next        int
	current     types.Hash
	attemptAt   time.Time
	inFlight    bool
	failed      bool
	markedLocal bool // 已把本节点标记为无效
}

type requestAction struct {
	peer *network.Peer
	task *recoveryTask
}

func taskKey(t types.LLMQType, h types.Hash) string {
	return fmt.Sprintf("%d_%s", t, h)
}

// Start 启动恢复循环
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Swap(true) {
		return nil
	}
	e.logger.Info("starting, recovery=%v", e.cfg.RecoveryEnabled)
	e.wg.Add(1)
	go e.runLoop(ctx)
	return nil
}

// Stop 停止恢复循环
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.running.Store(false)
		close(e.stopCh)
		e.wg.Wait()
		e.logger.Info("stopped")
	})
}

func (e *Engine) runLoop(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.TriggerRecovery(e.now())
		}
	}
}

// TriggerRecovery 清理过期请求，并为缺数据的 quorum 发出请求
func (e *Engine) TriggerRecovery(now time.Time) {
	if n := e.ledger.Expire(now, e.peerAlive); n > 0 {
		e.logger.Trace("expired %d request records", n)
	}
	e.conn.ExpireScores(now, e.cfg.RequestExpiry)
	if !e.cfg.RecoveryEnabled || e.chain == nil {
		return
	}
	tip := e.chain.Tip()
	if tip == nil {
		return
	}

	var actions []requestAction
	e.mu.Lock()
	seen := make(map[string]bool)
	for _, params := range e.netParams.EnabledParams() {
		count := params.SigningActiveQuorumCount + e.cfg.KeepRecentTypes
		for _, q := range e.registry.ScanQuorums(params.Type, tip.Height, count) {
			key := taskKey(q.Type, q.Hash)
			seen[key] = true
			if a, ok := e.planLocked(q, key, now); ok {
				actions = append(actions, a)
			}
		}
	}
	// 不再追踪的 quorum
	for key := range e.tasks {
		if !seen[key] {
			delete(e.tasks, key)
		}
	}
	e.mu.Unlock()

	for _, a := range actions {
		err := e.RequestQuorumData(a.peer, a.task.llmqType, a.task.quorumHash, a.task.mask, a.task.proTxHash)
		if err != nil && !errors.Is(err, ErrAlreadyRequested) {
			e.logger.Debug("recovery request to %s failed: %v", a.peer, err)
			continue
		}
		e.stats.RecordRecovery("requested")
	}
}

// missingMask 本节点对该 quorum 缺少的数据
func (e *Engine) missingMask(q *types.Quorum, task *recoveryTask) (types.DataMask, types.Hash) {
	data := e.artifacts.GetLocalArtifacts(q)
	local := e.node.ProTxHash
	isMember := e.node.Masternode && local != types.ZeroHash && q.IsMember(local) &&
		(q.IsValidMember(local) || (task != nil && task.markedLocal))

	var mask types.DataMask
	if isMember {
		if !data.HasVerificationVector() {
			mask |= types.DataVerificationVector
		}
		if !data.HasSecretKeyShare() {
			mask |= types.DataEncryptedContributions
		}
		return mask, local
	}
	if e.requestsQVVEC(q.Type) && !data.HasVerificationVector() {
		mask |= types.DataVerificationVector
	}
	return mask, types.ZeroHash
}

func (e *Engine) requestsQVVEC(t types.LLMQType) bool {
	for _, x := range e.cfg.RequestsQVVEC {
		if x == t {
			return true
		}
	}
	return false
}

// planLocked 决定本轮是否对 q 发请求
func (e *Engine) planLocked(q *types.Quorum, key string, now time.Time) (requestAction, bool) {
	task := e.tasks[key]
	mask, recipient := e.missingMask(q, task)
	if mask == 0 {
		if task != nil {
			if task.markedLocal {
				if err := e.artifacts.MarkMemberValidity(q, e.node.ProTxHash, true); err != nil {
					e.logger.Warn("restore local validity for %s: %v", q.Hash, err)
				}
			}
			e.stats.RecordRecovery("completed")
			delete(e.tasks, key)
		}
		return requestAction{}, false
	}

	if task == nil || task.mask != mask {
		task = e.newTaskLocked(q, mask, recipient)
		e.tasks[key] = task
		e.stats.RecordRecovery("started")
		e.logger.Info("start recovery of %s for quorum %d/%s, %d candidates", mask, q.Type, q.Hash, len(task.candidates))
	}
	if task.failed {
		// 全部候选失败后，等请求过期再整体重试
		if now.Sub(task.attemptAt) < e.cfg.RequestExpiry {
			return requestAction{}, false
		}
		task.failed = false
		task.next = 0
		e.rng.Shuffle(len(task.candidates), func(i, j int) {
			task.candidates[i], task.candidates[j] = task.candidates[j], task.candidates[i]
		})
	}
	if task.inFlight && now.Sub(task.attemptAt) < e.cfg.RequestTimeout {
		return requestAction{}, false
	}

	// 当前目标已连接且尚未发出请求
	if task.current != types.ZeroHash && !task.inFlight && now.Sub(task.attemptAt) < e.cfg.RequestTimeout {
		if p, ok := e.conn.PeerForProTx(task.current); ok {
			return e.sendLocked(task, p, now)
		}
		return requestAction{}, false
	}

	for task.next < len(task.candidates) {
		member := task.candidates[task.next]
		task.next++
		task.current = member
		task.attemptAt = now
		task.inFlight = false

		p, ok := e.conn.PeerForProTx(member)
		if !ok {
			e.conn.AddPendingMasternode(member)
			p, ok = e.conn.PeerForProTx(member)
		}
		if !ok {
			// 等待连接建立，下一轮再看
			return requestAction{}, false
		}
		key := RequestKey{Peer: p.ID, QuorumType: q.Type, QuorumHash: q.Hash, ProTxHash: recipient}
		if _, asked := e.ledger.Get(Outbound, key, now); asked {
			continue
		}
		return e.sendLocked(task, p, now)
	}

	task.failed = true
	task.attemptAt = now
	e.stats.RecordRecovery("failed")
	e.logger.Warn("recovery of %s for quorum %d/%s failed, all %d members tried", mask, q.Type, q.Hash, len(task.candidates))
	if recipient != types.ZeroHash && !task.markedLocal {
		if err := e.artifacts.MarkMemberValidity(q, recipient, false); err != nil {
			e.logger.Warn("mark local member invalid: %v", err)
		} else {
			task.markedLocal = true
		}
	}
	return requestAction{}, false
}

func (e *Engine) sendLocked(task *recoveryTask, p *network.Peer, now time.Time) (requestAction, bool) {
	task.inFlight = true
	task.attemptAt = now
	return requestAction{peer: p, task: task}, true
}

func (e *Engine) newTaskLocked(q *types.Quorum, mask types.DataMask, recipient types.Hash) *recoveryTask {
	task := &recoveryTask{llmqType: q.Type, quorumHash: q.Hash, mask: mask, proTxHash: recipient}
	limit := 0
	if params, ok := config.GetLLMQParams(q.Type); ok {
		limit = params.RecoveryMembers
	}
	for _, m := range q.ValidMembers() {
		if m.ProTxHash == e.node.ProTxHash {
			continue
		}
		task.candidates = append(task.candidates, m.ProTxHash)
	}
	e.rng.Shuffle(len(task.candidates), func(i, j int) {
		task.candidates[i], task.candidates[j] = task.candidates[j], task.candidates[i]
	})
	if limit > 0 && len(task.candidates) > limit {
		task.candidates = task.candidates[:limit]
	}
	return task
}

// noteAttemptDone 收到应答（成功或错误码）后允许立即换下一个成员
func (e *Engine) noteAttemptDone(t types.LLMQType, h types.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if task, ok := e.tasks[taskKey(t, h)]; ok {
		task.inFlight = false
		task.current = types.ZeroHash
		task.attemptAt = time.Time{}
	}
}

func (e *Engine) peerAlive(id network.PeerID) bool {
	p, ok := e.conn.GetPeer(id)
	return ok && p.IsConnected()
}

// RecoveryStatus 当前恢复任务概况
type RecoveryStatus struct {
	QuorumType types.LLMQType `json:"quorum_type"`
	QuorumHash string         `json:"quorum_hash"`
	Mask       string         `json:"mask"`
	Tried      int            `json:"tried"`
	Candidates int            `json:"candidates"`
	Failed     bool           `json:"failed"`
}

// RecoveryStatuses 任务快照
func (e *Engine) RecoveryStatuses() []RecoveryStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RecoveryStatus, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, RecoveryStatus{
			QuorumType: t.llmqType,
			QuorumHash: t.quorumHash.String(),
			Mask:       t.mask.String(),
			Tried:      t.next,
			Candidates: len(t.candidates),
			Failed:     t.failed,
		})
	}
	return out
}

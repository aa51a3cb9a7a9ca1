package handlers

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"llmqd/config"
	"llmqd/llmq/qdata"
	"llmqd/llmq/quorums"
	"llmqd/types"
	"llmqd/utils"
)

// HandleQuorumList 每种启用类型最近的 quorum 哈希
// 可选参数 count，默认为该类型的活跃签名 quorum 数
func (hm *HandlerManager) HandleQuorumList(w http.ResponseWriter, r *http.Request) {
	hm.Stats.RecordAPICall("HandleQuorumList")
	if hm.quorums == nil || hm.chain == nil {
		http.Error(w, "quorum manager not available", http.StatusServiceUnavailable)
		return
	}
	count := -1
	if s := r.URL.Query().Get("count"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid count", http.StatusBadRequest)
			return
		}
		count = n
	}

	height := hm.chain.Height()
	out := make(map[string][]string, len(hm.netParams.LLMQs))
	for _, t := range hm.netParams.LLMQs {
		n := count
		if n < 0 {
			params, _ := config.GetLLMQParams(t)
			n = params.SigningActiveQuorumCount
		}
		hashes := []string{}
		for _, q := range hm.quorums.ScanQuorums(t, height, n) {
			hashes = append(hashes, q.Hash.String())
		}
		out[t.String()] = hashes
	}
	writeJSON(w, out)
}

// HandleQuorumInfo quorum 详情：?type=&hash=[&sk=1]
func (hm *HandlerManager) HandleQuorumInfo(w http.ResponseWriter, r *http.Request) {
	hm.Stats.RecordAPICall("HandleQuorumInfo")
	if hm.quorums == nil {
		http.Error(w, "quorum manager not available", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	llmqType, ok := parseLLMQType(query.Get("type"))
	if !ok {
		http.Error(w, "invalid llmq type", http.StatusBadRequest)
		return
	}
	quorumHash, err := parseHash(query.Get("hash"))
	if err != nil {
		http.Error(w, "invalid quorum hash", http.StatusBadRequest)
		return
	}
	q, err := hm.quorums.GetQuorum(llmqType, quorumHash)
	if err != nil {
		if errors.Is(err, quorums.ErrQuorumTypeInvalid) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	resp := QuorumInfoResponse{
		Height:          q.Height,
		Type:            q.Type.String(),
		QuorumHash:      q.Hash.String(),
		MinedBlock:      q.MinedBlockHash.String(),
		QuorumPublicKey: hex.EncodeToString(q.PublicKey),
		Members:         make([]QuorumMemberInfo, 0, len(q.Members)),
	}
	poly, hasVvec := hm.quorums.VerificationVector(q)
	for _, m := range q.Members {
		info := QuorumMemberInfo{ProTxHash: m.ProTxHash.String(), Valid: m.IsValid}
		if hasVvec && m.IsValid {
			info.PubKeyShare = hex.EncodeToString(utils.MarshalPoint(utils.PublicKeyShare(poly, m.Index)))
		}
		resp.Members = append(resp.Members, info)
	}
	if query.Get("sk") == "1" {
		if data := hm.quorums.GetLocalArtifacts(q); data.HasSecretKeyShare() {
			resp.SecretKeyShare = hex.EncodeToString(data.SecretKeyShare)
		}
	}
	writeJSON(w, resp)
}

// HandleRecoveryStatus 进行中的数据恢复任务
func (hm *HandlerManager) HandleRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	hm.Stats.RecordAPICall("HandleRecoveryStatus")
	if hm.qdata == nil {
		http.Error(w, "quorum data engine not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, hm.qdata.RecoveryStatuses())
}

// HandleSigningSessions 签名会话快照
func (hm *HandlerManager) HandleSigningSessions(w http.ResponseWriter, r *http.Request) {
	hm.Stats.RecordAPICall("HandleSigningSessions")
	if hm.signing == nil {
		http.Error(w, "signing manager not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, hm.signing.Sessions())
}

// HandleQuorumRequests 请求账本中未清理的 QGETDATA 记录
func (hm *HandlerManager) HandleQuorumRequests(w http.ResponseWriter, r *http.Request) {
	hm.Stats.RecordAPICall("HandleQuorumRequests")
	if hm.qdata == nil {
		http.Error(w, "quorum data engine not available", http.StatusServiceUnavailable)
		return
	}
	ledger := hm.qdata.Ledger()
	writeJSON(w, QuorumRequestsResponse{
		Outbound: requestInfos(ledger.Snapshot(qdata.Outbound)),
		Inbound:  requestInfos(ledger.Snapshot(qdata.Inbound)),
	})
}

func requestInfos(reqs []qdata.Request) []RequestInfo {
	out := make([]RequestInfo, 0, len(reqs))
	for _, req := range reqs {
		info := RequestInfo{
			PeerID:     req.Peer,
			LLMQType:   req.QuorumType.String(),
			QuorumHash: req.QuorumHash.String(),
			DataMask:   uint16(req.DataMask),
			SentAt:     req.SentAt.Unix(),
			Processed:  req.Processed,
		}
		if req.ProTxHash != types.ZeroHash {
			info.ProTxHash = req.ProTxHash.String()
		}
		out = append(out, info)
	}
	return out
}

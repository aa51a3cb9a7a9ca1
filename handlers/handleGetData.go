package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"llmqd/types"
)

// HandleQuorumGetData 向指定 peer 发送 QGETDATA
// 参数错误返回 400，请求未能发出（peer 未认证、重复请求等）返回 result=false
func (hm *HandlerManager) HandleQuorumGetData(w http.ResponseWriter, r *http.Request) {
	hm.Stats.RecordAPICall("HandleQuorumGetData")
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if hm.qdata == nil || hm.conn == nil {
		http.Error(w, "quorum data engine not available", http.StatusServiceUnavailable)
		return
	}

	var req QuorumGetDataRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	llmqType, ok := parseLLMQType(req.LLMQType)
	if !ok {
		http.Error(w, "invalid llmq type", http.StatusBadRequest)
		return
	}
	quorumHash, err := parseHash(req.QuorumHash)
	if err != nil {
		http.Error(w, "invalid quorum hash", http.StatusBadRequest)
		return
	}
	proTxHash := types.ZeroHash
	if req.ProTxHash != "" {
		if proTxHash, err = parseHash(req.ProTxHash); err != nil {
			http.Error(w, "invalid protx hash", http.StatusBadRequest)
			return
		}
	}

	peer, ok := hm.conn.GetPeer(req.PeerID)
	if !ok {
		writeJSON(w, QuorumGetDataResponse{Result: false, Error: "peer not found"})
		return
	}
	if err := hm.qdata.RequestQuorumData(peer, llmqType, quorumHash, types.DataMask(req.DataMask), proTxHash); err != nil {
		hm.Logger.Debug("getdata to %s failed: %v", peer, err)
		writeJSON(w, QuorumGetDataResponse{Result: false, Error: err.Error()})
		return
	}
	writeJSON(w, QuorumGetDataResponse{Result: true})
}

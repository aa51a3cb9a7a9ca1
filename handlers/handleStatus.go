package handlers

import (
	"net/http"
)

// HandleStatus 节点状态
func (hm *HandlerManager) HandleStatus(w http.ResponseWriter, r *http.Request) {
	hm.Stats.RecordAPICall("HandleStatus")

	resp := StatusResponse{
		Status:       "ok",
		Network:      hm.netParams.Name,
		LockedHeight: -1,
		APICalls:     hm.Stats.GetAPICallStats(),
	}
	if hm.chain != nil {
		tip := hm.chain.Tip()
		resp.Height = tip.Height
		resp.BestHash = tip.Hash.String()
		resp.LockedHeight = hm.chain.LockedHeight()
	}
	if hm.conn != nil {
		resp.Peers = len(hm.conn.Peers())
	}
	writeJSON(w, resp)
}

// HandleChainTips 所有已知链尖及其状态
func (hm *HandlerManager) HandleChainTips(w http.ResponseWriter, r *http.Request) {
	hm.Stats.RecordAPICall("HandleChainTips")
	if hm.chain == nil {
		http.Error(w, "chain not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, ChainTipsResponse{Tips: hm.chain.ChainTips()})
}

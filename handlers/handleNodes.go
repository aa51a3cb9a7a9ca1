package handlers

import (
	"net/http"
	"sort"

	"llmqd/network"
)

// HandlePeers 连接列表（含 ban score 和已认证身份）
func (hm *HandlerManager) HandlePeers(w http.ResponseWriter, r *http.Request) {
	hm.Stats.RecordAPICall("HandlePeers")
	if hm.conn == nil {
		http.Error(w, "connection manager not available", http.StatusServiceUnavailable)
		return
	}
	peers := hm.conn.Peers()
	out := make([]network.PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Info())
	}
	writeJSON(w, out)
}

// HandleBanned 封禁中的身份
func (hm *HandlerManager) HandleBanned(w http.ResponseWriter, r *http.Request) {
	hm.Stats.RecordAPICall("HandleBanned")
	if hm.conn == nil {
		http.Error(w, "connection manager not available", http.StatusServiceUnavailable)
		return
	}
	out := []BannedInfo{}
	for key, until := range hm.conn.Banned() {
		out = append(out, BannedInfo{Key: key, BannedUntil: until.Unix()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	writeJSON(w, out)
}

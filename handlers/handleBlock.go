package handlers

import (
	"net/http"
)

// HandleBlock 区块头状态：?hash=
func (hm *HandlerManager) HandleBlock(w http.ResponseWriter, r *http.Request) {
	hm.Stats.RecordAPICall("HandleBlock")
	if hm.chain == nil {
		http.Error(w, "chain not available", http.StatusServiceUnavailable)
		return
	}
	hash, err := parseHash(r.URL.Query().Get("hash"))
	if err != nil {
		http.Error(w, "invalid block hash", http.StatusBadRequest)
		return
	}
	hdr, ok := hm.chain.LookupBlock(hash)
	if !ok {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}
	status, _ := hm.chain.Status(hash)
	info := BlockInfo{
		Height:   hdr.Height,
		Hash:     hdr.Hash.String(),
		PrevHash: hdr.PrevHash.String(),
		Status:   status.String(),
		Active:   hm.chain.IsOnActiveChain(hash),
	}
	if hm.chainLocks != nil {
		info.ChainLocked = hm.chainLocks.HasChainLock(hdr.Height, hash)
		info.ConflictsChainLock = hm.chainLocks.HasConflictingChainLock(hdr.Height, hash)
	}
	writeJSON(w, info)
}

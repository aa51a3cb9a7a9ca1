package handlers

import (
	"encoding/hex"
	"net/http"

	"llmqd/types"
)

// HandleChainLocks 最近一次收到的与当前生效的 chain lock
func (hm *HandlerManager) HandleChainLocks(w http.ResponseWriter, r *http.Request) {
	hm.Stats.RecordAPICall("HandleChainLocks")
	if hm.chainLocks == nil {
		http.Error(w, "chain locks not available", http.StatusServiceUnavailable)
		return
	}
	resp := ChainLocksResponse{
		Policy: hm.chainLocks.Policy().Name(),
		Recent: hm.chainLockInfo(hm.chainLocks.GetMostRecentChainLock()),
		Active: hm.chainLockInfo(hm.chainLocks.GetBestChainLock()),
		Locks:  hm.chainLocks.Locks(),
	}
	writeJSON(w, resp)
}

func (hm *HandlerManager) chainLockInfo(cl *types.ChainLock) *ChainLockInfo {
	if cl == nil || cl.IsNull() {
		return nil
	}
	info := &ChainLockInfo{
		Height:    cl.Height,
		BlockHash: cl.BlockHash.String(),
		Signature: hex.EncodeToString(cl.Signature),
		Signers:   cl.Signers,
	}
	if hm.chain != nil {
		_, info.Known = hm.chain.LookupBlock(cl.BlockHash)
	}
	return info
}

package handlers

import (
	"llmqd/consensus"
	"llmqd/llmq/chainlocks"
	"llmqd/network"
)

// StatusResponse /status
type StatusResponse struct {
	Status       string            `json:"status"`
	Network      string            `json:"network"`
	Height       int32             `json:"height"`
	BestHash     string            `json:"bestblockhash"`
	LockedHeight int32             `json:"locked_height"`
	Peers        int               `json:"peers"`
	APICalls     map[string]uint64 `json:"api_calls,omitempty"`
}

// QuorumMemberInfo quorum info 中的成员
type QuorumMemberInfo struct {
	ProTxHash   string `json:"proTxHash"`
	Valid       bool   `json:"valid"`
	PubKeyShare string `json:"pubKeyShare,omitempty"`
}

// QuorumInfoResponse /quorum/info
type QuorumInfoResponse struct {
	Height          int32              `json:"height"`
	Type            string             `json:"type"`
	QuorumHash      string             `json:"quorumHash"`
	MinedBlock      string             `json:"minedBlock"`
	Members         []QuorumMemberInfo `json:"members"`
	QuorumPublicKey string             `json:"quorumPublicKey"`
	SecretKeyShare  string             `json:"secretKeyShare,omitempty"`
}

// QuorumGetDataRequest /quorum/getdata 请求体
type QuorumGetDataRequest struct {
	PeerID     network.PeerID `json:"peer_id"`
	LLMQType   string         `json:"llmq_type"`
	QuorumHash string         `json:"quorum_hash"`
	DataMask   uint16         `json:"data_mask"`
	ProTxHash  string         `json:"protx_hash,omitempty"`
}

// QuorumGetDataResponse 请求是否已发出
type QuorumGetDataResponse struct {
	Result bool   `json:"result"`
	Error  string `json:"error,omitempty"`
}

// ChainLockInfo 单个 chain lock
type ChainLockInfo struct {
	Height    int32  `json:"height"`
	BlockHash string `json:"blockhash"`
	Signature string `json:"signature"`
	Signers   []bool `json:"signers,omitempty"`
	Known     bool   `json:"known_block"`
}

// ChainLocksResponse /chainlocks
type ChainLocksResponse struct {
	Policy string                `json:"policy"`
	Recent *ChainLockInfo        `json:"recent_chainlock,omitempty"`
	Active *ChainLockInfo        `json:"active_chainlock,omitempty"`
	Locks  []chainlocks.LockInfo `json:"locks"`
}

// ChainTipsResponse /chaintips
type ChainTipsResponse struct {
	Tips []consensus.ChainTip `json:"tips"`
}

// BlockInfo /block
type BlockInfo struct {
	Height             int32  `json:"height"`
	Hash               string `json:"hash"`
	PrevHash           string `json:"previousblockhash"`
	Status             string `json:"status"`
	Active             bool   `json:"active"`
	ChainLocked        bool   `json:"chainlock"`
	ConflictsChainLock bool   `json:"chainlock_conflict"`
}

// BannedInfo /banned
type BannedInfo struct {
	Key         string `json:"key"`
	BannedUntil int64  `json:"banned_until"`
}

// RequestInfo 账本里的一条 QGETDATA 记录
type RequestInfo struct {
	PeerID     network.PeerID `json:"peer_id"`
	LLMQType   string         `json:"llmq_type"`
	QuorumHash string         `json:"quorum_hash"`
	ProTxHash  string         `json:"protx_hash,omitempty"`
	DataMask   uint16         `json:"data_mask"`
	SentAt     int64          `json:"time"`
	Processed  bool           `json:"processed"`
}

// QuorumRequestsResponse /quorum/requests
type QuorumRequestsResponse struct {
	Outbound []RequestInfo `json:"outbound"`
	Inbound  []RequestInfo `json:"inbound"`
}

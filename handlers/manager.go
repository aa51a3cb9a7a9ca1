package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"llmqd/config"
	"llmqd/consensus"
	"llmqd/llmq/chainlocks"
	"llmqd/llmq/qdata"
	"llmqd/llmq/quorums"
	"llmqd/llmq/signing"
	"llmqd/logs"
	"llmqd/network"
	"llmqd/stats"
	"llmqd/types"
)

// 入站消息体上限
const maxMessageBytes = 8 << 20

// Deps HandlerManager 依赖集合，可选组件为 nil 时对应路由返回 503
type Deps struct {
	Chain      *consensus.ChainState
	Quorums    *quorums.Manager
	QData      *qdata.Engine
	ChainLocks *chainlocks.Handler
	Signing    *signing.Manager
	Conn       *network.ConnManager
	Router     *network.Router
	Stats      *stats.Stats
}

// HandlerManager 管理所有HTTP处理器及其依赖
type HandlerManager struct {
	chain      *consensus.ChainState
	quorums    *quorums.Manager
	qdata      *qdata.Engine
	chainLocks *chainlocks.Handler
	signing    *signing.Manager
	conn       *network.ConnManager
	router     *network.Router
	netParams  config.NetworkParams

	Stats  *stats.Stats
	Logger logs.Logger
}

// NewHandlerManager 创建新的处理器管理器
func NewHandlerManager(netParams config.NetworkParams, deps Deps) *HandlerManager {
	return &HandlerManager{
		chain:      deps.Chain,
		quorums:    deps.Quorums,
		qdata:      deps.QData,
		chainLocks: deps.ChainLocks,
		signing:    deps.Signing,
		conn:       deps.Conn,
		router:     deps.Router,
		netParams:  netParams,
		Stats:      deps.Stats,
		Logger:     logs.NewLogger("RPC"),
	}
}

// RegisterRoutes 注册所有路由
func (hm *HandlerManager) RegisterRoutes(mux *http.ServeMux) {
	// 基本功能
	mux.HandleFunc("/status", hm.HandleStatus)
	mux.HandleFunc("/peers", hm.HandlePeers)
	mux.HandleFunc("/banned", hm.HandleBanned)
	mux.HandleFunc("/chaintips", hm.HandleChainTips)
	mux.HandleFunc("/block", hm.HandleBlock)
	// quorum
	mux.HandleFunc("/quorum/list", hm.HandleQuorumList)
	mux.HandleFunc("/quorum/info", hm.HandleQuorumInfo)
	mux.HandleFunc("/quorum/getdata", hm.HandleQuorumGetData)
	mux.HandleFunc("/quorum/recovery", hm.HandleRecoveryStatus)
	mux.HandleFunc("/quorum/sessions", hm.HandleSigningSessions)
	mux.HandleFunc("/quorum/requests", hm.HandleQuorumRequests)
	// chain lock
	mux.HandleFunc("/chainlocks", hm.HandleChainLocks)
	// P2P
	mux.HandleFunc(network.MessagePath, hm.HandleMessage)
}

// 辅助方法

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// parseLLMQType 接受名称（llmq_test）或数字 id
func parseLLMQType(s string) (types.LLMQType, bool) {
	if t, ok := types.LLMQTypeFromName(s); ok {
		return t, true
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return types.LLMQNone, false
	}
	return types.LLMQType(n), true
}

func parseHash(s string) (types.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return types.ZeroHash, err
	}
	return *h, nil
}

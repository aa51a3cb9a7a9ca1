package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"llmqd/config"
	"llmqd/consensus"
	"llmqd/crt"
	"llmqd/db"
	"llmqd/handlers"
	"llmqd/llmq/chainlocks"
	"llmqd/llmq/qdata"
	"llmqd/llmq/quorums"
	"llmqd/llmq/signing"
	"llmqd/logs"
	"llmqd/middleware"
	"llmqd/network"
	"llmqd/stats"
	"llmqd/types"
)

// genesisHeader regtest/devnet 的创世区块头
func genesisHeader() *types.BlockHeader {
	return types.NewTestHeader(types.ZeroHash, 0, 0, 1)
}

// nodeOptions 构造节点所需的外部协作者
type nodeOptions struct {
	Name        string
	Config      *config.Config
	Transport   network.Transport
	Commitments quorums.CommitmentSource // nil 时使用 badger 中的承诺
	Registerer  prometheus.Registerer
	Logger      logs.Logger
}

// NodeInstance 一个节点的全部组件
type NodeInstance struct {
	Name   string
	Config *config.Config

	DB          *db.Manager
	Bus         *consensus.EventBus
	Chain       *consensus.ChainState
	Commitments quorums.CommitmentSource
	Quorums     *quorums.Manager
	Conn        *network.ConnManager
	Router      *network.Router
	QData       *qdata.Engine
	Signing     *signing.Manager
	ChainLocks  *chainlocks.Handler
	Handlers    *handlers.HandlerManager
	Stats       *stats.Stats

	inboxes     []*network.Inbox
	HTTP3Server *http3.Server
	Logger      logs.Logger

	stopDial context.CancelFunc
	dialWG   sync.WaitGroup
}

// initializeNode 按依赖顺序创建组件并注册消息处理器
func initializeNode(opts nodeOptions) (*NodeInstance, error) {
	cfg := opts.Config
	netParams, ok := config.GetNetworkParams(cfg.Network.Name)
	if !ok {
		return nil, fmt.Errorf("unknown network %q", cfg.Network.Name)
	}
	node := &NodeInstance{Name: opts.Name, Config: cfg, Logger: opts.Logger}
	if node.Logger == nil {
		node.Logger = logs.NewLogger("Node")
	}

	// 1. 指标与存储
	st, err := stats.NewStats(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("init stats: %w", err)
	}
	node.Stats = st
	dbm, err := db.NewManagerWithConfig(cfg.Database.DataDir, node.Logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}
	node.DB = dbm

	// 2. 链状态
	node.Bus = consensus.NewEventBus()
	node.Chain, err = consensus.NewChainState(genesisHeader(), dbm, node.Bus)
	if err != nil {
		dbm.Close()
		return nil, fmt.Errorf("init chain state: %w", err)
	}

	// 3. quorum
	node.Commitments = opts.Commitments
	if node.Commitments == nil {
		node.Commitments = quorums.NewDBCommitmentSource(dbm)
	}
	node.Quorums, err = quorums.NewManager(cfg, node.Chain, node.Commitments, dbm)
	if err != nil {
		dbm.Close()
		return nil, fmt.Errorf("init quorum manager: %w", err)
	}

	// 4. 网络
	node.Conn = network.NewConnManager(cfg.Network, opts.Transport, st)
	node.Conn.SetMasternodeResolver(node.resolveMasternode)
	node.Router = network.NewRouter(node.Conn, cfg.Network.MalformedMessagePenalty)

	// 5. LLMQ 组件，每个组件一个 inbox
	qdataInbox := network.NewInbox("qdata", cfg.Network.InboxSize)
	signingInbox := network.NewInbox("signing", cfg.Network.InboxSize)
	clInbox := network.NewInbox("chainlocks", cfg.Network.InboxSize)
	node.inboxes = []*network.Inbox{qdataInbox, signingInbox, clInbox}

	node.QData, err = qdata.NewEngine(cfg, qdata.Deps{
		Chain:     node.Chain,
		Registry:  node.Quorums,
		Artifacts: node.Quorums,
		Conn:      node.Conn,
		Bus:       node.Bus,
		Stats:     st,
	})
	if err != nil {
		dbm.Close()
		return nil, err
	}
	node.Signing = signing.NewManager(cfg, signing.Deps{
		Registry:  node.Quorums,
		Artifacts: node.Quorums,
		Conn:      node.Conn,
		Bus:       node.Bus,
		Stats:     st,
	})
	node.ChainLocks, err = chainlocks.NewHandler(cfg, chainlocks.Deps{
		Chain:    node.Chain,
		Registry: node.Quorums,
		Signer:   node.Signing,
		Store:    dbm,
		Conn:     node.Conn,
		Bus:      node.Bus,
		Stats:    st,
	})
	if err != nil {
		dbm.Close()
		return nil, err
	}
	node.Signing.RegisterListener(node.ChainLocks)

	node.QData.RegisterHandlers(node.Router, qdataInbox)
	node.Signing.RegisterHandlers(node.Router, signingInbox)
	node.ChainLocks.RegisterHandlers(node.Router, clInbox)
	if err := node.Router.ValidateComplete(); err != nil {
		dbm.Close()
		return nil, err
	}

	// 6. RPC
	node.Handlers = handlers.NewHandlerManager(netParams, handlers.Deps{
		Chain:      node.Chain,
		Quorums:    node.Quorums,
		QData:      node.QData,
		ChainLocks: node.ChainLocks,
		Signing:    node.Signing,
		Conn:       node.Conn,
		Router:     node.Router,
		Stats:      st,
	})
	return node, nil
}

// Start 启动所有后台循环
func (n *NodeInstance) Start(ctx context.Context) error {
	for _, ib := range n.inboxes {
		ib.Start()
	}
	if err := n.ChainLocks.Start(ctx); err != nil {
		return err
	}
	if err := n.Signing.Start(ctx); err != nil {
		return err
	}
	if err := n.QData.Start(ctx); err != nil {
		return err
	}
	for _, addr := range n.Config.Network.Peers {
		n.Conn.AddPeer(addr)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	n.stopDial = cancel
	n.dialWG.Add(1)
	go n.dialLoop(dialCtx)
	n.Logger.Info("node %s started at height %d", n.Name, n.Chain.Height())
	return nil
}

// Stop 逆序停止
func (n *NodeInstance) Stop() {
	if n.stopDial != nil {
		n.stopDial()
		n.dialWG.Wait()
	}
	if n.HTTP3Server != nil {
		_ = n.HTTP3Server.Close()
	}
	n.QData.Stop()
	n.Signing.Stop()
	n.ChainLocks.Stop()
	for _, ib := range n.inboxes {
		ib.Stop()
	}
	if err := n.DB.Close(); err != nil {
		n.Logger.Warn("close db: %v", err)
	}
}

// newHTTP3Server 绑定路由、限流和证书
func (n *NodeInstance) newHTTP3Server(extra func(*http.ServeMux), limiter *middleware.RateLimiter) (*http3.Server, error) {
	cfg := n.Config
	mux := http.NewServeMux()
	n.Handlers.RegisterRoutes(mux)
	if extra != nil {
		extra(mux)
	}

	cert, err := n.loadCertificate()
	if err != nil {
		return nil, err
	}

	var handler http.Handler = mux
	if limiter != nil {
		handler = limiter.Wrap(mux)
	}
	n.HTTP3Server = &http3.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: handler,
		TLSConfig: http3.ConfigureTLSConfig(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
			MaxVersion:   tls.VersionTLS13,
			// 节点证书自签名，身份由 VerifyPeerCertificate 校验
			ClientAuth:            tls.RequireAnyClientCert,
			VerifyPeerCertificate: crt.VerifyPeerCertificate,
		}),
		QUICConfig: &quic.Config{
			KeepAlivePeriod: cfg.Server.QUICKeepAlivePeriod,
			MaxIdleTimeout:  cfg.Server.QUICMaxIdleTimeout,
			Allow0RTT:       cfg.Server.QUICAllow0RTT,
		},
	}
	return n.HTTP3Server, nil
}

// loadCertificate 监听和拨号共用的节点证书，配置了 operator 私钥时带上 operator 证明
func (n *NodeInstance) loadCertificate() (tls.Certificate, error) {
	dir := n.Config.Database.DataDir
	cert, err := crt.LoadOrCreate(filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"), n.Config.Node.OperatorKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load certificate: %w", err)
	}
	if tag, err := crt.CertNodeTag(cert); err == nil {
		n.Logger.Info("node tag %s", tag)
	}
	return cert, nil
}

// resolveMasternode masternode 地址来自 --mnaddr
func (n *NodeInstance) resolveMasternode(proTxHash types.Hash) (string, bool) {
	addr, ok := n.Config.Network.Masternodes[proTxHash]
	return addr, ok && addr != ""
}

// dialLoop 定期补连配置中的 masternode，并重试待连接队列
func (n *NodeInstance) dialLoop(ctx context.Context) {
	defer n.dialWG.Done()
	interval := n.Config.Network.DialInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n.dialOnce()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *NodeInstance) dialOnce() {
	dialed := 0
	for h := range n.Config.Network.Masternodes {
		if h == n.Config.Node.ProTxHash {
			continue
		}
		if n.Conn.AddPendingMasternode(h) {
			dialed++
		}
	}
	dialed += n.Conn.DialPending()
	if dialed > 0 {
		n.Logger.Debug("dialed %d masternodes", dialed)
	}
}

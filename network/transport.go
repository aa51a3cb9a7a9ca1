package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"llmqd/config"
	"llmqd/crt"
	"llmqd/types"
)

// Transport 把编码后的消息送到 peer
type Transport interface {
	Send(ctx context.Context, p *Peer, data []byte) error
}

// Identity 本节点在发送时附带的身份
type Identity struct {
	Addr      string
	ProTxHash types.Hash
	QWatch    bool
}

// Key 进程内可直接信任的身份键
func (id Identity) Key() string {
	if id.ProTxHash != types.ZeroHash {
		return MasternodeKey(id.ProTxHash)
	}
	return AddrKey(id.Addr)
}

// 入站消息使用的 HTTP 头
const (
	HeaderFrom   = "X-Llmq-From"
	HeaderProTx  = "X-Llmq-Protx"
	HeaderQWatch = "X-Llmq-Qwatch"
	MessagePath  = "/llmq/msg"
)

// ErrUnknownAddr 回环网络中没有这个地址
var ErrUnknownAddr = errors.New("unknown address")

// ========== 回环网络（测试 / 单进程 devnet） ==========

// LoopbackNetwork 进程内网络，按地址投递给 Router
type LoopbackNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*Router
}

// NewLoopbackNetwork 创建回环网络
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{nodes: make(map[string]*Router)}
}

// Register 把地址绑定到某节点的 Router
func (n *LoopbackNetwork) Register(addr string, r *Router) {
	n.mu.Lock()
	n.nodes[addr] = r
	n.mu.Unlock()
}

// Transport 以 self 身份发送的传输层
func (n *LoopbackNetwork) Transport(self Identity) Transport {
	return &loopbackTransport{net: n, self: self}
}

type loopbackTransport struct {
	net  *LoopbackNetwork
	self Identity
}

func (t *loopbackTransport) Send(_ context.Context, p *Peer, data []byte) error {
	t.net.mu.RLock()
	r, ok := t.net.nodes[p.Addr]
	t.net.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddr, p.Addr)
	}
	return r.Receive(Envelope{
		FromAddr:  t.self.Addr,
		FromProTx: t.self.ProTxHash,
		PeerKey:   t.self.Key(),
		QWatch:    t.self.QWatch,
		Data:      append([]byte(nil), data...),
	})
}

// ========== HTTP/3 ==========

// OperatorKeys 按 proTxHash 查 masternode 的 operator 公钥
type OperatorKeys func(proTxHash types.Hash) ([]byte, bool)

// ErrIdentityMismatch 对端证书与期望的 masternode 身份不符
var ErrIdentityMismatch = errors.New("peer certificate does not match masternode identity")

// HTTP3Transport 通过 HTTP/3 POST 发送消息，双向出示节点证书
type HTTP3Transport struct {
	client *http.Client
	self   Identity
	keys   OperatorKeys
}

// NewHTTP3Transport 创建 HTTP/3 客户端；cert 作为客户端证书，keys 用于核对 masternode 对端
func NewHTTP3Transport(cfg *config.Config, self Identity, cert tls.Certificate, keys OperatorKeys) *HTTP3Transport {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		// 节点证书自签名，不走 CA 链，由 VerifyPeerCertificate 校验节点身份
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: crt.VerifyPeerCertificate,
		MinVersion:            tls.VersionTLS13,
		MaxVersion:            tls.VersionTLS13,
		ClientSessionCache:    tls.NewLRUClientSessionCache(cfg.Server.TLSSessionCacheSize),
		NextProtos:            []string{"h3"},
	}
	tr := &http3.Transport{
		TLSClientConfig: tlsCfg,
		QUICConfig: &quic.Config{
			KeepAlivePeriod: cfg.Server.QUICKeepAlivePeriod,
			MaxIdleTimeout:  cfg.Server.QUICMaxIdleTimeout,
			Allow0RTT:       cfg.Server.QUICAllow0RTT,
		},
	}
	return &HTTP3Transport{
		client: &http.Client{Transport: tr, Timeout: cfg.Network.ConnectionTimeout},
		self:   self,
		keys:   keys,
	}
}

// CheckPeerIdentity 已认证为 masternode 的连接，其证书须由该成员的 operator key 签出
func CheckPeerIdentity(p *Peer, state *tls.ConnectionState, keys OperatorKeys) error {
	proTx := p.VerifiedProTxHash()
	if proTx == types.ZeroHash || keys == nil {
		return nil
	}
	if state == nil || len(state.PeerCertificates) == 0 {
		return fmt.Errorf("%w: no certificate from %s", ErrIdentityMismatch, p)
	}
	id, err := crt.VerifyNodeCert(state.PeerCertificates[0])
	if err != nil {
		return err
	}
	want, ok := keys(proTx)
	if !ok || !bytes.Equal(want, id.OperatorPubKey) {
		return fmt.Errorf("%w: %s claims %s", ErrIdentityMismatch, p, proTx)
	}
	return nil
}

// Send 发送一条消息
func (t *HTTP3Transport) Send(ctx context.Context, p *Peer, data []byte) error {
	url := "https://" + p.Addr + MessagePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderFrom, t.self.Addr)
	if t.self.ProTxHash != types.ZeroHash {
		req.Header.Set(HeaderProTx, t.self.ProTxHash.String())
	}
	if t.self.QWatch {
		req.Header.Set(HeaderQWatch, "1")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if err := CheckPeerIdentity(p, resp.TLS, t.keys); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send to %s: http status %d", p.Addr, resp.StatusCode)
	}
	return nil
}

// Close 关闭底层 QUIC 连接
func (t *HTTP3Transport) Close() error {
	if tr, ok := t.client.Transport.(*http3.Transport); ok {
		return tr.Close()
	}
	return nil
}

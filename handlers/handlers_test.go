package handlers

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmqd/config"
	"llmqd/consensus"
	"llmqd/crt"
	"llmqd/db"
	"llmqd/llmq/chainlocks"
	"llmqd/llmq/dkg"
	"llmqd/llmq/qdata"
	"llmqd/llmq/quorums"
	"llmqd/llmq/signing"
	"llmqd/network"
	"llmqd/stats"
	"llmqd/types"
	"llmqd/utils"
)

const remoteAddr = "remote:9000"

type testEnv struct {
	t       *testing.T
	blocks  []*types.BlockHeader
	members []types.MemberInfo
	opKeys  [][]byte
	dealt   *dkg.Output
	quorum  *types.Quorum
	conn    *network.ConnManager
	router  *network.Router
	cl      *chainlocks.Handler
	signer  *signing.Manager
	hm      *HandlerManager
	mux     *http.ServeMux

	mu       sync.Mutex
	received []types.Message // remote 节点收到的消息
}

// newTestEnv 40 个块，高度 24 的 quorum，本节点是 members[0]
func newTestEnv(t *testing.T) *testEnv {
	env := &testEnv{t: t}
	genesis := types.NewTestHeader(types.ZeroHash, 0, 0, 1)
	chain, err := consensus.NewChainState(genesis, nil, nil)
	require.NoError(t, err)
	env.blocks = []*types.BlockHeader{genesis}
	for i := 1; i <= 40; i++ {
		h := types.NewTestHeader(env.blocks[i-1].Hash, int32(i), 0, 1)
		require.NoError(t, chain.AddHeader(h))
		env.blocks = append(env.blocks, h)
	}

	for i := 0; i < 3; i++ {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		env.opKeys = append(env.opKeys, priv.Serialize())
		env.members = append(env.members, types.MemberInfo{
			ProTxHash:      chainhash.HashH([]byte{byte(i), 'h'}),
			OperatorPubKey: priv.PubKey().SerializeCompressed(),
		})
	}
	env.dealt, err = dkg.Deal(env.members, nil, 2)
	require.NoError(t, err)
	source := quorums.NewMemoryCommitmentSource()
	require.NoError(t, source.AddCommitment(env.dealt.Commitment(types.LLMQ_TEST, env.blocks[24].Hash, 24, env.members)))

	cfg := config.DefaultConfig()
	cfg.Node.Masternode = true
	cfg.Node.ProTxHash = env.members[0].ProTxHash
	cfg.Node.OperatorKey = env.opKeys[0]

	dbm, err := db.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbm.Close() })
	qm, err := quorums.NewManager(cfg, chain, source, dbm)
	require.NoError(t, err)
	env.quorum, err = qm.GetQuorum(types.LLMQ_TEST, env.blocks[24].Hash)
	require.NoError(t, err)
	require.NoError(t, qm.ImportDealerOutput(env.quorum, env.dealt))

	loop := network.NewLoopbackNetwork()
	st, err := stats.NewStats(nil)
	require.NoError(t, err)
	env.conn = network.NewConnManager(cfg.Network, loop.Transport(network.Identity{Addr: "local:9000", ProTxHash: cfg.Node.ProTxHash}), st)
	env.router = network.NewRouter(env.conn, cfg.Network.MalformedMessagePenalty)
	engine, err := qdata.NewEngine(cfg, qdata.Deps{Chain: chain, Registry: qm, Artifacts: qm, Conn: env.conn, Stats: st})
	require.NoError(t, err)
	engine.RegisterHandlers(env.router, nil)
	env.signer = signing.NewManager(cfg, signing.Deps{Registry: qm, Artifacts: qm, Conn: env.conn, Stats: st})
	env.cl, err = chainlocks.NewHandler(cfg, chainlocks.Deps{Chain: chain, Registry: qm, Signer: env.signer, Conn: env.conn, Stats: st})
	require.NoError(t, err)

	// remote 节点只记录收到的消息
	remote := network.NewRouter(network.NewConnManager(cfg.Network, nil, nil), 0)
	record := func(_ *network.Peer, msg types.Message) {
		env.mu.Lock()
		env.received = append(env.received, msg)
		env.mu.Unlock()
	}
	remote.Register(types.KindQGetData, record)
	remote.Register(types.KindQData, record)
	loop.Register(remoteAddr, remote)

	env.hm = NewHandlerManager(config.NetworkParams{Name: config.NetworkRegtest, LLMQs: []types.LLMQType{types.LLMQ_TEST, types.LLMQ_TESTV17}}, Deps{
		Chain:      chain,
		Quorums:    qm,
		QData:      engine,
		ChainLocks: env.cl,
		Signing:    env.signer,
		Conn:       env.conn,
		Router:     env.router,
		Stats:      st,
	})
	env.mux = http.NewServeMux()
	env.hm.RegisterRoutes(env.mux)
	return env
}

func (env *testEnv) do(method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	return env.doTLS(method, target, body, header, nil)
}

func (env *testEnv) doTLS(method, target string, body []byte, header map[string]string, state *tls.ConnectionState) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	req.TLS = state
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)
	return w
}

// clientTLS 以 operatorKey 生成节点证书，模拟双向 TLS 握手后的连接状态
func clientTLS(t *testing.T, operatorKey []byte) *tls.ConnectionState {
	dir := t.TempDir()
	cert, err := crt.LoadOrCreate(filepath.Join(dir, "node.crt"), filepath.Join(dir, "node.key"), operatorKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	return &tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf}}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func (env *testEnv) messages() []types.Message {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]types.Message(nil), env.received...)
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t)
	env.conn.AddPeer(remoteAddr)

	var resp StatusResponse
	decode(t, env.do(http.MethodGet, "/status", nil, nil), &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, int32(40), resp.Height)
	assert.Equal(t, env.blocks[40].Hash.String(), resp.BestHash)
	assert.Equal(t, 1, resp.Peers)
	assert.Equal(t, uint64(1), resp.APICalls["HandleStatus"])
}

func TestHandleQuorumList(t *testing.T) {
	env := newTestEnv(t)

	var resp map[string][]string
	decode(t, env.do(http.MethodGet, "/quorum/list", nil, nil), &resp)
	assert.Equal(t, []string{env.quorum.Hash.String()}, resp["llmq_test"])
	assert.Empty(t, resp["llmq_test_v17"])

	decode(t, env.do(http.MethodGet, "/quorum/list?count=0", nil, nil), &resp)
	assert.Empty(t, resp["llmq_test"])

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/quorum/list?count=x", nil, nil).Code)
}

func TestHandleQuorumInfo(t *testing.T) {
	env := newTestEnv(t)
	target := fmt.Sprintf("/quorum/info?type=llmq_test&hash=%s", env.quorum.Hash)

	var resp QuorumInfoResponse
	decode(t, env.do(http.MethodGet, target, nil, nil), &resp)
	assert.Equal(t, int32(24), resp.Height)
	assert.Equal(t, "llmq_test", resp.Type)
	assert.Equal(t, hex.EncodeToString(env.dealt.PublicKey), resp.QuorumPublicKey)
	assert.Empty(t, resp.SecretKeyShare)
	require.Len(t, resp.Members, 3)

	poly, err := utils.ParseVerificationVector(env.dealt.VerificationVector)
	require.NoError(t, err)
	for i, m := range resp.Members {
		assert.Equal(t, env.members[i].ProTxHash.String(), m.ProTxHash)
		assert.True(t, m.Valid)
		assert.Equal(t, hex.EncodeToString(utils.MarshalPoint(utils.PublicKeyShare(poly, i))), m.PubKeyShare)
	}

	// 数字类型 id 同样可用
	decode(t, env.do(http.MethodGet, fmt.Sprintf("/quorum/info?type=%d&hash=%s&sk=1", types.LLMQ_TEST, env.quorum.Hash), nil, nil), &resp)
	assert.Equal(t, hex.EncodeToString(env.dealt.SecretKeyShares[env.members[0].ProTxHash]), resp.SecretKeyShare)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/quorum/info?type=bogus&hash="+env.quorum.Hash.String(), nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/quorum/info?type=llmq_test&hash=zz", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/quorum/info?type=llmq_test&hash="+env.blocks[12].Hash.String(), nil, nil).Code)
}

func TestHandleQuorumGetData(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodGet, "/quorum/getdata", nil, nil).Code)

	post := func(req QuorumGetDataRequest) (*httptest.ResponseRecorder, QuorumGetDataResponse) {
		body, err := json.Marshal(req)
		require.NoError(t, err)
		w := env.do(http.MethodPost, "/quorum/getdata", body, nil)
		var resp QuorumGetDataResponse
		if w.Code == http.StatusOK {
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		}
		return w, resp
	}
	req := QuorumGetDataRequest{
		PeerID:     99,
		LLMQType:   "llmq_test",
		QuorumHash: env.quorum.Hash.String(),
		DataMask:   uint16(types.DataAll),
		ProTxHash:  env.members[0].ProTxHash.String(),
	}
	_, resp := post(req)
	assert.False(t, resp.Result)

	// 未认证的连接
	peer := env.conn.AddPeer(remoteAddr)
	req.PeerID = peer.ID
	_, resp = post(req)
	assert.False(t, resp.Result)
	assert.Contains(t, resp.Error, qdata.ErrPeerNotAuthenticated.Error())
	assert.Empty(t, env.messages())

	peer = env.conn.AddMasternodePeer(remoteAddr, env.members[1].ProTxHash)
	req.PeerID = peer.ID
	_, resp = post(req)
	require.True(t, resp.Result, resp.Error)
	msgs := env.messages()
	require.Len(t, msgs, 1)
	got := msgs[0].(*types.MsgQGetData)
	assert.Equal(t, env.quorum.Hash, got.QuorumHash)
	assert.Equal(t, types.DataAll, got.DataMask)

	// 未过期前不能重复请求
	_, resp = post(req)
	assert.False(t, resp.Result)

	req.LLMQType = "nope"
	w, _ := post(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleMessage(t *testing.T) {
	env := newTestEnv(t)
	member := clientTLS(t, env.opKeys[1])
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodGet, network.MessagePath, nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.doTLS(http.MethodPost, network.MessagePath, []byte{1}, nil, member).Code)

	req := &types.MsgQGetData{QuorumType: types.LLMQ_TEST, QuorumHash: env.quorum.Hash, DataMask: types.DataVerificationVector}
	data, err := types.EncodeMessage(req)
	require.NoError(t, err)
	headers := map[string]string{
		network.HeaderFrom:  remoteAddr,
		network.HeaderProTx: env.members[1].ProTxHash.String(),
	}
	// 没有客户端证书
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, network.MessagePath, data, headers).Code)

	w := env.doTLS(http.MethodPost, network.MessagePath, data, headers, member)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 本节点通过回环把 QDATA 回给 remote
	msgs := env.messages()
	require.Len(t, msgs, 1)
	resp := msgs[0].(*types.MsgQData)
	assert.Equal(t, types.QDataErrNone, resp.Error)
	assert.Len(t, resp.VerificationVector, 2)

	peer := env.conn.PeerByAddr(remoteAddr)
	require.NotNil(t, peer)
	assert.Equal(t, env.members[1].ProTxHash, peer.VerifiedProTxHash())

	// 格式错误按配置扣分
	w = env.doTLS(http.MethodPost, network.MessagePath, []byte{0xff, 0x00}, headers, member)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, config.DefaultConfig().Network.MalformedMessagePenalty, peer.Score())

	headers[network.HeaderProTx] = "xyz"
	assert.Equal(t, http.StatusBadRequest, env.doTLS(http.MethodPost, network.MessagePath, data, headers, member).Code)
}

func TestHandleMessageRejectsSpoofedMasternode(t *testing.T) {
	env := newTestEnv(t)
	req := &types.MsgQGetData{QuorumType: types.LLMQ_TEST, QuorumHash: env.quorum.Hash, DataMask: types.DataVerificationVector}
	data, err := types.EncodeMessage(req)
	require.NoError(t, err)
	headers := map[string]string{
		network.HeaderFrom:  remoteAddr,
		network.HeaderProTx: env.members[1].ProTxHash.String(),
	}

	// 没有 operator 证明的证书
	w := env.doTLS(http.MethodPost, network.MessagePath, data, headers, clientTLS(t, nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// 另一个成员的 operator key 冒充成员 1
	w = env.doTLS(http.MethodPost, network.MessagePath, data, headers, clientTLS(t, env.opKeys[2]))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// 不在 masternode 列表里的 key
	stranger, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	w = env.doTLS(http.MethodPost, network.MessagePath, data, headers, clientTLS(t, stranger.Serialize()))
	assert.Equal(t, http.StatusForbidden, w.Code)

	assert.Empty(t, env.messages())
	assert.Empty(t, env.conn.Peers())
}

func TestBannedIdentityStaysBanned(t *testing.T) {
	env := newTestEnv(t)
	member := clientTLS(t, env.opKeys[1])
	headers := map[string]string{
		network.HeaderFrom:  remoteAddr,
		network.HeaderProTx: env.members[1].ProTxHash.String(),
	}
	threshold := config.DefaultConfig().Network.BanThreshold
	penalty := config.DefaultConfig().Network.MalformedMessagePenalty
	for i := 0; i < threshold/penalty; i++ {
		w := env.doTLS(http.MethodPost, network.MessagePath, []byte{0xff, 0x00}, headers, member)
		require.Equal(t, http.StatusBadRequest, w.Code)
	}
	assert.Nil(t, env.conn.PeerByAddr(remoteAddr))

	// 换个回连地址也拿不到新连接
	req := &types.MsgQGetData{QuorumType: types.LLMQ_TEST, QuorumHash: env.quorum.Hash, DataMask: types.DataVerificationVector}
	data, err := types.EncodeMessage(req)
	require.NoError(t, err)
	headers[network.HeaderFrom] = "elsewhere:9000"
	w := env.doTLS(http.MethodPost, network.MessagePath, data, headers, member)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, env.conn.Peers())
	assert.Empty(t, env.messages())

	var banned []BannedInfo
	decode(t, env.do(http.MethodGet, "/banned", nil, nil), &banned)
	require.Len(t, banned, 1)
	assert.Equal(t, network.MasternodeKey(env.members[1].ProTxHash), banned[0].Key)
}

// lockTip 用成员 0 和 1 的份额恢复出高度 40 的锁
func (env *testEnv) lockTip() *types.BlockHeader {
	t := env.t
	tip := env.blocks[40]
	id := chainlocks.RequestID(40, nil)
	q, err := env.signer.SelectQuorumForSigning(types.LLMQ_TEST, id, 32)
	require.NoError(t, err)
	signHash := types.BuildSignHash(q.Type, q.Hash, id, tip.Hash)
	var shares [][]byte
	for i := 0; i < 2; i++ {
		sh, err := utils.SignShare(env.dealt.SecretKeyShares[env.members[i].ProTxHash], i, signHash[:])
		require.NoError(t, err)
		shares = append(shares, sh)
	}
	poly, err := utils.ParseVerificationVector(env.dealt.VerificationVector)
	require.NoError(t, err)
	sig, err := utils.RecoverSignature(poly, signHash[:], shares, 2, 3)
	require.NoError(t, err)
	require.NoError(t, env.cl.ProcessChainLock(nil, &types.ChainLock{Height: 40, BlockHash: tip.Hash, Signature: sig}))
	return tip
}

func TestHandleChainLocks(t *testing.T) {
	env := newTestEnv(t)

	var resp ChainLocksResponse
	decode(t, env.do(http.MethodGet, "/chainlocks", nil, nil), &resp)
	assert.Equal(t, "legacy", resp.Policy)
	assert.Nil(t, resp.Recent)
	assert.Nil(t, resp.Active)

	tip := env.lockTip()
	decode(t, env.do(http.MethodGet, "/chainlocks", nil, nil), &resp)
	require.NotNil(t, resp.Active)
	assert.Equal(t, int32(40), resp.Active.Height)
	assert.Equal(t, tip.Hash.String(), resp.Active.BlockHash)
	assert.True(t, resp.Active.Known)
	assert.Equal(t, resp.Active, resp.Recent)
	require.Len(t, resp.Locks, 1)

	var tips ChainTipsResponse
	decode(t, env.do(http.MethodGet, "/chaintips", nil, nil), &tips)
	require.Len(t, tips.Tips, 1)
	assert.Equal(t, "active", tips.Tips[0].Status)
}

func TestHandleBlock(t *testing.T) {
	env := newTestEnv(t)
	tip := env.lockTip()
	fork := types.NewTestHeader(env.blocks[39].Hash, 40, 1, 1)
	require.NoError(t, env.hm.chain.AddHeader(fork))

	var info BlockInfo
	decode(t, env.do(http.MethodGet, "/block?hash="+tip.Hash.String(), nil, nil), &info)
	assert.Equal(t, int32(40), info.Height)
	assert.Equal(t, env.blocks[39].Hash.String(), info.PrevHash)
	assert.True(t, info.Active)
	assert.True(t, info.ChainLocked)
	assert.False(t, info.ConflictsChainLock)

	info = BlockInfo{}
	decode(t, env.do(http.MethodGet, "/block?hash="+fork.Hash.String(), nil, nil), &info)
	assert.False(t, info.Active)
	assert.False(t, info.ChainLocked)
	assert.True(t, info.ConflictsChainLock)
	assert.Equal(t, "conflicting", info.Status)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/block?hash="+types.ZeroHash.String(), nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/block?hash=zz", nil, nil).Code)
}

func TestHandleQuorumRequests(t *testing.T) {
	env := newTestEnv(t)
	var resp QuorumRequestsResponse
	decode(t, env.do(http.MethodGet, "/quorum/requests", nil, nil), &resp)
	assert.Empty(t, resp.Outbound)
	assert.Empty(t, resp.Inbound)

	peer := env.conn.AddMasternodePeer(remoteAddr, env.members[1].ProTxHash)
	body, err := json.Marshal(QuorumGetDataRequest{
		PeerID:     peer.ID,
		LLMQType:   "llmq_test",
		QuorumHash: env.quorum.Hash.String(),
		DataMask:   uint16(types.DataVerificationVector),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/quorum/getdata", body, nil).Code)

	decode(t, env.do(http.MethodGet, "/quorum/requests", nil, nil), &resp)
	require.Len(t, resp.Outbound, 1)
	got := resp.Outbound[0]
	assert.Equal(t, peer.ID, got.PeerID)
	assert.Equal(t, "llmq_test", got.LLMQType)
	assert.Equal(t, env.quorum.Hash.String(), got.QuorumHash)
	assert.Equal(t, uint16(types.DataVerificationVector), got.DataMask)
	assert.Empty(t, got.ProTxHash)
	assert.False(t, got.Processed)
	assert.Empty(t, resp.Inbound)
}

func TestHandlePeersAndUnavailable(t *testing.T) {
	env := newTestEnv(t)
	p := env.conn.AddPeer(remoteAddr)
	env.conn.Misbehaving(p, 10, "test")

	var peers []network.PeerInfo
	decode(t, env.do(http.MethodGet, "/peers", nil, nil), &peers)
	require.Len(t, peers, 1)
	assert.Equal(t, remoteAddr, peers[0].Addr)
	assert.Equal(t, 10, peers[0].BanScore)

	var sessions []signing.SessionInfo
	decode(t, env.do(http.MethodGet, "/quorum/sessions", nil, nil), &sessions)
	assert.Empty(t, sessions)

	bare := NewHandlerManager(config.NetworkParams{}, Deps{})
	mux := http.NewServeMux()
	bare.RegisterRoutes(mux)
	for _, path := range []string{"/peers", "/chainlocks", "/chaintips", "/quorum/list", "/quorum/recovery", "/quorum/sessions", "/quorum/requests", "/banned", "/block"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

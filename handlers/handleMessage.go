package handlers

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"llmqd/crt"
	"llmqd/network"
	"llmqd/types"
)

// HandleMessage 入站 P2P 消息（HTTP/3 传输的服务端）
func (hm *HandlerManager) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if hm.router == nil {
		http.Error(w, "router not available", http.StatusServiceUnavailable)
		return
	}
	from := r.Header.Get(network.HeaderFrom)
	if from == "" {
		http.Error(w, "missing "+network.HeaderFrom, http.StatusBadRequest)
		return
	}
	// 身份只来自双向 TLS 的客户端证书，头部只是声明
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		http.Error(w, "client certificate required", http.StatusForbidden)
		return
	}
	id, err := crt.VerifyNodeCert(r.TLS.PeerCertificates[0])
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	env := network.Envelope{
		FromAddr: from,
		PeerKey:  network.TagKey(id.Tag),
		QWatch:   r.Header.Get(network.HeaderQWatch) == "1",
	}
	if s := r.Header.Get(network.HeaderProTx); s != "" {
		h, err := parseHash(s)
		if err != nil {
			http.Error(w, "invalid "+network.HeaderProTx, http.StatusBadRequest)
			return
		}
		if !hm.isOperatorOf(h, id.OperatorPubKey) {
			hm.Logger.Info("reject %s: certificate %s is not the operator of %s", from, id.Tag, h)
			http.Error(w, "certificate does not prove masternode "+h.String(), http.StatusForbidden)
			return
		}
		env.FromProTx = h
		env.PeerKey = network.MasternodeKey(h)
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(data) > maxMessageBytes {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}
	env.Data = data

	if err := hm.router.Receive(env); err != nil {
		hm.Logger.Debug("drop message from %s: %v", from, err)
		status := http.StatusBadRequest
		if errors.Is(err, network.ErrBanned) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// isOperatorOf 证书里的 operator 公钥是否为该 masternode 登记的 key
func (hm *HandlerManager) isOperatorOf(proTxHash types.Hash, operatorPubKey []byte) bool {
	if hm.quorums == nil || len(operatorPubKey) == 0 {
		return false
	}
	want, ok := hm.quorums.OperatorPubKey(proTxHash)
	return ok && bytes.Equal(want, operatorPubKey)
}

package crt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"

	"llmqd/llmq/security"
	"llmqd/logs"
)

// NodeTagHRP 证书组织字段中节点标签的前缀
const NodeTagHRP = "llmq"

var (
	// ErrBadNodeCert 证书里的身份无法验证
	ErrBadNodeCert = errors.New("invalid node certificate")

	// operator 对证书公钥的签名，私有扩展
	oidOperatorProof = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 59541, 1, 1}
)

type operatorProof struct {
	PubKey    []byte
	Signature []byte
}

// NodeIdentity 从证书验证出的身份
type NodeIdentity struct {
	Tag            string
	OperatorPubKey []byte // 没有 operator 证明时为空
}

// NodeTag 公钥的 bech32 标签：version 0 + hash160(pubKey)
func NodeTag(pubKey []byte) (string, error) {
	if len(pubKey) == 0 {
		return "", errors.New("empty public key")
	}
	// 20 字节 hash 转换为 5 位一组
	converted, err := bech32.ConvertBits(btcutil.Hash160(pubKey), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(NodeTagHRP, append([]byte{0x00}, converted...))
}

// ParseNodeTag 解出标签里的 hash160
func ParseNodeTag(tag string) ([]byte, error) {
	hrp, data, err := bech32.Decode(tag)
	if err != nil {
		return nil, err
	}
	if hrp != NodeTagHRP || len(data) == 0 || data[0] != 0 {
		return nil, fmt.Errorf("unexpected node tag %q", tag)
	}
	return bech32.ConvertBits(data[1:], 5, 8, false)
}

// proofDigest operator 签名的对象：证书公钥的 SPKI
func proofDigest(spki []byte) []byte {
	h := sha256.Sum256(append([]byte("llmq-node-cert"), spki...))
	return h[:]
}

// GenerateSelfSignedCert 生成 HTTP/3 监听和拨号共用的自签名证书。
// operatorKey 非空时证书带上 operator 对证书公钥的签名，标签取 operator 公钥；
// 为空时标签取证书自己的公钥
func GenerateSelfSignedCert(certPath, keyPath string, operatorKey []byte, hosts ...string) error {
	// 生成 ECDSA 私钥
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	spki, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return err
	}

	identity := elliptic.MarshalCompressed(elliptic.P256(), privateKey.X, privateKey.Y)
	var extensions []pkix.Extension
	if len(operatorKey) > 0 {
		if identity, err = security.OperatorPubKey(operatorKey); err != nil {
			return err
		}
		opPriv, _ := btcec.PrivKeyFromBytes(operatorKey)
		proof, err := asn1.Marshal(operatorProof{
			PubKey:    identity,
			Signature: btcecdsa.Sign(opPriv, proofDigest(spki)).Serialize(),
		})
		if err != nil {
			return err
		}
		extensions = append(extensions, pkix.Extension{Id: oidOperatorProof, Value: proof})
	}
	tag, err := NodeTag(identity)
	if err != nil {
		return err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}
	// 创建证书模板
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{tag}, // 节点标签写入组织字段
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		ExtraExtensions:       extensions,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	// 自签名证书
	certBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return err
	}

	// 保存证书
	certFile, err := os.Create(certPath)
	if err != nil {
		return err
	}
	defer certFile.Close()
	if err := pem.Encode(certFile, &pem.Block{Type: "CERTIFICATE", Bytes: certBytes}); err != nil {
		return err
	}

	// 保存私钥
	keyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer keyFile.Close()
	privBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return err
	}
	if err := pem.Encode(keyFile, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		return err
	}

	logs.Debug("Certificate and key generated: %s, %s (tag %s)", certPath, keyPath, tag)
	return nil
}

// LoadOrCreate 证书不存在、或与 operatorKey 对应的标签不符时重新生成，再加载
func LoadOrCreate(certPath, keyPath string, operatorKey []byte, hosts ...string) (tls.Certificate, error) {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return tls.Certificate{}, err
		}
		if len(operatorKey) == 0 {
			return cert, nil
		}
		pub, err := security.OperatorPubKey(operatorKey)
		if err != nil {
			return tls.Certificate{}, err
		}
		want, err := NodeTag(pub)
		if err != nil {
			return tls.Certificate{}, err
		}
		if tag, err := CertNodeTag(cert); err == nil && tag == want {
			return cert, nil
		}
		logs.Info("certificate %s does not carry operator tag %s, regenerating", certPath, want)
	}
	if err := GenerateSelfSignedCert(certPath, keyPath, operatorKey, hosts...); err != nil {
		return tls.Certificate{}, err
	}
	return tls.LoadX509KeyPair(certPath, keyPath)
}

// CertNodeTag 读出证书组织字段中的节点标签
func CertNodeTag(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", errors.New("empty certificate chain")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return "", err
	}
	if len(leaf.Subject.Organization) == 0 {
		return "", errors.New("certificate has no organization")
	}
	return leaf.Subject.Organization[0], nil
}

// VerifyNodeCert 校验证书里的节点身份。
// 带 operator 证明时，证明须由标签对应的 operator 公钥签出；否则标签须对应证书公钥
func VerifyNodeCert(leaf *x509.Certificate) (*NodeIdentity, error) {
	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return nil, fmt.Errorf("%w: expired or not yet valid", ErrBadNodeCert)
	}
	if len(leaf.Subject.Organization) == 0 {
		return nil, fmt.Errorf("%w: no node tag", ErrBadNodeCert)
	}
	tag := leaf.Subject.Organization[0]
	hash, err := ParseNodeTag(tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadNodeCert, err)
	}

	for _, ext := range leaf.Extensions {
		if !ext.Id.Equal(oidOperatorProof) {
			continue
		}
		var proof operatorProof
		if _, err := asn1.Unmarshal(ext.Value, &proof); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadNodeCert, err)
		}
		if string(btcutil.Hash160(proof.PubKey)) != string(hash) {
			return nil, fmt.Errorf("%w: tag does not match operator key", ErrBadNodeCert)
		}
		pub, err := btcec.ParsePubKey(proof.PubKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadNodeCert, err)
		}
		sig, err := btcecdsa.ParseDERSignature(proof.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadNodeCert, err)
		}
		if !sig.Verify(proofDigest(leaf.RawSubjectPublicKeyInfo), pub) {
			return nil, fmt.Errorf("%w: operator signature mismatch", ErrBadNodeCert)
		}
		return &NodeIdentity{Tag: tag, OperatorPubKey: proof.PubKey}, nil
	}

	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported key type", ErrBadNodeCert)
	}
	if string(btcutil.Hash160(elliptic.MarshalCompressed(pub.Curve, pub.X, pub.Y))) != string(hash) {
		return nil, fmt.Errorf("%w: tag does not match certificate key", ErrBadNodeCert)
	}
	return &NodeIdentity{Tag: tag}, nil
}

// VerifyPeerCertificate 给 tls.Config 用：自签名证书不走 CA 链，只校验节点身份
func VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no certificate", ErrBadNodeCert)
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return err
	}
	_, err = VerifyNodeCert(leaf)
	return err
}

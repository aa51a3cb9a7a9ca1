package utils

import (
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

// 阈值 BLS：签名在 G1，公钥 / 验证向量在 G2

var suite = bn256.NewSuite()

var (
	ErrVvecSize           = errors.New("verification vector size mismatch")
	ErrVvecPublicKey      = errors.New("verification vector does not match quorum public key")
	ErrInvalidPoint       = errors.New("invalid point encoding")
	ErrInvalidScalar      = errors.New("invalid scalar encoding")
	ErrShareKeyMismatch   = errors.New("secret key share does not match public key share")
	ErrNotEnoughSigShares = errors.New("not enough signature shares")
)

// Suite 返回签名所用的 pairing suite
func Suite() pairing.Suite {
	return suite
}

// g2Base 所有多项式承诺共用的基点
func g2Base() kyber.Point {
	return suite.G2().Point().Base()
}

// ========== 编解码 ==========

// UnmarshalPublicKey 解析 G2 公钥
func UnmarshalPublicKey(b []byte) (kyber.Point, error) {
	p := suite.G2().Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return p, nil
}

// MarshalPoint 序列化点
func MarshalPoint(p kyber.Point) []byte {
	b, _ := p.MarshalBinary()
	return b
}

// UnmarshalSecretKey 解析标量
func UnmarshalSecretKey(b []byte) (kyber.Scalar, error) {
	s := suite.G2().Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScalar, err)
	}
	return s, nil
}

// MarshalScalar 序列化标量
func MarshalScalar(s kyber.Scalar) []byte {
	b, _ := s.MarshalBinary()
	return b
}

// ScalarSize 标量编码长度
func ScalarSize() int {
	return suite.G2().ScalarLen()
}

// ========== 验证向量 ==========

// ParseVerificationVector 把承诺点列表还原成公钥多项式
func ParseVerificationVector(vvec [][]byte) (*share.PubPoly, error) {
	if len(vvec) == 0 {
		return nil, ErrVvecSize
	}
	commits := make([]kyber.Point, len(vvec))
	for i, b := range vvec {
		p, err := UnmarshalPublicKey(b)
		if err != nil {
			return nil, fmt.Errorf("commit %d: %w", i, err)
		}
		commits[i] = p
	}
	return share.NewPubPoly(suite.G2(), g2Base(), commits), nil
}

// SerializeVerificationVector 公钥多项式转为承诺点列表
func SerializeVerificationVector(p *share.PubPoly) [][]byte {
	_, commits := p.Info()
	out := make([][]byte, len(commits))
	for i, c := range commits {
		out[i] = MarshalPoint(c)
	}
	return out
}

// ValidateVerificationVector 长度等于阈值，且常数项等于 quorum 公钥
func ValidateVerificationVector(vvec [][]byte, threshold int, quorumPublicKey []byte) (*share.PubPoly, error) {
	if len(vvec) != threshold {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVvecSize, len(vvec), threshold)
	}
	poly, err := ParseVerificationVector(vvec)
	if err != nil {
		return nil, err
	}
	pub, err := UnmarshalPublicKey(quorumPublicKey)
	if err != nil {
		return nil, err
	}
	if !poly.Commit().Equal(pub) {
		return nil, ErrVvecPublicKey
	}
	return poly, nil
}

// PublicKeyShare 成员 memberIndex（0-based）的公钥份额
func PublicKeyShare(poly *share.PubPoly, memberIndex int) kyber.Point {
	return poly.Eval(memberIndex).V
}

// ========== 私钥份额 ==========

// AggregateSecretKeyShares 把各成员给本成员的贡献相加得到私钥份额
func AggregateSecretKeyShares(contributions [][]byte) ([]byte, error) {
	if len(contributions) == 0 {
		return nil, ErrInvalidScalar
	}
	sum := suite.G2().Scalar().Zero()
	for i, c := range contributions {
		s, err := UnmarshalSecretKey(c)
		if err != nil {
			return nil, fmt.Errorf("contribution %d: %w", i, err)
		}
		sum = sum.Add(sum, s)
	}
	return MarshalScalar(sum), nil
}

// CheckSecretKeyShare 私钥份额对应的公钥是否等于验证向量在该成员处的取值
func CheckSecretKeyShare(sk []byte, poly *share.PubPoly, memberIndex int) error {
	s, err := UnmarshalSecretKey(sk)
	if err != nil {
		return err
	}
	pub := suite.G2().Point().Mul(s, nil)
	if !pub.Equal(PublicKeyShare(poly, memberIndex)) {
		return ErrShareKeyMismatch
	}
	return nil
}

// ========== 签名 ==========

// SignShare 成员用私钥份额签名，结果带 2 字节成员下标前缀
func SignShare(sk []byte, memberIndex int, msg []byte) ([]byte, error) {
	s, err := UnmarshalSecretKey(sk)
	if err != nil {
		return nil, err
	}
	return tbls.Sign(suite, &share.PriShare{I: memberIndex, V: s}, msg)
}

// ShareIndex 签名份额携带的成员下标
func ShareIndex(sigShare []byte) (int, error) {
	return tbls.SigShare(sigShare).Index()
}

// VerifyShare 用验证向量校验签名份额
func VerifyShare(poly *share.PubPoly, msg, sigShare []byte) error {
	return tbls.Verify(suite, poly, msg, sigShare)
}

// RecoverSignature 由至少 threshold 个份额恢复 quorum 签名
func RecoverSignature(poly *share.PubPoly, msg []byte, sigShares [][]byte, threshold, n int) ([]byte, error) {
	if len(sigShares) < threshold {
		return nil, ErrNotEnoughSigShares
	}
	return tbls.Recover(suite, poly, msg, sigShares, threshold, n)
}

// Verify 校验普通 BLS 签名（quorum 公钥）
func Verify(publicKey, msg, sig []byte) error {
	pub, err := UnmarshalPublicKey(publicKey)
	if err != nil {
		return err
	}
	return bls.Verify(suite, pub, msg, sig)
}

// AggregateSignatures 聚合多个签名
func AggregateSignatures(sigs ...[]byte) ([]byte, error) {
	return bls.AggregateSignatures(suite, sigs...)
}

// VerifyAggregated 校验对不同消息的聚合签名
func VerifyAggregated(publicKeys [][]byte, msgs [][]byte, sig []byte) error {
	if len(publicKeys) != len(msgs) || len(msgs) == 0 {
		return errors.New("public key / message count mismatch")
	}
	if len(msgs) == 1 {
		return Verify(publicKeys[0], msgs[0], sig)
	}
	pubs := make([]kyber.Point, len(publicKeys))
	for i, b := range publicKeys {
		p, err := UnmarshalPublicKey(b)
		if err != nil {
			return err
		}
		pubs[i] = p
	}
	return bls.BatchVerify(suite, pubs, msgs, sig)
}

// ========== 本地 dealer ==========

// Polynomial 单个 dealer 的秘密多项式
type Polynomial struct {
	pri *share.PriPoly
	pub *share.PubPoly
}

// NewRandomPolynomial 随机生成阈值为 threshold 的多项式
func NewRandomPolynomial(threshold int) *Polynomial {
	pri := share.NewPriPoly(suite.G2(), threshold, nil, suite.RandomStream())
	return &Polynomial{pri: pri, pub: pri.Commit(g2Base())}
}

// ShareFor 成员 memberIndex 的私钥贡献
func (p *Polynomial) ShareFor(memberIndex int) []byte {
	return MarshalScalar(p.pri.Eval(memberIndex).V)
}

// PubPoly 公钥多项式
func (p *Polynomial) PubPoly() *share.PubPoly {
	return p.pub
}

// SumPubPolys 多个 dealer 的验证向量相加得到 quorum 验证向量
func SumPubPolys(polys []*share.PubPoly) (*share.PubPoly, error) {
	if len(polys) == 0 {
		return nil, ErrVvecSize
	}
	acc := polys[0]
	for _, p := range polys[1:] {
		next, err := acc.Add(p)
		if err != nil {
			return nil, err
		}
		acc = next
	}
	return acc, nil
}

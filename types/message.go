package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// ============================================
// 线上消息（tagged union）
// ============================================

// MessageKind 消息类型
type MessageKind uint8

const (
	KindQGetData MessageKind = iota + 1
	KindQData
	KindCLSig
	KindQSigShare
	KindQSigRec
)

// AllMessageKinds 全部消息类型，Router 启动时据此检查处理器是否完整
var AllMessageKinds = []MessageKind{KindQGetData, KindQData, KindCLSig, KindQSigShare, KindQSigRec}

func (k MessageKind) String() string {
	switch k {
	case KindQGetData:
		return "qgetdata"
	case KindQData:
		return "qdata"
	case KindCLSig:
		return "clsig"
	case KindQSigShare:
		return "qsigshare"
	case KindQSigRec:
		return "qsigrec"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

var (
	// ErrUnknownMessageKind 未知消息类型
	ErrUnknownMessageKind = errors.New("unknown message kind")
	// ErrMalformedMessage 消息格式错误
	ErrMalformedMessage = errors.New("malformed message")
)

const (
	pver = wire.ProtocolVersion

	maxListEntries = 1000 // quorum 成员数上限之上留足余量
	maxElementSize = 1024
)

// Message 所有线上消息
type Message interface {
	Kind() MessageKind
	Encode(w io.Writer) error
	Decode(r io.Reader) error
}

// NewMessage 按类型创建空消息
func NewMessage(kind MessageKind) (Message, error) {
	switch kind {
	case KindQGetData:
		return &MsgQGetData{}, nil
	case KindQData:
		return &MsgQData{}, nil
	case KindCLSig:
		return &MsgCLSig{}, nil
	case KindQSigShare:
		return &MsgQSigShare{}, nil
	case KindQSigRec:
		return &MsgQSigRec{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownMessageKind, uint8(kind))
}

// EncodeMessage 序列化：kind(1) || payload
func EncodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(msg.Kind()))
	if err := msg.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage 反序列化，多余的尾部字节视为格式错误
func DecodeMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}
	msg, err := NewMessage(MessageKind(data[0]))
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data[1:])
	if err := msg.Decode(r); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, msg.Kind(), err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %s: %d trailing bytes", ErrMalformedMessage, msg.Kind(), r.Len())
	}
	return msg, nil
}

// ========== QGETDATA ==========

// MsgQGetData 请求某个 quorum 的 DKG 数据
type MsgQGetData struct {
	QuorumType LLMQType
	QuorumHash Hash
	DataMask   DataMask
	ProTxHash  Hash // 请求加密贡献时指定接收者
}

func (m *MsgQGetData) Kind() MessageKind { return KindQGetData }

func (m *MsgQGetData) Encode(w io.Writer) error {
	return writeRequestHeader(w, m.QuorumType, m.QuorumHash, m.DataMask, m.ProTxHash)
}

func (m *MsgQGetData) Decode(r io.Reader) error {
	var err error
	m.QuorumType, m.QuorumHash, m.DataMask, m.ProTxHash, err = readRequestHeader(r)
	return err
}

// Matches 响应头是否与请求一致
func (m *MsgQGetData) Matches(resp *MsgQData) bool {
	return m.QuorumType == resp.QuorumType &&
		m.QuorumHash == resp.QuorumHash &&
		m.DataMask == resp.DataMask &&
		m.ProTxHash == resp.ProTxHash
}

// ========== QDATA ==========

// QDataError QDATA 错误码
type QDataError uint8

const (
	QDataErrNone                            QDataError = 0
	QDataErrQuorumTypeInvalid               QDataError = 1
	QDataErrQuorumBlockNotFound             QDataError = 2
	QDataErrQuorumNotFound                  QDataError = 3
	QDataErrMasternodeIsNoMember            QDataError = 4
	QDataErrQuorumVerificationVectorMissing QDataError = 5
	QDataErrEncryptedContributionsMissing   QDataError = 6
)

func (e QDataError) String() string {
	switch e {
	case QDataErrNone:
		return "None"
	case QDataErrQuorumTypeInvalid:
		return "QuorumTypeInvalid"
	case QDataErrQuorumBlockNotFound:
		return "QuorumBlockNotFound"
	case QDataErrQuorumNotFound:
		return "QuorumNotFound"
	case QDataErrMasternodeIsNoMember:
		return "MasternodeIsNoMember"
	case QDataErrQuorumVerificationVectorMissing:
		return "QuorumVerificationVectorMissing"
	case QDataErrEncryptedContributionsMissing:
		return "EncryptedContributionsMissing"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(e))
}

// MsgQData QGETDATA 的应答
type MsgQData struct {
	QuorumType             LLMQType
	QuorumHash             Hash
	DataMask               DataMask
	ProTxHash              Hash
	Error                  QDataError
	VerificationVector     [][]byte
	EncryptedContributions [][]byte
}

func (m *MsgQData) Kind() MessageKind { return KindQData }

// NewQDataFor 以请求头初始化应答
func NewQDataFor(req *MsgQGetData) *MsgQData {
	return &MsgQData{
		QuorumType: req.QuorumType,
		QuorumHash: req.QuorumHash,
		DataMask:   req.DataMask,
		ProTxHash:  req.ProTxHash,
	}
}

func (m *MsgQData) Encode(w io.Writer) error {
	if err := writeRequestHeader(w, m.QuorumType, m.QuorumHash, m.DataMask, m.ProTxHash); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(m.Error)}); err != nil {
		return err
	}
	if err := writeByteList(w, m.VerificationVector); err != nil {
		return err
	}
	return writeByteList(w, m.EncryptedContributions)
}

func (m *MsgQData) Decode(r io.Reader) error {
	var err error
	m.QuorumType, m.QuorumHash, m.DataMask, m.ProTxHash, err = readRequestHeader(r)
	if err != nil {
		return err
	}
	var e [1]byte
	if _, err := io.ReadFull(r, e[:]); err != nil {
		return err
	}
	m.Error = QDataError(e[0])
	if m.VerificationVector, err = readByteList(r, "vvec"); err != nil {
		return err
	}
	m.EncryptedContributions, err = readByteList(r, "contributions")
	return err
}

// ========== CLSIG ==========

// MsgCLSig chain lock 签名消息
type MsgCLSig struct {
	ChainLock
}

func (m *MsgCLSig) Kind() MessageKind { return KindCLSig }

func (m *MsgCLSig) Encode(w io.Writer) error {
	var h [4]byte
	binary.LittleEndian.PutUint32(h[:], uint32(m.Height))
	if _, err := w.Write(h[:]); err != nil {
		return err
	}
	if _, err := w.Write(m.BlockHash[:]); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, m.Signature); err != nil {
		return err
	}
	return writeDynBitSet(w, m.Signers)
}

func (m *MsgCLSig) Decode(r io.Reader) error {
	var h [4]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return err
	}
	m.Height = int32(binary.LittleEndian.Uint32(h[:]))
	if _, err := io.ReadFull(r, m.BlockHash[:]); err != nil {
		return err
	}
	sig, err := wire.ReadVarBytes(r, pver, maxElementSize, "sig")
	if err != nil {
		return err
	}
	m.Signature = sig
	m.Signers, err = readDynBitSet(r)
	return err
}

// ========== QSIGSHARE / QSIGREC ==========

// MsgQSigShare 成员的签名份额
type MsgQSigShare struct {
	QuorumType  LLMQType
	QuorumHash  Hash
	MemberIndex uint16
	ID          Hash
	MsgHash     Hash
	Share       []byte
}

func (m *MsgQSigShare) Kind() MessageKind { return KindQSigShare }

func (m *MsgQSigShare) Encode(w io.Writer) error {
	var hdr [1 + 32 + 2]byte
	hdr[0] = byte(m.QuorumType)
	copy(hdr[1:33], m.QuorumHash[:])
	binary.LittleEndian.PutUint16(hdr[33:], m.MemberIndex)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(m.ID[:]); err != nil {
		return err
	}
	if _, err := w.Write(m.MsgHash[:]); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, m.Share)
}

func (m *MsgQSigShare) Decode(r io.Reader) error {
	var hdr [1 + 32 + 2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	m.QuorumType = LLMQType(hdr[0])
	copy(m.QuorumHash[:], hdr[1:33])
	m.MemberIndex = binary.LittleEndian.Uint16(hdr[33:])
	if _, err := io.ReadFull(r, m.ID[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, m.MsgHash[:]); err != nil {
		return err
	}
	share, err := wire.ReadVarBytes(r, pver, maxElementSize, "share")
	m.Share = share
	return err
}

// MsgQSigRec 恢复出的 quorum 签名
type MsgQSigRec struct {
	QuorumType LLMQType
	QuorumHash Hash
	ID         Hash
	MsgHash    Hash
	Sig        []byte
}

func (m *MsgQSigRec) Kind() MessageKind { return KindQSigRec }

func (m *MsgQSigRec) Encode(w io.Writer) error {
	if _, err := w.Write([]byte{byte(m.QuorumType)}); err != nil {
		return err
	}
	for _, h := range []*Hash{&m.QuorumHash, &m.ID, &m.MsgHash} {
		if _, err := w.Write(h[:]); err != nil {
			return err
		}
	}
	return wire.WriteVarBytes(w, pver, m.Sig)
}

func (m *MsgQSigRec) Decode(r io.Reader) error {
	var t [1]byte
	if _, err := io.ReadFull(r, t[:]); err != nil {
		return err
	}
	m.QuorumType = LLMQType(t[0])
	for _, h := range []*Hash{&m.QuorumHash, &m.ID, &m.MsgHash} {
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return err
		}
	}
	sig, err := wire.ReadVarBytes(r, pver, maxElementSize, "sig")
	m.Sig = sig
	return err
}

// ========== 编码辅助 ==========

func writeRequestHeader(w io.Writer, t LLMQType, quorumHash Hash, mask DataMask, proTxHash Hash) error {
	var buf [1 + 32 + 2 + 32]byte
	buf[0] = byte(t)
	copy(buf[1:33], quorumHash[:])
	binary.LittleEndian.PutUint16(buf[33:35], uint16(mask))
	copy(buf[35:], proTxHash[:])
	_, err := w.Write(buf[:])
	return err
}

func readRequestHeader(r io.Reader) (t LLMQType, quorumHash Hash, mask DataMask, proTxHash Hash, err error) {
	var buf [1 + 32 + 2 + 32]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return
	}
	t = LLMQType(buf[0])
	copy(quorumHash[:], buf[1:33])
	mask = DataMask(binary.LittleEndian.Uint16(buf[33:35]))
	copy(proTxHash[:], buf[35:])
	return
}

func writeByteList(w io.Writer, list [][]byte) error {
	if err := wire.WriteVarInt(w, pver, uint64(len(list))); err != nil {
		return err
	}
	for _, item := range list {
		if err := wire.WriteVarBytes(w, pver, item); err != nil {
			return err
		}
	}
	return nil
}

func readByteList(r io.Reader, field string) ([][]byte, error) {
	n, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}
	if n > maxListEntries {
		return nil, fmt.Errorf("%s: too many entries %d", field, n)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		item, err := wire.ReadVarBytes(r, pver, maxElementSize, field)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// writeDynBitSet 位数(varint) || 按字节打包的位（低位在前）
func writeDynBitSet(w io.Writer, bits []bool) error {
	if err := wire.WriteVarInt(w, pver, uint64(len(bits))); err != nil {
		return err
	}
	packed := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			packed[i/8] |= 1 << (uint(i) % 8)
		}
	}
	_, err := w.Write(packed)
	return err
}

func readDynBitSet(r io.Reader) ([]bool, error) {
	n, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}
	if n > maxListEntries {
		return nil, fmt.Errorf("bitset too large: %d", n)
	}
	if n == 0 {
		return nil, nil
	}
	packed := make([]byte, (n+7)/8)
	if _, err := io.ReadFull(r, packed); err != nil {
		return nil, err
	}
	bits := make([]bool, n)
	for i := range bits {
		bits[i] = packed[i/8]&(1<<(uint(i)%8)) != 0
	}
	// 多余的填充位必须为 0
	if rem := n % 8; rem != 0 && packed[len(packed)-1]>>rem != 0 {
		return nil, errors.New("non-zero bitset padding")
	}
	return bits, nil
}

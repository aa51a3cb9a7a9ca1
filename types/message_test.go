package types

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQDataCarriesPayload(t *testing.T) {
	req := &MsgQGetData{
		QuorumType: LLMQ_TEST,
		QuorumHash: chainhash.HashH([]byte("quorum")),
		DataMask:   DataAll,
		ProTxHash:  chainhash.HashH([]byte("member")),
	}
	resp := NewQDataFor(req)
	resp.VerificationVector = [][]byte{{1, 2, 3}, {4, 5}}
	resp.EncryptedContributions = [][]byte{make([]byte, 97), make([]byte, 97), make([]byte, 97)}

	raw, err := EncodeMessage(resp)
	require.NoError(t, err)
	assert.Equal(t, byte(KindQData), raw[0])

	decoded, err := DecodeMessage(raw)
	require.NoError(t, err)
	got, ok := decoded.(*MsgQData)
	require.True(t, ok)
	assert.True(t, req.Matches(got))
	assert.Equal(t, QDataErrNone, got.Error)
	assert.Equal(t, resp.VerificationVector, got.VerificationVector)
	assert.Len(t, got.EncryptedContributions, 3)
}

func TestQDataErrorHasEmptySequences(t *testing.T) {
	resp := &MsgQData{QuorumType: 103, DataMask: DataVerificationVector, Error: QDataErrQuorumTypeInvalid}
	raw, err := EncodeMessage(resp)
	require.NoError(t, err)

	decoded, err := DecodeMessage(raw)
	require.NoError(t, err)
	got := decoded.(*MsgQData)
	assert.Equal(t, QDataErrQuorumTypeInvalid, got.Error)
	assert.Empty(t, got.VerificationVector)
	assert.Empty(t, got.EncryptedContributions)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	raw, err := EncodeMessage(&MsgQGetData{QuorumType: LLMQ_TEST, DataMask: DataVerificationVector})
	require.NoError(t, err)

	_, err = DecodeMessage(append(raw, 0x00))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = DecodeMessage(raw[:len(raw)-1])
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := DecodeMessage([]byte{0xee, 0x01})
	assert.ErrorIs(t, err, ErrUnknownMessageKind)
	_, err = DecodeMessage(nil)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestCLSigSignersBitset(t *testing.T) {
	cl := &MsgCLSig{ChainLock: ChainLock{
		Height:    1234,
		BlockHash: chainhash.HashH([]byte("block")),
		Signature: make([]byte, 64),
		Signers:   []bool{true, false, false, true, false, false, false, false, true},
	}}
	raw, err := EncodeMessage(cl)
	require.NoError(t, err)

	decoded, err := DecodeMessage(raw)
	require.NoError(t, err)
	got := decoded.(*MsgCLSig)
	assert.Equal(t, cl.Signers, got.Signers)
	assert.Equal(t, 3, got.SignerCount())
	assert.Equal(t, cl.ChainLock.Hash(), got.ChainLock.Hash())

	// 非零填充位
	raw[len(raw)-1] |= 0x80
	_, err = DecodeMessage(raw)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestLegacyCLSigHasNoSigners(t *testing.T) {
	cl := &MsgCLSig{ChainLock: ChainLock{Height: 7, Signature: []byte{1}}}
	raw, err := EncodeMessage(cl)
	require.NoError(t, err)
	decoded, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Nil(t, decoded.(*MsgCLSig).Signers)
}

func TestDataMask(t *testing.T) {
	assert.True(t, DataAll.Valid())
	assert.False(t, DataMask(0).Valid())
	assert.False(t, DataMask(0x0004).Valid())
	assert.True(t, DataAll.Has(DataEncryptedContributions))
	assert.False(t, DataVerificationVector.Has(DataEncryptedContributions))
}

func TestBlockHeaderBinary(t *testing.T) {
	h := NewTestHeader(ZeroHash, 5, 1, 2)
	h.ProposerID = "mn1"
	raw, err := h.MarshalBinary()
	require.NoError(t, err)

	var got BlockHeader
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.Equal(t, h.Hash, got.Hash)
	assert.Equal(t, int32(5), got.Height)
	assert.Equal(t, int64(2), got.Work.Int64())
	assert.Equal(t, "mn1", got.ProposerID)
}

package hotstuff

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/kauribft/kauri/sign"
)

// Message opcodes. Every p2p frame starts with one of these.
const (
	OpPropose   uint8 = 0x00
	OpVote      uint8 = 0x01
	OpReqBlock  uint8 = 0x02
	OpRespBlock uint8 = 0x03
	OpVoteRelay uint8 = 0x04
)

// All payloads are little-endian and opcode-tagged at the frame layer.
// The quorum certificate carries its partial set explicitly: merging relayed
// certificates requires the per-voter shares, not only the aggregate.

func writeHash(buf *bytes.Buffer, h Hash) {
	buf.Write(h[:])
}

func readHash(r io.Reader) (Hash, error) {
	var h Hash
	_, err := io.ReadFull(r, h[:])
	return h, err
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func readUint32(r io.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readByte(r *bytes.Reader) (byte, error) {
	return r.ReadByte()
}

func encodeQC(buf *bytes.Buffer, qc *QuorumCert, n int) {
	writeHash(buf, qc.objHash)
	bitmap := make([]byte, (n+7)/8)
	voters := qc.Voters()
	for _, id := range voters {
		bitmap[id/8] |= 1 << (id % 8)
	}
	buf.Write(bitmap)
	for _, id := range voters {
		buf.Write(qc.partials[id])
	}
	if qc.aggregated != nil {
		buf.WriteByte(1)
		buf.Write(qc.aggregated)
	} else {
		buf.WriteByte(0)
	}
}

func decodeQC(r *bytes.Reader, n int) (*QuorumCert, error) {
	objHash, err := readHash(r)
	if err != nil {
		return nil, err
	}
	bitmap := make([]byte, (n+7)/8)
	if _, err := io.ReadFull(r, bitmap); err != nil {
		return nil, err
	}
	qc := NewQuorumCert(objHash)
	for id := 0; id < n; id++ {
		if bitmap[id/8]&(1<<(id%8)) == 0 {
			continue
		}
		partial := make([]byte, sign.SigSize)
		if _, err := io.ReadFull(r, partial); err != nil {
			return nil, err
		}
		qc.partials[ReplicaID(id)] = partial
	}
	present, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if present == 1 {
		agg := make([]byte, sign.SigSize)
		if _, err := io.ReadFull(r, agg); err != nil {
			return nil, err
		}
		qc.aggregated = agg
	}
	return qc, nil
}

func encodeBlock(buf *bytes.Buffer, b *Block, n int) {
	writeUint32(buf, b.height)
	writeUint32(buf, uint32(len(b.parents)))
	for _, p := range b.parents {
		writeHash(buf, p)
	}
	if b.justify != nil {
		buf.WriteByte(1)
		encodeQC(buf, b.justify, n)
	} else {
		buf.WriteByte(0)
	}
	writeUint32(buf, uint32(len(b.cmds)))
	for _, c := range b.cmds {
		writeHash(buf, c)
	}
	buf.WriteByte(b.proposer)
	buf.Write(b.sig)
}

func decodeBlock(r *bytes.Reader, n int) (*Block, error) {
	height, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	parentsLen, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if int64(parentsLen)*32 > int64(r.Len()) {
		return nil, errors.New("block names more parents than the payload holds")
	}
	parents := make([]Hash, parentsLen)
	for i := range parents {
		if parents[i], err = readHash(r); err != nil {
			return nil, err
		}
	}
	justifyPresent, err := readByte(r)
	if err != nil {
		return nil, err
	}
	var justify *QuorumCert
	if justifyPresent == 1 {
		if justify, err = decodeQC(r, n); err != nil {
			return nil, err
		}
	}
	cmdsLen, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if int64(cmdsLen)*32 > int64(r.Len()) {
		return nil, errors.New("block names more commands than the payload holds")
	}
	cmds := make([]Hash, cmdsLen)
	for i := range cmds {
		if cmds[i], err = readHash(r); err != nil {
			return nil, err
		}
	}
	proposer, err := readByte(r)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, ed25519.SignatureSize)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, err
	}
	b := NewBlock(parents, height, justify, cmds, proposer)
	b.sig = sig
	return b, nil
}

// EncodeProposal serializes a Propose payload.
func EncodeProposal(p *Proposal, n int) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(p.Proposer)
	encodeBlock(buf, p.Blk, n)
	return buf.Bytes()
}

// DecodeProposal parses a Propose payload.
func DecodeProposal(data []byte, n int) (*Proposal, error) {
	r := bytes.NewReader(data)
	proposer, err := readByte(r)
	if err != nil {
		return nil, err
	}
	blk, err := decodeBlock(r, n)
	if err != nil {
		return nil, err
	}
	return &Proposal{Proposer: proposer, Blk: blk}, nil
}

// EncodeVote serializes a Vote payload.
func EncodeVote(v *Vote) []byte {
	buf := &bytes.Buffer{}
	writeHash(buf, v.BlkHash)
	buf.WriteByte(v.Voter)
	buf.Write(v.Cert.Sig)
	return buf.Bytes()
}

// DecodeVote parses a Vote payload.
func DecodeVote(data []byte) (*Vote, error) {
	r := bytes.NewReader(data)
	blkHash, err := readHash(r)
	if err != nil {
		return nil, err
	}
	voter, err := readByte(r)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, sign.SigSize)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, err
	}
	return &Vote{
		BlkHash: blkHash,
		Voter:   voter,
		Cert:    &PartialCert{ObjHash: blkHash, Voter: voter, Sig: sig},
	}, nil
}

// EncodeVoteRelay serializes a VoteRelay payload.
func EncodeVoteRelay(rel *VoteRelay, n int) []byte {
	buf := &bytes.Buffer{}
	writeHash(buf, rel.BlkHash)
	encodeQC(buf, rel.Cert, n)
	return buf.Bytes()
}

// DecodeVoteRelay parses a VoteRelay payload.
func DecodeVoteRelay(data []byte, n int) (*VoteRelay, error) {
	r := bytes.NewReader(data)
	blkHash, err := readHash(r)
	if err != nil {
		return nil, err
	}
	qc, err := decodeQC(r, n)
	if err != nil {
		return nil, err
	}
	if qc.objHash != blkHash {
		return nil, errors.Errorf("relay block %s does not match its certificate %s", blkHash, qc.objHash)
	}
	return &VoteRelay{BlkHash: blkHash, Cert: qc}, nil
}

// EncodeReqBlock serializes a ReqBlock payload.
func EncodeReqBlock(hashes []Hash) []byte {
	buf := &bytes.Buffer{}
	writeUint32(buf, uint32(len(hashes)))
	for _, h := range hashes {
		writeHash(buf, h)
	}
	return buf.Bytes()
}

// DecodeReqBlock parses a ReqBlock payload.
func DecodeReqBlock(data []byte) ([]Hash, error) {
	r := bytes.NewReader(data)
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if int64(count)*32 > int64(r.Len()) {
		return nil, errors.New("request names more blocks than the payload holds")
	}
	hashes := make([]Hash, count)
	for i := range hashes {
		if hashes[i], err = readHash(r); err != nil {
			return nil, err
		}
	}
	return hashes, nil
}

// EncodeRespBlock serializes a RespBlock payload.
func EncodeRespBlock(blks []*Block, n int) []byte {
	buf := &bytes.Buffer{}
	writeUint32(buf, uint32(len(blks)))
	for _, b := range blks {
		encodeBlock(buf, b, n)
	}
	return buf.Bytes()
}

// DecodeRespBlock parses a RespBlock payload.
func DecodeRespBlock(data []byte, n int) ([]*Block, error) {
	r := bytes.NewReader(data)
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	blks := make([]*Block, 0, count)
	for i := uint32(0); i < count; i++ {
		b, err := decodeBlock(r, n)
		if err != nil {
			return nil, err
		}
		blks = append(blks, b)
	}
	return blks, nil
}

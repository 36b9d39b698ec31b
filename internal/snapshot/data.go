// data.go - 单个快照数据的封装与校验

package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Data 解析后的快照数据
type Data struct {
	VersionHash  uint32
	Reservations []Reservation
	Payload      []byte
}

// NewData 封装负载，写入头部与预留
func NewData(versionHash uint32, reservations []Reservation, payload []byte) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(HeaderSize + 4*len(reservations) + len(payload))

	digest := blake2b.Sum256(payload)
	binary.Write(buf, binary.BigEndian, MagicNumber)
	binary.Write(buf, binary.BigEndian, versionHash)
	binary.Write(buf, binary.BigEndian, uint32(len(reservations)))
	binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(digest[:])

	for _, r := range reservations {
		binary.Write(buf, binary.BigEndian, uint32(r))
	}
	buf.Write(payload)
	return buf.Bytes()
}

// ReadData 校验并解析快照数据
//
// 版本散列或摘要不符时直接拒绝，不尝试部分解析。
func ReadData(raw []byte, opts ...Option) (*Data, error) {
	o := newOptions(opts)
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(raw), HeaderSize)
	}
	if magic := binary.BigEndian.Uint32(raw[magicOffset:]); magic != MagicNumber {
		return nil, fmt.Errorf("%w: bad magic %#08x", ErrVersionMismatch, magic)
	}
	want := VersionHash(o.buildID)
	hash := binary.BigEndian.Uint32(raw[versionHashOffset:])
	if hash != want {
		return nil, fmt.Errorf("%w: snapshot %#08x, build %q is %#08x", ErrVersionMismatch, hash, o.buildID, want)
	}

	numReservations := uint64(binary.BigEndian.Uint32(raw[numReservationsOffset:]))
	payloadLength := uint64(binary.BigEndian.Uint32(raw[payloadLengthOffset:]))
	end := HeaderSize + 4*numReservations + payloadLength
	if end > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, end, len(raw))
	}
	if end < uint64(len(raw)) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrChecksum, uint64(len(raw))-end)
	}
	start := HeaderSize + 4*int(numReservations)

	d := &Data{VersionHash: hash, Reservations: make([]Reservation, numReservations)}
	for i := range d.Reservations {
		d.Reservations[i] = Reservation(binary.BigEndian.Uint32(raw[HeaderSize+4*i:]))
	}
	d.Payload = raw[start:]

	digest := blake2b.Sum256(d.Payload)
	if !bytes.Equal(digest[:], raw[digestOffset:digestOffset+DigestSize]) {
		return nil, ErrChecksum
	}
	return d, nil
}

// Size 预留的总字节数
func (d *Data) Size() uint32 {
	var n uint32
	for _, r := range d.Reservations {
		n += r.ChunkSize()
	}
	return n
}

package pstate

import (
	"perrs"

	"google.golang.org/protobuf/encoding/protowire"
)

// RangeRecord is the wire shape of one address-space or page-pool
// range, tagged by its field number in the payload schema.
type RangeRecord struct {
	Start    uint64
	End      uint64
	NumaNode uint32
	Kind     uint32
}

// Field numbers for RangeRecord, chosen arbitrarily but kept stable
// (this is the "schema" spec §9 asks for, minus a .proto file since
// protoc isn't runnable in this environment).
const (
	fieldStart = protowire.Number(1)
	fieldEnd   = protowire.Number(2)
	fieldNuma  = protowire.Number(3)
	fieldKind  = protowire.Number(4)
)

// AppendRangeRecord appends the wire encoding of r to buf.
func AppendRangeRecord(buf []byte, r RangeRecord) []byte {
	buf = protowire.AppendTag(buf, fieldStart, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.Start)
	buf = protowire.AppendTag(buf, fieldEnd, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.End)
	buf = protowire.AppendTag(buf, fieldNuma, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.NumaNode))
	buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Kind))
	return buf
}

// ConsumeRangeRecord parses one RangeRecord from the front of buf and
// returns the remaining bytes.
func ConsumeRangeRecord(buf []byte) (RangeRecord, []byte, error) {
	var r RangeRecord
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return r, nil, perrs.New(perrs.KindSaveRestore, "pstate.ConsumeRangeRecord", "bad tag")
		}
		buf = buf[n:]
		v, n2 := protowire.ConsumeVarint(buf)
		if n2 < 0 || typ != protowire.VarintType {
			return r, nil, perrs.New(perrs.KindSaveRestore, "pstate.ConsumeRangeRecord", "bad varint field")
		}
		buf = buf[n2:]
		switch num {
		case fieldStart:
			r.Start = v
		case fieldEnd:
			r.End = v
		case fieldNuma:
			r.NumaNode = uint32(v)
		case fieldKind:
			r.Kind = uint32(v)
			// Kind is the last field of a record in our fixed layout;
			// stop here so a list of records can be length-delimited
			// back to back without an explicit record count.
			return r, buf, nil
		}
	}
	return r, buf, nil
}

// AppendBytesField appends a length-delimited byte field (used for
// PFN lists and device-name tables).
func AppendBytesField(buf []byte, num protowire.Number, data []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	buf = protowire.AppendBytes(buf, data)
	return buf
}

// ConsumeBytesField parses one length-delimited field, checking the
// expected field number.
func ConsumeBytesField(buf []byte, want protowire.Number) ([]byte, []byte, error) {
	num, typ, n := protowire.ConsumeTag(buf)
	if n < 0 || typ != protowire.BytesType || num != want {
		return nil, nil, perrs.New(perrs.KindSaveRestore, "pstate.ConsumeBytesField", "unexpected field")
	}
	buf = buf[n:]
	data, n2 := protowire.ConsumeBytes(buf)
	if n2 < 0 {
		return nil, nil, perrs.New(perrs.KindSaveRestore, "pstate.ConsumeBytesField", "bad bytes field")
	}
	return data, buf[n2:], nil
}

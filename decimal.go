package scylla

import (
	"fmt"
	"math/big"

	"gopkg.in/inf.v0"

	"github.com/scylladb/scylla-go-driver/frame"
)

// Decimal binds or reads a CQL decimal column (§6): a 4-byte big-endian
// scale followed by a two's-complement big-endian unscaled value,
// backed by inf.Dec's arbitrary-precision unscaled-value/scale pair.
// Implements Serializable, so a Decimal bound into a partition-key
// column flows straight into Query.token's routing-key bytes like any
// other bind value.
type Decimal struct {
	Dec *inf.Dec
}

// NewDecimal builds a Decimal from an unscaled big.Int and a scale
// (value == unscaled * 10^-scale, matching CQL's on-wire convention).
func NewDecimal(unscaled *big.Int, scale int32) Decimal {
	return Decimal{Dec: inf.NewDecBig(unscaled, inf.Scale(scale))}
}

func (d Decimal) Serialize(opt *frame.Option) (int32, []byte, error) {
	if d.Dec == nil {
		return -1, nil, nil
	}
	if opt != nil && opt.ID != frame.DecimalID {
		return 0, nil, fmt.Errorf("decimal: bind marker is %v, not decimal", opt.ID)
	}

	scale := int32(d.Dec.Scale())
	unscaled := encodeBigInt(d.Dec.UnscaledBig())
	buf := make([]byte, 4+len(unscaled))
	buf[0] = byte(scale >> 24)
	buf[1] = byte(scale >> 16)
	buf[2] = byte(scale >> 8)
	buf[3] = byte(scale)
	copy(buf[4:], unscaled)
	return int32(len(buf)), buf, nil
}

// ParseDecimal decodes a DECIMAL column's raw wire bytes into a
// Decimal, the inverse of Serialize.
func ParseDecimal(raw []byte) (Decimal, error) {
	if len(raw) < 4 {
		return Decimal{}, fmt.Errorf("decimal: short value (%d bytes)", len(raw))
	}
	scale := int32(raw[0])<<24 | int32(raw[1])<<16 | int32(raw[2])<<8 | int32(raw[3])
	unscaled := decodeBigInt(raw[4:])
	return Decimal{Dec: inf.NewDecBig(unscaled, inf.Scale(scale))}, nil
}

func (d Decimal) String() string {
	if d.Dec == nil {
		return "<nil>"
	}
	return d.Dec.String()
}

// encodeBigInt two's-complement big-endian encodes n, the wire format
// CQL's decimal/varint unscaled value shares (§6).
func encodeBigInt(n *big.Int) []byte {
	switch n.Sign() {
	case 0:
		return []byte{0}
	case 1:
		b := n.Bytes()
		if len(b) > 0 && b[0]&0x80 != 0 {
			return append([]byte{0}, b...)
		}
		return b
	default:
		length := uint(n.BitLen()/8 + 1)
		b := make([]byte, length)
		tmp := new(big.Int)
		for i := range b {
			tmp.Rsh(n, uint(i*8))
			b[length-1-uint(i)] = byte(tmp.Int64())
		}
		return b
	}
}

// decodeBigInt is encodeBigInt's inverse.
func decodeBigInt(b []byte) *big.Int {
	n := new(big.Int)
	if len(b) == 0 {
		return n
	}
	if b[0]&0x80 == 0 {
		n.SetBytes(b)
		return n
	}
	inv := make([]byte, len(b))
	for i, c := range b {
		inv[i] = ^c
	}
	n.SetBytes(inv)
	n.Add(n, big.NewInt(1))
	n.Neg(n)
	return n
}

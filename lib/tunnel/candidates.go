package tunnel

import (
	"net/netip"

	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

// maxOffered bounds the candidates a relay offers in CREATED.
const maxOffered = 4

// Candidate is a relay offered by a hop for further extension.
type Candidate struct {
	PublicKey []byte
	Addr      netip.AddrPort
}

// encodeCandidates lays out count B, then per candidate varlenH key and 4sH
// address.
func encodeCandidates(cs []Candidate) ([]byte, error) {
	if len(cs) > 255 {
		cs = cs[:255]
	}
	w := wire.NewWriter(1 + len(cs)*(2+32+6))
	w.Uint8(uint8(len(cs)))
	for _, c := range cs {
		w.VarLenH(c.PublicKey)
		w.Address(c.Addr)
	}
	return w.Bytes()
}

func decodeCandidates(b []byte) ([]Candidate, error) {
	r := wire.NewReader(b)
	n := int(r.Uint8("candidate count"))
	out := make([]Candidate, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		out = append(out, Candidate{
			PublicKey: r.VarLenH("candidate key"),
			Addr:      r.Address("candidate address"),
		})
	}
	if err := r.Done(); err != nil {
		return nil, errs.Wrap(errs.Protocol, "tunnel.decodeCandidates", err)
	}
	return out, nil
}

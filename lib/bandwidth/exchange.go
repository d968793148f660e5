package bandwidth

import (
	"bytes"
	"net/netip"

	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/transport"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"github.com/tunnelfin/go-tunnelfin/lib/wire"
)

// Attestor sends blocks from our chain to counterparties and accepts the
// blocks they send us.
type Attestor struct {
	chain     *Chain
	validator *Validator
	tr        transport.Transport
	community wire.CommunityID
	self      []byte
}

// NewAttestor returns an attestor sending over tr.
func NewAttestor(chain *Chain, validator *Validator, tr transport.Transport, community wire.CommunityID) *Attestor {
	return &Attestor{
		chain:     chain,
		validator: validator,
		tr:        tr,
		community: community,
		self:      chain.signer.PublicKeyBytes(),
	}
}

// Register installs the block handler on m.
func (a *Attestor) Register(m *transport.Mux) {
	m.Handle(wire.KindBandwidthBlock, a.onBlock)
}

// Attest appends a block for rec to our chain and sends it to the
// counterparty at addr.
func (a *Attestor) Attest(counterparty []byte, addr netip.AddrPort, rec Record) (*wire.BandwidthBlock, error) {
	b, err := a.chain.Append(counterparty, rec)
	if err != nil {
		return nil, err
	}
	datagram, err := wire.EncodePlain(a.community, b)
	if err != nil {
		return b, errs.Wrap(errs.Protocol, "(Attestor) Attest", err)
	}
	if _, err := a.tr.Send(datagram, addr); err != nil {
		return b, err
	}
	return b, nil
}

func (a *Attestor) onBlock(from netip.AddrPort, pkt *wire.Packet) {
	b := pkt.Payload.(*wire.BandwidthBlock)
	if !bytes.Equal(b.Counterparty[:], a.self) {
		log.WithFields(logger.Fields{
			"at":     "(Attestor) onBlock",
			"reason": "not addressed to us",
		}).Debug("dropping bandwidth block")
		return
	}
	if err := a.validator.Accept(b); err != nil {
		log.WithFields(logger.Fields{
			"at":       "(Attestor) onBlock",
			"sequence": b.Sequence,
		}).WithError(err).Warn("rejected bandwidth block")
	}
}

package crypto

import (
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

// Layer flags.
const (
	FlagForward byte = 0x00
	FlagDeliver byte = 0x01
)

// WrapForward builds the cell data for an inner message addressed to hops[target].
// The innermost layer is sealed for the target hop, the outermost for hops[0].
func WrapForward(hops []*HopCipher, target int, inner []byte) ([]byte, error) {
	if target < 0 || target >= len(hops) {
		return nil, errs.New(errs.Validation, "crypto.WrapForward", "target hop %d out of range [0,%d)", target, len(hops))
	}
	data, err := hops[target].Encrypt(Forward, append([]byte{FlagDeliver}, inner...))
	if err != nil {
		return nil, err
	}
	for i := target - 1; i >= 0; i-- {
		data, err = hops[i].Encrypt(Forward, append([]byte{FlagForward}, data...))
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// PeelForward removes one forward layer at a hop and returns its flag and
// the remainder.
func PeelForward(h *HopCipher, data []byte) (byte, []byte, error) {
	return peel(h, Forward, data)
}

// WrapBackward adds one backward layer at a hop. A hop originating a message
// uses FlagDeliver; a relay passing a cell towards the originator uses
// FlagForward.
func WrapBackward(h *HopCipher, flag byte, data []byte) ([]byte, error) {
	return h.Encrypt(Backward, append([]byte{flag}, data...))
}

// UnwrapBackward removes backward layers at the originator until one is
// flagged for delivery. It returns the index of the hop that produced the
// message and the inner bytes.
func UnwrapBackward(hops []*HopCipher, data []byte) (int, []byte, error) {
	for i, h := range hops {
		flag, rest, err := peel(h, Backward, data)
		if err != nil {
			return -1, nil, err
		}
		if flag == FlagDeliver {
			return i, rest, nil
		}
		data = rest
	}
	return -1, nil, errs.New(errs.Protocol, "crypto.UnwrapBackward", "no layer flagged for delivery after %d hops", len(hops))
}

func peel(h *HopCipher, d Direction, data []byte) (byte, []byte, error) {
	pt, err := h.Decrypt(d, data)
	if err != nil {
		return 0, nil, err
	}
	if len(pt) == 0 {
		return 0, nil, errs.New(errs.Protocol, "crypto.peel", "empty %s layer", d)
	}
	switch pt[0] {
	case FlagForward, FlagDeliver:
		return pt[0], pt[1:], nil
	default:
		return 0, nil, errs.New(errs.Protocol, "crypto.peel", "unknown layer flag 0x%02x", pt[0])
	}
}

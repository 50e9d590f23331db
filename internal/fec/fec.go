// Package fec implements the single-parity XOR forward error correction
// used to recover one missing data fragment per block. Its package shape
// (doc comments, typed sentinel errors) follows the Reed-Solomon codec this
// implementation's predecessor carried, but the algorithm itself is the
// simpler single-parity XOR scheme the wire protocol actually specifies.
package fec

import "errors"

// ErrBlockSizeMismatch describes fragments whose count disagrees with the
// block's configured size. No function in this package returns it;
// EncodeParity and Recover accept any number of fragments.
var ErrBlockSizeMismatch = errors.New("fec: fragment count does not match block size")

// ErrNoRecoveryPossible describes a block with more than one fragment (or
// none) missing. Recover does not check for this and does not return it;
// callers count the missing fragments before calling Recover.
var ErrNoRecoveryPossible = errors.New("fec: block does not have exactly one missing fragment")

// KeyframeBlockSize is the number of data fragments a single parity
// fragment covers for a keyframe.
const KeyframeBlockSize = 8

// PFrameBlockSize is the number of data fragments a single parity fragment
// covers for a P-frame.
const PFrameBlockSize = 16

// BlockSizeFor returns the FEC block size for a frame, per the wire
// contract: keyframes use smaller blocks since losing a keyframe is more
// costly to recover from by other means.
func BlockSizeFor(isKeyframe bool) int {
	if isKeyframe {
		return KeyframeBlockSize
	}
	return PFrameBlockSize
}

// EncodeParity computes the XOR parity fragment covering fragments, each
// padded to parityLen first (the host pads before XOR-ing so a short final
// fragment in the block doesn't corrupt its neighbors' tail bytes).
func EncodeParity(fragments [][]byte, parityLen int) []byte {
	parity := make([]byte, parityLen)
	for _, frag := range fragments {
		n := len(frag)
		if n > parityLen {
			n = parityLen
		}
		for i := 0; i < n; i++ {
			parity[i] ^= frag[i]
		}
	}
	return parity
}

// Recover reconstructs the single missing fragment in a block from its
// parity fragment and the other received fragments, truncating or
// zero-padding each to missingLen (the missing fragment's expected length).
// received must not include the missing fragment.
func Recover(parity []byte, received [][]byte, missingLen int) []byte {
	out := make([]byte, missingLen)
	n := len(parity)
	if n > missingLen {
		n = missingLen
	}
	copy(out[:n], parity[:n])
	for _, frag := range received {
		n := len(frag)
		if n > missingLen {
			n = missingLen
		}
		for i := 0; i < n; i++ {
			out[i] ^= frag[i]
		}
	}
	return out
}

package frame

// Match is the outcome of classifying a byte window.
type Match uint8

const (
	// NoMatch means the byte at the window start is padding.
	NoMatch Match = iota
	// NeedMore means the window is a proper prefix of a signature.
	NeedMore
	// Matched means a full signature starts at the window start.
	Matched
)

// Classify looks for a protocol signature starting at window[i].
//
// Chlorinator frames start with [16,2]. Broadcast and Pump frames start with
// the preamble [255,0,255] followed by 165; the two are told apart only once
// the header is read, so Classify reports ProtocolBroadcast for both.
func Classify(window []byte, i int) (Protocol, Match) {
	if i < 0 || i >= len(window) {
		return ProtocolUnknown, NeedMore
	}
	w := window[i:]

	if m := matchSignature(w, chlorinatorSignature[:]); m != NoMatch {
		return ProtocolChlorinator, m
	}
	if m := matchSignature(w, broadcastSignature[:]); m != NoMatch {
		return ProtocolBroadcast, m
	}

	return ProtocolUnknown, NoMatch
}

func matchSignature(w, sig []byte) Match {
	n := min(len(w), len(sig))
	for j := 0; j < n; j++ {
		if w[j] != sig[j] {
			return NoMatch
		}
	}
	if n < len(sig) {
		return NeedMore
	}

	return Matched
}

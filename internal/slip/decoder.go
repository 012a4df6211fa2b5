package slip

// Decoder is a streaming SLIP frame decoder. It consumes bytes as they
// arrive off the wire and yields complete, unescaped frames in arrival
// order. Bytes seen before the first End are discarded (synchronizer
// behavior) and consecutive End bytes with an empty buffer collapse
// without emitting an empty frame.
type Decoder struct {
	started  bool
	inEscape bool
	buffer   []byte
}

// NewDecoder returns a ready-to-use streaming decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Reset restores the decoder to its initial state, discarding any
// partially accumulated frame.
func (d *Decoder) Reset() {
	d.started = false
	d.inEscape = false
	d.buffer = nil
}

// Process feeds bytes into the decoder and returns zero or more complete
// frames, in the order they were delimited.
func (d *Decoder) Process(data []byte) [][]byte {
	var frames [][]byte

	for _, b := range data {
		switch {
		case b == End:
			if d.started && len(d.buffer) > 0 {
				frame := d.buffer
				frames = append(frames, frame)
				d.buffer = nil
				d.inEscape = false
				// Still started: a lone End both closes the previous
				// frame and opens the next.
			} else {
				d.started = true
				d.buffer = nil
				d.inEscape = false
			}

		case b == Esc && d.started:
			d.inEscape = true

		case d.started:
			if d.inEscape {
				switch b {
				case EscEnd:
					d.buffer = append(d.buffer, End)
				case EscEsc:
					d.buffer = append(d.buffer, Esc)
				default:
					d.buffer = append(d.buffer, b)
				}
				d.inEscape = false
			} else {
				d.buffer = append(d.buffer, b)
			}

		default:
			// Byte arrived before the first End: discard.
		}
	}

	return frames
}

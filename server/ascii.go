package server

// ASCII-mode (TYPE A) line-ending translation.
//
// The transfer engine moves data one bounded chunk per tick, so the
// translators below work on byte slices and carry their state across chunk
// boundaries instead of wrapping a blocking reader.

// asciiEncoder converts LF to CRLF for downloads. A file that already
// contains CRLF passes through unchanged.
type asciiEncoder struct {
	prevWasCR bool
}

// encode appends the translated form of src to dst and returns it.
func (e *asciiEncoder) encode(dst, src []byte) []byte {
	for _, b := range src {
		if b == '\n' && !e.prevWasCR {
			dst = append(dst, '\r')
		}
		dst = append(dst, b)
		e.prevWasCR = b == '\r'
	}
	return dst
}

// asciiDecoder converts CRLF to LF for uploads. A CR that ends a chunk is
// held back until the next chunk reveals whether it starts a CRLF pair.
type asciiDecoder struct {
	heldCR bool
}

// decode appends the translated form of src to dst and returns it.
func (d *asciiDecoder) decode(dst, src []byte) []byte {
	for _, b := range src {
		if d.heldCR {
			d.heldCR = false
			if b == '\n' {
				dst = append(dst, '\n')
				continue
			}
			dst = append(dst, '\r')
		}
		if b == '\r' {
			d.heldCR = true
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

// flush releases a CR held at end of stream.
func (d *asciiDecoder) flush(dst []byte) []byte {
	if d.heldCR {
		d.heldCR = false
		dst = append(dst, '\r')
	}
	return dst
}

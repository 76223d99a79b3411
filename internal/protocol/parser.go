package protocol

import "bytes"

// ParserStats counts what a Parser has seen since creation or Reset.
type ParserStats struct {
	Frames         uint64 // valid frames emitted
	Discarded      uint64 // bytes dropped while looking for a marker
	ChecksumErrors uint64 // candidate frames rejected by checksum
}

// Parser splits a byte stream into frames. It is not safe for concurrent use;
// the dispatcher's read loop is its only caller.
type Parser struct {
	marker byte
	buf    []byte
	stats  ParserStats
}

// NewParser returns a parser for device-to-host frames.
func NewParser(t Table) *Parser {
	return &Parser{marker: t.MarkerDevice}
}

// NewHostParser returns a parser for host-to-device frames, as seen by a
// device or a line sniffer.
func NewHostParser(t Table) *Parser {
	return &Parser{marker: t.MarkerHost}
}

// Feed appends chunk to the buffered input and returns every complete frame,
// in arrival order. Incomplete trailing bytes are retained for the next call.
func (p *Parser) Feed(chunk []byte) []Frame {
	p.buf = append(p.buf, chunk...)

	var frames []Frame
	i := 0
	for i < len(p.buf) {
		j := bytes.IndexByte(p.buf[i:], p.marker)
		if j < 0 {
			p.stats.Discarded += uint64(len(p.buf) - i)
			i = len(p.buf)
			break
		}
		p.stats.Discarded += uint64(j)
		i += j

		if len(p.buf)-i < HeaderSize {
			break
		}
		n := int(p.buf[i+3])
		total := HeaderSize + n + 1
		if len(p.buf)-i < total {
			break
		}

		typ := p.buf[i+2]
		payload := p.buf[i+HeaderSize : i+HeaderSize+n]
		if Checksum(typ, byte(n), payload) != p.buf[i+total-1] {
			// Drop only the marker so a frame starting inside this
			// candidate is still found.
			p.stats.ChecksumErrors++
			p.stats.Discarded++
			i++
			continue
		}

		f, _ := newFrame(p.marker, p.buf[i+1], typ, payload)
		frames = append(frames, f)
		p.stats.Frames++
		i += total
	}

	rest := copy(p.buf, p.buf[i:])
	p.buf = p.buf[:rest]
	return frames
}

// Buffered returns the number of bytes held for the next Feed.
func (p *Parser) Buffered() int { return len(p.buf) }

// Stats returns the parser counters.
func (p *Parser) Stats() ParserStats { return p.stats }

// Reset drops buffered input and clears the counters.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.stats = ParserStats{}
}

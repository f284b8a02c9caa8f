package audio

// FrameParser regroups arbitrary byte chunks into whole frames, carrying
// any partial frame over to the next push.
type FrameParser struct {
	frame int
	rest  []byte
}

func NewFrameParser(f Format) *FrameParser {
	size := f.FrameSize()
	if size <= 0 {
		size = 1
	}
	return &FrameParser{frame: size}
}

// Push returns the whole frames available after appending data.
func (p *FrameParser) Push(data []byte) []byte {
	buf := data
	if len(p.rest) > 0 {
		buf = append(p.rest, data...)
		p.rest = nil
	}
	whole := len(buf) - len(buf)%p.frame
	if whole < len(buf) {
		p.rest = append([]byte(nil), buf[whole:]...)
	}
	return buf[:whole]
}

// Pending is the number of buffered bytes short of a whole frame.
func (p *FrameParser) Pending() int {
	return len(p.rest)
}

package audio

// Framer slices a continuous float stream into fixed-size windows. It is not
// safe for concurrent use.
type Framer struct {
	size int
	buf  []float32
}

func NewFramer(size int) *Framer {
	if size <= 0 {
		size = WindowSize
	}
	return &Framer{size: size, buf: make([]float32, 0, size)}
}

func (f *Framer) Size() int { return f.size }

// Buffered reports samples held back waiting for a full window.
func (f *Framer) Buffered() int { return len(f.buf) }

// Write appends samples and calls emit once per completed window, in order.
// The slice passed to emit is owned by the callee.
func (f *Framer) Write(samples []float32, emit func(window []float32)) {
	for len(samples) > 0 {
		need := f.size - len(f.buf)
		if need > len(samples) {
			need = len(samples)
		}
		f.buf = append(f.buf, samples[:need]...)
		samples = samples[need:]
		if len(f.buf) == f.size {
			window := make([]float32, f.size)
			copy(window, f.buf)
			f.buf = f.buf[:0]
			if emit != nil {
				emit(window)
			}
		}
	}
}

// Flush emits any partial window zero-padded to full size.
func (f *Framer) Flush(emit func(window []float32)) {
	if len(f.buf) == 0 {
		return
	}
	window := make([]float32, f.size)
	copy(window, f.buf)
	f.buf = f.buf[:0]
	if emit != nil {
		emit(window)
	}
}

func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}

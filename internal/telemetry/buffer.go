package telemetry

import "log"

// ringBuffer is a fixed-capacity FIFO that stores payloads while the
// MQTT broker is unreachable. Not safe for concurrent use; caller must
// synchronize.
type ringBuffer struct {
	buf      [][]byte
	capacity int
	head     int // next write position
	count    int
	overflow bool // true if any message was dropped since last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		buf:      make([][]byte, capacity),
		capacity: capacity,
	}
}

func (r *ringBuffer) push(payload []byte) {
	if r.count == r.capacity {
		if !r.overflow {
			log.Printf("telemetry: buffer full (%d messages), dropping oldest", r.capacity)
			r.overflow = true
		}
		// Overwrite oldest: head is already pointing at it
		r.buf[r.head] = payload
		r.head = (r.head + 1) % r.capacity
		return
	}
	r.buf[r.head] = payload
	r.head = (r.head + 1) % r.capacity
	r.count++
}

// drainAll returns buffered payloads oldest-first and empties the buffer.
func (r *ringBuffer) drainAll() [][]byte {
	if r.count == 0 {
		return nil
	}

	result := make([][]byte, r.count)
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		result[i] = r.buf[(start+i)%r.capacity]
	}

	r.count = 0
	r.head = 0
	r.overflow = false
	return result
}

func (r *ringBuffer) len() int {
	return r.count
}

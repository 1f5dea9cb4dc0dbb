// Package frame defines the raw capture frame passed from the frame source
// through the buffer pool into the encoder.
package frame

import "time"

const bytesPerPixel = 4 // BGRA

// Frame holds one captured frame. Data must not be modified after the frame
// has been handed to the pool; it is shared by reference downstream.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// EstimatedSize returns the estimated in-memory footprint of the frame.
func (f *Frame) EstimatedSize() int64 {
	return int64(f.Width) * int64(f.Height) * bytesPerPixel
}

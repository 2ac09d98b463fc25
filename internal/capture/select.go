package capture

// SelectBestFrame returns the middle frame of the burst, index len/2.
// Edge frames are more likely to carry motion blur or an unsettled pose.
// It returns false for an empty burst.
func SelectBestFrame(burst []Frame) (Frame, bool) {
	if len(burst) == 0 {
		return Frame{}, false
	}
	return burst[len(burst)/2], true
}

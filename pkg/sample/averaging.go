package sample

// Converter transforms a stream of samples into another stream of samples.
type Converter func(in <-chan Sample) <-chan Sample

// NewAveragingConverter creates a converter that replaces every sample with the
// moving average of the last windowSize samples. Sequence and timestamp are
// taken from the newest sample. The output channel closes when in closes.
func NewAveragingConverter(windowSize int, bufSize int) Converter {
	if windowSize <= 0 {
		windowSize = 1 // No averaging if invalid
	}
	if bufSize <= 0 {
		bufSize = 100
	}

	return func(in <-chan Sample) <-chan Sample {
		out := make(chan Sample, bufSize)

		go func() {
			defer close(out)

			window := make([]Sample, 0, windowSize)
			for s := range in {
				window = append(window, s)
				if len(window) > windowSize {
					window = window[1:]
				}
				out <- averageSamples(window)
			}
		}()

		return out
	}
}

// averageSamples averages Raw and Processed over samples.
func averageSamples(samples []Sample) Sample {
	if len(samples) == 0 {
		return Sample{}
	}

	var sumRaw, sumProcessed float64
	for _, s := range samples {
		sumRaw += s.Raw
		sumProcessed += s.Processed
	}

	last := samples[len(samples)-1]
	n := float64(len(samples))
	return Sample{
		Sequence:  last.Sequence,
		Timestamp: last.Timestamp,
		Raw:       sumRaw / n,
		Processed: sumProcessed / n,
	}
}

// Package audio provides audio-domain math for telephony media streams:
// G.711 µ-law decoding and frame-level loudness estimation.
//
// All routines use integer arithmetic on the hot path; a 20 ms PCMU frame is
// 160 bytes and arrives 50 times per second per call, so per-sample float
// work adds up quickly.
package audio

import "math"

// PCMU (G.711 µ-law) constants. One byte is one sample at 8 kHz, so 8 bytes
// correspond to 1 ms of audio.
const (
	// SampleRate is the PCMU sample rate in Hz.
	SampleRate = 8000

	// FrameBytes is the size of a standard 20 ms carrier media frame.
	FrameBytes = 160

	// BytesPerMillisecond converts PCMU payload length to audio duration.
	BytesPerMillisecond = SampleRate / 1000

	// fullScale is the maximum linear magnitude a µ-law byte can decode to.
	// Used to normalise RMS into [0, 1].
	fullScale = 32124

	// mulawBias is the canonical G.711 µ-law bias added before encoding and
	// removed after decoding.
	mulawBias = 0x84
)

// mulawDecodeTable maps each µ-law byte to its linear 16-bit sample.
// Built once at init; a 256-entry table beats per-sample bit fiddling.
var mulawDecodeTable [256]int16

func init() {
	for i := range mulawDecodeTable {
		mulawDecodeTable[i] = decodeMulawByte(byte(i))
	}
}

// decodeMulawByte expands a single µ-law byte into a linear sample using the
// canonical exponent/mantissa bit layout.
func decodeMulawByte(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	sample := ((int32(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias

	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// DecodeMulaw expands µ-law payload bytes into linear 16-bit samples.
func DecodeMulaw(payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = mulawDecodeTable[b]
	}
	return out
}

// MulawRMS computes the root-mean-square magnitude of a µ-law payload in the
// linear domain. The squaring and accumulation are pure integer math; the
// single square root happens once per frame.
func MulawRMS(payload []byte) float64 {
	if len(payload) == 0 {
		return 0
	}
	var sum uint64
	for _, b := range payload {
		s := int64(mulawDecodeTable[b])
		sum += uint64(s * s)
	}
	return math.Sqrt(float64(sum) / float64(len(payload)))
}

// LevelGain scales the normalised RMS so conversational speech lands in a
// useful part of the [0, 1] meter range. UX tuning constant.
const LevelGain = 3.4

// MulawLevel converts a µ-law payload into a display loudness level in
// [0, 1]: RMS, normalised against full scale, boosted by LevelGain, clamped.
func MulawLevel(payload []byte) float64 {
	level := MulawRMS(payload) / fullScale * LevelGain
	if level > 1 {
		return 1
	}
	if level < 0 {
		return 0
	}
	return level
}

// DurationMs returns the audio duration in milliseconds represented by n
// PCMU payload bytes.
func DurationMs(n int) int64 {
	return int64(n) / BytesPerMillisecond
}

package audio

import "encoding/binary"

// PCMBitsPerSample is the bit depth assumed for raw PCM streamed by clients:
// 16-bit signed little-endian.
const PCMBitsPerSample = 16

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a canonical
// 44-byte RIFF/WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := PCMBitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// PCMDurationMs returns the playback length in milliseconds of a raw PCM16
// buffer. Returns 0 for invalid parameters.
func PCMDurationMs(n, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * channels * (PCMBitsPerSample / 8)
	return n * 1000 / bytesPerSec
}

// PCMBytesPerMs returns how many PCM16 bytes make up one millisecond at the
// given rate and channel count, never less than 1.
func PCMBytesPerMs(sampleRate, channels int) int {
	n := sampleRate * channels * (PCMBitsPerSample / 8) / 1000
	if n <= 0 {
		return 1
	}
	return n
}

// SPDX-License-Identifier: MIT

package ingest

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"time"
)

const (
	// The level tap is fixed-format by the pull command: mono 16-bit
	// little-endian PCM at 16 kHz on fd 3.
	meterSampleRate     = 16000
	meterBytesPerSample = 2

	minRMSdB = -100.0
)

// runMeter reads the PCM tap in level_interval windows and emits one RMS
// sample per window. Running time counts decoded audio, not wall clock, so a
// stalled source stops the samples and trips the level-gap watchdog.
func (p *Pipeline) runMeter(r *os.File) {
	defer p.wg.Done()

	samples := int(p.cfg.LevelInterval * meterSampleRate / time.Second)
	if samples <= 0 {
		samples = int(DefaultLevelInterval * meterSampleRate / time.Second)
	}
	buf := make([]byte, samples*meterBytesPerSample)
	windowNs := int64(p.cfg.LevelInterval)

	var runningNs int64
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			// EOF or closed tap: the child is gone, the demux side owns
			// the ending.
			return
		}
		runningNs += windowNs
		p.emitLevel(LevelSample{RMSdB: rmsDB(buf), RunningTimeNs: runningNs})
	}
}

// rmsDB computes the RMS level of 16-bit little-endian mono PCM in dBFS,
// floored at -100 for digital silence.
func rmsDB(pcm []byte) float64 {
	n := len(pcm) / meterBytesPerSample
	if n == 0 {
		return minRMSdB
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += meterBytesPerSample {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		f := float64(s) / 32768
		sum += f * f
	}

	rms := math.Sqrt(sum / float64(n))
	if rms <= 0 {
		return minRMSdB
	}
	db := 20 * math.Log10(rms)
	if db < minRMSdB {
		return minRMSdB
	}
	return db
}

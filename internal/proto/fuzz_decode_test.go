package proto

import (
	"bytes"
	"testing"

	"sessionops/internal/testutil"
)

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, 0})
	f.Add([]byte{0, 0, 0, 3, 0x07, 0xd5, 0x00})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = ReadFrameWithCap(bytes.NewReader(data), SoftMaxFrameSize)
		})
	})
}

func FuzzDecodeEnvelope(f *testing.F) {
	for _, m := range sampleMessages() {
		env, err := Default.Encode(m)
		if err != nil {
			f.Fatalf("encode seed: %v", err)
		}
		f.Add(env)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			m, err := Default.Decode(data)
			if err != nil {
				return
			}
			if _, err := Default.Encode(m); err != nil {
				t.Fatalf("re-encode decoded %s: %v", Default.NameOf(m), err)
			}
		})
	})
}

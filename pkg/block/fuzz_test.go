package block

import (
	"encoding/json"
	"testing"
)

// FuzzCompleteBlockUnmarshal tests that arbitrary JSON input does not
// panic when unmarshaled into a CompleteBlock.
func FuzzCompleteBlockUnmarshal(f *testing.F) {
	f.Add([]byte(`{"header":{"version":1,"timestamp":1000,"height":0},"miner_tx":null,"transactions":[]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"header":null}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var b CompleteBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return // Invalid JSON is expected.
		}
		b.Hash()
	})
}

// FuzzHeaderUnmarshal tests that arbitrary JSON input does not panic when
// unmarshaled into a Header struct.
func FuzzHeaderUnmarshal(f *testing.F) {
	f.Add([]byte(`{"version":1,"timestamp":1000,"height":0}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"difficulty":18446744073709551615}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var h Header
		if err := json.Unmarshal(data, &h); err != nil {
			return
		}
		h.Hash()
		h.SigningBytes()
	})
}

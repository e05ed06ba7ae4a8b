package response

import (
	"testing"

	"github.com/scylladb/scylla-go-driver/frame"
)

var dummyA *Authenticate

// We want to make sure that parsing does not crash the driver even for
// random data. We assign the result to a global variable to avoid the
// compiler optimizing the call away.
func FuzzAuthenticate(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) { //nolint:thelper // This is not a helper function.
		var buf frame.Buffer
		buf.Write(data) //nolint:errcheck // bytes.Buffer.Write never errors.
		out := ParseAuthenticate(&buf)
		dummyA = out
	})
}

var dummyE CodedError

func FuzzError(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) { //nolint:thelper
		var buf frame.Buffer
		buf.Write(data) //nolint:errcheck
		dummyE = ParseError(&buf)
	})
}

var dummyR *Result

func FuzzResult(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) { //nolint:thelper
		var buf frame.Buffer
		buf.Write(data) //nolint:errcheck
		dummyR, _ = ParseResult(&buf)
	})
}

var dummyEv Event

func FuzzEvent(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) { //nolint:thelper
		var buf frame.Buffer
		buf.Write(data) //nolint:errcheck
		dummyEv, _ = ParseEvent(&buf)
	})
}

var dummyS *Supported

func FuzzSupported(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) { //nolint:thelper
		var buf frame.Buffer
		buf.Write(data) //nolint:errcheck
		dummyS = ParseSupported(&buf)
	})
}

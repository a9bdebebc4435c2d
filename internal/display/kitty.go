package display

import (
	"encoding/base64"
	"fmt"
	"io"
)

const (
	apcStart  = "\x1b_G"
	apcEnd    = "\x1b\\"
	chunkSize = 4096

	// transmit and display a PNG without terminal replies
	transmitPNG = "a=T,f=100,q=2"
)

// writeKitty sends png as one graphics command, split into base64 chunks of
// at most chunkSize bytes. Every chunk but the last carries m=1.
func writeKitty(out io.Writer, png []byte) error {
	if len(png) == 0 {
		return nil
	}
	payload := base64.StdEncoding.EncodeToString(png)

	for first := true; len(payload) > 0; first = false {
		n := min(chunkSize, len(payload))
		chunk := payload[:n]
		payload = payload[n:]

		more := len(payload) > 0
		var keys string
		switch {
		case first && more:
			keys = transmitPNG + ",m=1"
		case first:
			keys = transmitPNG
		case more:
			keys = "m=1"
		default:
			keys = "m=0"
		}
		if _, err := fmt.Fprintf(out, "%s%s;%s%s", apcStart, keys, chunk, apcEnd); err != nil {
			return err
		}
	}
	return nil
}

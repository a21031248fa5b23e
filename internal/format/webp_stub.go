//go:build !cgo

package format

import "fmt"

func newWebPEncoder(quality int) (Encoder, error) {
	return nil, fmt.Errorf("webp: native libwebp encoder requires CGO (install libwebp-dev and build with CGO_ENABLED=1)")
}

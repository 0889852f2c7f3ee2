package filter

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// NewXDRFactory produces codec filters converting between byte frames and
// values of T using XDR encoding (RFC 4506). T is typically a flat struct
// of the message fields; each frame carries exactly one value.
func NewXDRFactory[T any]() Factory[[]byte, T] {
	return FactoryFunc[[]byte, T](func(Connection) Filter[[]byte, T] {
		return xdrFilter[T]{}
	})
}

type xdrFilter[T any] struct{}

func (xdrFilter[T]) Inbound(in ReadQueue[[]byte], out WriteQueue[T]) error {
	for frame, ok := in.Poll(); ok; frame, ok = in.Poll() {
		var v T
		if _, err := xdr.Unmarshal(bytes.NewReader(frame), &v); err != nil {
			return fmt.Errorf("xdr decode: %w", err)
		}
		out.Add(v)
	}
	return nil
}

func (xdrFilter[T]) Outbound(in ReadQueue[T], out WriteQueue[[]byte]) error {
	for v, ok := in.Poll(); ok; v, ok = in.Poll() {
		var buf bytes.Buffer
		if _, err := xdr.Marshal(&buf, &v); err != nil {
			return fmt.Errorf("xdr encode: %w", err)
		}
		out.Add(buf.Bytes())
	}
	return nil
}

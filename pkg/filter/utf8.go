package filter

// NewUTF8Factory produces filters converting between byte frames and Go
// strings. Inbound frames are interpreted as UTF-8 text; outbound strings
// become one frame each.
func NewUTF8Factory() Factory[[]byte, string] {
	return FactoryFunc[[]byte, string](func(Connection) Filter[[]byte, string] {
		return utf8Filter{}
	})
}

type utf8Filter struct{}

func (utf8Filter) Inbound(in ReadQueue[[]byte], out WriteQueue[string]) error {
	for frame, ok := in.Poll(); ok; frame, ok = in.Poll() {
		out.Add(string(frame))
	}
	return nil
}

func (utf8Filter) Outbound(in ReadQueue[string], out WriteQueue[[]byte]) error {
	for s, ok := in.Poll(); ok; s, ok = in.Poll() {
		out.Add([]byte(s))
	}
	return nil
}

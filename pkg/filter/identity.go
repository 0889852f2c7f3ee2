package filter

// NewIdentityFactory produces filters that pass messages through unchanged.
// Useful as a chain stage placeholder and in tests that assert traversal
// topology rather than transformation.
func NewIdentityFactory[T any]() Factory[T, T] {
	return FactoryFunc[T, T](func(Connection) Filter[T, T] {
		return identityFilter[T]{}
	})
}

type identityFilter[T any] struct{}

func (identityFilter[T]) Inbound(in ReadQueue[T], out WriteQueue[T]) error {
	Drain(in, out)
	return nil
}

func (identityFilter[T]) Outbound(in ReadQueue[T], out WriteQueue[T]) error {
	Drain(in, out)
	return nil
}

package handel

// Protocol binds the partitioner, the registry and the contribution type of
// one deployment. ID is the type used to identify senders.
type Protocol[ID any, C Contribution[C]] interface {
	// Partitioner returns the partitioner of this node.
	Partitioner() Partitioner

	// Registry returns the registry resolving contributors.
	Registry() Registry
}

// NewStore creates an empty ReplaceStore typed by protocol.
func NewStore[ID any, C Contribution[C]](protocol Protocol[ID, C]) *ReplaceStore[ID, C] {
	return NewReplaceStore[ID, C](protocol.Partitioner())
}

package tp

// Protocol is the capability every transport variant exposes to the layers
// above it. Requests are queued by SendRequest, responses are fetched by
// ReadResponse, and Cycle moves both queues against the dispatcher.
type Protocol interface {
	SendRequest(s Service) error
	ReadResponse() (Service, error)
	Cycle() error
	ClearServiceQueues()
	// ClearDispatcherQueue drops anything the dispatcher buffered for this
	// transport. Call it after re-addressing a shared connection.
	ClearDispatcherQueue() error
	SetNodeIdentifiers(client, server NodeID) error
	NodeIdentifiers() (client, server NodeID)
}

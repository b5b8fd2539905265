package pkg

import "errors"

var (
	// ErrInvalidKey is returned when a key is not exactly 40 hex characters
	ErrInvalidKey = errors.New("invalid key")

	// ErrRangeConflict is returned when a range would overlap an existing one
	ErrRangeConflict = errors.New("range conflict")

	// ErrRangeNotFound is returned when no range contains the given key
	ErrRangeNotFound = errors.New("range not found")

	// ErrNoData is returned when a key is not stored anywhere
	ErrNoData = errors.New("no data")

	// ErrChecksumMismatch is returned when a block payload does not match its header checksum
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrCorruptBlock is returned when a block header is truncated or carries a wrong label
	ErrCorruptBlock = errors.New("corrupt block")

	// ErrOperationTimeout is returned when a synchronous call gets no response in time
	ErrOperationTimeout = errors.New("operation timeout")

	// ErrNotMyNeighbour is returned when a peer disagrees about a neighbour relation
	ErrNotMyNeighbour = errors.New("not my neighbour")

	// ErrInvalidSplit is returned when split bounds do not share exactly one endpoint with the range
	ErrInvalidSplit = errors.New("invalid split bounds")

	// ErrPartitionBusy is returned when a partition is already split or has no children to join
	ErrPartitionBusy = errors.New("partition busy")

	// ErrNodeNotReady is returned when a DHT operation reaches a node that is still initializing
	ErrNodeNotReady = errors.New("node not ready")

	// ErrNoFreeSpace is returned when the data volume is over its danger threshold
	ErrNoFreeSpace = errors.New("no free space")

	// ErrStorageUnavailable is returned when storage is closed
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrPermissionDenied is returned when the role check rejects a request
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnknownMethod is returned when no operation is registered for a method
	ErrUnknownMethod = errors.New("unknown method")
)

// ErrOldData is returned when a careful save finds a newer local copy
var ErrOldData = errors.New("stored data is newer")

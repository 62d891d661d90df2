package proto

// The id space is a single monotonic counter per endpoint. Processes, pipes,
// remotes and edits all draw from it; the distinct types below exist only so
// the compiler keeps the views apart.

// ProcessId identifies an enqueued process.
type ProcessId uint64

// RemoteId identifies a backend in the remote tree. RemoteId(0) is always
// the endpoint itself.
type RemoteId uint64

// Root is every endpoint's own remote id.
const Root RemoteId = 0

// GenericPipe is the untyped view of a pipe id.
type GenericPipe uint64

// ReadPipe is the read end of a pipe.
type ReadPipe uint64

// WritePipe is the write end of a pipe.
type WritePipe uint64

func (p ReadPipe) Generic() GenericPipe  { return GenericPipe(p) }
func (p WritePipe) Generic() GenericPipe { return GenericPipe(p) }

// Ids allocates ids from a monotonic counter. Id 0 is reserved (pipe 0 and
// the root remote), so allocation starts at 1.
//
// Not safe for concurrent use; the owning actor serializes access.
type Ids struct {
	next uint64
}

func NewIds() *Ids {
	return &Ids{next: 1}
}

// Next returns the current counter value and increments it.
func (i *Ids) Next() uint64 {
	res := i.next
	i.next++
	return res
}

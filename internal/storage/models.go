package storage

// TransferStatus tracks a file's copy in the remote tier.
type TransferStatus string

const (
	StatusPending     TransferStatus = "pending"
	StatusReplicating TransferStatus = "replicating"
	StatusReplicated  TransferStatus = "replicated"
	StatusFailed      TransferStatus = "failed"
)

// validTransitions lists the allowed status moves.
var validTransitions = map[TransferStatus][]TransferStatus{
	StatusPending:     {StatusReplicating},
	StatusReplicating: {StatusReplicated, StatusFailed, StatusPending},
	StatusFailed:      {StatusReplicating},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to TransferStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type File struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Size      int64          `json:"size"`
	MimeType  string         `json:"mime_type,omitempty"`
	KeyID     string         `json:"key_id"`
	Status    TransferStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// Key is a per-file encryption key identity. The key itself is derived from
// the server secret and Salt and never stored.
type Key struct {
	ID        string `json:"id"`
	Salt      []byte `json:"-"`
	CreatedAt int64  `json:"created_at"`
}

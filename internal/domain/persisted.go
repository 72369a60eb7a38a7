package domain

// PersistedPortEntry is the durable configuration of one port.
type PersistedPortEntry struct {
	Location PortLocation     `json:"location"`
	Role     Role             `json:"role"`
	SubRole  SubRole          `json:"sub_role"`
	Logical  Optional[uint32] `json:"logical"`
	Group    IOMGroup         `json:"group"`
}

// IsBootEntry reports whether the entry is the reserved BE 0 slot.
func (e PersistedPortEntry) IsBootEntry() bool {
	n, ok := e.Logical.Get()
	return ok && n == 0 && e.Role == RoleBE
}

// PersistedConfig is the decoded content of the persistent blob.
type PersistedConfig struct {
	Ports []PersistedPortEntry `json:"ports"`
	// Mgmt holds the last known-good settings per management module slot.
	Mgmt []Optional[MgmtPortSettings] `json:"mgmt"`
}

// RebootTarget names which controllers must reboot to apply a change.
type RebootTarget string

const (
	RebootNone  RebootTarget = ""
	RebootLocal RebootTarget = "LOCAL"
	RebootPeer  RebootTarget = "PEER"
	RebootBoth  RebootTarget = "BOTH"
)

// Merge combines two reboot requests.
func (r RebootTarget) Merge(other RebootTarget) RebootTarget {
	switch {
	case r == other || other == RebootNone:
		return r
	case r == RebootNone:
		return other
	default:
		return RebootBoth
	}
}

package failover

// Status is the HA role of this node.
type Status string

const (
	// StatusSingle is a node without HA configured.
	StatusSingle Status = "SINGLE"
	// StatusMaster is the active controller.
	StatusMaster Status = "MASTER"
	// StatusBackup is the standby controller.
	StatusBackup Status = "BACKUP"
	// StatusError means the role could not be determined.
	StatusError Status = "ERROR"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSingle, StatusMaster, StatusBackup, StatusError:
		return true
	}
	return false
}

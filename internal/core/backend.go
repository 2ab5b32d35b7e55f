package core

import "context"

// EnforcementBackend installs and removes rules on forwarding devices.
// Every call may block on device I/O and may fail; implementations wrap
// transport failures with ErrBackendUnavailable.
type EnforcementBackend interface {
	// Install programs rule on its device and returns a handle for removal.
	Install(ctx context.Context, rule RuleDescription) (RuleHandle, error)
	// Remove deletes a previously installed rule.
	Remove(ctx context.Context, handle RuleHandle) error
	// RemoveAllByOwner deletes every rule installed on behalf of owner.
	RemoveAllByOwner(ctx context.Context, owner string) error
	// ListActive returns the rules currently active on device, whoever
	// installed them.
	ListActive(ctx context.Context, device DeviceID) ([]RuleDescription, error)
}

// DeviceLister enumerates the forwarding devices currently available.
type DeviceLister interface {
	Devices(ctx context.Context) ([]DeviceID, error)
}

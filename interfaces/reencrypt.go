package interfaces

import "time"

// MassReencryptOptions configures a mass re-encryption run. The zero value
// is treated as DefaultMassReencryptOptions; to tune the run, start from
// the defaults and override fields as needed.
type MassReencryptOptions struct {
	// Retries is the number of additional attempts for a failing key page.
	Retries int
	// RetrieveBatchSize is the pagination size when enumerating missing
	// keys.
	RetrieveBatchSize int
	// WaitBetweenRetries is the fixed delay between page retries.
	WaitBetweenRetries time.Duration
	// WaitProvisioning makes the run poll for the target device instead of
	// failing immediately when it is not visible server-side yet.
	WaitProvisioning bool
	// WaitProvisioningTime is the initial poll delay.
	WaitProvisioningTime time.Duration
	// WaitProvisioningTimeMax caps the poll delay.
	WaitProvisioningTimeMax time.Duration
	// WaitProvisioningTimeStep is the linear increase applied to the poll
	// delay after each attempt.
	WaitProvisioningTimeStep time.Duration
	// WaitProvisioningRetries bounds the number of provisioning polls.
	WaitProvisioningRetries int
	// ForceLocalAccountUpdate refreshes the local account before the run.
	ForceLocalAccountUpdate bool
}

// DefaultMassReencryptOptions returns the documented defaults: 3 retries,
// batches of 1000, 3s between retries, provisioning polls starting at 5s,
// growing by 1s up to 10s, at most 100 polls.
func DefaultMassReencryptOptions() MassReencryptOptions {
	return MassReencryptOptions{
		Retries:                  3,
		RetrieveBatchSize:        1000,
		WaitBetweenRetries:       3 * time.Second,
		WaitProvisioning:         true,
		WaitProvisioningTime:     5 * time.Second,
		WaitProvisioningTimeMax:  10 * time.Second,
		WaitProvisioningTimeStep: time.Second,
		WaitProvisioningRetries:  100,
		ForceLocalAccountUpdate:  false,
	}
}

// MassReencryptResponse aggregates the outcome of a mass re-encryption run.
// Individual key failures do not abort the run; they are counted in Failed.
type MassReencryptResponse struct {
	// Reencrypted is the number of session keys copied to the device.
	Reencrypted int `json:"reencrypted"`
	// Failed is the number of session keys that could not be copied.
	Failed int `json:"failed"`
}

// DeviceMissingKeys identifies a device of the current account which is
// missing some session keys and should be mass re-encrypted for.
type DeviceMissingKeys struct {
	DeviceID DeviceID `json:"device_id"`
}

// GetSigchainResponse is the result of a sigchain hash query.
type GetSigchainResponse struct {
	// Hash is the hex-encoded sigchain hash at the requested position.
	Hash string `json:"hash"`
	// Position of the hash in the sigchain.
	Position int `json:"position"`
}

// CheckSigchainResponse is the result of a sigchain hash check.
type CheckSigchainResponse struct {
	// Found reports whether the expected hash is present.
	Found bool `json:"found"`
	// Position where the hash was found, 0 when absent.
	Position int `json:"position"`
	// LastPosition is the position of the last transaction in the chain.
	LastPosition int `json:"last_position"`
}

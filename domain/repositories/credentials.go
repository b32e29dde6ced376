package repositories

// CredentialValidator validates device credentials for transport-level
// authentication. Credential issuance and storage live outside this server;
// only this narrow check is consumed here.
type CredentialValidator interface {
	// ValidateDevice checks a serial/secret pair and returns the device id
	// and owning user id on success.
	ValidateDevice(serialNumber, secret string) (deviceID string, userID string, err error)
}

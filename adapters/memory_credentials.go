package adapters

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/swaralabs/swara/domain/repositories"
)

type deviceCredential struct {
	secret   string
	deviceID string
	userID   string
}

// MemoryCredentialStore is an in-memory implementation of
// CredentialValidator, suitable as a simple storage backend for small
// deployments.
type MemoryCredentialStore struct {
	mu      sync.RWMutex
	devices map[string]deviceCredential // serial_number -> credential
}

var _ repositories.CredentialValidator = (*MemoryCredentialStore)(nil)

// NewMemoryCredentialStore creates an empty credential store
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		devices: make(map[string]deviceCredential),
	}
}

// Register records a device's credentials and returns its generated ID
func (m *MemoryCredentialStore) Register(serialNumber, secret, userID string) (string, error) {
	if serialNumber == "" {
		return "", errors.New("serial number cannot be empty")
	}
	if secret == "" {
		return "", errors.New("secret cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[serialNumber]; exists {
		return "", errors.New("device with this serial number already exists")
	}

	deviceID := uuid.New().String()
	m.devices[serialNumber] = deviceCredential{
		secret:   secret,
		deviceID: deviceID,
		userID:   userID,
	}
	return deviceID, nil
}

// ValidateDevice validates device credentials (serial number + secret)
func (m *MemoryCredentialStore) ValidateDevice(serialNumber, secret string) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	credential, exists := m.devices[serialNumber]
	if !exists {
		return "", "", errors.New("device not found")
	}
	if credential.secret != secret {
		return "", "", errors.New("invalid credentials")
	}
	return credential.deviceID, credential.userID, nil
}

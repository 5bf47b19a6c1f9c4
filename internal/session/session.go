package session

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session records every resource provisioned for one run. It is written to
// disk after setup so an interrupted run can still be torn down later.
type Session struct {
	Name            string    `json:"name"`
	Provider        string    `json:"provider"`
	KeyName         string    `json:"key_name,omitempty"`
	KeyID           string    `json:"key_id,omitempty"`
	KeyPath         string    `json:"key_path,omitempty"`
	SecurityGroupID string    `json:"security_group_id,omitempty"`
	InstanceID      string    `json:"instance_id,omitempty"`
	InstanceIP      string    `json:"instance_ip,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// New creates a session with a timestamp-derived unique name.
// The uuid suffix disambiguates runs started within the same second.
func New(prefix, provider string) *Session {
	now := time.Now()
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return &Session{
		Name:      fmt.Sprintf("%s-%d-%s", prefix, now.Unix(), suffix),
		Provider:  provider,
		CreatedAt: now,
	}
}

// StateFile returns the path the session is persisted to
func (s *Session) StateFile() string {
	return s.Name + ".session.json"
}

// Save persists the session to its state file
func (s *Session) Save() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return os.WriteFile(s.StateFile(), data, 0644)
}

// Load loads a session from a state file
func Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &s, nil
}

// RemoveStateFile deletes the persisted session file, tolerating it being gone
func (s *Session) RemoveStateFile() error {
	if err := os.Remove(s.StateFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

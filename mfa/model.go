package mfa

import (
	"slices"
	"time"
)

// Method names a second factor.
type Method string

const (
	MethodTOTP   Method = "totp"
	MethodSMS    Method = "sms"
	MethodBackup Method = "backup_code"
)

// UserConfig is the persisted two-factor state of one user. It is created
// lazily by the first setup call.
//
// Pending fields hold enrollment material that has not been confirmed yet,
// so re-enrolling never disables a factor that already works.
type UserConfig struct {
	UserID string `json:"user_id"`

	TOTPEnabled       bool      `json:"totp_enabled"`
	TOTPSecret        string    `json:"totp_secret,omitempty"`
	PendingTOTPSecret string    `json:"pending_totp_secret,omitempty"`
	TOTPVerifiedAt    time.Time `json:"totp_verified_at,omitzero"`

	SMSEnabled         bool      `json:"sms_enabled"`
	PhoneNumber        string    `json:"phone_number,omitempty"`
	PendingPhoneNumber string    `json:"pending_phone_number,omitempty"`
	SMSVerifiedAt      time.Time `json:"sms_verified_at,omitzero"`

	// BackupCodes are hex SHA-256 hashes; plaintext codes are never stored.
	BackupCodes []string `json:"backup_codes,omitempty"`

	PreferredMethod Method    `json:"preferred_method,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (c *UserConfig) Enabled() bool {
	return c.TOTPEnabled || c.SMSEnabled
}

func (c *UserConfig) MethodEnabled(m Method) bool {
	switch m {
	case MethodTOTP:
		return c.TOTPEnabled
	case MethodSMS:
		return c.SMSEnabled
	default:
		return false
	}
}

// EnabledMethods lists enabled factors in a stable order.
func (c *UserConfig) EnabledMethods() []Method {
	out := make([]Method, 0, 2)
	if c.TOTPEnabled {
		out = append(out, MethodTOTP)
	}
	if c.SMSEnabled {
		out = append(out, MethodSMS)
	}
	return out
}

// redacted returns a copy safe to hand to callers.
func (c *UserConfig) redacted() *UserConfig {
	out := *c
	out.TOTPSecret = ""
	out.PendingTOTPSecret = ""
	out.BackupCodes = slices.Clone(c.BackupCodes)
	return &out
}

// smsOTP is the single outstanding SMS code of a user. Phone pins the code
// to the number it was sent to.
type smsOTP struct {
	UserID    string    `json:"user_id"`
	CodeHash  string    `json:"code_hash"`
	Phone     string    `json:"phone"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TOTPSetup is returned by SetupTOTP for display in an authenticator app.
type TOTPSetup struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

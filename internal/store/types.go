package store

import "time"

// User is an account. Accounts referenced by request records are disabled
// rather than deleted so the records stay attributable.
type User struct {
	ID                 int64
	Username           string
	Email              string
	PasswordHash       string
	IsAdmin            bool
	Disabled           bool
	MustChangePassword bool
	FailedLogins       int
	FirstFailedAt      *time.Time
	LockedUntil        *time.Time
	Lockouts           int
	LastLoginAt        *time.Time
	CreatedAt          time.Time
}

// Session is a login session: one JWT jti plus one refresh token hash.
type Session struct {
	ID               string
	UserID           int64
	AccessTokenJTI   string
	RefreshTokenHash string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	UserAgent        string
	RemoteAddr       string
	Revoked          bool
}

// APIToken is an opaque long-lived credential. Only the hash and display
// prefix are stored.
type APIToken struct {
	ID              string
	UserID          int64
	Name            string
	TokenHash       string
	Prefix          string
	PermissionsJSON *string
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	LastUsedAt      *time.Time
	Revoked         bool
}

// HubConfig is a per-user upstream hub endpoint. The access token is held
// encrypted; decryption happens only at call time.
type HubConfig struct {
	ID                 string
	UserID             int64
	Name               string
	URL                string
	TokenCipher        string
	LastProbeAt        *time.Time
	LastProbeStatus    string
	LastProbeLatencyMS *int64
	LastProbeVersion   string
	LastProbeEntities  *int64
	IsDefault          bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Permission is one row of the tool permission matrix.
type Permission struct {
	CanRead    bool
	CanWrite   bool
	CanExecute bool
	Enabled    bool
}

// RequestRecord is the append-only audit row written for every tool
// invocation, including rejected ones.
type RequestRecord struct {
	ID          string
	SessionID   string
	UserID      int64
	ToolName    string
	Priority    string
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	QueueWaitMS *int64
	ExecMS      *int64
	Status      string
	ErrorCode   string
}

// Request statuses.
const (
	RequestOK        = "ok"
	RequestErr       = "err"
	RequestTimeout   = "timeout"
	RequestCancelled = "cancelled"
)

// ErrorRecord captures a failure, optionally tied to a request record.
type ErrorRecord struct {
	ID               int64
	RequestID        *string
	Kind             string
	Message          string
	StacktraceDigest string
	TS               time.Time
}

// LogEntry is a persisted WARN+ log line.
type LogEntry struct {
	ID         int64
	Level      string
	Category   string
	Message    string
	FieldsJSON string
	TS         time.Time
}

// System key purposes.
const (
	KeyPurposeHubToken = "hub_token_encryption"
	KeyPurposeJWT      = "jwt_signing"
)

// SystemKey is key material for one purpose. Exactly one row per purpose is
// active; rotation deactivates the old row and inserts a new one.
type SystemKey struct {
	KeyID     string
	Purpose   string
	Value     string
	Active    bool
	CreatedAt time.Time
	RotatedAt *time.Time
}

// LockoutPolicy drives login-failure accounting inside the store so the
// whole decision commits in one transaction.
type LockoutPolicy struct {
	Threshold int
	Window    time.Duration
	Base      time.Duration
	Max       time.Duration
}

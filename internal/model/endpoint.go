package model

// Kind names the database technology an Endpoint or connector speaks.
type Kind string

const (
	KindOracle   Kind = "oracle"
	KindPostgres Kind = "postgres"
	KindMySQL    Kind = "mysql"
	KindBigQuery Kind = "bigquery"
)

// Role distinguishes whether an Endpoint is used as a task's source or
// target within a given task.
type Role string

const (
	RoleSource Role = "source"
	RoleTarget Role = "target"
)

// Endpoint is an immutable-per-run connection descriptor. Endpoints are
// read-only from the core's perspective; mutation is the collaborator's
// (the control-plane's) responsibility.
type Endpoint struct {
	ID   string
	Name string
	Kind Kind
	Role Role

	Host     string
	Port     int
	Database string // schema/service/SID depending on Kind
	Username string

	// Password is the ciphertext as persisted; the core decrypts it via
	// internal/secrets before opening a connection. Empty if the endpoint
	// uses credentials_json (BigQuery) instead.
	Password string

	// ServiceName is the Oracle service/SID, mutually exclusive with
	// Database for Oracle endpoints that address a service rather than a
	// plain database name.
	ServiceName string

	// Dataset and CredentialsJSON are BigQuery-specific.
	Dataset         string
	CredentialsJSON string

	// TargetSchema names where objects are created; meaningful only when
	// Role == RoleTarget.
	TargetSchema string

	Options map[string]string
}

package config

// Default paths for databases
const (
	// DefaultDatabasePath is the default path for the main circulation database
	DefaultDatabasePath = "./circulation.db"

	// DefaultTasksDatabasePath is the default path for the background task queue database
	DefaultTasksDatabasePath = "./circulation-tasks.db"
)

// Default circulation amounts, kept as strings so they parse exactly as decimals.
const (
	DefaultFinePerDay             = "0.10"
	DefaultCompensationMultiplier = "2"
)

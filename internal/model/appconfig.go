package model

// AppConfig holds tool-wide settings loaded from the user's config file.
// The rack-to-press table is configuration rather than a constant because
// the physical deck layout has changed between robot revisions.
type AppConfig struct {
	DatabasePath string `yaml:"database_path"`
	BackupDir    string `yaml:"backup_dir"`
	OutputDir    string `yaml:"output_dir"`

	// RackToPress maps each press number to the rack-position class it
	// accepts when rack/press linking is enabled.
	RackToPress map[int]int `yaml:"rack_to_press"`

	// ReturnStep is the step number that marks a cell as returned to the
	// rack and therefore finished.
	ReturnStep int `yaml:"return_step"`

	// ElectrolyteSafetyFactor scales all required electrolyte volumes to
	// cover dispensing losses.
	ElectrolyteSafetyFactor float64 `yaml:"electrolyte_safety_factor"`

	// RejectionCostFactor is the penalty multiplier for electrode pairings
	// outside the acceptable N:P ratio band. Higher values reject fewer
	// cells at the price of worse ratios among the accepted ones.
	RejectionCostFactor float64 `yaml:"rejection_cost_factor"`

	// ExactTimeoutSeconds bounds the exact 3D matching search.
	ExactTimeoutSeconds int `yaml:"exact_timeout_seconds"`
}

// DefaultRackToPress returns the deck layout of the current robot revision.
// The table is a permutation: each press owns exactly one rack class.
func DefaultRackToPress() map[int]int {
	return map[int]int{1: 1, 2: 4, 3: 2, 4: 5, 5: 3, 6: 6}
}

// DefaultAppConfig returns an AppConfig populated with the values used by
// the lab installation.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		DatabasePath:            "chemspeed.db",
		BackupDir:               "backups",
		OutputDir:               "outputs",
		RackToPress:             DefaultRackToPress(),
		ReturnStep:              StepReturn,
		ElectrolyteSafetyFactor: 1.1,
		RejectionCostFactor:     2.0,
		ExactTimeoutSeconds:     30,
	}
}

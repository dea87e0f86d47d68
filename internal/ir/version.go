package ir

// Version constants stamped into interpretation configs and CLI output.
const (
	// SchemaFormatVersion is the version of the stored schema definition format.
	SchemaFormatVersion = "1"

	// CodeVersion is the truthlayer code version recorded with every interpretation.
	CodeVersion = "0.1.0"
)

package procmeta

// ProcessMetadata holds process information used for span and log enrichment.
type ProcessMetadata struct {
	Comm           string   // Short command name from /proc/<pid>/stat
	Args           []string // Command-line arguments
	CmdlineFull    string   // Full command line as single string
	StartTimeTicks uint64   // Start time read back from /proc, equals the UPID's
}

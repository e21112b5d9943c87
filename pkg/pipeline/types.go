package pipeline

// ProcessRequest is the pipeline input for one task.
type ProcessRequest struct {
	TaskID       string
	ArtifactPath string
	InputHash    string
	PkgName      string
	Variant      string

	// Components maps component file name to the URL its replacement
	// is fetched from. Blank URLs are dropped during validation.
	Components map[string]string
}

// StagedComponent is one fetched-and-verified replacement waiting to be
// committed into the unpacked tree.
type StagedComponent struct {
	Name         string
	DownloadPath string
	TargetPath   string
	HashBefore   string
	HashAfter    string
}

// ProcessResponse accumulates pipeline output across transitions.
type ProcessResponse struct {
	WorkDir      string
	ExtractedDir string

	// From fetch-and-verify
	Staged []StagedComponent

	// From repack / post-process
	UnsignedPath string
	AlignedPath  string
	OutputPath   string

	// From finalize
	OutputHash string
	Status     string
}

// State names
const (
	StateUnpack      = "unpack"
	StateValidate    = "validate"
	StateFetchVerify = "fetch_verify"
	StateCommit      = "commit"
	StateRepack      = "repack"
	StatePostProcess = "post_process"
	StateFinalize    = "finalize"
	StateFailed      = "failed"
)

package engine

// initRequest is handed to sandbox-init on fd 3 as JSON.
type initRequest struct {
	Cmd            []string    `json:"cmd"`
	WorkDir        string      `json:"workDir"`
	Env            []string    `json:"env"`
	BindMounts     []mountSpec `json:"bindMounts"`
	Limits         initLimits  `json:"limits"`
	SeccompProfile string      `json:"seccompProfile"`
	EnableSeccomp  bool        `json:"enableSeccomp"`
	EnableNs       bool        `json:"enableNs"`
	MountProc      bool        `json:"mountProc"`
}

type mountSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly"`
}

type initLimits struct {
	OpenFiles     uint64 `json:"openFiles"`
	FileSizeBytes uint64 `json:"fileSizeBytes"`
	Processes     uint64 `json:"processes"`
}

package domain

// Buckets used in the object store. Keys inside every bucket are content hashes.
const (
	BucketExperiments = "experiments"
	BucketInputs      = "inputs"
	BucketOutputs     = "outputs"
)

type Experiment struct {
	Hash        string `json:"hash"`
	Status      Status `json:"status" enum:"NOBUILD,QUEUED,BUILDING,BUILT,ERROR"`
	DockerImage string `json:"docker_image,omitempty"`
	LastAccess  string `json:"last_access" format:"date-time"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Upload struct {
	ID             int64  `json:"-"`
	Token          string `json:"token"`
	Filename       string `json:"filename"`
	SubmittedIP    string `json:"submitted_ip,omitempty"`
	ProviderKey    string `json:"provider_key,omitempty"`
	ExperimentHash string `json:"experiment_hash"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Parameter struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Optional    bool   `json:"optional"`
	Default     string `json:"default,omitempty"`
}

type Path struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	IsInput  bool   `json:"is_input"`
	IsOutput bool   `json:"is_output"`
}

type Run struct {
	ID              int64            `json:"-"`
	Token           string           `json:"token"`
	ExperimentHash  string           `json:"experiment_hash"`
	UploadID        int64            `json:"-"`
	Status          RunStatus        `json:"status" enum:"SUBMITTED,RUNNING,DONE"`
	Submitted       string           `json:"submitted" format:"date-time"`
	Started         *string          `json:"started,omitempty" format:"date-time"`
	Done            *string          `json:"done,omitempty" format:"date-time"`
	ParameterValues []ParameterValue `json:"parameter_values"`
	InputFiles      []File           `json:"input_files"`
	OutputFiles     []File           `json:"output_files"`
}

type ParameterValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// File is an input or output file attached to a run.
type File struct {
	Hash string `json:"hash"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type LogLine struct {
	Line      int    `json:"line"`
	Timestamp string `json:"timestamp" format:"date-time"`
	Text      string `json:"text"`
}

// TaskKind names the two messages handed to workers.
type TaskKind string

const (
	TaskBuild TaskKind = "build"
	TaskRun   TaskKind = "run"
)

type TaskMessage struct {
	ID          int64    `json:"id"`
	MessageID   string   `json:"message_id"`
	Kind        TaskKind `json:"kind" enum:"build,run"`
	Target      string   `json:"target"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	DeliveredAt *string  `json:"delivered_at,omitempty" format:"date-time"`
}

package config

import (
	"path/filepath"
	"time"
)

// DatasetDirName is the folder inside the extraction directory that holds
// one subfolder per class.
const DatasetDirName = "kidney-ct-scan-image"

// Optional hyperparameter defaults.
const (
	DefaultValidationSplit = 0.2
	DefaultSeed            = 42
)

// IngestionConfig is the frozen configuration of the ingestion stage.
type IngestionConfig struct {
	// RootDir is the stage's artifact directory.
	RootDir string `json:"root_dir"`

	// SourceURL is the dataset archive location.
	SourceURL string `json:"source_url"`

	// LocalArchivePath is where the downloaded archive is saved.
	LocalArchivePath string `json:"local_archive_path"`

	// ExtractDir receives the archive contents.
	ExtractDir string `json:"extract_dir"`
}

// DatasetDir returns the class-folder root produced by ingestion.
func (c IngestionConfig) DatasetDir() string {
	return filepath.Join(c.ExtractDir, DatasetDirName)
}

// BaseModelConfig is the frozen configuration of base model preparation.
type BaseModelConfig struct {
	RootDir          string `json:"root_dir"`
	BaseModelPath    string `json:"base_model_path"`
	UpdatedModelPath string `json:"updated_model_path"`

	ImageSize    []int   `json:"image_size"`
	BatchSize    int     `json:"batch_size"`
	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learning_rate"`
	NumClasses   int     `json:"num_classes"`

	// PretrainedWeights names the weight set to load; empty selects random
	// initialization.
	PretrainedWeights string `json:"pretrained_weights"`

	IncludeClassifierHead bool `json:"include_classifier_head"`

	// FreezeTill, when positive, leaves the last FreezeTill layers
	// trainable. Zero freezes every pretrained layer.
	FreezeTill int `json:"freeze_till"`
}

// CallbackConfig is the frozen configuration of callback preparation.
type CallbackConfig struct {
	RootDir               string `json:"root_dir"`
	TensorboardLogRootDir string `json:"tensorboard_log_root_dir"`
	CheckpointModelPath   string `json:"checkpoint_model_path"`
}

// TrainingConfig is the frozen configuration of the training stage.
type TrainingConfig struct {
	RootDir          string `json:"root_dir"`
	TrainedModelPath string `json:"trained_model_path"`
	UpdatedModelPath string `json:"updated_model_path"`
	TrainingDataDir  string `json:"training_data_dir"`

	ImageSize           []int   `json:"image_size"`
	BatchSize           int     `json:"batch_size"`
	Epochs              int     `json:"epochs"`
	AugmentationEnabled bool    `json:"augmentation_enabled"`
	LearningRate        float64 `json:"learning_rate"`
	ValidationSplit     float64 `json:"validation_split"`
	Seed                int64   `json:"seed"`
}

// EvaluationConfig is the frozen configuration of the evaluation stage.
type EvaluationConfig struct {
	RootDir        string `json:"root_dir"`
	ReportDir      string `json:"report_dir"`
	ReportPath     string `json:"report_path"`
	ReportFileName string `json:"report_file_name"`
	ScoreDir       string `json:"score_dir"`
	ScoreFileName  string `json:"score_file_name"`

	AccuracyThreshold float64 `json:"accuracy_threshold"`
	TrackingURI       string  `json:"tracking_uri"`
	ExperimentName    string  `json:"experiment_name"`

	// AllHyperparameters is a snapshot of the whole hyperparameter document.
	AllHyperparameters map[string]interface{} `json:"all_hyperparameters"`

	ImageSize         []int   `json:"image_size"`
	BatchSize         int     `json:"batch_size"`
	ValidationDataDir string  `json:"validation_data_dir"`
	TrainedModelPath  string  `json:"trained_model_path"`
	ValidationSplit   float64 `json:"validation_split"`
	Seed              int64   `json:"seed"`

	// PolicyPaths lists extra rego gate policies.
	PolicyPaths []string `json:"policy_paths,omitempty"`
}

// ScorePath returns the full path of the scores file.
func (c EvaluationConfig) ScorePath() string {
	return filepath.Join(c.ScoreDir, c.ScoreFileName)
}

// RunnerConfig configures the out-of-process engine worker.
type RunnerConfig struct {
	// Command is the worker's argv.
	Command []string `json:"command"`

	// Transport is "local" or "ssh".
	Transport string `json:"transport"`

	// StartupTimeout bounds the wait for the worker's ready frame.
	StartupTimeout time.Duration `json:"startup_timeout"`

	// SSH is set for the ssh transport.
	SSH SSHConfig `json:"ssh"`
}

// SSHConfig identifies a remote host.
type SSHConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	KeyFile        string `json:"key_file"`
	KnownHostsFile string `json:"known_hosts_file"`
}

// Default runner settings.
const (
	DefaultRunnerTransport      = "local"
	DefaultRunnerStartupTimeout = 30 * time.Second
	DefaultSSHPort              = 22
)

package config

import (
	"errors"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/artifacts"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
)

// Builder projects a loaded RawConfig into per-stage configurations,
// provisioning the directories each stage needs before returning.
type Builder struct {
	raw      *RawConfig
	validate *validator.Validate
}

// NewBuilder creates a builder over raw. raw is shared read-only.
func NewBuilder(raw *RawConfig) *Builder {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Builder{raw: raw, validate: v}
}

// Raw returns the underlying configuration.
func (b *Builder) Raw() *RawConfig {
	return b.raw
}

type ingestionSection struct {
	RootDir       *string `mapstructure:"root_dir" validate:"required,min=1"`
	SourceURL     *string `mapstructure:"source_url" validate:"required,url"`
	LocalDataFile *string `mapstructure:"local_data_file" validate:"required,min=1"`
	UnzipDir      *string `mapstructure:"unzip_dir" validate:"required,min=1"`
}

type baseModelSection struct {
	RootDir              *string `mapstructure:"root_dir" validate:"required,min=1"`
	BaseModelPath        *string `mapstructure:"base_model_path" validate:"required,min=1"`
	UpdatedBaseModelPath *string `mapstructure:"updated_base_model_path" validate:"required,min=1"`
}

type callbacksSection struct {
	RootDir                 *string `mapstructure:"root_dir" validate:"required,min=1"`
	TensorboardRootLogDir   *string `mapstructure:"tensorboard_root_log_dir" validate:"required,min=1"`
	CheckpointModelFilepath *string `mapstructure:"checkpoint_model_filepath" validate:"required,min=1"`
}

type trainingSection struct {
	RootDir          *string `mapstructure:"root_dir" validate:"required,min=1"`
	TrainedModelPath *string `mapstructure:"trained_model_path" validate:"required,min=1"`
}

type evaluationSection struct {
	RootDir              *string  `mapstructure:"root_dir" validate:"required,min=1"`
	ReportFileDir        *string  `mapstructure:"report_file_dir" validate:"required,min=1"`
	ReportFile           *string  `mapstructure:"report_file" validate:"required,min=1,excludesall=/\\"`
	ScoresFileDir        *string  `mapstructure:"scores_file_dir" validate:"required,min=1"`
	ScoresFile           *string  `mapstructure:"scores_file" validate:"required,min=1,excludesall=/\\"`
	MLflowTrackingURI    *string  `mapstructure:"mlflow_tracking_uri" validate:"required,min=1"`
	MLflowExperimentName *string  `mapstructure:"mlflow_experiment_name" validate:"required,min=1"`
	PolicyPaths          []string `mapstructure:"policy_paths" validate:"omitempty,dive,min=1"`
}

type runnerSection struct {
	Command        []string    `mapstructure:"command" validate:"required,min=1,dive,min=1"`
	Transport      *string     `mapstructure:"transport" validate:"omitempty,oneof=local ssh"`
	StartupTimeout *string     `mapstructure:"startup_timeout"`
	SSH            *sshSection `mapstructure:"ssh"`
}

type sshSection struct {
	Host           *string `mapstructure:"host" validate:"required,hostname_rfc1123|ip"`
	Port           *int    `mapstructure:"port" validate:"omitempty,gt=0,lt=65536"`
	User           *string `mapstructure:"user" validate:"required,min=1"`
	KeyFile        *string `mapstructure:"key_file"`
	KnownHostsFile *string `mapstructure:"known_hosts_file"`
}

type modelParams struct {
	ImageSize    []int    `mapstructure:"IMAGE_SIZE" validate:"required,len=3,dive,gt=0"`
	BatchSize    *int     `mapstructure:"BATCH_SIZE" validate:"required,gt=0"`
	Epochs       *int     `mapstructure:"EPOCHS" validate:"required,gt=0"`
	LearningRate *float64 `mapstructure:"LEARNING_RATE" validate:"required,gt=0"`
	Classes      *int     `mapstructure:"CLASSES" validate:"required,gte=2"`
	Weights      *string  `mapstructure:"WEIGHTS"`
	IncludeTop   *bool    `mapstructure:"INCLUDE_TOP" validate:"required"`
	FreezeTill   *int     `mapstructure:"FREEZE_TILL" validate:"omitempty,gte=0"`
}

type trainingParams struct {
	ImageSize       []int    `mapstructure:"IMAGE_SIZE" validate:"required,len=3,dive,gt=0"`
	BatchSize       *int     `mapstructure:"BATCH_SIZE" validate:"required,gt=0"`
	Epochs          *int     `mapstructure:"EPOCHS" validate:"required,gt=0"`
	LearningRate    *float64 `mapstructure:"LEARNING_RATE" validate:"required,gt=0"`
	Augmentation    *bool    `mapstructure:"AUGMENTATION" validate:"required"`
	ValidationSplit *float64 `mapstructure:"VALIDATION_SPLIT" validate:"omitempty,gt=0,lt=1"`
	Seed            *int64   `mapstructure:"SEED"`
}

type evaluationParams struct {
	ImageSize         []int    `mapstructure:"IMAGE_SIZE" validate:"required,len=3,dive,gt=0"`
	BatchSize         *int     `mapstructure:"BATCH_SIZE" validate:"required,gt=0"`
	AccuracyThreshold *float64 `mapstructure:"ACCURACY_THRESHOLD" validate:"required,gte=0,lte=1"`
	ValidationSplit   *float64 `mapstructure:"VALIDATION_SPLIT" validate:"omitempty,gt=0,lt=1"`
	Seed              *int64   `mapstructure:"SEED"`
}

// Ingestion builds the ingestion configuration and provisions its root.
func (b *Builder) Ingestion() (IngestionConfig, error) {
	const stage = engine.StageIngestion
	var s ingestionSection
	if err := b.decodeSection(stage, "data_ingestion", &s); err != nil {
		return IngestionConfig{}, err
	}

	cfg := IngestionConfig{
		RootDir:          b.raw.Resolve(*s.RootDir),
		SourceURL:        *s.SourceURL,
		LocalArchivePath: b.raw.Resolve(*s.LocalDataFile),
		ExtractDir:       b.raw.Resolve(*s.UnzipDir),
	}

	if err := b.provision(stage, "data_ingestion.root_dir", cfg.RootDir); err != nil {
		return IngestionConfig{}, err
	}
	return cfg, nil
}

// BaseModel builds the base model preparation configuration and provisions
// its root.
func (b *Builder) BaseModel() (BaseModelConfig, error) {
	const stage = engine.StageBaseModel
	var s baseModelSection
	if err := b.decodeSection(stage, "prepare_base_model", &s); err != nil {
		return BaseModelConfig{}, err
	}
	var p modelParams
	if err := b.decodeParams(stage, &p); err != nil {
		return BaseModelConfig{}, err
	}
	if !b.raw.Params().Has("WEIGHTS") {
		return BaseModelConfig{}, missingField(stage, "WEIGHTS")
	}

	cfg := BaseModelConfig{
		RootDir:               b.raw.Resolve(*s.RootDir),
		BaseModelPath:         b.raw.Resolve(*s.BaseModelPath),
		UpdatedModelPath:      b.raw.Resolve(*s.UpdatedBaseModelPath),
		ImageSize:             p.ImageSize,
		BatchSize:             *p.BatchSize,
		Epochs:                *p.Epochs,
		LearningRate:          *p.LearningRate,
		NumClasses:            *p.Classes,
		IncludeClassifierHead: *p.IncludeTop,
	}
	if p.Weights != nil {
		cfg.PretrainedWeights = *p.Weights
	}
	if p.FreezeTill != nil {
		cfg.FreezeTill = *p.FreezeTill
	}

	if err := b.provision(stage, "prepare_base_model.root_dir", cfg.RootDir); err != nil {
		return BaseModelConfig{}, err
	}
	return cfg, nil
}

// Callbacks builds the callback configuration and provisions the
// checkpoint directory and the log root.
func (b *Builder) Callbacks() (CallbackConfig, error) {
	const stage = engine.StageCallbacks
	var s callbacksSection
	if err := b.decodeSection(stage, "prepare_callbacks", &s); err != nil {
		return CallbackConfig{}, err
	}

	cfg := CallbackConfig{
		RootDir:               b.raw.Resolve(*s.RootDir),
		TensorboardLogRootDir: b.raw.Resolve(*s.TensorboardRootLogDir),
		CheckpointModelPath:   b.raw.Resolve(*s.CheckpointModelFilepath),
	}

	if err := b.provision(stage, "prepare_callbacks.checkpoint_model_filepath", filepath.Dir(cfg.CheckpointModelPath)); err != nil {
		return CallbackConfig{}, err
	}
	if err := b.provision(stage, "prepare_callbacks.tensorboard_root_log_dir", cfg.TensorboardLogRootDir); err != nil {
		return CallbackConfig{}, err
	}
	return cfg, nil
}

// Training builds the training configuration. It refuses to build until
// the updated base model exists, then provisions the training root.
func (b *Builder) Training(ingestion IngestionConfig) (TrainingConfig, error) {
	const stage = engine.StageTraining
	var s trainingSection
	if err := b.decodeSection(stage, "training", &s); err != nil {
		return TrainingConfig{}, err
	}
	var bm baseModelSection
	if err := b.decodeSection(stage, "prepare_base_model", &bm); err != nil {
		return TrainingConfig{}, err
	}
	var p trainingParams
	if err := b.decodeParams(stage, &p); err != nil {
		return TrainingConfig{}, err
	}

	updated := b.raw.Resolve(*bm.UpdatedBaseModelPath)
	if !artifacts.Exists(updated) {
		return TrainingConfig{}, engine.New(engine.KindConfig,
			"updated base model %s does not exist; run %s first", updated, engine.StageBaseModel).
			WithStage(stage).WithField("prepare_base_model.updated_base_model_path").WithOp("build_config")
	}

	cfg := TrainingConfig{
		RootDir:             b.raw.Resolve(*s.RootDir),
		TrainedModelPath:    b.raw.Resolve(*s.TrainedModelPath),
		UpdatedModelPath:    updated,
		TrainingDataDir:     ingestion.DatasetDir(),
		ImageSize:           p.ImageSize,
		BatchSize:           *p.BatchSize,
		Epochs:              *p.Epochs,
		AugmentationEnabled: *p.Augmentation,
		LearningRate:        *p.LearningRate,
		ValidationSplit:     orDefault(p.ValidationSplit, DefaultValidationSplit),
		Seed:                orDefault(p.Seed, DefaultSeed),
	}

	if err := b.provision(stage, "training.root_dir", cfg.RootDir); err != nil {
		return TrainingConfig{}, err
	}
	return cfg, nil
}

// Evaluation builds the evaluation configuration and provisions the
// evaluation, report and score directories.
func (b *Builder) Evaluation(ingestion IngestionConfig) (EvaluationConfig, error) {
	const stage = engine.StageEvaluation
	var s evaluationSection
	if err := b.decodeSection(stage, "evaluation", &s); err != nil {
		return EvaluationConfig{}, err
	}
	var t trainingSection
	if err := b.decodeSection(stage, "training", &t); err != nil {
		return EvaluationConfig{}, err
	}
	var p evaluationParams
	if err := b.decodeParams(stage, &p); err != nil {
		return EvaluationConfig{}, err
	}

	reportDir := b.raw.Resolve(*s.ReportFileDir)
	cfg := EvaluationConfig{
		RootDir:            b.raw.Resolve(*s.RootDir),
		ReportDir:          reportDir,
		ReportPath:         filepath.Join(reportDir, *s.ReportFile),
		ReportFileName:     *s.ReportFile,
		ScoreDir:           b.raw.Resolve(*s.ScoresFileDir),
		ScoreFileName:      *s.ScoresFile,
		AccuracyThreshold:  *p.AccuracyThreshold,
		TrackingURI:        b.resolveTrackingURI(*s.MLflowTrackingURI),
		ExperimentName:     *s.MLflowExperimentName,
		AllHyperparameters: b.raw.Hyperparameters(),
		ImageSize:          p.ImageSize,
		BatchSize:          *p.BatchSize,
		ValidationDataDir:  ingestion.DatasetDir(),
		TrainedModelPath:   b.raw.Resolve(*t.TrainedModelPath),
		ValidationSplit:    orDefault(p.ValidationSplit, DefaultValidationSplit),
		Seed:               orDefault(p.Seed, DefaultSeed),
	}
	for _, pp := range s.PolicyPaths {
		cfg.PolicyPaths = append(cfg.PolicyPaths, b.raw.Resolve(pp))
	}

	for _, target := range []struct{ field, dir string }{
		{"evaluation.root_dir", cfg.RootDir},
		{"evaluation.report_file_dir", cfg.ReportDir},
		{"evaluation.scores_file_dir", cfg.ScoreDir},
	} {
		if err := b.provision(stage, target.field, target.dir); err != nil {
			return EvaluationConfig{}, err
		}
	}
	return cfg, nil
}

// Runner builds the worker configuration. ok is false when the document
// has no runner section.
func (b *Builder) Runner() (cfg RunnerConfig, ok bool, err error) {
	if !b.raw.Structural().Has("runner") {
		return RunnerConfig{}, false, nil
	}

	var s runnerSection
	if err := b.decodeSection("", "runner", &s); err != nil {
		return RunnerConfig{}, false, err
	}

	cfg = RunnerConfig{
		Command:        s.Command,
		Transport:      orDefault(s.Transport, DefaultRunnerTransport),
		StartupTimeout: DefaultRunnerStartupTimeout,
	}
	if s.StartupTimeout != nil {
		d, err := time.ParseDuration(*s.StartupTimeout)
		if err != nil || d <= 0 {
			return RunnerConfig{}, false, engine.New(engine.KindConfig, "invalid startup_timeout %q", *s.StartupTimeout).
				WithField("runner.startup_timeout").WithOp("build_config")
		}
		cfg.StartupTimeout = d
	}

	if cfg.Transport == "ssh" {
		if s.SSH == nil {
			return RunnerConfig{}, false, missingField("", "runner.ssh")
		}
		cfg.SSH = SSHConfig{
			Host:           *s.SSH.Host,
			Port:           orDefault(s.SSH.Port, DefaultSSHPort),
			User:           *s.SSH.User,
			KeyFile:        orDefault(s.SSH.KeyFile, ""),
			KnownHostsFile: orDefault(s.SSH.KnownHostsFile, ""),
		}
	}
	return cfg, true, nil
}

// HistoryDatabase returns the run history database path, or "" when
// history is not configured.
func (b *Builder) HistoryDatabase() string {
	db, _ := b.raw.Structural().Node("history").String("database")
	return b.raw.Resolve(db)
}

// decodeSection decodes one structural section into out and validates it.
func (b *Builder) decodeSection(stage engine.StageName, section string, out interface{}) error {
	src := b.raw.Structural().Node(section).Map()
	if err := decode(src, out); err != nil {
		return engine.Wrap(engine.KindConfig, err, "invalid %s section", section).
			WithStage(stage).WithField(section).WithOp("build_config")
	}
	return b.check(stage, section, out)
}

// decodeParams decodes the hyperparameter document into out and validates it.
func (b *Builder) decodeParams(stage engine.StageName, out interface{}) error {
	if err := decode(b.raw.Hyperparameters(), out); err != nil {
		return engine.Wrap(engine.KindConfig, err, "invalid hyperparameters").
			WithStage(stage).WithOp("build_config")
	}
	return b.check(stage, "", out)
}

// check runs struct validation and reports the first violation by its
// document path.
func (b *Builder) check(stage engine.StageName, prefix string, v interface{}) error {
	err := b.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return engine.Wrap(engine.KindConfig, err, "validation failed").WithStage(stage).WithOp("build_config")
	}

	fe := verrs[0]
	field := fieldPath(prefix, stripRoot(fe.Namespace()))
	if fe.Tag() == "required" {
		return missingField(stage, field)
	}
	return engine.New(engine.KindConfig, "%s = %v violates %s", field, fe.Value(), describeRule(fe)).
		WithStage(stage).WithField(field).WithOp("build_config")
}

func (b *Builder) provision(stage engine.StageName, field, dir string) error {
	if err := artifacts.Ensure(dir); err != nil {
		return engine.Reclassify(engine.KindConfig, err, "failed to provision %s", dir).
			WithStage(stage).WithField(field).WithOp("build_config")
	}
	return nil
}

// resolveTrackingURI makes a relative sqlite location absolute against the
// project root. Other schemes pass through.
func (b *Builder) resolveTrackingURI(uri string) string {
	u, err := url.Parse(uri)
	switch {
	case err != nil:
		return uri
	case u.Scheme == "":
		return b.raw.Resolve(uri)
	case u.Scheme == "sqlite":
		p := u.Host + u.Path
		if filepath.IsAbs(u.Path) && u.Host == "" {
			return uri
		}
		return "sqlite://" + b.raw.Resolve(p)
	default:
		return uri
	}
}

func decode(src map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(src)
}

func missingField(stage engine.StageName, field string) *engine.PipelineError {
	return engine.New(engine.KindConfig, "missing required key %s", field).
		WithStage(stage).WithField(field).WithOp("build_config")
}

func fieldPath(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}

// stripRoot drops the struct type name from a validator namespace.
func stripRoot(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describeRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

func orDefault[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

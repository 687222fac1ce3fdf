package config

import (
	"math"
	"path"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full sweep configuration.
type Config struct {
	Sweep     Sweep     `yaml:"sweep" mapstructure:"sweep"`
	Optimizer Optimizer `yaml:"optimizer" mapstructure:"optimizer"`
	Training  Training  `yaml:"training" mapstructure:"training"`
	Cost      Cost      `yaml:"cost" mapstructure:"cost"`
	Store     Store     `yaml:"store" mapstructure:"store"`
	Log       LogConfig `yaml:"log" mapstructure:"log"`
}

// Sweep configures the trial loop and its outputs.
type Sweep struct {
	Name   string `yaml:"name" mapstructure:"name"`
	Trials int    `yaml:"trials" mapstructure:"trials"`
	Seed   int64  `yaml:"seed" mapstructure:"seed"`
	// Seeds is "fixed" (Seed for every trial) or "random" (per-trial seeds
	// drawn from Seed).
	Seeds  string `yaml:"seeds" mapstructure:"seeds"`
	Metric string `yaml:"metric" mapstructure:"metric"`
	Goal   string `yaml:"goal" mapstructure:"goal"`
	Dir    string `yaml:"dir" mapstructure:"dir"`
	// Ledger overrides the results file; defaults to <dir>/<name>/results.jsonl.
	Ledger string `yaml:"ledger" mapstructure:"ledger"`
}

// Optimizer selects and tunes the search strategy.
type Optimizer struct {
	Method         string  `yaml:"method" mapstructure:"method"`
	Acquisition    string  `yaml:"acquisition" mapstructure:"acquisition"`
	InitialSamples int     `yaml:"initial_samples" mapstructure:"initial_samples"`
	NumCandidates  int     `yaml:"num_candidates" mapstructure:"num_candidates"`
	Beta           float64 `yaml:"beta" mapstructure:"beta"`
	Xi             float64 `yaml:"xi" mapstructure:"xi"`
	Params         []Param `yaml:"params" mapstructure:"params"`
}

// Param is one tunable hyperparameter.
type Param struct {
	Name   string  `yaml:"name" mapstructure:"name"`
	Space  string  `yaml:"space" mapstructure:"space"`
	Min    float64 `yaml:"min" mapstructure:"min"`
	Max    float64 `yaml:"max" mapstructure:"max"`
	Center float64 `yaml:"center" mapstructure:"center"`
}

// Training describes how one training job is launched and where it writes.
type Training struct {
	Command        []string       `yaml:"command" mapstructure:"command"`
	WorkDir        string         `yaml:"work_dir" mapstructure:"work_dir"`
	RunsDir        string         `yaml:"runs_dir" mapstructure:"runs_dir"`
	RunPrefix      string         `yaml:"run_prefix" mapstructure:"run_prefix"`
	IdentityPrefix string         `yaml:"identity_prefix" mapstructure:"identity_prefix"`
	CurriculumPath string         `yaml:"curriculum_path" mapstructure:"curriculum_path"`
	CUDA           bool           `yaml:"cuda" mapstructure:"cuda"`
	Fixed          map[string]any `yaml:"fixed" mapstructure:"fixed"`
	Timeout        time.Duration  `yaml:"timeout" mapstructure:"timeout"`
	EnvFile        string         `yaml:"env_file" mapstructure:"env_file"`
	Backend        string         `yaml:"backend" mapstructure:"backend"`
	Image          string         `yaml:"image" mapstructure:"image"`
	// CPULimit, MemoryLimit and Mounts apply to the docker backend only.
	// MemoryLimit takes docker's size notation ("8g", "512m").
	CPULimit       float64        `yaml:"cpu_limit" mapstructure:"cpu_limit"`
	MemoryLimit    string         `yaml:"memory_limit" mapstructure:"memory_limit"`
	Mounts         []Mount        `yaml:"mounts" mapstructure:"mounts"`
}

// Mount bind-mounts a host path (relative to work_dir when not absolute)
// into the training container, e.g. a dataset or curriculum directory.
type Mount struct {
	Source   string `yaml:"source" mapstructure:"source"`
	Target   string `yaml:"target" mapstructure:"target"`
	ReadOnly bool   `yaml:"read_only" mapstructure:"read_only"`
}

// MemoryBytes parses MemoryLimit; empty means no limit.
func (t *Training) MemoryBytes() (int64, error) {
	if t.MemoryLimit == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(t.MemoryLimit)
	if err != nil {
		return 0, eris.Wrapf(err, "training.memory_limit %q", t.MemoryLimit)
	}
	return n, nil
}

// Cost selects how a trial's cost is computed.
type Cost struct {
	Mode  string `yaml:"mode" mapstructure:"mode"`
	Param string `yaml:"param" mapstructure:"param"`
}

// Store configures the optional sqlite trial tracker. Empty path disables it.
type Store struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultParams is the PPO search space swept when none is configured.
func DefaultParams() []Param {
	return []Param{
		{Name: "learning-rate", Space: "log", Min: 2.5e-6, Max: 2.5e-3, Center: 2.5e-5},
		{Name: "clip-coef", Space: "linear", Min: 0.05, Max: 0.3, Center: 0.1},
		{Name: "vf-coef", Space: "log", Min: 0.01, Max: 1, Center: 0.1},
		{Name: "ent-coef", Space: "log", Min: 1e-4, Max: 1e-2, Center: 1e-3},
	}
}

// Load reads configuration from path (or ./sweep.yaml when path is empty and
// the file exists) and the SWEEP_* environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sweep")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SWEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("sweep.name", "carbs")
	v.SetDefault("sweep.trials", 10)
	v.SetDefault("sweep.seed", 1)
	v.SetDefault("sweep.seeds", "fixed")
	v.SetDefault("sweep.metric", "stats/arrival_ratio")
	v.SetDefault("sweep.goal", "maximize")
	v.SetDefault("sweep.dir", "sweeps")
	v.SetDefault("sweep.ledger", "")
	v.SetDefault("optimizer.method", "bayes")
	v.SetDefault("optimizer.acquisition", "ucb")
	v.SetDefault("optimizer.initial_samples", 3)
	v.SetDefault("optimizer.num_candidates", 256)
	v.SetDefault("optimizer.beta", 2.0)
	v.SetDefault("optimizer.xi", 0.01)
	v.SetDefault("training.command", []string{"uv", "run", "python", "flatland_ppo_training_torchrl.py"})
	v.SetDefault("training.work_dir", ".")
	v.SetDefault("training.runs_dir", "runs")
	v.SetDefault("training.run_prefix", "flatland-rl")
	v.SetDefault("training.identity_prefix", "carbs")
	v.SetDefault("training.curriculum_path", "curriculums/jiang_sweep_2_agents_30x30.json")
	v.SetDefault("training.cuda", false)
	v.SetDefault("training.timeout", 0)
	v.SetDefault("training.env_file", "")
	v.SetDefault("training.backend", "process")
	v.SetDefault("training.image", "")
	v.SetDefault("training.cpu_limit", 0.0)
	v.SetDefault("training.memory_limit", "")
	v.SetDefault("cost.mode", "unit")
	v.SetDefault("cost.param", "")
	v.SetDefault("store.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrapf(err, "config: read %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := validate(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: invalid")
	}
	return &cfg, nil
}

// LedgerPath returns the configured results file.
func (c *Config) LedgerPath() string {
	if c.Sweep.Ledger != "" {
		return c.Sweep.Ledger
	}
	return strings.TrimSuffix(c.Sweep.Dir, "/") + "/" + c.Sweep.Name + "/results.jsonl"
}

func validate(cfg *Config) error {
	s := &cfg.Sweep
	if s.Name == "" {
		return eris.New("sweep.name is required")
	}
	if strings.ContainsAny(s.Name, "/\\") {
		return eris.Errorf("sweep.name %q must not contain path separators", s.Name)
	}
	if s.Trials < 0 {
		return eris.New("sweep.trials must not be negative")
	}
	if s.Metric == "" {
		return eris.New("sweep.metric is required")
	}
	switch s.Seeds {
	case "":
		s.Seeds = "fixed"
	case "fixed", "random":
	default:
		return eris.Errorf("sweep.seeds %q: want fixed or random", s.Seeds)
	}
	switch s.Goal {
	case "":
		s.Goal = "maximize"
	case "maximize", "minimize":
	default:
		return eris.Errorf("sweep.goal %q: want maximize or minimize", s.Goal)
	}

	o := &cfg.Optimizer
	switch o.Method {
	case "":
		o.Method = "bayes"
	case "bayes", "random":
	default:
		return eris.Errorf("optimizer.method %q: want bayes or random", o.Method)
	}
	if len(o.Params) == 0 {
		o.Params = DefaultParams()
	}
	for i := range o.Params {
		p := &o.Params[i]
		if p.Name == "" {
			return eris.Errorf("optimizer.params[%d]: name is required", i)
		}
		if p.Space == "" {
			p.Space = "linear"
		}
		// An unset center outside the range defaults to the range midpoint.
		if p.Center == 0 && (p.Min > 0 || p.Max < 0) {
			if p.Space == "log" && p.Min > 0 {
				p.Center = math.Sqrt(p.Min * p.Max)
			} else {
				p.Center = (p.Min + p.Max) / 2
			}
		}
	}

	t := &cfg.Training
	if len(t.Command) == 0 {
		return eris.New("training.command is required")
	}
	if t.RunPrefix == "" {
		return eris.New("training.run_prefix is required")
	}
	if t.IdentityPrefix == "" {
		t.IdentityPrefix = s.Name
	}
	if t.Fixed == nil {
		t.Fixed = map[string]any{
			"num-envs":      8,
			"num-steps":     200,
			"max-grad-norm": 0.2,
		}
	}
	for _, p := range o.Params {
		if _, ok := t.Fixed[p.Name]; ok {
			return eris.Errorf("training.fixed: %q is also a tuned parameter", p.Name)
		}
	}
	if t.Timeout < 0 {
		return eris.New("training.timeout must not be negative")
	}
	switch t.Backend {
	case "":
		t.Backend = "process"
	case "process":
	case "docker":
		if t.Image == "" {
			return eris.New("training.image is required for the docker backend")
		}
	default:
		return eris.Errorf("training.backend %q: want process or docker", t.Backend)
	}
	if t.CPULimit < 0 {
		return eris.New("training.cpu_limit must not be negative")
	}
	if _, err := t.MemoryBytes(); err != nil {
		return err
	}
	for i, m := range t.Mounts {
		if m.Source == "" || m.Target == "" {
			return eris.Errorf("training.mounts[%d]: source and target are required", i)
		}
		if !path.IsAbs(m.Target) {
			return eris.Errorf("training.mounts[%d]: target %q must be an absolute container path", i, m.Target)
		}
	}

	c := &cfg.Cost
	switch c.Mode {
	case "":
		c.Mode = "unit"
	case "unit", "duration":
	case "param":
		if c.Param == "" {
			return eris.New("cost.param is required when cost.mode is param")
		}
	default:
		return eris.Errorf("cost.mode %q: want unit, param or duration", c.Mode)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/proxy-suite/internal/controller"
	"github.com/ChuLiYu/proxy-suite/internal/probe"
	"github.com/ChuLiYu/proxy-suite/internal/worker"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

// ErrInvalidConfig 設定檔內容不合法
var ErrInvalidConfig = errors.New("invalid config")

// Config 設定檔結構，透過 YAML tag 對應設定檔欄位
// 缺少的欄位保留 DefaultConfig 的值
type Config struct {
	Worker struct {
		WorkerCount int           `yaml:"worker_count"`
		TaskTimeout time.Duration `yaml:"task_timeout"`
		UserAgent   string        `yaml:"user_agent"`
	} `yaml:"worker"`

	Retention struct {
		AutoDeleteFails int `yaml:"auto_delete_fails"` // 0 表示停用
	} `yaml:"retention"`

	Revalidation struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"revalidation"`

	Storage struct {
		SnapshotPath     string        `yaml:"snapshot_path"`
		JournalPath      string        `yaml:"journal_path"`
		SyncJournal      bool          `yaml:"sync_journal"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		KeepBackups      int           `yaml:"keep_backups"`
	} `yaml:"storage"`

	Probe struct {
		JudgeURL   string   `yaml:"judge_url"`
		GeoURL     string   `yaml:"geo_url"`
		GoogleURL  string   `yaml:"google_url"`
		DNSBLZones []string `yaml:"dnsbl_zones"`
		OriginIP   string   `yaml:"origin_ip"`
	} `yaml:"probe"`

	// Simulation 取代真實網路的模擬執行器（demo 與 --simulate）
	Simulation struct {
		PerSource int           `yaml:"per_source"`
		Delay     time.Duration `yaml:"delay"`
		Seed      int64         `yaml:"seed"` // 0 表示依時間
	} `yaml:"simulation"`

	API struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"api"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	AutoDisableSources bool                  `yaml:"auto_disable_sources"`
	Sources            []types.Source        `yaml:"sources"`
	ScrapeProfiles     []types.ScrapeProfile `yaml:"scrape_profiles"`
	CheckProfiles      []types.CheckProfile  `yaml:"check_profiles"`
}

// DefaultConfig 內建預設值，與 types.DefaultSettings 一致
func DefaultConfig() *Config {
	s := types.DefaultSettings()

	cfg := &Config{}
	cfg.Worker.WorkerCount = s.Workers
	cfg.Worker.TaskTimeout = s.Timeout
	cfg.Retention.AutoDeleteFails = s.AutoDeleteFails
	cfg.Revalidation.Enabled = s.EnableRevalidation
	cfg.Revalidation.Interval = s.RevalidationInterval
	cfg.AutoDisableSources = s.AutoDisableSources

	cfg.Storage.SnapshotPath = "data/state.json"
	cfg.Storage.JournalPath = "data/history.jsonl"
	cfg.Storage.SnapshotInterval = 30 * time.Second
	cfg.Storage.KeepBackups = 3

	cfg.Simulation.PerSource = 40
	cfg.Simulation.Delay = 50 * time.Millisecond

	cfg.API.Enabled = true
	cfg.API.Addr = ":8080"
	cfg.Metrics.Addr = ":9090"
	return cfg
}

// loadConfig 讀取 YAML 設定檔並套用在預設值之上
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查設定之間的一致性
func (c *Config) Validate() error {
	if err := controller.ValidateSettings(c.Settings()); err != nil {
		return err
	}
	switch {
	case c.Storage.SnapshotPath == "":
		return fmt.Errorf("%w: storage.snapshot_path is required", ErrInvalidConfig)
	case c.Storage.SnapshotInterval < 0:
		return fmt.Errorf("%w: negative storage.snapshot_interval", ErrInvalidConfig)
	case c.Storage.KeepBackups < 0:
		return fmt.Errorf("%w: negative storage.keep_backups", ErrInvalidConfig)
	case c.API.Enabled && c.API.Addr == "":
		return fmt.Errorf("%w: api.addr is required when the api is enabled", ErrInvalidConfig)
	case c.Metrics.Enabled && c.Metrics.Addr == "":
		return fmt.Errorf("%w: metrics.addr is required when metrics are enabled", ErrInvalidConfig)
	case c.Simulation.PerSource < 0 || c.Simulation.Delay < 0:
		return fmt.Errorf("%w: negative simulation bound", ErrInvalidConfig)
	}
	for _, p := range c.CheckProfiles {
		if _, err := types.ParseCheckMode(string(p.Mode)); err != nil {
			return fmt.Errorf("%w: check profile %q: %v", ErrInvalidConfig, p.Name, err)
		}
	}
	return nil
}

// Settings 轉成控制器使用的設定快照
func (c *Config) Settings() types.Settings {
	return types.Settings{
		Workers:              c.Worker.WorkerCount,
		Timeout:              c.Worker.TaskTimeout,
		AutoDeleteFails:      c.Retention.AutoDeleteFails,
		EnableRevalidation:   c.Revalidation.Enabled,
		RevalidationInterval: c.Revalidation.Interval,
		UserAgent:            c.Worker.UserAgent,
		AutoDisableSources:   c.AutoDisableSources,
	}
}

// ControllerConfig 組出控制器設定
//
// 參數：
//   - simulate: 使用模擬執行器，不連線到任何來源或代理
func (c *Config) ControllerConfig(simulate bool) controller.Config {
	settings := c.Settings()
	cc := controller.Config{
		SnapshotPath:     c.Storage.SnapshotPath,
		JournalPath:      c.Storage.JournalPath,
		SyncJournal:      c.Storage.SyncJournal,
		SnapshotInterval: c.Storage.SnapshotInterval,
		KeepBackups:      c.Storage.KeepBackups,
		Settings:         &settings,
		Sources:          c.Sources,
		ScrapeProfiles:   c.ScrapeProfiles,
		CheckProfiles:    c.CheckProfiles,
	}
	if simulate {
		cc.NewFetcher = c.simulatedFetcher
		cc.NewChecker = c.simulatedChecker
	} else {
		cc.NewChecker = c.checker
	}
	return cc
}

func (c *Config) checker(mode types.CheckMode, targets []string, s types.Settings) worker.Executor {
	return probe.NewChecker(probe.CheckerConfig{
		Mode:       mode,
		Targets:    targets,
		Timeout:    s.Timeout,
		UserAgent:  s.UserAgent,
		JudgeURL:   c.Probe.JudgeURL,
		GeoURL:     c.Probe.GeoURL,
		GoogleURL:  c.Probe.GoogleURL,
		DNSBLZones: c.Probe.DNSBLZones,
		OriginIP:   c.Probe.OriginIP,
	})
}

func (c *Config) simulatedFetcher(types.Settings) worker.Executor {
	return probe.NewSimulatedSource(c.Simulation.PerSource, c.seed())
}

func (c *Config) simulatedChecker(mode types.CheckMode, targets []string, _ types.Settings) worker.Executor {
	return probe.NewSimulated(mode, targets, c.Simulation.Delay, c.seed())
}

func (c *Config) seed() int64 {
	if c.Simulation.Seed != 0 {
		return c.Simulation.Seed
	}
	return time.Now().UnixNano()
}

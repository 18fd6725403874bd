package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"court_spider/internal/retry"

	"dario.cat/mergo"
	"gopkg.in/yaml.v2"
)

type FieldRule struct {
	Name       string `yaml:"name"`
	Selector   string `yaml:"selector"`
	Attr       string `yaml:"attr"`
	Absolute   bool   `yaml:"absolute"`
	Regex      string `yaml:"regex"`
	TrimPrefix string `yaml:"trim_prefix"`
	Default    string `yaml:"default"`
}

type KeyFallback struct {
	QueryParamOf string `yaml:"query_param_of"`
	Param        string `yaml:"param"`
	RowIndex     bool   `yaml:"row_index"`
}

type KeyConfig struct {
	Field     string        `yaml:"field"`
	Prefix    string        `yaml:"prefix"`
	Fallbacks []KeyFallback `yaml:"fallbacks"`
}

type DocumentConfig struct {
	Field         string   `yaml:"field"`
	ResolveFrom   string   `yaml:"resolve_from"`
	LinkSelectors []string `yaml:"link_selectors"`
	LinkText      []string `yaml:"link_text"`
	Template      string   `yaml:"template"`
	TemplateParam string   `yaml:"template_param"`
	TemplateTrim  string   `yaml:"template_trim"`
	Extension     string   `yaml:"extension"`
	RejectHTML    bool     `yaml:"reject_html"`
}

type PaginationConfig struct {
	Mode          string `yaml:"mode"`
	Param         string `yaml:"param"`
	StartPage     int    `yaml:"start_page"`
	NextSelector  string `yaml:"next_selector"`
	TotalSelector string `yaml:"total_selector"`
	TotalRegex    string `yaml:"total_regex"`
	PageSize      int    `yaml:"page_size"`
}

const (
	PaginationQuery    = "query"
	PaginationNextLink = "next_link"
	PaginationSingle   = "single"
)

type DiscoveryConfig struct {
	IndexURL     string `yaml:"index_url"`
	LinkSelector string `yaml:"link_selector"`
	HrefPattern  string `yaml:"href_pattern"`
	TextPattern  string `yaml:"text_pattern"`
	Descending   bool   `yaml:"descending"`
}

type CSVConfig struct {
	File              string   `yaml:"file"`
	Columns           []string `yaml:"columns"`
	DocumentURLColumn string   `yaml:"document_url_column"`
	FilenameColumn    string   `yaml:"filename_column"`
	StatusColumn      string   `yaml:"status_column"`
	TimestampColumn   string   `yaml:"timestamp_column"`
}

// Header is the fixed schema of the source's CSV file.
func (c CSVConfig) Header() []string {
	h := append([]string{}, c.Columns...)
	h = append(h, c.DocumentURLColumn, c.FilenameColumn, c.StatusColumn)
	if c.TimestampColumn != "" {
		h = append(h, c.TimestampColumn)
	}
	return h
}

type CaptureConfig struct {
	Mode               string `yaml:"mode"`
	Field              string `yaml:"field"`
	Trigger            string `yaml:"trigger"`
	Screenshot         bool   `yaml:"screenshot"`
	NavigateTimeoutSec int    `yaml:"navigate_timeout_sec"`
	PopupTimeoutSec    int    `yaml:"popup_timeout_sec"`
	IdleTimeoutSec     int    `yaml:"idle_timeout_sec"`
}

const (
	CaptureStatic  = "static"
	CaptureBrowser = "browser"
)

type SourceConfig struct {
	Name           string           `yaml:"name"`
	Listings       []string         `yaml:"listings"`
	Discovery      DiscoveryConfig  `yaml:"discovery"`
	AllowedDomains []string         `yaml:"allowed_domains"`
	ExpectSelector string           `yaml:"expect_selector"`
	RowSelector    string           `yaml:"row_selector"`
	SkipRows       int              `yaml:"skip_rows"`
	Pagination     PaginationConfig `yaml:"pagination"`
	Fields         []FieldRule      `yaml:"fields"`
	Key            KeyConfig        `yaml:"key"`
	Document       DocumentConfig   `yaml:"document"`
	CSV            CSVConfig        `yaml:"csv"`
	OutputDir      string           `yaml:"output_dir"`
	MaxPages       int              `yaml:"max_pages"`
	MaxItems       int              `yaml:"max_items"`
	Capture        CaptureConfig    `yaml:"capture"`
}

type DBConfig struct {
	Backend     string `yaml:"backend"`
	Connection  string `yaml:"connection"`
	Database    string `yaml:"database"`
	Collections struct {
		Outcomes string `yaml:"outcomes"`
		Runs     string `yaml:"runs"`
	} `yaml:"collections"`
}

const (
	BackendNone     = ""
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

type LogicConfig struct {
	DelayMS            int     `yaml:"delay_ms"`
	RandomDelayMS      int     `yaml:"random_delay_ms"`
	TimeoutSec         int     `yaml:"timeout_sec"`
	DownloadTimeoutSec int     `yaml:"download_timeout_sec"`
	MaxRetries         int     `yaml:"max_retries"`
	RetryBaseMS        int     `yaml:"retry_base_ms"`
	RetryMaxMS         int     `yaml:"retry_max_ms"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"`
	DownloadWorkers    int     `yaml:"download_workers"`
	UserAgent          string  `yaml:"user_agent"`
	RespectRobots      bool    `yaml:"respect_robots"`
	LogLevel           string  `yaml:"log_level"`
	LogFile            string  `yaml:"log_file"`
	CheckpointEvery    int     `yaml:"checkpoint_every"`
	LockTTLMin         int     `yaml:"lock_ttl_min"`
	StatsIntervalSec   int     `yaml:"stats_interval_sec"`
}

// RetryPolicy is the backoff shared by page fetches and downloads. The first
// attempt is not a retry.
func (l LogicConfig) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = l.MaxRetries + 1
	if l.RetryBaseMS > 0 {
		p.Initial = time.Duration(l.RetryBaseMS) * time.Millisecond
	}
	if l.RetryMaxMS > 0 {
		p.Max = time.Duration(l.RetryMaxMS) * time.Millisecond
	}
	return p
}

type SeenConfig struct {
	Store       string `yaml:"store"`
	RetryFailed bool   `yaml:"retry_failed"`
}

const (
	SeenCSV        = "csv"
	SeenLog        = "log"
	SeenCheckpoint = "checkpoint"
)

type BrowserConfig struct {
	ControlURL string `yaml:"control_url"`
	Bin        string `yaml:"bin"`
	ShowWindow bool   `yaml:"show_window"`
}

type SpiderConfig struct {
	OutputRoot string                  `yaml:"output_root"`
	DB         DBConfig                `yaml:"db"`
	Logic      LogicConfig             `yaml:"logic"`
	Seen       SeenConfig              `yaml:"seen"`
	Browser    BrowserConfig           `yaml:"browser"`
	Sources    map[string]SourceConfig `yaml:"sources"`
}

// LoadConfig reads path and merges <name>.local.<ext> over it when present.
func LoadConfig(path string) (*SpiderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SpiderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	localPath := localName(path)
	local, err := os.ReadFile(localPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if len(local) > 0 {
		var override SpiderConfig
		if err := yaml.Unmarshal(local, &override); err != nil {
			return nil, fmt.Errorf("parse %s: %w", localPath, err)
		}
		if err := mergeOverride(&cfg, override); err != nil {
			return nil, fmt.Errorf("merge %s: %w", localPath, err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeOverride merges each overridden source into its base entry, so a
// local file can change one setting of a source without restating it.
func mergeOverride(cfg *SpiderConfig, override SpiderConfig) error {
	sources := override.Sources
	override.Sources = nil
	if err := mergo.Merge(cfg, override, mergo.WithOverride); err != nil {
		return err
	}
	if len(sources) > 0 && cfg.Sources == nil {
		cfg.Sources = make(map[string]SourceConfig, len(sources))
	}
	for name, ov := range sources {
		base := cfg.Sources[name]
		if err := mergo.Merge(&base, ov, mergo.WithOverride); err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}
		cfg.Sources[name] = base
	}
	return nil
}

func localName(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

func (c *SpiderConfig) ApplyDefaults() {
	if c.OutputRoot == "" {
		c.OutputRoot = "downloads"
	}
	l := &c.Logic
	if l.TimeoutSec <= 0 {
		l.TimeoutSec = 30
	}
	if l.DownloadTimeoutSec <= 0 {
		l.DownloadTimeoutSec = l.TimeoutSec * 2
	}
	if l.MaxRetries <= 0 {
		l.MaxRetries = 5
	}
	if l.RetryBaseMS <= 0 {
		l.RetryBaseMS = 10_000
	}
	if l.RetryMaxMS <= 0 {
		l.RetryMaxMS = 300_000
	}
	if l.DownloadWorkers <= 0 {
		l.DownloadWorkers = 1
	}
	if l.UserAgent == "" {
		l.UserAgent = "Mozilla/5.0 (compatible; court_spider/1.0)"
	}
	if l.LogLevel == "" {
		l.LogLevel = "info"
	}
	if l.CheckpointEvery <= 0 {
		l.CheckpointEvery = 50
	}
	if l.LockTTLMin <= 0 {
		l.LockTTLMin = 30
	}
	if l.StatsIntervalSec <= 0 {
		l.StatsIntervalSec = 30
	}
	if c.Seen.Store == "" {
		c.Seen.Store = SeenCSV
	}
	if c.DB.Collections.Outcomes == "" {
		c.DB.Collections.Outcomes = "harvest_outcomes"
	}
	if c.DB.Collections.Runs == "" {
		c.DB.Collections.Runs = "harvest_runs"
	}

	for name, src := range c.Sources {
		src.applyDefaults(name)
		c.Sources[name] = src
	}
}

func (s *SourceConfig) applyDefaults(name string) {
	if s.Name == "" {
		s.Name = name
	}
	if s.OutputDir == "" {
		s.OutputDir = name
	}
	if s.Pagination.Mode == "" {
		s.Pagination.Mode = PaginationSingle
	}
	if s.Pagination.Mode == PaginationQuery && s.Pagination.Param == "" {
		s.Pagination.Param = "page"
	}
	if s.Discovery.IndexURL != "" && s.Discovery.LinkSelector == "" {
		s.Discovery.LinkSelector = "a[href]"
	}
	if s.CSV.File == "" {
		s.CSV.File = "metadata.csv"
	}
	if len(s.CSV.Columns) == 0 {
		for _, f := range s.Fields {
			s.CSV.Columns = append(s.CSV.Columns, f.Name)
		}
	}
	if s.CSV.DocumentURLColumn == "" {
		s.CSV.DocumentURLColumn = "pdf_url"
	}
	if s.CSV.FilenameColumn == "" {
		s.CSV.FilenameColumn = "pdf_filename"
	}
	if s.CSV.StatusColumn == "" {
		s.CSV.StatusColumn = "download_status"
	}
	if s.Document.Extension == "" {
		s.Document.Extension = ".pdf"
	}
	c := &s.Capture
	if c.NavigateTimeoutSec <= 0 {
		c.NavigateTimeoutSec = 60
	}
	if c.PopupTimeoutSec <= 0 {
		c.PopupTimeoutSec = 15
	}
	if c.IdleTimeoutSec <= 0 {
		c.IdleTimeoutSec = 10
	}
}

func (c *SpiderConfig) Validate() error {
	if len(c.Sources) == 0 {
		return errors.New("no sources configured")
	}
	switch c.Seen.Store {
	case SeenCSV, SeenLog, SeenCheckpoint:
	default:
		return fmt.Errorf("unknown seen store %q", c.Seen.Store)
	}
	switch c.DB.Backend {
	case BackendNone, BackendMongo, BackendPostgres:
	default:
		return fmt.Errorf("unknown db backend %q", c.DB.Backend)
	}
	var errs []error
	for name, src := range c.Sources {
		if err := src.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *SourceConfig) Validate() error {
	if len(s.Listings) == 0 && s.Discovery.IndexURL == "" {
		return errors.New("listings or discovery.index_url required")
	}
	if s.RowSelector == "" {
		return errors.New("row_selector required")
	}
	switch s.Pagination.Mode {
	case PaginationSingle, PaginationQuery:
	case PaginationNextLink:
		if s.Pagination.NextSelector == "" {
			return errors.New("pagination.next_selector required for next_link mode")
		}
	default:
		return fmt.Errorf("unknown pagination mode %q", s.Pagination.Mode)
	}
	if s.Key.Field == "" {
		return errors.New("key.field required")
	}

	fields := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return errors.New("field without name")
		}
		if fields[f.Name] {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		fields[f.Name] = true
	}
	if !fields[s.Key.Field] {
		return fmt.Errorf("key field %q is not an extracted field", s.Key.Field)
	}
	for _, fb := range s.Key.Fallbacks {
		if fb.QueryParamOf != "" && !fields[fb.QueryParamOf] {
			return fmt.Errorf("key fallback field %q is not an extracted field", fb.QueryParamOf)
		}
	}
	if s.Document.Field != "" && !fields[s.Document.Field] {
		return fmt.Errorf("document field %q is not an extracted field", s.Document.Field)
	}
	if s.Document.ResolveFrom != "" && !fields[s.Document.ResolveFrom] {
		return fmt.Errorf("document resolve_from %q is not an extracted field", s.Document.ResolveFrom)
	}

	seen := make(map[string]bool)
	keyInHeader := false
	for _, col := range s.CSV.Header() {
		if seen[col] {
			return fmt.Errorf("duplicate csv column %q", col)
		}
		seen[col] = true
		if col == s.Key.Field {
			keyInHeader = true
		}
	}
	if !keyInHeader {
		return fmt.Errorf("csv columns must include key field %q", s.Key.Field)
	}

	switch s.Capture.Mode {
	case "", CaptureStatic, CaptureBrowser:
	default:
		return fmt.Errorf("unknown capture mode %q", s.Capture.Mode)
	}
	if s.Capture.Mode != "" && !fields[s.Capture.Field] {
		return fmt.Errorf("capture field %q is not an extracted field", s.Capture.Field)
	}
	return nil
}

// SourceNames returns the configured source names in a stable order.
func (c *SpiderConfig) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

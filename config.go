package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	BaseURL string `yaml:"base_url"`

	ShowID       string `yaml:"show_id"`
	Keyword      string `yaml:"keyword"`
	Quantity     string `yaml:"quantity"`
	SessionIndex int    `yaml:"session_index"`

	StatePath  string `yaml:"state_path"`
	ListenAddr string `yaml:"listen_addr"`

	RecognizerURL            string `yaml:"recognizer_url"`
	RecognizerTimeoutSeconds int    `yaml:"recognizer_timeout_seconds"`

	PageLoadTimeoutSeconds      int `yaml:"page_load_timeout_seconds"`
	DOMCheckTimeoutMs           int `yaml:"dom_check_timeout_ms"`
	SubmitDelayMs               int `yaml:"submit_delay_ms"`
	InitTimeoutSeconds          int `yaml:"init_timeout_seconds"`
	UnhandledPageTimeoutSeconds int `yaml:"unhandled_page_timeout_seconds"`

	Retry RetryConfig `yaml:"retry"`

	SaleStartTime          string `yaml:"sale_start_time"`
	StartBeforeSaleSeconds int    `yaml:"start_before_sale_seconds"`

	LoginCheck bool `yaml:"login_check"`

	BrowserProfilePath string `yaml:"browser_profile_path"`
	Headless           bool   `yaml:"headless"`
	KeepBrowserOpen    bool   `yaml:"keep_browser_open"`
	DebugMode          bool   `yaml:"debug_mode"`

	Selectors SelectorConfig `yaml:"selectors"`
}

// RetryConfig bounds the optional retry of element-timeout failures during
// session and area resolution. One attempt means no retry, which is the
// default: a failed stage reports upward instead of hammering the site.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	MinDelayMs  int `yaml:"min_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

// SelectorConfig pins the markup contract of the target site. These shapes
// are external data, version-pinned to one site; change them here when the
// site changes, not in the stage code.
type SelectorConfig struct {
	SessionRows   string `yaml:"session_rows"`
	SessionRowEnd string `yaml:"session_row_end"`
	AreaList      string `yaml:"area_list"`
	CaptchaImage  string `yaml:"captcha_image"`
	CaptchaInput  string `yaml:"captcha_input"`
	QuantitySel   string `yaml:"quantity_select"`
	AgreeCheckbox string `yaml:"agree_checkbox"`
	SubmitButton  string `yaml:"submit_button"`
	LoginName     string `yaml:"login_name"`
}

func DefaultConfig() *Config {
	userDataDir := getUserDataDir()

	return &Config{
		BaseURL:                  "https://tixcraft.com",
		ShowID:                   "",
		Keyword:                  "",
		Quantity:                 "1",
		SessionIndex:             1,
		StatePath:                filepath.Join(userDataDir, "encore.db"),
		ListenAddr:               "127.0.0.1:8721",
		RecognizerURL:            "http://localhost:5000/ocr",
		RecognizerTimeoutSeconds: 5,
		PageLoadTimeoutSeconds:   30,
		DOMCheckTimeoutMs:        5000,
		SubmitDelayMs:            100,
		InitTimeoutSeconds:       30,
		// Queue and verification pages can park a run for a while before
		// redirecting back into the flow.
		UnhandledPageTimeoutSeconds: 120,
		Retry: RetryConfig{
			MaxAttempts: 1,
			MinDelayMs:  50,
			MaxDelayMs:  200,
		},
		StartBeforeSaleSeconds: 60,
		LoginCheck:             true,
		BrowserProfilePath:     filepath.Join(userDataDir, "browser-profile"),
		Headless:               false,
		KeepBrowserOpen:        true,
		DebugMode:              false,
		Selectors: SelectorConfig{
			SessionRows:   "table tbody tr.gridc.fcTxt",
			SessionRowEnd: "td:last-child",
			AreaList:      ".zone.area-list",
			CaptchaImage:  "#TicketForm_verifyCode-image",
			CaptchaInput:  "#TicketForm_verifyCode",
			QuantitySel:   "#TicketForm_ticketPrice_01",
			AgreeCheckbox: "#TicketForm_agree",
			SubmitButton:  `.mgt-32 button[type="submit"]`,
			LoginName:     "a.user-name.justify-content-center span",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	if config.BrowserProfilePath != "" {
		if err := os.MkdirAll(config.BrowserProfilePath, 0755); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	if c.SessionIndex < 1 {
		return fmt.Errorf("session_index must be >= 1, got %d", c.SessionIndex)
	}
	if c.Quantity == "" {
		return fmt.Errorf("quantity must not be empty")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.MinDelayMs > c.Retry.MaxDelayMs {
		return fmt.Errorf("retry.min_delay_ms must not exceed retry.max_delay_ms")
	}
	return nil
}

func (c *Config) DOMCheckTimeout() time.Duration {
	return time.Duration(c.DOMCheckTimeoutMs) * time.Millisecond
}

func (c *Config) SubmitDelay() time.Duration {
	return time.Duration(c.SubmitDelayMs) * time.Millisecond
}

func (c *Config) PageLoadTimeout() time.Duration {
	return time.Duration(c.PageLoadTimeoutSeconds) * time.Second
}

func (c *Config) RecognizerTimeout() time.Duration {
	return time.Duration(c.RecognizerTimeoutSeconds) * time.Second
}

func (c *Config) InitTimeout() time.Duration {
	return time.Duration(c.InitTimeoutSeconds) * time.Second
}

func (c *Config) UnhandledPageTimeout() time.Duration {
	return time.Duration(c.UnhandledPageTimeoutSeconds) * time.Second
}

// applyEnvOverrides lets a .env file or the process environment override the
// operator-facing settings without editing the YAML file.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("ENCORE_SHOW_ID"); v != "" {
		c.ShowID = v
	}
	if v := os.Getenv("ENCORE_KEYWORD"); v != "" {
		c.Keyword = v
	}
	if v := os.Getenv("ENCORE_QUANTITY"); v != "" {
		c.Quantity = v
	}
	if v := os.Getenv("ENCORE_SESSION_INDEX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SessionIndex = n
		}
	}
	if v := os.Getenv("ENCORE_RECOGNIZER_URL"); v != "" {
		c.RecognizerURL = v
	}
	if v := os.Getenv("ENCORE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
}
